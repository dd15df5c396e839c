package bitfinex

import (
	"fmt"
	"time"

	"github.com/gregtusar/fundingdesk/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

type FrameKind int

const (
	FrameUnrecognized FrameKind = iota
	FrameAuthAck
	FrameHeartbeat
	FrameCreditSnapshot
	FrameCreditUpdate
	FrameLoanSnapshot
	FrameLoanUpdate
)

func (k FrameKind) String() string {
	switch k {
	case FrameAuthAck:
		return "auth_ack"
	case FrameHeartbeat:
		return "heartbeat"
	case FrameCreditSnapshot:
		return "credit_snapshot"
	case FrameCreditUpdate:
		return "credit_update"
	case FrameLoanSnapshot:
		return "loan_snapshot"
	case FrameLoanUpdate:
		return "loan_update"
	default:
		return "unrecognized"
	}
}

func (k FrameKind) IsSnapshot() bool {
	return k == FrameCreditSnapshot || k == FrameLoanSnapshot
}

func (k FrameKind) IsUpdate() bool {
	return k == FrameCreditUpdate || k == FrameLoanUpdate
}

func (k FrameKind) carriesPositions() bool {
	return k.IsSnapshot() || k.IsUpdate()
}

func (k FrameKind) positionKind() models.PositionKind {
	if k == FrameLoanSnapshot || k == FrameLoanUpdate {
		return models.PositionKindLoan
	}
	return models.PositionKindCredit
}

var frameTags = map[string]FrameKind{
	"hb":  FrameHeartbeat,
	"fcs": FrameCreditSnapshot,
	"fcn": FrameCreditUpdate,
	"fcu": FrameCreditUpdate,
	"fls": FrameLoanSnapshot,
	"fln": FrameLoanUpdate,
	"flu": FrameLoanUpdate,
}

// Classify identifies a raw feed frame. Anything it does not understand,
// including invalid JSON, is FrameUnrecognized.
func Classify(frame []byte) FrameKind {
	if !gjson.ValidBytes(frame) {
		return FrameUnrecognized
	}
	parsed := gjson.ParseBytes(frame)
	switch {
	case parsed.IsObject():
		if parsed.Get("event").String() == "auth" {
			return FrameAuthAck
		}
	case parsed.IsArray():
		tag := parsed.Get("1")
		if tag.Type != gjson.String {
			return FrameUnrecognized
		}
		if kind, ok := frameTags[tag.Str]; ok {
			return kind
		}
	}
	return FrameUnrecognized
}

// positionLayout maps semantic fields of a funding credit/loan record to
// their index in the exchange's positional array.
var positionLayout = struct {
	ID, Symbol, Side, CreatedAt, UpdatedAt, Amount, Flags, Status int
	Rate, Period, OpenedAt, LastPayoutAt, Notify, Hidden            int
	Renew, RateReal, NoClose, PositionPair                          int
}{
	ID:           0,
	Symbol:       1,
	Side:         2,
	CreatedAt:    3,
	UpdatedAt:    4,
	Amount:       5,
	Flags:        6,
	Status:       7,
	Rate:         11,
	Period:       12,
	OpenedAt:     13,
	LastPayoutAt: 14,
	Notify:       15,
	Hidden:       16,
	Renew:        18,
	RateReal:     19,
	NoClose:      20,
	PositionPair: 21,
}

// mandatoryFields covers id through amount.
const mandatoryFields = 6

type record []gjson.Result

func (r record) field(i int) gjson.Result {
	if i >= len(r) {
		return gjson.Result{}
	}
	return r[i]
}

func (r record) present(i int) bool {
	f := r.field(i)
	return f.Exists() && f.Type != gjson.Null
}

func (r record) timestamp(i int) *time.Time {
	ms := r.field(i).Int()
	if ms == 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}

// DecodePosition maps one positional record into a FundingPosition.
func DecodePosition(kind FrameKind, raw gjson.Result) (models.FundingPosition, error) {
	if !raw.IsArray() {
		return models.FundingPosition{}, fmt.Errorf("%w: record is not an array", ErrMalformedRecord)
	}
	r := record(raw.Array())
	if len(r) < mandatoryFields {
		return models.FundingPosition{}, fmt.Errorf("%w: %d fields, need %d", ErrMalformedRecord, len(r), mandatoryFields)
	}
	l := positionLayout
	if r.field(l.ID).Type != gjson.Number {
		return models.FundingPosition{}, fmt.Errorf("%w: id %q is not numeric", ErrMalformedRecord, r.field(l.ID).Raw)
	}

	side := models.SideUnknown
	// Fractional markers are not sides; Int() would truncate them.
	if f := r.field(l.Side); f.Type == gjson.Number && f.Num == float64(f.Int()) {
		side = models.SideFromInt(f.Int())
	}

	p := models.FundingPosition{
		ID:           r.field(l.ID).Int(),
		Kind:         kind.positionKind(),
		Symbol:       r.field(l.Symbol).String(),
		Side:         side,
		CreatedAt:    r.timestamp(l.CreatedAt),
		UpdatedAt:    r.timestamp(l.UpdatedAt),
		Amount:       r.field(l.Amount).Float(),
		Flags:        r.field(l.Flags).Int(),
		Status:       r.field(l.Status).String(),
		Rate:         r.field(l.Rate).Float(),
		PeriodDays:   int(r.field(l.Period).Int()),
		OpenedAt:     r.timestamp(l.OpenedAt),
		LastPayoutAt: r.timestamp(l.LastPayoutAt),
		Notify:       r.field(l.Notify).Bool(),
		Hidden:       r.field(l.Hidden).Bool(),
		AutoRenew:    r.field(l.Renew).Bool(),
		NoClose:      r.field(l.NoClose).Bool(),
	}
	p.RateReal = p.Rate
	if r.present(l.RateReal) {
		p.RateReal = r.field(l.RateReal).Float()
	}
	if r.present(l.PositionPair) {
		pair := r.field(l.PositionPair).String()
		p.PositionPair = &pair
	}
	return p, nil
}

// DecodePositions extracts every record carried by a snapshot or update frame.
// Malformed records are logged and dropped; the rest of the batch is kept.
func DecodePositions(kind FrameKind, frame []byte, logger *logrus.Logger) []models.FundingPosition {
	if !kind.carriesPositions() {
		return nil
	}
	body := gjson.GetBytes(frame, "2")
	if !body.IsArray() {
		return nil
	}

	var records []gjson.Result
	if kind.IsSnapshot() {
		records = body.Array()
	} else {
		records = []gjson.Result{body}
	}

	positions := make([]models.FundingPosition, 0, len(records))
	for _, raw := range records {
		p, err := DecodePosition(kind, raw)
		if err != nil {
			logger.WithError(err).WithFields(logrus.Fields{
				"frame_kind": kind.String(),
				"record":     raw.Raw,
			}).Warn("Dropping funding record")
			continue
		}
		positions = append(positions, p)
	}
	return positions
}

// AuthAck is the exchange's answer to an auth frame.
type AuthAck struct {
	Status  string
	Code    int64
	Message string
	UserID  int64
}

func (a AuthAck) OK() bool {
	return a.Status == "OK"
}

func DecodeAuthAck(frame []byte) AuthAck {
	parsed := gjson.ParseBytes(frame)
	return AuthAck{
		Status:  parsed.Get("status").String(),
		Code:    parsed.Get("code").Int(),
		Message: parsed.Get("msg").String(),
		UserID:  parsed.Get("userId").Int(),
	}
}
