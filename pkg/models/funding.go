package models

import (
	"time"

	json "github.com/goccy/go-json"
)

// AnnualizationFactor converts a daily funding rate into a yearly one.
const AnnualizationFactor = 365

type Side string

const (
	SideLender   Side = "lender"
	SideBorrower Side = "borrower"
	SideBoth     Side = "both"
	SideUnknown  Side = "unknown"
)

// SideFromInt maps the exchange's signed side marker. Only 1, 0 and -1 are defined.
func SideFromInt(v int64) Side {
	switch v {
	case 1:
		return SideLender
	case 0:
		return SideBoth
	case -1:
		return SideBorrower
	default:
		return SideUnknown
	}
}

type PositionKind string

const (
	PositionKindCredit PositionKind = "credit"
	PositionKindLoan   PositionKind = "loan"
)

// FundingPosition unifies funding credits and loans. Rate is the raw period
// rate as sent by the exchange; use AnnualRate for a yearly figure.
type FundingPosition struct {
	ID           int64        `json:"id"`
	Kind         PositionKind `json:"kind"`
	Symbol       string       `json:"symbol"`
	Side         Side         `json:"side"`
	CreatedAt    *time.Time   `json:"createdAt"`
	UpdatedAt    *time.Time   `json:"updatedAt"`
	OpenedAt     *time.Time   `json:"openedAt"`
	LastPayoutAt *time.Time   `json:"lastPayoutAt"`
	Amount       float64      `json:"amount"`
	Flags        int64        `json:"flags"`
	Status       string       `json:"status"`
	Rate         float64      `json:"rate"`
	RateReal     float64      `json:"rateReal"`
	PeriodDays   int          `json:"periodDays"`
	Notify       bool         `json:"notify"`
	Hidden       bool         `json:"hidden"`
	AutoRenew    bool         `json:"autoRenew"`
	NoClose      bool         `json:"noClose"`
	PositionPair *string      `json:"positionPair"`
}

func (p FundingPosition) DailyEarnings() float64 {
	return p.Amount * p.Rate
}

func (p FundingPosition) AnnualEarnings() float64 {
	return p.DailyEarnings() * AnnualizationFactor
}

func (p FundingPosition) AnnualRate() float64 {
	return p.Rate * AnnualizationFactor
}

func (p FundingPosition) IsBorrower() bool {
	return p.Side == SideBorrower
}

type fundingPositionFields FundingPosition

// MarshalJSON adds the derived earnings fields to the wire shape.
func (p FundingPosition) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		fundingPositionFields
		AnnualRate     float64 `json:"annualRate"`
		DailyEarnings  float64 `json:"dailyEarnings"`
		AnnualEarnings float64 `json:"annualEarnings"`
	}{
		fundingPositionFields: fundingPositionFields(p),
		AnnualRate:            p.AnnualRate(),
		DailyEarnings:         p.DailyEarnings(),
		AnnualEarnings:        p.AnnualEarnings(),
	})
}

// FilterBorrowers returns the borrower-side positions, preserving order.
func FilterBorrowers(positions []FundingPosition) []FundingPosition {
	out := make([]FundingPosition, 0, len(positions))
	for _, p := range positions {
		if p.IsBorrower() {
			out = append(out, p)
		}
	}
	return out
}

type CloseResult struct {
	ID         int64  `json:"id"`
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	StatusCode *int   `json:"statusCode"`
}

// AllSucceeded reports whether every result is a success. An empty slice counts as success.
func AllSucceeded(results []CloseResult) bool {
	for _, r := range results {
		if !r.Success {
			return false
		}
	}
	return true
}

type FundingBookLevel struct {
	Rate       float64 `json:"rate"`
	PeriodDays int     `json:"periodDays"`
	OrderCount int     `json:"orderCount"`
	Amount     float64 `json:"amount"`
}

type PlatformStatus struct {
	Operative bool      `json:"operative"`
	CheckedAt time.Time `json:"checkedAt"`
}
