package funding

import (
	"context"
	"errors"
	"sync"

	"github.com/gregtusar/fundingdesk/pkg/bitfinex"
	"github.com/gregtusar/fundingdesk/pkg/models"
	"github.com/sirupsen/logrus"
)

// DefaultFrameBudget is how many feed frames a single read may consume.
const DefaultFrameBudget = 10

// PositionStream is the streaming side of the exchange client.
type PositionStream interface {
	Ready() bool
	State() bitfinex.State
	Open(ctx context.Context) error
	ReadPositions(ctx context.Context, maxFrames int, keep bitfinex.PositionFilter) ([]models.FundingPosition, error)
	Reconnect(ctx context.Context) error
	Close() error
}

// CommandClient is the REST side of the exchange client.
type CommandClient interface {
	ClosePositions(ctx context.Context, ids []int64) []models.CloseResult
	FundingBook(ctx context.Context, symbol string) []models.FundingBookLevel
	PlatformStatus(ctx context.Context) (models.PlatformStatus, error)
}

type PositionQuery struct {
	// KeepAlive leaves the stream open after the read.
	KeepAlive bool
	// BorrowerOnly drops lender and both-sided positions.
	BorrowerOnly bool
}

type Status struct {
	Stream   string                 `json:"stream"`
	Platform *models.PlatformStatus `json:"platform,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// Service composes the stream and REST clients and owns the stream's
// lifetime. All stream access goes through mu, so a reconnect is never
// observed half-done.
type Service struct {
	stream      PositionStream
	commands    CommandClient
	frameBudget int
	logger      *logrus.Logger
	mu          sync.Mutex
}

func NewService(stream PositionStream, commands CommandClient, frameBudget int, logger *logrus.Logger) *Service {
	if frameBudget <= 0 {
		frameBudget = DefaultFrameBudget
	}
	return &Service{
		stream:      stream,
		commands:    commands,
		frameBudget: frameBudget,
		logger:      logger,
	}
}

// ActivePositions reads the current funding positions from the stream.
// Connection and authentication problems are logged and produce an empty
// result; absence of data is a valid outcome.
func (s *Service) ActivePositions(ctx context.Context, q PositionQuery) []models.FundingPosition {
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := s.logger.WithFields(logrus.Fields{
		"keep_alive":    q.KeepAlive,
		"borrower_only": q.BorrowerOnly,
	})
	defer func() {
		if !q.KeepAlive {
			_ = s.stream.Close()
		}
	}()

	if !s.stream.Ready() {
		logger.Info("No active stream, connecting")
		if err := s.stream.Open(ctx); err != nil {
			logger.WithError(err).Error("Failed to open funding stream")
			return []models.FundingPosition{}
		}
	}

	// The filter runs inside the read so a frame holding only rejected
	// positions does not end it.
	var keep bitfinex.PositionFilter
	if q.BorrowerOnly {
		keep = models.FundingPosition.IsBorrower
	}

	positions, err := s.stream.ReadPositions(ctx, s.frameBudget, keep)
	if errors.Is(err, bitfinex.ErrConnectionClosed) {
		logger.WithError(err).Warn("Funding stream dropped, reconnecting once")
		if err := s.stream.Reconnect(ctx); err != nil {
			logger.WithError(err).Error("Reconnect failed")
			return []models.FundingPosition{}
		}
		positions, err = s.stream.ReadPositions(ctx, s.frameBudget, keep)
	}
	if err != nil {
		logger.WithError(err).Error("Failed to read funding positions")
		return []models.FundingPosition{}
	}

	if q.BorrowerOnly {
		positions = models.FilterBorrowers(positions)
	}
	if positions == nil {
		positions = []models.FundingPosition{}
	}
	logger.WithField("positions", len(positions)).Info("Retrieved funding positions")
	return positions
}

// ClosePositions closes each id over REST. No stream is needed.
func (s *Service) ClosePositions(ctx context.Context, ids []int64) []models.CloseResult {
	results := s.commands.ClosePositions(ctx, ids)

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	s.logger.WithFields(logrus.Fields{
		"requested": len(ids),
		"failed":    failed,
	}).Info("Processed close requests")
	return results
}

func (s *Service) FundingBook(ctx context.Context, symbol string) []models.FundingBookLevel {
	return s.commands.FundingBook(ctx, symbol)
}

// Status reports the stream state and the exchange platform status.
// It does not take the stream lock.
func (s *Service) Status(ctx context.Context) Status {
	st := Status{Stream: s.stream.State().String()}
	platform, err := s.commands.PlatformStatus(ctx)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	st.Platform = &platform
	return st
}

// Shutdown closes the stream, waiting for any in-flight read.
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("Closing Bitfinex connection")
	if err := s.stream.Close(); err != nil {
		s.logger.WithError(err).Error("Failed to close stream")
	}
}
