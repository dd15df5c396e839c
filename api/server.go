package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gregtusar/fundingdesk/internal/config"
	"github.com/gregtusar/fundingdesk/pkg/funding"
	"github.com/gregtusar/fundingdesk/pkg/models"
	"github.com/sirupsen/logrus"
)

const maxRequestBody = 1 << 16

// FundingService is what the HTTP layer needs from the funding facade.
type FundingService interface {
	ActivePositions(ctx context.Context, q funding.PositionQuery) []models.FundingPosition
	ClosePositions(ctx context.Context, ids []int64) []models.CloseResult
	FundingBook(ctx context.Context, symbol string) []models.FundingBookLevel
	Status(ctx context.Context) funding.Status
}

type Option func(*Server)

// WithAuth enables bearer-token auth when cfg carries a JWT secret.
func WithAuth(cfg config.AuthConfig) Option {
	return func(s *Server) { s.auth = cfg }
}

// WithPositionDefaults sets the query used when a request omits a parameter.
func WithPositionDefaults(q funding.PositionQuery) Option {
	return func(s *Server) { s.defaults = q }
}

func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) { s.shutdownTimeout = d }
}

type Server struct {
	service         FundingService
	logger          *logrus.Logger
	port            string
	auth            config.AuthConfig
	defaults        funding.PositionQuery
	shutdownTimeout time.Duration
	now             func() time.Time
}

func NewServer(service FundingService, logger *logrus.Logger, port string, opts ...Option) *Server {
	s := &Server{
		service:         service,
		logger:          logger,
		port:            port,
		shutdownTimeout: 10 * time.Second,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("GET /positions", s.handlePositions)
	mux.HandleFunc("POST /positions/close", s.handleClosePositions)
	mux.HandleFunc("GET /book/{symbol}", s.handleFundingBook)
	mux.HandleFunc("GET /api/loans", s.handleLoans)

	var handler http.Handler = mux
	handler = s.authMiddleware(handler)
	handler = s.loggingMiddleware(handler)
	handler = corsMiddleware(handler)
	handler = requestIDMiddleware(handler)
	return handler
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Starting API server on port %s", s.port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.logger.WithFields(logrus.Fields{
			"request_id":  RequestID(r.Context()),
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("Handled request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": s.now().UTC(),
	}

	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.service.Status(r.Context()))
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	q, err := s.positionQuery(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, s.service.ActivePositions(r.Context(), q))
}

// handleLoans always filters to borrower positions.
func (s *Server) handleLoans(w http.ResponseWriter, r *http.Request) {
	q, err := s.positionQuery(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q.BorrowerOnly = true

	s.writeJSON(w, http.StatusOK, s.service.ActivePositions(r.Context(), q))
}

func (s *Server) positionQuery(r *http.Request) (funding.PositionQuery, error) {
	q := s.defaults
	values := r.URL.Query()

	if raw := values.Get("keepAlive"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return q, errors.New("keepAlive must be a boolean")
		}
		q.KeepAlive = v
	}
	if raw := values.Get("borrowerOnly"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return q, errors.New("borrowerOnly must be a boolean")
		}
		q.BorrowerOnly = v
	}
	return q, nil
}

type closeRequest struct {
	IDs []int64 `json:"ids"`
}

type closeResponse struct {
	Success bool                 `json:"success"`
	Results []models.CloseResult `json:"results"`
}

func (s *Server) handleClosePositions(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	ids := req.IDs
	if ids == nil {
		ids = []int64{}
	}
	results := s.service.ClosePositions(r.Context(), ids)
	if results == nil {
		results = []models.CloseResult{}
	}

	s.writeJSON(w, http.StatusOK, closeResponse{
		Success: models.AllSucceeded(results),
		Results: results,
	})
}

func (s *Server) handleFundingBook(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")
	if symbol == "" {
		s.writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}

	s.writeJSON(w, http.StatusOK, s.service.FundingBook(r.Context(), symbol))
}

func decodeBody(r *http.Request, v interface{}) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
