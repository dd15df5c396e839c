package bitfinex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/gregtusar/fundingdesk/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	DefaultRESTURL   = "https://api.bitfinex.com/v2"
	DefaultPublicURL = "https://api-pub.bitfinex.com/v2"

	fundingClosePath   = "auth/w/funding/close"
	platformStatusPath = "platform/status"
	bookPrecision      = "P0"
	bookLength         = 25

	defaultRequestTimeout = 10 * time.Second
	maxResponseBody       = 1 << 20
	emptyResponseMessage  = "No response text"
)

var transientStatuses = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

type RESTOption func(*RESTClient)

func WithRESTURL(u string) RESTOption {
	return func(c *RESTClient) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithPublicURL(u string) RESTOption {
	return func(c *RESTClient) { c.publicURL = strings.TrimRight(u, "/") }
}

func WithHTTPClient(hc *http.Client) RESTOption {
	return func(c *RESTClient) { c.httpClient = hc }
}

// WithRequestTimeout bounds each HTTP attempt. Zero keeps the client's
// own timeout. A client passed with WithHTTPClient is copied, not changed.
func WithRequestTimeout(d time.Duration) RESTOption {
	return func(c *RESTClient) { c.requestTimeout = d }
}

func WithRetryPolicy(p RetryPolicy) RESTOption {
	return func(c *RESTClient) { c.retry = p }
}

// WithRateLimiter throttles authenticated requests. Each attempt, including
// retries, takes one token.
func WithRateLimiter(l *rate.Limiter) RESTOption {
	return func(c *RESTClient) { c.limiter = l }
}

// RESTClient sends signed commands and public reads. It keeps no state
// shared with the stream beyond the signer and is safe for concurrent use.
// WithPreflightCheck makes every close first confirm the public API answers.
// Any HTTP response counts as reachable; only transport failures stop the close.
func WithPreflightCheck() RESTOption {
	return func(c *RESTClient) { c.preflight = true }
}

type RESTClient struct {
	baseURL    string
	publicURL  string
	signer     *Signer
	httpClient *http.Client
	retry      RetryPolicy
	limiter    *rate.Limiter
	logger     *logrus.Logger

	requestTimeout time.Duration
	preflight      bool
}

func NewRESTClient(signer *Signer, logger *logrus.Logger, opts ...RESTOption) *RESTClient {
	c := &RESTClient{
		baseURL:    DefaultRESTURL,
		publicURL:  DefaultPublicURL,
		signer:     signer,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		retry:      DefaultRetryPolicy(),
		limiter:    rate.NewLimiter(rate.Inf, 1),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.requestTimeout > 0 && c.httpClient.Timeout != c.requestTimeout {
		hc := *c.httpClient
		hc.Timeout = c.requestTimeout
		c.httpClient = &hc
	}
	return c
}

type closeRequest struct {
	ID int64 `json:"id"`
}

type commandResponse struct {
	StatusCode int
	Body       []byte
}

// ClosePosition closes one funding position. It never returns an error:
// every outcome, including transport failures, is described by the result.
func (c *RESTClient) ClosePosition(ctx context.Context, id int64) models.CloseResult {
	logger := c.logger.WithField("position_id", id)

	body, err := json.Marshal(closeRequest{ID: id})
	if err != nil {
		return models.CloseResult{ID: id, Message: fmt.Sprintf("encode close request: %v", err)}
	}

	if c.preflight {
		if err := c.checkReachable(ctx); err != nil {
			logger.WithError(err).Error("Cannot connect to Bitfinex API")
			return models.CloseResult{ID: id, Message: fmt.Sprintf("connection error: cannot reach Bitfinex API: %v", err)}
		}
	}

	logger.Info("Closing funding position")
	resp, err := runWithRetry(ctx, c.retry, func() (*commandResponse, error) {
		return c.postSigned(ctx, fundingClosePath, body)
	}, func(err error, next time.Duration) {
		logger.WithError(err).WithField("retry_in", next.String()).Warn("Close request failed, retrying")
	})
	if err != nil {
		var se *statusError
		if errors.As(err, &se) {
			code := se.StatusCode
			logger.WithField("status_code", code).Warn("Close request rejected")
			return models.CloseResult{ID: id, Message: responseMessage([]byte(se.Body)), StatusCode: &code}
		}
		logger.WithError(err).Error("Close request could not reach Bitfinex")
		return models.CloseResult{ID: id, Message: fmt.Sprintf("connection error: %v", err)}
	}

	code := resp.StatusCode
	result := models.CloseResult{ID: id, Success: true, Message: responseMessage(resp.Body), StatusCode: &code}
	logger.WithField("message", result.Message).Info("Funding position closed")
	return result
}

// ClosePositions closes each id in turn. One failure never stops the rest;
// results are in input order.
func (c *RESTClient) ClosePositions(ctx context.Context, ids []int64) []models.CloseResult {
	results := make([]models.CloseResult, 0, len(ids))
	for _, id := range ids {
		results = append(results, c.ClosePosition(ctx, id))
	}
	return results
}

// checkReachable issues the platform status request under the retry policy.
func (c *RESTClient) checkReachable(ctx context.Context) error {
	_, err := runWithRetry(ctx, c.retry, func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.publicURL+"/"+platformStatusPath, nil)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
		_ = resp.Body.Close()
		c.logger.WithField("status_code", resp.StatusCode).Debug("Platform status reachable")
		return struct{}{}, nil
	}, nil)
	return err
}

func (c *RESTClient) postSigned(ctx context.Context, endpointPath string, body []byte) (*commandResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, backoff.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+endpointPath, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	c.signer.AddAuthHeaders(req, endpointPath, body)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusOK {
		return &commandResponse{StatusCode: resp.StatusCode, Body: data}, nil
	}

	se := &statusError{StatusCode: resp.StatusCode, Body: string(data)}
	if transientStatuses[resp.StatusCode] {
		return nil, se
	}
	return nil, backoff.Permanent(se)
}

// FundingBook returns the ask side of the public funding book for symbol,
// sorted by ascending rate. Failures are logged and yield an empty slice.
func (c *RESTClient) FundingBook(ctx context.Context, symbol string) []models.FundingBookLevel {
	levels := make([]models.FundingBookLevel, 0)
	logger := c.logger.WithField("symbol", symbol)

	path := fmt.Sprintf("book/%s/%s?len=%d", url.PathEscape(symbol), bookPrecision, bookLength)
	data, err := c.getPublic(ctx, path)
	if err != nil {
		logger.WithError(err).Error("Failed to fetch funding book")
		return levels
	}
	if !gjson.ValidBytes(data) {
		logger.WithField("body", string(data)).Error("Funding book response is not JSON")
		return levels
	}
	parsed := gjson.ParseBytes(data)
	if !parsed.IsArray() {
		logger.WithField("body", string(data)).Error("Funding book response is not an array")
		return levels
	}

	for _, entry := range parsed.Array() {
		fields := entry.Array()
		if len(fields) < 4 {
			continue
		}
		amount := fields[3].Float()
		if amount <= 0 {
			continue
		}
		levels = append(levels, models.FundingBookLevel{
			Rate:       fields[0].Float(),
			PeriodDays: int(fields[1].Int()),
			OrderCount: int(fields[2].Int()),
			Amount:     amount,
		})
	}
	sort.SliceStable(levels, func(i, j int) bool {
		return levels[i].Rate < levels[j].Rate
	})

	logger.WithField("levels", len(levels)).Info("Retrieved ask-side funding book")
	return levels
}

// PlatformStatus reports whether the exchange is operative.
func (c *RESTClient) PlatformStatus(ctx context.Context) (models.PlatformStatus, error) {
	data, err := c.getPublic(ctx, platformStatusPath)
	if err != nil {
		return models.PlatformStatus{}, err
	}
	status := gjson.GetBytes(data, "0")
	if !status.Exists() {
		return models.PlatformStatus{}, fmt.Errorf("unexpected platform status response: %s", strings.TrimSpace(string(data)))
	}
	return models.PlatformStatus{Operative: status.Int() == 1, CheckedAt: time.Now().UTC()}, nil
}

func (c *RESTClient) getPublic(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.publicURL+"/"+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

// responseMessage renders a response body for a CloseResult: compacted JSON
// when the body is JSON, the raw text otherwise.
func responseMessage(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return emptyResponseMessage
	}
	if gjson.ValidBytes(trimmed) {
		var buf bytes.Buffer
		if err := json.Compact(&buf, trimmed); err == nil {
			return buf.String()
		}
	}
	return string(trimmed)
}
