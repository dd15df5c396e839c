package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gregtusar/fundingdesk/internal/config"
	"github.com/gregtusar/fundingdesk/pkg/funding"
	"github.com/gregtusar/fundingdesk/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type fakeService struct {
	positions []models.FundingPosition
	queries   []funding.PositionQuery
	closed    [][]int64
	book      map[string][]models.FundingBookLevel
}

func (f *fakeService) ActivePositions(_ context.Context, q funding.PositionQuery) []models.FundingPosition {
	f.queries = append(f.queries, q)
	if q.BorrowerOnly {
		return models.FilterBorrowers(f.positions)
	}
	return f.positions
}

func (f *fakeService) ClosePositions(_ context.Context, ids []int64) []models.CloseResult {
	f.closed = append(f.closed, ids)
	results := make([]models.CloseResult, 0, len(ids))
	for _, id := range ids {
		ok := 200
		if id%2 == 1 {
			results = append(results, models.CloseResult{ID: id, Message: "connection error"})
			continue
		}
		results = append(results, models.CloseResult{ID: id, Success: true, Message: "[]", StatusCode: &ok})
	}
	return results
}

func (f *fakeService) FundingBook(_ context.Context, symbol string) []models.FundingBookLevel {
	if levels, ok := f.book[symbol]; ok {
		return levels
	}
	return []models.FundingBookLevel{}
}

func (f *fakeService) Status(context.Context) funding.Status {
	return funding.Status{Stream: "disconnected", Platform: &models.PlatformStatus{Operative: true}}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newFake() *fakeService {
	return &fakeService{
		positions: []models.FundingPosition{
			{ID: 1, Symbol: "fUSD", Side: models.SideBorrower, Amount: -100, Rate: 0.0001},
			{ID: 2, Symbol: "fUSD", Side: models.SideLender, Amount: 200, Rate: 0.0002},
		},
		book: map[string][]models.FundingBookLevel{
			"fUSD": {{Rate: 0.0001, PeriodDays: 2, OrderCount: 3, Amount: 1000}},
		},
	}
}

func do(t *testing.T, h http.Handler, method, target, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPositionsUsesDefaultsAndQuery(t *testing.T) {
	svc := newFake()
	h := NewServer(svc, quietLogger(), "0", WithPositionDefaults(funding.PositionQuery{BorrowerOnly: true})).Handler()

	rec := do(t, h, http.MethodGet, "/positions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	body := gjson.Parse(rec.Body.String())
	require.Len(t, body.Array(), 1)
	assert.Equal(t, int64(1), body.Get("0.id").Int())
	assert.InDelta(t, -0.01, body.Get("0.dailyEarnings").Float(), 1e-12)

	rec = do(t, h, http.MethodGet, "/positions?keepAlive=true&borrowerOnly=false", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, gjson.Parse(rec.Body.String()).Array(), 2)

	require.Len(t, svc.queries, 2)
	assert.Equal(t, funding.PositionQuery{BorrowerOnly: true}, svc.queries[0])
	assert.Equal(t, funding.PositionQuery{KeepAlive: true}, svc.queries[1])
}

func TestPositionsRejectsBadFlag(t *testing.T) {
	h := NewServer(newFake(), quietLogger(), "0").Handler()

	rec := do(t, h, http.MethodGet, "/positions?keepAlive=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "keepAlive")
}

func TestLoansAliasIsBorrowerOnly(t *testing.T) {
	svc := newFake()
	h := NewServer(svc, quietLogger(), "0").Handler()

	rec := do(t, h, http.MethodGet, "/api/loans?borrowerOnly=false", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, gjson.Parse(rec.Body.String()).Array(), 1)
	assert.True(t, svc.queries[0].BorrowerOnly)
}

func TestClosePositions(t *testing.T) {
	svc := newFake()
	h := NewServer(svc, quietLogger(), "0").Handler()

	rec := do(t, h, http.MethodPost, "/positions/close", `{"ids":[5,6]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := gjson.Parse(rec.Body.String())
	assert.False(t, body.Get("success").Bool())
	require.Len(t, body.Get("results").Array(), 2)
	assert.Equal(t, int64(5), body.Get("results.0.id").Int())
	assert.Equal(t, gjson.Null, body.Get("results.0.statusCode").Type)
	assert.Equal(t, int64(6), body.Get("results.1.id").Int())
	assert.Equal(t, int64(200), body.Get("results.1.statusCode").Int())
	assert.Equal(t, [][]int64{{5, 6}}, svc.closed)
}

func TestClosePositionsEmpty(t *testing.T) {
	h := NewServer(newFake(), quietLogger(), "0").Handler()

	rec := do(t, h, http.MethodPost, "/positions/close", `{"ids":[]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"results":[]}`, rec.Body.String())
}

func TestClosePositionsBadBody(t *testing.T) {
	h := NewServer(newFake(), quietLogger(), "0").Handler()

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/positions/close", `{"ids":`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/positions/close", `{"ids":["x"]}`).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/positions/close", "").Code)
}

func TestFundingBook(t *testing.T) {
	h := NewServer(newFake(), quietLogger(), "0").Handler()

	rec := do(t, h, http.MethodGet, "/book/fUSD", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"rate":0.0001,"periodDays":2,"orderCount":3,"amount":1000}]`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/book/fEUR", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestHealthAndStatus(t *testing.T) {
	h := NewServer(newFake(), quietLogger(), "0").Handler()

	rec := do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", gjson.Get(rec.Body.String(), "status").String())

	rec = do(t, h, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "disconnected", gjson.Get(rec.Body.String(), "stream").String())
	assert.True(t, gjson.Get(rec.Body.String(), "platform.operative").Bool())
}

func TestCORSAndRequestID(t *testing.T) {
	h := NewServer(newFake(), quietLogger(), "0").Handler()

	rec := do(t, h, http.MethodOptions, "/positions", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	rec = do(t, h, http.MethodGet, "/health", "", requestIDHeader, "abc-123")
	assert.Equal(t, "abc-123", rec.Header().Get(requestIDHeader))
}

func authServer(svc FundingService) *Server {
	return NewServer(svc, quietLogger(), "0", WithAuth(config.AuthConfig{
		Username:  "desk",
		Password:  "hunter2",
		JWTSecret: "test-secret",
		TokenTTL:  time.Hour,
	}))
}

func login(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/login", `{"username":"desk","password":"hunter2"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp loginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func TestAuthFlow(t *testing.T) {
	h := authServer(newFake()).Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/positions", "").Code)
	assert.Equal(t, http.StatusUnauthorized,
		do(t, h, http.MethodGet, "/positions", "", "Authorization", "Bearer not-a-token").Code)

	token := login(t, h)
	rec := do(t, h, http.MethodGet, "/positions", "", "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	h := authServer(newFake()).Handler()

	rec := do(t, h, http.MethodPost, "/login", `{"username":"desk","password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/login", `nope`).Code)
}

func TestLoginDisabledWithoutSecret(t *testing.T) {
	h := NewServer(newFake(), quietLogger(), "0").Handler()
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/login", `{}`).Code)
}

func TestExpiredTokenRejected(t *testing.T) {
	s := authServer(newFake())
	h := s.Handler()
	token := login(t, h)

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	assert.Equal(t, http.StatusUnauthorized,
		do(t, h, http.MethodGet, "/positions", "", "Authorization", "Bearer "+token).Code)
}

func TestTokenSignedWithOtherSecretRejected(t *testing.T) {
	other := authServer(newFake())
	other.auth.JWTSecret = "someone-else"
	token, _, err := other.issueToken("desk")
	require.NoError(t, err)

	h := authServer(newFake()).Handler()
	assert.Equal(t, http.StatusUnauthorized,
		do(t, h, http.MethodGet, "/positions", "", "Authorization", "Bearer "+token).Code)
}

func TestStartShutsDownOnCancel(t *testing.T) {
	s := NewServer(newFake(), quietLogger(), "0", WithShutdownTimeout(time.Second))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
