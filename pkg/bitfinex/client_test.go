package bitfinex

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gregtusar/fundingdesk/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

func newTestREST(t *testing.T, handler http.HandlerFunc, opts ...RESTOption) *RESTClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	base := []RESTOption{
		WithRESTURL(srv.URL + "/v2"),
		WithPublicURL(srv.URL + "/v2"),
		WithRetryPolicy(NoWaitRetryPolicy(3)),
	}
	return NewRESTClient(NewSigner("rest-key", "rest-secret"), quietLogger(), append(base, opts...)...)
}

func TestClosePositionSignsRequest(t *testing.T) {
	c := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v2/auth/w/funding/close", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Equal(t, `{"id":42}`, string(body))

		nonce, err := strconv.ParseInt(r.Header.Get("bfx-nonce"), 10, 64)
		assert.NoError(t, err)
		assert.Equal(t, "rest-key", r.Header.Get("bfx-apikey"))
		assert.Equal(t, BuildRESTSignature("rest-secret", "auth/w/funding/close", nonce, body), r.Header.Get("bfx-signature"))

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`[1700000000000, "fcc-req", null, null, null, null, "SUCCESS", "Funding closed"]`))
	})

	result := c.ClosePosition(context.Background(), 42)
	assert.True(t, result.Success)
	assert.Equal(t, int64(42), result.ID)
	require.NotNil(t, result.StatusCode)
	assert.Equal(t, http.StatusOK, *result.StatusCode)
	assert.Equal(t, `[1700000000000,"fcc-req",null,null,null,null,"SUCCESS","Funding closed"]`, result.Message)
}

func TestClosePositionRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	var mu sync.Mutex
	var nonces []string
	c := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		nonces = append(nonces, r.Header.Get("bfx-nonce"))
		mu.Unlock()
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("busy"))
			return
		}
		_, _ = w.Write([]byte(`["ok"]`))
	})

	result := c.ClosePosition(context.Background(), 1)
	assert.True(t, result.Success)
	assert.Equal(t, int32(3), calls.Load())
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, nonces, 3)
	assert.NotEqual(t, nonces[0], nonces[1])
	assert.NotEqual(t, nonces[1], nonces[2])
}

func TestClosePositionExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	c := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`["error",11010,"ratelimit: error"]`))
	})

	result := c.ClosePosition(context.Background(), 9)
	assert.False(t, result.Success)
	require.NotNil(t, result.StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, *result.StatusCode)
	assert.Equal(t, `["error",11010,"ratelimit: error"]`, result.Message)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClosePositionDoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int32
	c := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad id"))
	})

	result := c.ClosePosition(context.Background(), 9)
	assert.False(t, result.Success)
	require.NotNil(t, result.StatusCode)
	assert.Equal(t, http.StatusBadRequest, *result.StatusCode)
	assert.Equal(t, "bad id", result.Message)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClosePositionEmptyErrorBody(t *testing.T) {
	c := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	result := c.ClosePosition(context.Background(), 3)
	assert.False(t, result.Success)
	assert.Equal(t, "No response text", result.Message)
}

func TestClosePositionUnreachableHost(t *testing.T) {
	c := NewRESTClient(NewSigner("k", "s"), quietLogger(),
		WithRESTURL("http://127.0.0.1:1/v2"),
		WithRetryPolicy(NoWaitRetryPolicy(2)),
		WithHTTPClient(&http.Client{Timeout: time.Second}),
	)

	result := c.ClosePosition(context.Background(), 5)
	assert.False(t, result.Success)
	assert.Nil(t, result.StatusCode)
	assert.Contains(t, result.Message, "connection error")
}

func TestClosePositionPreflightUnreachable(t *testing.T) {
	var closes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		closes.Add(1)
		_, _ = w.Write([]byte(`[]`))
	}))
	t.Cleanup(srv.Close)

	c := NewRESTClient(NewSigner("k", "s"), quietLogger(),
		WithRESTURL(srv.URL+"/v2"),
		WithPublicURL("http://127.0.0.1:1/v2"),
		WithRetryPolicy(NoWaitRetryPolicy(2)),
		WithHTTPClient(&http.Client{Timeout: time.Second}),
		WithPreflightCheck(),
	)

	result := c.ClosePosition(context.Background(), 5)
	assert.False(t, result.Success)
	assert.Nil(t, result.StatusCode)
	assert.Contains(t, result.Message, "cannot reach Bitfinex API")
	assert.Zero(t, closes.Load())
}

func TestClosePositionPreflightAcceptsAnyStatus(t *testing.T) {
	var checks atomic.Int32
	c := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v2/platform/status" {
			assert.Equal(t, http.MethodGet, r.Method)
			checks.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}, WithPreflightCheck())

	results := c.ClosePositions(context.Background(), []int64{1, 2})
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.True(t, results[1].Success)
	assert.Equal(t, int32(2), checks.Load())
}

func TestRequestTimeoutDoesNotMutateSharedClient(t *testing.T) {
	shared := &http.Client{Timeout: time.Minute}

	c := NewRESTClient(NewSigner("k", "s"), quietLogger(),
		WithRequestTimeout(3*time.Second),
		WithHTTPClient(shared),
	)
	assert.Equal(t, time.Minute, shared.Timeout)
	assert.Equal(t, 3*time.Second, c.httpClient.Timeout)

	other := NewRESTClient(NewSigner("k", "s"), quietLogger(),
		WithHTTPClient(shared),
		WithRequestTimeout(3*time.Second),
	)
	assert.Equal(t, time.Minute, shared.Timeout)
	assert.Equal(t, 3*time.Second, other.httpClient.Timeout)

	def := NewRESTClient(NewSigner("k", "s"), quietLogger(), WithRequestTimeout(0))
	assert.Equal(t, defaultRequestTimeout, def.httpClient.Timeout)
}

func TestClosePositionsEmpty(t *testing.T) {
	c := NewRESTClient(NewSigner("k", "s"), quietLogger())
	results := c.ClosePositions(context.Background(), nil)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestClosePositionsKeepsOrderAcrossFailures(t *testing.T) {
	c := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if gjson.GetBytes(body, "id").Int() == 5 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("boom"))
			return
		}
		_, _ = w.Write([]byte(`["ok"]`))
	})

	results := c.ClosePositions(context.Background(), []int64{5, 6})
	require.Len(t, results, 2)
	assert.Equal(t, int64(5), results[0].ID)
	assert.False(t, results[0].Success)
	assert.Equal(t, int64(6), results[1].ID)
	assert.True(t, results[1].Success)
	assert.False(t, models.AllSucceeded(results))
}

func TestClosePositionHonoursRateLimiter(t *testing.T) {
	c := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}, WithRateLimiter(rate.NewLimiter(rate.Every(time.Hour), 1)))

	first := c.ClosePosition(context.Background(), 1)
	assert.True(t, first.Success)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	second := c.ClosePosition(ctx, 2)
	assert.False(t, second.Success)
	assert.Nil(t, second.StatusCode)
}

func TestFundingBookFiltersAndSorts(t *testing.T) {
	c := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/book/fUSD/P0", r.URL.Path)
		assert.Equal(t, "25", r.URL.Query().Get("len"))
		assert.Empty(t, r.Header.Get("bfx-apikey"))
		_, _ = w.Write([]byte(`[
			[0.0003,30,2,1200.5],
			[0.0001,2,5,-300],
			[0.0002,7,1,50],
			[0.00015,2,3,0],
			[0.0001,2,4,900],
			[1,2]
		]`))
	})

	levels := c.FundingBook(context.Background(), "fUSD")
	require.Len(t, levels, 3)
	assert.Equal(t, models.FundingBookLevel{Rate: 0.0001, PeriodDays: 2, OrderCount: 4, Amount: 900}, levels[0])
	assert.Equal(t, 0.0002, levels[1].Rate)
	assert.Equal(t, 0.0003, levels[2].Rate)
	for _, l := range levels {
		assert.Greater(t, l.Amount, 0.0)
	}
}

func TestFundingBookFailuresYieldEmpty(t *testing.T) {
	for name, handler := range map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
		"not json": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>"))
		},
		"object": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"error":"symbol: invalid"}`))
		},
	} {
		t.Run(name, func(t *testing.T) {
			c := newTestREST(t, handler)
			levels := c.FundingBook(context.Background(), "fXXX")
			assert.NotNil(t, levels)
			assert.Empty(t, levels)
		})
	}
}

func TestPlatformStatus(t *testing.T) {
	c := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/platform/status", r.URL.Path)
		_, _ = w.Write([]byte(`[1]`))
	})
	status, err := c.PlatformStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Operative)

	maintenance := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[0]`))
	})
	status, err = maintenance.PlatformStatus(context.Background())
	require.NoError(t, err)
	assert.False(t, status.Operative)
}

func TestResponseMessage(t *testing.T) {
	assert.Equal(t, `{"a":1}`, responseMessage([]byte(" { \"a\" : 1 } ")))
	assert.Equal(t, "plain text", responseMessage([]byte("plain text\n")))
	assert.Equal(t, "No response text", responseMessage(nil))
}
