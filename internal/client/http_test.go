package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolwatch/poolwatch/internal/config"
	"github.com/poolwatch/poolwatch/internal/errs"
	"github.com/poolwatch/poolwatch/internal/net/circuit"
	"github.com/poolwatch/poolwatch/internal/net/ratelimit"
	"github.com/poolwatch/poolwatch/internal/net/retry"
)

func testHTTPClient(t *testing.T, baseURL string, breakerThreshold uint32, maxRetries int) *HTTPClient {
	t.Helper()
	limiter := ratelimit.New(0, 10000, 0)
	breaker := circuit.New(circuit.Config{
		Name:             "api",
		FailureThreshold: breakerThreshold,
		RecoveryTimeout:  time.Minute,
	})
	policy := retry.Policy{MaxRetries: maxRetries, BaseDelay: time.Millisecond, Multiplier: 1, Jitter: 0}
	return NewHTTPClient(config.APIConfig{
		BaseURL:        baseURL,
		RequestTimeout: 5 * time.Second,
		UserAgent:      "poolwatch-test",
	}, limiter, breaker, policy)
}

func TestBreakerOpensAfterConsecutiveServerErrors(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testHTTPClient(t, srv.URL, 3, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.GetNetworks(ctx)
		require.Error(t, err)
		assert.Equal(t, errs.KindServerError, errs.KindOf(err))
	}
	assert.Equal(t, int64(3), atomic.LoadInt64(&hits))

	// Breaker is open: the next call fails fast without touching the wire.
	_, err := c.GetNetworks(ctx)
	require.Error(t, err)
	assert.Equal(t, errs.KindCircuitOpen, errs.KindOf(err))
	assert.Equal(t, int64(3), atomic.LoadInt64(&hits))
}

func TestValidationErrorsDoNotTripBreaker(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := testHTTPClient(t, srv.URL, 2, 0)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := c.GetNetworks(ctx)
		require.Error(t, err)
		assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	}
	// Every call reached the wire; 4xx never opens the breaker.
	assert.Equal(t, int64(5), atomic.LoadInt64(&hits))
}

func TestRetryRecoversAfterTransientFailures(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&hits, 1)
		if n <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data": [{"id": "solana", "type": "network", "attributes": {"name": "Solana"}}]}`))
	}))
	defer srv.Close()

	c := testHTTPClient(t, srv.URL, 10, 3)
	networks, err := c.GetNetworks(context.Background())
	require.NoError(t, err)
	require.Len(t, networks, 1)
	assert.Equal(t, "solana", networks[0].ID)
	assert.Equal(t, int64(3), atomic.LoadInt64(&hits))
}

func TestRateLimitHonorsRetryAfterAndNotifiesWatcher(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&hits, 1)
		if n == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data": []}`))
	}))
	defer srv.Close()

	c := testHTTPClient(t, srv.URL, 10, 2)
	watcher := &recordingWatcher{}
	c.SetRateLimitWatcher(watcher)

	start := time.Now()
	_, err := c.GetNetworks(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), time.Second, "Retry-After is honored verbatim")
	assert.Equal(t, int64(2), atomic.LoadInt64(&hits))
	assert.Equal(t, 1, watcher.rateLimited)
	assert.Equal(t, 1, watcher.resets)
}

type recordingWatcher struct {
	rateLimited int
	resets      int
}

func (w *recordingWatcher) RateLimitRetry() { w.rateLimited++ }
func (w *recordingWatcher) Reset()          { w.resets++ }
