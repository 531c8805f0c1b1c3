package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestRateLimiter_Allow(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter(clockwork.NewFakeClock(), rate.Limit(5), 5)
	for i := range 5 {
		assert.True(t, limiter.Allow("192.168.1.1"), "request %d should be allowed", i+1)
	}
	assert.False(t, limiter.Allow("192.168.1.1"), "burst exhausted")
	assert.True(t, limiter.Allow("192.168.1.2"), "different IP has its own limit")
}

func TestRateLimiter_Refill(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	limiter := NewRateLimiter(clock, rate.Limit(10), 2)

	assert.True(t, limiter.Allow("ip"))
	assert.True(t, limiter.Allow("ip"))
	allowed, retry := limiter.AllowWithRetry("ip")
	assert.False(t, allowed)
	assert.Equal(t, 100*time.Millisecond, retry)

	clock.Advance(100 * time.Millisecond)
	assert.True(t, limiter.Allow("ip"), "should be allowed after refill")
}

func TestRateLimiter_Sweep(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	limiter := NewRateLimiter(clock, rate.Limit(1), 1)
	limiter.Allow("a")
	clock.Advance(4 * time.Minute)
	limiter.Allow("b")
	clock.Advance(2 * time.Minute)

	limiter.sweep()
	assert.Equal(t, 1, limiter.Len())
}

func TestRateLimitMiddleware(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter(clockwork.NewFakeClock(), rate.Limit(0.5), 1)
	handler := RateLimitMiddleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/datasets/x/query", nil)
	req.RemoteAddr = "10.0.0.1:5555"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))

	var body RateLimitError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "rate_limit_exceeded", body.Error)
	assert.Equal(t, 2, body.RetryAfter)
}
