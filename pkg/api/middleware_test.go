package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

func TestCallerLimiterBurstAndRefill(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	limiter := NewCallerLimiter(ctx, 1, 2)
	limiter.clock = func() time.Time { return now }
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	call := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/receipts", nil))
		return w
	}

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, call().Code, "within burst")
	}
	w := call()
	assert.Equal(t, http.StatusTooManyRequests, w.Code, "exceeded burst")
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	now = now.Add(1100 * time.Millisecond)
	assert.Equal(t, http.StatusOK, call().Code, "refilled token")
}

func TestCallerLimiterSweepsIdleCallers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	limiter := NewCallerLimiter(ctx, 10, 10)
	limiter.clock = func() time.Time { return now }

	require.True(t, limiter.allow("ip:10.0.0.1"))
	now = now.Add(limiterIdleTTL / 2)
	require.True(t, limiter.allow("ip:10.0.0.2"))
	now = now.Add(limiterIdleTTL/2 + time.Second)

	limiter.sweep()
	assert.Equal(t, 1, limiter.callers())
}

func TestRateLimitKeysByHolder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	limiter := NewCallerLimiter(ctx, 0.001, 1)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	call := func(h contracts.AuthorityHolder) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/receipts", nil)
		req = req.WithContext(WithHolder(req.Context(), h))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	agent := contracts.AuthorityHolder{Type: contracts.HolderService, ID: "agent-7"}
	human := contracts.AuthorityHolder{Type: contracts.HolderHuman, ID: "alice"}

	assert.Equal(t, http.StatusOK, call(agent))
	assert.Equal(t, http.StatusTooManyRequests, call(agent))
	// Same remote address, different holder.
	assert.Equal(t, http.StatusOK, call(human))
	assert.Equal(t, 2, limiter.callers())
}

func TestRequestIDMiddleware(t *testing.T) {
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "trace-abc")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, "trace-abc", w.Header().Get("X-Request-ID"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", maxRequestIDLen+1))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Len(t, w.Header().Get("X-Request-ID"), 36)
}
