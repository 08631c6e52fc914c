package api

import (
	"context"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL   = 3 * time.Minute
	limiterSweepTick = time.Minute
	maxRequestIDLen  = 128
)

type callerBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// CallerLimiter applies a token bucket per caller. Authenticated callers
// are keyed by holder so one agent cannot starve another behind the same
// address; anonymous traffic is keyed by remote IP.
type CallerLimiter struct {
	mu      sync.Mutex
	buckets map[string]*callerBucket
	limit   rate.Limit
	burst   int
	clock   func() time.Time
}

// NewCallerLimiter creates a limiter and sweeps idle buckets until ctx is
// done.
func NewCallerLimiter(ctx context.Context, rps float64, burst int) *CallerLimiter {
	cl := &CallerLimiter{
		buckets: make(map[string]*callerBucket),
		limit:   rate.Limit(rps),
		burst:   burst,
		clock:   time.Now,
	}
	go cl.sweepLoop(ctx)
	return cl
}

func (cl *CallerLimiter) allow(key string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	now := cl.clock()
	b, ok := cl.buckets[key]
	if !ok {
		b = &callerBucket{limiter: rate.NewLimiter(cl.limit, cl.burst)}
		cl.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

func (cl *CallerLimiter) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(limiterSweepTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cl.sweep()
		}
	}
}

func (cl *CallerLimiter) sweep() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cutoff := cl.clock().Add(-limiterIdleTTL)
	for key, b := range cl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(cl.buckets, key)
		}
	}
}

func (cl *CallerLimiter) callers() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.buckets)
}

// retryAfter is the time for one token to refill, in whole seconds.
func (cl *CallerLimiter) retryAfter() int {
	if cl.limit <= 0 {
		return 60
	}
	return int(math.Max(1, math.Ceil(1/float64(cl.limit))))
}

// Middleware rejects callers that exceed their bucket with 429. It must run
// inside the auth middleware for holder keying to apply.
func (cl *CallerLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "ip:" + clientIP(r)
		if h, ok := HolderFromContext(r.Context()); ok {
			key = "holder:" + h.String()
		}
		if !cl.allow(key) {
			WriteTooManyRequests(w, cl.retryAfter())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}

// RequestIDMiddleware propagates X-Request-ID, generating one if absent or
// oversized.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}
