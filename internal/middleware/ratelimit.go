package middleware

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/JJSiabato/silent-alarm/internal/httputil"
)

const (
	limiterIdle        = 3 * time.Minute
	limiterSweepPeriod = time.Minute
)

// ipLimiter holds a rate limiter and the last time it was used, in unix nanos.
type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// rateLimiterStore manages per-IP rate limiters and evicts idle ones.
type rateLimiterStore struct {
	limiters sync.Map
	rps      float64
	burst    int
}

func newRateLimiterStore(rps float64, burst int) *rateLimiterStore {
	s := &rateLimiterStore{rps: rps, burst: burst}
	go s.cleanup()
	return s
}

func (s *rateLimiterStore) getLimiter(ip string) *rate.Limiter {
	now := time.Now().UnixNano()

	if v, ok := s.limiters.Load(ip); ok {
		entry := v.(*ipLimiter)
		entry.lastSeen.Store(now)
		return entry.limiter
	}

	entry := &ipLimiter{limiter: rate.NewLimiter(rate.Limit(s.rps), s.burst)}
	entry.lastSeen.Store(now)
	actual, _ := s.limiters.LoadOrStore(ip, entry)
	existing := actual.(*ipLimiter)
	existing.lastSeen.Store(now)
	return existing.limiter
}

func (s *rateLimiterStore) cleanup() {
	ticker := time.NewTicker(limiterSweepPeriod)
	defer ticker.Stop()

	for now := range ticker.C {
		s.sweep(now.Add(-limiterIdle))
	}
}

// sweep drops limiters not used since cutoff.
func (s *rateLimiterStore) sweep(cutoff time.Time) {
	c := cutoff.UnixNano()
	s.limiters.Range(func(key, value any) bool {
		if value.(*ipLimiter).lastSeen.Load() < c {
			s.limiters.Delete(key)
		}
		return true
	})
}

// retryAfter is the time for one token to refill.
func (s *rateLimiterStore) retryAfter() time.Duration {
	if s.rps <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Second) / s.rps)
}

// clientIP returns the host part of RemoteAddr. X-Forwarded-For is ignored:
// it is client-controlled and would let a caller pick its own bucket.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func limit(store *rateLimiterStore) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !store.getLimiter(clientIP(r)).Allow() {
				httputil.WriteRetryable(w, http.StatusTooManyRequests, store.retryAfter(), "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitMiddleware enforces a per-IP token bucket on every route it wraps.
// rps is the sustained rate and burst the bucket size.
func RateLimitMiddleware(rps float64, burst int) mux.MiddlewareFunc {
	return limit(newRateLimiterStore(rps, burst))
}

// StrictRateLimitMiddleware is RateLimitMiddleware with its own buckets, for
// the producer endpoints where a tighter limit applies independently of the
// general API limit.
func StrictRateLimitMiddleware(rps float64, burst int) mux.MiddlewareFunc {
	return limit(newRateLimiterStore(rps, burst))
}
