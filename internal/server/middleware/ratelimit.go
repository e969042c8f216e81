package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type keyedLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimitByIP applies per-IP rate limiting. Uses chi's RealIP middleware
// value via r.RemoteAddr.
func RateLimitByIP(ctx context.Context, requestsPerSecond float64, burst int) func(http.Handler) http.Handler {
	return rateLimitBy(ctx, requestsPerSecond, burst, func(r *http.Request) (string, bool) {
		return r.RemoteAddr, true
	})
}

// RateLimitBySubject applies per-caller rate limiting to authenticated
// requests. Requests without a subject pass through.
func RateLimitBySubject(ctx context.Context, requestsPerSecond float64, burst int) func(http.Handler) http.Handler {
	return rateLimitBy(ctx, requestsPerSecond, burst, func(r *http.Request) (string, bool) {
		sub, ok := SubjectFromContext(r.Context())
		return sub, ok && sub != ""
	})
}

// rateLimitBy keeps one token bucket per key. Stale entries are cleaned up
// every 10 minutes until ctx is done.
func rateLimitBy(ctx context.Context, requestsPerSecond float64, burst int, keyOf func(*http.Request) (string, bool)) func(http.Handler) http.Handler {
	var (
		mu       sync.Mutex
		limiters = make(map[string]*keyedLimiter)
	)

	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mu.Lock()
				cutoff := time.Now().Add(-30 * time.Minute)
				for k, kl := range limiters {
					if kl.lastAccess.Before(cutoff) {
						delete(limiters, k)
					}
				}
				mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()

	limiterFor := func(key string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()

		kl, ok := limiters[key]
		if !ok {
			kl = &keyedLimiter{limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst)}
			limiters[key] = kl
		}
		kl.lastAccess = time.Now()
		return kl.limiter
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := keyOf(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			if !limiterFor(key).Allow() {
				http.Error(w, `{"title":"Too Many Requests","status":429,"detail":"rate limit exceeded"}`, http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
