package middleware

import (
	"net/http"

	"golang.org/x/time/rate"

	"github.com/itskum47/DispatchForge/delivery_engine/observability"
)

// RateLimitMiddleware applies a global token bucket to the API surface.
// Storm protection only; per-destination delivery pacing lives in the
// webhook handler.
func RateLimitMiddleware(perSecond int, next http.Handler) http.Handler {
	if perSecond <= 0 {
		return next
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), perSecond*2)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			observability.APIRateLimited.WithLabelValues(r.URL.Path).Inc()
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
