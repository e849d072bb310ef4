package handler

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"behavior-gate/internal/metrics"
	"behavior-gate/internal/models"
	"behavior-gate/internal/util"
)

// rateLimit admits limit requests per window per pseudonymized client for
// route. Limiter errors fail open unless configured otherwise.
func (h *BehaviorHandler) rateLimit(route string, limit int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if h.limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := route + ":" + h.clientKey(r)
			res, err := h.limiter.Allow(r.Context(), key, limit, h.limits.Window)
			if err != nil {
				metrics.RateLimiterErrorsTotal.Inc()
				if h.limits.FailOpenOnErrors {
					h.logger.Warn("Rate limiter unavailable, allowing request",
						util.String("route", route),
						util.ErrorField(err))
					next.ServeHTTP(w, r)
					return
				}
				h.respondWithError(w, http.StatusServiceUnavailable, err, "Rate limiter unavailable")
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(limit-res.Count, 0)))
			if !res.Allowed {
				metrics.RateLimitedTotal.WithLabelValues(route, "client").Inc()
				setRetryAfter(w, res.RetryAfter)
				h.respondWithError(w, http.StatusTooManyRequests,
					fmt.Errorf("%w: %d requests per %s", models.ErrRateLimited, limit, h.limits.Window),
					"Too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// setRetryAfter writes Retry-After in whole seconds, at least 1.
func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}
