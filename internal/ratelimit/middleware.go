package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"

	"golang.org/x/time/rate"

	"github.com/kordahl/insight-server/internal/httpmw"
	"github.com/kordahl/insight-server/internal/log"
)

// denyLogSampler caps limiter warn logs across all policies so a sustained
// flood cannot turn into log spam. Denials are still all counted in metrics.
var denyLogSampler = rate.NewLimiter(rate.Limit(1), 5)

// Middleware admits or rejects requests under policy p, using the client IP
// resolved by the ClientIP middleware (which must run earlier in the chain).
//
// Response contract:
//   - X-RateLimit-Limit / X-RateLimit-Remaining / X-RateLimit-Reset on every
//     consulted request (reset is epoch seconds)
//   - on denial: 429, Retry-After, and a JSON body with a machine-readable
//     error code plus the limit/remaining pair for client backoff logic
func (l *Limiter) Middleware(p Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key := ClientKey(httpmw.ClientIPFromContext(ctx), p.Name)

			d, err := l.Check(ctx, key, p)

			// the Decision is populated even when the store failed, so the
			// header contract holds on every consulted request
			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if err != nil {
				// fail open: a broken counter backend must not reject traffic
				if denyLogSampler.Allow() {
					log.FromContext(ctx).Error(ctx, err, "rate limit store unavailable, admitting request",
						"policy", p.Name,
					)
				}
				next.ServeHTTP(w, r)
				return
			}

			if !d.Allowed {
				if denyLogSampler.Allow() {
					log.FromContext(ctx).Warn(ctx, "rate limit exceeded",
						"policy", p.Name,
						"used", d.Used,
						"limit", d.Limit,
						"retry_after_s", d.RetryAfterSeconds(),
					)
				}
				h.Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds()))
				h.Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error":"rate_limited","limit":%d,"remaining":%d,"retry_after":%d}`,
					d.Limit, d.Remaining, d.RetryAfterSeconds())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
