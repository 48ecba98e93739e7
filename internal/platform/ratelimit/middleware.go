package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	perr "hushh/internal/platform/errors"
	"hushh/internal/platform/logger"
	"hushh/internal/platform/metrics"
	phttp "hushh/internal/platform/net/http"
)

// Middleware enforces one limit class on every request passing through it
// Limiter errors fail open with a warning; rejections get 429 with a
// Retry-After derived from the window reset
func Middleware(l Limiter, class Class, met *metrics.Metrics) func(http.Handler) http.Handler {
	log := logger.Named("ratelimit")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l == nil {
				next.ServeHTTP(w, r)
				return
			}
			ok, wait, err := l.Allow(r.Context(), class, KeyFor(r))
			if err != nil {
				log.Warn().Err(err).Str("class", string(class)).Msg("limiter unavailable, failing open")
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				met.RatelimitRejected(string(class))
				secs := int(wait / time.Second)
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				phttp.RespondError(w, r, perr.Newf(perr.ErrorCodeTooManyRequests, "rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
