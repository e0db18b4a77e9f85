package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/atelier/internal/model"
)

// KeyFunc extracts the rate limit key from a request.
// Returns empty string to skip rate limiting for this request.
type KeyFunc func(r *http.Request) string

// RequestIDFunc extracts the request ID from the request context.
// Injected by the caller to avoid a dependency on the server package.
type RequestIDFunc func(r *http.Request) string

// checker is implemented by limiters that can report quota details.
type checker interface {
	Check(ctx context.Context, key string) (Result, error)
}

// Middleware returns HTTP middleware that enforces limiter per key.
// Limiter errors fail open. A nil limiter passes everything through.
func Middleware(limiter Limiter, keyFunc KeyFunc, reqIDFunc RequestIDFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed, retryAfter, err := decide(r.Context(), limiter, key, w)
			if err != nil {
				logger.Warn("rate limiter error, allowing request", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				var requestID string
				if reqIDFunc != nil {
					requestID = reqIDFunc(r)
				}
				writeRateLimitError(w, requestID)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// decide asks the limiter and sets quota headers when it can report them.
func decide(ctx context.Context, limiter Limiter, key string, w http.ResponseWriter) (bool, int, error) {
	c, ok := limiter.(checker)
	if !ok {
		allowed, err := limiter.Allow(ctx, key)
		return allowed, 1, err
	}
	res, err := c.Check(ctx, key)
	if err != nil {
		return true, 0, err
	}
	for k, v := range res.FormatHeaders() {
		w.Header().Set(k, v)
	}
	return res.Allowed, max(int(time.Until(res.ResetAt).Seconds()), 1), nil
}

// writeRateLimitError writes a rate-limit error using the standard API error envelope.
func writeRateLimitError(w http.ResponseWriter, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{
			Code:    model.ErrCodeRateLimited,
			Message: "too many requests",
		},
		Meta: model.ResponseMeta{
			RequestID: requestID,
			Timestamp: time.Now().UTC(),
		},
	})
}

// IPKeyFunc keys requests by RemoteAddr. X-Forwarded-For is ignored because
// any client can set it.
func IPKeyFunc(r *http.Request) string {
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
