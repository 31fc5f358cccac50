package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/olympic/session-gateway/internal/audit"
	apperrors "github.com/olympic/session-gateway/internal/errors"
)

const ClientIDHeader = "X-Client-ID"

type Limiter interface {
	CheckLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Time)
}

// CallerRateLimitMiddleware throttles a route per caller: the client handle
// when one is sent, otherwise the network address.
type CallerRateLimitMiddleware struct {
	limiter Limiter
	limit   int
	window  time.Duration
	prefix  string
}

func NewCallerRateLimitMiddleware(limiter Limiter, limit int, window time.Duration, prefix string) *CallerRateLimitMiddleware {
	return &CallerRateLimitMiddleware{
		limiter: limiter,
		limit:   limit,
		window:  window,
		prefix:  prefix,
	}
}

func (m *CallerRateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		key := fmt.Sprintf("%s:ip:%s", m.prefix, r.RemoteAddr)
		if clientID := r.Header.Get(ClientIDHeader); clientID != "" {
			key = fmt.Sprintf("%s:client:%s", m.prefix, clientID)
		}

		allowed, resetAt := m.limiter.CheckLimit(r.Context(), key, m.limit, m.window)
		if !allowed {
			secondsLeft := int(time.Until(resetAt).Seconds()) + 1
			if secondsLeft < 1 {
				secondsLeft = 1
			}
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventRateLimitExceed,
				Details: map[string]any{"route": m.prefix},
			})
			w.Header().Set("Retry-After", fmt.Sprintf("%d", secondsLeft))
			writeError(w, apperrors.RateLimitExceeded())
			return
		}

		next.ServeHTTP(w, r)
	})
}
