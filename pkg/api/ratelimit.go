package api

import (
	"fmt"
	"net/http"

	"github.com/containerd/errdefs"
	"golang.org/x/time/rate"
)

// newLimiter returns nil when limit is not positive, which disables limiting.
func newLimiter(limit float64, burst int) *rate.Limiter {
	if limit <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(limit), max(burst, 1))
}

// limited rejects requests beyond the configured rate. A single limiter is
// shared by all clients since every request competes for the same backend.
func (h *Handler) limited(next http.HandlerFunc) http.HandlerFunc {
	if h.limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(h.log, w, fmt.Errorf("%w: too many requests", errdefs.ErrResourceExhausted))
			return
		}
		next(w, r)
	}
}
