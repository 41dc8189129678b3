// Package requesttime captures one "now" per HTTP request. Every default that
// depends on the clock (the as-of date of an address lookup in particular) is
// derived from it at handling time instead of at process start.
package requesttime

import (
	"net/http"
	"time"

	"addrhist/pkg/requestcontext"
)

// Clock returns the current time; swapped in tests.
type Clock func() time.Time

// Middleware captures the current time at the start of the request.
func Middleware(next http.Handler) http.Handler {
	return WithClock(time.Now)(next)
}

// WithClock builds the middleware around a custom clock.
func WithClock(clock Clock) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := requestcontext.WithTime(r.Context(), clock())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
