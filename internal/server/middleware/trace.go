package middleware

import (
	"net/http"

	"github.com/gosuda/agentaudit/internal/trace"
)

// TraceparentHeader is the W3C trace context header.
const TraceparentHeader = "traceparent"

// Trace continues the caller's trace from the traceparent header, or starts
// a new one, and echoes the local span back in the response.
func Trace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, ok := trace.ParseTraceparent(r.Context(), r.Header.Get(TraceparentHeader))
		if !ok {
			ctx, _ = trace.New(r.Context())
		}
		if tc, found := trace.FromContext(ctx); found {
			w.Header().Set(TraceparentHeader, tc.Traceparent())
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
