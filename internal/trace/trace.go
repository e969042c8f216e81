// Package trace carries trace and span identifiers through a context so
// events emitted deep in a call stack can be correlated.
package trace

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Context identifies the current position in a trace.
type Context struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
}

type contextKey struct{}

// FromContext returns the trace context stored in ctx, if any.
func FromContext(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(contextKey{}).(Context)
	return tc, ok
}

// WithContext stores tc in ctx.
func WithContext(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, contextKey{}, tc)
}

// New starts a fresh trace with a root span.
func New(ctx context.Context) (context.Context, Context) {
	tc := Context{TraceID: newID(12), SpanID: newID(8)}
	return WithContext(ctx, tc), tc
}

// NewSpan opens a child span under the current one. Without a trace in ctx
// it starts a new trace.
func NewSpan(ctx context.Context) (context.Context, Context) {
	parent, ok := FromContext(ctx)
	if !ok {
		return New(ctx)
	}
	tc := Context{TraceID: parent.TraceID, SpanID: newID(8), ParentSpanID: parent.SpanID}
	return WithContext(ctx, tc), tc
}

// Traceparent renders tc as a W3C traceparent header value.
func (tc Context) Traceparent() string {
	return fmt.Sprintf("00-%s-%s-01", tc.TraceID, tc.SpanID)
}

// ParseTraceparent reads a traceparent header. The incoming span becomes
// the parent of a new local span.
func ParseTraceparent(ctx context.Context, header string) (context.Context, bool) {
	parts := strings.Split(strings.TrimSpace(header), "-")
	if len(parts) != 4 || parts[1] == "" || parts[2] == "" {
		return ctx, false
	}
	if !isHex(parts[1]) || !isHex(parts[2]) {
		return ctx, false
	}
	tc := Context{TraceID: parts[1], SpanID: newID(8), ParentSpanID: parts[2]}
	return WithContext(ctx, tc), true
}

func newID(n int) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:n]
}

func isHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') && (r < 'A' || r > 'F') {
			return false
		}
	}
	return true
}
