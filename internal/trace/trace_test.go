package trace_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/agentaudit/internal/trace"
)

func TestNew(t *testing.T) {
	t.Parallel()

	ctx, tc := trace.New(context.Background())
	assert.Len(t, tc.TraceID, 12)
	assert.Len(t, tc.SpanID, 8)
	assert.Empty(t, tc.ParentSpanID)

	got, ok := trace.FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, tc, got)
}

func TestNewSpan(t *testing.T) {
	t.Parallel()

	t.Run("child keeps trace and links parent", func(t *testing.T) {
		t.Parallel()

		ctx, root := trace.New(context.Background())
		_, child := trace.NewSpan(ctx)
		assert.Equal(t, root.TraceID, child.TraceID)
		assert.Equal(t, root.SpanID, child.ParentSpanID)
		assert.NotEqual(t, root.SpanID, child.SpanID)
	})

	t.Run("without trace starts one", func(t *testing.T) {
		t.Parallel()

		_, tc := trace.NewSpan(context.Background())
		assert.Len(t, tc.TraceID, 12)
		assert.Empty(t, tc.ParentSpanID)
	})
}

func TestTraceparent(t *testing.T) {
	t.Parallel()

	tc := trace.Context{TraceID: "abcdef012345", SpanID: "01234567"}
	assert.Equal(t, "00-abcdef012345-01234567-01", tc.Traceparent())

	ctx, ok := trace.ParseTraceparent(context.Background(), tc.Traceparent())
	require.True(t, ok)
	got, _ := trace.FromContext(ctx)
	assert.Equal(t, "abcdef012345", got.TraceID)
	assert.Equal(t, "01234567", got.ParentSpanID)
	assert.Len(t, got.SpanID, 8)
}

func TestParseTraceparent_Invalid(t *testing.T) {
	t.Parallel()

	for _, h := range []string{"", "garbage", "00-xyz-123-01", "00--abc-01", "00-abc-def"} {
		_, ok := trace.ParseTraceparent(context.Background(), h)
		assert.False(t, ok, h)
	}
}
