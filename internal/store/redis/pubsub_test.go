package redis_test

import (
	"context"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisstore "github.com/gosuda/agentaudit/internal/store/redis"
)

func TestChannels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		got  string
		want string
	}{
		{name: "events", got: redisstore.EventsChannel(), want: "audit:events"},
		{name: "trace", got: redisstore.TraceChannel("abc123def456"), want: "audit:trace:abc123def456"},
		{name: "session", got: redisstore.SessionChannel("S1"), want: "audit:session:S1"},
		{name: "empty trace", got: redisstore.TraceChannel(""), want: "audit:trace:"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, tc.got)
		})
	}
}

func TestChannels_Distinct(t *testing.T) {
	t.Parallel()

	assert.NotEqual(t, redisstore.TraceChannel("x"), redisstore.SessionChannel("x"))
	assert.NotEqual(t, redisstore.TraceChannel("x"), redisstore.TraceChannel("y"))
}

func TestNew_Unreachable(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := redisstore.New(ctx, "127.0.0.1:1", "", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis.New: ping")
}

func TestPublishJSON_MarshalError(t *testing.T) {
	t.Parallel()

	ps := redisstore.NewFromClient(goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:1"}))
	t.Cleanup(func() { _ = ps.Close() })

	err := ps.PublishJSON(context.Background(), map[string]any{"ch": make(chan int)}, redisstore.EventsChannel())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "marshal")
}
