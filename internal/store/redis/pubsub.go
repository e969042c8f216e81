// Package redis publishes audit events and records to Redis channels so
// operators can tail them live.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// subscriberBuffer bounds how far a slow websocket reader may lag before
// the forwarding goroutine blocks on it.
const subscriberBuffer = 64

// PubSub wraps a Redis client for fire-and-forget fan-out of audit data.
type PubSub struct {
	client *redis.Client
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, addr, password string, db int) (*PubSub, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis.New: ping: %w", err)
	}

	return &PubSub{client: client}, nil
}

// NewFromClient wraps an existing client without pinging it.
func NewFromClient(client *redis.Client) *PubSub {
	return &PubSub{client: client}
}

func (ps *PubSub) Close() error {
	if err := ps.client.Close(); err != nil {
		return fmt.Errorf("redis.PubSub.Close: %w", err)
	}
	return nil
}

// Publish sends payload to every given channel.
func (ps *PubSub) Publish(ctx context.Context, payload []byte, channels ...string) error {
	if len(channels) == 1 {
		if err := ps.client.Publish(ctx, channels[0], payload).Err(); err != nil {
			return fmt.Errorf("redis.PubSub.Publish: %w", err)
		}
		return nil
	}

	pipe := ps.client.Pipeline()
	for _, ch := range channels {
		pipe.Publish(ctx, ch, payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis.PubSub.Publish: %w", err)
	}
	return nil
}

// PublishJSON marshals v and publishes it to the given channels.
func (ps *PubSub) PublishJSON(ctx context.Context, v any, channels ...string) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("redis.PubSub.PublishJSON: marshal: %w", err)
	}
	return ps.Publish(ctx, payload, channels...)
}

// Subscribe listens on channel until ctx is cancelled or cleanup is called.
func (ps *PubSub) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	sub := ps.client.Subscribe(ctx, channel)

	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis.PubSub.Subscribe: receive confirmation: %w", err)
	}

	out := make(chan []byte, subscriberBuffer)
	redisCh := sub.Channel()

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-redisCh:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	cleanup := func() {
		_ = sub.Close()
	}

	return out, cleanup, nil
}

// EventsChannel carries every exported pipeline event.
func EventsChannel() string {
	return "audit:events"
}

// TraceChannel carries the events of one trace.
func TraceChannel(traceID string) string {
	return "audit:trace:" + traceID
}

// SessionChannel carries the persisted records of one session.
func SessionChannel(sessionID string) string {
	return "audit:session:" + sessionID
}
