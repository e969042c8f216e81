package exporters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/gosuda/agentaudit/internal/domain"
	"github.com/gosuda/agentaudit/internal/pipeline"
)

// MessageWriter is the subset of *kafka.Writer the exporter uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the Kafka exporter.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// WriteTimeout bounds one produce call. Default: 10s.
	WriteTimeout time.Duration
}

// Kafka streams events to a topic, keyed by trace ID so a trace stays on
// one partition.
type Kafka struct {
	writer MessageWriter
	topic  string
}

var _ pipeline.Exporter = (*Kafka)(nil) //nolint:gochecknoglobals // compile-time check

// NewKafka builds a synchronous writer for cfg.
func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("exporters.NewKafka: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("exporters.NewKafka: topic is required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              1,
		WriteTimeout:           cfg.WriteTimeout,
		RequiredAcks:           kafka.RequireOne,
		Compression:            kafka.Snappy,
		AllowAutoTopicCreation: false,
	}
	return NewKafkaWithWriter(w, cfg.Topic), nil
}

// NewKafkaWithWriter wraps an existing writer.
func NewKafkaWithWriter(w MessageWriter, topic string) *Kafka {
	return &Kafka{writer: w, topic: topic}
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Export(ctx context.Context, ev *domain.AuditEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("exporters.Kafka.Export: marshal: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(ev.TraceID),
		Value: value,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.EventType)},
			{Key: "status", Value: []byte(ev.Status)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("exporters.Kafka.Export(%s): %w", k.topic, err)
	}
	return nil
}

func (k *Kafka) Flush(context.Context) error { return nil }

func (k *Kafka) Shutdown(context.Context) error {
	if err := k.writer.Close(); err != nil {
		return fmt.Errorf("exporters.Kafka.Shutdown: %w", err)
	}
	return nil
}
