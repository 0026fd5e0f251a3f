package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Sink delivers events to an external collaborator.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, event Event) error
}

// LogSink writes every event to the log.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink builds a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, event Event) error {
	s.logger.Info("notification intent",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.Int64("ticket_id", event.TicketID),
		zap.String("actor", event.Actor.ID),
		zap.Any("payload", event.Payload),
	)
	return nil
}

// streamAdder is the subset of the redis client the stream sink needs.
type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisStreamSink appends events to a Redis stream with XADD.
type RedisStreamSink struct {
	client streamAdder
	stream string
	maxLen int64
}

// NewRedisStreamSink builds a sink on stream, trimmed to about maxLen
// entries. maxLen <= 0 disables trimming.
func NewRedisStreamSink(client streamAdder, stream string, maxLen int64) *RedisStreamSink {
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisStreamSink) Name() string { return "redis_stream" }

func (s *RedisStreamSink) Deliver(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"id":        event.ID,
			"type":      string(event.Type),
			"ticket_id": strconv.FormatInt(event.TicketID, 10),
			"actor":     event.Actor.ID,
			"timestamp": event.Timestamp.UTC().Format(time.RFC3339Nano),
			"payload":   string(payload),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	return s.client.XAdd(ctx, args).Err()
}

// messageWriter is the subset of *kafka.Writer the Kafka sink needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events to a Kafka topic keyed by ticket id, so the
// intents of one ticket stay ordered within a partition.
type KafkaSink struct {
	writer messageWriter
}

// NewKafkaSink returns nil when brokers or topic are empty.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Deliver(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(event.TicketID, 10)),
		Value: body,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(event.Type)},
			{Key: "event_id", Value: []byte(event.ID)},
		},
	})
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	if s == nil || s.writer == nil {
		return nil
	}
	return s.writer.Close()
}
