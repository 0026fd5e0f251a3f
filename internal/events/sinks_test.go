package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap/zaptest"
)

type fakeStream struct {
	args []*redis.XAddArgs
	err  error
}

func (f *fakeStream) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.args = append(f.args, a)
	return redis.NewStringResult("1-0", f.err)
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func sampleEvent() Event {
	return Event{
		ID:        "evt-1",
		Type:      IntentSLABreached,
		TicketID:  42,
		Actor:     Actor{ID: "sla-monitor", Role: "SYSTEM"},
		Timestamp: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		Payload:   SLAPayload{Priority: "CRITICAL", State: "BREACHED", PreviousState: "ON_TRACK"},
	}
}

func TestRedisStreamSinkWritesFields(t *testing.T) {
	stream := &fakeStream{}
	sink := NewRedisStreamSink(stream, "intents", 1000)
	if err := sink.Deliver(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(stream.args) != 1 {
		t.Fatalf("XAdd calls = %d", len(stream.args))
	}
	args := stream.args[0]
	values := args.Values.(map[string]any)
	if args.Stream != "intents" || args.MaxLen != 1000 || !args.Approx {
		t.Fatalf("args = %+v", args)
	}
	if values["type"] != "sla_breached" || values["ticket_id"] != "42" {
		t.Fatalf("values = %v", values)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(values["payload"].(string)), &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["state"] != "BREACHED" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestRedisStreamSinkPropagatesError(t *testing.T) {
	down := errors.New("redis down")
	sink := NewRedisStreamSink(&fakeStream{err: down}, "intents", 0)
	if err := sink.Deliver(context.Background(), sampleEvent()); !errors.Is(err, down) {
		t.Fatalf("err = %v", err)
	}
}

func TestKafkaSinkKeysByTicket(t *testing.T) {
	writer := &fakeWriter{}
	sink := &KafkaSink{writer: writer}
	if err := sink.Deliver(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(writer.msgs) != 1 || string(writer.msgs[0].Key) != "42" {
		t.Fatalf("msgs = %+v", writer.msgs)
	}
	var decoded Event
	if err := json.Unmarshal(writer.msgs[0].Value, &decoded); err != nil {
		t.Fatalf("value: %v", err)
	}
	if decoded.Type != IntentSLABreached || decoded.ID != "evt-1" {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func TestNewKafkaSinkDisabledWithoutBrokers(t *testing.T) {
	if sink := NewKafkaSink(nil, "topic"); sink != nil {
		t.Fatal("expected nil sink without brokers")
	}
	var sink *KafkaSink
	if err := sink.Close(); err != nil {
		t.Fatalf("Close on nil sink: %v", err)
	}
}

func TestLogSink(t *testing.T) {
	sink := NewLogSink(zaptest.NewLogger(t))
	if err := sink.Deliver(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
}
