package service

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/spec-kit/ticket-engine/internal/events"
)

type stubSink struct {
	name      string
	err       error
	delivered []events.Event
}

func (s *stubSink) Name() string { return s.name }

func (s *stubSink) Deliver(_ context.Context, event events.Event) error {
	s.delivered = append(s.delivered, event)
	return s.err
}

func TestDeliverReachesEverySinkDespiteFailures(t *testing.T) {
	broken := &stubSink{name: "kafka", err: errors.New("broker unreachable")}
	healthy := &stubSink{name: "log"}
	svc := NewNotificationService(zaptest.NewLogger(t), nil, broken, nil, healthy)

	if got := svc.Sinks(); len(got) != 2 {
		t.Fatalf("sinks = %v", got)
	}
	err := svc.Deliver(context.Background(), events.Event{Type: events.IntentSLABreached, TicketID: 7})
	if err == nil {
		t.Fatal("expected the broken sink error")
	}
	if len(broken.delivered) != 1 || len(healthy.delivered) != 1 {
		t.Fatalf("deliveries = %d/%d", len(broken.delivered), len(healthy.delivered))
	}
}
