package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/spec-kit/ticket-engine/internal/events"
	"github.com/spec-kit/ticket-engine/internal/observability"
)

// NotificationService hands emitted intents to the configured sinks. The
// engine does not deliver notifications itself; sinks forward them to
// whatever transport consumes the stream or topic.
type NotificationService struct {
	sinks   []events.Sink
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewNotificationService creates the service. Nil sinks are skipped.
func NewNotificationService(logger *zap.Logger, metrics *observability.Metrics, sinks ...events.Sink) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	active := make([]events.Sink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			active = append(active, sink)
		}
	}
	return &NotificationService{
		sinks:   active,
		logger:  logger.With(zap.String("component", "notifications")),
		metrics: metrics,
	}
}

// Sinks returns the names of the active sinks.
func (n *NotificationService) Sinks() []string {
	names := make([]string, 0, len(n.sinks))
	for _, sink := range n.sinks {
		names = append(names, sink.Name())
	}
	return names
}

// Deliver passes event to every sink. One failing sink does not stop the
// others; the failures are joined.
func (n *NotificationService) Deliver(ctx context.Context, event events.Event) error {
	var errs []error
	for _, sink := range n.sinks {
		if err := sink.Deliver(ctx, event); err != nil {
			n.logger.Warn("notification sink failed",
				zap.String("sink", sink.Name()),
				zap.String("type", string(event.Type)),
				zap.Int64("ticket_id", event.TicketID),
				zap.Error(err),
			)
			n.metrics.RecordIntent("sink_error")
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}
