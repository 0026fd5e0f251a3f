package worker

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/ticket-engine/internal/events"
)

const (
	defaultQueueSize = 256
	drainTimeout     = 5 * time.Second
)

// Deliverer is what the worker forwards events to.
type Deliverer interface {
	Deliver(ctx context.Context, event events.Event) error
}

// NotificationWorker decouples intent emission from sink delivery: the
// dispatcher handler only enqueues, and Run delivers in the background.
type NotificationWorker struct {
	deliverer Deliverer
	queue     chan events.Event
	logger    *zap.Logger
	dropped   atomic.Int64
}

// NewNotificationWorker builds a worker with a bounded queue.
func NewNotificationWorker(deliverer Deliverer, queueSize int, logger *zap.Logger) *NotificationWorker {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationWorker{
		deliverer: deliverer,
		queue:     make(chan events.Event, queueSize),
		logger:    logger.With(zap.String("component", "notification_worker")),
	}
}

// StartNotificationWorker subscribes the worker to every intent type.
func StartNotificationWorker(dispatcher events.Dispatcher, w *NotificationWorker) {
	if dispatcher == nil || w == nil {
		return
	}
	events.SubscribeAll(dispatcher, w.Enqueue)
}

// Enqueue never blocks. A full queue drops the event.
func (w *NotificationWorker) Enqueue(_ context.Context, event events.Event) error {
	select {
	case w.queue <- event:
	default:
		w.dropped.Add(1)
		w.logger.Warn("notification queue full; dropping intent",
			zap.String("type", string(event.Type)),
			zap.Int64("ticket_id", event.TicketID),
		)
	}
	return nil
}

// Dropped returns the number of events dropped on a full queue.
func (w *NotificationWorker) Dropped() int64 { return w.dropped.Load() }

// Run delivers queued events until ctx ends, then drains what is left
// within a short grace period.
func (w *NotificationWorker) Run(ctx context.Context) error {
	for {
		select {
		case event := <-w.queue:
			w.deliver(ctx, event)
		case <-ctx.Done():
			w.drain()
			return nil
		}
	}
}

func (w *NotificationWorker) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case event := <-w.queue:
			w.deliver(ctx, event)
		default:
			return
		}
	}
}

func (w *NotificationWorker) deliver(ctx context.Context, event events.Event) {
	if err := w.deliverer.Deliver(ctx, event); err != nil {
		w.logger.Debug("intent delivered with errors", zap.String("event_id", event.ID), zap.Error(err))
	}
}
