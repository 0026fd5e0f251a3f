package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-engine/internal/clock"
	"github.com/spec-kit/ticket-engine/internal/domain"
	"github.com/spec-kit/ticket-engine/internal/events"
	"github.com/spec-kit/ticket-engine/internal/observability"
	"github.com/spec-kit/ticket-engine/internal/repository"
	"github.com/spec-kit/ticket-engine/internal/resilience"
	"github.com/spec-kit/ticket-engine/pkg/util"
)

// Cache keys shared by reads and the writes that invalidate them.
const (
	opTicketGet        = "ticket.get"
	opHistoryList      = "history.list"
	opAssignmentGet    = "assignments.get"
	opPendingByAgent   = "assignments.pending"
	opRequestsByTicket = "assignments.by_ticket"
)

// Runtime carries what every service needs besides its repositories.
type Runtime struct {
	Store      *resilience.Store
	Dispatcher events.Dispatcher
	Clock      clock.Clock
	Logger     *zap.Logger
	Metrics    *observability.Metrics
	// Timeout bounds each client-facing operation. Zero disables it.
	Timeout time.Duration
}

func (r Runtime) withDefaults() Runtime {
	if r.Clock == nil {
		r.Clock = clock.Real()
	}
	if r.Logger == nil {
		r.Logger = zap.NewNop()
	}
	if r.Store == nil {
		r.Store = resilience.NewStore(resilience.DefaultConfig(), resilience.WithClock(r.Clock), resilience.WithLogger(r.Logger))
	}
	return r
}

// deadline applies the client-facing operation timeout.
func (r Runtime) deadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.Timeout)
}

func (r Runtime) publish(ctx context.Context, event events.Event) {
	r.Metrics.RecordIntent(string(event.Type))
	if r.Dispatcher == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = r.Clock.Now()
	}
	if err := r.Dispatcher.Publish(ctx, event); err != nil {
		r.Logger.Warn("deliver notification intent",
			zap.String("type", string(event.Type)),
			zap.Int64("ticket_id", event.TicketID),
			zap.Error(err),
		)
	}
}

// appendHistory records an audit entry. The state change it describes has
// already committed, so a failure is logged rather than returned.
func (r Runtime) appendHistory(ctx context.Context, history repository.TicketHistoryRepository, entry *domain.TicketHistory) {
	if history == nil {
		return
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.Clock.Now()
	}
	err := resilience.Do(ctx, r.Store, "history.create", func(ctx context.Context) error {
		return history.Create(ctx, entry)
	}, entry.TicketID)
	if err != nil {
		r.Logger.Warn("record ticket history",
			zap.Int64("ticket_id", entry.TicketID),
			zap.String("change_type", string(entry.ChangeType)),
			zap.Error(err),
		)
		return
	}
	r.Store.Forget(opHistoryList, entry.TicketID)
}

// loadTicket reads a ticket from the authoritative store, bypassing the
// cache fallback.
func (r Runtime) loadTicket(ctx context.Context, tickets repository.TicketRepository, id int64) (*domain.Ticket, error) {
	res, err := resilience.Execute(ctx, r.Store, resilience.Operation[*domain.Ticket]{
		Name: opTicketGet,
		Args: []any{id},
		Run: func(ctx context.Context) (*domain.Ticket, error) {
			return tickets.GetByID(ctx, id)
		},
	}, resilience.Read, resilience.Fallback[*domain.Ticket]{})
	if err != nil {
		return nil, translate(err, "ticket", id)
	}
	return res.Value, nil
}

// translate maps repository sentinels onto domain errors.
func translate(err error, resource string, id any) error {
	var notPending *repository.NotPendingError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &notPending):
		return util.NewNotPending(notPending.RequestID, string(notPending.State))
	case errors.Is(err, repository.ErrNotFound):
		return util.NewNotFound(resource, map[string]any{"id": id})
	case errors.Is(err, repository.ErrConflict):
		return util.NewConflict(resource+" changed concurrently", map[string]any{"id": id})
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return util.NewStorageUnavailable(resource, 0, err)
	default:
		return util.MapError(err)
	}
}

func isStaff(role domain.ActorRole) bool {
	return role == domain.RoleAdmin || role == domain.RoleAgent || role == domain.RoleSystem
}

func requireStaff(actor domain.Actor) error {
	if strings.TrimSpace(actor.ID) == "" {
		return util.NewUnauthorized("actor required")
	}
	if !isStaff(actor.Role) {
		return util.NewForbidden("insufficient role")
	}
	return nil
}

// canSeeTicket lets staff see every ticket and clients only their own.
func canSeeTicket(actor domain.Actor, ticket *domain.Ticket) bool {
	if isStaff(actor.Role) {
		return true
	}
	return actor.Role == domain.RoleClient && ticket.ClientID != nil && *ticket.ClientID == actor.ID
}

func generateTicketKey() string {
	return "TCK-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}
