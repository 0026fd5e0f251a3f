package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/ticket-engine/internal/domain"
	"github.com/spec-kit/ticket-engine/internal/events"
	"github.com/spec-kit/ticket-engine/internal/lifecycle"
	"github.com/spec-kit/ticket-engine/internal/repository"
	"github.com/spec-kit/ticket-engine/internal/resilience"
	"github.com/spec-kit/ticket-engine/internal/sla"
	"github.com/spec-kit/ticket-engine/pkg/util"
)

const maxTitleLength = 200

// TicketService coordinates ticket workflows.
type TicketService struct {
	tickets     repository.TicketRepository
	assignments repository.AssignmentRepository
	history     repository.TicketHistoryRepository
	policy      sla.Policy
	rt          Runtime
}

// TicketDependencies bundles repositories for ticket service.
type TicketDependencies struct {
	TicketRepo     repository.TicketRepository
	AssignmentRepo repository.AssignmentRepository
	HistoryRepo    repository.TicketHistoryRepository
	Policy         sla.Policy
	Runtime        Runtime
}

// TicketCreateInput describes ticket creation payload.
type TicketCreateInput struct {
	Title         string
	Description   string
	Priority      domain.TicketPriority
	CategoryID    int64
	SubcategoryID *int64
	ClientID      *string
	Location      string
}

// TicketView is a ticket with its SLA window. Degraded is set when the
// ticket was served from the cache fallback.
type TicketView struct {
	Ticket   domain.Ticket
	Window   domain.SLAWindow
	Degraded bool
	Source   resilience.Source
}

// NewTicketService constructs the service.
func NewTicketService(deps TicketDependencies) *TicketService {
	return &TicketService{
		tickets:     deps.TicketRepo,
		assignments: deps.AssignmentRepo,
		history:     deps.HistoryRepo,
		policy:      deps.Policy,
		rt:          deps.Runtime.withDefaults(),
	}
}

// CreateTicket opens a ticket and fixes its due date from the priority.
// A client always opens tickets on their own behalf.
func (s *TicketService) CreateTicket(ctx context.Context, actor domain.Actor, input TicketCreateInput) (*domain.Ticket, error) {
	ctx, cancel := s.rt.deadline(ctx)
	defer cancel()

	if strings.TrimSpace(actor.ID) == "" {
		return nil, util.NewUnauthorized("actor required")
	}
	title := strings.TrimSpace(input.Title)
	if title == "" || len(title) > maxTitleLength {
		return nil, util.NewValidationError("title must be between 1 and 200 characters", map[string]any{"field": "title"})
	}
	if input.CategoryID <= 0 {
		return nil, util.NewValidationError("category is required", map[string]any{"field": "category_id"})
	}
	priority := input.Priority
	if priority == "" {
		priority = domain.TicketPriorityMedium
	}
	if !priority.Valid() {
		return nil, util.NewValidationError("unknown ticket priority", map[string]any{"priority": priority})
	}

	now := s.rt.Clock.Now()
	due, err := s.policy.ComputeDueDate(priority, now)
	if err != nil {
		return nil, err
	}
	clientID := input.ClientID
	if actor.Role == domain.RoleClient {
		id := actor.ID
		clientID = &id
	}
	slaPriority := priority

	ticket := &domain.Ticket{
		Number:        generateTicketKey(),
		Title:         title,
		Description:   strings.TrimSpace(input.Description),
		Priority:      priority,
		Status:        domain.TicketStatusOpen,
		CategoryID:    input.CategoryID,
		SubcategoryID: input.SubcategoryID,
		ClientID:      clientID,
		DueDate:       &due,
		Location:      strings.TrimSpace(input.Location),
		SLAState:      domain.BreachStateOnTrack,
		SLAPriority:   &slaPriority,
		CreatedAt:     now,
		ModifiedAt:    now,
	}
	err = resilience.Do(ctx, s.rt.Store, "tickets.create", func(ctx context.Context) error {
		return s.tickets.Create(ctx, ticket)
	})
	if err != nil {
		return nil, translate(err, "ticket", ticket.Number)
	}
	s.rt.Logger.Info("ticket created",
		zap.Int64("ticket_id", ticket.ID),
		zap.String("number", ticket.Number),
		zap.String("priority", string(priority)),
	)
	return ticket, nil
}

// GetTicket returns the ticket and its window. When storage is down a
// cached snapshot is served and flagged.
func (s *TicketService) GetTicket(ctx context.Context, actor domain.Actor, ticketID int64) (*TicketView, error) {
	ctx, cancel := s.rt.deadline(ctx)
	defer cancel()

	res, err := resilience.Execute(ctx, s.rt.Store, resilience.Operation[*domain.Ticket]{
		Name: opTicketGet,
		Args: []any{ticketID},
		Run: func(ctx context.Context) (*domain.Ticket, error) {
			return s.tickets.GetByID(ctx, ticketID)
		},
	}, resilience.Read, resilience.Fallback[*domain.Ticket]{Cache: true})
	if err != nil {
		return nil, translate(err, "ticket", ticketID)
	}
	if !canSeeTicket(actor, res.Value) {
		return nil, util.NewForbidden("access denied")
	}
	return &TicketView{
		Ticket:   *res.Value,
		Window:   res.Value.Window(),
		Degraded: res.Degraded,
		Source:   res.Source,
	}, nil
}

// TransitionTicket moves a ticket to target after validating it against
// the lifecycle. The write only applies while the stored status is still
// the one validated against. Cancelling a ticket cancels its pending
// assignment requests.
func (s *TicketService) TransitionTicket(ctx context.Context, actor domain.Actor, ticketID int64, target domain.TicketStatus) (*domain.Ticket, error) {
	ctx, cancel := s.rt.deadline(ctx)
	defer cancel()

	if strings.TrimSpace(actor.ID) == "" {
		return nil, util.NewUnauthorized("actor required")
	}
	ticket, err := s.rt.loadTicket(ctx, s.tickets, ticketID)
	if err != nil {
		return nil, err
	}
	if !canSeeTicket(actor, ticket) {
		return nil, util.NewForbidden("access denied")
	}

	// Postgres keeps microseconds; the stamp is compared after a retry.
	now := s.rt.Clock.Now().Truncate(time.Microsecond)
	next, err := lifecycle.Transition(*ticket, target, actor.Role, now)
	if err != nil {
		return nil, err
	}
	oldStatus := ticket.Status
	err = resilience.Do(ctx, s.rt.Store, "tickets.update_status", func(ctx context.Context) error {
		return s.tickets.UpdateStatus(ctx, &next, oldStatus)
	}, ticketID)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrConflict):
		if err := s.transitionConflict(ctx, actor, &next, oldStatus); err != nil {
			return nil, err
		}
	default:
		return nil, translate(err, "ticket", ticketID)
	}
	s.rt.Store.Forget(opTicketGet, ticketID)

	if target == domain.TicketStatusCancelled {
		s.cancelPending(ctx, ticketID)
	}
	s.recordStatusChange(ctx, actor, ticketID, oldStatus, target)
	s.rt.publish(ctx, events.Event{
		Type:     events.EventTicketStatusChanged,
		TicketID: ticketID,
		Actor:    events.ActorFrom(actor),
		Payload: events.TicketStatusChangedPayload{
			OldStatus:  oldStatus,
			NewStatus:  target,
			AssignedTo: next.AssignedTo,
			ClientID:   next.ClientID,
		},
	})
	return &next, nil
}

// transitionConflict re-reads the ticket after a conditional write
// failed. A ticket already holding next is the result of an earlier
// attempt of this same call and counts as success; anything else is
// reported against the status that won.
func (s *TicketService) transitionConflict(ctx context.Context, actor domain.Actor, next *domain.Ticket, expected domain.TicketStatus) error {
	current, err := s.rt.loadTicket(ctx, s.tickets, next.ID)
	if err != nil {
		return err
	}
	if current.Status == next.Status && current.ModifiedAt.Equal(next.ModifiedAt) {
		return nil
	}
	if _, err := lifecycle.Transition(*current, next.Status, actor.Role, s.rt.Clock.Now()); err != nil {
		return err
	}
	return util.NewConflict("ticket changed concurrently", map[string]any{
		"id":       next.ID,
		"expected": expected,
		"current":  current.Status,
	})
}

func (s *TicketService) cancelPending(ctx context.Context, ticketID int64) {
	if s.assignments == nil {
		return
	}
	var cancelled []domain.AssignmentRequest
	err := resilience.Do(ctx, s.rt.Store, "assignments.cancel_pending", func(ctx context.Context) error {
		var err error
		cancelled, err = s.assignments.CancelPendingForTicket(ctx, ticketID, s.rt.Clock.Now())
		return err
	}, ticketID)
	if err != nil {
		s.rt.Logger.Warn("cancel pending assignment requests", zap.Int64("ticket_id", ticketID), zap.Error(err))
		return
	}
	s.rt.Store.Forget(opRequestsByTicket, ticketID)
	for _, req := range cancelled {
		s.rt.Store.Forget(opPendingByAgent, req.AgentID)
		s.rt.Store.Forget(opAssignmentGet, req.ID)
	}
}

// ListHistory returns the audit trail of a ticket, served from the cache
// fallback when storage is down.
func (s *TicketService) ListHistory(ctx context.Context, actor domain.Actor, ticketID int64) (resilience.Result[[]domain.TicketHistory], error) {
	ctx, cancel := s.rt.deadline(ctx)
	defer cancel()

	if err := requireStaff(actor); err != nil {
		return resilience.Result[[]domain.TicketHistory]{}, err
	}
	res, err := resilience.Execute(ctx, s.rt.Store, resilience.Operation[[]domain.TicketHistory]{
		Name: opHistoryList,
		Args: []any{ticketID},
		Run: func(ctx context.Context) ([]domain.TicketHistory, error) {
			return s.history.ListByTicket(ctx, ticketID)
		},
	}, resilience.Read, resilience.Fallback[[]domain.TicketHistory]{Cache: true})
	if err != nil {
		return res, translate(err, "ticket", ticketID)
	}
	return res, nil
}

func (s *TicketService) recordStatusChange(ctx context.Context, actor domain.Actor, ticketID int64, oldStatus, newStatus domain.TicketStatus) {
	s.rt.appendHistory(ctx, s.history, &domain.TicketHistory{
		TicketID:    ticketID,
		ChangedBy:   actor.ID,
		ChangedRole: actor.Role,
		ChangeType:  domain.ChangeTypeStatus,
		OldValue:    map[string]any{"status": oldStatus},
		NewValue:    map[string]any{"status": newStatus},
	})
}
