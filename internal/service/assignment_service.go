package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-engine/internal/domain"
	"github.com/spec-kit/ticket-engine/internal/events"
	"github.com/spec-kit/ticket-engine/internal/lifecycle"
	"github.com/spec-kit/ticket-engine/internal/repository"
	"github.com/spec-kit/ticket-engine/internal/resilience"
	"github.com/spec-kit/ticket-engine/pkg/util"
)

// AssignmentCoordinator routes a ticket to one of several candidate
// agents. The first accept to commit wins; the others find their request
// cancelled.
type AssignmentCoordinator struct {
	tickets     repository.TicketRepository
	assignments repository.AssignmentRepository
	history     repository.TicketHistoryRepository
	rt          Runtime
}

// AssignmentDependencies bundles repositories.
type AssignmentDependencies struct {
	TicketRepo     repository.TicketRepository
	AssignmentRepo repository.AssignmentRepository
	HistoryRepo    repository.TicketHistoryRepository
	Runtime        Runtime
}

// AcceptResult describes a committed accept.
type AcceptResult struct {
	Request   domain.AssignmentRequest
	Ticket    domain.Ticket
	Cancelled []domain.AssignmentRequest
}

// RejectResult describes a committed reject. Unassignable is set when no
// pending request remains for the ticket.
type RejectResult struct {
	Request          domain.AssignmentRequest
	RemainingPending int
	Unassignable     bool
}

// NewAssignmentCoordinator creates the coordinator.
func NewAssignmentCoordinator(deps AssignmentDependencies) *AssignmentCoordinator {
	return &AssignmentCoordinator{
		tickets:     deps.TicketRepo,
		assignments: deps.AssignmentRepo,
		history:     deps.HistoryRepo,
		rt:          deps.Runtime.withDefaults(),
	}
}

// RequestAssignment offers the ticket to every candidate in one batch.
// Duplicate and blank candidate ids are dropped.
func (c *AssignmentCoordinator) RequestAssignment(ctx context.Context, actor domain.Actor, ticketID int64, candidates []string) ([]domain.AssignmentRequest, error) {
	ctx, cancel := c.rt.deadline(ctx)
	defer cancel()

	if err := requireStaff(actor); err != nil {
		return nil, err
	}
	agents := uniqueAgents(candidates)
	if len(agents) == 0 {
		return nil, util.NewNoEligibleAgents(ticketID)
	}

	ticket, err := c.rt.loadTicket(ctx, c.tickets, ticketID)
	if err != nil {
		return nil, err
	}
	switch {
	case ticket.Status.Terminal():
		return nil, util.NewConflict("ticket is closed", map[string]any{"ticket_id": ticketID, "status": ticket.Status})
	case ticket.AssignedTo != nil:
		return nil, util.NewConflict("ticket is already assigned", map[string]any{"ticket_id": ticketID, "assigned_to": *ticket.AssignedTo})
	}

	now := c.rt.Clock.Now()
	requests := make([]domain.AssignmentRequest, len(agents))
	for i, agent := range agents {
		requests[i] = domain.AssignmentRequest{
			ID:        uuid.NewString(),
			TicketID:  ticketID,
			AgentID:   agent,
			State:     domain.AssignmentPending,
			CreatedAt: now,
		}
	}

	err = resilience.Do(ctx, c.rt.Store, "assignments.create_batch", func(ctx context.Context) error {
		return c.assignments.CreateBatch(ctx, ticketID, requests)
	}, ticketID)
	if errors.Is(err, repository.ErrConflict) && c.batchCommitted(ctx, ticketID, requests) {
		err = nil
	}
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, util.NewConflict("ticket already has pending assignment requests", map[string]any{"ticket_id": ticketID})
		}
		return nil, translate(err, "ticket", ticketID)
	}

	c.rt.Store.Forget(opRequestsByTicket, ticketID)
	for _, req := range requests {
		c.rt.Store.Forget(opPendingByAgent, req.AgentID)
		c.rt.Metrics.RecordAssignment("offered")
		c.rt.publish(ctx, events.Event{
			Type:     events.IntentAssignmentOffered,
			TicketID: ticketID,
			Actor:    events.ActorFrom(actor),
			Payload: events.AssignmentOfferedPayload{
				RequestID: req.ID,
				AgentID:   req.AgentID,
				Priority:  ticket.Priority,
			},
		})
	}
	c.rt.Logger.Info("assignment requested",
		zap.Int64("ticket_id", ticketID),
		zap.Strings("agents", agents),
	)
	return requests, nil
}

// batchCommitted reports whether requests are already stored, which
// happens when an earlier attempt of the same call committed.
func (c *AssignmentCoordinator) batchCommitted(ctx context.Context, ticketID int64, requests []domain.AssignmentRequest) bool {
	stored, err := c.listForTicket(ctx, ticketID)
	if err != nil || len(requests) == 0 {
		return false
	}
	ids := make(map[string]struct{}, len(stored))
	for _, req := range stored {
		ids[req.ID] = struct{}{}
	}
	for _, req := range requests {
		if _, ok := ids[req.ID]; !ok {
			return false
		}
	}
	return true
}

// Accept records the acting agent's acceptance. In one conditional write
// the request becomes Accepted, its pending siblings Cancelled and the
// ticket InProgress with the agent as assignee.
func (c *AssignmentCoordinator) Accept(ctx context.Context, actor domain.Actor, requestID string) (*AcceptResult, error) {
	ctx, cancel := c.rt.deadline(ctx)
	defer cancel()

	req, err := c.decidable(ctx, actor, requestID)
	if err != nil {
		return nil, err
	}
	ticket, err := c.rt.loadTicket(ctx, c.tickets, req.TicketID)
	if err != nil {
		return nil, err
	}
	// A rival accept may have committed since decidable read the request.
	// The conditional write below reports that as NotPending.

	now := c.rt.Clock.Now().Truncate(time.Microsecond)
	next := *ticket
	if ticket.Status != domain.TicketStatusInProgress {
		next, err = lifecycle.Transition(*ticket, domain.TicketStatusInProgress, domain.RoleAgent, now)
		if err != nil {
			return nil, err
		}
	}
	next.ModifiedAt = now
	agentID := req.AgentID
	next.AssignedTo = &agentID

	cmd := repository.AcceptCommand{
		RequestID:      req.ID,
		Token:          uuid.NewString(),
		Ticket:         next,
		ExpectedStatus: ticket.Status,
		DecidedAt:      now,
	}
	res, err := resilience.Execute(ctx, c.rt.Store, resilience.Operation[*repository.AcceptOutcome]{
		Name: "assignments.accept",
		Args: []any{req.ID},
		Run: func(ctx context.Context) (*repository.AcceptOutcome, error) {
			return c.assignments.Accept(ctx, cmd)
		},
	}, resilience.Write, resilience.Fallback[*repository.AcceptOutcome]{})
	if err != nil {
		c.rt.Metrics.RecordAssignment("accept_lost")
		return nil, translate(err, "ticket", req.TicketID)
	}
	outcome := res.Value
	if outcome.Replayed {
		outcome.Cancelled = c.cancelledWith(ctx, outcome.Request)
	}

	c.forgetBatch(req.TicketID, outcome.Request, outcome.Cancelled)
	c.rt.Store.Forget(opTicketGet, req.TicketID)
	c.rt.Metrics.RecordAssignment("accepted")

	if ticket.Status != next.Status {
		c.rt.appendHistory(ctx, c.history, &domain.TicketHistory{
			TicketID:    ticket.ID,
			ChangedBy:   actor.ID,
			ChangedRole: actor.Role,
			ChangeType:  domain.ChangeTypeStatus,
			OldValue:    map[string]any{"status": ticket.Status},
			NewValue:    map[string]any{"status": next.Status},
			CreatedAt:   now,
		})
	}
	c.rt.appendHistory(ctx, c.history, &domain.TicketHistory{
		TicketID:    ticket.ID,
		ChangedBy:   actor.ID,
		ChangedRole: actor.Role,
		ChangeType:  domain.ChangeTypeAssignee,
		OldValue:    map[string]any{"assigned_to": nil},
		NewValue:    map[string]any{"assigned_to": agentID, "request_id": req.ID},
		CreatedAt:   now,
	})

	cancelledIDs := make([]string, 0, len(outcome.Cancelled))
	for _, sibling := range outcome.Cancelled {
		cancelledIDs = append(cancelledIDs, sibling.ID)
	}
	c.rt.publish(ctx, events.Event{
		Type:     events.IntentAssignmentAccepted,
		TicketID: ticket.ID,
		Actor:    events.ActorFrom(actor),
		Payload: events.AssignmentAcceptedPayload{
			RequestID:           req.ID,
			AgentID:             agentID,
			ClientID:            ticket.ClientID,
			CancelledRequestIDs: cancelledIDs,
		},
	})
	if ticket.Status != next.Status {
		c.rt.publish(ctx, events.Event{
			Type:     events.EventTicketStatusChanged,
			TicketID: ticket.ID,
			Actor:    events.ActorFrom(actor),
			Payload: events.TicketStatusChangedPayload{
				OldStatus:  ticket.Status,
				NewStatus:  next.Status,
				AssignedTo: next.AssignedTo,
				ClientID:   next.ClientID,
			},
		})
	}

	return &AcceptResult{Request: outcome.Request, Ticket: next, Cancelled: outcome.Cancelled}, nil
}

// Reject records the acting agent's refusal. When it was the last pending
// request of the ticket an Unassignable intent is emitted.
func (c *AssignmentCoordinator) Reject(ctx context.Context, actor domain.Actor, requestID string) (*RejectResult, error) {
	ctx, cancel := c.rt.deadline(ctx)
	defer cancel()

	req, err := c.decidable(ctx, actor, requestID)
	if err != nil {
		return nil, err
	}

	cmd := repository.RejectCommand{
		RequestID: req.ID,
		Token:     uuid.NewString(),
		DecidedAt: c.rt.Clock.Now(),
	}
	res, err := resilience.Execute(ctx, c.rt.Store, resilience.Operation[*repository.RejectOutcome]{
		Name: "assignments.reject",
		Args: []any{req.ID},
		Run: func(ctx context.Context) (*repository.RejectOutcome, error) {
			return c.assignments.Reject(ctx, cmd)
		},
	}, resilience.Write, resilience.Fallback[*repository.RejectOutcome]{})
	if err != nil {
		return nil, translate(err, "assignment request", req.ID)
	}
	outcome := res.Value
	c.forgetBatch(req.TicketID, outcome.Request, nil)
	c.rt.Metrics.RecordAssignment("rejected")

	result := &RejectResult{
		Request:          outcome.Request,
		RemainingPending: outcome.RemainingPending,
		Unassignable:     outcome.RemainingPending == 0,
	}
	if result.Unassignable {
		c.rt.Metrics.RecordAssignment("unassignable")
		c.rt.publish(ctx, events.Event{
			Type:     events.IntentUnassignable,
			TicketID: req.TicketID,
			Actor:    events.ActorFrom(actor),
			Payload: events.UnassignablePayload{
				LastRequestID: req.ID,
				LastAgentID:   req.AgentID,
			},
		})
	}
	return result, nil
}

// decidable loads a request the actor may decide on. Only the candidate
// agent decides; a request that already left Pending fails NotPending.
func (c *AssignmentCoordinator) decidable(ctx context.Context, actor domain.Actor, requestID string) (*domain.AssignmentRequest, error) {
	if strings.TrimSpace(actor.ID) == "" {
		return nil, util.NewUnauthorized("actor required")
	}
	if strings.TrimSpace(requestID) == "" {
		return nil, util.NewValidationError("request id is required", map[string]any{"field": "request_id"})
	}
	res, err := resilience.Execute(ctx, c.rt.Store, resilience.Operation[*domain.AssignmentRequest]{
		Name: opAssignmentGet,
		Args: []any{requestID},
		Run: func(ctx context.Context) (*domain.AssignmentRequest, error) {
			return c.assignments.GetByID(ctx, requestID)
		},
	}, resilience.Read, resilience.Fallback[*domain.AssignmentRequest]{})
	if err != nil {
		return nil, translate(err, "assignment request", requestID)
	}
	req := res.Value
	if req.AgentID != actor.ID {
		return nil, util.NewForbidden("assignment request belongs to another agent")
	}
	if req.State != domain.AssignmentPending {
		return nil, util.NewNotPending(req.ID, string(req.State))
	}
	return req, nil
}

// cancelledWith finds the siblings cancelled by an accept whose original
// response was lost.
func (c *AssignmentCoordinator) cancelledWith(ctx context.Context, accepted domain.AssignmentRequest) []domain.AssignmentRequest {
	all, err := c.listForTicket(ctx, accepted.TicketID)
	if err != nil || accepted.DecidedAt == nil {
		return nil
	}
	out := []domain.AssignmentRequest{}
	for _, req := range all {
		if req.State == domain.AssignmentCancelled && req.DecidedAt != nil && req.DecidedAt.Equal(*accepted.DecidedAt) {
			out = append(out, req)
		}
	}
	return out
}

func (c *AssignmentCoordinator) listForTicket(ctx context.Context, ticketID int64) ([]domain.AssignmentRequest, error) {
	res, err := resilience.Execute(ctx, c.rt.Store, resilience.Operation[[]domain.AssignmentRequest]{
		Name: opRequestsByTicket,
		Args: []any{ticketID},
		Run: func(ctx context.Context) ([]domain.AssignmentRequest, error) {
			return c.assignments.ListByTicket(ctx, ticketID)
		},
	}, resilience.Read, resilience.Fallback[[]domain.AssignmentRequest]{})
	return res.Value, err
}

func (c *AssignmentCoordinator) forgetBatch(ticketID int64, decided domain.AssignmentRequest, cancelled []domain.AssignmentRequest) {
	c.rt.Store.Forget(opRequestsByTicket, ticketID)
	c.rt.Store.Forget(opAssignmentGet, decided.ID)
	c.rt.Store.Forget(opPendingByAgent, decided.AgentID)
	for _, req := range cancelled {
		c.rt.Store.Forget(opAssignmentGet, req.ID)
		c.rt.Store.Forget(opPendingByAgent, req.AgentID)
	}
}

// ListPendingForAgent lists the requests waiting on an agent. Agents see
// their own queue; admins see anyone's.
func (c *AssignmentCoordinator) ListPendingForAgent(ctx context.Context, actor domain.Actor, agentID string) (resilience.Result[[]domain.AssignmentRequest], error) {
	ctx, cancel := c.rt.deadline(ctx)
	defer cancel()

	if err := requireStaff(actor); err != nil {
		return resilience.Result[[]domain.AssignmentRequest]{}, err
	}
	if actor.Role == domain.RoleAgent && actor.ID != agentID {
		return resilience.Result[[]domain.AssignmentRequest]{}, util.NewForbidden("agents may only list their own requests")
	}
	res, err := resilience.Execute(ctx, c.rt.Store, resilience.Operation[[]domain.AssignmentRequest]{
		Name: opPendingByAgent,
		Args: []any{agentID},
		Run: func(ctx context.Context) ([]domain.AssignmentRequest, error) {
			return c.assignments.ListPendingByAgent(ctx, agentID)
		},
	}, resilience.Read, resilience.Fallback[[]domain.AssignmentRequest]{Cache: true})
	if err != nil {
		return res, translate(err, "agent", agentID)
	}
	return res, nil
}

// ListForTicket returns every request ever made for a ticket.
func (c *AssignmentCoordinator) ListForTicket(ctx context.Context, actor domain.Actor, ticketID int64) (resilience.Result[[]domain.AssignmentRequest], error) {
	ctx, cancel := c.rt.deadline(ctx)
	defer cancel()

	if err := requireStaff(actor); err != nil {
		return resilience.Result[[]domain.AssignmentRequest]{}, err
	}
	res, err := resilience.Execute(ctx, c.rt.Store, resilience.Operation[[]domain.AssignmentRequest]{
		Name: opRequestsByTicket,
		Args: []any{ticketID},
		Run: func(ctx context.Context) ([]domain.AssignmentRequest, error) {
			return c.assignments.ListByTicket(ctx, ticketID)
		},
	}, resilience.Read, resilience.Fallback[[]domain.AssignmentRequest]{Cache: true})
	if err != nil {
		return res, translate(err, "ticket", ticketID)
	}
	return res, nil
}

func uniqueAgents(candidates []string) []string {
	seen := make(map[string]struct{}, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		id := strings.TrimSpace(candidate)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
