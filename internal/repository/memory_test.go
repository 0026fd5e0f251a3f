package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spec-kit/ticket-engine/internal/domain"
)

var t0 = time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

func seedTicket(t *testing.T, m *Memory) domain.Ticket {
	t.Helper()
	ticket := domain.Ticket{
		Number:     "TCK-" + time.Now().Format("150405.000000000"),
		Title:      "Printer on fire",
		Priority:   domain.TicketPriorityCritical,
		Status:     domain.TicketStatusOpen,
		CategoryID: 1,
		CreatedAt:  t0,
	}
	if err := m.Tickets().Create(context.Background(), &ticket); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return ticket
}

func seedBatch(t *testing.T, m *Memory, ticketID int64, agents ...string) []domain.AssignmentRequest {
	t.Helper()
	reqs := make([]domain.AssignmentRequest, len(agents))
	for i, agent := range agents {
		reqs[i] = domain.AssignmentRequest{ID: "req-" + agent, AgentID: agent, State: domain.AssignmentPending, CreatedAt: t0}
	}
	if err := m.Assignments().CreateBatch(context.Background(), ticketID, reqs); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	return reqs
}

func acceptCommand(ticket domain.Ticket, requestID, agent, token string) AcceptCommand {
	next := ticket
	next.Status = domain.TicketStatusInProgress
	next.AssignedTo = &agent
	next.ModifiedAt = t0.Add(time.Minute)
	return AcceptCommand{RequestID: requestID, Token: token, Ticket: next, ExpectedStatus: ticket.Status, DecidedAt: t0.Add(time.Minute)}
}

func TestMemoryUpdateStatusIsConditional(t *testing.T) {
	m := NewMemory()
	ticket := seedTicket(t, m)
	ctx := context.Background()

	next := ticket
	next.Status = domain.TicketStatusInProgress
	if err := m.Tickets().UpdateStatus(ctx, &next, domain.TicketStatusOpen); err != nil {
		t.Fatalf("first update: %v", err)
	}
	next.Status = domain.TicketStatusCancelled
	if err := m.Tickets().UpdateStatus(ctx, &next, domain.TicketStatusOpen); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale update err = %v, want conflict", err)
	}
	missing := domain.Ticket{ID: 999}
	if err := m.Tickets().UpdateStatus(ctx, &missing, domain.TicketStatusOpen); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing err = %v, want not found", err)
	}
}

func TestMemoryAcceptCancelsSiblings(t *testing.T) {
	m := NewMemory()
	ticket := seedTicket(t, m)
	seedBatch(t, m, ticket.ID, "a", "b", "c")
	ctx := context.Background()

	out, err := m.Assignments().Accept(ctx, acceptCommand(ticket, "req-b", "b", "tok-1"))
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if out.Request.State != domain.AssignmentAccepted || len(out.Cancelled) != 2 {
		t.Fatalf("outcome = %+v", out)
	}

	stored, _ := m.Tickets().GetByID(ctx, ticket.ID)
	if stored.Status != domain.TicketStatusInProgress || stored.AssignedTo == nil || *stored.AssignedTo != "b" {
		t.Fatalf("ticket = %+v", stored)
	}

	_, err = m.Assignments().Accept(ctx, acceptCommand(ticket, "req-c", "c", "tok-2"))
	var notPending *NotPendingError
	if !errors.As(err, &notPending) || notPending.State != domain.AssignmentCancelled {
		t.Fatalf("err = %v, want not pending (cancelled)", err)
	}
	if !errors.Is(err, ErrNotPending) {
		t.Fatal("NotPendingError must match ErrNotPending")
	}
}

func TestMemoryAcceptReplayWithSameToken(t *testing.T) {
	m := NewMemory()
	ticket := seedTicket(t, m)
	seedBatch(t, m, ticket.ID, "a")
	ctx := context.Background()

	cmd := acceptCommand(ticket, "req-a", "a", "tok")
	if _, err := m.Assignments().Accept(ctx, cmd); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	out, err := m.Assignments().Accept(ctx, cmd)
	if err != nil || !out.Replayed {
		t.Fatalf("replay = %+v, %v", out, err)
	}
	cmd.Token = "other"
	if _, err := m.Assignments().Accept(ctx, cmd); !errors.Is(err, ErrNotPending) {
		t.Fatalf("foreign token err = %v, want not pending", err)
	}
}

func TestMemoryAcceptConflictLeavesRequestPending(t *testing.T) {
	m := NewMemory()
	ticket := seedTicket(t, m)
	seedBatch(t, m, ticket.ID, "a", "b")
	ctx := context.Background()

	cancelled := ticket
	cancelled.Status = domain.TicketStatusCancelled
	if err := m.Tickets().UpdateStatus(ctx, &cancelled, domain.TicketStatusOpen); err != nil {
		t.Fatalf("cancel ticket: %v", err)
	}
	if _, err := m.Assignments().Accept(ctx, acceptCommand(ticket, "req-a", "a", "tok")); !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
	req, _ := m.Assignments().GetByID(ctx, "req-a")
	if req.State != domain.AssignmentPending {
		t.Fatalf("state = %s, want pending after failed accept", req.State)
	}
}

func TestMemoryRejectCountsRemaining(t *testing.T) {
	m := NewMemory()
	ticket := seedTicket(t, m)
	seedBatch(t, m, ticket.ID, "a", "b")
	ctx := context.Background()

	out, err := m.Assignments().Reject(ctx, RejectCommand{RequestID: "req-a", Token: "t1", DecidedAt: t0})
	if err != nil || out.RemainingPending != 1 {
		t.Fatalf("first reject = %+v, %v", out, err)
	}
	out, err = m.Assignments().Reject(ctx, RejectCommand{RequestID: "req-b", Token: "t2", DecidedAt: t0})
	if err != nil || out.RemainingPending != 0 {
		t.Fatalf("second reject = %+v, %v", out, err)
	}
	if _, err := m.Assignments().Reject(ctx, RejectCommand{RequestID: "req-b", Token: "t3", DecidedAt: t0}); !errors.Is(err, ErrNotPending) {
		t.Fatalf("repeat reject err = %v, want not pending", err)
	}
}

func TestMemoryCreateBatchRejectsSecondBatch(t *testing.T) {
	m := NewMemory()
	ticket := seedTicket(t, m)
	seedBatch(t, m, ticket.ID, "a")
	err := m.Assignments().CreateBatch(context.Background(), ticket.ID, []domain.AssignmentRequest{
		{ID: "req-z", AgentID: "z", State: domain.AssignmentPending, CreatedAt: t0},
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestMemoryUpdateSLAKeepsDueDate(t *testing.T) {
	m := NewMemory()
	ticket := seedTicket(t, m)
	ctx := context.Background()
	checked := t0.Add(time.Hour)

	ok, err := m.Tickets().UpdateSLA(ctx, domain.SLAWindow{
		TicketID: ticket.ID, Priority: ticket.Priority, DueDate: t0.Add(4 * time.Hour),
		State: domain.BreachStateOnTrack, LastCheckedAt: &checked,
	}, domain.BreachStateOnTrack)
	if err != nil || !ok {
		t.Fatalf("first UpdateSLA = %v, %v", ok, err)
	}
	ok, err = m.Tickets().UpdateSLA(ctx, domain.SLAWindow{
		TicketID: ticket.ID, Priority: ticket.Priority, DueDate: t0.Add(time.Hour),
		State: domain.BreachStateBreached, LastCheckedAt: &checked,
	}, domain.BreachStateOnTrack)
	if err != nil || !ok {
		t.Fatalf("second UpdateSLA = %v, %v", ok, err)
	}
	stored, _ := m.Tickets().GetByID(ctx, ticket.ID)
	if !stored.DueDate.Equal(t0.Add(4 * time.Hour)) {
		t.Fatalf("due date rewound to %v", stored.DueDate)
	}

	ok, err = m.Tickets().UpdateSLA(ctx, domain.SLAWindow{TicketID: ticket.ID, State: domain.BreachStateBreached}, domain.BreachStateOnTrack)
	if err != nil || ok {
		t.Fatalf("stale expected state must not apply: %v, %v", ok, err)
	}
}

func TestMemoryRescheduleOnlyMovesForward(t *testing.T) {
	m := NewMemory()
	ticket := seedTicket(t, m)
	ctx := context.Background()

	first, err := m.Tickets().Reschedule(ctx, ticket.ID, domain.TicketPriorityHigh, t0.Add(8*time.Hour), t0)
	if err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if !first.DueDate.Equal(t0.Add(8 * time.Hour)) {
		t.Fatalf("due = %v", first.DueDate)
	}
	second, err := m.Tickets().Reschedule(ctx, ticket.ID, domain.TicketPriorityCritical, t0.Add(2*time.Hour), t0)
	if err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if !second.DueDate.Equal(t0.Add(8 * time.Hour)) {
		t.Fatalf("due moved back to %v", second.DueDate)
	}
	if second.Priority != domain.TicketPriorityCritical || second.SLAState != domain.BreachStateOnTrack {
		t.Fatalf("ticket = %+v", second)
	}
}

func TestMemoryFaultInjection(t *testing.T) {
	m := NewMemory()
	outage := errors.New("down")
	m.InjectFault(func(op string) error {
		if op == "tickets.list" {
			return outage
		}
		return nil
	})
	if _, err := m.Tickets().ListByStatuses(context.Background(), domain.NonTerminalStatuses()); !errors.Is(err, outage) {
		t.Fatalf("err = %v, want injected fault", err)
	}
	seedTicket(t, m)
	m.InjectFault(nil)
	list, err := m.Tickets().ListByStatuses(context.Background(), domain.NonTerminalStatuses())
	if err != nil || len(list) != 1 {
		t.Fatalf("list = %v, %v", list, err)
	}
}
