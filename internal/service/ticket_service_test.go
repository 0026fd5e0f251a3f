package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spec-kit/ticket-engine/internal/domain"
	"github.com/spec-kit/ticket-engine/internal/events"
	"github.com/spec-kit/ticket-engine/internal/resilience"
	"github.com/spec-kit/ticket-engine/pkg/util"
)

func TestCreateTicketSetsDueDateFromPriority(t *testing.T) {
	h := newHarness(t)
	ticket := h.openTicket(t, domain.TicketPriorityCritical)

	if !strings.HasPrefix(ticket.Number, "TCK-") || len(ticket.Number) != 12 {
		t.Fatalf("number = %q", ticket.Number)
	}
	if ticket.DueDate == nil || !ticket.DueDate.Equal(t0.Add(4*time.Hour)) {
		t.Fatalf("due = %v, want %v", ticket.DueDate, t0.Add(4*time.Hour))
	}
	if ticket.Status != domain.TicketStatusOpen || ticket.AssignedTo != nil || ticket.SLAState != domain.BreachStateOnTrack {
		t.Fatalf("ticket = %+v", ticket)
	}
	if ticket.ClientID == nil || *ticket.ClientID != client.ID {
		t.Fatalf("client id = %v", ticket.ClientID)
	}
}

func TestCreateTicketValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cases := map[string]TicketCreateInput{
		"blank title":      {Title: "  ", CategoryID: 1},
		"missing category": {Title: "Printer jam"},
		"unknown priority": {Title: "Printer jam", CategoryID: 1, Priority: "URGENT"},
		"title too long":   {Title: strings.Repeat("x", 201), CategoryID: 1},
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := h.tickets.CreateTicket(ctx, client, input); !errors.Is(err, util.ErrValidation) {
				t.Fatalf("err = %v, want validation", err)
			}
		})
	}
}

func TestTransitionFollowsLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ticket := h.openTicket(t, domain.TicketPriorityHigh)

	_, err := h.tickets.TransitionTicket(ctx, agent("A"), ticket.ID, domain.TicketStatusResolved)
	var domainErr *util.DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != util.CodeInvalidTransition {
		t.Fatalf("err = %v, want invalid transition", err)
	}
	allowed, _ := domainErr.Details["allowed"].([]string)
	if strings.Join(allowed, ",") != "CANCELLED,IN_PROGRESS" {
		t.Fatalf("allowed = %v", domainErr.Details["allowed"])
	}

	h.clk.Set(t0.Add(90 * time.Minute))
	for _, target := range []domain.TicketStatus{domain.TicketStatusInProgress, domain.TicketStatusResolved} {
		if _, err := h.tickets.TransitionTicket(ctx, agent("A"), ticket.ID, target); err != nil {
			t.Fatalf("to %s: %v", target, err)
		}
	}
	closed, err := h.tickets.TransitionTicket(ctx, client, ticket.ID, domain.TicketStatusClosed)
	if err != nil {
		t.Fatalf("client close: %v", err)
	}
	if closed.ResolutionMinutes == nil || *closed.ResolutionMinutes != 90 {
		t.Fatalf("resolution = %v, want 90", closed.ResolutionMinutes)
	}
	if _, err := h.tickets.TransitionTicket(ctx, admin, ticket.ID, domain.TicketStatusInProgress); !errors.Is(err, util.ErrInvalidTransition) {
		t.Fatalf("reopen closed err = %v", err)
	}

	history, _ := h.mem.History().ListByTicket(ctx, ticket.ID)
	if len(history) != 3 {
		t.Fatalf("history entries = %d, want 3", len(history))
	}
	if got := len(h.intents.ofType(events.EventTicketStatusChanged)); got != 3 {
		t.Fatalf("status events = %d, want 3", got)
	}
}

func TestClientMayOnlyCancelOwnOpenTicket(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ticket := h.openTicket(t, domain.TicketPriorityLow)

	stranger := domain.Actor{ID: "client-1", Role: domain.RoleClient}
	if _, err := h.tickets.TransitionTicket(ctx, stranger, ticket.ID, domain.TicketStatusCancelled); !errors.Is(err, util.ErrForbidden) {
		t.Fatalf("stranger err = %v, want forbidden", err)
	}
	if _, err := h.tickets.TransitionTicket(ctx, client, ticket.ID, domain.TicketStatusInProgress); !errors.Is(err, util.ErrInvalidTransition) {
		t.Fatalf("client start err = %v", err)
	}

	other := h.openTicket(t, domain.TicketPriorityLow)
	if _, err := h.tickets.TransitionTicket(ctx, agent("A"), other.ID, domain.TicketStatusInProgress); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := h.tickets.TransitionTicket(ctx, client, other.ID, domain.TicketStatusCancelled); !errors.Is(err, util.ErrInvalidTransition) {
		t.Fatalf("client cancel in progress err = %v", err)
	}
	if _, err := h.tickets.TransitionTicket(ctx, client, ticket.ID, domain.TicketStatusCancelled); err != nil {
		t.Fatalf("client cancel open: %v", err)
	}
}

func TestCancellingTicketCancelsPendingRequests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ticket := h.openTicket(t, domain.TicketPriorityHigh)
	reqs, err := h.coordinator.RequestAssignment(ctx, admin, ticket.ID, []string{"A", "B"})
	if err != nil {
		t.Fatalf("RequestAssignment: %v", err)
	}

	if _, err := h.tickets.TransitionTicket(ctx, admin, ticket.ID, domain.TicketStatusCancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	for _, req := range reqs {
		stored, _ := h.mem.Assignments().GetByID(ctx, req.ID)
		if stored.State != domain.AssignmentCancelled {
			t.Fatalf("request %s state = %s", req.AgentID, stored.State)
		}
	}
	if _, err := h.coordinator.Accept(ctx, agent("A"), reqs[0].ID); !errors.Is(err, util.ErrNotPending) {
		t.Fatalf("accept on cancelled ticket err = %v", err)
	}
}

func TestGetTicketServesDegradedSnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ticket := h.openTicket(t, domain.TicketPriorityMedium)

	view, err := h.tickets.GetTicket(ctx, client, ticket.ID)
	if err != nil || view.Degraded {
		t.Fatalf("live view = %+v, %v", view, err)
	}
	if !view.Window.DueDate.Equal(t0.Add(24 * time.Hour)) {
		t.Fatalf("window = %+v", view.Window)
	}

	h.mem.InjectFault(func(string) error { return resilience.Transient(errors.New("connection refused")) })
	view, err = h.tickets.GetTicket(ctx, client, ticket.ID)
	if err != nil || !view.Degraded || view.Source != resilience.SourceCache {
		t.Fatalf("fresh cached view = %+v, %v", view, err)
	}

	h.clk.Set(t0.Add(6 * time.Minute))
	view, err = h.tickets.GetTicket(ctx, client, ticket.ID)
	if err != nil || !view.Degraded || view.Source != resilience.SourceStaleCache {
		t.Fatalf("stale view = %+v, %v", view, err)
	}

	// Transitions never read from the cache.
	if _, err := h.tickets.TransitionTicket(ctx, agent("A"), ticket.ID, domain.TicketStatusInProgress); !errors.Is(err, util.ErrStorageUnavailable) {
		t.Fatalf("transition during outage err = %v", err)
	}
}
