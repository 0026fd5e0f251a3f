package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/spec-kit/ticket-engine/internal/clock"
	"github.com/spec-kit/ticket-engine/internal/domain"
	"github.com/spec-kit/ticket-engine/internal/events"
	"github.com/spec-kit/ticket-engine/internal/repository"
	"github.com/spec-kit/ticket-engine/internal/resilience"
	"github.com/spec-kit/ticket-engine/internal/sla"
)

var t0 = time.Date(2024, 5, 6, 8, 30, 0, 0, time.UTC)

var (
	admin  = domain.Actor{ID: "admin-1", Role: domain.RoleAdmin}
	client = domain.Actor{ID: "client-9", Role: domain.RoleClient}
)

func agent(id string) domain.Actor { return domain.Actor{ID: id, Role: domain.RoleAgent} }

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) ofType(eventType events.EventType) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []events.Event{}
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	mem         *repository.Memory
	clk         *clock.FakeClock
	intents     *recorder
	tickets     *TicketService
	coordinator *AssignmentCoordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.Fake(t0)
	logger := zaptest.NewLogger(t)
	fast := resilience.RetryPolicy{BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 2 * time.Millisecond}
	read, write := fast, fast
	read.MaxAttempts = 3
	write.MaxAttempts = 2
	store := resilience.NewStore(resilience.Config{ReadPolicy: read, WritePolicy: write, CacheTTL: 5 * time.Minute, CacheCapacity: 128},
		resilience.WithClock(clk),
		resilience.WithLogger(logger),
		resilience.WithRandom(func() float64 { return 0 }),
	)
	dispatcher := events.NewInMemoryDispatcher()
	intents := &recorder{}
	events.SubscribeAll(dispatcher, intents.handle)

	rt := Runtime{Store: store, Dispatcher: dispatcher, Clock: clk, Logger: logger, Timeout: 2 * time.Second}
	mem := repository.NewMemory()
	return &harness{
		mem:     mem,
		clk:     clk,
		intents: intents,
		tickets: NewTicketService(TicketDependencies{
			TicketRepo:     mem.Tickets(),
			AssignmentRepo: mem.Assignments(),
			HistoryRepo:    mem.History(),
			Policy:         sla.DefaultPolicy(),
			Runtime:        rt,
		}),
		coordinator: NewAssignmentCoordinator(AssignmentDependencies{
			TicketRepo:     mem.Tickets(),
			AssignmentRepo: mem.Assignments(),
			HistoryRepo:    mem.History(),
			Runtime:        rt,
		}),
	}
}

func (h *harness) openTicket(t *testing.T, priority domain.TicketPriority) *domain.Ticket {
	t.Helper()
	ticket, err := h.tickets.CreateTicket(context.Background(), client, TicketCreateInput{
		Title:      "Laptop will not boot",
		Priority:   priority,
		CategoryID: 3,
		Location:   "HQ-2",
	})
	if err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}
	return ticket
}
