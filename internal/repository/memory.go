package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/ticket-engine/internal/domain"
)

// Memory is an in-process store backing all repositories. It is used
// when no Postgres DSN is configured and as the storage fake in tests.
// A single mutex makes every conditional update atomic.
type Memory struct {
	mu           sync.Mutex
	nextTicketID int64
	tickets      map[int64]domain.Ticket
	requests     map[string]domain.AssignmentRequest
	requestOrder []string
	history      []domain.TicketHistory
	fault        func(op string) error
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		tickets:  make(map[int64]domain.Ticket),
		requests: make(map[string]domain.AssignmentRequest),
	}
}

// InjectFault installs a hook consulted before every operation. A non-nil
// return fails the operation with that error. Pass nil to clear it.
func (m *Memory) InjectFault(fn func(op string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = fn
}

// Tickets returns the ticket repository view.
func (m *Memory) Tickets() TicketRepository { return memoryTickets{m} }

// Assignments returns the assignment repository view.
func (m *Memory) Assignments() AssignmentRepository { return memoryAssignments{m} }

// History returns the history repository view.
func (m *Memory) History() TicketHistoryRepository { return memoryHistory{m} }

// begin locks the store and runs the fault hook. Callers must unlock.
func (m *Memory) begin(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.fault != nil {
		if err := m.fault(op); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	return nil
}

type memoryTickets struct{ m *Memory }

func (r memoryTickets) Create(ctx context.Context, ticket *domain.Ticket) error {
	if err := r.m.begin(ctx, "tickets.create"); err != nil {
		return err
	}
	defer r.m.mu.Unlock()
	for _, existing := range r.m.tickets {
		if existing.Number == ticket.Number {
			return ErrConflict
		}
	}
	r.m.nextTicketID++
	ticket.ID = r.m.nextTicketID
	if ticket.ModifiedAt.IsZero() {
		ticket.ModifiedAt = ticket.CreatedAt
	}
	r.m.tickets[ticket.ID] = cloneTicket(*ticket)
	return nil
}

func (r memoryTickets) GetByID(ctx context.Context, id int64) (*domain.Ticket, error) {
	if err := r.m.begin(ctx, "tickets.get"); err != nil {
		return nil, err
	}
	defer r.m.mu.Unlock()
	ticket, ok := r.m.tickets[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneTicket(ticket)
	return &out, nil
}

func (r memoryTickets) ListByStatuses(ctx context.Context, statuses []domain.TicketStatus) ([]domain.Ticket, error) {
	if err := r.m.begin(ctx, "tickets.list"); err != nil {
		return nil, err
	}
	defer r.m.mu.Unlock()
	result := []domain.Ticket{}
	for _, ticket := range r.m.tickets {
		if hasStatus(statuses, ticket.Status) {
			result = append(result, cloneTicket(ticket))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (r memoryTickets) UpdateStatus(ctx context.Context, ticket *domain.Ticket, expected domain.TicketStatus) error {
	if err := r.m.begin(ctx, "tickets.update_status"); err != nil {
		return err
	}
	defer r.m.mu.Unlock()
	stored, ok := r.m.tickets[ticket.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Status != expected {
		return ErrConflict
	}
	stored.Status = ticket.Status
	stored.ResolutionMinutes = cloneInt64(ticket.ResolutionMinutes)
	stored.ModifiedAt = ticket.ModifiedAt
	r.m.tickets[ticket.ID] = stored
	return nil
}

func (r memoryTickets) UpdateSLA(ctx context.Context, window domain.SLAWindow, expected domain.BreachState) (bool, error) {
	if err := r.m.begin(ctx, "tickets.update_sla"); err != nil {
		return false, err
	}
	defer r.m.mu.Unlock()
	stored, ok := r.m.tickets[window.TicketID]
	if !ok || stored.Status.Terminal() || stored.Window().State != expected {
		return false, nil
	}
	if stored.DueDate == nil {
		due := window.DueDate
		stored.DueDate = &due
	}
	if stored.SLAPriority == nil {
		priority := window.Priority
		stored.SLAPriority = &priority
	}
	stored.SLAState = window.State
	stored.SLACheckedAt = cloneTime(window.LastCheckedAt)
	r.m.tickets[window.TicketID] = stored
	return true, nil
}

func (r memoryTickets) Reschedule(ctx context.Context, id int64, priority domain.TicketPriority, due, now time.Time) (*domain.Ticket, error) {
	if err := r.m.begin(ctx, "tickets.reschedule"); err != nil {
		return nil, err
	}
	defer r.m.mu.Unlock()
	stored, ok := r.m.tickets[id]
	if !ok {
		return nil, ErrNotFound
	}
	if stored.DueDate != nil && stored.DueDate.After(due) {
		due = *stored.DueDate
	}
	stored.Priority = priority
	stored.SLAPriority = &priority
	stored.DueDate = &due
	stored.SLAState = domain.BreachStateOnTrack
	checked := now
	stored.SLACheckedAt = &checked
	stored.ModifiedAt = now
	r.m.tickets[id] = stored
	out := cloneTicket(stored)
	return &out, nil
}

func (r memoryTickets) CountByBreachState(ctx context.Context, statuses []domain.TicketStatus) (domain.SLAStats, error) {
	if err := r.m.begin(ctx, "tickets.count_sla"); err != nil {
		return domain.SLAStats{}, err
	}
	defer r.m.mu.Unlock()
	var stats domain.SLAStats
	for _, ticket := range r.m.tickets {
		if !hasStatus(statuses, ticket.Status) {
			continue
		}
		switch ticket.Window().State {
		case domain.BreachStateBreached:
			stats.Breached++
		case domain.BreachStateAtRisk:
			stats.AtRisk++
		default:
			stats.OnTrack++
		}
	}
	return stats, nil
}

type memoryAssignments struct{ m *Memory }

func (r memoryAssignments) CreateBatch(ctx context.Context, ticketID int64, requests []domain.AssignmentRequest) error {
	if err := r.m.begin(ctx, "assignments.create_batch"); err != nil {
		return err
	}
	defer r.m.mu.Unlock()
	ticket, ok := r.m.tickets[ticketID]
	if !ok {
		return ErrNotFound
	}
	if ticket.Status.Terminal() || ticket.AssignedTo != nil || r.m.pendingCount(ticketID) > 0 {
		return ErrConflict
	}
	for _, req := range requests {
		if _, exists := r.m.requests[req.ID]; exists {
			return ErrConflict
		}
	}
	for _, req := range requests {
		req.TicketID = ticketID
		r.m.requests[req.ID] = req
		r.m.requestOrder = append(r.m.requestOrder, req.ID)
	}
	return nil
}

func (r memoryAssignments) GetByID(ctx context.Context, id string) (*domain.AssignmentRequest, error) {
	if err := r.m.begin(ctx, "assignments.get"); err != nil {
		return nil, err
	}
	defer r.m.mu.Unlock()
	req, ok := r.m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &req, nil
}

func (r memoryAssignments) ListPendingByAgent(ctx context.Context, agentID string) ([]domain.AssignmentRequest, error) {
	if err := r.m.begin(ctx, "assignments.list_pending"); err != nil {
		return nil, err
	}
	defer r.m.mu.Unlock()
	return r.m.filterRequests(func(req domain.AssignmentRequest) bool {
		return req.AgentID == agentID && req.State == domain.AssignmentPending
	}), nil
}

func (r memoryAssignments) ListByTicket(ctx context.Context, ticketID int64) ([]domain.AssignmentRequest, error) {
	if err := r.m.begin(ctx, "assignments.list_ticket"); err != nil {
		return nil, err
	}
	defer r.m.mu.Unlock()
	return r.m.filterRequests(func(req domain.AssignmentRequest) bool {
		return req.TicketID == ticketID
	}), nil
}

func (r memoryAssignments) Accept(ctx context.Context, cmd AcceptCommand) (*AcceptOutcome, error) {
	if err := r.m.begin(ctx, "assignments.accept"); err != nil {
		return nil, err
	}
	defer r.m.mu.Unlock()
	req, ok := r.m.requests[cmd.RequestID]
	if !ok {
		return nil, ErrNotFound
	}
	if req.State != domain.AssignmentPending {
		if req.State == domain.AssignmentAccepted && sameToken(req.DecisionToken, cmd.Token) {
			return &AcceptOutcome{Request: req, Replayed: true}, nil
		}
		return nil, &NotPendingError{RequestID: req.ID, State: req.State}
	}
	ticket, ok := r.m.tickets[req.TicketID]
	if !ok {
		return nil, ErrNotFound
	}
	if ticket.Status != cmd.ExpectedStatus || ticket.AssignedTo != nil {
		return nil, ErrConflict
	}

	decided := cmd.DecidedAt
	token := cmd.Token
	req.State = domain.AssignmentAccepted
	req.DecidedAt = &decided
	req.DecisionToken = &token
	r.m.requests[req.ID] = req

	cancelled := []domain.AssignmentRequest{}
	for _, id := range r.m.requestOrder {
		sibling := r.m.requests[id]
		if sibling.TicketID != req.TicketID || sibling.State != domain.AssignmentPending {
			continue
		}
		sibling.State = domain.AssignmentCancelled
		sibling.DecidedAt = &decided
		r.m.requests[id] = sibling
		cancelled = append(cancelled, sibling)
	}

	ticket.Status = cmd.Ticket.Status
	ticket.AssignedTo = cloneString(cmd.Ticket.AssignedTo)
	ticket.ResolutionMinutes = cloneInt64(cmd.Ticket.ResolutionMinutes)
	ticket.ModifiedAt = cmd.Ticket.ModifiedAt
	r.m.tickets[ticket.ID] = ticket

	return &AcceptOutcome{Request: req, Cancelled: cancelled}, nil
}

func (r memoryAssignments) Reject(ctx context.Context, cmd RejectCommand) (*RejectOutcome, error) {
	if err := r.m.begin(ctx, "assignments.reject"); err != nil {
		return nil, err
	}
	defer r.m.mu.Unlock()
	req, ok := r.m.requests[cmd.RequestID]
	if !ok {
		return nil, ErrNotFound
	}
	replayed := false
	switch {
	case req.State == domain.AssignmentPending:
		decided := cmd.DecidedAt
		token := cmd.Token
		req.State = domain.AssignmentRejected
		req.DecidedAt = &decided
		req.DecisionToken = &token
		r.m.requests[req.ID] = req
	case req.State == domain.AssignmentRejected && sameToken(req.DecisionToken, cmd.Token):
		replayed = true
	default:
		return nil, &NotPendingError{RequestID: req.ID, State: req.State}
	}
	return &RejectOutcome{Request: req, RemainingPending: r.m.pendingCount(req.TicketID), Replayed: replayed}, nil
}

func (r memoryAssignments) CancelPendingForTicket(ctx context.Context, ticketID int64, decidedAt time.Time) ([]domain.AssignmentRequest, error) {
	if err := r.m.begin(ctx, "assignments.cancel_pending"); err != nil {
		return nil, err
	}
	defer r.m.mu.Unlock()
	cancelled := []domain.AssignmentRequest{}
	for _, id := range r.m.requestOrder {
		req := r.m.requests[id]
		if req.TicketID != ticketID || req.State != domain.AssignmentPending {
			continue
		}
		decided := decidedAt
		req.State = domain.AssignmentCancelled
		req.DecidedAt = &decided
		r.m.requests[id] = req
		cancelled = append(cancelled, req)
	}
	return cancelled, nil
}

type memoryHistory struct{ m *Memory }

func (r memoryHistory) Create(ctx context.Context, history *domain.TicketHistory) error {
	if err := r.m.begin(ctx, "history.create"); err != nil {
		return err
	}
	defer r.m.mu.Unlock()
	if history.ID == "" {
		history.ID = uuid.NewString()
	}
	r.m.history = append(r.m.history, *history)
	return nil
}

func (r memoryHistory) ListByTicket(ctx context.Context, ticketID int64) ([]domain.TicketHistory, error) {
	if err := r.m.begin(ctx, "history.list"); err != nil {
		return nil, err
	}
	defer r.m.mu.Unlock()
	result := []domain.TicketHistory{}
	for _, entry := range r.m.history {
		if entry.TicketID == ticketID {
			result = append(result, entry)
		}
	}
	return result, nil
}

func (m *Memory) pendingCount(ticketID int64) int {
	count := 0
	for _, req := range m.requests {
		if req.TicketID == ticketID && req.State == domain.AssignmentPending {
			count++
		}
	}
	return count
}

func (m *Memory) filterRequests(keep func(domain.AssignmentRequest) bool) []domain.AssignmentRequest {
	result := []domain.AssignmentRequest{}
	for _, id := range m.requestOrder {
		if req := m.requests[id]; keep(req) {
			result = append(result, req)
		}
	}
	return result
}

func hasStatus(statuses []domain.TicketStatus, status domain.TicketStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func cloneTicket(t domain.Ticket) domain.Ticket {
	t.SubcategoryID = cloneInt64(t.SubcategoryID)
	t.ClientID = cloneString(t.ClientID)
	t.AssignedTo = cloneString(t.AssignedTo)
	t.DueDate = cloneTime(t.DueDate)
	t.ResolutionMinutes = cloneInt64(t.ResolutionMinutes)
	t.SLACheckedAt = cloneTime(t.SLACheckedAt)
	if t.SLAPriority != nil {
		p := *t.SLAPriority
		t.SLAPriority = &p
	}
	return t
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
