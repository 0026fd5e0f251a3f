package sla

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/ticket-engine/internal/clock"
	"github.com/spec-kit/ticket-engine/internal/domain"
	"github.com/spec-kit/ticket-engine/internal/events"
	"github.com/spec-kit/ticket-engine/internal/observability"
	"github.com/spec-kit/ticket-engine/internal/repository"
	"github.com/spec-kit/ticket-engine/internal/resilience"
	"github.com/spec-kit/ticket-engine/pkg/util"
)

// State is the run state of the monitor.
type State string

const (
	StateRunning State = "RUNNING"
	StateStopped State = "STOPPED"
)

const defaultLockTTL = 2 * time.Minute

// ErrSweepInProgress is returned when a sweep is requested while another
// one is still running in this process.
var ErrSweepInProgress = util.NewConflict("an sla sweep is already running", nil)

// Locker is a lease shared between engine instances so that only one of
// them sweeps at a time.
type Locker interface {
	TryLock(ctx context.Context, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// SweepOutcome summarizes one pass over the open tickets. AtRisk and
// Breached count tickets newly moved into that state.
type SweepOutcome struct {
	Trigger    string    `json:"trigger"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Checked    int       `json:"checked"`
	Unchanged  int       `json:"unchanged"`
	AtRisk     int       `json:"at_risk"`
	Breached   int       `json:"breached"`
	Conflicts  int       `json:"conflicts"`
	Failed     int       `json:"failed"`
	Aborted    bool      `json:"aborted"`
	Skipped    bool      `json:"skipped"`
	Error      string    `json:"error,omitempty"`
}

// Status reports the monitor state.
type Status struct {
	State           State         `json:"state"`
	IntervalSeconds int           `json:"interval_seconds"`
	LastSweepAt     *time.Time    `json:"last_sweep_at,omitempty"`
	LastOutcome     *SweepOutcome `json:"last_outcome,omitempty"`
	Sweeps          int           `json:"sweeps"`
}

// Dependencies bundles what the monitor needs.
type Dependencies struct {
	Tickets    repository.TicketRepository
	History    repository.TicketHistoryRepository
	Store      *resilience.Store
	Policy     Policy
	Dispatcher events.Dispatcher
	Clock      clock.Clock
	Logger     *zap.Logger
	Metrics    *observability.Metrics
	// Locker is optional; without it only the in-process guard applies.
	Locker  Locker
	LockTTL time.Duration
}

// Monitor periodically re-evaluates the SLA window of every open ticket.
// All of its state changes are conditional updates, so several instances
// may run it against the same database.
type Monitor struct {
	tickets    repository.TicketRepository
	history    repository.TicketHistoryRepository
	store      *resilience.Store
	policy     Policy
	dispatcher events.Dispatcher
	clock      clock.Clock
	logger     *zap.Logger
	metrics    *observability.Metrics
	locker     Locker
	lockTTL    time.Duration

	mu          sync.Mutex
	running     bool
	interval    time.Duration
	cancel      context.CancelFunc
	done        chan struct{}
	lastSweepAt *time.Time
	lastOutcome *SweepOutcome
	sweeps      int

	// sweeping prevents overlapping sweeps within the process.
	sweeping sync.Mutex
}

// NewMonitor constructs a stopped monitor.
func NewMonitor(deps Dependencies) *Monitor {
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	lockTTL := deps.LockTTL
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	return &Monitor{
		tickets:    deps.Tickets,
		history:    deps.History,
		store:      deps.Store,
		policy:     deps.Policy,
		dispatcher: deps.Dispatcher,
		clock:      clk,
		logger:     logger.With(zap.String("component", "sla_monitor")),
		metrics:    deps.Metrics,
		locker:     deps.Locker,
		lockTTL:    lockTTL,
	}
}

// Policy returns the policy the monitor evaluates with.
func (m *Monitor) Policy() Policy { return m.policy }

// Start begins sweeping every interval. Starting a running monitor
// changes nothing and returns the current status.
func (m *Monitor) Start(interval time.Duration) (Status, error) {
	if interval <= 0 {
		return Status{}, util.NewValidationError("interval must be positive", map[string]any{"interval_seconds": int(interval / time.Second)})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return m.statusLocked(), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.running = true
	m.interval = interval
	m.cancel = cancel
	m.done = make(chan struct{})

	ticker := m.clock.NewTicker(interval)
	go m.loop(ctx, ticker, m.done)

	m.logger.Info("sla monitor started", zap.Duration("interval", interval))
	return m.statusLocked(), nil
}

// Stop halts the schedule after any in-flight sweep completes, or when
// ctx ends, whichever comes first.
func (m *Monitor) Stop(ctx context.Context) Status {
	m.mu.Lock()
	if !m.running {
		status := m.statusLocked()
		m.mu.Unlock()
		return status
	}
	cancel, done := m.cancel, m.done
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("stop returned before the in-flight sweep finished", zap.Error(ctx.Err()))
	}
	m.logger.Info("sla monitor stopped")
	return m.Status()
}

// Status returns a snapshot of the monitor state.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Monitor) statusLocked() Status {
	status := Status{State: StateStopped, Sweeps: m.sweeps}
	if m.running {
		status.State = StateRunning
		status.IntervalSeconds = int(m.interval / time.Second)
	}
	if m.lastSweepAt != nil {
		at := *m.lastSweepAt
		status.LastSweepAt = &at
	}
	if m.lastOutcome != nil {
		outcome := *m.lastOutcome
		status.LastOutcome = &outcome
	}
	return status
}

func (m *Monitor) loop(ctx context.Context, ticker *clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// The sweep outlives Stop so that it can finish cleanly.
			_, err := m.sweep(context.WithoutCancel(ctx), "scheduled")
			if errors.Is(err, ErrSweepInProgress) {
				m.logger.Debug("skipping scheduled sweep; previous sweep still running")
			}
		}
	}
}

// SweepOnce runs one sweep now.
func (m *Monitor) SweepOnce(ctx context.Context) (SweepOutcome, error) {
	return m.sweep(ctx, "manual")
}

// ForceCheck re-evaluates every open ticket without waiting for the
// schedule.
func (m *Monitor) ForceCheck(ctx context.Context) (SweepOutcome, error) {
	return m.sweep(ctx, "force")
}

func (m *Monitor) sweep(ctx context.Context, trigger string) (SweepOutcome, error) {
	if !m.sweeping.TryLock() {
		return SweepOutcome{Trigger: trigger, Skipped: true}, ErrSweepInProgress
	}
	defer m.sweeping.Unlock()

	outcome := SweepOutcome{Trigger: trigger, StartedAt: m.clock.Now()}

	if m.locker != nil {
		release, ok, err := m.locker.TryLock(ctx, m.lockTTL)
		switch {
		case err != nil:
			// Conditional updates keep concurrent sweeps correct, so a lock
			// outage only costs duplicate reads.
			m.logger.Warn("sweep lock unavailable; sweeping without it", zap.Error(err))
		case !ok:
			outcome.Skipped = true
			outcome.FinishedAt = m.clock.Now()
			m.metrics.RecordSweep("skipped")
			m.logger.Debug("another instance holds the sweep lock")
			return outcome, nil
		default:
			defer func() {
				if err := release(context.WithoutCancel(ctx)); err != nil {
					m.logger.Warn("release sweep lock", zap.Error(err))
				}
			}()
		}
	}

	res, err := resilience.Execute(ctx, m.store, resilience.Operation[[]domain.Ticket]{
		Name: "sla.list_open",
		Run: func(ctx context.Context) ([]domain.Ticket, error) {
			return m.tickets.ListByStatuses(ctx, domain.NonTerminalStatuses())
		},
	}, resilience.Read, resilience.Fallback[[]domain.Ticket]{})
	if err != nil {
		return m.finish(outcome, err), err
	}

	for _, ticket := range res.Value {
		if err := ctx.Err(); err != nil {
			return m.finish(outcome, err), err
		}
		result, err := m.check(ctx, ticket)
		if err != nil {
			if errors.Is(err, util.ErrStorageUnavailable) {
				return m.finish(outcome, err), err
			}
			outcome.Failed++
			m.logger.Warn("sla check failed; continuing sweep", zap.Int64("ticket_id", ticket.ID), zap.Error(err))
			continue
		}
		outcome.Checked++
		switch result {
		case checkConflict:
			outcome.Conflicts++
		case checkAtRisk:
			outcome.AtRisk++
		case checkBreached:
			outcome.Breached++
		default:
			outcome.Unchanged++
		}
	}
	return m.finish(outcome, nil), nil
}

func (m *Monitor) finish(outcome SweepOutcome, err error) SweepOutcome {
	outcome.FinishedAt = m.clock.Now()
	result := "ok"
	if err != nil {
		outcome.Aborted = true
		outcome.Error = err.Error()
		result = "aborted"
		m.logger.Error("sla sweep aborted; remaining tickets skipped until next sweep",
			zap.String("trigger", outcome.Trigger),
			zap.Int("checked", outcome.Checked),
			zap.Error(err),
		)
	} else {
		m.logger.Info("sla sweep finished",
			zap.String("trigger", outcome.Trigger),
			zap.Int("checked", outcome.Checked),
			zap.Int("at_risk", outcome.AtRisk),
			zap.Int("breached", outcome.Breached),
			zap.Int("failed", outcome.Failed),
		)
	}
	m.metrics.RecordSweep(result)

	m.mu.Lock()
	at := outcome.FinishedAt
	m.lastSweepAt = &at
	stored := outcome
	m.lastOutcome = &stored
	m.sweeps++
	m.mu.Unlock()
	return outcome
}

type checkResult int

const (
	checkUnchanged checkResult = iota
	checkAtRisk
	checkBreached
	checkConflict
)

// check evaluates and persists one ticket's window. Intents are emitted
// only by the writer whose conditional update moved the state.
func (m *Monitor) check(ctx context.Context, ticket domain.Ticket) (checkResult, error) {
	previous := ticket.Window().State
	window, err := m.policy.Evaluate(ticket, m.clock.Now())
	if err != nil {
		return checkUnchanged, err
	}

	applied, err := resilience.Execute(ctx, m.store, resilience.Operation[bool]{
		Name: "sla.update",
		Args: []any{ticket.ID},
		Run: func(ctx context.Context) (bool, error) {
			return m.tickets.UpdateSLA(ctx, window, previous)
		},
	}, resilience.Write, resilience.Fallback[bool]{})
	if err != nil {
		return checkUnchanged, err
	}
	m.store.Forget("ticket.get", ticket.ID)
	if !applied.Value {
		return checkConflict, nil
	}
	if !previous.Escalates(window.State) {
		return checkUnchanged, nil
	}

	m.metrics.RecordSLATransition(string(window.State))
	m.recordHistory(ctx, ticket.ID, previous, window)

	intent := events.IntentSLAAtRisk
	result := checkAtRisk
	if window.State == domain.BreachStateBreached {
		intent = events.IntentSLABreached
		result = checkBreached
	}
	m.emit(ctx, events.Event{
		Type:     intent,
		TicketID: ticket.ID,
		Actor:    events.ActorFrom(domain.SystemActor),
		Payload: events.SLAPayload{
			Priority:      window.Priority,
			DueDate:       window.DueDate,
			PreviousState: previous,
			State:         window.State,
			AssignedTo:    ticket.AssignedTo,
			ClientID:      ticket.ClientID,
		},
	})
	return result, nil
}

// CheckTicket re-evaluates a single ticket and returns its window.
// Terminal tickets are returned as stored.
func (m *Monitor) CheckTicket(ctx context.Context, ticketID int64) (domain.SLAWindow, error) {
	ticket, err := m.getTicket(ctx, ticketID)
	if err != nil {
		return domain.SLAWindow{}, err
	}
	if ticket.Status.Terminal() {
		return ticket.Window(), nil
	}
	if _, err := m.check(ctx, *ticket); err != nil {
		return domain.SLAWindow{}, err
	}
	updated, err := m.getTicket(ctx, ticketID)
	if err != nil {
		return domain.SLAWindow{}, err
	}
	return updated.Window(), nil
}

// Reschedule is the only path that resets a ticket's breach state. It
// optionally changes the priority; the due date becomes dueDate, or now
// plus the priority's window, but never earlier than the stored one.
func (m *Monitor) Reschedule(ctx context.Context, actor domain.Actor, ticketID int64, priority *domain.TicketPriority, dueDate *time.Time) (*domain.Ticket, error) {
	now := m.clock.Now()
	ticket, err := m.getTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if ticket.Status.Terminal() {
		return nil, util.NewConflict("ticket is closed", map[string]any{"ticket_id": ticketID, "status": ticket.Status})
	}

	target := ticket.Priority
	if priority != nil {
		if !priority.Valid() {
			return nil, util.NewValidationError("unknown ticket priority", map[string]any{"priority": *priority})
		}
		target = *priority
	}
	var due time.Time
	if dueDate != nil {
		if !dueDate.After(now) {
			return nil, util.NewValidationError("due date must be in the future", map[string]any{"due_date": dueDate})
		}
		due = *dueDate
	} else {
		window, err := m.policy.Window(target)
		if err != nil {
			return nil, err
		}
		due = now.Add(window)
	}

	res, err := resilience.Execute(ctx, m.store, resilience.Operation[*domain.Ticket]{
		Name: "sla.reschedule",
		Args: []any{ticketID},
		Run: func(ctx context.Context) (*domain.Ticket, error) {
			return m.tickets.Reschedule(ctx, ticketID, target, due, now)
		},
	}, resilience.Write, resilience.Fallback[*domain.Ticket]{})
	if err != nil {
		return nil, translate(err, "ticket", ticketID)
	}
	m.store.Forget("ticket.get", ticketID)

	updated := res.Value
	m.appendHistory(ctx, &domain.TicketHistory{
		TicketID:    ticketID,
		ChangedBy:   actor.ID,
		ChangedRole: actor.Role,
		ChangeType:  domain.ChangeTypeReschedule,
		OldValue:    windowValue(ticket.Window()),
		NewValue:    windowValue(updated.Window()),
		CreatedAt:   now,
	})
	return updated, nil
}

// Stats counts open tickets by breach state. When the store is down the
// last cached counts, or zeros, are returned flagged as degraded.
func (m *Monitor) Stats(ctx context.Context) (resilience.Result[domain.SLAStats], error) {
	return resilience.Execute(ctx, m.store, resilience.Operation[domain.SLAStats]{
		Name: "sla.stats",
		Run: func(ctx context.Context) (domain.SLAStats, error) {
			return m.tickets.CountByBreachState(ctx, domain.NonTerminalStatuses())
		},
	}, resilience.Read, resilience.Fallback[domain.SLAStats]{
		Cache:   true,
		Default: func() domain.SLAStats { return domain.SLAStats{} },
	})
}

func (m *Monitor) getTicket(ctx context.Context, id int64) (*domain.Ticket, error) {
	res, err := resilience.Execute(ctx, m.store, resilience.Operation[*domain.Ticket]{
		Name: "ticket.get",
		Args: []any{id},
		Run: func(ctx context.Context) (*domain.Ticket, error) {
			return m.tickets.GetByID(ctx, id)
		},
	}, resilience.Read, resilience.Fallback[*domain.Ticket]{})
	if err != nil {
		return nil, translate(err, "ticket", id)
	}
	return res.Value, nil
}

func (m *Monitor) recordHistory(ctx context.Context, ticketID int64, previous domain.BreachState, window domain.SLAWindow) {
	m.appendHistory(ctx, &domain.TicketHistory{
		TicketID:    ticketID,
		ChangedBy:   domain.SystemActor.ID,
		ChangedRole: domain.SystemActor.Role,
		ChangeType:  domain.ChangeTypeSLA,
		OldValue:    map[string]any{"sla_state": previous},
		NewValue:    windowValue(window),
		CreatedAt:   m.clock.Now(),
	})
}

func (m *Monitor) appendHistory(ctx context.Context, entry *domain.TicketHistory) {
	if m.history == nil {
		return
	}
	err := resilience.Do(ctx, m.store, "history.create", func(ctx context.Context) error {
		return m.history.Create(ctx, entry)
	}, entry.TicketID)
	if err != nil {
		m.logger.Warn("record sla history", zap.Int64("ticket_id", entry.TicketID), zap.Error(err))
	}
}

func (m *Monitor) emit(ctx context.Context, event events.Event) {
	m.metrics.RecordIntent(string(event.Type))
	if m.dispatcher == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = m.clock.Now()
	}
	if err := m.dispatcher.Publish(ctx, event); err != nil {
		m.logger.Warn("deliver notification intent", zap.String("type", string(event.Type)), zap.Int64("ticket_id", event.TicketID), zap.Error(err))
	}
}

func windowValue(w domain.SLAWindow) map[string]any {
	value := map[string]any{
		"sla_state": w.State,
		"priority":  w.Priority,
	}
	if !w.DueDate.IsZero() {
		value["due_date"] = w.DueDate
	}
	return value
}

// translate maps repository sentinels onto domain errors.
func translate(err error, resource string, id any) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return util.NewNotFound(resource, map[string]any{"id": id})
	case errors.Is(err, repository.ErrConflict):
		return util.NewConflict(resource+" changed concurrently", map[string]any{"id": id})
	default:
		return err
	}
}
