// Package sla computes service-level deadlines and runs the monitor that
// keeps every open ticket's breach state current.
package sla

import (
	"fmt"
	"time"

	"github.com/spec-kit/ticket-engine/internal/config"
	"github.com/spec-kit/ticket-engine/internal/domain"
	"github.com/spec-kit/ticket-engine/pkg/util"
)

// Default response windows per priority.
var defaultWindows = map[domain.TicketPriority]time.Duration{
	domain.TicketPriorityCritical: 4 * time.Hour,
	domain.TicketPriorityHigh:     8 * time.Hour,
	domain.TicketPriorityMedium:   24 * time.Hour,
	domain.TicketPriorityLow:      72 * time.Hour,
}

// DefaultWarningMargin is how long before the due date a ticket turns
// AtRisk.
const DefaultWarningMargin = 30 * time.Minute

var priorityOrder = []domain.TicketPriority{
	domain.TicketPriorityCritical,
	domain.TicketPriorityHigh,
	domain.TicketPriorityMedium,
	domain.TicketPriorityLow,
}

// Policy maps priorities to response windows. The zero value is not
// usable; build one with DefaultPolicy or NewPolicy.
type Policy struct {
	windows map[domain.TicketPriority]time.Duration
	margin  time.Duration
}

// DefaultPolicy returns Critical 4h, High 8h, Medium 24h, Low 72h with a
// 30 minute warning margin.
func DefaultPolicy() Policy {
	windows := make(map[domain.TicketPriority]time.Duration, len(defaultWindows))
	for p, d := range defaultWindows {
		windows[p] = d
	}
	return Policy{windows: windows, margin: DefaultWarningMargin}
}

// NewPolicy overlays file settings and the configured margin on the
// defaults. A margin set in the file wins over margin. Windows must
// stay strictly ordered Critical < High < Medium < Low.
func NewPolicy(settings config.SLAPolicySettings, margin time.Duration) (Policy, error) {
	policy := DefaultPolicy()
	if margin > 0 {
		policy.margin = margin
	}
	if settings.WarningMargin > 0 {
		policy.margin = settings.WarningMargin
	}
	for name, window := range settings.Windows {
		priority := domain.TicketPriority(name)
		if !priority.Valid() {
			return Policy{}, fmt.Errorf("sla policy: unknown priority %q", name)
		}
		policy.windows[priority] = window
	}
	for i := 1; i < len(priorityOrder); i++ {
		tighter, looser := priorityOrder[i-1], priorityOrder[i]
		if policy.windows[tighter] >= policy.windows[looser] {
			return Policy{}, fmt.Errorf("sla policy: %s window (%s) must be shorter than %s window (%s)",
				tighter, policy.windows[tighter], looser, policy.windows[looser])
		}
	}
	return policy, nil
}

// Window returns the response window for priority.
func (p Policy) Window(priority domain.TicketPriority) (time.Duration, error) {
	window, ok := p.windows[priority]
	if !ok {
		return 0, util.NewValidationError("unknown ticket priority", map[string]any{"priority": priority})
	}
	return window, nil
}

// WarningMargin returns the AtRisk lead time.
func (p Policy) WarningMargin() time.Duration { return p.margin }

// ComputeDueDate returns createdAt plus the priority's window. It has no
// side effects.
func (p Policy) ComputeDueDate(priority domain.TicketPriority, createdAt time.Time) (time.Time, error) {
	window, err := p.Window(priority)
	if err != nil {
		return time.Time{}, err
	}
	return createdAt.Add(window), nil
}

// Classify returns the standing of a ticket due at due, observed at now:
// Breached strictly after due, AtRisk within the margin, else OnTrack.
func (p Policy) Classify(due, now time.Time) domain.BreachState {
	switch {
	case now.After(due):
		return domain.BreachStateBreached
	case !now.Before(due.Add(-p.margin)):
		return domain.BreachStateAtRisk
	default:
		return domain.BreachStateOnTrack
	}
}

// Evaluate recomputes the window of ticket at now. The due date already
// stored on the ticket wins over a recomputed one, and the resulting
// state never ranks below the current one.
func (p Policy) Evaluate(ticket domain.Ticket, now time.Time) (domain.SLAWindow, error) {
	window := ticket.Window()
	if ticket.DueDate == nil {
		due, err := p.ComputeDueDate(window.Priority, ticket.CreatedAt)
		if err != nil {
			return domain.SLAWindow{}, err
		}
		window.DueDate = due
	}
	next := p.Classify(window.DueDate, now)
	if window.State.Escalates(next) {
		window.State = next
	}
	checked := now
	window.LastCheckedAt = &checked
	return window, nil
}
