// Package lifecycle holds the ticket status state machine. It performs no
// I/O; callers persist the returned ticket with a conditional update.
package lifecycle

import (
	"time"

	"github.com/spec-kit/ticket-engine/internal/domain"
	"github.com/spec-kit/ticket-engine/pkg/util"
)

var allowedTransitions = map[domain.TicketStatus][]domain.TicketStatus{
	domain.TicketStatusOpen: {
		domain.TicketStatusInProgress,
		domain.TicketStatusCancelled,
	},
	domain.TicketStatusInProgress: {
		domain.TicketStatusWaitingForClient,
		domain.TicketStatusWaitingForThirdParty,
		domain.TicketStatusResolved,
		domain.TicketStatusCancelled,
	},
	domain.TicketStatusWaitingForClient: {
		domain.TicketStatusInProgress,
		domain.TicketStatusResolved,
		domain.TicketStatusCancelled,
	},
	domain.TicketStatusWaitingForThirdParty: {
		domain.TicketStatusInProgress,
		domain.TicketStatusResolved,
		domain.TicketStatusCancelled,
	},
	domain.TicketStatusResolved: {
		domain.TicketStatusClosed,
		domain.TicketStatusInProgress,
		domain.TicketStatusCancelled,
	},
	domain.TicketStatusClosed:    {},
	domain.TicketStatusCancelled: {},
}

func isStaff(role domain.ActorRole) bool {
	return role == domain.RoleAgent || role == domain.RoleAdmin || role == domain.RoleSystem
}

// permitted applies the per-transition role rules on top of adjacency.
func permitted(from, to domain.TicketStatus, role domain.ActorRole) bool {
	switch to {
	case domain.TicketStatusClosed:
		return isStaff(role) || role == domain.RoleClient
	case domain.TicketStatusCancelled:
		if role == domain.RoleClient {
			return from == domain.TicketStatusOpen
		}
		return isStaff(role)
	default:
		return isStaff(role)
	}
}

// Reachable reports whether to is adjacent to from, ignoring roles.
func Reachable(from, to domain.TicketStatus) bool {
	for _, candidate := range allowedTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// Allowed lists the statuses role may move a ticket to from from.
func Allowed(from domain.TicketStatus, role domain.ActorRole) []domain.TicketStatus {
	out := []domain.TicketStatus{}
	for _, candidate := range allowedTransitions[from] {
		if permitted(from, candidate, role) {
			out = append(out, candidate)
		}
	}
	return out
}

// CanTransition reports whether role may move a ticket from from to to.
func CanTransition(from, to domain.TicketStatus, role domain.ActorRole) bool {
	return Reachable(from, to) && permitted(from, to, role)
}

// Transition validates and applies a status change, returning the
// updated copy. The input ticket is never modified. ModifiedAt is set to
// now; entering Resolved or Closed records the resolution time in whole
// minutes since creation and reopening clears it.
func Transition(ticket domain.Ticket, target domain.TicketStatus, role domain.ActorRole, now time.Time) (domain.Ticket, error) {
	if !target.Valid() {
		return ticket, util.NewValidationError("unknown ticket status", map[string]any{"status": target})
	}
	if !CanTransition(ticket.Status, target, role) {
		return ticket, util.NewInvalidTransition(string(ticket.Status), string(target), statusNames(Allowed(ticket.Status, role)))
	}

	next := ticket
	next.Status = target
	next.ModifiedAt = now
	switch target {
	case domain.TicketStatusResolved, domain.TicketStatusClosed:
		minutes := int64(now.Sub(ticket.CreatedAt) / time.Minute)
		if minutes < 0 {
			minutes = 0
		}
		next.ResolutionMinutes = &minutes
	case domain.TicketStatusInProgress:
		next.ResolutionMinutes = nil
	}
	return next, nil
}

func statusNames(statuses []domain.TicketStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}
