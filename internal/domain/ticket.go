package domain

import "time"

// TicketStatus enumerates lifecycle states for tickets.
type TicketStatus string

const (
	TicketStatusOpen                 TicketStatus = "OPEN"
	TicketStatusInProgress           TicketStatus = "IN_PROGRESS"
	TicketStatusWaitingForClient     TicketStatus = "WAITING_FOR_CLIENT"
	TicketStatusWaitingForThirdParty TicketStatus = "WAITING_FOR_THIRD_PARTY"
	TicketStatusResolved             TicketStatus = "RESOLVED"
	TicketStatusClosed               TicketStatus = "CLOSED"
	TicketStatusCancelled            TicketStatus = "CANCELLED"
)

// TicketStatuses lists every defined status.
var TicketStatuses = []TicketStatus{
	TicketStatusOpen,
	TicketStatusInProgress,
	TicketStatusWaitingForClient,
	TicketStatusWaitingForThirdParty,
	TicketStatusResolved,
	TicketStatusClosed,
	TicketStatusCancelled,
}

// Valid reports whether s is one of the defined statuses.
func (s TicketStatus) Valid() bool {
	for _, candidate := range TicketStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s TicketStatus) Terminal() bool {
	return s == TicketStatusClosed || s == TicketStatusCancelled
}

// NonTerminalStatuses returns the statuses the SLA monitor watches.
func NonTerminalStatuses() []TicketStatus {
	out := make([]TicketStatus, 0, len(TicketStatuses))
	for _, s := range TicketStatuses {
		if !s.Terminal() {
			out = append(out, s)
		}
	}
	return out
}

// TicketPriority enumerates SLA urgency.
type TicketPriority string

const (
	TicketPriorityLow      TicketPriority = "LOW"
	TicketPriorityMedium   TicketPriority = "MEDIUM"
	TicketPriorityHigh     TicketPriority = "HIGH"
	TicketPriorityCritical TicketPriority = "CRITICAL"
)

// Valid reports whether p is a known priority.
func (p TicketPriority) Valid() bool {
	switch p {
	case TicketPriorityLow, TicketPriorityMedium, TicketPriorityHigh, TicketPriorityCritical:
		return true
	}
	return false
}

// Ticket is the aggregate for support requests.
type Ticket struct {
	ID                int64
	Number            string
	Title             string
	Description       string
	Priority          TicketPriority
	Status            TicketStatus
	CategoryID        int64
	SubcategoryID     *int64
	ClientID          *string
	AssignedTo        *string
	DueDate           *time.Time
	ResolutionMinutes *int64
	Location          string
	SLAState          BreachState
	SLAPriority       *TicketPriority
	SLACheckedAt      *time.Time
	CreatedAt         time.Time
	ModifiedAt        time.Time
}

// Window returns the materialized SLA window of the ticket.
func (t Ticket) Window() SLAWindow {
	w := SLAWindow{
		TicketID:      t.ID,
		Priority:      t.Priority,
		State:         t.SLAState,
		LastCheckedAt: t.SLACheckedAt,
	}
	if t.SLAPriority != nil {
		w.Priority = *t.SLAPriority
	}
	if t.DueDate != nil {
		w.DueDate = *t.DueDate
	}
	if w.State == "" {
		w.State = BreachStateOnTrack
	}
	return w
}
