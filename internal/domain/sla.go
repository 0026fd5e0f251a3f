package domain

import "time"

// BreachState is the SLA standing of a ticket.
type BreachState string

const (
	BreachStateOnTrack  BreachState = "ON_TRACK"
	BreachStateAtRisk   BreachState = "AT_RISK"
	BreachStateBreached BreachState = "BREACHED"
)

// rank orders states so that evaluation never moves backwards.
func (s BreachState) rank() int {
	switch s {
	case BreachStateAtRisk:
		return 1
	case BreachStateBreached:
		return 2
	default:
		return 0
	}
}

// Escalates reports whether next is a strictly worse standing than s.
func (s BreachState) Escalates(next BreachState) bool {
	return next.rank() > s.rank()
}

// SLAWindow is the derived deadline view of a ticket.
type SLAWindow struct {
	TicketID      int64
	Priority      TicketPriority
	DueDate       time.Time
	State         BreachState
	LastCheckedAt *time.Time
}

// SLAStats aggregates open tickets by breach state.
type SLAStats struct {
	OnTrack  int `json:"on_track"`
	AtRisk   int `json:"at_risk"`
	Breached int `json:"breached"`
}
