package domain

import "time"

// TicketChangeType captures what changed in a history entry.
type TicketChangeType string

const (
	ChangeTypeStatus     TicketChangeType = "STATUS_CHANGE"
	ChangeTypeAssignee   TicketChangeType = "ASSIGNEE_CHANGE"
	ChangeTypeSLA        TicketChangeType = "SLA_CHANGE"
	ChangeTypeReschedule TicketChangeType = "SLA_RESCHEDULE"
)

// TicketHistory is an immutable audit trail entry.
type TicketHistory struct {
	ID          string
	TicketID    int64
	ChangedBy   string
	ChangedRole ActorRole
	ChangeType  TicketChangeType
	OldValue    map[string]any
	NewValue    map[string]any
	CreatedAt   time.Time
}
