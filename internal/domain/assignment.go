package domain

import "time"

// AssignmentState enumerates the states of an assignment request.
type AssignmentState string

const (
	AssignmentPending   AssignmentState = "PENDING"
	AssignmentAccepted  AssignmentState = "ACCEPTED"
	AssignmentRejected  AssignmentState = "REJECTED"
	AssignmentCancelled AssignmentState = "CANCELLED"
)

// AssignmentRequest offers a ticket to one candidate agent.
type AssignmentRequest struct {
	ID        string
	TicketID  int64
	AgentID   string
	State     AssignmentState
	CreatedAt time.Time
	DecidedAt *time.Time
	// DecisionToken identifies the call that terminated the request so a
	// retried write from the same call can be recognised.
	DecisionToken *string
}
