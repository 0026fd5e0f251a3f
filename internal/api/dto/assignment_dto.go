package dto

import (
	"time"

	"github.com/spec-kit/ticket-engine/internal/domain"
)

// AssignmentBatchRequest payload.
type AssignmentBatchRequest struct {
	AgentIDs []string `json:"agent_ids"`
}

// AssignmentResponse describes an assignment request.
type AssignmentResponse struct {
	ID        string                 `json:"id"`
	TicketID  int64                  `json:"ticket_id"`
	AgentID   string                 `json:"agent_id"`
	State     domain.AssignmentState `json:"state"`
	CreatedAt time.Time              `json:"created_at"`
	DecidedAt *time.Time             `json:"decided_at,omitempty"`
}

// AcceptResponse describes a committed accept.
type AcceptResponse struct {
	Request   AssignmentResponse   `json:"request"`
	Ticket    TicketResponse       `json:"ticket"`
	Cancelled []AssignmentResponse `json:"cancelled"`
}

// RejectResponse describes a committed reject.
type RejectResponse struct {
	Request          AssignmentResponse `json:"request"`
	RemainingPending int                `json:"remaining_pending"`
	Unassignable     bool               `json:"unassignable"`
}

// NewAssignmentResponse maps a request.
func NewAssignmentResponse(r domain.AssignmentRequest) AssignmentResponse {
	return AssignmentResponse{
		ID:        r.ID,
		TicketID:  r.TicketID,
		AgentID:   r.AgentID,
		State:     r.State,
		CreatedAt: r.CreatedAt,
		DecidedAt: r.DecidedAt,
	}
}

// NewAssignmentResponses maps requests.
func NewAssignmentResponses(reqs []domain.AssignmentRequest) []AssignmentResponse {
	out := make([]AssignmentResponse, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, NewAssignmentResponse(r))
	}
	return out
}
