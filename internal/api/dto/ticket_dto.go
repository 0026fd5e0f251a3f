package dto

import (
	"time"

	"github.com/spec-kit/ticket-engine/internal/domain"
)

// CreateTicketRequest payload.
type CreateTicketRequest struct {
	Title         string                `json:"title"`
	Description   string                `json:"description"`
	Priority      domain.TicketPriority `json:"priority"`
	CategoryID    int64                 `json:"category_id"`
	SubcategoryID *int64                `json:"subcategory_id"`
	ClientID      *string               `json:"client_id"`
	Location      string                `json:"location"`
}

// TransitionRequest payload.
type TransitionRequest struct {
	Status domain.TicketStatus `json:"status"`
}

// RescheduleRequest payload. Both fields are optional.
type RescheduleRequest struct {
	Priority *domain.TicketPriority `json:"priority"`
	DueDate  *time.Time             `json:"due_date"`
}

// TicketResponse describes a ticket.
type TicketResponse struct {
	ID                int64                 `json:"id"`
	Number            string                `json:"number"`
	Title             string                `json:"title"`
	Description       string                `json:"description"`
	Priority          domain.TicketPriority `json:"priority"`
	Status            domain.TicketStatus   `json:"status"`
	CategoryID        int64                 `json:"category_id"`
	SubcategoryID     *int64                `json:"subcategory_id,omitempty"`
	ClientID          *string               `json:"client_id,omitempty"`
	AssignedTo        *string               `json:"assigned_to"`
	DueDate           *time.Time            `json:"due_date"`
	ResolutionMinutes *int64                `json:"resolution_minutes,omitempty"`
	Location          string                `json:"location,omitempty"`
	CreatedAt         time.Time             `json:"created_at"`
	ModifiedAt        time.Time             `json:"modified_at"`
}

// SLAWindowResponse describes the SLA window of a ticket.
type SLAWindowResponse struct {
	TicketID      int64                 `json:"ticket_id"`
	Priority      domain.TicketPriority `json:"priority"`
	DueDate       time.Time             `json:"due_date"`
	State         domain.BreachState    `json:"state"`
	LastCheckedAt *time.Time            `json:"last_checked_at,omitempty"`
}

// TicketDetailResponse is a ticket with its SLA window.
type TicketDetailResponse struct {
	TicketResponse
	SLA SLAWindowResponse `json:"sla"`
}

// HistoryResponse is one audit entry.
type HistoryResponse struct {
	ID          string                  `json:"id"`
	ChangedBy   string                  `json:"changed_by"`
	ChangedRole domain.ActorRole        `json:"changed_role"`
	ChangeType  domain.TicketChangeType `json:"change_type"`
	OldValue    map[string]any          `json:"old_value"`
	NewValue    map[string]any          `json:"new_value"`
	CreatedAt   time.Time               `json:"created_at"`
}

// NewTicketResponse maps a ticket.
func NewTicketResponse(t domain.Ticket) TicketResponse {
	return TicketResponse{
		ID:                t.ID,
		Number:            t.Number,
		Title:             t.Title,
		Description:       t.Description,
		Priority:          t.Priority,
		Status:            t.Status,
		CategoryID:        t.CategoryID,
		SubcategoryID:     t.SubcategoryID,
		ClientID:          t.ClientID,
		AssignedTo:        t.AssignedTo,
		DueDate:           t.DueDate,
		ResolutionMinutes: t.ResolutionMinutes,
		Location:          t.Location,
		CreatedAt:         t.CreatedAt,
		ModifiedAt:        t.ModifiedAt,
	}
}

// NewSLAWindowResponse maps a window.
func NewSLAWindowResponse(w domain.SLAWindow) SLAWindowResponse {
	return SLAWindowResponse{
		TicketID:      w.TicketID,
		Priority:      w.Priority,
		DueDate:       w.DueDate,
		State:         w.State,
		LastCheckedAt: w.LastCheckedAt,
	}
}

// NewHistoryResponses maps audit entries.
func NewHistoryResponses(entries []domain.TicketHistory) []HistoryResponse {
	out := make([]HistoryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, HistoryResponse{
			ID:          e.ID,
			ChangedBy:   e.ChangedBy,
			ChangedRole: e.ChangedRole,
			ChangeType:  e.ChangeType,
			OldValue:    e.OldValue,
			NewValue:    e.NewValue,
			CreatedAt:   e.CreatedAt,
		})
	}
	return out
}
