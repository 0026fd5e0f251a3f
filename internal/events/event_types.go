package events

import (
	"time"

	"github.com/spec-kit/ticket-engine/internal/domain"
)

// EventType enumerates the notification intents and events the engine
// emits. Delivery is left to the subscribed sinks.
type EventType string

const (
	IntentAssignmentOffered  EventType = "assignment_offered"
	IntentAssignmentAccepted EventType = "assignment_accepted"
	IntentSLABreached        EventType = "sla_breached"
	IntentSLAAtRisk          EventType = "sla_at_risk"
	IntentUnassignable       EventType = "unassignable"
	EventTicketStatusChanged EventType = "ticket_status_changed"
)

// AllTypes lists every type a sink may receive.
var AllTypes = []EventType{
	IntentAssignmentOffered,
	IntentAssignmentAccepted,
	IntentSLABreached,
	IntentSLAAtRisk,
	IntentUnassignable,
	EventTicketStatusChanged,
}

// Actor encapsulates actor metadata for an event.
type Actor struct {
	ID   string           `json:"id"`
	Role domain.ActorRole `json:"role"`
}

// ActorFrom converts a domain actor.
func ActorFrom(actor domain.Actor) Actor {
	return Actor{ID: actor.ID, Role: actor.Role}
}

// Event represents an intent emitted by the engine.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	TicketID  int64     `json:"ticket_id"`
	Actor     Actor     `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// AssignmentOfferedPayload is sent once per candidate agent.
type AssignmentOfferedPayload struct {
	RequestID string                `json:"request_id"`
	AgentID   string                `json:"agent_id"`
	Priority  domain.TicketPriority `json:"priority"`
}

// AssignmentAcceptedPayload payload.
type AssignmentAcceptedPayload struct {
	RequestID           string   `json:"request_id"`
	AgentID             string   `json:"agent_id"`
	ClientID            *string  `json:"client_id,omitempty"`
	CancelledRequestIDs []string `json:"cancelled_request_ids,omitempty"`
}

// SLAPayload is shared by the breach and at-risk intents.
type SLAPayload struct {
	Priority      domain.TicketPriority `json:"priority"`
	DueDate       time.Time             `json:"due_date"`
	PreviousState domain.BreachState    `json:"previous_state"`
	State         domain.BreachState    `json:"state"`
	AssignedTo    *string               `json:"assigned_to,omitempty"`
	ClientID      *string               `json:"client_id,omitempty"`
}

// UnassignablePayload reports that every candidate rejected the ticket.
type UnassignablePayload struct {
	LastRequestID string `json:"last_request_id"`
	LastAgentID   string `json:"last_agent_id"`
}

// TicketStatusChangedPayload payload.
type TicketStatusChangedPayload struct {
	OldStatus  domain.TicketStatus `json:"old_status"`
	NewStatus  domain.TicketStatus `json:"new_status"`
	AssignedTo *string             `json:"assigned_to,omitempty"`
	ClientID   *string             `json:"client_id,omitempty"`
}
