package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/ticket-engine/internal/api/dto"
	"github.com/spec-kit/ticket-engine/internal/service"
	"github.com/spec-kit/ticket-engine/pkg/util"
)

// AssignmentsHandler exposes the offer/accept/reject workflow.
type AssignmentsHandler struct {
	coordinator *service.AssignmentCoordinator
}

// NewAssignmentsHandler constructs handler.
func NewAssignmentsHandler(coordinator *service.AssignmentCoordinator) *AssignmentsHandler {
	return &AssignmentsHandler{coordinator: coordinator}
}

// RequestAssignment POST /tickets/:id/assignments.
func (h *AssignmentsHandler) RequestAssignment(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := ticketIDParam(c)
	if err != nil {
		return err
	}
	var req dto.AssignmentBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return util.NewValidationError("invalid payload", nil)
	}
	requests, err := h.coordinator.RequestAssignment(c.UserContext(), actor, id, req.AgentIDs)
	if err != nil {
		return err
	}
	return respond(c, http.StatusCreated, dto.NewAssignmentResponses(requests), false)
}

// ListForTicket GET /tickets/:id/assignments.
func (h *AssignmentsHandler) ListForTicket(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := ticketIDParam(c)
	if err != nil {
		return err
	}
	res, err := h.coordinator.ListForTicket(c.UserContext(), actor, id)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, dto.NewAssignmentResponses(res.Value), res.Degraded)
}

// ListPending GET /agents/:id/assignments/pending.
func (h *AssignmentsHandler) ListPending(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	res, err := h.coordinator.ListPendingForAgent(c.UserContext(), actor, c.Params("id"))
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, dto.NewAssignmentResponses(res.Value), res.Degraded)
}

// Accept POST /assignments/:id/accept.
func (h *AssignmentsHandler) Accept(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	result, err := h.coordinator.Accept(c.UserContext(), actor, c.Params("id"))
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, dto.AcceptResponse{
		Request:   dto.NewAssignmentResponse(result.Request),
		Ticket:    dto.NewTicketResponse(result.Ticket),
		Cancelled: dto.NewAssignmentResponses(result.Cancelled),
	}, false)
}

// Reject POST /assignments/:id/reject.
func (h *AssignmentsHandler) Reject(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	result, err := h.coordinator.Reject(c.UserContext(), actor, c.Params("id"))
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, dto.RejectResponse{
		Request:          dto.NewAssignmentResponse(result.Request),
		RemainingPending: result.RemainingPending,
		Unassignable:     result.Unassignable,
	}, false)
}
