package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/ticket-engine/internal/api/dto"
	"github.com/spec-kit/ticket-engine/internal/service"
	"github.com/spec-kit/ticket-engine/internal/sla"
	"github.com/spec-kit/ticket-engine/pkg/util"
)

// TicketsHandler exposes ticket creation and lifecycle endpoints.
type TicketsHandler struct {
	service *service.TicketService
	monitor *sla.Monitor
}

// NewTicketsHandler constructs handler.
func NewTicketsHandler(ticketService *service.TicketService, monitor *sla.Monitor) *TicketsHandler {
	return &TicketsHandler{service: ticketService, monitor: monitor}
}

// CreateTicket POST /tickets.
func (h *TicketsHandler) CreateTicket(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req dto.CreateTicketRequest
	if err := c.BodyParser(&req); err != nil {
		return util.NewValidationError("invalid payload", nil)
	}
	ticket, err := h.service.CreateTicket(c.UserContext(), actor, service.TicketCreateInput{
		Title:         req.Title,
		Description:   req.Description,
		Priority:      req.Priority,
		CategoryID:    req.CategoryID,
		SubcategoryID: req.SubcategoryID,
		ClientID:      req.ClientID,
		Location:      req.Location,
	})
	if err != nil {
		return err
	}
	return respond(c, http.StatusCreated, dto.NewTicketResponse(*ticket), false)
}

// GetTicket GET /tickets/:id.
func (h *TicketsHandler) GetTicket(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := ticketIDParam(c)
	if err != nil {
		return err
	}
	view, err := h.service.GetTicket(c.UserContext(), actor, id)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, dto.TicketDetailResponse{
		TicketResponse: dto.NewTicketResponse(view.Ticket),
		SLA:            dto.NewSLAWindowResponse(view.Window),
	}, view.Degraded)
}

// Transition POST /tickets/:id/transitions.
func (h *TicketsHandler) Transition(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := ticketIDParam(c)
	if err != nil {
		return err
	}
	var req dto.TransitionRequest
	if err := c.BodyParser(&req); err != nil || req.Status == "" {
		return util.NewValidationError("status required", nil)
	}
	ticket, err := h.service.TransitionTicket(c.UserContext(), actor, id, req.Status)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, dto.NewTicketResponse(*ticket), false)
}

// Reschedule POST /tickets/:id/reschedule.
func (h *TicketsHandler) Reschedule(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := ticketIDParam(c)
	if err != nil {
		return err
	}
	var req dto.RescheduleRequest
	if err := c.BodyParser(&req); err != nil {
		return util.NewValidationError("invalid payload", nil)
	}
	if req.Priority == nil && req.DueDate == nil {
		return util.NewValidationError("priority or due_date required", nil)
	}
	ticket, err := h.monitor.Reschedule(c.UserContext(), actor, id, req.Priority, req.DueDate)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, dto.NewTicketResponse(*ticket), false)
}

// History GET /tickets/:id/history.
func (h *TicketsHandler) History(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := ticketIDParam(c)
	if err != nil {
		return err
	}
	res, err := h.service.ListHistory(c.UserContext(), actor, id)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, dto.NewHistoryResponses(res.Value), res.Degraded)
}
