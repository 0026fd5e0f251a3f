package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/ticket-engine/internal/api/dto"
	"github.com/spec-kit/ticket-engine/internal/sla"
	"github.com/spec-kit/ticket-engine/pkg/util"
)

// SLAHandler controls the SLA monitor.
type SLAHandler struct {
	monitor         *sla.Monitor
	defaultInterval time.Duration
}

// NewSLAHandler constructs handler. defaultInterval is used when a start
// request does not name one.
func NewSLAHandler(monitor *sla.Monitor, defaultInterval time.Duration) *SLAHandler {
	return &SLAHandler{monitor: monitor, defaultInterval: defaultInterval}
}

// Start POST /sla/start.
func (h *SLAHandler) Start(c *fiber.Ctx) error {
	var req dto.StartMonitorRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return util.NewValidationError("invalid payload", nil)
		}
	}
	interval := h.defaultInterval
	if req.IntervalSeconds != 0 {
		interval = time.Duration(req.IntervalSeconds) * time.Second
	}
	status, err := h.monitor.Start(interval)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, status, false)
}

// Stop POST /sla/stop.
func (h *SLAHandler) Stop(c *fiber.Ctx) error {
	return respond(c, http.StatusOK, h.monitor.Stop(c.UserContext()), false)
}

// Status GET /sla/status.
func (h *SLAHandler) Status(c *fiber.Ctx) error {
	return respond(c, http.StatusOK, h.monitor.Status(), false)
}

// Sweep POST /sla/sweep runs one sweep immediately.
func (h *SLAHandler) Sweep(c *fiber.Ctx) error {
	outcome, err := h.monitor.ForceCheck(c.UserContext())
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, outcome, false)
}

// CheckTicket POST /sla/tickets/:id/check.
func (h *SLAHandler) CheckTicket(c *fiber.Ctx) error {
	id, err := ticketIDParam(c)
	if err != nil {
		return err
	}
	window, err := h.monitor.CheckTicket(c.UserContext(), id)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, dto.NewSLAWindowResponse(window), false)
}

// Stats GET /sla/stats.
func (h *SLAHandler) Stats(c *fiber.Ctx) error {
	res, err := h.monitor.Stats(c.UserContext())
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, res.Value, res.Degraded)
}
