package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spec-kit/ticket-engine/internal/api/http/handlers"
	"github.com/spec-kit/ticket-engine/internal/auth"
	"github.com/spec-kit/ticket-engine/internal/observability"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Tickets        *handlers.TicketsHandler
	Assignments    *handlers.AssignmentsHandler
	SLA            *handlers.SLAHandler
	AuthMiddleware *auth.AuthMiddleware
	// Metrics is optional; /metrics is only mounted when set.
	Metrics *observability.Metrics
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	if cfg.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(cfg.Metrics.Registry(), promhttp.HandlerOpts{})))
	}

	api := app.Group("/api/v1", cfg.AuthMiddleware.Handle, auth.RequireRoles())

	tickets := api.Group("/tickets")
	tickets.Post("", cfg.Tickets.CreateTicket)
	tickets.Get("/:id", cfg.Tickets.GetTicket)
	tickets.Post("/:id/transitions", cfg.Tickets.Transition)
	tickets.Post("/:id/reschedule", auth.RequireStaff(), cfg.Tickets.Reschedule)
	tickets.Get("/:id/history", auth.RequireStaff(), cfg.Tickets.History)
	tickets.Post("/:id/assignments", auth.RequireStaff(), cfg.Assignments.RequestAssignment)
	tickets.Get("/:id/assignments", auth.RequireStaff(), cfg.Assignments.ListForTicket)

	api.Get("/agents/:id/assignments/pending", auth.RequireStaff(), cfg.Assignments.ListPending)
	api.Post("/assignments/:id/accept", auth.RequireStaff(), cfg.Assignments.Accept)
	api.Post("/assignments/:id/reject", auth.RequireStaff(), cfg.Assignments.Reject)

	slaGroup := api.Group("/sla")
	slaGroup.Get("/stats", auth.RequireStaff(), cfg.SLA.Stats)
	slaGroup.Post("/start", auth.RequireAdmin(), cfg.SLA.Start)
	slaGroup.Post("/stop", auth.RequireAdmin(), cfg.SLA.Stop)
	slaGroup.Get("/status", auth.RequireAdmin(), cfg.SLA.Status)
	slaGroup.Post("/sweep", auth.RequireAdmin(), cfg.SLA.Sweep)
	slaGroup.Post("/tickets/:id/check", auth.RequireAdmin(), cfg.SLA.CheckTicket)
}
