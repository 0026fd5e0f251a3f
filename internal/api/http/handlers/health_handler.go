package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/ticket-engine/internal/persistence"
)

// HealthHandler responds to liveness and readiness probes.
type HealthHandler struct {
	serviceName string
	version     string
	postgres    *persistence.Postgres
	redis       *persistence.Redis
}

// NewHealthHandler returns a new handler instance. Either dependency may be
// nil when the engine runs without it.
func NewHealthHandler(serviceName, version string, postgres *persistence.Postgres, redis *persistence.Redis) *HealthHandler {
	return &HealthHandler{serviceName: serviceName, version: version, postgres: postgres, redis: redis}
}

// Live reports service liveness.
func (h *HealthHandler) Live(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "alive",
		"service": h.serviceName,
		"version": h.version,
	})
}

type probe struct {
	name    string
	enabled bool
	off     string
	ping    func(context.Context) error
}

// Ready pings Postgres and Redis. A dependency the engine runs without is
// reported by its fallback mode and never fails readiness.
func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	probes := []probe{
		{name: "postgres", enabled: h.postgres.Enabled(), off: "in_memory", ping: h.postgres.Ping},
		{name: "redis", enabled: h.redis != nil, off: "disabled", ping: h.redis.Ping},
	}
	depStatus := fiber.Map{}
	ready := true
	for _, p := range probes {
		switch {
		case !p.enabled:
			depStatus[p.name] = p.off
		case p.ping(ctx) != nil:
			depStatus[p.name] = "unreachable"
			ready = false
		default:
			depStatus[p.name] = "ok"
		}
	}

	if !ready {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": fiber.Map{
				"code":    "DEPENDENCY_UNAVAILABLE",
				"message": "one or more dependencies unavailable",
				"details": depStatus,
			},
		})
	}
	return c.JSON(fiber.Map{"status": "ready", "dependencies": depStatus})
}
