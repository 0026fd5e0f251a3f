package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/ticket-engine/internal/auth"
	"github.com/spec-kit/ticket-engine/internal/domain"
	"github.com/spec-kit/ticket-engine/pkg/util"
)

// DegradedHeader marks responses served from a fallback.
const DegradedHeader = "X-Data-Degraded"

func actorFrom(c *fiber.Ctx) (domain.Actor, error) {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return domain.Actor{}, util.NewUnauthorized("authentication required")
	}
	return principal.Actor(), nil
}

func ticketIDParam(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, util.NewValidationError("invalid ticket id", map[string]any{"id": c.Params("id")})
	}
	return id, nil
}

// respond writes the data envelope, flagging fallback answers.
func respond(c *fiber.Ctx, status int, data any, degraded bool) error {
	body := fiber.Map{"data": data}
	if degraded {
		c.Set(DegradedHeader, "true")
		body["degraded"] = true
	}
	return c.Status(status).JSON(body)
}
