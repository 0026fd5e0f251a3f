package auth

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/ticket-engine/internal/domain"
	"github.com/spec-kit/ticket-engine/pkg/util"
)

// RequireRoles ensures the principal has one of the allowed roles.
func RequireRoles(allowed ...domain.ActorRole) fiber.Handler {
	allowedSet := make(map[domain.ActorRole]struct{}, len(allowed))
	for _, role := range allowed {
		allowedSet[role] = struct{}{}
	}

	return func(c *fiber.Ctx) error {
		principal, ok := PrincipalFromContext(c)
		if !ok {
			return util.NewUnauthorized("authentication required")
		}
		if len(allowedSet) == 0 {
			return c.Next()
		}
		if _, exists := allowedSet[principal.Role]; !exists {
			return util.NewForbidden("insufficient role")
		}
		return c.Next()
	}
}

// RequireStaff admits agents and admins.
func RequireStaff() fiber.Handler {
	return RequireRoles(domain.RoleAdmin, domain.RoleAgent)
}

// RequireAdmin admits admins only.
func RequireAdmin() fiber.Handler {
	return RequireRoles(domain.RoleAdmin)
}
