package middleware

import (
	"context"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/workit-app/authcore/internal/auth"
)

// BearerResolver validates an Authorization header and returns the identity
// it belongs to.
type BearerResolver interface {
	ResolveBearer(ctx context.Context, authorization string) (auth.AuthUser, error)
}

// RequireAuth returns a middleware that resolves the bearer token and stores
// the user in request locals under auth.UserLocal.
func RequireAuth(resolver BearerResolver) fiber.Handler {
	return func(c *fiber.Ctx) error {
		user, err := resolver.ResolveBearer(c.UserContext(), c.Get(fiber.HeaderAuthorization))
		if err != nil {
			return c.Status(http.StatusUnauthorized).JSON(fiber.Map{"error": auth.ErrInvalidAccessToken.Error()})
		}
		c.Locals(auth.UserLocal, user)
		return c.Next()
	}
}
