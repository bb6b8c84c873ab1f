package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/workit-app/authcore/internal/auth"
)

// RegisterAuthRoutes wires the authentication endpoints under /auth. The
// refresh cookie is scoped to this prefix.
func RegisterAuthRoutes(r fiber.Router, h *auth.Handler, requireAuth fiber.Handler) {
	group := r.Group("/auth")
	group.Post("/register", h.Register)
	group.Post("/login", h.Login)
	group.Post("/oauth/:provider", h.OAuth)
	group.Post("/otp/request", h.RequestOtp)
	group.Post("/otp/verify", h.VerifyOtp)
	group.Post("/refresh", h.Refresh)
	group.Post("/logout", h.Logout)
	group.Get("/me", requireAuth, h.Me)
}
