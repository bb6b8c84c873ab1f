package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/workit-app/authcore/internal/identity"
	"github.com/workit-app/authcore/internal/oauth"
)

// RefreshCookieName is the HTTP-only cookie carrying the raw refresh token.
// It is scoped to the auth routes so it never rides along on API calls.
const (
	RefreshCookieName = "workit_refresh_token"
	refreshCookiePath = "/api/auth"
)

// UserLocal is the fiber locals key under which the auth middleware stores
// the resolved user.
const UserLocal = "auth_user"

// Handler exposes the auth flows over HTTP.
type Handler struct {
	svc        *Service
	production bool
}

// NewHandler constructs the auth HTTP handler.
func NewHandler(svc *Service, production bool) *Handler {
	return &Handler{svc: svc, production: production}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	User                 AuthUser `json:"user"`
	AccessToken          string   `json:"accessToken"`
	AccessTokenExpiresAt string   `json:"accessTokenExpiresAt"`
}

// Register creates an email/password account.
func (h *Handler) Register(c *fiber.Ctx) error {
	var req credentialsRequest
	if err := c.BodyParser(&req); err != nil {
		return errorResponse(c, errors.New("Invalid request body"), http.StatusBadRequest)
	}
	session, err := h.svc.Register(c.UserContext(), req.Email, req.Password, sessionContext(c))
	if err != nil {
		return errorResponse(c, err, http.StatusBadRequest)
	}
	return h.sessionResponse(c, http.StatusCreated, session)
}

// Login verifies an email/password credential.
func (h *Handler) Login(c *fiber.Ctx) error {
	var req credentialsRequest
	if err := c.BodyParser(&req); err != nil {
		return errorResponse(c, errors.New("Invalid request body"), http.StatusBadRequest)
	}
	session, err := h.svc.Login(c.UserContext(), req.Email, req.Password, sessionContext(c))
	if err != nil {
		return errorResponse(c, err, http.StatusBadRequest)
	}
	return h.sessionResponse(c, http.StatusOK, session)
}

type oauthRequest struct {
	IDToken        string `json:"idToken"`
	Code           string `json:"code"`
	CodeVerifier   string `json:"codeVerifier"`
	ProviderUserID string `json:"providerUserId"`
	Email          string `json:"email"`
}

// OAuth authenticates against the provider named in the route parameter.
func (h *Handler) OAuth(c *fiber.Ctx) error {
	provider := identity.Provider(c.Params("provider"))
	var req oauthRequest
	if err := c.BodyParser(&req); err != nil {
		return errorResponse(c, errors.New("Invalid request body"), http.StatusBadRequest)
	}
	session, err := h.svc.AuthenticateOAuth(c.UserContext(), oauth.Input{
		Provider:       provider,
		IDToken:        req.IDToken,
		Code:           req.Code,
		CodeVerifier:   req.CodeVerifier,
		ProviderUserID: req.ProviderUserID,
		Email:          req.Email,
	}, sessionContext(c))
	if err != nil {
		return errorResponse(c, err, http.StatusBadRequest)
	}
	return h.sessionResponse(c, http.StatusOK, session)
}

type otpRequestRequest struct {
	Email string `json:"email"`
}

type otpRequestResponse struct {
	ChallengeID string `json:"challengeId"`
	ExpiresAt   string `json:"expiresAt"`
	DebugCode   string `json:"debugCode,omitempty"`
}

// RequestOtp creates an email login-code challenge.
func (h *Handler) RequestOtp(c *fiber.Ctx) error {
	var req otpRequestRequest
	if err := c.BodyParser(&req); err != nil {
		return errorResponse(c, errors.New("Invalid request body"), http.StatusBadRequest)
	}
	challenge, err := h.svc.RequestEmailOtp(c.UserContext(), req.Email, sessionContext(c))
	if err != nil {
		return errorResponse(c, err, http.StatusBadRequest)
	}
	return c.Status(http.StatusOK).JSON(otpRequestResponse{
		ChallengeID: challenge.ChallengeID,
		ExpiresAt:   challenge.ExpiresAt.UTC().Format(time.RFC3339),
		DebugCode:   challenge.DebugCode,
	})
}

type otpVerifyRequest struct {
	ChallengeID string `json:"challengeId"`
	Email       string `json:"email"`
	Code        string `json:"code"`
}

// VerifyOtp checks a submitted login code and signs the email in.
func (h *Handler) VerifyOtp(c *fiber.Ctx) error {
	var req otpVerifyRequest
	if err := c.BodyParser(&req); err != nil {
		return errorResponse(c, errors.New("Invalid request body"), http.StatusBadRequest)
	}
	session, err := h.svc.VerifyEmailOtp(c.UserContext(), req.ChallengeID, req.Email, req.Code, sessionContext(c))
	if err != nil {
		return errorResponse(c, err, http.StatusBadRequest)
	}
	return h.sessionResponse(c, http.StatusOK, session)
}

// Refresh rotates the refresh token presented in the cookie.
func (h *Handler) Refresh(c *fiber.Ctx) error {
	session, err := h.svc.Rotate(c.UserContext(), c.Cookies(RefreshCookieName), sessionContext(c))
	if err != nil {
		return errorResponse(c, err, http.StatusBadRequest)
	}
	return h.sessionResponse(c, http.StatusOK, session)
}

// Logout revokes the presented refresh token and clears the cookie.
func (h *Handler) Logout(c *fiber.Ctx) error {
	if err := h.svc.Revoke(c.UserContext(), c.Cookies(RefreshCookieName)); err != nil {
		return errorResponse(c, err, http.StatusBadRequest)
	}
	h.clearRefreshCookie(c)
	return c.Status(http.StatusOK).JSON(fiber.Map{"status": "logged_out"})
}

// Me returns the authenticated user resolved by the RequireAuth middleware.
func (h *Handler) Me(c *fiber.Ctx) error {
	user, ok := c.Locals(UserLocal).(AuthUser)
	if !ok {
		return errorResponse(c, ErrInvalidAccessToken, http.StatusUnauthorized)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"user": user})
}

func (h *Handler) sessionResponse(c *fiber.Ctx, status int, session Session) error {
	h.setRefreshCookie(c, session.Tokens.RefreshToken, session.Tokens.RefreshTokenExpiresAt)
	return c.Status(status).JSON(sessionResponse{
		User:                 session.User,
		AccessToken:          session.Tokens.AccessToken,
		AccessTokenExpiresAt: session.Tokens.AccessTokenExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) setRefreshCookie(c *fiber.Ctx, value string, expires time.Time) {
	c.Cookie(&fiber.Cookie{
		Name:     RefreshCookieName,
		Value:    value,
		Expires:  expires,
		Path:     refreshCookiePath,
		HTTPOnly: true,
		Secure:   h.production,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
}

func (h *Handler) clearRefreshCookie(c *fiber.Ctx) {
	c.Cookie(&fiber.Cookie{
		Name:     RefreshCookieName,
		Value:    "",
		Expires:  time.Unix(0, 0),
		Path:     refreshCookiePath,
		HTTPOnly: true,
		Secure:   h.production,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
}

// errorResponse renders the standard {error: message} body. Messages that
// indicate invalid or expired credentials map to 401; everything else uses
// the handler's fallback status, except rate limiting which is always 429.
func errorResponse(c *fiber.Ctx, err error, fallback int) error {
	message := err.Error()
	status := fallback
	switch {
	case errors.Is(err, ErrRateLimited):
		status = http.StatusTooManyRequests
	case strings.Contains(message, "Invalid"), strings.Contains(message, "expired"):
		status = http.StatusUnauthorized
	default:
		var verr *ValidationError
		if !errors.As(err, &verr) && !isClientError(err) {
			// Internal failures keep their 5xx shape and a generic message.
			message = "Authentication error"
			status = http.StatusInternalServerError
		}
	}
	return c.Status(status).JSON(fiber.Map{"error": message})
}

func isClientError(err error) bool {
	return errors.Is(err, ErrEmailTaken) ||
		errors.Is(err, ErrOtpLockedOut) ||
		errors.Is(err, ErrOtpChallengeInvalid) ||
		errors.Is(err, ErrOtpCodeInvalid)
}

// sessionContext extracts client metadata. The first X-Forwarded-For hop
// wins when present, matching proxy deployments.
func sessionContext(c *fiber.Ctx) SessionContext {
	ip := c.Get("X-Forwarded-For")
	if ip != "" {
		if idx := strings.IndexByte(ip, ','); idx >= 0 {
			ip = ip[:idx]
		}
		ip = strings.TrimSpace(ip)
	} else {
		ip = c.IP()
	}
	return SessionContext{IPAddress: ip, UserAgent: c.Get(fiber.HeaderUserAgent)}
}
