package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/workit-app/authcore/internal/auth"
	"github.com/workit-app/authcore/internal/config"
	"github.com/workit-app/authcore/internal/identity"
	"github.com/workit-app/authcore/internal/middleware"
	"github.com/workit-app/authcore/internal/notification"
	"github.com/workit-app/authcore/internal/oauth"
	"github.com/workit-app/authcore/internal/password"
	"github.com/workit-app/authcore/internal/ratelimit"
	"github.com/workit-app/authcore/internal/token"
)

// Deps aggregates shared dependencies required to wire routes. Provisioner
// is nil when wallet provisioning is disabled; DB and Cache are nil only in
// development, where in-memory fallbacks take over.
type Deps struct {
	Cfg         config.Config
	DB          *pgxpool.Pool
	Cache       *redis.Client
	Broker      *oauth.Broker
	Provisioner auth.WalletProvisioner
	Logger      *slog.Logger
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	// Enforce DB/Redis presence outside of dev, even though main also checks.
	if d.Cfg.IsProduction() {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)

	var store identity.Store
	if d.DB != nil {
		store = identity.NewPostgresStore(d.DB)
	} else {
		store = identity.NewMemoryStore()
	}

	var limiter ratelimit.Limiter
	if d.Cache != nil {
		limiter = ratelimit.NewRedisLimiter(d.Cache, d.Cfg.RateLimitMaxRequests, d.Cfg.RateLimitWindow)
	} else {
		limiter = ratelimit.NewMemoryLimiter(d.Cfg.RateLimitMaxRequests, d.Cfg.RateLimitWindow)
	}

	var dispatcher notification.OtpDispatcher
	if d.Cfg.OtpWebhookURL != "" {
		dispatcher = notification.NewWebhookDispatcher(d.Cfg.OtpWebhookURL, d.Cfg.OtpWebhookBearer, nil)
	} else {
		dispatcher = notification.NewLoggerDispatcher(d.Logger)
	}

	hasher := password.NewHasher(d.Cfg.BcryptCost)
	issuer := token.NewIssuer(d.Cfg.AccessTokenSecret, d.Cfg.JWTIssuer, d.Cfg.JWTAudience, d.Cfg.AccessTokenTTL)
	authSvc := auth.NewService(d.Cfg, store, hasher, issuer, d.Broker, limiter, d.Provisioner, dispatcher, d.Logger)
	authHandler := auth.NewHandler(authSvc, d.Cfg.IsProduction())

	api := app.Group("/api")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID, _ := c.Locals("X-Request-ID").(string)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	RegisterAuthRoutes(api, authHandler, middleware.RequireAuth(authSvc))

	return nil
}
