package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/banknet/banknet/internal/config"
	"github.com/banknet/banknet/internal/discovery"
	"github.com/banknet/banknet/internal/identity"
	"github.com/banknet/banknet/internal/ledger"
	"github.com/banknet/banknet/internal/middleware"
	"github.com/banknet/banknet/internal/notification"
	"github.com/banknet/banknet/internal/participant"
	"github.com/banknet/banknet/internal/transfer"
)

// Deps aggregates shared dependencies required to wire the bank service.
type Deps struct {
	Cfg      config.Config
	DB       *pgxpool.Pool
	Cache    *redis.Client
	Logger   *slog.Logger
	Store    ledger.Store
	Resolver discovery.Resolver
	Signer   *identity.Signer
}

// Setup configures middlewares and all bank-service routes.
func Setup(app *fiber.App, d Deps) error {
	if !d.Cfg.IsDev() {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}
	if d.Store == nil || d.Resolver == nil || d.Signer == nil {
		return fmt.Errorf("store, resolver and signer are required")
	}

	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	if d.Cache != nil {
		app.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}

	RegisterHealthRoutes(app, d)

	// Participant side: inbound protocol messages.
	var replayStore participant.ReplayStore
	if d.Cache != nil {
		replayStore = participant.NewRedisReplayStore(d.Cache, d.Cfg.IdempotencyTTL)
	} else {
		replayStore = participant.NewMemoryReplayStore()
	}
	participantSvc := participant.NewService(d.Store, replayStore, d.Resolver, d.Cfg.ReservationTTL, d.Logger)
	participantHandler := participant.NewHandler(participantSvc)

	proto := app.Group("/protocol")
	proto.Post("/prepare", participantHandler.Prepare)
	proto.Post("/commit", participantHandler.Commit)
	proto.Post("/abort", participantHandler.Abort)
	proto.Post("/query", participantHandler.Query)

	// Coordinator side: the client-facing transfer API.
	notifier := notification.NewLoggerNotifier(d.Logger)
	transferSvc := transfer.NewService(d.Cfg.SWIFT, d.Store, d.Signer, d.Resolver,
		transfer.NewHTTPClient(), notifier, transfer.Options{
			SendTimeout:    d.Cfg.SendTimeout,
			RetryBudget:    d.Cfg.RetryBudget,
			ReservationTTL: d.Cfg.ReservationTTL,
		}, d.Logger)
	transferHandler := transfer.NewHandler(transferSvc)
	accountHandler := ledger.NewHandler(d.Store)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID, _ := c.Locals("X-Request-ID").(string)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"swift":      d.Cfg.SWIFT,
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	api.Post("/transfers", transferHandler.Initiate)
	api.Get("/transfers/:id", transferHandler.Status)
	api.Post("/transfers/:id/cancel", transferHandler.Cancel)

	admin := api.Group("", middleware.OperatorAuth(d.Cfg.AdminTokenHash))
	admin.Get("/accounts", accountHandler.List)
	admin.Get("/accounts/:id", accountHandler.Get)

	return nil
}
