package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/banknet/banknet/internal/config"
	"github.com/banknet/banknet/internal/infra"
	"github.com/banknet/banknet/internal/logging"
	"github.com/banknet/banknet/internal/middleware"
	"github.com/banknet/banknet/internal/registry"
)

func main() {
	cfg, err := config.LoadRegistry()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, "registry")

	ctx := context.Background()

	var repo registry.Repository
	if cfg.DatabaseURL != "" {
		db, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("connect postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		pgRepo := registry.NewPostgresRepository(db)
		if err := pgRepo.EnsureSchema(ctx); err != nil {
			logger.Error("ensure registry schema", "error", err)
			os.Exit(1)
		}
		repo = pgRepo
	} else {
		logger.Warn("no DATABASE_URL, using the in-memory repository")
		repo = registry.NewMemoryRepository()
	}

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	registry.Setup(app, repo, cfg.BaseURL)

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- app.Listen(cfg.Address())
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErrCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("registry exited cleanly")
}
