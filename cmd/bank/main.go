package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banknet/banknet/internal/config"
	"github.com/banknet/banknet/internal/discovery"
	"github.com/banknet/banknet/internal/fake"
	"github.com/banknet/banknet/internal/identity"
	"github.com/banknet/banknet/internal/infra"
	"github.com/banknet/banknet/internal/ledger"
	"github.com/banknet/banknet/internal/logging"
	"github.com/banknet/banknet/internal/participant"
	"github.com/banknet/banknet/internal/routes"
	"github.com/banknet/banknet/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.SWIFT)

	ctx := context.Background()

	var keypair identity.Keypair
	if cfg.PrivateKeyPath != "" && cfg.PublicKeyPath != "" {
		keypair, err = identity.Load(cfg.PrivateKeyPath, cfg.PublicKeyPath)
		if err != nil {
			logger.Error("load keypair", "error", err)
			os.Exit(1)
		}
	} else {
		keypair, err = identity.Generate()
		if err != nil {
			logger.Error("generate keypair", "error", err)
			os.Exit(1)
		}
		logger.Warn("no key paths configured, using an ephemeral keypair")
	}

	var deps routes.Deps
	deps.Cfg = cfg
	deps.Logger = logger
	deps.Signer = identity.NewSigner(keypair)

	if cfg.DatabaseURL != "" {
		db, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("connect postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		store := ledger.NewPostgresStore(db)
		if err := store.EnsureSchema(ctx); err != nil {
			logger.Error("ensure ledger schema", "error", err)
			os.Exit(1)
		}
		deps.DB = db
		deps.Store = store
	} else {
		logger.Warn("no DATABASE_URL, using the in-memory ledger")
		deps.Store = ledger.NewMemoryStore()
	}

	if cfg.RedisURL != "" {
		cache, err := infra.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("connect redis", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		}()
		deps.Cache = cache
	}

	if cfg.ResetAccounts {
		if err := fake.SeedAccounts(ctx, deps.Store, cfg.NumberOfAccounts); err != nil {
			logger.Error("seed accounts", "error", err)
			os.Exit(1)
		}
		logger.Info("accounts reset", "count", cfg.NumberOfAccounts)
	}

	publicPEM, err := keypair.PublicPEM()
	if err != nil {
		logger.Error("encode public key", "error", err)
		os.Exit(1)
	}

	if cfg.RegistryURL != "" {
		client := discovery.NewClient(cfg.RegistryURL, cfg.SendTimeout, 30*time.Second, logger)
		deps.Resolver = client

		registerCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := client.Register(registerCtx, discovery.Record{
			SWIFT:        cfg.SWIFT,
			Name:         cfg.BankName,
			Address:      cfg.BaseURL,
			PublicKeyPEM: publicPEM,
		})
		cancel()
		if err != nil {
			logger.Error("register with registry", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("no REGISTRY_URL, remote instances cannot be resolved")
		deps.Resolver = discovery.StaticResolver{}
	}

	srv, err := server.New(deps)
	if err != nil {
		logger.Error("build server", "error", err)
		os.Exit(1)
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	sweeper := participant.NewSweeper(deps.Store, cfg.SweepInterval, logger)
	go sweeper.Run(sweepCtx)

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
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

	stopSweep()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server exited cleanly")
}
