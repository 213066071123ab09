package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/mkessler/leapsbot/internal/broker"
	"github.com/mkessler/leapsbot/internal/config"
	"github.com/mkessler/leapsbot/internal/dashboard"
	"github.com/mkessler/leapsbot/internal/engine"
	"github.com/mkessler/leapsbot/internal/ledger"
	"github.com/mkessler/leapsbot/internal/logger"
	"github.com/mkessler/leapsbot/internal/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// Optional .env for local development; the config file expands ${VAR}s.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logger.Setup(cfg.Environment.LogLevel, cfg.Environment.LogFile)
	log.WithField("mode", cfg.Environment.Mode).Info("starting leaps engine")

	cfgStore, err := config.NewStore(cfg)
	if err != nil {
		return fmt.Errorf("initializing config store: %w", err)
	}

	db, err := storage.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer db.Close()

	led, err := ledger.New(db, log)
	if err != nil {
		return fmt.Errorf("loading ledger: %w", err)
	}

	restClient := broker.NewRESTClient(cfg.Broker.APIEndpoint, cfg.Broker.APIKey,
		cfg.Broker.AccountID, cfg.GetOrderTimeout(), log)
	brk := broker.NewCircuitBreakerBroker(restClient, log)

	eng := engine.New(cfgStore, brk, led, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Start(ctx)
	})
	if cfg.Dashboard.Port > 0 {
		addr := fmt.Sprintf(":%d", cfg.Dashboard.Port)
		dash := dashboard.New(addr, cfg.Dashboard.AuthToken, cfgStore, led, eng, brk, log)
		g.Go(func() error {
			return dash.Start(ctx)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("shutdown complete")
	return nil
}
