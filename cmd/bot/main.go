package main

import (
	"context"
	"log"

	"github.com/lucaserib/Trading-Bot-sub000/config"
	"github.com/lucaserib/Trading-Bot-sub000/internal/adapters/binanceclient"
	"github.com/lucaserib/Trading-Bot-sub000/internal/adapters/exchange"
	"github.com/lucaserib/Trading-Bot-sub000/internal/adapters/logger"
	"github.com/lucaserib/Trading-Bot-sub000/internal/adapters/sqlite"
	"github.com/lucaserib/Trading-Bot-sub000/internal/app"
	"github.com/lucaserib/Trading-Bot-sub000/internal/execution"
	"github.com/lucaserib/Trading-Bot-sub000/internal/monitor"
	"github.com/lucaserib/Trading-Bot-sub000/internal/normalizer"
	"github.com/lucaserib/Trading-Bot-sub000/internal/positionsync"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: failed to load configuration: %v", err)
	}

	appLogger := logger.New(logger.Config{
		Level:      cfg.LogLevel,
		Output:     cfg.LogOutput,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	defer appLogger.Sync()
	ctx := context.Background()
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel})

	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: appLogger})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: failed to initialize database repository")
		log.Fatalf("FATAL: failed to initialize database repository: %v", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(ctx, err, "Error closing database repository")
		}
	}()

	factory := exchange.NewFactory(appLogger)

	// Symbol rules come from the public exchange-info endpoint; no
	// credentials are needed, and unknown symbols fall back to safe
	// defaults inside the normalizer.
	rulesClient, err := binanceclient.New(binanceclient.Config{Logger: appLogger})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: failed to initialize symbol rules client")
		log.Fatalf("FATAL: failed to initialize symbol rules client: %v", err)
	}
	norm := normalizer.New(rulesClient, appLogger)

	executor, err := execution.New(execution.Config{
		FlipSettleDelay: cfg.FlipSettleDelay,
		MinNotional:     cfg.MinNotional,
	}, appLogger, repo, repo, factory, norm)
	if err != nil {
		log.Fatalf("FATAL: failed to initialize executor: %v", err)
	}

	syncer, err := positionsync.New(appLogger, repo, repo, factory)
	if err != nil {
		log.Fatalf("FATAL: failed to initialize position sync: %v", err)
	}

	tpMonitor, err := monitor.NewTakeProfitMonitor(appLogger, repo, repo, factory, norm)
	if err != nil {
		log.Fatalf("FATAL: failed to initialize take-profit monitor: %v", err)
	}
	slMonitor, err := monitor.NewStopLossMonitor(cfg.BreakEvenOffsetPct, appLogger, repo, repo, factory, norm)
	if err != nil {
		log.Fatalf("FATAL: failed to initialize stop-loss monitor: %v", err)
	}

	service, err := app.NewService(cfg, appLogger, executor, syncer, tpMonitor, slMonitor)
	if err != nil {
		log.Fatalf("FATAL: failed to initialize application service: %v", err)
	}

	if err := service.Start(ctx); err != nil {
		appLogger.Error(ctx, err, "Service exited with error")
		log.Fatalf("FATAL: service exited with error: %v", err)
	}
}
