// Package app wires the engine's components together and drives them: the
// position sync loop, the two protective-order monitors, and the signal
// execution entry point.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lucaserib/Trading-Bot-sub000/config"
	"github.com/lucaserib/Trading-Bot-sub000/internal/domain"
	"github.com/lucaserib/Trading-Bot-sub000/internal/execution"
	"github.com/lucaserib/Trading-Bot-sub000/internal/monitor"
	"github.com/lucaserib/Trading-Bot-sub000/internal/ports"
	"github.com/lucaserib/Trading-Bot-sub000/internal/positionsync"
)

// Service orchestrates the reconciliation engine.
type Service struct {
	cfg       *config.Config
	logger    ports.Logger
	executor  *execution.Executor
	syncer    *positionsync.Syncer
	tpMonitor *monitor.TakeProfitMonitor
	slMonitor *monitor.StopLossMonitor
}

// NewService creates the application service.
func NewService(
	cfg *config.Config,
	logger ports.Logger,
	executor *execution.Executor,
	syncer *positionsync.Syncer,
	tpMonitor *monitor.TakeProfitMonitor,
	slMonitor *monitor.StopLossMonitor,
) (*Service, error) {
	if cfg == nil || logger == nil || executor == nil || syncer == nil || tpMonitor == nil || slMonitor == nil {
		return nil, fmt.Errorf("missing required dependencies for Service")
	}
	return &Service{
		cfg:       cfg,
		logger:    logger,
		executor:  executor,
		syncer:    syncer,
		tpMonitor: tpMonitor,
		slMonitor: slMonitor,
	}, nil
}

// ProcessSignal executes one trading signal. It is safe to call while the
// background loops are running; the ledger-first write order keeps the sync
// loop from importing the new position as a duplicate.
func (s *Service) ProcessSignal(ctx context.Context, sig *domain.Signal) (*domain.Trade, error) {
	return s.executor.Execute(ctx, sig)
}

// Start runs the sync and monitor loops until the context is cancelled or a
// shutdown signal arrives. An initial sync pass runs before the first
// monitor tick so the monitors start from a reconciled ledger.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting reconciliation engine", map[string]interface{}{
		"syncInterval":    s.cfg.SyncInterval.String(),
		"monitorInterval": s.cfg.MonitorInterval.String(),
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	s.runSync(ctx)

	syncTicker := time.NewTicker(s.cfg.SyncInterval)
	defer syncTicker.Stop()
	monitorTicker := time.NewTicker(s.cfg.MonitorInterval)
	defer monitorTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(context.Background(), "Reconciliation engine stopped")
			return nil
		case <-syncTicker.C:
			s.runSync(ctx)
		case <-monitorTicker.C:
			s.runMonitors(ctx)
		}
	}
}

func (s *Service) runSync(ctx context.Context) {
	report, skipped, err := s.syncer.Run(ctx)
	if err != nil {
		s.logger.Error(ctx, err, "Position sync pass failed")
		return
	}
	if skipped {
		return
	}
	if report.Synced+report.Closed+report.Orphans+report.Consolidated > 0 {
		s.logger.Info(ctx, "Position sync pass completed", map[string]interface{}{
			"synced": report.Synced, "closed": report.Closed,
			"orphans": report.Orphans, "consolidated": report.Consolidated,
		})
	}
}

func (s *Service) runMonitors(ctx context.Context) {
	// Take-profit first so a ladder fill ratchets the stop on the same tick.
	if err := s.tpMonitor.Run(ctx); err != nil {
		s.logger.Error(ctx, err, "Take-profit monitor pass failed")
	}
	if err := s.slMonitor.Run(ctx); err != nil {
		s.logger.Error(ctx, err, "Stop-loss monitor pass failed")
	}
}
