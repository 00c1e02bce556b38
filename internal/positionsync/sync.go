// Package positionsync reconciles the local trade ledger against the remote
// exchange's positions. The remote side is authoritative for quantities,
// entry prices and P&L; every mutation here is idempotent toward "converge
// to remote", so overlapping or repeated runs are harmless.
package positionsync

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/lucaserib/Trading-Bot-sub000/internal/domain"
	"github.com/lucaserib/Trading-Bot-sub000/internal/ports"
)

// Report carries the counters of one sync pass, for observability.
type Report struct {
	Synced       int // rows overwritten from the remote snapshot
	Closed       int // rows closed as MANUAL (no remote position behind them)
	Orphans      int // remote positions with no local row (logged, never imported)
	Consolidated int // duplicate rows collapsed into their primary
}

// Syncer is the position sync component. It single-flights itself: a tick
// that starts while another is still running exits immediately.
type Syncer struct {
	logger     ports.Logger
	strategies ports.StrategyRepository
	trades     ports.TradeRepository
	exchanges  ports.ExchangeProvider

	running atomic.Bool
}

// New creates a Syncer.
func New(logger ports.Logger, strategies ports.StrategyRepository, trades ports.TradeRepository, exchanges ports.ExchangeProvider) (*Syncer, error) {
	if logger == nil || strategies == nil || trades == nil || exchanges == nil {
		return nil, fmt.Errorf("missing required dependencies for Syncer")
	}
	return &Syncer{logger: logger, strategies: strategies, trades: trades, exchanges: exchanges}, nil
}

// Run performs one sync pass over every active, credentialed strategy.
// Returns skipped=true when another pass was already in flight.
func (s *Syncer) Run(ctx context.Context) (Report, bool, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debug(ctx, "Position sync already running, tick skipped")
		return Report{}, true, nil
	}
	defer s.running.Store(false)

	var total Report
	strategies, err := s.strategies.FindActive(ctx)
	if err != nil {
		return total, false, fmt.Errorf("failed to load active strategies: %w", err)
	}

	for _, strat := range strategies {
		if !strat.Credentials.HasKeys() || !strat.CanExecute() {
			continue
		}
		report, err := s.syncStrategy(ctx, strat)
		if err != nil {
			// Remote-transient: leave this strategy's rows as they are,
			// the next tick re-attempts.
			s.logger.Error(ctx, err, "Position sync failed for strategy", map[string]interface{}{"strategyID": strat.ID})
			continue
		}
		total.Synced += report.Synced
		total.Closed += report.Closed
		total.Orphans += report.Orphans
		total.Consolidated += report.Consolidated
	}

	if total != (Report{}) {
		s.logger.Info(ctx, "Position sync pass complete", map[string]interface{}{
			"synced": total.Synced, "closed": total.Closed,
			"orphans": total.Orphans, "consolidated": total.Consolidated,
		})
	}
	return total, false, nil
}

func (s *Syncer) syncStrategy(ctx context.Context, strat *domain.Strategy) (Report, error) {
	var report Report

	client, err := s.exchanges.ForStrategy(strat)
	if err != nil {
		return report, fmt.Errorf("failed to resolve exchange: %w", err)
	}

	remote, err := client.GetPositions(ctx, "")
	if err != nil {
		return report, fmt.Errorf("failed to fetch remote positions: %w", err)
	}

	held := make(map[sideKey]bool, len(remote))
	for _, pos := range remote {
		held[sideKey{pos.Symbol, pos.Side}] = true
	}

	matched := make(map[int64]bool)
	for _, pos := range remote {
		if err := s.reconcilePosition(ctx, strat, client, pos, held, matched, &report); err != nil {
			s.logger.Error(ctx, err, "Failed to reconcile remote position", map[string]interface{}{"strategyID": strat.ID, "symbol": pos.Symbol})
		}
	}

	// Second duplicate pass: concurrent order execution may have inserted
	// another row for an already-consolidated position while the first
	// pass was running.
	for _, pos := range remote {
		if err := s.consolidate(ctx, strat, client, pos, matched, &report); err != nil {
			s.logger.Error(ctx, err, "Duplicate re-check failed", map[string]interface{}{"strategyID": strat.ID, "symbol": pos.Symbol})
		}
	}

	if err := s.closeDangling(ctx, strat, client, matched, &report); err != nil {
		return report, err
	}
	return report, nil
}

// sideKey identifies one side of one symbol in the remote snapshot.
type sideKey struct {
	symbol string
	side   domain.OrderSide
}

// reconcilePosition aligns the local rows for one remote position. held
// carries every (symbol, side) present in the remote snapshot, so a local
// row is never re-sided onto a position while its own side still exists
// remotely.
func (s *Syncer) reconcilePosition(ctx context.Context, strat *domain.Strategy, client ports.ExchangeClient, pos ports.Position, held map[sideKey]bool, matched map[int64]bool, report *Report) error {
	locals, err := s.trades.FindOpen(ctx, strat.ID, pos.Symbol, pos.Side)
	if err != nil {
		return fmt.Errorf("failed to query local trades: %w", err)
	}

	if len(locals) == 0 {
		// A side mismatch is only a plausible explanation when this is the
		// sole position on the symbol and the strategy cannot legitimately
		// hold both sides. If the account also holds the opposite side, that
		// remote position will claim the local row itself; stealing it here
		// would flip the row back and forth on every pass.
		if !strat.HedgeMode && !held[sideKey{pos.Symbol, pos.Side.Opposite()}] {
			flipped, err := s.trades.FindOpen(ctx, strat.ID, pos.Symbol, pos.Side.Opposite())
			if err != nil {
				return fmt.Errorf("failed to query opposite-side trades: %w", err)
			}
			if len(flipped) > 0 {
				local := flipped[0]
				s.logger.Warn(ctx, "Local side disagrees with remote, correcting", map[string]interface{}{
					"tradeID": local.ID, "localSide": local.Side, "remoteSide": pos.Side,
				})
				local.Side = pos.Side
				locals = []*domain.Trade{local}
			}
		}
		if len(locals) == 0 {
			// Orphan positions are never auto-imported: several strategies
			// may share one account and only order execution creates rows.
			s.logger.Warn(ctx, "Remote position has no local trade (orphan), not importing", map[string]interface{}{
				"strategyID": strat.ID, "symbol": pos.Symbol, "side": pos.Side, "size": pos.Size,
			})
			report.Orphans++
			return nil
		}
	}

	primary := locals[0]
	if s.overwriteFromRemote(primary, pos) {
		if err := s.trades.Update(ctx, primary); err != nil {
			return fmt.Errorf("failed to persist synced trade %d: %w", primary.ID, err)
		}
		report.Synced++
	}
	matched[primary.ID] = true

	for _, dup := range locals[1:] {
		if err := s.closeDuplicate(ctx, client, dup); err != nil {
			return err
		}
		matched[dup.ID] = true
		report.Consolidated++
	}
	return nil
}

// consolidate re-runs duplicate detection for one remote position.
func (s *Syncer) consolidate(ctx context.Context, strat *domain.Strategy, client ports.ExchangeClient, pos ports.Position, matched map[int64]bool, report *Report) error {
	locals, err := s.trades.FindOpen(ctx, strat.ID, pos.Symbol, pos.Side)
	if err != nil {
		return fmt.Errorf("failed to query local trades: %w", err)
	}
	if len(locals) <= 1 {
		return nil
	}
	// Oldest row stays primary; FindOpen orders by creation time.
	for _, dup := range locals[1:] {
		if err := s.closeDuplicate(ctx, client, dup); err != nil {
			return err
		}
		matched[dup.ID] = true
		report.Consolidated++
	}
	return nil
}

// overwriteFromRemote copies the authoritative remote fields onto the local
// row. Reports whether anything actually changed, keeping repeat runs free
// of writes.
func (s *Syncer) overwriteFromRemote(trade *domain.Trade, pos ports.Position) bool {
	changed := trade.Quantity != pos.Size ||
		trade.EntryPrice != pos.EntryPrice ||
		trade.Side != pos.Side
	trade.Quantity = pos.Size
	trade.EntryPrice = pos.EntryPrice
	trade.Side = pos.Side
	// Remote unrealized P&L only overwrites rows with no realized slices
	// yet; after a partial take-profit the accumulated realized P&L is the
	// local ledger's to keep.
	if trade.LastTpLevel == 0 && trade.Pnl != pos.UnrealizedPnl {
		trade.Pnl = pos.UnrealizedPnl
		changed = true
	}
	return changed
}

// closeDuplicate closes a surplus row as a zero-pnl MANUAL closure after
// best-effort cancellation of its protective orders.
func (s *Syncer) closeDuplicate(ctx context.Context, client ports.ExchangeClient, dup *domain.Trade) error {
	s.cancelProtective(ctx, client, dup)
	dup.Quantity = 0
	dup.Pnl = 0
	dup.StopLoss = domain.ProtectiveOrderState{}
	dup.TakeProfit = domain.ProtectiveOrderState{}
	dup.Close(dup.EntryPrice, domain.CloseReasonManual, time.Now().UTC())
	if err := s.trades.Update(ctx, dup); err != nil {
		return fmt.Errorf("failed to persist consolidated duplicate %d: %w", dup.ID, err)
	}
	s.logger.Info(ctx, "Duplicate trade consolidated", map[string]interface{}{"tradeID": dup.ID, "symbol": dup.Symbol})
	return nil
}

// closeDangling closes every local OPEN trade with no matching remote
// position, unless its entry order is a LIMIT still waiting to fill.
func (s *Syncer) closeDangling(ctx context.Context, strat *domain.Strategy, client ports.ExchangeClient, matched map[int64]bool, report *Report) error {
	locals, err := s.trades.FindOpenByStrategy(ctx, strat.ID)
	if err != nil {
		return fmt.Errorf("failed to query open trades: %w", err)
	}

	for _, trade := range locals {
		if matched[trade.ID] {
			continue
		}

		if trade.Type == domain.OrderTypeLimit && trade.OrderID != "" {
			status, err := client.GetOrderStatus(ctx, trade.Symbol, trade.OrderID)
			if err != nil {
				s.logger.Warn(ctx, "Entry order status unknown, leaving trade for next tick", map[string]interface{}{"tradeID": trade.ID, "error": err.Error()})
				continue
			}
			if status != nil && (*status == domain.OrderStatusNew || *status == domain.OrderStatusPartiallyFilled) {
				continue // not yet an active position
			}
		}

		s.cancelProtective(ctx, client, trade)

		exitPrice, err := client.GetLastFillPrice(ctx, trade.Symbol)
		if err != nil || exitPrice == 0 {
			exitPrice, err = client.GetTickerPrice(ctx, trade.Symbol)
			if err != nil {
				s.logger.Warn(ctx, "No exit price available, using entry price", map[string]interface{}{"tradeID": trade.ID, "error": err.Error()})
				exitPrice = trade.EntryPrice
			}
		}

		trade.Realize(exitPrice, trade.Quantity)
		trade.Quantity = 0
		trade.StopLoss = domain.ProtectiveOrderState{}
		trade.TakeProfit = domain.ProtectiveOrderState{}
		trade.Close(exitPrice, domain.CloseReasonManual, time.Now().UTC())
		if err := s.trades.Update(ctx, trade); err != nil {
			return fmt.Errorf("failed to persist manual close for trade %d: %w", trade.ID, err)
		}
		report.Closed++
		s.logger.Info(ctx, "Trade closed as manual (no remote position)", map[string]interface{}{"tradeID": trade.ID, "symbol": trade.Symbol, "exitPrice": exitPrice})
	}
	return nil
}

// cancelProtective best-effort cancels every order referenced by the trade's
// protective state. Failures are logged, not propagated: the orders may have
// been filled or cancelled already.
func (s *Syncer) cancelProtective(ctx context.Context, client ports.ExchangeClient, trade *domain.Trade) {
	cancel := func(id string) {
		if err := client.CancelOrder(ctx, trade.Symbol, id); err != nil {
			s.logger.Debug(ctx, "Protective order cancel failed (may already be gone)", map[string]interface{}{"tradeID": trade.ID, "orderID": id, "error": err.Error()})
		}
	}
	for _, state := range []domain.ProtectiveOrderState{trade.StopLoss, trade.TakeProfit} {
		switch state.Kind {
		case domain.ProtectiveSingleOrder:
			cancel(state.OrderID)
		case domain.ProtectiveLadder:
			for _, rung := range state.Rungs {
				cancel(rung.OrderID)
			}
		}
	}
}
