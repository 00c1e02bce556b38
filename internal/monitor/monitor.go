// Package monitor hosts the per-trade protective-order state machines. Each
// monitor ticks independently over the OPEN rows of the ledger; for every
// trade it runs in one of three mutually exclusive modes derived from the
// stored protective state: position-level (poll position size), per-order /
// ladder (poll order statuses), or manual (poll price and close ourselves).
//
// Monitors never take locks on trade rows. A close that races with the sync
// loop or the executor is harmless: the terminal transition is guarded by a
// status check and the exchange rejects a reduce-only close of a flat
// position.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/lucaserib/Trading-Bot-sub000/internal/domain"
	"github.com/lucaserib/Trading-Bot-sub000/internal/normalizer"
	"github.com/lucaserib/Trading-Bot-sub000/internal/ports"
)

// deps are the collaborators shared by both monitors.
type deps struct {
	logger     ports.Logger
	strategies ports.StrategyRepository
	trades     ports.TradeRepository
	exchanges  ports.ExchangeProvider
	norm       *normalizer.Normalizer
}

func (d *deps) validate() error {
	if d.logger == nil || d.strategies == nil || d.trades == nil || d.exchanges == nil || d.norm == nil {
		return fmt.Errorf("missing required dependencies for monitor")
	}
	return nil
}

// tradeContext resolves the strategy and exchange client for one open trade.
// Strategies are cached per tick so a ladder of trades on one strategy does
// not hammer the repository.
type tradeContext struct {
	strat  *domain.Strategy
	client ports.ExchangeClient
}

func (d *deps) resolve(ctx context.Context, cache map[int64]*tradeContext, trade *domain.Trade) (*tradeContext, error) {
	if tc, ok := cache[trade.StrategyID]; ok {
		return tc, nil
	}
	strat, err := d.strategies.FindByID(ctx, trade.StrategyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load strategy %d: %w", trade.StrategyID, err)
	}
	if strat == nil || !strat.CanExecute() {
		cache[trade.StrategyID] = nil
		return nil, nil
	}
	client, err := d.exchanges.ForStrategy(strat)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve exchange for strategy %d: %w", trade.StrategyID, err)
	}
	tc := &tradeContext{strat: strat, client: client}
	cache[trade.StrategyID] = tc
	return tc, nil
}

// exitPrice fetches the best available closing price: last fill first,
// ticker as fallback, entry price as the final resort.
func (d *deps) exitPrice(ctx context.Context, client ports.ExchangeClient, trade *domain.Trade) float64 {
	if price, err := client.GetLastFillPrice(ctx, trade.Symbol); err == nil && price > 0 {
		return price
	}
	if price, err := client.GetTickerPrice(ctx, trade.Symbol); err == nil && price > 0 {
		return price
	}
	d.logger.Warn(ctx, "No exit price available, falling back to entry price", map[string]interface{}{"tradeID": trade.ID})
	return trade.EntryPrice
}

// remotePositionSize returns the current remote size for the trade's
// symbol/side, and whether the lookup succeeded.
func (d *deps) remotePositionSize(ctx context.Context, client ports.ExchangeClient, trade *domain.Trade) (float64, bool) {
	positions, err := client.GetPositions(ctx, trade.Symbol)
	if err != nil {
		d.logger.Warn(ctx, "Position size lookup failed, treating as unknown", map[string]interface{}{"tradeID": trade.ID, "error": err.Error()})
		return 0, false
	}
	for _, p := range positions {
		if p.Side == trade.Side {
			return p.Size, true
		}
	}
	return 0, true
}

// closeTrade finalizes a trade: realizes remaining quantity, performs the
// terminal transition and persists. Cancels the sibling protective state's
// orders best-effort first.
func (d *deps) closeTrade(ctx context.Context, client ports.ExchangeClient, trade *domain.Trade, exitPrice float64, reason domain.CloseReason) error {
	if !trade.IsOpen() {
		return nil
	}
	d.cancelState(ctx, client, trade, trade.StopLoss)
	d.cancelState(ctx, client, trade, trade.TakeProfit)

	if trade.Quantity > 0 {
		trade.Realize(exitPrice, trade.Quantity)
	}
	trade.Quantity = 0
	trade.StopLoss = domain.ProtectiveOrderState{}
	trade.TakeProfit = domain.ProtectiveOrderState{}
	trade.Close(exitPrice, reason, time.Now().UTC())
	if err := d.trades.Update(ctx, trade); err != nil {
		return fmt.Errorf("failed to persist close for trade %d: %w", trade.ID, err)
	}
	d.logger.Info(ctx, "Trade closed", map[string]interface{}{
		"tradeID": trade.ID, "symbol": trade.Symbol, "reason": reason,
		"exitPrice": exitPrice, "pnl": trade.Pnl,
	})
	return nil
}

// cancelState best-effort cancels the orders referenced by a protective
// state. Orders already filled or cancelled fail harmlessly.
func (d *deps) cancelState(ctx context.Context, client ports.ExchangeClient, trade *domain.Trade, state domain.ProtectiveOrderState) {
	cancel := func(id string) {
		if err := client.CancelOrder(ctx, trade.Symbol, id); err != nil {
			d.logger.Debug(ctx, "Protective order cancel failed (may already be gone)", map[string]interface{}{"tradeID": trade.ID, "orderID": id, "error": err.Error()})
		}
	}
	switch state.Kind {
	case domain.ProtectiveSingleOrder:
		cancel(state.OrderID)
	case domain.ProtectiveLadder:
		for _, rung := range state.Rungs {
			cancel(rung.OrderID)
		}
	}
}

// reduceClose issues a reduce-only market order for qty and reports whether
// it was accepted. Rejections against an already-flat position are logged
// and reported as not-done; the sync loop will converge the row.
func (d *deps) reduceClose(ctx context.Context, client ports.ExchangeClient, trade *domain.Trade, qty float64) bool {
	qtyStr, ok := d.norm.Quantity(ctx, trade.Symbol, qty)
	if !ok {
		return false
	}
	_, err := client.PlaceOrder(ctx, ports.OrderRequest{
		Symbol:     trade.Symbol,
		Side:       trade.Side.Opposite(),
		Type:       domain.OrderTypeMarket,
		Quantity:   qtyStr,
		ReduceOnly: true,
	})
	if err != nil {
		d.logger.Warn(ctx, "Reduce-only close rejected", map[string]interface{}{"tradeID": trade.ID, "qty": qty, "error": err.Error()})
		return false
	}
	return true
}

// crossed reports whether price has reached trigger on the favorable side
// for the trade (up for BUY, down for SELL).
func crossed(side domain.OrderSide, price, trigger float64) bool {
	if side == domain.Buy {
		return price >= trigger
	}
	return price <= trigger
}

// breached reports whether price has reached trigger on the adverse side
// for the trade (down for BUY, up for SELL).
func breached(side domain.OrderSide, price, trigger float64) bool {
	if side == domain.Buy {
		return price <= trigger
	}
	return price >= trigger
}
