package monitor

import (
	"context"
	"fmt"

	"github.com/lucaserib/Trading-Bot-sub000/internal/domain"
	"github.com/lucaserib/Trading-Bot-sub000/internal/normalizer"
	"github.com/lucaserib/Trading-Bot-sub000/internal/ports"
)

// StopLossMonitor watches the stop side of every open trade and, when the
// strategy enables break-even, ratchets the stored stop forward as take-profit
// levels are crossed. The ratchet is monotonic: a stop never moves back
// toward the adverse side.
type StopLossMonitor struct {
	deps
	// breakEvenOffsetPct is the fraction past entry the first ratchet step
	// uses, so a break-even exit still covers fees.
	breakEvenOffsetPct float64
}

func NewStopLossMonitor(
	breakEvenOffsetPct float64,
	logger ports.Logger,
	strategies ports.StrategyRepository,
	trades ports.TradeRepository,
	exchanges ports.ExchangeProvider,
	norm *normalizer.Normalizer,
) (*StopLossMonitor, error) {
	if breakEvenOffsetPct <= 0 {
		breakEvenOffsetPct = 0.001
	}
	m := &StopLossMonitor{
		deps: deps{
			logger:     logger,
			strategies: strategies,
			trades:     trades,
			exchanges:  exchanges,
			norm:       norm,
		},
		breakEvenOffsetPct: breakEvenOffsetPct,
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Run performs one monitoring pass over all open trades.
func (m *StopLossMonitor) Run(ctx context.Context) error {
	op := "StopLossMonitor.Run"
	open, err := m.trades.FindByStatus(ctx, domain.StatusOpen)
	if err != nil {
		return fmt.Errorf("%s: failed to list open trades: %w", op, err)
	}
	cache := make(map[int64]*tradeContext)
	for _, trade := range open {
		tc, err := m.resolve(ctx, cache, trade)
		if err != nil {
			m.logger.Error(ctx, err, "Skipping trade, strategy resolution failed", map[string]interface{}{"op": op, "tradeID": trade.ID})
			continue
		}
		if tc == nil {
			continue
		}
		if err := m.checkTrade(ctx, tc, trade); err != nil {
			m.logger.Error(ctx, err, "Stop-loss check failed", map[string]interface{}{"op": op, "tradeID": trade.ID, "symbol": trade.Symbol})
		}
	}
	return nil
}

func (m *StopLossMonitor) checkTrade(ctx context.Context, tc *tradeContext, trade *domain.Trade) error {
	switch trade.StopLoss.Kind {
	case domain.ProtectivePositionLevel:
		if err := m.checkPositionLevel(ctx, tc, trade); err != nil || !trade.IsOpen() {
			return err
		}
	case domain.ProtectiveSingleOrder:
		if err := m.checkOrder(ctx, tc, trade); err != nil || !trade.IsOpen() {
			return err
		}
	default:
		if err := m.checkManual(ctx, tc, trade); err != nil || !trade.IsOpen() {
			return err
		}
	}
	return m.applyRatchet(ctx, tc, trade)
}

// checkPositionLevel handles position-attached stops: a vanished position
// means an exchange-side stop or take-profit fired, and which one is
// inferred from where the market sits relative to entry.
func (m *StopLossMonitor) checkPositionLevel(ctx context.Context, tc *tradeContext, trade *domain.Trade) error {
	size, ok := m.remotePositionSize(ctx, tc.client, trade)
	if !ok || size > 0 {
		return nil
	}
	exit := m.exitPrice(ctx, tc.client, trade)
	reason := domain.CloseReasonStopLoss
	if crossed(trade.Side, exit, trade.EntryPrice) {
		reason = domain.CloseReasonTakeProfit
	}
	return m.closeTrade(ctx, tc.client, trade, exit, reason)
}

// checkOrder polls the stop order's status. A fill closes the trade; a
// cancelled or vanished order drops the trade to manual price monitoring.
func (m *StopLossMonitor) checkOrder(ctx context.Context, tc *tradeContext, trade *domain.Trade) error {
	status, err := tc.client.GetOrderStatus(ctx, trade.Symbol, trade.StopLoss.OrderID)
	if err != nil {
		m.logger.Warn(ctx, "Stop order status lookup failed", map[string]interface{}{"tradeID": trade.ID, "orderID": trade.StopLoss.OrderID, "error": err.Error()})
		return nil
	}
	if status == nil {
		m.logger.Warn(ctx, "Stop order vanished, falling back to manual monitoring", map[string]interface{}{"tradeID": trade.ID, "orderID": trade.StopLoss.OrderID})
		trade.StopLoss = domain.ProtectiveOrderState{}
		return m.trades.Update(ctx, trade)
	}
	switch *status {
	case domain.OrderStatusFilled:
		exit := trade.StopLossPrice
		if exit <= 0 {
			exit = m.exitPrice(ctx, tc.client, trade)
		}
		return m.closeTrade(ctx, tc.client, trade, exit, domain.CloseReasonStopLoss)
	case domain.OrderStatusCanceled, domain.OrderStatusExpired, domain.OrderStatusRejected:
		m.logger.Warn(ctx, "Stop order no longer active, falling back to manual monitoring", map[string]interface{}{"tradeID": trade.ID, "orderID": trade.StopLoss.OrderID, "status": *status})
		trade.StopLoss = domain.ProtectiveOrderState{}
		return m.trades.Update(ctx, trade)
	default:
		return nil
	}
}

// checkManual polls the price against the stored stop level and closes the
// trade ourselves when it is breached.
func (m *StopLossMonitor) checkManual(ctx context.Context, tc *tradeContext, trade *domain.Trade) error {
	trigger := trade.StopLossPrice
	if trigger <= 0 && tc.strat.StopLossPct > 0 {
		trigger = trade.TriggerPrice(-tc.strat.StopLossPct)
	}
	if trigger <= 0 {
		return nil
	}
	price, err := tc.client.GetTickerPrice(ctx, trade.Symbol)
	if err != nil {
		return fmt.Errorf("failed to fetch ticker for %s: %w", trade.Symbol, err)
	}
	if !breached(trade.Side, price, trigger) {
		return nil
	}
	if !m.reduceClose(ctx, tc.client, trade, trade.Quantity) {
		return nil
	}
	return m.closeTrade(ctx, tc.client, trade, price, domain.CloseReasonStopLoss)
}

// applyRatchet moves the stop forward once the market has crossed a
// take-profit level. The first crossing parks the stop a small offset past
// entry; each further crossing (when break-again is enabled) lifts it to the
// previous level's trigger price.
func (m *StopLossMonitor) applyRatchet(ctx context.Context, tc *tradeContext, trade *domain.Trade) error {
	if !tc.strat.BreakEven || len(trade.TakeProfitPcts) == 0 {
		return nil
	}

	price, err := tc.client.GetTickerPrice(ctx, trade.Symbol)
	if err != nil {
		return fmt.Errorf("failed to fetch ticker for ratchet: %w", err)
	}

	level := trade.LastTpLevel
	for _, lvl := range trade.TakeProfitPcts {
		if lvl.Level <= level {
			continue
		}
		if !crossed(trade.Side, price, lvl.TriggerPrx) {
			break
		}
		level = lvl.Level
	}
	if level == 0 {
		return nil
	}
	if level > 1 && !tc.strat.BreakAgain {
		level = 1
	}

	newStop := m.ratchetTarget(trade, level)
	if newStop <= 0 || !improves(trade.Side, trade.StopLossPrice, newStop) {
		return nil
	}

	if err := m.moveStop(ctx, tc, trade, newStop); err != nil {
		return err
	}
	trade.StopLossPrice = newStop
	if err := m.trades.Update(ctx, trade); err != nil {
		return fmt.Errorf("failed to persist ratcheted stop for trade %d: %w", trade.ID, err)
	}
	m.logger.Info(ctx, "Stop-loss ratcheted forward", map[string]interface{}{
		"tradeID": trade.ID, "symbol": trade.Symbol, "crossedLevel": level, "newStop": newStop,
	})
	return nil
}

// ratchetTarget returns the stop price for a given crossed level: offset
// past entry for the first, the previous level's trigger after that.
func (m *StopLossMonitor) ratchetTarget(trade *domain.Trade, level int) float64 {
	if level <= 1 {
		return trade.TriggerPrice(m.breakEvenOffsetPct)
	}
	prev := levelFor(trade, level-1)
	if prev == nil {
		return 0
	}
	return prev.TriggerPrx
}

// moveStop re-issues the protective stop at the new price in whatever form
// the trade currently carries it.
func (m *StopLossMonitor) moveStop(ctx context.Context, tc *tradeContext, trade *domain.Trade, newStop float64) error {
	priceStr := m.norm.Price(ctx, trade.Symbol, newStop)

	switch trade.StopLoss.Kind {
	case domain.ProtectivePositionLevel:
		if err := tc.client.SetPositionStop(ctx, trade.Symbol, trade.Side, priceStr, ""); err != nil {
			return fmt.Errorf("failed to move position stop: %w", err)
		}
		return nil
	case domain.ProtectiveSingleOrder:
		if err := tc.client.CancelOrder(ctx, trade.Symbol, trade.StopLoss.OrderID); err != nil {
			m.logger.Debug(ctx, "Old stop order cancel failed (may already be gone)", map[string]interface{}{"tradeID": trade.ID, "orderID": trade.StopLoss.OrderID, "error": err.Error()})
		}
		qtyStr, ok := m.norm.Quantity(ctx, trade.Symbol, trade.Quantity)
		if !ok {
			trade.StopLoss = domain.ProtectiveOrderState{}
			return nil
		}
		resp, err := tc.client.PlaceStopMarket(ctx, trade.Symbol, trade.Side.Opposite(), qtyStr, priceStr)
		if err != nil {
			// The old order is gone; track the level manually rather than
			// leaving a stale order id around.
			m.logger.Warn(ctx, "Replacement stop order rejected, falling back to manual monitoring", map[string]interface{}{"tradeID": trade.ID, "error": err.Error()})
			trade.StopLoss = domain.ProtectiveOrderState{}
			return nil
		}
		trade.StopLoss = domain.SingleOrder(resp.OrderID)
		return nil
	default:
		// Manual mode: the stored price is the stop.
		return nil
	}
}

// improves reports whether candidate is strictly tighter than current on the
// favorable side for the trade.
func improves(side domain.OrderSide, current, candidate float64) bool {
	if current <= 0 {
		return true
	}
	if side == domain.Buy {
		return candidate > current
	}
	return candidate < current
}
