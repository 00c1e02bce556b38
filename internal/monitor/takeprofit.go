package monitor

import (
	"context"
	"fmt"

	"github.com/lucaserib/Trading-Bot-sub000/internal/domain"
	"github.com/lucaserib/Trading-Bot-sub000/internal/normalizer"
	"github.com/lucaserib/Trading-Bot-sub000/internal/ports"
)

// TakeProfitMonitor walks the open trades each tick and advances their
// take-profit ladders. Slice accounting is done at the configured trigger
// price of each level, so a gap through several levels books every
// intermediate slice at its own target rather than the final print.
type TakeProfitMonitor struct {
	deps
}

func NewTakeProfitMonitor(
	logger ports.Logger,
	strategies ports.StrategyRepository,
	trades ports.TradeRepository,
	exchanges ports.ExchangeProvider,
	norm *normalizer.Normalizer,
) (*TakeProfitMonitor, error) {
	m := &TakeProfitMonitor{deps{
		logger:     logger,
		strategies: strategies,
		trades:     trades,
		exchanges:  exchanges,
		norm:       norm,
	}}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Run performs one monitoring pass over all open trades.
func (m *TakeProfitMonitor) Run(ctx context.Context) error {
	op := "TakeProfitMonitor.Run"
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
			m.logger.Error(ctx, err, "Take-profit check failed", map[string]interface{}{"op": op, "tradeID": trade.ID, "symbol": trade.Symbol})
		}
	}
	return nil
}

func (m *TakeProfitMonitor) checkTrade(ctx context.Context, tc *tradeContext, trade *domain.Trade) error {
	switch trade.TakeProfit.Kind {
	case domain.ProtectivePositionLevel:
		return m.checkPositionLevel(ctx, tc, trade)
	case domain.ProtectiveLadder, domain.ProtectiveSingleOrder:
		return m.checkOrders(ctx, tc, trade)
	default:
		if len(trade.TakeProfitPcts) == 0 {
			return nil
		}
		return m.checkManual(ctx, tc, trade, nil)
	}
}

// checkPositionLevel handles venues that hold the take-profit at the
// position level: a vanished position means an exchange-side stop fired.
// The close reason is inferred from which side of entry the market sits on.
func (m *TakeProfitMonitor) checkPositionLevel(ctx context.Context, tc *tradeContext, trade *domain.Trade) error {
	size, ok := m.remotePositionSize(ctx, tc.client, trade)
	if !ok || size > 0 {
		return nil
	}
	exit := m.exitPrice(ctx, tc.client, trade)
	reason := domain.CloseReasonTakeProfit
	if breached(trade.Side, exit, trade.EntryPrice) {
		reason = domain.CloseReasonStopLoss
	}
	return m.closeTrade(ctx, tc.client, trade, exit, reason)
}

// checkOrders advances a ladder (or single take-profit order) by polling the
// status of each still-pending rung. Cancelled or vanished rungs fall back
// to manual price monitoring for their levels.
func (m *TakeProfitMonitor) checkOrders(ctx context.Context, tc *tradeContext, trade *domain.Trade) error {
	rungs := trade.TakeProfit.AsRungs()
	var pending []domain.LadderRung
	covered := make(map[int]bool, len(rungs))
	changed := false

	for _, rung := range rungs {
		if rung.Level <= trade.LastTpLevel {
			changed = true
			continue
		}
		status, err := tc.client.GetOrderStatus(ctx, trade.Symbol, rung.OrderID)
		if err != nil {
			m.logger.Warn(ctx, "Take-profit order status lookup failed", map[string]interface{}{"tradeID": trade.ID, "orderID": rung.OrderID, "error": err.Error()})
			pending = append(pending, rung)
			covered[rung.Level] = true
			continue
		}
		if status == nil {
			// Order unknown to the venue; monitor the level by price.
			m.logger.Warn(ctx, "Take-profit order vanished, level falls back to manual monitoring", map[string]interface{}{"tradeID": trade.ID, "orderID": rung.OrderID, "level": rung.Level})
			changed = true
			continue
		}
		switch *status {
		case domain.OrderStatusFilled:
			m.bookSlice(ctx, trade, rung.Level)
			changed = true
		case domain.OrderStatusCanceled, domain.OrderStatusExpired, domain.OrderStatusRejected:
			m.logger.Warn(ctx, "Take-profit order no longer active, level falls back to manual monitoring", map[string]interface{}{"tradeID": trade.ID, "orderID": rung.OrderID, "level": rung.Level, "status": *status})
			changed = true
		default:
			pending = append(pending, rung)
			covered[rung.Level] = true
		}
	}

	if changed {
		if len(pending) == 0 {
			trade.TakeProfit = domain.ProtectiveOrderState{}
		} else {
			trade.TakeProfit = domain.Ladder(pending)
		}
	}

	if m.ladderDone(ctx, trade) {
		return m.finishLadder(ctx, tc, trade)
	}
	if changed {
		if err := m.trades.Update(ctx, trade); err != nil {
			return fmt.Errorf("failed to persist ladder progress for trade %d: %w", trade.ID, err)
		}
	}
	// Levels with no live order left are watched by price.
	if len(covered) < remainingLevels(trade) {
		return m.checkManual(ctx, tc, trade, covered)
	}
	return nil
}

// checkManual closes ladder slices ourselves when no exchange-side order
// covers them. covered marks levels that still have a live order and must
// not be fired by price. A single reduce-only market order covers every
// level the price has crossed this tick; if it is rejected the accounting
// is deferred to the next pass.
func (m *TakeProfitMonitor) checkManual(ctx context.Context, tc *tradeContext, trade *domain.Trade, covered map[int]bool) error {
	price, err := tc.client.GetTickerPrice(ctx, trade.Symbol)
	if err != nil {
		return fmt.Errorf("failed to fetch ticker for %s: %w", trade.Symbol, err)
	}

	base := ladderBase(trade)
	var fired []domain.TpLevel
	total := 0.0
	for _, lvl := range trade.TakeProfitPcts {
		if lvl.Level <= trade.LastTpLevel || covered[lvl.Level] {
			continue
		}
		if !crossed(trade.Side, price, lvl.TriggerPrx) {
			break
		}
		slice := base * lvl.ClosePct
		if slice > trade.Quantity-total {
			slice = trade.Quantity - total
		}
		fired = append(fired, lvl)
		total += slice
	}
	if len(fired) == 0 {
		return nil
	}
	if total > 0 && !m.reduceClose(ctx, tc.client, trade, total) {
		return nil
	}
	for _, lvl := range fired {
		m.bookSlice(ctx, trade, lvl.Level)
	}
	if m.ladderDone(ctx, trade) {
		return m.finishLadder(ctx, tc, trade)
	}
	if err := m.trades.Update(ctx, trade); err != nil {
		return fmt.Errorf("failed to persist ladder progress for trade %d: %w", trade.ID, err)
	}
	m.logger.Info(ctx, "Take-profit level reached", map[string]interface{}{
		"tradeID": trade.ID, "symbol": trade.Symbol, "level": trade.LastTpLevel,
		"remainingQty": trade.Quantity, "pnl": trade.Pnl,
	})
	return nil
}

// bookSlice realizes the quantity slice of one ladder level at its trigger
// price and advances the ladder cursor.
func (m *TakeProfitMonitor) bookSlice(ctx context.Context, trade *domain.Trade, level int) {
	lvl := levelFor(trade, level)
	if lvl == nil {
		m.logger.Warn(ctx, "Filled take-profit has no configured level, skipping slice accounting", map[string]interface{}{"tradeID": trade.ID, "level": level})
		return
	}
	slice := ladderBase(trade) * lvl.ClosePct
	if slice > trade.Quantity {
		slice = trade.Quantity
	}
	trade.Realize(lvl.TriggerPrx, slice)
	trade.Quantity -= slice
	trade.LastTpLevel = lvl.Level
	m.logger.Info(ctx, "Take-profit slice booked", map[string]interface{}{
		"tradeID": trade.ID, "symbol": trade.Symbol, "level": lvl.Level,
		"sliceQty": slice, "price": lvl.TriggerPrx, "pnl": trade.Pnl,
	})
}

// ladderDone reports whether every configured level has fired or the
// remaining quantity is below the tradable minimum.
func (m *TakeProfitMonitor) ladderDone(ctx context.Context, trade *domain.Trade) bool {
	if len(trade.TakeProfitPcts) == 0 {
		return false
	}
	last := trade.TakeProfitPcts[len(trade.TakeProfitPcts)-1]
	if trade.LastTpLevel >= last.Level {
		return true
	}
	return trade.LastTpLevel > 0 && trade.Quantity < m.norm.MinQty(ctx, trade.Symbol)
}

func (m *TakeProfitMonitor) finishLadder(ctx context.Context, tc *tradeContext, trade *domain.Trade) error {
	exit := trade.EntryPrice
	if lvl := levelFor(trade, trade.LastTpLevel); lvl != nil {
		exit = lvl.TriggerPrx
	}
	return m.closeTrade(ctx, tc.client, trade, exit, domain.CloseReasonTakeProfit)
}

// ladderBase reconstructs the position quantity before any ladder slice was
// taken, so each level's slice stays a fixed fraction of the entry size.
func ladderBase(trade *domain.Trade) float64 {
	taken := 0.0
	for _, lvl := range trade.TakeProfitPcts {
		if lvl.Level <= trade.LastTpLevel {
			taken += lvl.ClosePct
		}
	}
	if taken >= 1 {
		return trade.Quantity
	}
	return trade.Quantity / (1 - taken)
}

func levelFor(trade *domain.Trade, level int) *domain.TpLevel {
	for i := range trade.TakeProfitPcts {
		if trade.TakeProfitPcts[i].Level == level {
			return &trade.TakeProfitPcts[i]
		}
	}
	return nil
}

func remainingLevels(trade *domain.Trade) int {
	n := 0
	for _, lvl := range trade.TakeProfitPcts {
		if lvl.Level > trade.LastTpLevel {
			n++
		}
	}
	return n
}
