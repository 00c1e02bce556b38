package execution

import (
	"context"
	"fmt"

	"github.com/lucaserib/Trading-Bot-sub000/internal/domain"
	"github.com/lucaserib/Trading-Bot-sub000/internal/ports"
)

// checkPolicy applies every pre-trade gate that needs no remote call.
// Returns nil when the signal may proceed; a ports policy error otherwise.
func (e *Executor) checkPolicy(ctx context.Context, strat *domain.Strategy, sig *domain.Signal) error {
	if !strat.IsActive() {
		return fmt.Errorf("strategy %d: %w", strat.ID, ports.ErrStrategyPaused)
	}
	if !strat.Direction.Allows(sig.Action) {
		return fmt.Errorf("strategy %d blocks %s entries: %w", strat.ID, sig.Action, ports.ErrDirectionNotAllowed)
	}
	if strat.TradingMode == domain.ModeSingleCycle {
		closed, err := e.trades.CountClosedByStrategy(ctx, strat.ID)
		if err != nil {
			return fmt.Errorf("failed to count closed trades for strategy %d: %w", strat.ID, err)
		}
		if closed > 0 {
			return fmt.Errorf("strategy %d: %w", strat.ID, ports.ErrCycleExhausted)
		}
	}
	return nil
}

// rejectTrade persists an ERROR row for a signal rejected after the point
// where a ledger record is warranted, and returns it.
func (e *Executor) rejectTrade(ctx context.Context, strat *domain.Strategy, sig *domain.Signal, entryPrice, qty float64, cause error) (*domain.Trade, error) {
	trade := &domain.Trade{
		StrategyID:   strat.ID,
		Symbol:       sig.Symbol,
		Side:         sig.Action,
		Type:         sig.EffectiveType(),
		EntryPrice:   entryPrice,
		Quantity:     qty,
		Status:       domain.StatusError,
		ErrorMessage: cause.Error(),
	}
	if _, err := e.trades.Create(ctx, trade); err != nil {
		e.logger.Error(ctx, err, "Failed to persist rejected trade", map[string]interface{}{"strategyID": strat.ID, "symbol": sig.Symbol})
		return nil, fmt.Errorf("persisting rejection: %w (cause: %w)", err, cause)
	}
	e.logger.Warn(ctx, "Signal rejected", map[string]interface{}{"strategyID": strat.ID, "symbol": sig.Symbol, "reason": cause.Error()})
	return trade, cause
}
