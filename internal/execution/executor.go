// Package execution turns externally-produced signals into entry orders plus
// protective legs, and persists the resulting ledger row. The trade row is
// written as OPEN before any remote order is issued so the concurrent sync
// loop reconciles into it instead of importing a duplicate.
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lucaserib/Trading-Bot-sub000/internal/domain"
	"github.com/lucaserib/Trading-Bot-sub000/internal/normalizer"
	"github.com/lucaserib/Trading-Bot-sub000/internal/ports"
)

// Config holds the executor's tunables.
type Config struct {
	// FlipSettleDelay is the wait after closing an opposing position before
	// the new entry is placed, giving the exchange time to settle.
	FlipSettleDelay time.Duration
	// MinNotional is the minimum order value (quote currency) accepted;
	// anything smaller would be rejected by the exchange anyway.
	MinNotional float64
}

// Executor implements the order execution component.
type Executor struct {
	cfg        Config
	logger     ports.Logger
	strategies ports.StrategyRepository
	trades     ports.TradeRepository
	exchanges  ports.ExchangeProvider
	norm       *normalizer.Normalizer

	// sleep is indirected so tests do not wait out the settle delay.
	sleep func(time.Duration)
}

// New creates an Executor.
func New(cfg Config, logger ports.Logger, strategies ports.StrategyRepository, trades ports.TradeRepository, exchanges ports.ExchangeProvider, norm *normalizer.Normalizer) (*Executor, error) {
	if logger == nil || strategies == nil || trades == nil || exchanges == nil || norm == nil {
		return nil, fmt.Errorf("missing required dependencies for Executor")
	}
	if cfg.MinNotional <= 0 {
		cfg.MinNotional = 10
	}
	return &Executor{
		cfg:        cfg,
		logger:     logger,
		strategies: strategies,
		trades:     trades,
		exchanges:  exchanges,
		norm:       norm,
		sleep:      time.Sleep,
	}, nil
}

// Execute processes one signal end to end. It returns the resulting trade
// row (possibly with status ERROR) and an error describing any rejection or
// remote failure.
func (e *Executor) Execute(ctx context.Context, sig *domain.Signal) (*domain.Trade, error) {
	op := "Execute"

	strat, err := e.strategies.FindByID(ctx, sig.StrategyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load strategy %d: %w", sig.StrategyID, err)
	}
	if strat == nil {
		return nil, fmt.Errorf("strategy %d: %w", sig.StrategyID, ports.ErrNotFound)
	}

	if err := e.checkPolicy(ctx, strat, sig); err != nil {
		e.logger.Info(ctx, op+": signal skipped by policy", map[string]interface{}{"strategyID": strat.ID, "symbol": sig.Symbol, "reason": err.Error()})
		return nil, err
	}

	// Hard safety gate: without testnet or an explicit real-account opt-in
	// no remote call may ever be made on behalf of this strategy.
	if !strat.CanExecute() {
		return e.rejectTrade(ctx, strat, sig, 0, 0, ports.ErrExecutionDisabled)
	}

	client, err := e.exchanges.ForStrategy(strat)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve exchange for strategy %d: %w", strat.ID, err)
	}

	// Same-symbol conflicts must be settled before sizing: a one-way flip
	// frees margin, and an averaging merge short-circuits the normal path.
	if done, trade, err := e.resolveConflicts(ctx, strat, sig, client); done {
		return trade, err
	}

	entryPrice, orderType, err := e.resolveEntryPrice(ctx, strat, sig, client)
	if err != nil {
		return nil, err
	}

	qty, initialQty, err := e.resolveQuantity(ctx, strat, sig, client, entryPrice)
	if err != nil {
		return nil, err
	}

	if qty*entryPrice < e.cfg.MinNotional {
		cause := fmt.Errorf("notional %.4f below minimum %.2f: %w", qty*entryPrice, e.cfg.MinNotional, ports.ErrNotionalTooLow)
		return e.rejectTrade(ctx, strat, sig, entryPrice, qty, cause)
	}

	qtyStr, ok := e.norm.Quantity(ctx, sig.Symbol, qty)
	if !ok {
		cause := fmt.Errorf("quantity %.8f below symbol minimum: %w", qty, ports.ErrNotionalTooLow)
		return e.rejectTrade(ctx, strat, sig, entryPrice, qty, cause)
	}
	qty = e.norm.QuantityValue(ctx, sig.Symbol, qty)

	// Persist the row as OPEN before the remote order goes out.
	trade := &domain.Trade{
		StrategyID:     strat.ID,
		Symbol:         sig.Symbol,
		Side:           sig.Action,
		Type:           orderType,
		EntryPrice:     entryPrice,
		Quantity:       qty,
		InitialQty:     initialQty,
		Status:         domain.StatusOpen,
		TakeProfitPcts: e.ladderFor(strat, sig, entryPrice, sig.Action),
		CreatedAt:      time.Now().UTC(),
	}
	if _, err := e.trades.Create(ctx, trade); err != nil {
		return nil, fmt.Errorf("failed to persist trade before order placement: %w", err)
	}

	if err := e.placeEntry(ctx, strat, sig, client, trade, qtyStr); err != nil {
		trade.Status = domain.StatusError
		trade.ErrorMessage = err.Error()
		if updErr := e.trades.Update(ctx, trade); updErr != nil {
			e.logger.Error(ctx, updErr, op+": failed to mark trade ERROR after placement failure", map[string]interface{}{"tradeID": trade.ID})
		}
		return trade, err
	}

	e.placeProtectiveLegs(ctx, strat, sig, client, trade)

	if err := e.trades.Update(ctx, trade); err != nil {
		return trade, fmt.Errorf("failed to persist protective order state for trade %d: %w", trade.ID, err)
	}

	e.logger.Info(ctx, op+": trade opened", map[string]interface{}{
		"tradeID": trade.ID, "strategyID": strat.ID, "symbol": trade.Symbol,
		"side": trade.Side, "quantity": trade.Quantity, "entryPrice": trade.EntryPrice,
	})
	return trade, nil
}

// resolveConflicts handles existing same-symbol positions. Returns done=true
// when the signal was fully handled here (averaging merge or a rejection).
func (e *Executor) resolveConflicts(ctx context.Context, strat *domain.Strategy, sig *domain.Signal, client ports.ExchangeClient) (bool, *domain.Trade, error) {
	op := "resolveConflicts"

	// Same side first: averaging merges, otherwise duplicate rejection.
	sameSide, err := e.trades.FindOpen(ctx, strat.ID, sig.Symbol, sig.Action)
	if err != nil {
		return true, nil, fmt.Errorf("failed to query same-side trades: %w", err)
	}
	if len(sameSide) > 0 {
		if !strat.Averaging {
			return true, nil, fmt.Errorf("open %s position on %s: %w", sig.Action, sig.Symbol, ports.ErrDuplicatePosition)
		}
		trade, err := e.average(ctx, strat, sig, client, sameSide[0])
		return true, trade, err
	}

	if strat.HedgeMode {
		return false, nil, nil
	}

	opposite, err := e.trades.FindOpen(ctx, strat.ID, sig.Symbol, sig.Action.Opposite())
	if err != nil {
		return true, nil, fmt.Errorf("failed to query opposite-side trades: %w", err)
	}
	if len(opposite) == 0 {
		return false, nil, nil
	}

	// One-way flip: cancel everything on the symbol, close the remote
	// position reduce-only, mark the old rows CLOSED, then let the
	// exchange settle before the new entry.
	if err := client.CancelAllOrders(ctx, sig.Symbol); err != nil {
		e.logger.Warn(ctx, op+": failed to cancel open orders before flip", map[string]interface{}{"symbol": sig.Symbol, "error": err.Error()})
	}

	for _, old := range opposite {
		closeQty := old.Quantity
		positions, err := client.GetPositions(ctx, sig.Symbol)
		if err != nil {
			e.logger.Warn(ctx, op+": failed to fetch remote position size, falling back to local quantity", map[string]interface{}{"symbol": sig.Symbol, "error": err.Error()})
		} else {
			for _, p := range positions {
				if p.Side == old.Side {
					closeQty = p.Size
				}
			}
		}

		qtyStr, ok := e.norm.Quantity(ctx, sig.Symbol, closeQty)
		if ok {
			if _, err := client.PlaceOrder(ctx, ports.OrderRequest{
				Symbol:     sig.Symbol,
				Side:       old.Side.Opposite(),
				Type:       domain.OrderTypeMarket,
				Quantity:   qtyStr,
				ReduceOnly: true,
			}); err != nil {
				return true, nil, fmt.Errorf("failed to close opposing %s position: %w", old.Side, err)
			}
		}

		exitPrice, err := client.GetTickerPrice(ctx, sig.Symbol)
		if err != nil {
			e.logger.Warn(ctx, op+": failed to fetch exit price after flip close", map[string]interface{}{"symbol": sig.Symbol, "error": err.Error()})
			exitPrice = old.EntryPrice
		}

		old.Realize(exitPrice, old.Quantity)
		old.Quantity = 0
		old.StopLoss = domain.ProtectiveOrderState{}
		old.TakeProfit = domain.ProtectiveOrderState{}
		old.Close(exitPrice, domain.CloseReasonFlip, time.Now().UTC())
		if err := e.trades.Update(ctx, old); err != nil {
			return true, nil, fmt.Errorf("failed to persist flip close for trade %d: %w", old.ID, err)
		}
		e.logger.Info(ctx, op+": opposing position closed for one-way flip", map[string]interface{}{"tradeID": old.ID, "exitPrice": exitPrice})
	}

	e.sleep(e.cfg.FlipSettleDelay)
	return false, nil, nil
}

// average adds the signal's size onto an existing same-side trade and
// recomputes its weighted-average entry price.
func (e *Executor) average(ctx context.Context, strat *domain.Strategy, sig *domain.Signal, client ports.ExchangeClient, existing *domain.Trade) (*domain.Trade, error) {
	op := "average"

	entryPrice, _, err := e.resolveEntryPrice(ctx, strat, sig, client)
	if err != nil {
		return nil, err
	}
	addQty, _, err := e.resolveQuantity(ctx, strat, sig, client, entryPrice)
	if err != nil {
		return nil, err
	}
	qtyStr, ok := e.norm.Quantity(ctx, sig.Symbol, addQty)
	if !ok {
		return nil, fmt.Errorf("averaging quantity %.8f below symbol minimum: %w", addQty, ports.ErrNotionalTooLow)
	}
	addQty = e.norm.QuantityValue(ctx, sig.Symbol, addQty)

	resp, err := client.PlaceOrder(ctx, ports.OrderRequest{
		Symbol:        sig.Symbol,
		Side:          sig.Action,
		Type:          domain.OrderTypeMarket,
		Quantity:      qtyStr,
		ClientOrderID: newClientOrderID(),
	})
	if err != nil {
		return nil, fmt.Errorf("averaging entry order failed: %w", err)
	}
	fillPrice := resp.AvgPrice
	if fillPrice == 0 {
		fillPrice = entryPrice
	}

	total := existing.Quantity + addQty
	existing.EntryPrice = (existing.EntryPrice*existing.Quantity + fillPrice*addQty) / total
	existing.Quantity = total
	existing.IsFromAvg = true
	if err := e.trades.Update(ctx, existing); err != nil {
		return existing, fmt.Errorf("failed to persist averaged trade %d: %w", existing.ID, err)
	}

	e.logger.Info(ctx, op+": position averaged", map[string]interface{}{
		"tradeID": existing.ID, "addedQty": addQty, "newQty": total, "avgEntry": existing.EntryPrice,
	})
	return existing, nil
}

// resolveEntryPrice applies the next-candle offset (which forces LIMIT) or
// falls back to the signal's price/type, fetching the ticker when the signal
// carries no price.
func (e *Executor) resolveEntryPrice(ctx context.Context, strat *domain.Strategy, sig *domain.Signal, client ports.ExchangeClient) (float64, domain.OrderType, error) {
	base := 0.0
	if sig.Price != nil && *sig.Price > 0 {
		base = *sig.Price
	} else {
		ticker, err := client.GetTickerPrice(ctx, sig.Symbol)
		if err != nil {
			return 0, "", fmt.Errorf("failed to resolve entry price: %w", err)
		}
		base = ticker
	}

	if strat.NextCandlePct > 0 {
		offset := base * strat.NextCandlePct
		if sig.Action == domain.Buy {
			base -= offset
		} else {
			base += offset
		}
		return base, domain.OrderTypeLimit, nil
	}
	return base, sig.EffectiveType(), nil
}

// resolveQuantity applies the sizing priority chain: explicit signal
// quantity, signal percentage, strategy percentage (with the first-cycle
// anchor when compounding is off), then the strategy default. The second
// return value is the initial-quantity anchor to record on the trade (0 when
// the anchor came from a previous cycle).
func (e *Executor) resolveQuantity(ctx context.Context, strat *domain.Strategy, sig *domain.Signal, client ports.ExchangeClient, entryPrice float64) (float64, float64, error) {
	if sig.Quantity != nil && *sig.Quantity > 0 {
		return *sig.Quantity, *sig.Quantity, nil
	}

	pct := 0.0
	fromSignal := false
	if sig.AccountPct != nil && *sig.AccountPct > 0 {
		pct = *sig.AccountPct
		fromSignal = true
	} else if strat.AccountPct > 0 {
		pct = strat.AccountPct
	}

	if pct > 0 {
		// The first-cycle anchor belongs to the strategy's own percentage
		// sizing; an explicit signal percentage always recomputes from the
		// current balance.
		if !fromSignal && !strat.Compounding {
			anchor, err := e.trades.FindMostRecentWithInitialQty(ctx, strat.ID, sig.Symbol)
			if err != nil {
				return 0, 0, fmt.Errorf("failed to load sizing anchor: %w", err)
			}
			if anchor != nil {
				return anchor.InitialQty, 0, nil
			}
		}
		balance, err := client.GetBalance(ctx)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to fetch balance for percentage sizing: %w", err)
		}
		if entryPrice <= 0 {
			return 0, 0, fmt.Errorf("cannot size from balance without a price: %w", ports.ErrInvalidRequest)
		}
		qty := balance * pct * float64(strat.Leverage) / entryPrice
		return qty, qty, nil
	}

	return strat.DefaultQty, strat.DefaultQty, nil
}

// placeEntry configures leverage/margin and places the entry order,
// updating the trade with the fill details.
func (e *Executor) placeEntry(ctx context.Context, strat *domain.Strategy, sig *domain.Signal, client ports.ExchangeClient, trade *domain.Trade, qtyStr string) error {
	op := "placeEntry"

	if err := client.SetMarginMode(ctx, sig.Symbol, strat.MarginMode, strat.Leverage); err != nil {
		// Margin mode is sticky on most venues; a failure here usually
		// means it is already set. Order placement is the arbiter.
		e.logger.Warn(ctx, op+": failed to set margin mode/leverage", map[string]interface{}{"symbol": sig.Symbol, "error": err.Error()})
	}

	req := ports.OrderRequest{
		Symbol:        sig.Symbol,
		Side:          sig.Action,
		Type:          trade.Type,
		Quantity:      qtyStr,
		ClientOrderID: newClientOrderID(),
	}
	if trade.Type == domain.OrderTypeLimit {
		req.Price = e.norm.Price(ctx, sig.Symbol, trade.EntryPrice)
	}

	resp, err := client.PlaceOrder(ctx, req)
	if err != nil {
		return fmt.Errorf("entry order failed: %w", err)
	}

	trade.OrderID = resp.OrderID
	if resp.AvgPrice > 0 {
		trade.EntryPrice = resp.AvgPrice
		// Recompute the ladder triggers from the actual fill.
		trade.TakeProfitPcts = e.ladderFor(strat, sig, resp.AvgPrice, sig.Action)
	}
	return nil
}

// placeProtectiveLegs attaches the stop-loss and take-profit ladder. A
// failed leg is logged and left to the manual (price-polling) monitor mode;
// the entry order already stands, so the trade must not be failed here.
func (e *Executor) placeProtectiveLegs(ctx context.Context, strat *domain.Strategy, sig *domain.Signal, client ports.ExchangeClient, trade *domain.Trade) {
	op := "placeProtectiveLegs"
	closeSide := trade.Side.Opposite()

	slPrice := 0.0
	if sig.StopLoss != nil && *sig.StopLoss > 0 {
		slPrice = *sig.StopLoss
	} else if strat.StopLossPct > 0 {
		slPrice = trade.TriggerPrice(-strat.StopLossPct)
	}
	trade.StopLossPrice = slPrice

	if client.SupportsPositionStop() {
		// Position-attached stop: one call covers the stop and, when the
		// ladder has a single level, the take-profit as well.
		tpPrice := ""
		if len(trade.TakeProfitPcts) == 1 {
			tpPrice = e.norm.Price(ctx, trade.Symbol, trade.TakeProfitPcts[0].TriggerPrx)
		}
		slStr := ""
		if slPrice > 0 {
			slStr = e.norm.Price(ctx, trade.Symbol, slPrice)
		}
		if slStr != "" || tpPrice != "" {
			if err := client.SetPositionStop(ctx, trade.Symbol, trade.Side, slStr, tpPrice); err != nil {
				e.logger.Warn(ctx, op+": position stop rejected, monitors fall back to price polling", map[string]interface{}{"tradeID": trade.ID, "error": err.Error()})
			} else {
				if slStr != "" {
					trade.StopLoss = domain.PositionLevel()
				}
				if tpPrice != "" {
					trade.TakeProfit = domain.PositionLevel()
				}
			}
		}
		if len(trade.TakeProfitPcts) > 1 {
			trade.TakeProfit = e.placeLadder(ctx, client, trade, closeSide)
		}
		return
	}

	if slPrice > 0 {
		qtyStr, ok := e.norm.Quantity(ctx, trade.Symbol, trade.Quantity)
		if ok {
			resp, err := client.PlaceStopMarket(ctx, trade.Symbol, closeSide, qtyStr, e.norm.Price(ctx, trade.Symbol, slPrice))
			if err != nil {
				e.logger.Warn(ctx, op+": stop-loss leg rejected, monitor falls back to price polling", map[string]interface{}{"tradeID": trade.ID, "error": err.Error()})
			} else {
				trade.StopLoss = domain.SingleOrder(resp.OrderID)
			}
		}
	}

	if len(trade.TakeProfitPcts) > 0 {
		trade.TakeProfit = e.placeLadder(ctx, client, trade, closeSide)
	}
}

// placeLadder places one reduce-only take-profit leg per configured level.
// Levels that fail to place are skipped; the monitor handles them manually.
func (e *Executor) placeLadder(ctx context.Context, client ports.ExchangeClient, trade *domain.Trade, closeSide domain.OrderSide) domain.ProtectiveOrderState {
	op := "placeLadder"
	var rungs []domain.LadderRung
	for _, level := range trade.TakeProfitPcts {
		legQty := trade.Quantity * level.ClosePct
		qtyStr, ok := e.norm.Quantity(ctx, trade.Symbol, legQty)
		if !ok {
			e.logger.Warn(ctx, op+": ladder leg below minimum quantity, skipped", map[string]interface{}{"tradeID": trade.ID, "level": level.Level, "qty": legQty})
			continue
		}
		resp, err := client.PlaceTakeProfitMarket(ctx, trade.Symbol, closeSide, qtyStr, e.norm.Price(ctx, trade.Symbol, level.TriggerPrx))
		if err != nil {
			e.logger.Warn(ctx, op+": ladder leg rejected", map[string]interface{}{"tradeID": trade.ID, "level": level.Level, "error": err.Error()})
			continue
		}
		rungs = append(rungs, domain.LadderRung{Level: level.Level, OrderID: resp.OrderID})
	}
	if len(rungs) == 0 {
		return domain.ProtectiveOrderState{}
	}
	return domain.Ladder(rungs)
}

// ladderFor resolves the strategy's configured ladder into absolute trigger
// prices for this entry. An explicit signal take-profit collapses the ladder
// to one full-size level.
func (e *Executor) ladderFor(strat *domain.Strategy, sig *domain.Signal, entryPrice float64, side domain.OrderSide) []domain.TpLevel {
	if sig.TakeProfit != nil && *sig.TakeProfit > 0 {
		return []domain.TpLevel{{Level: 1, PricePct: 0, ClosePct: 1, TriggerPrx: *sig.TakeProfit}}
	}
	var out []domain.TpLevel
	for i, tp := range strat.ActiveTakeProfits() {
		trigger := entryPrice * (1 + tp.PricePct)
		if side == domain.Sell {
			trigger = entryPrice * (1 - tp.PricePct)
		}
		out = append(out, domain.TpLevel{
			Level:      i + 1,
			PricePct:   tp.PricePct,
			ClosePct:   tp.ClosePct,
			TriggerPrx: trigger,
		})
	}
	return out
}

func newClientOrderID() string {
	return "tbot-" + uuid.NewString()[:18]
}
