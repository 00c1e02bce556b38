package domain

import "time"

// Trade is the local ledger row for one tracked position slice.
// Quantity always reflects the remaining open size; closed portions are
// removed from it and folded into Pnl.
type Trade struct {
	ID         int64       // Unique identifier (from DB)
	StrategyID int64       // Owning strategy
	Symbol     string      // Trading symbol (e.g., "BTCUSDT")
	Side       OrderSide   // BUY or SELL
	Type       OrderType   // MARKET or LIMIT
	EntryPrice float64     // Price at which the position was entered
	ExitPrice  float64     // Price at which the position was exited (0 while open)
	Quantity   float64     // Remaining open size
	InitialQty float64     // First-cycle quantity anchor for non-compounding sizing
	Pnl        float64     // Accumulated realized P&L across partial closes
	Status     TradeStatus // OPEN, CLOSED, SIMULATED or ERROR
	OrderID    string      // Exchange order id of the entry order

	// Protective order references. Serialized to the legacy string columns
	// by the repository (see ProtectiveOrderState codec).
	StopLoss   ProtectiveOrderState
	TakeProfit ProtectiveOrderState

	CloseReason    CloseReason // Why the trade was closed
	LastTpLevel    int         // Highest take-profit level already filled (0 = none)
	IsFromAvg      bool        // Entry was an averaging add-on to an existing position
	ErrorMessage   string      // Upstream error code/message for ERROR rows
	CreatedAt      time.Time   // When the row was created
	ClosedAt       time.Time   // When the OPEN -> CLOSED transition happened (zero while open)
	StopLossPrice  float64     // Current stop trigger price (moves with the break-even ratchet)
	TakeProfitPcts []TpLevel   // Snapshot of the strategy's TP ladder at entry time
}

// TpLevel is one rung of a take-profit ladder: a price offset from entry and
// the fraction of the position it closes.
type TpLevel struct {
	Level      int     // 1-based ladder level
	PricePct   float64 // e.g., 0.01 for 1% away from entry
	ClosePct   float64 // fraction of quantity to close, e.g., 0.33
	TriggerPrx float64 // resolved absolute trigger price (set at entry)
}

// IsOpen reports whether the trade is still tracked as an open position.
func (t *Trade) IsOpen() bool {
	return t.Status == StatusOpen
}

// SlicePnl returns the signed P&L contribution of closing qty at exitPrice.
func (t *Trade) SlicePnl(exitPrice, qty float64) float64 {
	if t.Side == Buy {
		return (exitPrice - t.EntryPrice) * qty
	}
	return (t.EntryPrice - exitPrice) * qty
}

// Realize folds the P&L of closing qty at exitPrice into the accumulated
// total. A row that has realized nothing yet may still carry a synced
// unrealized snapshot in Pnl; that snapshot is replaced, not added to.
func (t *Trade) Realize(exitPrice, qty float64) {
	if t.LastTpLevel == 0 {
		t.Pnl = t.SlicePnl(exitPrice, qty)
		return
	}
	t.Pnl += t.SlicePnl(exitPrice, qty)
}

// Close performs the terminal OPEN -> CLOSED transition. ExitPrice, ClosedAt
// and CloseReason are set together so the transition is atomic at the row
// level. Calling Close on an already-closed trade is a no-op.
func (t *Trade) Close(exitPrice float64, reason CloseReason, at time.Time) {
	if t.Status != StatusOpen {
		return
	}
	t.Status = StatusClosed
	t.ExitPrice = exitPrice
	t.CloseReason = reason
	t.ClosedAt = at
}

// TriggerPrice returns the absolute price at which a percentage offset from
// entry fires for this trade's side. For stops the offset is adverse, for
// take-profits it is favorable; callers pass the signed percentage they need.
func (t *Trade) TriggerPrice(pct float64) float64 {
	if t.Side == Buy {
		return t.EntryPrice * (1 + pct)
	}
	return t.EntryPrice * (1 - pct)
}
