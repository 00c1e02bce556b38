package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Opposite returns the closing side for a position opened on this side.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType represents the execution type of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// TradeStatus represents the lifecycle state of a Trade row.
type TradeStatus string

const (
	StatusOpen      TradeStatus = "OPEN"
	StatusClosed    TradeStatus = "CLOSED"
	StatusSimulated TradeStatus = "SIMULATED"
	StatusError     TradeStatus = "ERROR"
)

// CloseReason indicates why a trade was closed.
type CloseReason string

const (
	CloseReasonStopLoss   CloseReason = "SL"
	CloseReasonTakeProfit CloseReason = "TP"
	CloseReasonManual     CloseReason = "MANUAL"
	CloseReasonFlip       CloseReason = "FLIP" // closed to open the opposite side in one-way mode
	CloseReasonUnknown    CloseReason = "Unknown"
)

// MarginMode represents the margin mode applied to a symbol.
type MarginMode string

const (
	MarginIsolated MarginMode = "ISOLATED"
	MarginCrossed  MarginMode = "CROSSED"
)

// TradingMode controls how many trade cycles a strategy may run.
type TradingMode string

const (
	ModeSingleCycle TradingMode = "SINGLE"
	ModeContinuous  TradingMode = "CONTINUOUS"
)

// DirectionFilter restricts which entry sides a strategy accepts.
type DirectionFilter string

const (
	DirectionLong  DirectionFilter = "LONG"
	DirectionShort DirectionFilter = "SHORT"
	DirectionBoth  DirectionFilter = "BOTH"
)

// Allows reports whether the filter permits an entry on the given side.
func (d DirectionFilter) Allows(side OrderSide) bool {
	switch d {
	case DirectionLong:
		return side == Buy
	case DirectionShort:
		return side == Sell
	default:
		return true
	}
}

// OrderStatus is the normalized status of a remote order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// IsTerminal reports whether the remote order can no longer fill further.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusExpired, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// Exchange identifies which venue adapter a strategy trades through.
type Exchange string

const (
	ExchangeBinance Exchange = "binance"
	ExchangeBybit   Exchange = "bybit"
)
