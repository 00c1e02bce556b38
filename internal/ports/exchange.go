package ports

import (
	"context"

	"github.com/lucaserib/Trading-Bot-sub000/internal/domain"
)

// OrderRequest carries everything an adapter needs to place an entry or
// closing order. ReduceOnly marks closing orders that must never increase
// exposure. Protective trigger legs go through PlaceStopMarket /
// PlaceTakeProfitMarket instead.
type OrderRequest struct {
	Symbol        string
	Side          domain.OrderSide
	Type          domain.OrderType
	Quantity      string // already normalized to the symbol's step size
	Price         string // limit price, empty for market orders
	ReduceOnly    bool
	ClientOrderID string
}

// OrderResponse represents the essential details returned after placing an order.
type OrderResponse struct {
	OrderID     string
	Symbol      string
	AvgPrice    float64 // average filled price (0 until filled for limit orders)
	ExecutedQty float64
	Status      domain.OrderStatus
}

// Position is a venue position normalized to the engine's view.
type Position struct {
	Symbol        string
	Side          domain.OrderSide // BUY for long, SELL for short
	Size          float64          // always positive
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnl float64
	Leverage      int
}

// ExchangeClient is the per-venue capability set the engine depends on.
// Signed-request construction (timestamps, HMAC, headers) is internal to each
// implementation. Status queries return nil, nil when the venue cannot locate
// the order; callers must treat that as "unknown", not "not filled".
type ExchangeClient interface {
	// PlaceOrder places an entry or closing order and returns its
	// essential details.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error)
	// PlaceStopMarket places a reduce-only stop-market protective leg
	// triggering at stopPrice.
	PlaceStopMarket(ctx context.Context, symbol string, side domain.OrderSide, quantity, stopPrice string) (*OrderResponse, error)
	// PlaceTakeProfitMarket places a reduce-only take-profit-market
	// protective leg triggering at stopPrice.
	PlaceTakeProfitMarket(ctx context.Context, symbol string, side domain.OrderSide, quantity, stopPrice string) (*OrderResponse, error)
	// CancelOrder cancels an open order by id.
	CancelOrder(ctx context.Context, symbol, orderID string) error
	// CancelAllOrders cancels every open order on the symbol.
	CancelAllOrders(ctx context.Context, symbol string) error
	// GetPositions returns non-zero positions, optionally filtered by symbol
	// (empty symbol = all symbols).
	GetPositions(ctx context.Context, symbol string) ([]Position, error)
	// GetOrderStatus looks the order up among live orders first, then
	// historical ones. Returns nil, nil when it cannot be found either way.
	GetOrderStatus(ctx context.Context, symbol, orderID string) (*domain.OrderStatus, error)
	// GetTickerPrice retrieves the last ticker price for a symbol.
	GetTickerPrice(ctx context.Context, symbol string) (float64, error)
	// GetLastFillPrice returns the venue's last trade price for the symbol,
	// or 0, nil when no recent trade is available.
	GetLastFillPrice(ctx context.Context, symbol string) (float64, error)
	// GetBalance retrieves the available quote-currency balance.
	GetBalance(ctx context.Context) (float64, error)
	// SetLeverage sets the leverage for a symbol.
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	// SetMarginMode sets the margin mode (and leverage, where the venue
	// couples them) for a symbol.
	SetMarginMode(ctx context.Context, symbol string, mode domain.MarginMode, leverage int) error
	// SetPositionStop attaches stop-loss/take-profit prices to the position
	// itself. Venues without position-attached stops return
	// ErrUnsupportedVenue.
	SetPositionStop(ctx context.Context, symbol string, side domain.OrderSide, stopPrice, takeProfitPrice string) error
	// SupportsPositionStop reports whether SetPositionStop is meaningful on
	// this venue. Checked once at entry time, never inside the monitors.
	SupportsPositionStop() bool
}

// ExchangeProvider resolves the venue client for a strategy. Implemented by
// the adapter factory; this is where venue polymorphism is decided, exactly
// once per strategy.
type ExchangeProvider interface {
	ForStrategy(strat *domain.Strategy) (ExchangeClient, error)
}

// SymbolRules are the per-symbol legality constraints used by the normalizer.
type SymbolRules struct {
	QtyStep   float64
	PriceTick float64
	MinQty    float64
}

// SymbolRulesProvider resolves step/tick/min-quantity rules for a symbol.
type SymbolRulesProvider interface {
	GetRules(ctx context.Context, symbol string) (SymbolRules, error)
}
