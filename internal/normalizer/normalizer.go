package normalizer

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/lucaserib/Trading-Bot-sub000/internal/ports"
)

// Safe defaults applied when the rules provider cannot resolve a symbol.
// Coarse enough to be legal on the major linear-perpetual venues.
var defaultRules = ports.SymbolRules{
	QtyStep:   0.001,
	PriceTick: 0.01,
	MinQty:    0.001,
}

// Normalizer converts desired quantities/prices into exchange-legal values
// using per-symbol step/tick/min-quantity rules. Rules are cached for the
// process lifetime; a lookup failure falls back to static safe defaults and
// is retried on the next miss.
type Normalizer struct {
	provider ports.SymbolRulesProvider
	logger   ports.Logger

	mu    sync.RWMutex
	cache map[string]ports.SymbolRules
}

// New creates a Normalizer backed by the given rules provider.
func New(provider ports.SymbolRulesProvider, logger ports.Logger) *Normalizer {
	return &Normalizer{
		provider: provider,
		logger:   logger,
		cache:    make(map[string]ports.SymbolRules),
	}
}

func (n *Normalizer) rules(ctx context.Context, symbol string) ports.SymbolRules {
	n.mu.RLock()
	r, ok := n.cache[symbol]
	n.mu.RUnlock()
	if ok {
		return r
	}

	r, err := n.provider.GetRules(ctx, symbol)
	if err != nil {
		n.logger.Warn(ctx, "Symbol rules lookup failed, using defaults", map[string]interface{}{"symbol": symbol, "error": err.Error()})
		return defaultRules
	}
	if r.QtyStep <= 0 {
		r.QtyStep = defaultRules.QtyStep
	}
	if r.PriceTick <= 0 {
		r.PriceTick = defaultRules.PriceTick
	}

	n.mu.Lock()
	n.cache[symbol] = r
	n.mu.Unlock()
	return r
}

// Quantity rounds qty down to the symbol's step size and returns the API
// string form. Returns "0" (and false) when the result is below the symbol's
// minimum quantity.
func (n *Normalizer) Quantity(ctx context.Context, symbol string, qty float64) (string, bool) {
	r := n.rules(ctx, symbol)
	step := decimal.NewFromFloat(r.QtyStep)
	d := decimal.NewFromFloat(qty)
	rounded := d.Div(step).Floor().Mul(step)
	if rounded.LessThan(decimal.NewFromFloat(r.MinQty)) || rounded.Sign() <= 0 {
		return "0", false
	}
	return rounded.String(), true
}

// QuantityValue is Quantity returning the rounded float instead of the API
// string, for callers mutating ledger rows.
func (n *Normalizer) QuantityValue(ctx context.Context, symbol string, qty float64) float64 {
	r := n.rules(ctx, symbol)
	step := decimal.NewFromFloat(r.QtyStep)
	v, _ := decimal.NewFromFloat(qty).Div(step).Floor().Mul(step).Float64()
	return v
}

// Price rounds price to the symbol's tick size (nearest tick) and returns the
// API string form.
func (n *Normalizer) Price(ctx context.Context, symbol string, price float64) string {
	r := n.rules(ctx, symbol)
	tick := decimal.NewFromFloat(r.PriceTick)
	return decimal.NewFromFloat(price).Div(tick).Round(0).Mul(tick).String()
}

// MinQty exposes the cached minimum quantity for a symbol, used by the
// monitors to decide when a remaining position is effectively closed.
func (n *Normalizer) MinQty(ctx context.Context, symbol string) float64 {
	return n.rules(ctx, symbol).MinQty
}
