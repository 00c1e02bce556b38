package domain

// Signal is an externally-produced trade instruction. Optional fields are
// pointers so "absent" is distinguishable from zero.
type Signal struct {
	StrategyID int64
	Symbol     string
	Action     OrderSide // BUY or SELL
	OrderType  OrderType // defaults to MARKET when empty
	Price      *float64  // required for LIMIT entries
	Quantity   *float64  // explicit size; overrides all sizing rules
	AccountPct *float64  // percentage-of-balance sizing; overrides the strategy's
	StopLoss   *float64  // absolute stop price; overrides the strategy's percentage
	TakeProfit *float64  // absolute take-profit price; overrides the ladder
}

// EffectiveType returns the signal's order type, defaulting to MARKET.
func (s *Signal) EffectiveType() OrderType {
	if s.OrderType == "" {
		return OrderTypeMarket
	}
	return s.OrderType
}
