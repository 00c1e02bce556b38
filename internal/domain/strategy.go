package domain

import "time"

// Credentials holds the API key pair for a strategy's exchange account.
// They are only ever read by the adapter factory; nothing else, including
// logs, may see them.
type Credentials struct {
	APIKey    string
	SecretKey string
}

// HasKeys reports whether both halves of the key pair are present.
func (c Credentials) HasKeys() bool {
	return c.APIKey != "" && c.SecretKey != ""
}

// TakeProfitTarget is one configured take-profit level on a strategy.
type TakeProfitTarget struct {
	PricePct float64 // distance from entry, e.g., 0.01 for 1%
	ClosePct float64 // fraction of quantity to close at this level
}

// Strategy is the user-owned trading configuration. Read-mostly; the engine
// never mutates it except through the repository.
type Strategy struct {
	ID            int64
	Name          string
	Exchange      Exchange        // venue selector
	IsTestnet     bool            // execute against the venue's testnet
	IsRealAccount bool            // explicit opt-in for live trading
	Direction     DirectionFilter // which entry sides are accepted
	Leverage      int
	MarginMode    MarginMode
	DefaultQty    float64 // fixed quantity fallback
	AccountPct    float64 // percentage-of-balance sizing (0 = disabled)
	StopLossPct   float64 // e.g., 0.02 for 2% (0 = no stop)

	// Up to three partial take-profit levels; a zero PricePct disables the
	// level and everything after it.
	TakeProfits [3]TakeProfitTarget

	BreakEven     bool    // ratchet stop to entry after TP1 crossing
	BreakAgain    bool    // keep ratcheting to prior TP levels after TP2/TP3
	NextCandlePct float64 // entry price offset; non-zero forces LIMIT entries
	Compounding   bool    // recompute percentage sizing from current balance each cycle
	TradingMode   TradingMode
	Averaging     bool // merge same-side signals instead of rejecting them
	HedgeMode     bool // allow simultaneous opposite-side positions
	Paused        bool

	Credentials Credentials
	CreatedAt   time.Time
}

// IsActive reports whether the strategy may act on signals at all.
func (s *Strategy) IsActive() bool {
	return !s.Paused
}

// CanExecute reports whether the strategy is allowed to reach a real venue.
// A strategy with neither testnet nor an explicit real-account opt-in must
// never produce a remote call.
func (s *Strategy) CanExecute() bool {
	return s.IsTestnet || s.IsRealAccount
}

// ActiveTakeProfits returns the configured ladder levels in order, stopping
// at the first disabled one.
func (s *Strategy) ActiveTakeProfits() []TakeProfitTarget {
	var out []TakeProfitTarget
	for _, tp := range s.TakeProfits {
		if tp.PricePct <= 0 {
			break
		}
		out = append(out, tp)
	}
	return out
}
