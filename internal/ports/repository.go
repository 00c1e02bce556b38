package ports

import (
	"context"

	"github.com/lucaserib/Trading-Bot-sub000/internal/domain"
)

// StrategyRepository defines the interface for reading strategy configurations.
type StrategyRepository interface {
	// FindByID retrieves a strategy by its unique ID.
	// Returns nil, nil if not found.
	FindByID(ctx context.Context, id int64) (*domain.Strategy, error)
	// FindActive retrieves all non-paused strategies.
	FindActive(ctx context.Context) ([]*domain.Strategy, error)
}

// TradeRepository defines the interface for storing and retrieving trades.
type TradeRepository interface {
	// Create saves a new trade and returns its assigned ID.
	Create(ctx context.Context, trade *domain.Trade) (int64, error)
	// Update modifies an existing trade. The whole row is written in one
	// statement, so the OPEN -> CLOSED transition lands atomically.
	Update(ctx context.Context, trade *domain.Trade) error
	// FindByStatus retrieves all trades with the given status, oldest first.
	FindByStatus(ctx context.Context, status domain.TradeStatus) ([]*domain.Trade, error)
	// FindOpen retrieves OPEN trades matching (strategy, symbol, side),
	// oldest first. An empty side matches both sides.
	FindOpen(ctx context.Context, strategyID int64, symbol string, side domain.OrderSide) ([]*domain.Trade, error)
	// FindOpenByStrategy retrieves all OPEN trades for a strategy.
	FindOpenByStrategy(ctx context.Context, strategyID int64) ([]*domain.Trade, error)
	// FindMostRecentWithInitialQty returns the newest trade of the strategy
	// carrying a non-zero initial quantity, or nil, nil when none exists.
	// Used as the sizing anchor when compounding is off.
	FindMostRecentWithInitialQty(ctx context.Context, strategyID int64, symbol string) (*domain.Trade, error)
	// CountClosedByStrategy counts CLOSED trades for a strategy.
	CountClosedByStrategy(ctx context.Context, strategyID int64) (int, error)
}
