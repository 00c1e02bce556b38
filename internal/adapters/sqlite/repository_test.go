package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucaserib/Trading-Bot-sub000/internal/domain"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// setupTestDB creates a temporary database for testing.
func setupTestDB(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(Config{
		DBPath: filepath.Join(t.TempDir(), "test.db"),
		Logger: &mockLogger{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

// seedStrategy inserts a strategy row directly; strategies are user-owned
// configuration and the engine only ever reads them.
func seedStrategy(t *testing.T, repo *Repository, name string, paused bool) int64 {
	t.Helper()
	res, err := repo.db.Exec(`
		INSERT INTO strategies (name, exchange, is_testnet, direction, leverage, default_qty,
			stop_loss_pct, tp1_pct, tp1_close_pct, tp2_pct, tp2_close_pct, break_even,
			trading_mode, paused, api_key, secret_key)
		VALUES (?, 'bybit', 1, 'LONG', 10, 0.5, 0.02, 0.01, 0.33, 0.02, 0.67, 1, 'SINGLE', ?, 'key', 'secret')`,
		name, paused)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func TestRepository_FindStrategy(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()
	id := seedStrategy(t, repo, "scalper", false)
	seedStrategy(t, repo, "parked", true)

	t.Run("by id", func(t *testing.T) {
		s, err := repo.FindByID(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, s)
		assert.Equal(t, "scalper", s.Name)
		assert.Equal(t, domain.ExchangeBybit, s.Exchange)
		assert.True(t, s.IsTestnet)
		assert.Equal(t, domain.DirectionLong, s.Direction)
		assert.Equal(t, 10, s.Leverage)
		assert.InDelta(t, 0.02, s.StopLossPct, 1e-9)
		assert.InDelta(t, 0.01, s.TakeProfits[0].PricePct, 1e-9)
		assert.InDelta(t, 0.67, s.TakeProfits[1].ClosePct, 1e-9)
		assert.True(t, s.BreakEven)
		assert.Equal(t, domain.ModeSingleCycle, s.TradingMode)
		assert.True(t, s.Credentials.HasKeys())
	})

	t.Run("missing id returns nil", func(t *testing.T) {
		s, err := repo.FindByID(ctx, 9999)
		require.NoError(t, err)
		assert.Nil(t, s)
	})

	t.Run("active excludes paused", func(t *testing.T) {
		active, err := repo.FindActive(ctx)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, "scalper", active[0].Name)
	})
}

func TestRepository_TradeRoundTrip(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()
	id := seedStrategy(t, repo, "scalper", false)

	trade := &domain.Trade{
		StrategyID: id,
		Symbol:     "BTCUSDT",
		Side:       domain.Buy,
		Type:       domain.OrderTypeMarket,
		EntryPrice: 50000,
		Quantity:   1.0,
		InitialQty: 1.0,
		Status:     domain.StatusOpen,
		OrderID:    "entry-1",
		StopLoss:   domain.SingleOrder("sl-1"),
		TakeProfit: domain.Ladder([]domain.LadderRung{
			{Level: 1, OrderID: "tp-1"}, {Level: 2, OrderID: "tp-2"},
		}),
		StopLossPrice: 49000,
		TakeProfitPcts: []domain.TpLevel{
			{Level: 1, PricePct: 0.01, ClosePct: 0.33, TriggerPrx: 50500},
			{Level: 2, PricePct: 0.02, ClosePct: 0.67, TriggerPrx: 51000},
		},
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}

	tradeID, err := repo.Create(ctx, trade)
	require.NoError(t, err)
	require.NotZero(t, tradeID)

	open, err := repo.FindByStatus(ctx, domain.StatusOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)
	got := open[0]

	assert.Equal(t, trade.Symbol, got.Symbol)
	assert.Equal(t, domain.SingleOrder("sl-1"), got.StopLoss)
	assert.Equal(t, domain.ProtectiveLadder, got.TakeProfit.Kind)
	require.Len(t, got.TakeProfit.Rungs, 2)
	assert.Equal(t, "tp-2", got.TakeProfit.Rungs[1].OrderID)
	require.Len(t, got.TakeProfitPcts, 2)
	assert.InDelta(t, 50500.0, got.TakeProfitPcts[0].TriggerPrx, 1e-9)
	assert.InDelta(t, 49000.0, got.StopLossPrice, 1e-9)

	// Partial fill progress, then terminal close.
	got.Quantity = 0.67
	got.LastTpLevel = 1
	got.Pnl = 165
	got.TakeProfit = domain.Ladder([]domain.LadderRung{{Level: 2, OrderID: "tp-2"}})
	require.NoError(t, repo.Update(ctx, got))

	got.Quantity = 0
	got.Pnl = 835
	got.StopLoss = domain.ProtectiveOrderState{}
	got.TakeProfit = domain.ProtectiveOrderState{}
	got.Close(51000, domain.CloseReasonTakeProfit, time.Now().UTC().Truncate(time.Second))
	require.NoError(t, repo.Update(ctx, got))

	closed, err := repo.FindByStatus(ctx, domain.StatusClosed)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	final := closed[0]
	assert.Equal(t, domain.CloseReasonTakeProfit, final.CloseReason)
	assert.InDelta(t, 51000.0, final.ExitPrice, 1e-9)
	assert.InDelta(t, 835.0, final.Pnl, 1e-9)
	assert.True(t, final.StopLoss.IsNone())
	assert.Zero(t, final.Quantity)
	assert.False(t, final.ClosedAt.IsZero())

	count, err := repo.CountClosedByStrategy(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRepository_UpdateMissingTrade(t *testing.T) {
	repo := setupTestDB(t)
	err := repo.Update(context.Background(), &domain.Trade{ID: 42, Status: domain.StatusOpen})
	assert.Error(t, err)
}

func TestRepository_FindOpen(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()
	id := seedStrategy(t, repo, "scalper", false)

	mk := func(symbol string, side domain.OrderSide, status domain.TradeStatus, age time.Duration) {
		_, err := repo.Create(ctx, &domain.Trade{
			StrategyID: id, Symbol: symbol, Side: side, Type: domain.OrderTypeMarket,
			EntryPrice: 100, Quantity: 1, Status: status,
			CreatedAt: time.Now().UTC().Add(-age),
		})
		require.NoError(t, err)
	}
	mk("BTCUSDT", domain.Buy, domain.StatusOpen, 2*time.Hour)
	mk("BTCUSDT", domain.Buy, domain.StatusOpen, time.Hour)
	mk("BTCUSDT", domain.Sell, domain.StatusOpen, time.Minute)
	mk("BTCUSDT", domain.Buy, domain.StatusClosed, time.Minute)
	mk("ETHUSDT", domain.Buy, domain.StatusOpen, time.Minute)

	t.Run("filters side and orders oldest first", func(t *testing.T) {
		got, err := repo.FindOpen(ctx, id, "BTCUSDT", domain.Buy)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.True(t, got[0].CreatedAt.Before(got[1].CreatedAt))
	})

	t.Run("empty side matches both", func(t *testing.T) {
		got, err := repo.FindOpen(ctx, id, "BTCUSDT", "")
		require.NoError(t, err)
		assert.Len(t, got, 3)
	})

	t.Run("by strategy spans symbols", func(t *testing.T) {
		got, err := repo.FindOpenByStrategy(ctx, id)
		require.NoError(t, err)
		assert.Len(t, got, 4)
	})
}

func TestRepository_FindMostRecentWithInitialQty(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()
	id := seedStrategy(t, repo, "scalper", false)

	none, err := repo.FindMostRecentWithInitialQty(ctx, id, "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = repo.Create(ctx, &domain.Trade{
		StrategyID: id, Symbol: "BTCUSDT", Side: domain.Buy, Type: domain.OrderTypeMarket,
		EntryPrice: 100, Quantity: 0.2, InitialQty: 0.2, Status: domain.StatusClosed,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	})
	require.NoError(t, err)
	// An anchored re-entry carries no initial quantity of its own.
	_, err = repo.Create(ctx, &domain.Trade{
		StrategyID: id, Symbol: "BTCUSDT", Side: domain.Buy, Type: domain.OrderTypeMarket,
		EntryPrice: 100, Quantity: 0.2, InitialQty: 0, Status: domain.StatusOpen,
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	anchor, err := repo.FindMostRecentWithInitialQty(ctx, id, "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, anchor)
	assert.InDelta(t, 0.2, anchor.InitialQty, 1e-9)
}
