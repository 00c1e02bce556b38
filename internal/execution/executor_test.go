package execution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucaserib/Trading-Bot-sub000/internal/domain"
	"github.com/lucaserib/Trading-Bot-sub000/internal/normalizer"
	"github.com/lucaserib/Trading-Bot-sub000/internal/ports"
)

// Mock implementations

type mockLogger struct {
	warnMsgs  []string
	errorMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.warnMsgs = append(m.warnMsgs, msg)
}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.errorMsgs = append(m.errorMsgs, msg)
}

type mockStrategyRepo struct {
	strategies map[int64]*domain.Strategy
}

func (m *mockStrategyRepo) FindByID(ctx context.Context, id int64) (*domain.Strategy, error) {
	return m.strategies[id], nil
}

func (m *mockStrategyRepo) FindActive(ctx context.Context) ([]*domain.Strategy, error) {
	var out []*domain.Strategy
	for _, s := range m.strategies {
		if s.IsActive() {
			out = append(out, s)
		}
	}
	return out, nil
}

type mockTradeRepo struct {
	trades      []*domain.Trade
	nextID      int64
	closedCount int
	anchor      *domain.Trade
	updates     int
}

func (m *mockTradeRepo) Create(ctx context.Context, trade *domain.Trade) (int64, error) {
	m.nextID++
	trade.ID = m.nextID
	m.trades = append(m.trades, trade)
	return trade.ID, nil
}

func (m *mockTradeRepo) Update(ctx context.Context, trade *domain.Trade) error {
	m.updates++
	for i, t := range m.trades {
		if t.ID == trade.ID {
			m.trades[i] = trade
			return nil
		}
	}
	return ports.ErrNotFound
}

func (m *mockTradeRepo) FindByStatus(ctx context.Context, status domain.TradeStatus) ([]*domain.Trade, error) {
	var out []*domain.Trade
	for _, t := range m.trades {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *mockTradeRepo) FindOpen(ctx context.Context, strategyID int64, symbol string, side domain.OrderSide) ([]*domain.Trade, error) {
	var out []*domain.Trade
	for _, t := range m.trades {
		if t.Status != domain.StatusOpen || t.StrategyID != strategyID || t.Symbol != symbol {
			continue
		}
		if side != "" && t.Side != side {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (m *mockTradeRepo) FindOpenByStrategy(ctx context.Context, strategyID int64) ([]*domain.Trade, error) {
	var out []*domain.Trade
	for _, t := range m.trades {
		if t.Status == domain.StatusOpen && t.StrategyID == strategyID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *mockTradeRepo) FindMostRecentWithInitialQty(ctx context.Context, strategyID int64, symbol string) (*domain.Trade, error) {
	return m.anchor, nil
}

func (m *mockTradeRepo) CountClosedByStrategy(ctx context.Context, strategyID int64) (int, error) {
	return m.closedCount, nil
}

type triggerCall struct {
	symbol    string
	side      domain.OrderSide
	quantity  string
	stopPrice string
}

type positionStopCall struct {
	symbol          string
	side            domain.OrderSide
	stopPrice       string
	takeProfitPrice string
}

type mockExchange struct {
	positionStopVenue bool

	orders        []ports.OrderRequest
	stopOrders    []triggerCall
	tpOrders      []triggerCall
	positionStops []positionStopCall
	cancelAll     []string
	cancels       []string

	placeErr      error
	stopErr       error
	tpErr         error
	entryAvgPrice float64
	positions     []ports.Position
	positionsErr  error
	ticker        float64
	lastFill      float64
	balance       float64
	orderStatuses map[string]domain.OrderStatus
}

func (m *mockExchange) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderResponse, error) {
	if m.placeErr != nil {
		return nil, m.placeErr
	}
	m.orders = append(m.orders, req)
	return &ports.OrderResponse{OrderID: "entry-1", Symbol: req.Symbol, AvgPrice: m.entryAvgPrice, Status: domain.OrderStatusFilled}, nil
}

func (m *mockExchange) PlaceStopMarket(ctx context.Context, symbol string, side domain.OrderSide, quantity, stopPrice string) (*ports.OrderResponse, error) {
	if m.stopErr != nil {
		return nil, m.stopErr
	}
	m.stopOrders = append(m.stopOrders, triggerCall{symbol, side, quantity, stopPrice})
	return &ports.OrderResponse{OrderID: "sl-1", Symbol: symbol}, nil
}

func (m *mockExchange) PlaceTakeProfitMarket(ctx context.Context, symbol string, side domain.OrderSide, quantity, stopPrice string) (*ports.OrderResponse, error) {
	if m.tpErr != nil {
		return nil, m.tpErr
	}
	m.tpOrders = append(m.tpOrders, triggerCall{symbol, side, quantity, stopPrice})
	return &ports.OrderResponse{OrderID: "tp-" + stopPrice, Symbol: symbol}, nil
}

func (m *mockExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.cancels = append(m.cancels, orderID)
	return nil
}

func (m *mockExchange) CancelAllOrders(ctx context.Context, symbol string) error {
	m.cancelAll = append(m.cancelAll, symbol)
	return nil
}

func (m *mockExchange) GetPositions(ctx context.Context, symbol string) ([]ports.Position, error) {
	return m.positions, m.positionsErr
}

func (m *mockExchange) GetOrderStatus(ctx context.Context, symbol, orderID string) (*domain.OrderStatus, error) {
	if st, ok := m.orderStatuses[orderID]; ok {
		return &st, nil
	}
	return nil, nil
}

func (m *mockExchange) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	return m.ticker, nil
}

func (m *mockExchange) GetLastFillPrice(ctx context.Context, symbol string) (float64, error) {
	return m.lastFill, nil
}

func (m *mockExchange) GetBalance(ctx context.Context) (float64, error) {
	return m.balance, nil
}

func (m *mockExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error { return nil }

func (m *mockExchange) SetMarginMode(ctx context.Context, symbol string, mode domain.MarginMode, leverage int) error {
	return nil
}

func (m *mockExchange) SetPositionStop(ctx context.Context, symbol string, side domain.OrderSide, stopPrice, takeProfitPrice string) error {
	if !m.positionStopVenue {
		return ports.ErrUnsupportedVenue
	}
	m.positionStops = append(m.positionStops, positionStopCall{symbol, side, stopPrice, takeProfitPrice})
	return nil
}

func (m *mockExchange) SupportsPositionStop() bool { return m.positionStopVenue }

type mockProvider struct {
	client ports.ExchangeClient
	err    error
	calls  int
}

func (m *mockProvider) ForStrategy(strat *domain.Strategy) (ports.ExchangeClient, error) {
	m.calls++
	return m.client, m.err
}

type staticRules struct{ rules ports.SymbolRules }

func (s staticRules) GetRules(ctx context.Context, symbol string) (ports.SymbolRules, error) {
	return s.rules, nil
}

// Test fixture

type fixture struct {
	executor *Executor
	strat    *domain.Strategy
	trades   *mockTradeRepo
	exch     *mockExchange
	provider *mockProvider
	logger   *mockLogger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := &mockLogger{}
	strat := &domain.Strategy{
		ID:          1,
		Exchange:    domain.ExchangeBinance,
		IsTestnet:   true,
		Direction:   domain.DirectionBoth,
		Leverage:    10,
		MarginMode:  domain.MarginIsolated,
		DefaultQty:  0.5,
		StopLossPct: 0.02,
		TakeProfits: [3]domain.TakeProfitTarget{
			{PricePct: 0.01, ClosePct: 0.33},
			{PricePct: 0.02, ClosePct: 0.33},
			{PricePct: 0.03, ClosePct: 0.34},
		},
		TradingMode: domain.ModeContinuous,
		Credentials: domain.Credentials{APIKey: "k", SecretKey: "s"},
	}
	trades := &mockTradeRepo{}
	exch := &mockExchange{ticker: 50000, balance: 10000, entryAvgPrice: 50000}
	provider := &mockProvider{client: exch}
	norm := normalizer.New(staticRules{ports.SymbolRules{QtyStep: 0.001, PriceTick: 0.5, MinQty: 0.001}}, logger)

	executor, err := New(Config{FlipSettleDelay: time.Second, MinNotional: 10}, logger, &mockStrategyRepo{strategies: map[int64]*domain.Strategy{1: strat}}, trades, provider, norm)
	require.NoError(t, err)
	executor.sleep = func(time.Duration) {}

	return &fixture{executor: executor, strat: strat, trades: trades, exch: exch, provider: provider, logger: logger}
}

func buySignal() *domain.Signal {
	return &domain.Signal{StrategyID: 1, Symbol: "BTCUSDT", Action: domain.Buy}
}

// Tests

func TestExecuteSafetyGate(t *testing.T) {
	f := newFixture(t)
	f.strat.IsTestnet = false
	f.strat.IsRealAccount = false

	trade, err := f.executor.Execute(context.Background(), buySignal())
	require.ErrorIs(t, err, ports.ErrExecutionDisabled)
	require.NotNil(t, trade)
	assert.Equal(t, domain.StatusError, trade.Status)
	assert.NotEmpty(t, trade.ErrorMessage)

	// The gate fires before any venue interaction.
	assert.Zero(t, f.provider.calls)
	assert.Empty(t, f.exch.orders)
	require.Len(t, f.trades.trades, 1)
}

func TestExecutePolicyGates(t *testing.T) {
	t.Run("paused strategy", func(t *testing.T) {
		f := newFixture(t)
		f.strat.Paused = true
		_, err := f.executor.Execute(context.Background(), buySignal())
		assert.ErrorIs(t, err, ports.ErrStrategyPaused)
		assert.Empty(t, f.trades.trades)
	})

	t.Run("direction filter blocks the side", func(t *testing.T) {
		f := newFixture(t)
		f.strat.Direction = domain.DirectionShort
		_, err := f.executor.Execute(context.Background(), buySignal())
		assert.ErrorIs(t, err, ports.ErrDirectionNotAllowed)
	})

	t.Run("single-cycle strategy already done", func(t *testing.T) {
		f := newFixture(t)
		f.strat.TradingMode = domain.ModeSingleCycle
		f.trades.closedCount = 1
		_, err := f.executor.Execute(context.Background(), buySignal())
		assert.ErrorIs(t, err, ports.ErrCycleExhausted)
	})
}

func TestExecuteMarketEntry(t *testing.T) {
	f := newFixture(t)

	trade, err := f.executor.Execute(context.Background(), buySignal())
	require.NoError(t, err)
	require.NotNil(t, trade)

	assert.Equal(t, domain.StatusOpen, trade.Status)
	assert.Equal(t, "entry-1", trade.OrderID)
	assert.InDelta(t, 50000.0, trade.EntryPrice, 1e-9)
	assert.InDelta(t, 0.5, trade.Quantity, 1e-9)

	// Stop at 2% below entry.
	require.Equal(t, domain.ProtectiveSingleOrder, trade.StopLoss.Kind)
	assert.Equal(t, "sl-1", trade.StopLoss.OrderID)
	assert.InDelta(t, 49000.0, trade.StopLossPrice, 1e-9)
	require.Len(t, f.exch.stopOrders, 1)
	assert.Equal(t, domain.Sell, f.exch.stopOrders[0].side)
	assert.Equal(t, "49000", f.exch.stopOrders[0].stopPrice)

	// Three ladder legs at 1/2/3 percent.
	require.Equal(t, domain.ProtectiveLadder, trade.TakeProfit.Kind)
	require.Len(t, trade.TakeProfit.Rungs, 3)
	require.Len(t, f.exch.tpOrders, 3)
	assert.Equal(t, "50500", f.exch.tpOrders[0].stopPrice)
	assert.Equal(t, "51000", f.exch.tpOrders[1].stopPrice)
	assert.Equal(t, "51500", f.exch.tpOrders[2].stopPrice)

	require.Len(t, trade.TakeProfitPcts, 3)
	assert.InDelta(t, 50500.0, trade.TakeProfitPcts[0].TriggerPrx, 1e-9)
	assert.InDelta(t, 51500.0, trade.TakeProfitPcts[2].TriggerPrx, 1e-9)

	// Entry order itself: market, not reduce-only, tagged with a client id.
	require.Len(t, f.exch.orders, 1)
	assert.Equal(t, domain.OrderTypeMarket, f.exch.orders[0].Type)
	assert.False(t, f.exch.orders[0].ReduceOnly)
	assert.NotEmpty(t, f.exch.orders[0].ClientOrderID)
}

func TestExecutePositionStopVenue(t *testing.T) {
	f := newFixture(t)
	f.exch.positionStopVenue = true
	f.strat.TakeProfits = [3]domain.TakeProfitTarget{{PricePct: 0.01, ClosePct: 1}}

	trade, err := f.executor.Execute(context.Background(), buySignal())
	require.NoError(t, err)

	// Single-level ladder rides on the position stop together with the SL.
	assert.Equal(t, domain.ProtectivePositionLevel, trade.StopLoss.Kind)
	assert.Equal(t, domain.ProtectivePositionLevel, trade.TakeProfit.Kind)
	require.Len(t, f.exch.positionStops, 1)
	assert.Equal(t, "49000", f.exch.positionStops[0].stopPrice)
	assert.Equal(t, "50500", f.exch.positionStops[0].takeProfitPrice)
	assert.Empty(t, f.exch.stopOrders)
	assert.Empty(t, f.exch.tpOrders)
}

func TestExecutePositionStopVenueMultiLevelLadder(t *testing.T) {
	f := newFixture(t)
	f.exch.positionStopVenue = true

	trade, err := f.executor.Execute(context.Background(), buySignal())
	require.NoError(t, err)

	// Multi-level ladders still need one order per level even on a
	// position-stop venue; only the stop rides on the position.
	assert.Equal(t, domain.ProtectivePositionLevel, trade.StopLoss.Kind)
	assert.Equal(t, domain.ProtectiveLadder, trade.TakeProfit.Kind)
	require.Len(t, f.exch.positionStops, 1)
	assert.Empty(t, f.exch.positionStops[0].takeProfitPrice)
	assert.Len(t, f.exch.tpOrders, 3)
}

func TestExecuteMinNotional(t *testing.T) {
	f := newFixture(t)
	f.strat.DefaultQty = 0.0001 // 5 USDT at 50k

	trade, err := f.executor.Execute(context.Background(), buySignal())
	require.ErrorIs(t, err, ports.ErrNotionalTooLow)
	require.NotNil(t, trade)
	assert.Equal(t, domain.StatusError, trade.Status)
	assert.Empty(t, f.exch.orders)
}

func TestExecuteDuplicateRejected(t *testing.T) {
	f := newFixture(t)
	f.trades.trades = append(f.trades.trades, &domain.Trade{
		ID: 7, StrategyID: 1, Symbol: "BTCUSDT", Side: domain.Buy,
		Status: domain.StatusOpen, EntryPrice: 48000, Quantity: 0.5,
	})
	f.trades.nextID = 7

	_, err := f.executor.Execute(context.Background(), buySignal())
	assert.ErrorIs(t, err, ports.ErrDuplicatePosition)
	assert.Empty(t, f.exch.orders)
}

func TestExecuteAveragingMerge(t *testing.T) {
	f := newFixture(t)
	f.strat.Averaging = true
	existing := &domain.Trade{
		ID: 7, StrategyID: 1, Symbol: "BTCUSDT", Side: domain.Buy,
		Status: domain.StatusOpen, EntryPrice: 50000, Quantity: 0.5,
	}
	f.trades.trades = append(f.trades.trades, existing)
	f.trades.nextID = 7

	qty := 0.5
	price := 52000.0
	f.exch.entryAvgPrice = 52000
	sig := buySignal()
	sig.Quantity = &qty
	sig.Price = &price

	trade, err := f.executor.Execute(context.Background(), sig)
	require.NoError(t, err)
	require.Same(t, existing, trade)

	assert.InDelta(t, 1.0, trade.Quantity, 1e-9)
	assert.InDelta(t, 51000.0, trade.EntryPrice, 1e-9) // weighted average
	assert.True(t, trade.IsFromAvg)
	require.Len(t, f.trades.trades, 1, "averaging must not create a second row")
}

func TestExecuteOneWayFlip(t *testing.T) {
	f := newFixture(t)
	opposite := &domain.Trade{
		ID: 7, StrategyID: 1, Symbol: "BTCUSDT", Side: domain.Sell,
		Status: domain.StatusOpen, EntryPrice: 51000, Quantity: 0.5,
		StopLoss: domain.SingleOrder("old-sl"),
	}
	f.trades.trades = append(f.trades.trades, opposite)
	f.trades.nextID = 7
	f.exch.positions = []ports.Position{{Symbol: "BTCUSDT", Side: domain.Sell, Size: 0.5, EntryPrice: 51000}}
	f.exch.ticker = 50000

	trade, err := f.executor.Execute(context.Background(), buySignal())
	require.NoError(t, err)
	require.NotNil(t, trade)
	assert.NotEqual(t, opposite.ID, trade.ID)

	// The opposite side was closed FLIP with its short profit realized.
	assert.Equal(t, domain.StatusClosed, opposite.Status)
	assert.Equal(t, domain.CloseReasonFlip, opposite.CloseReason)
	assert.InDelta(t, 500.0, opposite.Pnl, 1e-9) // (51000-50000)*0.5
	assert.Zero(t, opposite.Quantity)

	assert.Equal(t, []string{"BTCUSDT"}, f.exch.cancelAll)

	// First order is the reduce-only close of the short, second the new long.
	require.GreaterOrEqual(t, len(f.exch.orders), 2)
	assert.True(t, f.exch.orders[0].ReduceOnly)
	assert.Equal(t, domain.Buy, f.exch.orders[0].Side)
	assert.False(t, f.exch.orders[1].ReduceOnly)
}

func TestExecuteHedgeModeOpensOppositeSide(t *testing.T) {
	f := newFixture(t)
	f.strat.HedgeMode = true
	short := &domain.Trade{
		ID: 7, StrategyID: 1, Symbol: "BTCUSDT", Side: domain.Sell,
		Status: domain.StatusOpen, EntryPrice: 51000, Quantity: 0.5,
		StopLoss: domain.SingleOrder("short-sl"),
	}
	f.trades.trades = append(f.trades.trades, short)
	f.trades.nextID = 7

	trade, err := f.executor.Execute(context.Background(), buySignal())
	require.NoError(t, err)
	require.NotNil(t, trade)

	// The existing short is untouched; the long is an independent row.
	assert.Equal(t, domain.StatusOpen, short.Status)
	assert.InDelta(t, 0.5, short.Quantity, 1e-9)
	assert.Equal(t, domain.SingleOrder("short-sl"), short.StopLoss)
	assert.NotEqual(t, short.ID, trade.ID)
	assert.Equal(t, domain.Buy, trade.Side)
	assert.Equal(t, domain.StatusOpen, trade.Status)

	assert.Empty(t, f.exch.cancelAll, "hedge mode must not trigger a one-way flip")
	for _, req := range f.exch.orders {
		assert.False(t, req.ReduceOnly, "hedge entries never close the other side")
	}
}

func TestExecuteSizingChain(t *testing.T) {
	t.Run("explicit signal quantity wins", func(t *testing.T) {
		f := newFixture(t)
		qty := 0.25
		sig := buySignal()
		sig.Quantity = &qty
		trade, err := f.executor.Execute(context.Background(), sig)
		require.NoError(t, err)
		assert.InDelta(t, 0.25, trade.Quantity, 1e-9)
		assert.InDelta(t, 0.25, trade.InitialQty, 1e-9)
	})

	t.Run("percentage sizing from balance and leverage", func(t *testing.T) {
		f := newFixture(t)
		f.strat.AccountPct = 0.1
		f.strat.Compounding = true
		// 10000 * 0.1 * 10 / 50000 = 0.2
		trade, err := f.executor.Execute(context.Background(), buySignal())
		require.NoError(t, err)
		assert.InDelta(t, 0.2, trade.Quantity, 1e-9)
	})

	t.Run("non-compounding reuses the first-cycle anchor", func(t *testing.T) {
		f := newFixture(t)
		f.strat.AccountPct = 0.1
		f.strat.Compounding = false
		f.trades.anchor = &domain.Trade{InitialQty: 0.3}
		trade, err := f.executor.Execute(context.Background(), buySignal())
		require.NoError(t, err)
		assert.InDelta(t, 0.3, trade.Quantity, 1e-9)
		assert.Zero(t, trade.InitialQty, "anchored cycles must not re-anchor")
	})

	t.Run("signal percentage recomputes past the anchor", func(t *testing.T) {
		f := newFixture(t)
		f.strat.AccountPct = 0.1
		f.strat.Compounding = false
		f.trades.anchor = &domain.Trade{InitialQty: 0.3}
		pct := 0.2
		sig := buySignal()
		sig.AccountPct = &pct
		// 10000 * 0.2 * 10 / 50000 = 0.4, not the 0.3 anchor
		trade, err := f.executor.Execute(context.Background(), sig)
		require.NoError(t, err)
		assert.InDelta(t, 0.4, trade.Quantity, 1e-9)
		assert.InDelta(t, 0.4, trade.InitialQty, 1e-9)
	})

	t.Run("default quantity fallback", func(t *testing.T) {
		f := newFixture(t)
		trade, err := f.executor.Execute(context.Background(), buySignal())
		require.NoError(t, err)
		assert.InDelta(t, 0.5, trade.Quantity, 1e-9)
	})
}

func TestExecuteNextCandleOffsetForcesLimit(t *testing.T) {
	f := newFixture(t)
	f.strat.NextCandlePct = 0.005

	trade, err := f.executor.Execute(context.Background(), buySignal())
	require.NoError(t, err)

	assert.Equal(t, domain.OrderTypeLimit, trade.Type)
	require.Len(t, f.exch.orders, 1)
	assert.Equal(t, domain.OrderTypeLimit, f.exch.orders[0].Type)
	assert.Equal(t, "49750", f.exch.orders[0].Price) // 50000 * (1 - 0.005)
}

func TestExecuteEntryFailureMarksError(t *testing.T) {
	f := newFixture(t)
	f.exch.placeErr = ports.ErrInsufficientFunds

	trade, err := f.executor.Execute(context.Background(), buySignal())
	require.ErrorIs(t, err, ports.ErrInsufficientFunds)
	require.NotNil(t, trade)
	assert.Equal(t, domain.StatusError, trade.Status)
	assert.NotEmpty(t, trade.ErrorMessage)
	assert.Empty(t, f.exch.stopOrders, "no protective legs after a failed entry")
}

func TestExecuteProtectiveLegFailureFallsBackToManual(t *testing.T) {
	f := newFixture(t)
	f.exch.stopErr = ports.ErrOrderPlacementFailed
	f.exch.tpErr = ports.ErrOrderPlacementFailed

	trade, err := f.executor.Execute(context.Background(), buySignal())
	require.NoError(t, err, "a standing entry must not be failed over protective legs")

	assert.Equal(t, domain.StatusOpen, trade.Status)
	assert.True(t, trade.StopLoss.IsNone())
	assert.True(t, trade.TakeProfit.IsNone())
	assert.InDelta(t, 49000.0, trade.StopLossPrice, 1e-9, "stop level still tracked for manual monitoring")
	assert.NotEmpty(t, f.logger.warnMsgs)
}
