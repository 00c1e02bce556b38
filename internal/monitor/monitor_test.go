package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lucaserib/Trading-Bot-sub000/internal/domain"
	"github.com/lucaserib/Trading-Bot-sub000/internal/normalizer"
	"github.com/lucaserib/Trading-Bot-sub000/internal/ports"
)

// Mock implementations shared by the monitor tests.

type mockLogger struct {
	warnMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.warnMsgs = append(m.warnMsgs, msg)
}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
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
		out = append(out, s)
	}
	return out, nil
}

type mockTradeRepo struct {
	trades  []*domain.Trade
	updates int
}

func (m *mockTradeRepo) Create(ctx context.Context, trade *domain.Trade) (int64, error) {
	trade.ID = int64(len(m.trades) + 1)
	m.trades = append(m.trades, trade)
	return trade.ID, nil
}

func (m *mockTradeRepo) Update(ctx context.Context, trade *domain.Trade) error {
	m.updates++
	return nil
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
	return nil, nil
}

func (m *mockTradeRepo) FindOpenByStrategy(ctx context.Context, strategyID int64) ([]*domain.Trade, error) {
	return nil, nil
}

func (m *mockTradeRepo) FindMostRecentWithInitialQty(ctx context.Context, strategyID int64, symbol string) (*domain.Trade, error) {
	return nil, nil
}

func (m *mockTradeRepo) CountClosedByStrategy(ctx context.Context, strategyID int64) (int, error) {
	return 0, nil
}

type triggerCall struct {
	side      domain.OrderSide
	quantity  string
	stopPrice string
}

type positionStopCall struct {
	stopPrice       string
	takeProfitPrice string
}

type mockExchange struct {
	orders        []ports.OrderRequest
	stopOrders    []triggerCall
	positionStops []positionStopCall
	cancels       []string

	positions     []ports.Position
	ticker        float64
	lastFill      float64
	orderStatuses map[string]domain.OrderStatus
	stopErr       error
}

func (m *mockExchange) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderResponse, error) {
	m.orders = append(m.orders, req)
	return &ports.OrderResponse{OrderID: "close-1", Symbol: req.Symbol}, nil
}

func (m *mockExchange) PlaceStopMarket(ctx context.Context, symbol string, side domain.OrderSide, quantity, stopPrice string) (*ports.OrderResponse, error) {
	if m.stopErr != nil {
		return nil, m.stopErr
	}
	m.stopOrders = append(m.stopOrders, triggerCall{side, quantity, stopPrice})
	return &ports.OrderResponse{OrderID: "sl-new", Symbol: symbol}, nil
}

func (m *mockExchange) PlaceTakeProfitMarket(ctx context.Context, symbol string, side domain.OrderSide, quantity, stopPrice string) (*ports.OrderResponse, error) {
	return &ports.OrderResponse{OrderID: "tp-new", Symbol: symbol}, nil
}

func (m *mockExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.cancels = append(m.cancels, orderID)
	return nil
}

func (m *mockExchange) CancelAllOrders(ctx context.Context, symbol string) error { return nil }

func (m *mockExchange) GetPositions(ctx context.Context, symbol string) ([]ports.Position, error) {
	return m.positions, nil
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

func (m *mockExchange) GetBalance(ctx context.Context) (float64, error) { return 0, nil }

func (m *mockExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func (m *mockExchange) SetMarginMode(ctx context.Context, symbol string, mode domain.MarginMode, leverage int) error {
	return nil
}

func (m *mockExchange) SetPositionStop(ctx context.Context, symbol string, side domain.OrderSide, stopPrice, takeProfitPrice string) error {
	m.positionStops = append(m.positionStops, positionStopCall{stopPrice, takeProfitPrice})
	return nil
}

func (m *mockExchange) SupportsPositionStop() bool { return false }

type mockProvider struct {
	client ports.ExchangeClient
}

func (m *mockProvider) ForStrategy(strat *domain.Strategy) (ports.ExchangeClient, error) {
	return m.client, nil
}

type staticRules struct{ rules ports.SymbolRules }

func (s staticRules) GetRules(ctx context.Context, symbol string) (ports.SymbolRules, error) {
	return s.rules, nil
}

// Test fixture

type fixture struct {
	strat  *domain.Strategy
	trades *mockTradeRepo
	exch   *mockExchange
	logger *mockLogger
	norm   *normalizer.Normalizer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := &mockLogger{}
	strat := &domain.Strategy{
		ID:          1,
		IsTestnet:   true,
		StopLossPct: 0.02,
		Credentials: domain.Credentials{APIKey: "k", SecretKey: "s"},
	}
	return &fixture{
		strat:  strat,
		trades: &mockTradeRepo{},
		exch:   &mockExchange{},
		logger: logger,
		norm:   normalizer.New(staticRules{ports.SymbolRules{QtyStep: 0.001, PriceTick: 0.5, MinQty: 0.001}}, logger),
	}
}

func (f *fixture) takeProfitMonitor(t *testing.T) *TakeProfitMonitor {
	t.Helper()
	m, err := NewTakeProfitMonitor(f.logger, &mockStrategyRepo{strategies: map[int64]*domain.Strategy{1: f.strat}}, f.trades, &mockProvider{client: f.exch}, f.norm)
	require.NoError(t, err)
	return m
}

func (f *fixture) stopLossMonitor(t *testing.T) *StopLossMonitor {
	t.Helper()
	m, err := NewStopLossMonitor(0.001, f.logger, &mockStrategyRepo{strategies: map[int64]*domain.Strategy{1: f.strat}}, f.trades, &mockProvider{client: f.exch}, f.norm)
	require.NoError(t, err)
	return m
}

// ladderTrade builds an open BUY 1.0 @ 50000 trade with a 1%/33, 2%/33,
// 3%/34 ladder.
func ladderTrade() *domain.Trade {
	return &domain.Trade{
		ID: 1, StrategyID: 1, Symbol: "BTCUSDT", Side: domain.Buy,
		Type: domain.OrderTypeMarket, Status: domain.StatusOpen,
		EntryPrice: 50000, Quantity: 1.0, InitialQty: 1.0,
		CreatedAt: time.Now().UTC(),
		TakeProfitPcts: []domain.TpLevel{
			{Level: 1, PricePct: 0.01, ClosePct: 0.33, TriggerPrx: 50500},
			{Level: 2, PricePct: 0.02, ClosePct: 0.33, TriggerPrx: 51000},
			{Level: 3, PricePct: 0.03, ClosePct: 0.34, TriggerPrx: 51500},
		},
	}
}
