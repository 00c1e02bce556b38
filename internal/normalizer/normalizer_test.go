package normalizer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucaserib/Trading-Bot-sub000/internal/ports"
)

type mockRulesProvider struct {
	rules ports.SymbolRules
	err   error
	calls int
}

func (m *mockRulesProvider) GetRules(ctx context.Context, symbol string) (ports.SymbolRules, error) {
	m.calls++
	return m.rules, m.err
}

type nopLogger struct{}

func (nopLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (nopLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (nopLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func TestQuantity(t *testing.T) {
	ctx := context.Background()
	provider := &mockRulesProvider{rules: ports.SymbolRules{QtyStep: 0.001, PriceTick: 0.1, MinQty: 0.005}}
	n := New(provider, nopLogger{})

	t.Run("floors to the step size", func(t *testing.T) {
		got, ok := n.Quantity(ctx, "BTCUSDT", 0.0379)
		require.True(t, ok)
		assert.Equal(t, "0.037", got)
	})

	t.Run("rejects below minimum quantity", func(t *testing.T) {
		got, ok := n.Quantity(ctx, "BTCUSDT", 0.0042)
		assert.False(t, ok)
		assert.Equal(t, "0", got)
	})

	t.Run("rejects zero after flooring", func(t *testing.T) {
		_, ok := n.Quantity(ctx, "BTCUSDT", 0.0004)
		assert.False(t, ok)
	})
}

func TestQuantityValue(t *testing.T) {
	provider := &mockRulesProvider{rules: ports.SymbolRules{QtyStep: 0.01, MinQty: 0.01}}
	n := New(provider, nopLogger{})
	assert.InDelta(t, 1.23, n.QuantityValue(context.Background(), "ETHUSDT", 1.2399), 1e-9)
}

func TestPrice(t *testing.T) {
	provider := &mockRulesProvider{rules: ports.SymbolRules{QtyStep: 0.001, PriceTick: 0.5, MinQty: 0.001}}
	n := New(provider, nopLogger{})
	assert.Equal(t, "50000.5", n.Price(context.Background(), "BTCUSDT", 50000.61))
}

func TestRulesCaching(t *testing.T) {
	ctx := context.Background()
	provider := &mockRulesProvider{rules: ports.SymbolRules{QtyStep: 0.001, PriceTick: 0.01, MinQty: 0.001}}
	n := New(provider, nopLogger{})

	n.Quantity(ctx, "BTCUSDT", 1)
	n.Quantity(ctx, "BTCUSDT", 2)
	n.Price(ctx, "BTCUSDT", 3)
	assert.Equal(t, 1, provider.calls, "rules should be fetched once per symbol")
}

func TestRulesFallbackOnError(t *testing.T) {
	ctx := context.Background()
	provider := &mockRulesProvider{err: errors.New("exchange info unavailable")}
	n := New(provider, nopLogger{})

	got, ok := n.Quantity(ctx, "XRPUSDT", 12.3456)
	require.True(t, ok)
	assert.Equal(t, "12.345", got)

	// Failures are not cached; the provider is retried on the next miss.
	n.Quantity(ctx, "XRPUSDT", 1)
	assert.Equal(t, 2, provider.calls)
}
