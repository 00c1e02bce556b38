// Package exchange builds the venue client matching a strategy's
// configuration. This is the only place venue selection (and credential use)
// happens; the monitors and executor see ports.ExchangeClient and never
// branch per venue.
package exchange

import (
	"fmt"
	"sync"

	"github.com/lucaserib/Trading-Bot-sub000/internal/adapters/binanceclient"
	"github.com/lucaserib/Trading-Bot-sub000/internal/adapters/bybitclient"
	"github.com/lucaserib/Trading-Bot-sub000/internal/domain"
	"github.com/lucaserib/Trading-Bot-sub000/internal/ports"
)

// Factory produces and caches one ExchangeClient per strategy. Clients are
// cached by strategy id so repeated ticks reuse the underlying HTTP client.
type Factory struct {
	logger ports.Logger

	mu      sync.Mutex
	clients map[int64]ports.ExchangeClient
}

// NewFactory creates an adapter factory.
func NewFactory(logger ports.Logger) *Factory {
	return &Factory{logger: logger, clients: make(map[int64]ports.ExchangeClient)}
}

// ForStrategy returns the exchange client for a strategy, building it on
// first use. The strategy's credentials are consumed here and nowhere else.
func (f *Factory) ForStrategy(strat *domain.Strategy) (ports.ExchangeClient, error) {
	if !strat.Credentials.HasKeys() {
		return nil, ports.ErrMissingCredentials
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if client, ok := f.clients[strat.ID]; ok {
		return client, nil
	}

	var (
		client ports.ExchangeClient
		err    error
	)
	switch strat.Exchange {
	case domain.ExchangeBybit:
		client, err = bybitclient.New(bybitclient.Config{
			APIKey:     strat.Credentials.APIKey,
			SecretKey:  strat.Credentials.SecretKey,
			UseTestnet: strat.IsTestnet,
			Logger:     f.logger,
		})
	case domain.ExchangeBinance, "":
		client, err = binanceclient.New(binanceclient.Config{
			APIKey:     strat.Credentials.APIKey,
			SecretKey:  strat.Credentials.SecretKey,
			UseTestnet: strat.IsTestnet,
			Logger:     f.logger,
		})
	default:
		return nil, fmt.Errorf("exchange %q: %w", strat.Exchange, ports.ErrUnsupportedVenue)
	}
	if err != nil {
		return nil, err
	}

	f.clients[strat.ID] = client
	return client, nil
}
