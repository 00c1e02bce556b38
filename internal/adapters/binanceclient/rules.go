package binanceclient

import (
	"context"
	"fmt"
	"strconv"

	"github.com/lucaserib/Trading-Bot-sub000/internal/ports"
)

// GetRules resolves step/tick/min-quantity rules for a symbol from the
// futures exchange info endpoint. Implements ports.SymbolRulesProvider; the
// normalizer caches results, so this is hit at most once per symbol per
// process.
func (c *Client) GetRules(ctx context.Context, symbol string) (ports.SymbolRules, error) {
	op := "GetRules"
	info, err := c.futuresClient.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return ports.SymbolRules{}, c.handleError(ctx, err, op)
	}

	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		rules := ports.SymbolRules{}
		if lot := s.LotSizeFilter(); lot != nil {
			rules.QtyStep, _ = strconv.ParseFloat(lot.StepSize, 64)
			rules.MinQty, _ = strconv.ParseFloat(lot.MinQuantity, 64)
		}
		if pf := s.PriceFilter(); pf != nil {
			rules.PriceTick, _ = strconv.ParseFloat(pf.TickSize, 64)
		}
		return rules, nil
	}

	err = fmt.Errorf("symbol %s not present in exchange info: %w", symbol, ports.ErrNotFound)
	return ports.SymbolRules{}, err
}

var _ ports.SymbolRulesProvider = (*Client)(nil)
