package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"

	"github.com/lucaserib/Trading-Bot-sub000/internal/domain"
	"github.com/lucaserib/Trading-Bot-sub000/internal/ports"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"
)

// Client implements the ports.ExchangeClient interface for the generic
// margin-futures venue using the go-binance library. Binance has no
// position-attached stops; protective orders are per-order only.
type Client struct {
	futuresClient *futures.Client
	logger        ports.Logger
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey     string
	SecretKey  string
	UseTestnet bool
	Logger     ports.Logger
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)

	// Set BaseURL directly instead of using the global futures.UseTestnet
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance client configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance client configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	return &Client{futuresClient: client, logger: cfg.Logger}, nil
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1021: // Timestamp outside of recvWindow
			mappedErr = ports.ErrTimeout
		case -1022: // Invalid signature
			mappedErr = ports.ErrAuthenticationFailed
		case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1121, -1125, -1127, -1128, -1130:
			mappedErr = ports.ErrInvalidRequest
		case -2010, -2022: // New order rejected / ReduceOnly rejected
			mappedErr = ports.ErrOrderPlacementFailed
		case -2011: // Cancel order rejected
			mappedErr = ports.ErrOrderCancelFailed
		case -2013: // Order does not exist
			mappedErr = ports.ErrOrderNotFound
		case -2014, -2015: // API-key format invalid / invalid key, IP, permissions
			mappedErr = ports.ErrInvalidAPIKeys
		case -2019, -3005, -3041, -4047:
			mappedErr = ports.ErrInsufficientFunds
		case -4003, -4014, -4015: // Qty/price/leverage not within permissible range
			mappedErr = ports.ErrInvalidRequest
		case -4044: // Position not found
			mappedErr = ports.ErrPositionNotFound
		default:
			mappedErr = ports.ErrUnknown
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// PlaceOrder places an order on Binance futures.
func (c *Client) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderResponse, error) {
	op := "PlaceOrder"

	svc := c.futuresClient.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Quantity(req.Quantity)

	if req.Type == domain.OrderTypeLimit {
		svc = svc.Type(futures.OrderTypeLimit).
			Price(req.Price).
			TimeInForce(futures.TimeInForceTypeGTC)
	} else {
		svc = svc.Type(futures.OrderTypeMarket)
	}

	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	order, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	resp := translateOrder(order)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol": req.Symbol, "side": req.Side, "type": req.Type,
		"quantity": req.Quantity, "orderID": resp.OrderID, "avgPrice": resp.AvgPrice,
	})
	return resp, nil
}

// PlaceStopMarket places a STOP_MARKET protective leg.
func (c *Client) PlaceStopMarket(ctx context.Context, symbol string, side domain.OrderSide, quantity, stopPrice string) (*ports.OrderResponse, error) {
	return c.placeTrigger(ctx, "PlaceStopMarket", futures.OrderTypeStopMarket, symbol, side, quantity, stopPrice)
}

// PlaceTakeProfitMarket places a TAKE_PROFIT_MARKET protective leg.
func (c *Client) PlaceTakeProfitMarket(ctx context.Context, symbol string, side domain.OrderSide, quantity, stopPrice string) (*ports.OrderResponse, error) {
	return c.placeTrigger(ctx, "PlaceTakeProfitMarket", futures.OrderTypeTakeProfitMarket, symbol, side, quantity, stopPrice)
}

func (c *Client) placeTrigger(ctx context.Context, op string, orderType futures.OrderType, symbol string, side domain.OrderSide, quantity, stopPrice string) (*ports.OrderResponse, error) {
	order, err := c.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(orderType).
		Quantity(quantity).
		StopPrice(stopPrice).
		ReduceOnly(true).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	resp := translateOrder(order)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "side": side, "quantity": quantity, "stopPrice": stopPrice, "orderID": resp.OrderID})
	return resp, nil
}

// CancelOrder cancels an existing open order by its ID.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	op := "CancelOrder"
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: invalid order id %q: %w", op, orderID, ports.ErrInvalidRequest)
	}
	if _, err := c.futuresClient.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx); err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "orderID": orderID})
	return nil
}

// CancelAllOrders cancels every open order on the symbol.
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	op := "CancelAllOrders"
	if err := c.futuresClient.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx); err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol})
	return nil
}

// GetPositions returns non-zero positions, optionally filtered by symbol.
func (c *Client) GetPositions(ctx context.Context, symbol string) ([]ports.Position, error) {
	op := "GetPositions"
	svc := c.futuresClient.NewGetPositionRiskService()
	if symbol != "" {
		svc = svc.Symbol(symbol)
	}
	risks, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	var out []ports.Position
	for _, r := range risks {
		amt, _ := strconv.ParseFloat(r.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		side := domain.Buy
		if amt < 0 {
			side = domain.Sell
			amt = -amt
		}
		entry, _ := strconv.ParseFloat(r.EntryPrice, 64)
		mark, _ := strconv.ParseFloat(r.MarkPrice, 64)
		upnl, _ := strconv.ParseFloat(r.UnRealizedProfit, 64)
		lev, _ := strconv.Atoi(r.Leverage)
		out = append(out, ports.Position{
			Symbol:        r.Symbol,
			Side:          side,
			Size:          amt,
			EntryPrice:    entry,
			MarkPrice:     mark,
			UnrealizedPnl: upnl,
			Leverage:      lev,
		})
	}
	return out, nil
}

// GetOrderStatus looks an order up on the venue. The order endpoint covers
// both live and historical orders; "order does not exist" maps to nil, nil.
func (c *Client) GetOrderStatus(ctx context.Context, symbol, orderID string) (*domain.OrderStatus, error) {
	op := "GetOrderStatus"
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid order id %q: %w", op, orderID, ports.ErrInvalidRequest)
	}
	order, err := c.futuresClient.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		wrapped := c.handleError(ctx, err, op)
		if errors.Is(wrapped, ports.ErrOrderNotFound) {
			return nil, nil
		}
		return nil, wrapped
	}
	status := translateStatus(order.Status)
	return &status, nil
}

// GetTickerPrice retrieves the last ticker price for a given symbol.
func (c *Client) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	op := "GetTickerPrice"
	tickers, err := c.futuresClient.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	if len(tickers) == 0 {
		err := fmt.Errorf("no ticker data returned for symbol %s", symbol)
		return 0, c.handleError(ctx, err, op)
	}
	price, err := strconv.ParseFloat(tickers[0].LastPrice, 64)
	if err != nil {
		parseErr := fmt.Errorf("could not parse price '%s': %w", tickers[0].LastPrice, err)
		return 0, c.handleError(ctx, parseErr, op)
	}
	return price, nil
}

// GetLastFillPrice returns the price of the most recent public trade on the
// symbol, or 0, nil when the venue has none to report.
func (c *Client) GetLastFillPrice(ctx context.Context, symbol string) (float64, error) {
	op := "GetLastFillPrice"
	trades, err := c.futuresClient.NewRecentTradesService().Symbol(symbol).Limit(1).Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	if len(trades) == 0 {
		return 0, nil
	}
	price, err := strconv.ParseFloat(trades[0].Price, 64)
	if err != nil {
		parseErr := fmt.Errorf("could not parse trade price '%s': %w", trades[0].Price, err)
		return 0, c.handleError(ctx, parseErr, op)
	}
	return price, nil
}

// GetBalance retrieves the available USDT balance.
func (c *Client) GetBalance(ctx context.Context) (float64, error) {
	op := "GetBalance"
	balances, err := c.futuresClient.NewGetBalanceService().Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	for _, bal := range balances {
		if bal.Asset == "USDT" {
			available, err := strconv.ParseFloat(bal.AvailableBalance, 64)
			if err != nil {
				parseErr := fmt.Errorf("could not parse balance '%s': %w", bal.AvailableBalance, err)
				return 0, c.handleError(ctx, parseErr, op)
			}
			return available, nil
		}
	}
	err = fmt.Errorf("asset USDT not found in account balance")
	return 0, c.handleError(ctx, err, op)
}

// SetLeverage sets the leverage for a specific symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	op := "SetLeverage"
	if _, err := c.futuresClient.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx); err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "leverage": leverage})
	return nil
}

// SetMarginMode sets the margin mode for a symbol. Binance keeps margin mode
// and leverage separate, so the leverage is applied in a second call.
func (c *Client) SetMarginMode(ctx context.Context, symbol string, mode domain.MarginMode, leverage int) error {
	op := "SetMarginMode"
	marginType := futures.MarginTypeIsolated
	if mode == domain.MarginCrossed {
		marginType = futures.MarginTypeCrossed
	}
	err := c.futuresClient.NewChangeMarginTypeService().Symbol(symbol).MarginType(marginType).Do(ctx)
	if err != nil {
		// -4046: no need to change margin type. Not a failure.
		var apiErr *common.APIError
		if !errors.As(err, &apiErr) || apiErr.Code != -4046 {
			return c.handleError(ctx, err, op)
		}
	}
	return c.SetLeverage(ctx, symbol, leverage)
}

// SetPositionStop is not supported on Binance futures; stops are per-order.
func (c *Client) SetPositionStop(ctx context.Context, symbol string, side domain.OrderSide, stopPrice, takeProfitPrice string) error {
	return ports.ErrUnsupportedVenue
}

// SupportsPositionStop reports Binance's lack of position-attached stops.
func (c *Client) SupportsPositionStop() bool { return false }

func translateOrder(o *futures.CreateOrderResponse) *ports.OrderResponse {
	avg, _ := strconv.ParseFloat(o.AvgPrice, 64)
	executed, _ := strconv.ParseFloat(o.ExecutedQuantity, 64)
	return &ports.OrderResponse{
		OrderID:     strconv.FormatInt(o.OrderID, 10),
		Symbol:      o.Symbol,
		AvgPrice:    avg,
		ExecutedQty: executed,
		Status:      translateStatus(o.Status),
	}
}

func translateStatus(s futures.OrderStatusType) domain.OrderStatus {
	switch s {
	case futures.OrderStatusTypeNew:
		return domain.OrderStatusNew
	case futures.OrderStatusTypePartiallyFilled:
		return domain.OrderStatusPartiallyFilled
	case futures.OrderStatusTypeFilled:
		return domain.OrderStatusFilled
	case futures.OrderStatusTypeCanceled:
		return domain.OrderStatusCanceled
	case futures.OrderStatusTypeExpired:
		return domain.OrderStatusExpired
	case futures.OrderStatusTypeRejected:
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatus(s)
	}
}

// interface guard
var _ ports.ExchangeClient = (*Client)(nil)
