package bybitclient

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/lucaserib/Trading-Bot-sub000/internal/domain"
	"github.com/lucaserib/Trading-Bot-sub000/internal/ports"
)

const (
	baseURLProduction = "https://api.bybit.com"
	baseURLTestnet    = "https://api-testnet.bybit.com"

	category   = "linear"
	recvWindow = "5000"
)

// Client implements ports.ExchangeClient for the position-level-stop venue
// (Bybit V5, linear perpetuals). Unlike the margin-futures venue, stops and
// take-profits can be attached to the position itself via the trading-stop
// endpoint, so SupportsPositionStop reports true.
type Client struct {
	baseURL   string
	apiKey    string
	secretKey string
	http      *http.Client
	logger    ports.Logger
}

// Config holds configuration specific to the Bybit client adapter.
type Config struct {
	APIKey     string
	SecretKey  string
	UseTestnet bool
	Logger     ports.Logger
}

// New creates a new Bybit client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Bybit client")
	}
	baseURL := baseURLProduction
	if cfg.UseTestnet {
		baseURL = baseURLTestnet
	}
	cfg.Logger.Info(context.Background(), "Bybit client configured", map[string]interface{}{"baseURL": baseURL, "testnet": cfg.UseTestnet})
	return &Client{
		baseURL:   baseURL,
		apiKey:    cfg.APIKey,
		secretKey: cfg.SecretKey,
		http:      &http.Client{Timeout: 15 * time.Second},
		logger:    cfg.Logger,
	}, nil
}

// envelope is the common V5 response wrapper.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// sign produces the V5 request signature:
// HMAC-SHA256(secret, timestamp + apiKey + recvWindow + payload).
func (c *Client) sign(timestamp, payload string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(timestamp + c.apiKey + recvWindow + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// request performs one signed call. For GET the payload is the encoded query
// string; for POST it is the JSON body.
func (c *Client) request(ctx context.Context, method, path string, query url.Values, body map[string]interface{}, out interface{}) error {
	var payload string
	var reqBody io.Reader
	reqURL := c.baseURL + path

	if method == http.MethodGet {
		payload = query.Encode()
		if payload != "" {
			reqURL += "?" + payload
		}
	} else {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		payload = string(raw)
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}

	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req.Header.Set("X-BAPI-API-KEY", c.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", ts)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("X-BAPI-SIGN", c.sign(ts, payload))
	if method != http.MethodGet {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ports.ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: unrecognized response: %w", ports.ErrUnknown, err)
	}
	if env.RetCode != 0 {
		return c.mapError(env.RetCode, env.RetMsg)
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("%w: decode result: %w", ports.ErrUnknown, err)
		}
	}
	return nil
}

// mapError translates V5 retCodes into standardized ports errors.
func (c *Client) mapError(code int, msg string) error {
	var mapped error
	switch code {
	case 10002:
		mapped = ports.ErrTimeout
	case 10003, 10004, 10005:
		mapped = ports.ErrInvalidAPIKeys
	case 10006, 10018:
		mapped = ports.ErrRateLimited
	case 110001, 20001:
		mapped = ports.ErrOrderNotFound
	case 110004, 110007, 110012, 110045, 110052:
		mapped = ports.ErrInsufficientFunds
	case 110017: // reduce-only rejected, position already flat
		mapped = ports.ErrOrderPlacementFailed
	case 110043: // leverage not modified
		return nil
	default:
		mapped = ports.ErrUnknown
	}
	return fmt.Errorf("bybit error %d: %s: %w", code, msg, mapped)
}

// PlaceOrder places an entry or closing order.
func (c *Client) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderResponse, error) {
	op := "PlaceOrder"
	body := map[string]interface{}{
		"category":  category,
		"symbol":    req.Symbol,
		"side":      bybitSide(req.Side),
		"orderType": bybitOrderType(req.Type),
		"qty":       req.Quantity,
	}
	if req.Type == domain.OrderTypeLimit {
		body["price"] = req.Price
		body["timeInForce"] = "GTC"
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}
	if req.ClientOrderID != "" {
		body["orderLinkId"] = req.ClientOrderID
	}

	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := c.request(ctx, http.MethodPost, "/v5/order/create", nil, body, &result); err != nil {
		c.logger.Error(ctx, err, op+" failed", map[string]interface{}{"symbol": req.Symbol, "side": req.Side})
		return nil, err
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": req.Symbol, "side": req.Side, "quantity": req.Quantity, "orderID": result.OrderID})
	return &ports.OrderResponse{OrderID: result.OrderID, Symbol: req.Symbol, Status: domain.OrderStatusNew}, nil
}

// PlaceStopMarket places a reduce-only conditional market order triggering at
// stopPrice. Used only when a trade opts out of the position-level stop.
func (c *Client) PlaceStopMarket(ctx context.Context, symbol string, side domain.OrderSide, quantity, stopPrice string) (*ports.OrderResponse, error) {
	return c.placeConditional(ctx, "PlaceStopMarket", symbol, side, quantity, stopPrice)
}

// PlaceTakeProfitMarket places a reduce-only conditional market order
// triggering at stopPrice.
func (c *Client) PlaceTakeProfitMarket(ctx context.Context, symbol string, side domain.OrderSide, quantity, stopPrice string) (*ports.OrderResponse, error) {
	return c.placeConditional(ctx, "PlaceTakeProfitMarket", symbol, side, quantity, stopPrice)
}

func (c *Client) placeConditional(ctx context.Context, op, symbol string, side domain.OrderSide, quantity, stopPrice string) (*ports.OrderResponse, error) {
	body := map[string]interface{}{
		"category":     category,
		"symbol":       symbol,
		"side":         bybitSide(side),
		"orderType":    "Market",
		"qty":          quantity,
		"triggerPrice": stopPrice,
		"triggerBy":    "LastPrice",
		"reduceOnly":   true,
	}
	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := c.request(ctx, http.MethodPost, "/v5/order/create", nil, body, &result); err != nil {
		c.logger.Error(ctx, err, op+" failed", map[string]interface{}{"symbol": symbol, "stopPrice": stopPrice})
		return nil, err
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "stopPrice": stopPrice, "orderID": result.OrderID})
	return &ports.OrderResponse{OrderID: result.OrderID, Symbol: symbol, Status: domain.OrderStatusNew}, nil
}

// CancelOrder cancels an open order by id.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	op := "CancelOrder"
	body := map[string]interface{}{"category": category, "symbol": symbol, "orderId": orderID}
	if err := c.request(ctx, http.MethodPost, "/v5/order/cancel", nil, body, nil); err != nil {
		return err
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "orderID": orderID})
	return nil
}

// CancelAllOrders cancels every open order on the symbol.
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	op := "CancelAllOrders"
	body := map[string]interface{}{"category": category, "symbol": symbol}
	if err := c.request(ctx, http.MethodPost, "/v5/order/cancel-all", nil, body, nil); err != nil {
		return err
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol})
	return nil
}

// GetPositions returns non-zero positions, optionally filtered by symbol.
func (c *Client) GetPositions(ctx context.Context, symbol string) ([]ports.Position, error) {
	query := url.Values{}
	query.Set("category", category)
	if symbol != "" {
		query.Set("symbol", symbol)
	} else {
		query.Set("settleCoin", "USDT")
	}

	var result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			Side          string `json:"side"`
			Size          string `json:"size"`
			AvgPrice      string `json:"avgPrice"`
			MarkPrice     string `json:"markPrice"`
			UnrealisedPnl string `json:"unrealisedPnl"`
			Leverage      string `json:"leverage"`
		} `json:"list"`
	}
	if err := c.request(ctx, http.MethodGet, "/v5/position/list", query, nil, &result); err != nil {
		return nil, err
	}

	var out []ports.Position
	for _, p := range result.List {
		size, _ := strconv.ParseFloat(p.Size, 64)
		if size == 0 {
			continue
		}
		side := domain.Buy
		if p.Side == "Sell" {
			side = domain.Sell
		}
		entry, _ := strconv.ParseFloat(p.AvgPrice, 64)
		mark, _ := strconv.ParseFloat(p.MarkPrice, 64)
		upnl, _ := strconv.ParseFloat(p.UnrealisedPnl, 64)
		lev, _ := strconv.ParseFloat(p.Leverage, 64)
		out = append(out, ports.Position{
			Symbol:        p.Symbol,
			Side:          side,
			Size:          size,
			EntryPrice:    entry,
			MarkPrice:     mark,
			UnrealizedPnl: upnl,
			Leverage:      int(lev),
		})
	}
	return out, nil
}

// GetOrderStatus checks live orders first, then order history. Returns
// nil, nil when the order cannot be found in either set.
func (c *Client) GetOrderStatus(ctx context.Context, symbol, orderID string) (*domain.OrderStatus, error) {
	for _, path := range []string{"/v5/order/realtime", "/v5/order/history"} {
		query := url.Values{}
		query.Set("category", category)
		query.Set("symbol", symbol)
		query.Set("orderId", orderID)

		var result struct {
			List []struct {
				OrderStatus string `json:"orderStatus"`
			} `json:"list"`
		}
		if err := c.request(ctx, http.MethodGet, path, query, nil, &result); err != nil {
			return nil, err
		}
		if len(result.List) > 0 {
			status := translateStatus(result.List[0].OrderStatus)
			return &status, nil
		}
	}
	return nil, nil
}

// GetTickerPrice retrieves the last ticker price for a symbol.
func (c *Client) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	query := url.Values{}
	query.Set("category", category)
	query.Set("symbol", symbol)

	var result struct {
		List []struct {
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := c.request(ctx, http.MethodGet, "/v5/market/tickers", query, nil, &result); err != nil {
		return 0, err
	}
	if len(result.List) == 0 {
		return 0, fmt.Errorf("no ticker data returned for symbol %s: %w", symbol, ports.ErrNotFound)
	}
	price, err := strconv.ParseFloat(result.List[0].LastPrice, 64)
	if err != nil {
		return 0, fmt.Errorf("could not parse price '%s': %w", result.List[0].LastPrice, err)
	}
	return price, nil
}

// GetLastFillPrice returns the price of the most recent public trade on the
// symbol, or 0, nil when the venue has none to report.
func (c *Client) GetLastFillPrice(ctx context.Context, symbol string) (float64, error) {
	query := url.Values{}
	query.Set("category", category)
	query.Set("symbol", symbol)
	query.Set("limit", "1")

	var result struct {
		List []struct {
			Price string `json:"price"`
		} `json:"list"`
	}
	if err := c.request(ctx, http.MethodGet, "/v5/market/recent-trade", query, nil, &result); err != nil {
		return 0, err
	}
	if len(result.List) == 0 {
		return 0, nil
	}
	price, err := strconv.ParseFloat(result.List[0].Price, 64)
	if err != nil {
		return 0, fmt.Errorf("could not parse trade price '%s': %w", result.List[0].Price, err)
	}
	return price, nil
}

// GetBalance retrieves the available USDT balance from the unified account.
func (c *Client) GetBalance(ctx context.Context) (float64, error) {
	query := url.Values{}
	query.Set("accountType", "UNIFIED")
	query.Set("coin", "USDT")

	var result struct {
		List []struct {
			Coin []struct {
				Coin                string `json:"coin"`
				AvailableToWithdraw string `json:"availableToWithdraw"`
				WalletBalance       string `json:"walletBalance"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := c.request(ctx, http.MethodGet, "/v5/account/wallet-balance", query, nil, &result); err != nil {
		return 0, err
	}
	for _, acct := range result.List {
		for _, coin := range acct.Coin {
			if coin.Coin != "USDT" {
				continue
			}
			raw := coin.AvailableToWithdraw
			if raw == "" {
				raw = coin.WalletBalance
			}
			balance, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return 0, fmt.Errorf("could not parse balance '%s': %w", raw, err)
			}
			return balance, nil
		}
	}
	return 0, fmt.Errorf("asset USDT not found in wallet balance: %w", ports.ErrNotFound)
}

// SetLeverage sets the leverage for a symbol (both directions).
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	op := "SetLeverage"
	lev := strconv.Itoa(leverage)
	body := map[string]interface{}{
		"category":     category,
		"symbol":       symbol,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}
	if err := c.request(ctx, http.MethodPost, "/v5/position/set-leverage", nil, body, nil); err != nil {
		return err
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "leverage": leverage})
	return nil
}

// SetMarginMode switches the symbol between isolated and cross margin;
// Bybit couples the switch with leverage, so both are sent together.
func (c *Client) SetMarginMode(ctx context.Context, symbol string, mode domain.MarginMode, leverage int) error {
	op := "SetMarginMode"
	tradeMode := 0 // cross
	if mode == domain.MarginIsolated {
		tradeMode = 1
	}
	lev := strconv.Itoa(leverage)
	body := map[string]interface{}{
		"category":     category,
		"symbol":       symbol,
		"tradeMode":    tradeMode,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}
	if err := c.request(ctx, http.MethodPost, "/v5/position/switch-isolated", nil, body, nil); err != nil {
		return err
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "mode": mode, "leverage": leverage})
	return nil
}

// SetPositionStop attaches stop-loss/take-profit levels to the position via
// the trading-stop endpoint. Empty prices leave the corresponding level
// untouched; "0" clears it.
func (c *Client) SetPositionStop(ctx context.Context, symbol string, side domain.OrderSide, stopPrice, takeProfitPrice string) error {
	op := "SetPositionStop"
	body := map[string]interface{}{
		"category":    category,
		"symbol":      symbol,
		"positionIdx": 0, // one-way mode
		"tpslMode":    "Full",
	}
	if stopPrice != "" {
		body["stopLoss"] = stopPrice
	}
	if takeProfitPrice != "" {
		body["takeProfit"] = takeProfitPrice
	}
	if err := c.request(ctx, http.MethodPost, "/v5/position/trading-stop", nil, body, nil); err != nil {
		c.logger.Error(ctx, err, op+" failed", map[string]interface{}{"symbol": symbol, "stopLoss": stopPrice, "takeProfit": takeProfitPrice})
		return err
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "side": side, "stopLoss": stopPrice, "takeProfit": takeProfitPrice})
	return nil
}

// SupportsPositionStop reports Bybit's position-attached stop capability.
func (c *Client) SupportsPositionStop() bool { return true }

func bybitSide(side domain.OrderSide) string {
	if side == domain.Sell {
		return "Sell"
	}
	return "Buy"
}

func bybitOrderType(t domain.OrderType) string {
	if t == domain.OrderTypeLimit {
		return "Limit"
	}
	return "Market"
}

func translateStatus(s string) domain.OrderStatus {
	switch s {
	case "New", "Created", "Untriggered":
		return domain.OrderStatusNew
	case "PartiallyFilled":
		return domain.OrderStatusPartiallyFilled
	case "Filled":
		return domain.OrderStatusFilled
	case "Cancelled", "PartiallyFilledCanceled":
		return domain.OrderStatusCanceled
	case "Deactivated", "Expired":
		return domain.OrderStatusExpired
	case "Rejected":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatus(s)
	}
}

var _ ports.ExchangeClient = (*Client)(nil)
