// Package exchange implements the BitMEX REST and WebSocket adapters.
//
// The REST client covers the calls the node needs:
//   - FetchBalance:        GET  /api/v1/user/margin?currency=all
//   - FetchPositions:      GET  /api/v1/position
//   - FetchOrders:         GET  /api/v1/order?count=N&reverse=bool
//   - FetchTickers:        GET  /api/v1/instrument/active
//   - CreateOrder:         POST /api/v1/order
//   - CancelOrder:         DELETE /api/v1/order
//   - SetPositionLeverage: POST /api/v1/position/leverage
//
// Every mutating call runs under the bounded retry policy: up to 3 attempts
// with a jittered wait, aborted immediately on fatal rejections. A 2xx order
// response without a status field, or a leverage response without a leverage
// field, counts as a retryable anomaly rather than a success.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/bmschwartz/nexus-bitmex-node/pkg/types"
)

const (
	mainnetRESTURL = "https://www.bitmex.com"
	testnetRESTURL = "https://testnet.bitmex.com"
	mainnetWSURL   = "wss://ws.bitmex.com/realtime"
	testnetWSURL   = "wss://ws.testnet.bitmex.com/realtime"

	restTimeout = 30 * time.Second
)

// Client is the exchange surface consumed by the orchestrator and the
// account lifecycle. Order echoes come back as types.Trade.
type Client interface {
	FetchBalance(ctx context.Context) ([]types.Margin, error)
	FetchPositions(ctx context.Context) ([]types.Position, error)
	FetchOrders(ctx context.Context, limit int, reverse bool) ([]types.Trade, error)
	FetchTickers(ctx context.Context) (map[string]types.Symbol, error)
	CreateLimitOrder(ctx context.Context, symbol string, side types.OrderSide, quantity, price float64, params OrderParams) (types.Trade, error)
	CreateMarketOrder(ctx context.Context, symbol string, side types.OrderSide, quantity float64, params OrderParams) (types.Trade, error)
	CancelOrder(ctx context.Context, orderID string) (types.Trade, error)
	SetPositionLeverage(ctx context.Context, symbol string, leverage float64) (float64, error)
	Close() error
}

// OrderParams carries the optional fields of an order submission.
type OrderParams struct {
	OrdType        string
	ClOrdID        string
	ClOrdLinkID    string
	ExecInst       string
	StopPx         float64
	PegPriceType   string
	PegOffsetValue float64
	Text           string
}

// RestClient is the BitMEX REST API client.
type RestClient struct {
	http   *resty.Client
	auth   *Auth
	retry  *retryPolicy
	logger *slog.Logger
}

var _ Client = (*RestClient)(nil)

// NewRestClient creates a REST client for the given key pair. Sandbox routes
// to the testnet.
func NewRestClient(apiKey, apiSecret string, sandbox bool, logger *slog.Logger) *RestClient {
	baseURL := mainnetRESTURL
	if sandbox {
		baseURL = testnetRESTURL
	}
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(restTimeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	log := logger.With("component", "exchange")
	return &RestClient{
		http:   httpClient,
		auth:   NewAuth(apiKey, apiSecret),
		retry:  newRetryPolicy(log),
		logger: log,
	}
}

// FetchBalance fetches the margin rows for every currency.
func (c *RestClient) FetchBalance(ctx context.Context) ([]types.Margin, error) {
	var rows []json.RawMessage
	if err := c.get(ctx, "/api/v1/user/margin", url.Values{"currency": {"all"}}, &rows); err != nil {
		return nil, err
	}
	margins := make([]types.Margin, 0, len(rows))
	for _, row := range rows {
		m, err := types.DecodeMargin(row)
		if err != nil {
			c.logger.Warn("skipping undecodable margin row", "error", err)
			continue
		}
		margins = append(margins, m)
	}
	return margins, nil
}

// FetchPositions fetches every position for the account.
func (c *RestClient) FetchPositions(ctx context.Context) ([]types.Position, error) {
	var rows []json.RawMessage
	if err := c.get(ctx, "/api/v1/position", nil, &rows); err != nil {
		return nil, err
	}
	positions := make([]types.Position, 0, len(rows))
	for _, row := range rows {
		p, err := types.DecodePosition(row)
		if err != nil {
			c.logger.Warn("skipping undecodable position row", "error", err)
			continue
		}
		positions = append(positions, p)
	}
	return positions, nil
}

// FetchOrders fetches up to limit historical orders, newest first when
// reverse is set.
func (c *RestClient) FetchOrders(ctx context.Context, limit int, reverse bool) ([]types.Trade, error) {
	q := url.Values{
		"count":   {fmt.Sprintf("%d", limit)},
		"reverse": {fmt.Sprintf("%t", reverse)},
	}
	var rows []json.RawMessage
	if err := c.get(ctx, "/api/v1/order", q, &rows); err != nil {
		return nil, err
	}
	trades := make([]types.Trade, 0, len(rows))
	for _, row := range rows {
		t, err := types.DecodeTrade(row)
		if err != nil {
			c.logger.Warn("skipping undecodable order row", "error", err)
			continue
		}
		trades = append(trades, t)
	}
	return trades, nil
}

// FetchTickers fetches the active instruments, keyed by symbol.
func (c *RestClient) FetchTickers(ctx context.Context) (map[string]types.Symbol, error) {
	var rows []json.RawMessage
	if err := c.get(ctx, "/api/v1/instrument/active", nil, &rows); err != nil {
		return nil, err
	}
	tickers := make(map[string]types.Symbol, len(rows))
	for _, row := range rows {
		s, err := types.DecodeSymbol(row)
		if err != nil {
			c.logger.Warn("skipping undecodable instrument row", "error", err)
			continue
		}
		tickers[s.Symbol] = s
	}
	return tickers, nil
}

// CreateLimitOrder submits a priced order. Stop orders come through here as
// well, with the type overridden via params.OrdType.
func (c *RestClient) CreateLimitOrder(ctx context.Context, symbol string, side types.OrderSide, quantity, price float64, params OrderParams) (types.Trade, error) {
	if params.OrdType == "" {
		params.OrdType = types.Limit.Exchange()
	}
	return c.createOrder(ctx, symbol, side, quantity, price, params)
}

// CreateMarketOrder submits an unpriced order.
func (c *RestClient) CreateMarketOrder(ctx context.Context, symbol string, side types.OrderSide, quantity float64, params OrderParams) (types.Trade, error) {
	if params.OrdType == "" {
		params.OrdType = types.Market.Exchange()
	}
	return c.createOrder(ctx, symbol, side, quantity, 0, params)
}

func (c *RestClient) createOrder(ctx context.Context, symbol string, side types.OrderSide, quantity, price float64, params OrderParams) (types.Trade, error) {
	body := map[string]any{
		"symbol":  SafeSymbol(symbol),
		"ordType": params.OrdType,
	}
	// Close orders carry a signed quantity instead of a side.
	if s := side.Exchange(); s != "" {
		body["side"] = s
	}
	if quantity != 0 {
		body["orderQty"] = quantity
	}
	if price != 0 {
		body["price"] = price
	}
	if params.ClOrdID != "" {
		body["clOrdID"] = params.ClOrdID
	}
	if params.ClOrdLinkID != "" {
		body["clOrdLinkID"] = params.ClOrdLinkID
	}
	if params.ExecInst != "" {
		body["execInst"] = params.ExecInst
	}
	if params.StopPx != 0 {
		body["stopPx"] = params.StopPx
	}
	if params.PegPriceType != "" {
		body["pegPriceType"] = params.PegPriceType
	}
	if params.PegOffsetValue != 0 {
		body["pegOffsetValue"] = params.PegOffsetValue
	}
	if params.Text != "" {
		body["text"] = params.Text
	}

	var trade types.Trade
	err := c.retry.do(ctx, "create_order", func(ctx context.Context) error {
		var row json.RawMessage
		if err := c.send(ctx, "POST", "/api/v1/order", body, &row); err != nil {
			return err
		}
		t, err := types.DecodeTrade(row)
		if err != nil {
			return err
		}
		if t.OrderStatus == "" {
			return errIncompleteResponse
		}
		trade = t
		return nil
	})
	return trade, err
}

// CancelOrder cancels an order by exchange order id.
func (c *RestClient) CancelOrder(ctx context.Context, orderID string) (types.Trade, error) {
	body := map[string]any{"orderID": orderID}

	var trade types.Trade
	err := c.retry.do(ctx, "cancel_order", func(ctx context.Context) error {
		// The cancel endpoint echoes a list even for a single id.
		var rows []json.RawMessage
		if err := c.send(ctx, "DELETE", "/api/v1/order", body, &rows); err != nil {
			return err
		}
		if len(rows) == 0 {
			return errIncompleteResponse
		}
		t, err := types.DecodeTrade(rows[0])
		if err != nil {
			return err
		}
		if t.OrderStatus == "" {
			return errIncompleteResponse
		}
		trade = t
		return nil
	})
	return trade, err
}

// SetPositionLeverage sets the isolated leverage for a symbol and returns the
// leverage the exchange acknowledged.
func (c *RestClient) SetPositionLeverage(ctx context.Context, symbol string, leverage float64) (float64, error) {
	body := map[string]any{
		"symbol":   SafeSymbol(symbol),
		"leverage": leverage,
	}

	var acked float64
	err := c.retry.do(ctx, "set_leverage", func(ctx context.Context) error {
		var row struct {
			Leverage *float64 `json:"leverage"`
		}
		if err := c.send(ctx, "POST", "/api/v1/position/leverage", body, &row); err != nil {
			return err
		}
		if row.Leverage == nil {
			return errIncompleteResponse
		}
		acked = *row.Leverage
		return nil
	})
	return acked, err
}

// Close releases the HTTP client's idle connections.
func (c *RestClient) Close() error {
	c.http.GetClient().CloseIdleConnections()
	return nil
}

// get performs a signed GET and decodes the JSON response into out.
func (c *RestClient) get(ctx context.Context, path string, query url.Values, out any) error {
	fullPath := path
	if len(query) > 0 {
		fullPath = path + "?" + query.Encode()
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.Headers("GET", fullPath, "")).
		SetResult(out).
		Get(fullPath)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	if resp.IsError() {
		return decodeAPIError(resp.StatusCode(), resp.Body())
	}
	return nil
}

// send performs a signed request with a JSON body. The body is marshaled
// once so the signature covers the exact bytes sent.
func (c *RestClient) send(ctx context.Context, verb, path string, body map[string]any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", path, err)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.Headers(verb, path, string(raw))).
		SetBody(json.RawMessage(raw)).
		SetResult(out).
		Execute(verb, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", verb, path, err)
	}
	if resp.IsError() {
		return decodeAPIError(resp.StatusCode(), resp.Body())
	}
	return nil
}

// SafeSymbol normalizes a caller-provided symbol to the exchange's spelling:
// uppercase with separators removed, BTC aliased to XBT.
func SafeSymbol(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.NewReplacer("/", "", "-", "", ":", "").Replace(s)
	if strings.HasPrefix(s, "BTC") {
		s = "XBT" + s[3:]
	}
	return s
}
