// ws.go implements the authenticated BitMEX WebSocket feed.
//
// One connection carries the five subscriptions the node watches: margin,
// position, order, execution, and instrument. Frames arrive as table
// messages ({"table":..,"action":..,"data":[..]}); rows are decoded into
// domain records and fanned out on typed channels. The connection
// auto-reconnects with exponential backoff and re-authenticates and
// re-subscribes on every reconnect. A read deadline detects silent server
// failures within ~2 missed pings.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/bmschwartz/nexus-bitmex-node/pkg/types"
)

const (
	wsPingInterval = 25 * time.Second
	wsReadTimeout  = 60 * time.Second
	wsWriteTimeout = 10 * time.Second

	wsStreamBuffer = 256
)

// wsSubscriptions are the tables the node watches, in subscribe order.
var wsSubscriptions = []string{"margin", "position", "order", "execution", "instrument"}

// Feed manages the WebSocket connection for one account and exposes the
// decoded stream rows on typed channels.
type Feed struct {
	url    string
	auth   *Auth
	conn   *websocket.Conn
	connMu sync.Mutex

	marginCh     chan []types.Margin
	positionCh   chan []types.Position
	orderCh      chan []types.Trade
	executionCh  chan []types.Trade
	instrumentCh chan []types.Symbol

	logger *slog.Logger
}

// NewFeed creates a feed for the given key pair. Sandbox routes to the
// testnet endpoint.
func NewFeed(apiKey, apiSecret string, sandbox bool, logger *slog.Logger) *Feed {
	wsURL := mainnetWSURL
	if sandbox {
		wsURL = testnetWSURL
	}
	return &Feed{
		url:          wsURL,
		auth:         NewAuth(apiKey, apiSecret),
		marginCh:     make(chan []types.Margin, wsStreamBuffer),
		positionCh:   make(chan []types.Position, wsStreamBuffer),
		orderCh:      make(chan []types.Trade, wsStreamBuffer),
		executionCh:  make(chan []types.Trade, wsStreamBuffer),
		instrumentCh: make(chan []types.Symbol, wsStreamBuffer),
		logger:       logger.With("component", "ws"),
	}
}

// Margins returns the margin row stream.
func (f *Feed) Margins() <-chan []types.Margin { return f.marginCh }

// Positions returns the position row stream.
func (f *Feed) Positions() <-chan []types.Position { return f.positionCh }

// Orders returns the order echo stream.
func (f *Feed) Orders() <-chan []types.Trade { return f.orderCh }

// Executions returns the fill stream.
func (f *Feed) Executions() <-chan []types.Trade { return f.executionCh }

// Instruments returns the instrument update stream.
func (f *Feed) Instruments() <-chan []types.Symbol { return f.instrumentCh }

// Run connects and maintains the connection until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		connected, err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			bo.Reset()
		}

		wait := bo.NextBackOff()
		f.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Close closes the current connection, if any.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

// connectAndRead reports whether the subscribe handshake completed, so the
// caller can reset its backoff only on real sessions.
func (f *Feed) connectAndRead(ctx context.Context) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.writeJSON(map[string]any{"op": "authKeyExpires", "args": f.auth.WSAuthArgs()}); err != nil {
		return false, fmt.Errorf("authenticate: %w", err)
	}
	if err := f.writeJSON(map[string]any{"op": "subscribe", "args": wsSubscriptions}); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	f.logger.Info("websocket connected", "subscriptions", wsSubscriptions)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		f.dispatch(msg)
	}
}

// tableMessage is the exchange's stream frame.
type tableMessage struct {
	Table   string            `json:"table"`
	Action  string            `json:"action"`
	Data    []json.RawMessage `json:"data"`
	Success *bool             `json:"success"`
	Error   string            `json:"error"`
}

func (f *Feed) dispatch(data []byte) {
	var msg tableMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}
	if msg.Error != "" {
		f.logger.Error("websocket error frame", "error", msg.Error)
		return
	}
	if msg.Table == "" || len(msg.Data) == 0 {
		return
	}

	switch msg.Table {
	case "margin":
		rows := make([]types.Margin, 0, len(msg.Data))
		for _, raw := range msg.Data {
			if m, err := types.DecodeMargin(raw); err == nil {
				rows = append(rows, m)
			}
		}
		sendRows(f, msg.Table, rows, f.marginCh)

	case "position":
		rows := make([]types.Position, 0, len(msg.Data))
		for _, raw := range msg.Data {
			if p, err := types.DecodePosition(raw); err == nil {
				rows = append(rows, p)
			}
		}
		sendRows(f, msg.Table, rows, f.positionCh)

	case "order":
		sendRows(f, msg.Table, decodeTradeRows(msg.Data), f.orderCh)

	case "execution":
		sendRows(f, msg.Table, decodeTradeRows(msg.Data), f.executionCh)

	case "instrument":
		rows := make([]types.Symbol, 0, len(msg.Data))
		for _, raw := range msg.Data {
			if s, err := types.DecodeSymbol(raw); err == nil {
				rows = append(rows, s)
			}
		}
		sendRows(f, msg.Table, rows, f.instrumentCh)

	default:
		f.logger.Debug("ignoring table", "table", msg.Table)
	}
}

func decodeTradeRows(data []json.RawMessage) []types.Trade {
	rows := make([]types.Trade, 0, len(data))
	for _, raw := range data {
		if t, err := types.DecodeTrade(raw); err == nil {
			rows = append(rows, t)
		}
	}
	return rows
}

func sendRows[T any](f *Feed, table string, rows []T, ch chan []T) {
	if len(rows) == 0 {
		return
	}
	select {
	case ch <- rows:
	default:
		f.logger.Warn("stream channel full, dropping frame", "table", table, "rows", len(rows))
	}
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("ping")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return f.conn.WriteJSON(v)
}

func (f *Feed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return f.conn.WriteMessage(msgType, data)
}
