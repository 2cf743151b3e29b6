// Package store implements the materialized state cache for stream-derived
// entities: margins, tickers, positions, trades, and orders, addressed by
// (account, kind, natural key).
//
// Writes are merge-on-write: the existing record is read, updated
// field-by-field taking each new value when present, and written back. The
// merge engine is shared between the two backends, an in-memory hash map and
// a Redis hash-per-kind layout, so both round-trip identical JSON records.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bmschwartz/nexus-bitmex-node/pkg/types"
)

// Store is the materialized-state contract consumed by the order
// orchestrator and the queue managers. Lookups return ok=false for absent
// records rather than an error.
type Store interface {
	SaveMargins(ctx context.Context, account string, margins []types.Margin) error
	SaveTickers(ctx context.Context, account string, tickers map[string]types.Symbol) error
	SaveTrades(ctx context.Context, account string, trades []types.Trade) error
	SavePositions(ctx context.Context, account string, positions []types.Position) error
	SaveOrder(ctx context.Context, account string, order types.Order) error

	GetMargin(ctx context.Context, account, currency string) (types.Margin, bool, error)
	GetMargins(ctx context.Context, account string) (map[string]types.Margin, error)
	GetTicker(ctx context.Context, account, symbol string) (types.Symbol, bool, error)
	GetTickers(ctx context.Context, account string) (map[string]types.Symbol, error)
	GetPosition(ctx context.Context, account, symbol string) (types.Position, bool, error)
	GetPositions(ctx context.Context, account string) (map[string]types.Position, error)
	GetTrade(ctx context.Context, account, orderID string) (types.Trade, bool, error)
	GetOrder(ctx context.Context, account, orderID string) (types.Order, bool, error)
	GetOrders(ctx context.Context, account string) (map[string]types.Order, error)

	Close() error
}

// hashClient is the storage seam: a string hash per (account, kind).
// memoryClient and redisClient both satisfy it.
type hashClient interface {
	hGet(ctx context.Context, key, field string) (string, bool, error)
	hSet(ctx context.Context, key string, fields map[string]string) error
	hGetAll(ctx context.Context, key string) (map[string]string, error)
	close() error
}

type dataStore struct {
	client hashClient
}

func hashKey(account, kind string) string {
	return fmt.Sprintf("bitmex:%s:%s", account, kind)
}

func (s *dataStore) SaveMargins(ctx context.Context, account string, margins []types.Margin) error {
	key := hashKey(account, "margins")
	fields := make(map[string]string, len(margins))
	for _, m := range margins {
		if m.Currency == "" {
			continue
		}
		merged := m
		raw, ok, err := s.client.hGet(ctx, key, m.Currency)
		if err != nil {
			return err
		}
		if ok {
			var prev types.Margin
			if err := json.Unmarshal([]byte(raw), &prev); err == nil {
				merged = prev.Merge(m)
			}
		}
		data, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("marshal margin: %w", err)
		}
		fields[m.Currency] = string(data)
	}
	return s.setAll(ctx, key, fields)
}

func (s *dataStore) SaveTickers(ctx context.Context, account string, tickers map[string]types.Symbol) error {
	key := hashKey(account, "tickers")
	fields := make(map[string]string, len(tickers))
	for symbol, tk := range tickers {
		data, err := json.Marshal(tk)
		if err != nil {
			return fmt.Errorf("marshal ticker: %w", err)
		}
		fields[symbol] = string(data)
	}
	return s.setAll(ctx, key, fields)
}

func (s *dataStore) SaveTrades(ctx context.Context, account string, trades []types.Trade) error {
	key := hashKey(account, "trades")
	fields := make(map[string]string, len(trades))
	for _, tr := range trades {
		if tr.OrderID == "" {
			continue
		}
		merged := tr
		raw, ok, err := s.client.hGet(ctx, key, tr.OrderID)
		if err != nil {
			return err
		}
		if ok {
			var prev types.Trade
			if err := json.Unmarshal([]byte(raw), &prev); err == nil {
				merged = prev.Merge(tr)
			}
		}
		data, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("marshal trade: %w", err)
		}
		fields[tr.OrderID] = string(data)
	}
	return s.setAll(ctx, key, fields)
}

func (s *dataStore) SavePositions(ctx context.Context, account string, positions []types.Position) error {
	key := hashKey(account, "positions")
	fields := make(map[string]string, len(positions))
	for _, p := range positions {
		if p.Symbol == "" {
			continue
		}
		merged := p
		raw, ok, err := s.client.hGet(ctx, key, p.Symbol)
		if err != nil {
			return err
		}
		if ok {
			var prev types.Position
			if err := json.Unmarshal([]byte(raw), &prev); err == nil {
				merged = prev.Merge(p)
			}
		}
		data, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("marshal position: %w", err)
		}
		fields[p.Symbol] = string(data)
	}
	return s.setAll(ctx, key, fields)
}

func (s *dataStore) SaveOrder(ctx context.Context, account string, order types.Order) error {
	if order.ID == "" {
		return fmt.Errorf("save order: %w: missing id", types.ErrInvalidMessage)
	}
	data, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	return s.client.hSet(ctx, hashKey(account, "orders"), map[string]string{order.ID: string(data)})
}

func (s *dataStore) GetMargin(ctx context.Context, account, currency string) (types.Margin, bool, error) {
	var m types.Margin
	ok, err := s.getField(ctx, account, "margins", currency, &m)
	return m, ok, err
}

func (s *dataStore) GetMargins(ctx context.Context, account string) (map[string]types.Margin, error) {
	raw, err := s.client.hGetAll(ctx, hashKey(account, "margins"))
	if err != nil {
		return nil, err
	}
	out := make(map[string]types.Margin, len(raw))
	for field, data := range raw {
		var m types.Margin
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, fmt.Errorf("unmarshal margin %s: %w", field, err)
		}
		out[field] = m
	}
	return out, nil
}

func (s *dataStore) GetTicker(ctx context.Context, account, symbol string) (types.Symbol, bool, error) {
	var tk types.Symbol
	ok, err := s.getField(ctx, account, "tickers", symbol, &tk)
	return tk, ok, err
}

func (s *dataStore) GetTickers(ctx context.Context, account string) (map[string]types.Symbol, error) {
	raw, err := s.client.hGetAll(ctx, hashKey(account, "tickers"))
	if err != nil {
		return nil, err
	}
	out := make(map[string]types.Symbol, len(raw))
	for field, data := range raw {
		var tk types.Symbol
		if err := json.Unmarshal([]byte(data), &tk); err != nil {
			return nil, fmt.Errorf("unmarshal ticker %s: %w", field, err)
		}
		out[field] = tk
	}
	return out, nil
}

func (s *dataStore) GetPosition(ctx context.Context, account, symbol string) (types.Position, bool, error) {
	var p types.Position
	ok, err := s.getField(ctx, account, "positions", symbol, &p)
	return p, ok, err
}

func (s *dataStore) GetPositions(ctx context.Context, account string) (map[string]types.Position, error) {
	raw, err := s.client.hGetAll(ctx, hashKey(account, "positions"))
	if err != nil {
		return nil, err
	}
	out := make(map[string]types.Position, len(raw))
	for field, data := range raw {
		var p types.Position
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, fmt.Errorf("unmarshal position %s: %w", field, err)
		}
		out[field] = p
	}
	return out, nil
}

func (s *dataStore) GetTrade(ctx context.Context, account, orderID string) (types.Trade, bool, error) {
	var tr types.Trade
	ok, err := s.getField(ctx, account, "trades", orderID, &tr)
	return tr, ok, err
}

func (s *dataStore) GetOrder(ctx context.Context, account, orderID string) (types.Order, bool, error) {
	var o types.Order
	ok, err := s.getField(ctx, account, "orders", orderID, &o)
	return o, ok, err
}

func (s *dataStore) GetOrders(ctx context.Context, account string) (map[string]types.Order, error) {
	raw, err := s.client.hGetAll(ctx, hashKey(account, "orders"))
	if err != nil {
		return nil, err
	}
	out := make(map[string]types.Order, len(raw))
	for field, data := range raw {
		var o types.Order
		if err := json.Unmarshal([]byte(data), &o); err != nil {
			return nil, fmt.Errorf("unmarshal order %s: %w", field, err)
		}
		out[field] = o
	}
	return out, nil
}

func (s *dataStore) Close() error {
	return s.client.close()
}

func (s *dataStore) setAll(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return s.client.hSet(ctx, key, fields)
}

func (s *dataStore) getField(ctx context.Context, account, kind, field string, v any) (bool, error) {
	raw, ok, err := s.client.hGet(ctx, hashKey(account, kind), field)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("unmarshal %s %s: %w", kind, field, err)
	}
	return true, nil
}
