// Package stream fans exchange WebSocket frames out onto the event bus.
//
// Five loops run per connected account, one per subscription: margins,
// positions, tickers, orders, and my-trades. Margins and trades are emitted
// verbatim. Orders and positions are deduplicated against a content hash of
// their canonical JSON so resent snapshots do not republish unchanged
// records. Tickers retain only open instruments and always emit the whole
// map.
package stream

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"log/slog"

	"github.com/bmschwartz/nexus-bitmex-node/internal/bus"
	"github.com/bmschwartz/nexus-bitmex-node/pkg/types"
)

// FanOut owns the per-account dedup caches and the ticker snapshot. Each
// cache is touched only by its own loop; the ticker seed happens before the
// loops start.
type FanOut struct {
	accountID string
	bus       *bus.Bus
	logger    *slog.Logger

	orderHashes    map[string][sha256.Size]byte
	positionHashes map[string][sha256.Size]byte
	tickers        map[string]types.Symbol
}

// New creates the fan-out for one account.
func New(accountID string, b *bus.Bus, logger *slog.Logger) *FanOut {
	return &FanOut{
		accountID:      accountID,
		bus:            b,
		logger:         logger.With("component", "stream", "account", accountID),
		orderHashes:    make(map[string][sha256.Size]byte),
		positionHashes: make(map[string][sha256.Size]byte),
		tickers:        make(map[string]types.Symbol),
	}
}

// SeedTickers installs the initial REST instrument snapshot, keeping only
// open instruments. Must be called before WatchTickers starts.
func (f *FanOut) SeedTickers(tickers map[string]types.Symbol) map[string]types.Symbol {
	for symbol, tk := range tickers {
		if tk.IsOpen() {
			f.tickers[symbol] = tk
		}
	}
	return f.snapshotTickers()
}

// WatchMargins emits every margin frame verbatim.
func (f *FanOut) WatchMargins(ctx context.Context, ch <-chan []types.Margin) {
	for {
		select {
		case <-ctx.Done():
			return
		case rows, ok := <-ch:
			if !ok {
				return
			}
			f.bus.Publish(ctx, bus.MarginsUpdatedEvent, bus.MarginsUpdate{
				AccountID: f.accountID,
				Margins:   rows,
			})
		}
	}
}

// WatchPositions emits only the changed subset of each position frame.
func (f *FanOut) WatchPositions(ctx context.Context, ch <-chan []types.Position) {
	for {
		select {
		case <-ctx.Done():
			return
		case rows, ok := <-ch:
			if !ok {
				return
			}
			changed := make([]types.Position, 0, len(rows))
			for _, p := range rows {
				h, err := contentHash(p)
				if err != nil {
					f.logger.Error("hash position", "symbol", p.Symbol, "error", err)
					continue
				}
				if f.positionHashes[p.Symbol] == h {
					continue
				}
				f.positionHashes[p.Symbol] = h
				changed = append(changed, p)
			}
			if len(changed) == 0 {
				continue
			}
			f.bus.Publish(ctx, bus.PositionsUpdated, bus.PositionsUpdate{
				AccountID: f.accountID,
				Positions: changed,
			})
		}
	}
}

// WatchTickers folds instrument updates into the snapshot and emits the
// whole open-instrument map on every change.
func (f *FanOut) WatchTickers(ctx context.Context, ch <-chan []types.Symbol) {
	for {
		select {
		case <-ctx.Done():
			return
		case rows, ok := <-ch:
			if !ok {
				return
			}
			dirty := false
			for _, tk := range rows {
				if tk.State != "" && !tk.IsOpen() {
					if _, had := f.tickers[tk.Symbol]; had {
						delete(f.tickers, tk.Symbol)
						dirty = true
					}
					continue
				}
				f.tickers[tk.Symbol] = tk
				dirty = true
			}
			if !dirty {
				continue
			}
			f.bus.Publish(ctx, bus.TickerUpdatedEvent, bus.TickersUpdate{
				AccountID: f.accountID,
				Tickers:   f.snapshotTickers(),
			})
		}
	}
}

// WatchOrders emits one order_updated_event per order whose content hash
// changed since it was last seen.
func (f *FanOut) WatchOrders(ctx context.Context, ch <-chan []types.Trade) {
	for {
		select {
		case <-ctx.Done():
			return
		case rows, ok := <-ch:
			if !ok {
				return
			}
			for _, tr := range rows {
				h, err := contentHash(tr)
				if err != nil {
					f.logger.Error("hash order", "order_id", tr.OrderID, "error", err)
					continue
				}
				if f.orderHashes[tr.OrderID] == h {
					continue
				}
				f.orderHashes[tr.OrderID] = h
				f.bus.Publish(ctx, bus.OrderUpdatedEvent, bus.OrderUpdate{
					AccountID: f.accountID,
					Trade:     tr,
				})
			}
		}
	}
}

// WatchMyTrades emits every fill frame verbatim.
func (f *FanOut) WatchMyTrades(ctx context.Context, ch <-chan []types.Trade) {
	for {
		select {
		case <-ctx.Done():
			return
		case rows, ok := <-ch:
			if !ok {
				return
			}
			f.bus.Publish(ctx, bus.MyTradesUpdatedEvent, bus.TradesUpdate{
				AccountID: f.accountID,
				Trades:    rows,
			})
		}
	}
}

func (f *FanOut) snapshotTickers() map[string]types.Symbol {
	out := make(map[string]types.Symbol, len(f.tickers))
	for symbol, tk := range f.tickers {
		out[symbol] = tk
	}
	return out
}

// contentHash is the dedup fingerprint: SHA-256 over the record's canonical
// JSON. Struct field order makes the encoding deterministic.
func contentHash(v any) ([sha256.Size]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	return sha256.Sum256(data), nil
}
