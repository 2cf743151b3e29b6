package store

import (
	"context"
	"log/slog"

	"github.com/bmschwartz/nexus-bitmex-node/internal/bus"
)

// RegisterListeners wires the store onto the stream update events so every
// margins, ticker, trades, positions, and placed-order emission is persisted.
func RegisterListeners(b *bus.Bus, s Store, logger *slog.Logger) {
	log := logger.With("component", "store")

	b.Subscribe(bus.MarginsUpdatedEvent, func(ctx context.Context, payload any) {
		upd, ok := payload.(bus.MarginsUpdate)
		if !ok {
			return
		}
		if err := s.SaveMargins(ctx, upd.AccountID, upd.Margins); err != nil {
			log.Error("save margins failed", "account", upd.AccountID, "error", err)
		}
	}, 0)

	b.Subscribe(bus.TickerUpdatedEvent, func(ctx context.Context, payload any) {
		upd, ok := payload.(bus.TickersUpdate)
		if !ok {
			return
		}
		if err := s.SaveTickers(ctx, upd.AccountID, upd.Tickers); err != nil {
			log.Error("save tickers failed", "account", upd.AccountID, "error", err)
		}
	}, 0)

	b.Subscribe(bus.MyTradesUpdatedEvent, func(ctx context.Context, payload any) {
		upd, ok := payload.(bus.TradesUpdate)
		if !ok {
			return
		}
		if err := s.SaveTrades(ctx, upd.AccountID, upd.Trades); err != nil {
			log.Error("save trades failed", "account", upd.AccountID, "error", err)
		}
	}, 0)

	b.Subscribe(bus.PositionsUpdated, func(ctx context.Context, payload any) {
		upd, ok := payload.(bus.PositionsUpdate)
		if !ok {
			return
		}
		if err := s.SavePositions(ctx, upd.AccountID, upd.Positions); err != nil {
			log.Error("save positions failed", "account", upd.AccountID, "error", err)
		}
	}, 0)

	b.Subscribe(bus.OrderPlacedEvent, func(ctx context.Context, payload any) {
		placed, ok := payload.(bus.OrderPlaced)
		if !ok {
			return
		}
		if err := s.SaveOrder(ctx, placed.AccountID, placed.Order); err != nil {
			log.Error("save order failed", "account", placed.AccountID, "error", err)
		}
	}, 0)
}
