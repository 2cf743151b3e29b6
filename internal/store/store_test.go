package store

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/bmschwartz/nexus-bitmex-node/internal/bus"
	"github.com/bmschwartz/nexus-bitmex-node/pkg/types"
)

func TestSaveTradeMergesFieldByField(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()

	first := types.Trade{
		OrderID:       "o1",
		Symbol:        "XBTUSD",
		Side:          "Buy",
		OrderStatus:   "New",
		OrderQuantity: 100,
		ClientOrderID: "a_b_1f3c",
	}
	if err := s.SaveTrades(ctx, "acct", []types.Trade{first}); err != nil {
		t.Fatal(err)
	}

	// The update carries only the fields that changed; the rest must survive.
	update := types.Trade{
		OrderID:        "o1",
		OrderStatus:    "Filled",
		FilledQuantity: 100,
	}
	if err := s.SaveTrades(ctx, "acct", []types.Trade{update}); err != nil {
		t.Fatal(err)
	}

	got, ok, err := s.GetTrade(ctx, "acct", "o1")
	if err != nil || !ok {
		t.Fatalf("GetTrade: ok=%v err=%v", ok, err)
	}
	if got.OrderStatus != "Filled" {
		t.Errorf("OrderStatus = %q, want Filled", got.OrderStatus)
	}
	if got.Symbol != "XBTUSD" || got.Side != "Buy" || got.ClientOrderID != "a_b_1f3c" {
		t.Errorf("merge lost untouched fields: %+v", got)
	}
	if got.FilledQuantity != 100 {
		t.Errorf("FilledQuantity = %v, want 100", got.FilledQuantity)
	}
}

func TestSaveMarginRecomputesAvailable(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()

	if err := s.SaveMargins(ctx, "acct", []types.Margin{
		{Currency: "XBt", Balance: 1.5, Used: 0.25, Available: 1.25},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveMargins(ctx, "acct", []types.Margin{
		{Currency: "XBt", Used: 0.5},
	}); err != nil {
		t.Fatal(err)
	}

	got, ok, err := s.GetMargin(ctx, "acct", "XBt")
	if err != nil || !ok {
		t.Fatalf("GetMargin: ok=%v err=%v", ok, err)
	}
	if got.Balance != 1.5 {
		t.Errorf("Balance = %v, want 1.5", got.Balance)
	}
	if got.Available != 1.0 {
		t.Errorf("Available = %v, want 1.0", got.Available)
	}
}

func TestSavePositionCurrentQuantityAlwaysTakesUpdate(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()

	if err := s.SavePositions(ctx, "acct", []types.Position{
		{Symbol: "XBTUSD", IsOpen: true, CurrentQuantity: 500, Leverage: 10},
	}); err != nil {
		t.Fatal(err)
	}
	// A flat update must zero the quantity even though zero is the "absent"
	// value for other fields.
	if err := s.SavePositions(ctx, "acct", []types.Position{
		{Symbol: "XBTUSD", IsOpen: false, CurrentQuantity: 0},
	}); err != nil {
		t.Fatal(err)
	}

	got, ok, err := s.GetPosition(ctx, "acct", "XBTUSD")
	if err != nil || !ok {
		t.Fatalf("GetPosition: ok=%v err=%v", ok, err)
	}
	if got.CurrentQuantity != 0 || got.IsOpen {
		t.Errorf("position not flattened: %+v", got)
	}
	if got.Leverage != 10 {
		t.Errorf("Leverage = %v, want 10 preserved", got.Leverage)
	}
}

func TestAccountsAreIsolated(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()

	if err := s.SaveOrder(ctx, "a1", types.Order{ID: "o1", Symbol: "XBTUSD"}); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.GetOrder(ctx, "a2", "o1"); ok {
		t.Fatal("order visible under the wrong account")
	}
	orders, err := s.GetOrders(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 1 {
		t.Fatalf("orders = %d, want 1", len(orders))
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()

	if _, ok, err := s.GetTicker(ctx, "acct", "XBTUSD"); ok || err != nil {
		t.Fatalf("ok=%v err=%v, want absent without error", ok, err)
	}
	tickers, err := s.GetTickers(ctx, "acct")
	if err != nil {
		t.Fatal(err)
	}
	if len(tickers) != 0 {
		t.Fatalf("tickers = %d, want 0", len(tickers))
	}
}

func TestListenersPersistStreamEvents(t *testing.T) {
	t.Parallel()
	b := bus.New(slog.Default())
	s := NewMemory()
	RegisterListeners(b, s, slog.Default())
	ctx := context.Background()

	b.Publish(ctx, bus.TickerUpdatedEvent, bus.TickersUpdate{
		AccountID: "acct",
		Tickers:   map[string]types.Symbol{"XBTUSD": {Symbol: "XBTUSD", State: "Open", TickSize: 0.5}},
	})
	b.Publish(ctx, bus.OrderPlacedEvent, bus.OrderPlaced{
		AccountID: "acct",
		Order:     types.Order{ID: "o1", Symbol: "XBTUSD", Side: types.Buy},
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, tickerOK, _ := s.GetTicker(ctx, "acct", "XBTUSD")
		_, orderOK, _ := s.GetOrder(ctx, "acct", "o1")
		if tickerOK && orderOK {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("listener did not persist events: ticker=%v order=%v", tickerOK, orderOK)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
