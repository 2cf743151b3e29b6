package exchange

import (
	"log/slog"
	"testing"
)

func newTestFeed() *Feed {
	return NewFeed("key", "secret", true, slog.Default())
}

func TestDispatchRoutesTables(t *testing.T) {
	t.Parallel()
	f := newTestFeed()

	f.dispatch([]byte(`{"table":"margin","action":"update","data":[
		{"currency":"XBt","marginBalance":150000000,"availableMargin":120000000,"maintMargin":30000000}
	]}`))
	f.dispatch([]byte(`{"table":"position","action":"partial","data":[
		{"symbol":"XBTUSD","currentQty":100,"isOpen":true}
	]}`))
	f.dispatch([]byte(`{"table":"order","action":"insert","data":[
		{"orderID":"o1","symbol":"XBTUSD","ordStatus":"New","orderQty":100}
	]}`))
	f.dispatch([]byte(`{"table":"instrument","action":"update","data":[
		{"symbol":"XBTUSD","state":"Open","tickSize":0.5}
	]}`))

	select {
	case rows := <-f.Margins():
		if len(rows) != 1 || rows[0].Currency != "XBt" {
			t.Errorf("margin rows = %+v", rows)
		}
		if rows[0].Balance != 1.2 {
			t.Errorf("margin balance = %v, want satoshi-scaled 1.2", rows[0].Balance)
		}
	default:
		t.Error("margin frame not delivered")
	}
	select {
	case rows := <-f.Positions():
		if len(rows) != 1 || rows[0].Symbol != "XBTUSD" {
			t.Errorf("position rows = %+v", rows)
		}
	default:
		t.Error("position frame not delivered")
	}
	select {
	case rows := <-f.Orders():
		if len(rows) != 1 || rows[0].OrderID != "o1" {
			t.Errorf("order rows = %+v", rows)
		}
	default:
		t.Error("order frame not delivered")
	}
	select {
	case rows := <-f.Instruments():
		if len(rows) != 1 || !rows[0].IsOpen() {
			t.Errorf("instrument rows = %+v", rows)
		}
	default:
		t.Error("instrument frame not delivered")
	}
}

func TestDispatchIgnoresNoise(t *testing.T) {
	t.Parallel()
	f := newTestFeed()

	f.dispatch([]byte(`pong`))
	f.dispatch([]byte(`{"success":true,"subscribe":"margin"}`))
	f.dispatch([]byte(`{"error":"not authorized"}`))
	f.dispatch([]byte(`{"table":"funding","action":"update","data":[{"symbol":"XBTUSD"}]}`))
	f.dispatch([]byte(`{"table":"margin","action":"update","data":[]}`))
	f.dispatch([]byte(`{"table":"margin","action":"update","data":[{"no":"currency"}]}`))

	select {
	case rows := <-f.Margins():
		t.Errorf("unexpected margin frame %+v", rows)
	default:
	}
}

func TestSafeSymbol(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want string
	}{
		{"XBTUSD", "XBTUSD"},
		{"xbtusd", "XBTUSD"},
		{"BTC/USD", "XBTUSD"},
		{"btc-usd", "XBTUSD"},
		{" ETHUSD ", "ETHUSD"},
	}
	for _, tt := range tests {
		if got := SafeSymbol(tt.raw); got != tt.want {
			t.Errorf("SafeSymbol(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}
