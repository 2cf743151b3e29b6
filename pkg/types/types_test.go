package types

import (
	"math"
	"testing"
)

func TestDecodeOrderNativeShape(t *testing.T) {
	t.Parallel()
	body := []byte(`{
		"orderId": 42,
		"clOrderId": "abc_main",
		"symbol": "XBTUSD",
		"side": "BUY",
		"orderType": "MARKET",
		"percent": 50,
		"leverage": 10,
		"stopPrice": 40000,
		"stopTriggerType": "MARK_PRICE"
	}`)

	o, err := DecodeOrder(body)
	if err != nil {
		t.Fatalf("DecodeOrder: %v", err)
	}
	if o.ID != "42" {
		t.Errorf("ID = %q, want 42", o.ID)
	}
	if o.Side != Buy {
		t.Errorf("Side = %q, want BUY", o.Side)
	}
	if o.OrderType != Market {
		t.Errorf("OrderType = %q, want MARKET", o.OrderType)
	}
	if o.StopTriggerType != TriggerMarkPrice {
		t.Errorf("StopTriggerType = %q, want MARK_PRICE", o.StopTriggerType)
	}
	if o.StopPrice != 40000 {
		t.Errorf("StopPrice = %v, want 40000", o.StopPrice)
	}
}

func TestDecodeOrderSnakeShape(t *testing.T) {
	t.Parallel()
	body := []byte(`{
		"id": "7",
		"client_order_id": "xyz_stop",
		"symbol": "ETHUSD",
		"side": "Sell",
		"order_type": "Stop",
		"stop_price": 1800.5,
		"percent": 25,
		"leverage": 5
	}`)

	o, err := DecodeOrder(body)
	if err != nil {
		t.Fatalf("DecodeOrder: %v", err)
	}
	if o.ClientOrderID != "xyz_stop" {
		t.Errorf("ClientOrderID = %q", o.ClientOrderID)
	}
	if o.Side != Sell || o.OrderType != Stop {
		t.Errorf("Side/Type = %q/%q", o.Side, o.OrderType)
	}
	if o.StopPrice != 1800.5 {
		t.Errorf("StopPrice = %v", o.StopPrice)
	}
}

func TestDecodeOrderMissingFields(t *testing.T) {
	t.Parallel()
	for name, body := range map[string]string{
		"no symbol": `{"side":"BUY"}`,
		"no side":   `{"symbol":"XBTUSD"}`,
		"not json":  `{{`,
	} {
		if _, err := DecodeOrder([]byte(body)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestOrderValidate(t *testing.T) {
	t.Parallel()
	stop := Order{Symbol: "XBTUSD", Side: Sell, OrderType: Stop}
	if err := stop.Validate(); err == nil {
		t.Error("stop order without stop price should fail validation")
	}
	stop.StopPrice = 40000
	if err := stop.Validate(); err != nil {
		t.Errorf("valid stop order rejected: %v", err)
	}

	tsl := Order{Symbol: "XBTUSD", Side: Sell, OrderType: Stop, StopPrice: 1, TrailingStopPercent: 2}
	if err := tsl.Validate(); err == nil {
		t.Error("trailing order without trigger type should fail validation")
	}
	tsl.StopTriggerType = TriggerLastPrice
	if err := tsl.Validate(); err != nil {
		t.Errorf("valid trailing order rejected: %v", err)
	}
}

func TestOrderQuantityInverseContract(t *testing.T) {
	t.Parallel()
	sym := Symbol{Symbol: "XBTUSD", Underlying: "XBT"}

	// 1.0 XBT margin, 50%, price 50000, 10x: floor(0.5*10/(1/50000)) = 250000
	qty := OrderQuantity(1.0, 50, 50000, 10, sym)
	if qty != 250000 {
		t.Errorf("quantity = %v, want 250000", qty)
	}
}

func TestOrderQuantityLinearContract(t *testing.T) {
	t.Parallel()
	sym := Symbol{Symbol: "ETHUSD", Underlying: "ETH"}

	// ETHUSD multiplier is 0.001 mXBT = 1e-6 XBT per contract per dollar:
	// floor(0.5 * 10 / (2000 * 1e-6)) = floor(2500) = 2500
	qty := OrderQuantity(1.0, 50, 2000, 10, sym)
	if qty != 2500 {
		t.Errorf("quantity = %v, want 2500", qty)
	}
}

func TestOrderQuantityZeroPercent(t *testing.T) {
	t.Parallel()
	sym := Symbol{Symbol: "XBTUSD", Underlying: "XBT"}
	if qty := OrderQuantity(1.0, 0, 50000, 10, sym); qty != 0 {
		t.Errorf("quantity = %v, want 0", qty)
	}
}

func TestRoundToTick(t *testing.T) {
	t.Parallel()
	cases := []struct {
		price, tick float64
		digits      int
		want        float64
	}{
		{12345.678, 0.5, 1, 12345.5},
		{12345.678, 0.05, 2, 12345.65},
		{100.0, 0.5, 1, 100.0},
		{99.99, 1, 0, 99},
		{42.0, 0, 0, 42.0},
	}
	for _, tc := range cases {
		got := RoundToTick(tc.price, tc.tick, tc.digits)
		if math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("RoundToTick(%v, %v, %d) = %v, want %v", tc.price, tc.tick, tc.digits, got, tc.want)
		}
	}
}

func TestDemangleClOrdID(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"abc_def_1a2b": "abc_def",
		"abc_def":      "abc_def",
		"abc":          "abc",
		"a_b_c_d":      "a_b",
	}
	for in, want := range cases {
		if got := DemangleClOrdID(in); got != want {
			t.Errorf("DemangleClOrdID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDecodeTradeNativeAndMerge(t *testing.T) {
	t.Parallel()
	first, err := DecodeTrade([]byte(`{
		"orderID": "o1", "symbol": "XBTUSD", "side": "Buy",
		"ordType": "Limit", "ordStatus": "New",
		"orderQty": 100, "clOrdID": "abc_main_9f3e"
	}`))
	if err != nil {
		t.Fatalf("DecodeTrade: %v", err)
	}

	update, err := DecodeTrade([]byte(`{
		"orderID": "o1", "ordStatus": "Filled", "cumQty": 100, "avgPx": 50123.5
	}`))
	if err != nil {
		t.Fatalf("DecodeTrade update: %v", err)
	}

	merged := first.Merge(update)
	if merged.OrderStatus != "Filled" {
		t.Errorf("OrderStatus = %q, want Filled", merged.OrderStatus)
	}
	if merged.Symbol != "XBTUSD" {
		t.Errorf("Symbol lost in merge: %q", merged.Symbol)
	}
	if merged.FilledQuantity != 100 || merged.AvgPrice != 50123.5 {
		t.Errorf("fill fields = %v/%v", merged.FilledQuantity, merged.AvgPrice)
	}
}

func TestDecodeTradeMissingOrderID(t *testing.T) {
	t.Parallel()
	if _, err := DecodeTrade([]byte(`{"symbol":"XBTUSD"}`)); err == nil {
		t.Error("expected error for trade without order id")
	}
}

func TestDecodePositionSide(t *testing.T) {
	t.Parallel()
	long, err := DecodePosition([]byte(`{"symbol":"XBTUSD","currentQty":100,"markPrice":50000}`))
	if err != nil {
		t.Fatalf("DecodePosition: %v", err)
	}
	if long.Side() != Buy {
		t.Errorf("long side = %q, want BUY", long.Side())
	}
	if !long.IsOpen {
		t.Error("position with quantity should be open")
	}

	short, _ := DecodePosition([]byte(`{"symbol":"XBTUSD","currentQty":-100}`))
	if short.Side() != Sell {
		t.Errorf("short side = %q, want SELL", short.Side())
	}
}

func TestSymbolDerived(t *testing.T) {
	t.Parallel()
	s, err := DecodeSymbol([]byte(`{
		"symbol": "XBTUSD", "state": "Open", "underlying": "XBT",
		"tickSize": 0.5, "lastPriceProtected": 50000, "markPrice": 50010
	}`))
	if err != nil {
		t.Fatalf("DecodeSymbol: %v", err)
	}
	if !s.IsOpen() {
		t.Error("state Open should report IsOpen")
	}
	if d := s.FractionalDigits(); d != 1 {
		t.Errorf("FractionalDigits = %d, want 1", d)
	}
	if p := s.ReferencePrice(TriggerLastPrice); p != 50000 {
		t.Errorf("ReferencePrice(LastPrice) = %v, want 50000", p)
	}
	if p := s.ReferencePrice(TriggerMarkPrice); p != 50010 {
		t.Errorf("ReferencePrice(MarkPrice) = %v, want 50010", p)
	}

	settled, _ := DecodeSymbol([]byte(`{"symbol":"OLD","state":"Settled"}`))
	if settled.IsOpen() {
		t.Error("state Settled should not report IsOpen")
	}
}

func TestSymbolFractionalDigits(t *testing.T) {
	t.Parallel()
	cases := map[float64]int{0.5: 1, 0.01: 2, 1: 0, 0.000001: 6, 0: 0}
	for tick, want := range cases {
		s := Symbol{TickSize: tick}
		if got := s.FractionalDigits(); got != want {
			t.Errorf("FractionalDigits(tick=%v) = %d, want %d", tick, got, want)
		}
	}
}

func TestDecodeMarginScalesSatoshis(t *testing.T) {
	t.Parallel()
	m, err := DecodeMargin([]byte(`{
		"currency": "XBt", "marginBalance": 100000000, "maintMargin": 25000000
	}`))
	if err != nil {
		t.Fatalf("DecodeMargin: %v", err)
	}
	if m.Balance != 1.0 {
		t.Errorf("Balance = %v, want 1.0", m.Balance)
	}
	if m.Used != 0.25 {
		t.Errorf("Used = %v, want 0.25", m.Used)
	}
	if m.Available != 0.75 {
		t.Errorf("Available = %v, want 0.75", m.Available)
	}
}

func TestDecodeMarginPrefersAvailableMargin(t *testing.T) {
	t.Parallel()
	m, err := DecodeMargin([]byte(`{
		"currency": "XBt", "availableMargin": 50000000, "marginBalance": 100000000
	}`))
	if err != nil {
		t.Fatalf("DecodeMargin: %v", err)
	}
	if m.Balance != 0.5 {
		t.Errorf("Balance = %v, want 0.5 (availableMargin wins)", m.Balance)
	}
}

func TestMarginMergeRecomputesAvailable(t *testing.T) {
	t.Parallel()
	old := Margin{Currency: "XBt", Balance: 1.0, Used: 0.25, Available: 0.75}
	merged := old.Merge(Margin{Currency: "XBt", Balance: 2.0})
	if merged.Balance != 2.0 {
		t.Errorf("Balance = %v, want 2.0", merged.Balance)
	}
	if merged.Used != 0.25 {
		t.Errorf("Used = %v, want 0.25 (retained)", merged.Used)
	}
	if merged.Available != 1.75 {
		t.Errorf("Available = %v, want 1.75", merged.Available)
	}
}
