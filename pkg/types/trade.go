package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Trade is the exchange's view of an order: created on the first echo and
// merged field-by-field (last write wins, absent fields keep the old value)
// on every subsequent echo.
type Trade struct {
	OrderID           string  `json:"order_id"`
	Symbol            string  `json:"symbol"`
	Side              string  `json:"side"`
	OrderType         string  `json:"order_type"`
	OrderStatus       string  `json:"order_status"`
	OrderQuantity     float64 `json:"order_quantity"`
	FilledQuantity    float64 `json:"filled_quantity"`
	AvgPrice          float64 `json:"avg_price,omitempty"`
	ClientOrderID     string  `json:"client_order_id"`
	ClientOrderLinkID string  `json:"client_order_link_id"`
	PegPriceType      string  `json:"peg_price_type,omitempty"`
	PegOffsetValue    float64 `json:"peg_offset_value,omitempty"`
	Text              string  `json:"text"`
	StopPrice         float64 `json:"stop_price,omitempty"`
	LeavesQuantity    float64 `json:"leaves_quantity,omitempty"`
	Price             float64 `json:"price,omitempty"`
	Timestamp         string  `json:"timestamp,omitempty"`
}

// tradeWire accepts both the exchange-native execution shape and the
// internal snake_case form in a single pass.
type tradeWire struct {
	OrderID        string  `json:"orderID"`
	Symbol         string  `json:"symbol"`
	Side           string  `json:"side"`
	OrdType        string  `json:"ordType"`
	OrdStatus      string  `json:"ordStatus"`
	OrderQty       float64 `json:"orderQty"`
	CumQty         float64 `json:"cumQty"`
	AvgPx          float64 `json:"avgPx"`
	ClOrdID        string  `json:"clOrdID"`
	ClOrdLinkID    string  `json:"clOrdLinkID"`
	PegPriceType   string  `json:"pegPriceType"`
	PegOffsetValue float64 `json:"pegOffsetValue"`
	Text           string  `json:"text"`
	StopPx         float64 `json:"stopPx"`
	LeavesQty      float64 `json:"leavesQty"`
	Price          float64 `json:"price"`
	Timestamp      string  `json:"timestamp"`

	AltOrderID        string  `json:"order_id"`
	AltOrderType      string  `json:"order_type"`
	AltOrderStatus    string  `json:"order_status"`
	AltOrderQty       float64 `json:"order_quantity"`
	AltFilledQty      float64 `json:"filled_quantity"`
	AltAvgPrice       float64 `json:"avg_price"`
	AltClOrdID        string  `json:"client_order_id"`
	AltClOrdLinkID    string  `json:"client_order_link_id"`
	AltPegPriceType   string  `json:"peg_price_type"`
	AltPegOffsetValue float64 `json:"peg_offset_value"`
	AltStopPrice      float64 `json:"stop_price"`
	AltLeavesQty      float64 `json:"leaves_quantity"`
}

// DecodeTrade decodes a trade from either wire shape.
func DecodeTrade(data []byte) (Trade, error) {
	var w tradeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return Trade{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	t := Trade{
		OrderID:           firstNonEmpty(w.OrderID, w.AltOrderID),
		Symbol:            w.Symbol,
		Side:              w.Side,
		OrderType:         firstNonEmpty(w.OrdType, w.AltOrderType),
		OrderStatus:       firstNonEmpty(w.OrdStatus, w.AltOrderStatus),
		OrderQuantity:     firstNonZero(w.OrderQty, w.AltOrderQty),
		FilledQuantity:    firstNonZero(w.CumQty, w.AltFilledQty),
		AvgPrice:          firstNonZero(w.AvgPx, w.AltAvgPrice),
		ClientOrderID:     firstNonEmpty(w.ClOrdID, w.AltClOrdID),
		ClientOrderLinkID: firstNonEmpty(w.ClOrdLinkID, w.AltClOrdLinkID),
		PegPriceType:      firstNonEmpty(w.PegPriceType, w.AltPegPriceType),
		PegOffsetValue:    firstNonZero(w.PegOffsetValue, w.AltPegOffsetValue),
		Text:              w.Text,
		StopPrice:         firstNonZero(w.StopPx, w.AltStopPrice),
		LeavesQuantity:    firstNonZero(w.LeavesQty, w.AltLeavesQty),
		Price:             w.Price,
		Timestamp:         w.Timestamp,
	}
	if t.OrderID == "" {
		return Trade{}, fmt.Errorf("%w: trade missing order id", ErrInvalidMessage)
	}
	return t, nil
}

// Merge applies an update to the trade, taking each new value when present
// and keeping the old one otherwise.
func (t Trade) Merge(update Trade) Trade {
	t.Symbol = nonEmptyOr(t.Symbol, update.Symbol)
	t.Side = nonEmptyOr(t.Side, update.Side)
	t.OrderType = nonEmptyOr(t.OrderType, update.OrderType)
	t.OrderStatus = nonEmptyOr(t.OrderStatus, update.OrderStatus)
	t.OrderQuantity = nonZeroOr(t.OrderQuantity, update.OrderQuantity)
	t.FilledQuantity = nonZeroOr(t.FilledQuantity, update.FilledQuantity)
	t.AvgPrice = nonZeroOr(t.AvgPrice, update.AvgPrice)
	t.ClientOrderID = nonEmptyOr(t.ClientOrderID, update.ClientOrderID)
	t.ClientOrderLinkID = nonEmptyOr(t.ClientOrderLinkID, update.ClientOrderLinkID)
	t.PegPriceType = nonEmptyOr(t.PegPriceType, update.PegPriceType)
	t.PegOffsetValue = nonZeroOr(t.PegOffsetValue, update.PegOffsetValue)
	t.Text = nonEmptyOr(t.Text, update.Text)
	t.StopPrice = nonZeroOr(t.StopPrice, update.StopPrice)
	t.LeavesQuantity = update.LeavesQuantity
	t.Price = nonZeroOr(t.Price, update.Price)
	t.Timestamp = nonEmptyOr(t.Timestamp, update.Timestamp)
	return t
}

// DemangleClOrdID strips the per-attempt nonce from a clOrdID, returning the
// first two underscore-separated segments. "abc_def_1a2b" becomes "abc_def".
func DemangleClOrdID(clOrdID string) string {
	parts := strings.Split(clOrdID, "_")
	if len(parts) <= 2 {
		return clOrdID
	}
	return strings.Join(parts[:2], "_")
}
