// Package types defines the domain records exchanged between the queue
// managers, the order orchestrator, the stream fan-out, and the data store:
// orders, trades (exchange order echoes), positions, instruments, and margins.
//
// Every record has a tolerant decoder that accepts the two wire shapes seen
// in practice — the exchange-native camelCase payloads coming off REST and
// WebSocket, and the internal snake_case form used when records round-trip
// through the store. Decoders return ErrInvalidMessage for bodies that fail
// JSON decoding or lack required fields, never best-effort partial objects.
package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidMessage marks a payload that failed decoding or is missing
// required fields. Queue managers translate it to an "Invalid Message" reply.
var ErrInvalidMessage = errors.New("invalid message")

// OrderSide is the direction of an order.
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Exchange returns the side in the exchange's wire format ("Buy"/"Sell").
func (s OrderSide) Exchange() string {
	switch s {
	case Buy:
		return "Buy"
	case Sell:
		return "Sell"
	}
	return ""
}

// Opposite returns the other side. Used when deriving stop legs, which must
// reduce the position opened by the main leg.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType is the execution type of an order.
type OrderType string

const (
	Limit  OrderType = "LIMIT"
	Market OrderType = "MARKET"
	Stop   OrderType = "STOP"
)

// Exchange returns the type in the exchange's wire format.
func (t OrderType) Exchange() string {
	switch t {
	case Limit:
		return "Limit"
	case Market:
		return "Market"
	case Stop:
		return "Stop"
	}
	return ""
}

// StopTriggerType selects the reference price that fires a stop order.
type StopTriggerType string

const (
	TriggerLastPrice StopTriggerType = "LAST_PRICE"
	TriggerMarkPrice StopTriggerType = "MARK_PRICE"
	TriggerNone      StopTriggerType = ""
)

// Exchange returns the trigger in the exchange's wire format
// ("LastPrice"/"MarkPrice"), or "" for TriggerNone.
func (t StopTriggerType) Exchange() string {
	switch t {
	case TriggerLastPrice:
		return "LastPrice"
	case TriggerMarkPrice:
		return "MarkPrice"
	}
	return ""
}

// Order is an inbound order command. It is constructed from a broker message
// and never mutated after placement; exchange echoes are stored as Trades.
type Order struct {
	ID                  string          `json:"id"`
	ClientOrderID       string          `json:"client_order_id"`
	Symbol              string          `json:"symbol"`
	Side                OrderSide       `json:"side"`
	OrderType           OrderType       `json:"order_type"`
	CloseOrder          bool            `json:"close_order"`
	Percent             float64         `json:"percent"`
	Leverage            float64         `json:"leverage"`
	Price               float64         `json:"price,omitempty"`
	StopPrice           float64         `json:"stop_price,omitempty"`
	StopTriggerType     StopTriggerType `json:"stop_trigger_type,omitempty"`
	TrailingStopPercent float64         `json:"trailing_stop_percent,omitempty"`
}

// orderWire is the command shape sent by the broker. The id arrives as
// either "id" or "orderId" depending on the caller.
type orderWire struct {
	ID                  json.Number `json:"id"`
	OrderID             json.Number `json:"orderId"`
	ClientOrderID       string      `json:"clOrderId"`
	Symbol              string      `json:"symbol"`
	Side                string      `json:"side"`
	OrderType           string      `json:"orderType"`
	CloseOrder          bool        `json:"closeOrder"`
	Percent             float64     `json:"percent"`
	Leverage            float64     `json:"leverage"`
	Price               float64     `json:"price"`
	StopPrice           float64     `json:"stopPrice"`
	StopTriggerType     string      `json:"stopTriggerType"`
	TrailingStopPercent float64     `json:"trailingStopPercent"`

	// Internal snake_case shape, seen when an order round-trips the store.
	AltClientOrderID   string  `json:"client_order_id"`
	AltOrderType       string  `json:"order_type"`
	AltCloseOrder      bool    `json:"close_order"`
	AltStopPrice       float64 `json:"stop_price"`
	AltTriggerType     string  `json:"stop_trigger_type"`
	AltTrailingPercent float64 `json:"trailing_stop_percent"`
}

// DecodeOrder decodes an order command from either wire shape.
func DecodeOrder(data []byte) (Order, error) {
	var w orderWire
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&w); err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	o := Order{
		ID:                  w.ID.String(),
		ClientOrderID:       firstNonEmpty(w.ClientOrderID, w.AltClientOrderID),
		Symbol:              w.Symbol,
		Side:                ParseOrderSide(w.Side),
		OrderType:           ParseOrderType(firstNonEmpty(w.OrderType, w.AltOrderType)),
		CloseOrder:          w.CloseOrder || w.AltCloseOrder,
		Percent:             w.Percent,
		Leverage:            w.Leverage,
		Price:               w.Price,
		StopPrice:           firstNonZero(w.StopPrice, w.AltStopPrice),
		StopTriggerType:     ParseStopTriggerType(firstNonEmpty(w.StopTriggerType, w.AltTriggerType)),
		TrailingStopPercent: firstNonZero(w.TrailingStopPercent, w.AltTrailingPercent),
	}
	if o.ID == "" || o.ID == "0" {
		o.ID = w.OrderID.String()
	}
	if o.ID == "0" {
		o.ID = ""
	}

	if o.Symbol == "" {
		return Order{}, fmt.Errorf("%w: order missing symbol", ErrInvalidMessage)
	}
	if o.Side == "" {
		return Order{}, fmt.Errorf("%w: order missing side", ErrInvalidMessage)
	}
	return o, nil
}

// Validate enforces the order invariants: stop orders carry a stop price,
// trailing orders carry a trailing percent and a concrete trigger type.
func (o Order) Validate() error {
	if o.OrderType == Stop && o.StopPrice <= 0 {
		return fmt.Errorf("%w: stop order requires stop price", ErrInvalidMessage)
	}
	if o.TrailingStopPercent != 0 {
		if o.StopTriggerType != TriggerLastPrice && o.StopTriggerType != TriggerMarkPrice {
			return fmt.Errorf("%w: trailing stop requires a trigger type", ErrInvalidMessage)
		}
	}
	return nil
}

// ParseOrderSide normalizes both wire spellings ("BUY"/"Buy") to OrderSide.
func ParseOrderSide(s string) OrderSide {
	switch s {
	case "BUY", "Buy", "buy":
		return Buy
	case "SELL", "Sell", "sell":
		return Sell
	}
	return ""
}

// ParseOrderType normalizes both wire spellings to OrderType.
func ParseOrderType(s string) OrderType {
	switch s {
	case "LIMIT", "Limit", "limit":
		return Limit
	case "MARKET", "Market", "market":
		return Market
	case "STOP", "Stop", "stop":
		return Stop
	}
	return ""
}

// ParseStopTriggerType normalizes both wire spellings to StopTriggerType.
func ParseStopTriggerType(s string) StopTriggerType {
	switch s {
	case "LAST_PRICE", "LastPrice":
		return TriggerLastPrice
	case "MARK_PRICE", "MarkPrice":
		return TriggerMarkPrice
	}
	return TriggerNone
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonZero(vals ...float64) float64 {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

// nonZeroOr returns next when it is non-zero, else prev. The store's merge
// policy takes the newer value only when the update actually carries one.
func nonZeroOr(prev, next float64) float64 {
	if next != 0 {
		return next
	}
	return prev
}

func nonEmptyOr(prev, next string) string {
	if next != "" {
		return next
	}
	return prev
}

// Round8 rounds to 8 decimal places, the canonical precision for XBT values.
func Round8(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}
