package types

import (
	"encoding/json"
	"fmt"
)

// Position is the account's exposure in one instrument. First seen via REST
// snapshot, then merged from the stream while the account stays connected.
type Position struct {
	Symbol            string  `json:"symbol"`
	IsOpen            bool    `json:"is_open"`
	Currency          string  `json:"currency"`
	Underlying        string  `json:"underlying"`
	QuoteCurrency     string  `json:"quote_currency"`
	Leverage          float64 `json:"leverage"`
	SimpleQuantity    float64 `json:"simple_quantity"`
	CurrentQuantity   float64 `json:"current_quantity"`
	MarkPrice         float64 `json:"mark_price"`
	Margin            float64 `json:"margin"`
	MaintenanceMargin float64 `json:"maintenance_margin"`
	AverageEntryPrice float64 `json:"average_entry_price"`
}

type positionWire struct {
	Symbol        string  `json:"symbol"`
	IsOpen        bool    `json:"isOpen"`
	Currency      string  `json:"currency"`
	Underlying    string  `json:"underlying"`
	QuoteCurrency string  `json:"quoteCurrency"`
	Leverage      float64 `json:"leverage"`
	SimpleQty     float64 `json:"simpleQty"`
	CurrentQty    float64 `json:"currentQty"`
	MarkPrice     float64 `json:"markPrice"`
	PosMargin     float64 `json:"posMargin"`
	MaintMargin   float64 `json:"maintMargin"`
	AvgEntryPrice float64 `json:"avgEntryPrice"`

	AltIsOpen        bool    `json:"is_open"`
	AltQuoteCurrency string  `json:"quote_currency"`
	AltSimpleQty     float64 `json:"simple_quantity"`
	AltCurrentQty    float64 `json:"current_quantity"`
	AltMarkPrice     float64 `json:"mark_price"`
	AltMargin        float64 `json:"margin"`
	AltMaintMargin   float64 `json:"maintenance_margin"`
	AltAvgEntryPrice float64 `json:"average_entry_price"`
}

// DecodePosition decodes a position from either wire shape.
func DecodePosition(data []byte) (Position, error) {
	var w positionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return Position{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if w.Symbol == "" {
		return Position{}, fmt.Errorf("%w: position missing symbol", ErrInvalidMessage)
	}

	p := Position{
		Symbol:            w.Symbol,
		IsOpen:            w.IsOpen || w.AltIsOpen,
		Currency:          w.Currency,
		Underlying:        w.Underlying,
		QuoteCurrency:     firstNonEmpty(w.QuoteCurrency, w.AltQuoteCurrency),
		Leverage:          w.Leverage,
		SimpleQuantity:    firstNonZero(w.SimpleQty, w.AltSimpleQty),
		CurrentQuantity:   firstNonZero(w.CurrentQty, w.AltCurrentQty),
		MarkPrice:         firstNonZero(w.MarkPrice, w.AltMarkPrice),
		Margin:            firstNonZero(w.PosMargin, w.AltMargin),
		MaintenanceMargin: firstNonZero(w.MaintMargin, w.AltMaintMargin),
		AverageEntryPrice: firstNonZero(w.AvgEntryPrice, w.AltAvgEntryPrice),
	}
	p.IsOpen = p.IsOpen || p.CurrentQuantity != 0
	return p, nil
}

// Side derives the position direction from the signed quantity.
func (p Position) Side() OrderSide {
	if p.CurrentQuantity > 0 {
		return Buy
	}
	return Sell
}

// Merge applies an update, taking each new value when present.
func (p Position) Merge(update Position) Position {
	p.IsOpen = update.IsOpen
	p.Currency = nonEmptyOr(p.Currency, update.Currency)
	p.Underlying = nonEmptyOr(p.Underlying, update.Underlying)
	p.QuoteCurrency = nonEmptyOr(p.QuoteCurrency, update.QuoteCurrency)
	p.Leverage = nonZeroOr(p.Leverage, update.Leverage)
	p.SimpleQuantity = nonZeroOr(p.SimpleQuantity, update.SimpleQuantity)
	p.CurrentQuantity = update.CurrentQuantity
	p.MarkPrice = nonZeroOr(p.MarkPrice, update.MarkPrice)
	p.Margin = nonZeroOr(p.Margin, update.Margin)
	p.MaintenanceMargin = nonZeroOr(p.MaintenanceMargin, update.MaintenanceMargin)
	p.AverageEntryPrice = nonZeroOr(p.AverageEntryPrice, update.AverageEntryPrice)
	return p
}
