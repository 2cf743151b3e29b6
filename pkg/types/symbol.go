package types

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Symbol is an exchange instrument. Only instruments with state "Open" are
// retained in the tickers set.
type Symbol struct {
	Symbol             string  `json:"symbol"`
	State              string  `json:"state"`
	SettlCurrency      string  `json:"settl_currency"`
	QuoteCurrency      string  `json:"quote_currency"`
	Underlying         string  `json:"underlying"`
	MarkPrice          float64 `json:"mark_price"`
	LotSize            float64 `json:"lot_size"`
	MaxPrice           float64 `json:"max_price"`
	MaxOrderQty        float64 `json:"max_order_qty"`
	TickSize           float64 `json:"tick_size"`
	LastPriceProtected float64 `json:"last_price_protected"`
}

type symbolWire struct {
	Symbol             string  `json:"symbol"`
	State              string  `json:"state"`
	SettlCurrency      string  `json:"settlCurrency"`
	QuoteCurrency      string  `json:"quoteCurrency"`
	Underlying         string  `json:"underlying"`
	MarkPrice          float64 `json:"markPrice"`
	LotSize            float64 `json:"lotSize"`
	MaxPrice           float64 `json:"maxPrice"`
	MaxOrderQty        float64 `json:"maxOrderQty"`
	TickSize           float64 `json:"tickSize"`
	LastPriceProtected float64 `json:"lastPriceProtected"`

	AltSettlCurrency      string  `json:"settl_currency"`
	AltQuoteCurrency      string  `json:"quote_currency"`
	AltMarkPrice          float64 `json:"mark_price"`
	AltLotSize            float64 `json:"lot_size"`
	AltMaxPrice           float64 `json:"max_price"`
	AltMaxOrderQty        float64 `json:"max_order_qty"`
	AltTickSize           float64 `json:"tick_size"`
	AltLastPriceProtected float64 `json:"last_price_protected"`
}

// DecodeSymbol decodes an instrument from either wire shape.
func DecodeSymbol(data []byte) (Symbol, error) {
	var w symbolWire
	if err := json.Unmarshal(data, &w); err != nil {
		return Symbol{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if w.Symbol == "" {
		return Symbol{}, fmt.Errorf("%w: instrument missing symbol", ErrInvalidMessage)
	}

	return Symbol{
		Symbol:             w.Symbol,
		State:              w.State,
		SettlCurrency:      firstNonEmpty(w.SettlCurrency, w.AltSettlCurrency),
		QuoteCurrency:      firstNonEmpty(w.QuoteCurrency, w.AltQuoteCurrency),
		Underlying:         w.Underlying,
		MarkPrice:          firstNonZero(w.MarkPrice, w.AltMarkPrice),
		LotSize:            firstNonZero(w.LotSize, w.AltLotSize),
		MaxPrice:           firstNonZero(w.MaxPrice, w.AltMaxPrice),
		MaxOrderQty:        firstNonZero(w.MaxOrderQty, w.AltMaxOrderQty),
		TickSize:           firstNonZero(w.TickSize, w.AltTickSize),
		LastPriceProtected: firstNonZero(w.LastPriceProtected, w.AltLastPriceProtected),
	}, nil
}

// IsOpen reports whether the instrument is trading.
func (s Symbol) IsOpen() bool {
	return s.State == "Open"
}

// FractionalDigits is the decimal precision implied by the tick size:
// tick 0.5 → 1 digit, tick 0.01 → 2 digits, tick 1 → 0 digits.
func (s Symbol) FractionalDigits() int {
	if s.TickSize <= 0 {
		return 0
	}
	exp := decimal.NewFromFloat(s.TickSize).Exponent()
	if exp >= 0 {
		return 0
	}
	return int(-exp)
}

// ReferencePrice returns the trigger reference price for a stop order:
// the protected last price for LastPrice triggers, the mark price otherwise.
func (s Symbol) ReferencePrice(trigger StopTriggerType) float64 {
	if trigger == TriggerMarkPrice {
		return s.MarkPrice
	}
	return s.LastPriceProtected
}
