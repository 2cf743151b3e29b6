package types

import (
	"encoding/json"
	"fmt"
)

// Margin is the account's collateral in one currency, stored in canonical
// XBT units (raw satoshi values scaled by 1e-8 once at ingest).
// Invariant: Available = Balance − Used.
type Margin struct {
	Currency  string  `json:"currency"`
	Balance   float64 `json:"balance"`
	Used      float64 `json:"used"`
	Available float64 `json:"available"`
}

// marginWire is the exchange-native margin row. Values are in satoshis.
type marginWire struct {
	Currency        string  `json:"currency"`
	MarginBalance   float64 `json:"marginBalance"`
	AvailableMargin float64 `json:"availableMargin"`
	MaintMargin     float64 `json:"maintMargin"`

	AltBalance   float64 `json:"balance"`
	AltUsed      float64 `json:"used"`
	AltAvailable float64 `json:"available"`
}

// DecodeMargin decodes a margin row from either wire shape. Exchange-native
// rows are scaled from satoshis to XBT and rounded to 8 decimals.
func DecodeMargin(data []byte) (Margin, error) {
	var w marginWire
	if err := json.Unmarshal(data, &w); err != nil {
		return Margin{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if w.Currency == "" {
		return Margin{}, fmt.Errorf("%w: margin missing currency", ErrInvalidMessage)
	}

	if w.MarginBalance != 0 || w.AvailableMargin != 0 || w.MaintMargin != 0 {
		balance := firstNonZero(w.AvailableMargin, w.MarginBalance)
		used := w.MaintMargin
		return Margin{
			Currency:  w.Currency,
			Balance:   Round8(balance * SatoshiFactor),
			Used:      Round8(used * SatoshiFactor),
			Available: Round8((balance - used) * SatoshiFactor),
		}, nil
	}

	return Margin{
		Currency:  w.Currency,
		Balance:   w.AltBalance,
		Used:      w.AltUsed,
		Available: w.AltAvailable,
	}, nil
}

// Merge applies an update: the balance takes the newer value when present,
// used takes the newer maintenance margin when provided, and available is
// recomputed from the merged pair.
func (m Margin) Merge(update Margin) Margin {
	m.Balance = nonZeroOr(m.Balance, update.Balance)
	m.Used = nonZeroOr(m.Used, update.Used)
	m.Available = Round8(m.Balance - m.Used)
	return m
}
