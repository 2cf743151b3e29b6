package types

import (
	"math"

	"github.com/shopspring/decimal"
)

// Unit conversion factors for BitMEX contract values.
const (
	// MilliXBTFactor converts mXBT-denominated contract values to XBT.
	MilliXBTFactor = 1.0 / 1_000
	// SatoshiFactor converts XBt (satoshi) values to XBT.
	SatoshiFactor = 1.0 / 100_000_000
)

// ContractValueMultipliers maps non-XBT-underlying symbols to the XBT value
// of one contract per unit of price. Symbols absent from the table use a
// multiplier of 1.
var ContractValueMultipliers = map[string]float64{
	"ADAUSDTH21":  0.01,
	"BCHUSD":      0.001 * MilliXBTFactor,
	"BNBUSDTH21":  0.0001,
	"DOGEUSDT":    0.001,
	"DOTUSDTH21":  0.0001,
	"EOSUSDTH21":  0.0001,
	"ETHUSD":      0.001 * MilliXBTFactor,
	"ETHUSDH21":   0.001 * MilliXBTFactor,
	"LINKUSDT":    0.0001,
	"LINKUSDTH21": 0.0001,
	"LTCUSD":      0.002 * MilliXBTFactor,
	"XRPUSD":      0.0002,
	"XTZUSDTH21":  0.0001,
	"YFIUSDTH21":  0.0001 * MilliXBTFactor,
}

// SymbolValueInXBT returns the XBT value of one contract of the instrument
// at the given price. Inverse contracts (XBT underlying) are worth 1/price;
// everything else is price times the contract multiplier.
func SymbolValueInXBT(sym Symbol, price float64) float64 {
	if sym.Underlying == "XBT" {
		return 1 / price
	}
	mult, ok := ContractValueMultipliers[sym.Symbol]
	if !ok {
		mult = 1
	}
	return price * mult
}

// OrderQuantity computes the number of contracts to submit for an order that
// spends the given whole-number percent of the available margin at the given
// leverage. Returns 0 when percent is not positive.
//
//	quantity = floor(round(percent/100 × margin, 8) × leverage / value)
func OrderQuantity(margin, percent, price, leverage float64, sym Symbol) float64 {
	if percent <= 0 {
		return 0
	}
	fraction := percent / 100.0

	marginToSpend := decimal.NewFromFloat(fraction).
		Mul(decimal.NewFromFloat(margin)).
		Round(8)
	value := decimal.NewFromFloat(SymbolValueInXBT(sym, price))

	qty, _ := marginToSpend.
		Mul(decimal.NewFromFloat(leverage)).
		Div(value).
		Float64()
	return math.Floor(qty)
}

// RoundToTick rounds a price down to the instrument's tick size at its
// fractional precision. A stopPx of 12345.678 with tick 0.5 becomes 12345.5.
func RoundToTick(price, tickSize float64, fractionalDigits int) float64 {
	if tickSize <= 0 {
		return price
	}
	tick := decimal.NewFromFloat(tickSize)
	rounded, _ := decimal.NewFromFloat(price).
		Div(tick).
		Floor().
		Mul(tick).
		Round(int32(fractionalDigits)).
		Float64()
	return rounded
}
