package types

// OrderReport is the projection of an exchange order echo returned to broker
// callers in command replies. The clOrderId is demangled back to its first
// two underscore-separated segments.
type OrderReport struct {
	OrderID        string  `json:"orderId"`
	Status         string  `json:"status"`
	ClOrderID      string  `json:"clOrderId"`
	ClOrderLinkID  string  `json:"clOrderLinkId"`
	OrderQty       float64 `json:"orderQty"`
	FilledQty      float64 `json:"filledQty"`
	Price          float64 `json:"price,omitempty"`
	AvgPrice       float64 `json:"avgPrice,omitempty"`
	StopPrice      float64 `json:"stopPrice,omitempty"`
	PegOffsetValue float64 `json:"pegOffsetValue,omitempty"`
	Timestamp      string  `json:"timestamp,omitempty"`
}

// ReportFromTrade projects an exchange order echo into the reply shape.
// FilledQty is derived as orderQty − leavesQty when both are present.
func ReportFromTrade(t Trade) OrderReport {
	var filled float64
	if t.OrderQuantity != 0 {
		filled = t.OrderQuantity - t.LeavesQuantity
	}
	return OrderReport{
		OrderID:        t.OrderID,
		Status:         t.OrderStatus,
		ClOrderID:      DemangleClOrdID(t.ClientOrderID),
		ClOrderLinkID:  t.ClientOrderLinkID,
		OrderQty:       t.OrderQuantity,
		FilledQty:      filled,
		Price:          t.Price,
		AvgPrice:       t.AvgPrice,
		StopPrice:      t.StopPrice,
		PegOffsetValue: t.PegOffsetValue,
		Timestamp:      t.Timestamp,
	}
}
