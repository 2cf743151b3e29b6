package bus

import (
	"time"

	"github.com/bmschwartz/nexus-bitmex-node/pkg/types"
)

// Event keys. This is a closed set: every publish and subscribe in the
// process uses one of these constants.
const (
	// Commands, decoded from broker messages by the queue managers.
	CreateAccountCmd  = "create_account_cmd"
	UpdateAccountCmd  = "update_account_cmd"
	DeleteAccountCmd  = "delete_account_cmd"
	CreateOrderCmd    = "create_order_cmd"
	UpdateOrderCmd    = "update_order_cmd"
	CancelOrderCmd    = "cancel_order_cmd"
	ClosePositionCmd  = "position_close_cmd"
	AddStopCmd        = "position_add_stop_cmd"
	AddTrailingCmd    = "position_add_tsl_cmd"
	AccountHeartbeat  = "account_heartbeat"

	// Results and stream updates.
	AccountCreatedEvent  = "account_created_event"
	AccountUpdatedEvent  = "account_updated_event"
	AccountDeletedEvent  = "account_deleted_event"
	OrderCreatedEvent    = "order_created_event"
	OrderUpdatedEvent    = "order_updated_event"
	OrderCanceledEvent   = "order_canceled_event"
	PositionClosedEvent  = "position_closed_event"
	PositionAddedStop    = "position_added_stop_event"
	PositionAddedTSL     = "position_added_tsl_event"
	MarginsUpdatedEvent  = "margins_updated_event"
	PositionsUpdated     = "positions_updated_event"
	TickerUpdatedEvent   = "ticker_updated_event"
	MyTradesUpdatedEvent = "my_trades_updated_event"
	OrderPlacedEvent     = "order_placed_event"
)

// AccountCommand is the payload of the three account command keys. The
// correlation id comes from the AMQP message so the reply can be matched.
type AccountCommand struct {
	CorrelationID string
	AccountID     string
	APIKey        string
	APISecret     string
	Timestamp     time.Time
}

// AccountResult is published on account_{created,updated,deleted}_event.
type AccountResult struct {
	CorrelationID string
	AccountID     string
	Success       bool
	Error         string
}

// CompoundOrder groups the legs of a create-order command.
type CompoundOrder struct {
	Main *types.Order
	Stop *types.Order
	TSL  *types.Order
}

// CreateOrderCommand is the payload of create_order_cmd.
type CreateOrderCommand struct {
	CorrelationID string
	Orders        CompoundOrder
}

// UpdateOrderCommand is the payload of update_order_cmd. Nothing consumes it
// yet; the command is accepted off the wire and acknowledged, but order
// amendment is not implemented.
type UpdateOrderCommand struct {
	CorrelationID string
	OrderID       string
}

// CancelOrderCommand is the payload of cancel_order_cmd.
type CancelOrderCommand struct {
	CorrelationID string
	AccountID     string
	OrderID       string
}

// ClosePositionCommand is the payload of position_close_cmd.
type ClosePositionCommand struct {
	CorrelationID string
	Order         types.Order
}

// AddStopCommand is the payload of position_add_stop_cmd.
type AddStopCommand struct {
	CorrelationID string
	Symbol        string
	StopPrice     float64
	Trigger       types.StopTriggerType
}

// AddTrailingCommand is the payload of position_add_tsl_cmd.
type AddTrailingCommand struct {
	CorrelationID string
	Symbol        string
	Percent       float64
	Trigger       types.StopTriggerType
}

// CompoundOrderResult is published on order_created_event. Orders holds the
// projected report per successful leg; Errors holds the per-leg failures.
type CompoundOrderResult struct {
	CorrelationID string
	Orders        map[string]types.OrderReport
	Errors        map[string]string
}

// Success reports whether every leg was accepted.
func (r CompoundOrderResult) IsSuccess() bool {
	return len(r.Errors) == 0
}

// OrderCanceledResult is published on order_canceled_event.
type OrderCanceledResult struct {
	CorrelationID string
	OrderID       string
	Order         *types.OrderReport
	Error         string
}

// PositionResult is published on position_closed_event,
// position_added_stop_event, and position_added_tsl_event.
type PositionResult struct {
	CorrelationID string
	Order         *types.OrderReport
	Error         string
}

// Heartbeat is published on account_heartbeat every five seconds while an
// account is connected.
type Heartbeat struct {
	AccountID string
}

// MarginsUpdate is published on margins_updated_event.
type MarginsUpdate struct {
	AccountID string
	Margins   []types.Margin
}

// PositionsUpdate is published on positions_updated_event. The slice holds
// only the positions that changed since the last emission.
type PositionsUpdate struct {
	AccountID string
	Positions []types.Position
}

// TickersUpdate is published on ticker_updated_event with the full map of
// open instruments, keyed by symbol.
type TickersUpdate struct {
	AccountID string
	Tickers   map[string]types.Symbol
}

// TradesUpdate is published on my_trades_updated_event.
type TradesUpdate struct {
	AccountID string
	Trades    []types.Trade
}

// OrderUpdate is published on order_updated_event, one changed order at a
// time.
type OrderUpdate struct {
	AccountID string
	Trade     types.Trade
}

// OrderPlaced is published on order_placed_event after the orchestrator
// submits an order, so the store can persist the original command.
type OrderPlaced struct {
	AccountID string
	Order     types.Order
}
