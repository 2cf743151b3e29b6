// Package orders executes broker order commands against the exchange:
// compound create (main leg plus optional stop and trailing-stop legs),
// cancel, close-position, and the attach-stop/attach-trailing flows.
//
// Failure semantics for the compound flow: a leverage or main-leg failure
// fails every leg with the same parsed error and stops the flow; a stop or
// trailing leg failure is recorded per leg and never undoes the main order.
package orders

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/bmschwartz/nexus-bitmex-node/internal/bus"
	"github.com/bmschwartz/nexus-bitmex-node/internal/exchange"
	"github.com/bmschwartz/nexus-bitmex-node/internal/store"
	"github.com/bmschwartz/nexus-bitmex-node/pkg/types"
)

// Reply-facing error strings. These are part of the broker contract.
const (
	errMissingMain     = "Missing main order"
	errOrderDataGone   = "Order data not found in message"
	errNoAccount       = "No matching account"
	errBadOrderID      = "Bad Order ID"
	errSymbolRequired  = "Symbol required"
	errSymbolNotFound  = "Symbol not found"
	errStopPriceNeeded = "Stop price is required"
	errTSLNeeded       = "Trailing Stop Percent required"
	errPositionGone    = "Position not found"
	errInvalidMessage  = "Invalid Message"
)

// defaultMarginCurrency is the settlement currency used for sizing.
const defaultMarginCurrency = "XBt"

type session struct {
	accountID string
	client    exchange.Client
}

// Orchestrator serves order commands for the currently bound account. The
// account lifecycle binds a session on connect and unbinds on disconnect.
type Orchestrator struct {
	bus    *bus.Bus
	store  store.Store
	logger *slog.Logger

	mu   sync.RWMutex
	sess *session

	// nonce yields the 4-character idempotency suffix appended per attempt.
	nonce func() string
}

// New creates an orchestrator and registers it on the command keys.
func New(b *bus.Bus, s store.Store, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		bus:    b,
		store:  s,
		logger: logger.With("component", "orders"),
		nonce:  func() string { return uuid.NewString()[:4] },
	}
	o.register()
	return o
}

// Bind attaches the orchestrator to a connected account.
func (o *Orchestrator) Bind(accountID string, client exchange.Client) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sess = &session{accountID: accountID, client: client}
}

// Unbind detaches the orchestrator from the account.
func (o *Orchestrator) Unbind() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sess = nil
}

func (o *Orchestrator) session() (*session, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.sess, o.sess != nil
}

func (o *Orchestrator) register() {
	o.bus.Subscribe(bus.CreateOrderCmd, func(ctx context.Context, p any) {
		if cmd, ok := p.(bus.CreateOrderCommand); ok {
			o.handleCreateOrder(ctx, cmd)
		}
	}, 0)
	o.bus.Subscribe(bus.CancelOrderCmd, func(ctx context.Context, p any) {
		if cmd, ok := p.(bus.CancelOrderCommand); ok {
			o.handleCancelOrder(ctx, cmd)
		}
	}, 0)
	o.bus.Subscribe(bus.ClosePositionCmd, func(ctx context.Context, p any) {
		if cmd, ok := p.(bus.ClosePositionCommand); ok {
			o.handleClosePosition(ctx, cmd)
		}
	}, 0)
	o.bus.Subscribe(bus.AddStopCmd, func(ctx context.Context, p any) {
		if cmd, ok := p.(bus.AddStopCommand); ok {
			o.handleAddStop(ctx, cmd)
		}
	}, 0)
	o.bus.Subscribe(bus.AddTrailingCmd, func(ctx context.Context, p any) {
		if cmd, ok := p.(bus.AddTrailingCommand); ok {
			o.handleAddTrailing(ctx, cmd)
		}
	}, 0)
}

// mangle appends the per-attempt idempotency nonce to a client order id.
func (o *Orchestrator) mangle(base string) string {
	if base == "" {
		return o.nonce()
	}
	return base + "_" + o.nonce()
}

// messageFor maps an error to its reply-facing string.
func messageFor(err error) string {
	if errors.Is(err, types.ErrInvalidMessage) {
		return errInvalidMessage
	}
	return exchange.ErrorMessage(err)
}

func (o *Orchestrator) handleCreateOrder(ctx context.Context, cmd bus.CreateOrderCommand) {
	result := bus.CompoundOrderResult{
		CorrelationID: cmd.CorrelationID,
		Orders:        make(map[string]types.OrderReport),
		Errors:        make(map[string]string),
	}
	defer func() {
		o.bus.Publish(ctx, bus.OrderCreatedEvent, result)
	}()

	main := cmd.Orders.Main
	if main == nil {
		result.Errors["main"] = errMissingMain
		return
	}

	legs := []string{"main"}
	if cmd.Orders.Stop != nil {
		legs = append(legs, "stop")
	}
	if cmd.Orders.TSL != nil {
		legs = append(legs, "tsl")
	}
	failAll := func(msg string) {
		for _, leg := range legs {
			result.Errors[leg] = msg
		}
	}

	sess, ok := o.session()
	if !ok {
		failAll(errNoAccount)
		return
	}
	if err := main.Validate(); err != nil {
		failAll(messageFor(err))
		return
	}

	if _, err := sess.client.SetPositionLeverage(ctx, main.Symbol, main.Leverage); err != nil {
		failAll(messageFor(err))
		return
	}

	ticker, ok, err := o.store.GetTicker(ctx, sess.accountID, exchange.SafeSymbol(main.Symbol))
	if err != nil || !ok {
		failAll(errSymbolNotFound)
		return
	}
	margin, _, err := o.store.GetMargin(ctx, sess.accountID, defaultMarginCurrency)
	if err != nil {
		failAll(messageFor(err))
		return
	}

	mainTrade, err := o.placeMainOrder(ctx, sess, *main, ticker, margin.Available)
	if err != nil {
		failAll(messageFor(err))
		return
	}
	result.Orders["main"] = types.ReportFromTrade(mainTrade)
	o.bus.Publish(ctx, bus.OrderPlacedEvent, bus.OrderPlaced{AccountID: sess.accountID, Order: *main})

	acceptedQty := mainTrade.OrderQuantity

	if stop := cmd.Orders.Stop; stop != nil {
		trade, err := o.placeStopLeg(ctx, sess, *main, *stop, acceptedQty, ticker)
		if err != nil {
			result.Errors["stop"] = messageFor(err)
		} else {
			result.Orders["stop"] = types.ReportFromTrade(trade)
		}
	}

	if tsl := cmd.Orders.TSL; tsl != nil {
		trade, err := o.placeTrailingLeg(ctx, sess, *main, *tsl, acceptedQty, ticker)
		if err != nil {
			result.Errors["tsl"] = messageFor(err)
		} else {
			result.Orders["tsl"] = types.ReportFromTrade(trade)
		}
	}
}

// placeMainOrder sizes and submits the main leg.
func (o *Orchestrator) placeMainOrder(ctx context.Context, sess *session, main types.Order, ticker types.Symbol, availableMargin float64) (types.Trade, error) {
	price := main.Price
	if price == 0 {
		price = ticker.LastPriceProtected
	}
	quantity := types.OrderQuantity(availableMargin, main.Percent, price, main.Leverage, ticker)

	params := exchange.OrderParams{
		ClOrdID: o.mangle(main.ClientOrderID),
	}

	switch main.OrderType {
	case types.Market:
		return sess.client.CreateMarketOrder(ctx, main.Symbol, main.Side, quantity, params)
	case types.Stop:
		params.OrdType = types.Stop.Exchange()
		params.StopPx = types.RoundToTick(main.StopPrice, ticker.TickSize, ticker.FractionalDigits())
		return sess.client.CreateLimitOrder(ctx, main.Symbol, main.Side, quantity, 0, params)
	default:
		return sess.client.CreateLimitOrder(ctx, main.Symbol, main.Side, quantity, price, params)
	}
}

// placeStopLeg submits the ReduceOnly stop protecting the main leg.
func (o *Orchestrator) placeStopLeg(ctx context.Context, sess *session, main, stop types.Order, quantity float64, ticker types.Symbol) (types.Trade, error) {
	if stop.StopPrice <= 0 {
		return types.Trade{}, errors.New(errStopPriceNeeded)
	}
	side := stop.Side
	if side == "" {
		side = main.Side.Opposite()
	}
	trigger := stop.StopTriggerType
	if trigger == types.TriggerNone {
		trigger = types.TriggerLastPrice
	}

	params := exchange.OrderParams{
		OrdType:  types.Stop.Exchange(),
		ClOrdID:  o.mangle(stop.ClientOrderID),
		ExecInst: "ReduceOnly," + trigger.Exchange(),
		StopPx:   types.RoundToTick(stop.StopPrice, ticker.TickSize, ticker.FractionalDigits()),
	}
	return sess.client.CreateLimitOrder(ctx, stop.Symbol, side, quantity, 0, params)
}

// placeTrailingLeg submits the ReduceOnly trailing stop protecting the main
// leg. The stop price and peg offset are derived from the trigger's
// reference price and the closing side's offset factor.
func (o *Orchestrator) placeTrailingLeg(ctx context.Context, sess *session, main, tsl types.Order, quantity float64, ticker types.Symbol) (types.Trade, error) {
	if tsl.TrailingStopPercent == 0 {
		return types.Trade{}, errors.New(errTSLNeeded)
	}
	side := tsl.Side
	if side == "" {
		side = main.Side.Opposite()
	}
	trigger := tsl.StopTriggerType
	if trigger == types.TriggerNone {
		trigger = types.TriggerLastPrice
	}

	stopPx, pegOffset := trailingStopParams(ticker.ReferencePrice(trigger), tsl.TrailingStopPercent, side, ticker)
	params := exchange.OrderParams{
		OrdType:        types.Stop.Exchange(),
		ClOrdID:        o.mangle(tsl.ClientOrderID),
		ExecInst:       "ReduceOnly," + trigger.Exchange(),
		StopPx:         stopPx,
		PegPriceType:   "TrailingStopPeg",
		PegOffsetValue: pegOffset,
	}
	return sess.client.CreateLimitOrder(ctx, tsl.Symbol, side, quantity, 0, params)
}

// trailingStopParams computes the stop price and signed peg offset for a
// trailing stop closing on the given side. A sell (closing a long) trails
// below the reference price with a negative offset; a buy trails above.
func trailingStopParams(refPrice, percent float64, closingSide types.OrderSide, ticker types.Symbol) (stopPx, pegOffset float64) {
	digits := ticker.FractionalDigits()
	offset := types.RoundToTick(refPrice*percent/100, ticker.TickSize, digits)

	if closingSide == types.Sell {
		stopPx = types.RoundToTick(refPrice*(1-percent/100), ticker.TickSize, digits)
		return stopPx, -offset
	}
	stopPx = types.RoundToTick(refPrice*(1+percent/100), ticker.TickSize, digits)
	return stopPx, offset
}

func (o *Orchestrator) handleCancelOrder(ctx context.Context, cmd bus.CancelOrderCommand) {
	result := bus.OrderCanceledResult{CorrelationID: cmd.CorrelationID, OrderID: cmd.OrderID}
	defer func() {
		o.bus.Publish(ctx, bus.OrderCanceledEvent, result)
	}()

	if cmd.OrderID == "" {
		result.Error = errBadOrderID
		return
	}
	sess, ok := o.session()
	if !ok || (cmd.AccountID != "" && cmd.AccountID != sess.accountID) {
		result.Error = errNoAccount
		return
	}

	trade, err := sess.client.CancelOrder(ctx, cmd.OrderID)
	if err != nil {
		result.Error = messageFor(err)
		return
	}
	report := types.ReportFromTrade(trade)
	result.Order = &report
}

func (o *Orchestrator) handleClosePosition(ctx context.Context, cmd bus.ClosePositionCommand) {
	result := bus.PositionResult{CorrelationID: cmd.CorrelationID}
	defer func() {
		o.bus.Publish(ctx, bus.PositionClosedEvent, result)
	}()

	order := cmd.Order
	if order.Symbol == "" {
		result.Error = errOrderDataGone
		return
	}
	sess, ok := o.session()
	if !ok {
		result.Error = errNoAccount
		return
	}

	symbol := exchange.SafeSymbol(order.Symbol)
	position, ok, err := o.store.GetPosition(ctx, sess.accountID, symbol)
	if err != nil || !ok {
		result.Error = errPositionGone
		return
	}

	// The quantity is signed against the position; the exchange derives the
	// direction from the sign, so no side is sent.
	quantity := closeQuantity(order.Percent, position.CurrentQuantity)
	params := exchange.OrderParams{
		ClOrdID:  o.mangle(order.ClientOrderID),
		ExecInst: "Close",
	}

	var trade types.Trade
	if order.OrderType == types.Limit && order.Price != 0 {
		trade, err = sess.client.CreateLimitOrder(ctx, symbol, "", quantity, order.Price, params)
	} else {
		trade, err = sess.client.CreateMarketOrder(ctx, symbol, "", quantity, params)
	}
	if err != nil {
		result.Error = messageFor(err)
		return
	}
	report := types.ReportFromTrade(trade)
	result.Order = &report
}

// closeQuantity converts a close percent into a signed contract quantity
// opposing the position: -1 × max(1, round(percent × qty)) / 100 for longs,
// with min instead of max for shorts.
func closeQuantity(percent, currentQty float64) float64 {
	rounded := math.Round(percent * currentQty)
	var clamped float64
	if currentQty > 0 {
		clamped = math.Max(1, rounded)
	} else {
		clamped = math.Min(1, rounded)
	}
	return -1 * clamped / 100
}

func (o *Orchestrator) handleAddStop(ctx context.Context, cmd bus.AddStopCommand) {
	result := bus.PositionResult{CorrelationID: cmd.CorrelationID}
	defer func() {
		o.bus.Publish(ctx, bus.PositionAddedStop, result)
	}()

	if cmd.Symbol == "" {
		result.Error = errSymbolRequired
		return
	}
	if cmd.StopPrice <= 0 {
		result.Error = errStopPriceNeeded
		return
	}
	sess, ok := o.session()
	if !ok {
		result.Error = errNoAccount
		return
	}

	symbol := exchange.SafeSymbol(cmd.Symbol)
	ticker, ok, err := o.store.GetTicker(ctx, sess.accountID, symbol)
	if err != nil || !ok {
		result.Error = errSymbolNotFound
		return
	}
	position, ok, err := o.store.GetPosition(ctx, sess.accountID, symbol)
	if err != nil || !ok {
		result.Error = errPositionGone
		return
	}

	trigger := cmd.Trigger
	if trigger == types.TriggerNone {
		trigger = types.TriggerLastPrice
	}
	params := exchange.OrderParams{
		OrdType:  types.Stop.Exchange(),
		ClOrdID:  o.mangle(""),
		ExecInst: "Close," + trigger.Exchange(),
		StopPx:   types.RoundToTick(cmd.StopPrice, ticker.TickSize, ticker.FractionalDigits()),
	}
	trade, err := sess.client.CreateLimitOrder(ctx, symbol, position.Side().Opposite(), 0, 0, params)
	if err != nil {
		result.Error = messageFor(err)
		return
	}
	report := types.ReportFromTrade(trade)
	result.Order = &report
}

func (o *Orchestrator) handleAddTrailing(ctx context.Context, cmd bus.AddTrailingCommand) {
	result := bus.PositionResult{CorrelationID: cmd.CorrelationID}
	defer func() {
		o.bus.Publish(ctx, bus.PositionAddedTSL, result)
	}()

	if cmd.Percent == 0 {
		result.Error = errTSLNeeded
		return
	}
	if cmd.Symbol == "" {
		result.Error = errSymbolRequired
		return
	}
	sess, ok := o.session()
	if !ok {
		result.Error = errNoAccount
		return
	}

	symbol := exchange.SafeSymbol(cmd.Symbol)
	ticker, ok, err := o.store.GetTicker(ctx, sess.accountID, symbol)
	if err != nil || !ok {
		result.Error = errSymbolNotFound
		return
	}
	position, ok, err := o.store.GetPosition(ctx, sess.accountID, symbol)
	if err != nil || !ok {
		result.Error = errPositionGone
		return
	}

	trigger := cmd.Trigger
	if trigger == types.TriggerNone {
		trigger = types.TriggerLastPrice
	}
	side := position.Side().Opposite()
	stopPx, pegOffset := trailingStopParams(ticker.ReferencePrice(trigger), cmd.Percent, side, ticker)

	params := exchange.OrderParams{
		OrdType:        types.Stop.Exchange(),
		ClOrdID:        o.mangle(""),
		ExecInst:       "Close," + trigger.Exchange(),
		StopPx:         stopPx,
		PegPriceType:   "TrailingStopPeg",
		PegOffsetValue: pegOffset,
	}
	trade, err := sess.client.CreateLimitOrder(ctx, symbol, side, 0, 0, params)
	if err != nil {
		result.Error = messageFor(err)
		return
	}
	report := types.ReportFromTrade(trade)
	result.Order = &report
}
