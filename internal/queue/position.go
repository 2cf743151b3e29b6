package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/bmschwartz/nexus-bitmex-node/internal/bus"
	"github.com/bmschwartz/nexus-bitmex-node/pkg/types"
)

type closePositionWire struct {
	Orders struct {
		Main json.RawMessage `json:"main"`
	} `json:"orders"`
}

type addStopWire struct {
	Symbol    string  `json:"symbol"`
	StopPrice float64 `json:"stopPrice"`
	Trigger   string  `json:"stopTriggerPriceType"`
}

type addTSLWire struct {
	Symbol  string  `json:"symbol"`
	Percent float64 `json:"tslPercent"`
	Trigger string  `json:"stopTriggerPriceType"`
}

type positionReply struct {
	Success bool           `json:"success"`
	Error   string         `json:"error,omitempty"`
	Orders  map[string]any `json:"orders,omitempty"`
}

type positionSnapshot struct {
	Positions []types.Position `json:"positions"`
	AccountID string           `json:"accountId"`
	Exchange  string           `json:"exchange"`
	Success   bool             `json:"success"`
	Error     string           `json:"error,omitempty"`
}

// PositionManager consumes the per-account position command queues and
// publishes the rate-limited position snapshot.
type PositionManager struct {
	submanager
	ctx context.Context

	closeTag   string
	addStopTag string
	addTSLTag  string

	mu    sync.Mutex
	bound string
}

func NewPositionManager(recv, send channel, exchangeName string, b *bus.Bus, logger *slog.Logger) *PositionManager {
	m := &PositionManager{
		submanager: submanager{
			exchange: exchangeName,
			recv:     recv,
			send:     send,
			bus:      b,
			logger:   logger.With("queue", "position"),
		},
		closeTag:   uuid.NewString(),
		addStopTag: uuid.NewString(),
		addTSLTag:  uuid.NewString(),
	}
	b.Subscribe(bus.AccountCreatedEvent, func(_ context.Context, p any) {
		if r, ok := p.(bus.AccountResult); ok && r.Success {
			m.listenToPositionQueues(r.AccountID)
		}
	}, 0)
	b.Subscribe(bus.AccountDeletedEvent, func(_ context.Context, p any) {
		if r, ok := p.(bus.AccountResult); ok && r.Success {
			m.stopListening()
		}
	}, 0)
	b.Subscribe(bus.PositionClosedEvent, func(ctx context.Context, p any) {
		if r, ok := p.(bus.PositionResult); ok {
			m.onClosed(ctx, r)
		}
	}, 0)
	b.Subscribe(bus.PositionAddedStop, func(ctx context.Context, p any) {
		if r, ok := p.(bus.PositionResult); ok {
			m.publish(ctx, positionAddedStopKey, r.CorrelationID, positionReply{Success: r.Error == "", Error: r.Error}, messageTTL)
		}
	}, 0)
	b.Subscribe(bus.PositionAddedTSL, func(ctx context.Context, p any) {
		if r, ok := p.(bus.PositionResult); ok {
			m.publish(ctx, positionAddedTSLKey, r.CorrelationID, positionReply{Success: r.Error == "", Error: r.Error}, messageTTL)
		}
	}, 0)
	// Position snapshots are coalesced to one broker message per interval.
	b.Subscribe(bus.PositionsUpdated, func(ctx context.Context, p any) {
		if u, ok := p.(bus.PositionsUpdate); ok {
			m.publish(ctx, positionUpdatedKey, "", positionSnapshot{
				Positions: u.Positions,
				AccountID: u.AccountID,
				Exchange:  "BITMEX",
				Success:   true,
			}, messageTTL)
		}
	}, positionUpdateInterval)
	return m
}

// Start declares the exchange. Queues wait for an account.
func (m *PositionManager) Start(ctx context.Context) error {
	m.ctx = ctx
	return m.declareExchange()
}

func (m *PositionManager) listenToPositionQueues(accountID string) {
	m.stopListening()

	type binding struct {
		queue   string
		key     string
		tag     string
		handler func(amqp.Delivery)
	}
	for _, bind := range []binding{
		{closePositionQueue(accountID), closePositionKey(accountID), m.closeTag, m.handleClose},
		{addStopQueue(accountID), addStopKey(accountID), m.addStopTag, m.handleAddStop},
		{addTSLQueue(accountID), addTSLKey(accountID), m.addTSLTag, m.handleAddTSL},
	} {
		if err := m.declareQueue(bind.queue, true); err != nil {
			m.logger.Error("declare position queue", "queue", bind.queue, "error", err)
			return
		}
		if err := m.bindQueue(bind.queue, bind.key); err != nil {
			m.logger.Error("bind position queue", "queue", bind.queue, "error", err)
			return
		}
		if err := m.consume(bind.queue, bind.tag, bind.handler); err != nil {
			m.logger.Error("consume position queue", "queue", bind.queue, "error", err)
			return
		}
	}

	m.mu.Lock()
	m.bound = accountID
	m.mu.Unlock()
}

func (m *PositionManager) stopListening() {
	m.mu.Lock()
	bound := m.bound
	m.bound = ""
	m.mu.Unlock()
	if bound == "" {
		return
	}

	m.cleanupQueue(closePositionQueue(bound), closePositionKey(bound))
	m.cleanupQueue(addStopQueue(bound), addStopKey(bound))
	m.cleanupQueue(addTSLQueue(bound), addTSLKey(bound))
}

func (m *PositionManager) handleClose(d amqp.Delivery) {
	defer ack(d, m.logger)

	var w closePositionWire
	if err := json.Unmarshal(d.Body, &w); err != nil || len(w.Orders.Main) == 0 {
		m.publish(m.ctx, positionClosedKey, d.CorrelationId, positionReply{Success: false, Error: invalidMessage}, messageTTL)
		return
	}
	order, err := types.DecodeOrder(w.Orders.Main)
	if err != nil {
		m.publish(m.ctx, positionClosedKey, d.CorrelationId, positionReply{Success: false, Error: invalidMessage}, messageTTL)
		return
	}

	m.bus.Publish(m.ctx, bus.ClosePositionCmd, bus.ClosePositionCommand{
		CorrelationID: d.CorrelationId,
		Order:         order,
	})
}

func (m *PositionManager) handleAddStop(d amqp.Delivery) {
	defer ack(d, m.logger)

	var w addStopWire
	if err := json.Unmarshal(d.Body, &w); err != nil {
		m.publish(m.ctx, positionAddedStopKey, d.CorrelationId, positionReply{Success: false, Error: invalidMessage}, messageTTL)
		return
	}

	m.bus.Publish(m.ctx, bus.AddStopCmd, bus.AddStopCommand{
		CorrelationID: d.CorrelationId,
		Symbol:        w.Symbol,
		StopPrice:     w.StopPrice,
		Trigger:       types.ParseStopTriggerType(w.Trigger),
	})
}

func (m *PositionManager) handleAddTSL(d amqp.Delivery) {
	defer ack(d, m.logger)

	var w addTSLWire
	if err := json.Unmarshal(d.Body, &w); err != nil {
		m.publish(m.ctx, positionAddedTSLKey, d.CorrelationId, positionReply{Success: false, Error: invalidMessage}, messageTTL)
		return
	}

	m.bus.Publish(m.ctx, bus.AddTrailingCmd, bus.AddTrailingCommand{
		CorrelationID: d.CorrelationId,
		Symbol:        w.Symbol,
		Percent:       w.Percent,
		Trigger:       types.ParseStopTriggerType(w.Trigger),
	})
}

// onClosed relays the close-position result. A successful close whose echo
// carries no client order id is an exchange-initiated fill we did not place;
// nothing useful can be reported, so it is dropped.
func (m *PositionManager) onClosed(ctx context.Context, r bus.PositionResult) {
	if r.Error == "" && (r.Order == nil || r.Order.ClOrderID == "") {
		return
	}

	reply := positionReply{Success: r.Error == "", Error: r.Error}
	if r.Order != nil {
		reply.Orders = map[string]any{"main": *r.Order}
	}
	m.publish(ctx, positionClosedKey, r.CorrelationID, reply, messageTTL)
}
