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

// createOrderWire is the body of a create-order command: a main leg plus
// optional stop and trailing-stop legs.
type createOrderWire struct {
	Orders struct {
		Main json.RawMessage `json:"main"`
		Stop json.RawMessage `json:"stop"`
		TSL  json.RawMessage `json:"tsl"`
	} `json:"orders"`
}

type cancelOrderWire struct {
	AccountID string `json:"accountId"`
	OrderID   string `json:"orderId"`
}

type updateOrderWire struct {
	OrderID string `json:"orderId"`
}

type compoundReply struct {
	Success bool                         `json:"success"`
	Orders  map[string]types.OrderReport `json:"orders,omitempty"`
	Errors  map[string]string            `json:"errors,omitempty"`
}

type orderReply struct {
	Success bool               `json:"success"`
	Error   string             `json:"error,omitempty"`
	OrderID string             `json:"orderId,omitempty"`
	Order   *types.OrderReport `json:"order,omitempty"`
}

// OrderManager consumes the per-account order queues. The queues exist only
// while an account is connected; they are declared on account_created_event
// and torn down on account_deleted_event.
type OrderManager struct {
	submanager
	ctx context.Context

	createTag string
	updateTag string
	cancelTag string

	mu    sync.Mutex
	bound string
}

func NewOrderManager(recv, send channel, exchangeName string, b *bus.Bus, logger *slog.Logger) *OrderManager {
	m := &OrderManager{
		submanager: submanager{
			exchange: exchangeName,
			recv:     recv,
			send:     send,
			bus:      b,
			logger:   logger.With("queue", "order"),
		},
		createTag: uuid.NewString(),
		updateTag: uuid.NewString(),
		cancelTag: uuid.NewString(),
	}
	b.Subscribe(bus.AccountCreatedEvent, func(_ context.Context, p any) {
		if r, ok := p.(bus.AccountResult); ok && r.Success {
			m.listenToOrderQueues(r.AccountID)
		}
	}, 0)
	b.Subscribe(bus.AccountDeletedEvent, func(_ context.Context, p any) {
		if r, ok := p.(bus.AccountResult); ok && r.Success {
			m.stopListening()
		}
	}, 0)
	b.Subscribe(bus.OrderCreatedEvent, func(ctx context.Context, p any) {
		if r, ok := p.(bus.CompoundOrderResult); ok {
			m.publish(ctx, orderCreatedKey, r.CorrelationID, compoundReply{
				Success: r.IsSuccess(),
				Orders:  r.Orders,
				Errors:  r.Errors,
			}, "")
		}
	}, 0)
	b.Subscribe(bus.OrderCanceledEvent, func(ctx context.Context, p any) {
		if r, ok := p.(bus.OrderCanceledResult); ok {
			m.publish(ctx, orderCanceledKey, r.CorrelationID, orderReply{
				Success: r.Error == "",
				Error:   r.Error,
				OrderID: r.OrderID,
				Order:   r.Order,
			}, "")
		}
	}, 0)
	return m
}

// Start declares the exchange. Queues wait for an account.
func (m *OrderManager) Start(ctx context.Context) error {
	m.ctx = ctx
	return m.declareExchange()
}

func (m *OrderManager) listenToOrderQueues(accountID string) {
	m.stopListening()

	type binding struct {
		queue   string
		key     string
		tag     string
		handler func(amqp.Delivery)
	}
	for _, bind := range []binding{
		{createOrderQueue(accountID), createOrderKey(accountID), m.createTag, m.handleCreate},
		{updateOrderQueue(accountID), updateOrderKey(accountID), m.updateTag, m.handleUpdate},
		{cancelOrderQueue(accountID), cancelOrderKey(accountID), m.cancelTag, m.handleCancel},
	} {
		if err := m.declareQueue(bind.queue, true); err != nil {
			m.logger.Error("declare order queue", "queue", bind.queue, "error", err)
			return
		}
		if err := m.bindQueue(bind.queue, bind.key); err != nil {
			m.logger.Error("bind order queue", "queue", bind.queue, "error", err)
			return
		}
		if err := m.consume(bind.queue, bind.tag, bind.handler); err != nil {
			m.logger.Error("consume order queue", "queue", bind.queue, "error", err)
			return
		}
	}

	m.mu.Lock()
	m.bound = accountID
	m.mu.Unlock()
}

func (m *OrderManager) stopListening() {
	m.mu.Lock()
	bound := m.bound
	m.bound = ""
	m.mu.Unlock()
	if bound == "" {
		return
	}

	m.cleanupQueue(createOrderQueue(bound), createOrderKey(bound))
	m.cleanupQueue(updateOrderQueue(bound), updateOrderKey(bound))
	m.cleanupQueue(cancelOrderQueue(bound), cancelOrderKey(bound))
}

func (m *OrderManager) handleCreate(d amqp.Delivery) {
	defer ack(d, m.logger)

	var w createOrderWire
	if err := json.Unmarshal(d.Body, &w); err != nil || len(w.Orders.Main) == 0 {
		m.publish(m.ctx, orderCreatedKey, d.CorrelationId, compoundReply{
			Success: false,
			Errors:  map[string]string{"main": invalidMessage},
		}, "")
		return
	}

	var compound bus.CompoundOrder
	legs := []struct {
		raw  json.RawMessage
		into **types.Order
	}{
		{w.Orders.Main, &compound.Main},
		{w.Orders.Stop, &compound.Stop},
		{w.Orders.TSL, &compound.TSL},
	}
	for _, leg := range legs {
		if len(leg.raw) == 0 {
			continue
		}
		order, err := types.DecodeOrder(leg.raw)
		if err != nil {
			m.publish(m.ctx, orderCreatedKey, d.CorrelationId, compoundReply{
				Success: false,
				Errors:  map[string]string{"main": invalidMessage},
			}, "")
			return
		}
		*leg.into = &order
	}

	m.bus.Publish(m.ctx, bus.CreateOrderCmd, bus.CreateOrderCommand{
		CorrelationID: d.CorrelationId,
		Orders:        compound,
	})
}

// handleUpdate accepts the command and acknowledges it. Order amendment is
// not implemented; callers get a success reply so they do not retry forever.
func (m *OrderManager) handleUpdate(d amqp.Delivery) {
	defer ack(d, m.logger)

	var w updateOrderWire
	if err := json.Unmarshal(d.Body, &w); err != nil {
		m.publish(m.ctx, orderUpdatedKey, d.CorrelationId, orderReply{Success: false, Error: invalidMessage}, "")
		return
	}

	m.bus.Publish(m.ctx, bus.UpdateOrderCmd, bus.UpdateOrderCommand{
		CorrelationID: d.CorrelationId,
		OrderID:       w.OrderID,
	})
	m.publish(m.ctx, orderUpdatedKey, d.CorrelationId, orderReply{Success: true, OrderID: w.OrderID}, "")
}

func (m *OrderManager) handleCancel(d amqp.Delivery) {
	defer ack(d, m.logger)

	var w cancelOrderWire
	if err := json.Unmarshal(d.Body, &w); err != nil {
		m.publish(m.ctx, orderCanceledKey, d.CorrelationId, orderReply{Success: false, Error: invalidMessage}, "")
		return
	}

	m.bus.Publish(m.ctx, bus.CancelOrderCmd, bus.CancelOrderCommand{
		CorrelationID: d.CorrelationId,
		AccountID:     w.AccountID,
		OrderID:       w.OrderID,
	})
}
