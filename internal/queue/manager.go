// Package queue bridges the AMQP broker and the in-process event bus. Three
// submanagers share one durable topic exchange: account commands on a static
// queue, order and position commands on per-account queues that exist only
// while an account is connected. Inbound messages are decoded and republished
// on the bus with the AMQP correlation id; when the matching result event
// fires, the reply goes back to the broker under the same correlation id.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/bmschwartz/nexus-bitmex-node/internal/bus"
)

const (
	// Per-account queues expire thirty minutes after their last consumer
	// detaches, so a crashed node does not leak queues on the broker.
	queueExpiration = 1_800_000 // ms

	// TTL for heartbeat and position-snapshot messages. Undelivered copies
	// age out instead of queueing unboundedly.
	messageTTL = "20000" // ms

	positionUpdateInterval = 10 * time.Second
)

const invalidMessage = "Invalid Message"

// channel is the subset of *amqp.Channel the submanagers use. Tests
// substitute a recording fake.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueUnbind(name, key, exchange string, args amqp.Table) error
	QueuePurge(name string, noWait bool) (int, error)
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// submanager carries the plumbing shared by the three queue managers: a
// receive channel with prefetch 1, a send channel, and the topic exchange.
type submanager struct {
	exchange string
	recv     channel
	send     channel
	bus      *bus.Bus
	logger   *slog.Logger
}

func (s *submanager) declareExchange() error {
	for _, ch := range []channel{s.recv, s.send} {
		if err := ch.ExchangeDeclare(s.exchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", s.exchange, err)
		}
	}
	return nil
}

// declareQueue declares a durable queue. Per-account queues carry x-expires
// so they disappear once the node stops consuming them.
func (s *submanager) declareQueue(name string, expiring bool) error {
	var args amqp.Table
	if expiring {
		args = amqp.Table{"x-expires": int32(queueExpiration)}
	}
	if _, err := s.recv.QueueDeclare(name, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	return nil
}

func (s *submanager) bindQueue(name, key string) error {
	if err := s.recv.QueueBind(name, key, s.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s to %s: %w", name, key, err)
	}
	return nil
}

// consume attaches a consumer and drains its deliveries on a goroutine. The
// loop ends when the consumer is cancelled or the channel closes.
func (s *submanager) consume(name, tag string, handler func(amqp.Delivery)) error {
	deliveries, err := s.recv.Consume(name, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", name, err)
	}
	go func() {
		for d := range deliveries {
			handler(d)
		}
	}()
	return nil
}

// cleanupQueue purges, unbinds, and deletes a per-account queue. Every step
// is best effort: the channel or the queue may already be gone.
func (s *submanager) cleanupQueue(name, key string) {
	if _, err := s.recv.QueuePurge(name, false); err != nil {
		s.logger.Warn("purge queue", "queue", name, "error", err)
	}
	if err := s.recv.QueueUnbind(name, key, s.exchange, nil); err != nil {
		s.logger.Warn("unbind queue", "queue", name, "error", err)
	}
	if _, err := s.recv.QueueDelete(name, false, false, false); err != nil {
		s.logger.Warn("delete queue", "queue", name, "error", err)
	}
}

// publish sends a persistent JSON message. The expiration is a per-message
// TTL in milliseconds, or empty for no TTL.
func (s *submanager) publish(ctx context.Context, key, correlationID string, payload any, expiration string) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("marshal reply", "key", key, "error", err)
		return
	}
	err = s.send.PublishWithContext(ctx, s.exchange, key, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: correlationID,
		Expiration:    expiration,
		Body:          body,
	})
	if err != nil {
		s.logger.Error("publish", "key", key, "error", err)
	}
}

func ack(d amqp.Delivery, logger *slog.Logger) {
	if err := d.Ack(false); err != nil {
		logger.Warn("ack", "error", err)
	}
}

// Manager owns the two broker connections and the three submanagers. One
// connection receives, the other sends, so a blocked publisher cannot stall
// consumption.
type Manager struct {
	recvConn *amqp.Connection
	sendConn *amqp.Connection

	Accounts  *AccountManager
	Orders    *OrderManager
	Positions *PositionManager

	logger *slog.Logger
}

// Connect dials the broker twice and wires the submanagers onto the bus.
func Connect(url, exchangeName string, b *bus.Bus, logger *slog.Logger) (*Manager, error) {
	log := logger.With("component", "queue")

	recvConn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp (recv): %w", err)
	}
	sendConn, err := amqp.Dial(url)
	if err != nil {
		recvConn.Close()
		return nil, fmt.Errorf("dial amqp (send): %w", err)
	}

	m := &Manager{recvConn: recvConn, sendConn: sendConn, logger: log}

	newPair := func() (channel, channel, error) {
		recv, err := recvConn.Channel()
		if err != nil {
			return nil, nil, fmt.Errorf("open recv channel: %w", err)
		}
		if err := recv.Qos(1, 0, false); err != nil {
			return nil, nil, fmt.Errorf("set qos: %w", err)
		}
		send, err := sendConn.Channel()
		if err != nil {
			return nil, nil, fmt.Errorf("open send channel: %w", err)
		}
		return recv, send, nil
	}

	for _, build := range []func() error{
		func() error {
			recv, send, err := newPair()
			if err != nil {
				return err
			}
			m.Accounts = NewAccountManager(recv, send, exchangeName, b, log)
			return nil
		},
		func() error {
			recv, send, err := newPair()
			if err != nil {
				return err
			}
			m.Orders = NewOrderManager(recv, send, exchangeName, b, log)
			return nil
		},
		func() error {
			recv, send, err := newPair()
			if err != nil {
				return err
			}
			m.Positions = NewPositionManager(recv, send, exchangeName, b, log)
			return nil
		},
	} {
		if err := build(); err != nil {
			m.Close()
			return nil, err
		}
	}
	return m, nil
}

// Start declares the exchange and the static queues and begins consuming.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.Accounts.Start(ctx); err != nil {
		return err
	}
	if err := m.Orders.Start(ctx); err != nil {
		return err
	}
	return m.Positions.Start(ctx)
}

// Close tears down both connections. Channel closes ride along.
func (m *Manager) Close() {
	if m.recvConn != nil && !m.recvConn.IsClosed() {
		if err := m.recvConn.Close(); err != nil {
			m.logger.Warn("close recv connection", "error", err)
		}
	}
	if m.sendConn != nil && !m.sendConn.IsClosed() {
		if err := m.sendConn.Close(); err != nil {
			m.logger.Warn("close send connection", "error", err)
		}
	}
}
