package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/bmschwartz/nexus-bitmex-node/internal/bus"
)

// accountWire is the body of the three account commands. Delete carries only
// the account id.
type accountWire struct {
	AccountID string `json:"accountId"`
	APIKey    string `json:"apiKey"`
	APISecret string `json:"apiSecret"`
}

type accountReply struct {
	AccountID string `json:"accountId,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

type heartbeatWire struct {
	AccountID string `json:"accountId"`
}

// AccountManager consumes the static create-account queue. Once an account
// connects it swaps to per-account update and delete queues; on delete it
// swaps back. It also relays the heartbeat to the broker.
type AccountManager struct {
	submanager
	ctx context.Context

	createTag string
	updateTag string
	deleteTag string

	mu    sync.Mutex
	bound string
}

func NewAccountManager(recv, send channel, exchangeName string, b *bus.Bus, logger *slog.Logger) *AccountManager {
	m := &AccountManager{
		submanager: submanager{
			exchange: exchangeName,
			recv:     recv,
			send:     send,
			bus:      b,
			logger:   logger.With("queue", "account"),
		},
		createTag: uuid.NewString(),
		updateTag: uuid.NewString(),
		deleteTag: uuid.NewString(),
	}
	b.Subscribe(bus.AccountCreatedEvent, func(ctx context.Context, p any) {
		if r, ok := p.(bus.AccountResult); ok {
			m.onCreated(ctx, r)
		}
	}, 0)
	b.Subscribe(bus.AccountUpdatedEvent, func(ctx context.Context, p any) {
		if r, ok := p.(bus.AccountResult); ok {
			m.publish(ctx, accountUpdatedKey, r.CorrelationID, accountReply{AccountID: r.AccountID, Success: r.Success, Error: r.Error}, "")
		}
	}, 0)
	b.Subscribe(bus.AccountDeletedEvent, func(ctx context.Context, p any) {
		if r, ok := p.(bus.AccountResult); ok {
			m.onDeleted(ctx, r)
		}
	}, 0)
	b.Subscribe(bus.AccountHeartbeat, func(ctx context.Context, p any) {
		if hb, ok := p.(bus.Heartbeat); ok {
			m.publish(ctx, heartbeatKey, "", heartbeatWire{AccountID: hb.AccountID}, messageTTL)
		}
	}, 0)
	return m
}

// Start declares the exchange and the create queue and begins consuming.
func (m *AccountManager) Start(ctx context.Context) error {
	m.ctx = ctx
	if err := m.declareExchange(); err != nil {
		return err
	}
	if err := m.declareQueue(createAccountQueue, false); err != nil {
		return err
	}
	return m.listenToCreateQueue()
}

func (m *AccountManager) listenToCreateQueue() error {
	if err := m.bindQueue(createAccountQueue, createAccountKey); err != nil {
		return err
	}
	return m.consume(createAccountQueue, m.createTag, m.handleCreate)
}

func (m *AccountManager) handleCreate(d amqp.Delivery) {
	var w accountWire
	if err := json.Unmarshal(d.Body, &w); err != nil {
		m.publish(m.ctx, accountCreatedKey, d.CorrelationId, accountReply{Success: false, Error: invalidMessage}, "")
		ack(d, m.logger)
		return
	}
	m.bus.Publish(m.ctx, bus.CreateAccountCmd, bus.AccountCommand{
		CorrelationID: d.CorrelationId,
		AccountID:     w.AccountID,
		APIKey:        w.APIKey,
		APISecret:     w.APISecret,
		Timestamp:     d.Timestamp,
	})
	ack(d, m.logger)
}

func (m *AccountManager) handleUpdate(d amqp.Delivery) {
	var w accountWire
	if err := json.Unmarshal(d.Body, &w); err != nil {
		m.publish(m.ctx, accountUpdatedKey, d.CorrelationId, accountReply{Success: false, Error: invalidMessage}, "")
		ack(d, m.logger)
		return
	}
	m.bus.Publish(m.ctx, bus.UpdateAccountCmd, bus.AccountCommand{
		CorrelationID: d.CorrelationId,
		AccountID:     w.AccountID,
		APIKey:        w.APIKey,
		APISecret:     w.APISecret,
		Timestamp:     d.Timestamp,
	})
	ack(d, m.logger)
}

func (m *AccountManager) handleDelete(d amqp.Delivery) {
	var w accountWire
	if err := json.Unmarshal(d.Body, &w); err != nil {
		m.publish(m.ctx, accountDeletedKey, d.CorrelationId, accountReply{Success: false, Error: invalidMessage}, "")
		ack(d, m.logger)
		return
	}
	m.bus.Publish(m.ctx, bus.DeleteAccountCmd, bus.AccountCommand{
		CorrelationID: d.CorrelationId,
		AccountID:     w.AccountID,
		Timestamp:     d.Timestamp,
	})
	ack(d, m.logger)
}

// onCreated replies to the caller and, on success, retires the create
// consumer in favor of the per-account update and delete queues.
func (m *AccountManager) onCreated(ctx context.Context, r bus.AccountResult) {
	m.publish(ctx, accountCreatedKey, r.CorrelationID, accountReply{AccountID: r.AccountID, Success: r.Success, Error: r.Error}, "")
	if !r.Success {
		return
	}

	if err := m.recv.QueueUnbind(createAccountQueue, createAccountKey, m.exchange, nil); err != nil {
		m.logger.Warn("unbind create queue", "error", err)
	}
	if err := m.recv.Cancel(m.createTag, false); err != nil {
		m.logger.Warn("cancel create consumer", "error", err)
	}

	if err := m.listenToAccountQueues(r.AccountID); err != nil {
		m.logger.Error("bind account queues", "account", r.AccountID, "error", err)
		return
	}
	m.mu.Lock()
	m.bound = r.AccountID
	m.mu.Unlock()
}

func (m *AccountManager) listenToAccountQueues(accountID string) error {
	if err := m.declareQueue(updateAccountQueue(accountID), true); err != nil {
		return err
	}
	if err := m.bindQueue(updateAccountQueue(accountID), updateAccountKey(accountID)); err != nil {
		return err
	}
	if err := m.consume(updateAccountQueue(accountID), m.updateTag, m.handleUpdate); err != nil {
		return err
	}

	if err := m.declareQueue(deleteAccountQueue(accountID), true); err != nil {
		return err
	}
	if err := m.bindQueue(deleteAccountQueue(accountID), deleteAccountKey(accountID)); err != nil {
		return err
	}
	return m.consume(deleteAccountQueue(accountID), m.deleteTag, m.handleDelete)
}

// onDeleted replies and, on success, detaches the per-account consumers and
// re-binds the create queue. The expiring queues are left for the broker to
// reap.
func (m *AccountManager) onDeleted(ctx context.Context, r bus.AccountResult) {
	m.publish(ctx, accountDeletedKey, r.CorrelationID, accountReply{AccountID: r.AccountID, Success: r.Success, Error: r.Error}, "")
	if !r.Success {
		return
	}

	m.mu.Lock()
	bound := m.bound
	m.bound = ""
	m.mu.Unlock()
	if bound == "" {
		return
	}

	if err := m.recv.QueueUnbind(updateAccountQueue(bound), updateAccountKey(bound), m.exchange, nil); err != nil {
		m.logger.Warn("unbind update queue", "error", err)
	}
	if err := m.recv.Cancel(m.updateTag, false); err != nil {
		m.logger.Warn("cancel update consumer", "error", err)
	}
	if err := m.recv.QueueUnbind(deleteAccountQueue(bound), deleteAccountKey(bound), m.exchange, nil); err != nil {
		m.logger.Warn("unbind delete queue", "error", err)
	}
	if err := m.recv.Cancel(m.deleteTag, false); err != nil {
		m.logger.Warn("cancel delete consumer", "error", err)
	}

	if err := m.listenToCreateQueue(); err != nil {
		m.logger.Error("rebind create queue", "error", err)
	}
}
