// Package account implements the single-account lifecycle state machine.
//
// The process is DISCONNECTED until a create-account command arrives. On
// connect the manager performs the three REST snapshots (balance, positions,
// orders), seeds the ticker set, emits the snapshot events, starts the five
// stream loops and the heartbeat, and binds the order orchestrator. Update
// re-connects with new credentials; delete tears everything down. At most
// one account is connected at a time.
package account

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bmschwartz/nexus-bitmex-node/internal/bus"
	"github.com/bmschwartz/nexus-bitmex-node/internal/exchange"
	"github.com/bmschwartz/nexus-bitmex-node/internal/stream"
	"github.com/bmschwartz/nexus-bitmex-node/pkg/types"
)

const (
	heartbeatInterval = 5 * time.Second
	orderSnapshotSize = 500
)

// Reply-facing error strings for account commands.
const (
	errInvalidKeys      = "Invalid API Keys"
	errNoAccount        = "No matching account"
	errAlreadyConnected = "Account already connected"
)

// Binder is the order orchestrator's session surface.
type Binder interface {
	Bind(accountID string, client exchange.Client)
	Unbind()
}

// feeder is the stream side of an exchange session. *exchange.Feed
// implements it; tests substitute scripted feeds.
type feeder interface {
	Run(ctx context.Context) error
	Margins() <-chan []types.Margin
	Positions() <-chan []types.Position
	Orders() <-chan []types.Trade
	Executions() <-chan []types.Trade
	Instruments() <-chan []types.Symbol
	Close() error
}

// clientFactory builds the REST client and stream feed for a key pair.
type clientFactory func(apiKey, apiSecret string, sandbox bool, logger *slog.Logger) (exchange.Client, feeder)

func defaultFactory(apiKey, apiSecret string, sandbox bool, logger *slog.Logger) (exchange.Client, feeder) {
	return exchange.NewRestClient(apiKey, apiSecret, sandbox, logger),
		exchange.NewFeed(apiKey, apiSecret, sandbox, logger)
}

// connection is the state held while CONNECTED.
type connection struct {
	accountID string
	client    exchange.Client
	feed      feeder
	cancel    context.CancelFunc
	startTime time.Time
}

// Manager owns the lifecycle state machine. Only the manager mutates the
// current connection.
type Manager struct {
	bus     *bus.Bus
	binder  Binder
	sandbox bool
	logger  *slog.Logger

	newClient clientFactory
	beat      time.Duration

	mu      sync.Mutex
	current *connection
}

// NewManager creates the lifecycle manager and registers it on the account
// command keys.
func NewManager(b *bus.Bus, binder Binder, sandbox bool, logger *slog.Logger) *Manager {
	m := &Manager{
		bus:       b,
		binder:    binder,
		sandbox:   sandbox,
		logger:    logger.With("component", "account"),
		newClient: defaultFactory,
		beat:      heartbeatInterval,
	}
	m.register()
	return m
}

func (m *Manager) register() {
	m.bus.Subscribe(bus.CreateAccountCmd, func(ctx context.Context, p any) {
		if cmd, ok := p.(bus.AccountCommand); ok {
			m.handleCreate(ctx, cmd)
		}
	}, 0)
	m.bus.Subscribe(bus.UpdateAccountCmd, func(ctx context.Context, p any) {
		if cmd, ok := p.(bus.AccountCommand); ok {
			m.handleUpdate(ctx, cmd)
		}
	}, 0)
	m.bus.Subscribe(bus.DeleteAccountCmd, func(ctx context.Context, p any) {
		if cmd, ok := p.(bus.AccountCommand); ok {
			m.handleDelete(ctx, cmd)
		}
	}, 0)
}

// ConnectedAccount returns the id of the connected account, if any.
func (m *Manager) ConnectedAccount() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return "", false
	}
	return m.current.accountID, true
}

func (m *Manager) handleCreate(ctx context.Context, cmd bus.AccountCommand) {
	result := bus.AccountResult{CorrelationID: cmd.CorrelationID, AccountID: cmd.AccountID}
	defer func() {
		m.bus.Publish(ctx, bus.AccountCreatedEvent, result)
	}()

	m.mu.Lock()
	if m.current != nil {
		m.mu.Unlock()
		result.Error = errAlreadyConnected
		return
	}
	m.mu.Unlock()

	if err := m.connect(ctx, cmd); err != nil {
		result.Error = err.Error()
		return
	}
	result.Success = true
}

func (m *Manager) handleUpdate(ctx context.Context, cmd bus.AccountCommand) {
	result := bus.AccountResult{CorrelationID: cmd.CorrelationID, AccountID: cmd.AccountID}
	defer func() {
		m.bus.Publish(ctx, bus.AccountUpdatedEvent, result)
	}()

	m.mu.Lock()
	matches := m.current != nil && m.current.accountID == cmd.AccountID
	m.mu.Unlock()
	if !matches {
		result.Error = errNoAccount
		return
	}

	m.disconnect()
	if err := m.connect(ctx, cmd); err != nil {
		result.Error = err.Error()
		return
	}
	result.Success = true
}

func (m *Manager) handleDelete(ctx context.Context, cmd bus.AccountCommand) {
	m.mu.Lock()
	matches := m.current != nil && m.current.accountID == cmd.AccountID
	stale := matches && !cmd.Timestamp.IsZero() && cmd.Timestamp.Before(m.current.startTime)
	m.mu.Unlock()

	if stale {
		// A delete older than the session it targets refers to a previous
		// incarnation of the account.
		m.logger.Info("ignoring stale delete", "account", cmd.AccountID)
		return
	}

	result := bus.AccountResult{CorrelationID: cmd.CorrelationID, AccountID: cmd.AccountID}
	if !matches {
		result.Error = errNoAccount
		m.bus.Publish(ctx, bus.AccountDeletedEvent, result)
		return
	}

	m.disconnect()
	result.Success = true
	m.bus.Publish(ctx, bus.AccountDeletedEvent, result)
}

// connect builds the exchange session, emits the snapshot events, and starts
// the stream loops and the heartbeat.
func (m *Manager) connect(ctx context.Context, cmd bus.AccountCommand) error {
	if cmd.APIKey == "" || cmd.APISecret == "" {
		return errors.New(errInvalidKeys)
	}

	client, feed := m.newClient(cmd.APIKey, cmd.APISecret, m.sandbox, m.logger)

	margins, err := client.FetchBalance(ctx)
	if err != nil {
		client.Close()
		if exchange.IsFatal(err) {
			return errors.New(errInvalidKeys)
		}
		return errors.New(exchange.ErrorMessage(err))
	}
	positions, err := client.FetchPositions(ctx)
	if err != nil {
		client.Close()
		return errors.New(exchange.ErrorMessage(err))
	}
	orders, err := client.FetchOrders(ctx, orderSnapshotSize, true)
	if err != nil {
		client.Close()
		return errors.New(exchange.ErrorMessage(err))
	}
	tickers, err := client.FetchTickers(ctx)
	if err != nil {
		client.Close()
		return errors.New(exchange.ErrorMessage(err))
	}

	startTime := cmd.Timestamp
	if startTime.IsZero() {
		startTime = time.Now()
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	conn := &connection{
		accountID: cmd.AccountID,
		client:    client,
		feed:      feed,
		cancel:    cancel,
		startTime: startTime,
	}

	m.mu.Lock()
	m.current = conn
	m.mu.Unlock()

	fanout := stream.New(cmd.AccountID, m.bus, m.logger)

	// Snapshot events first, then one order_updated per historical order.
	m.bus.Publish(ctx, bus.MarginsUpdatedEvent, bus.MarginsUpdate{AccountID: cmd.AccountID, Margins: margins})
	m.bus.Publish(ctx, bus.MyTradesUpdatedEvent, bus.TradesUpdate{AccountID: cmd.AccountID, Trades: orders})
	m.bus.Publish(ctx, bus.PositionsUpdated, bus.PositionsUpdate{AccountID: cmd.AccountID, Positions: positions})
	for _, order := range orders {
		m.bus.Publish(ctx, bus.OrderUpdatedEvent, bus.OrderUpdate{AccountID: cmd.AccountID, Trade: order})
	}
	m.bus.Publish(ctx, bus.TickerUpdatedEvent, bus.TickersUpdate{
		AccountID: cmd.AccountID,
		Tickers:   fanout.SeedTickers(tickers),
	})

	go func() {
		if err := feed.Run(streamCtx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("stream feed stopped", "account", cmd.AccountID, "error", err)
		}
	}()
	go fanout.WatchMargins(streamCtx, feed.Margins())
	go fanout.WatchPositions(streamCtx, feed.Positions())
	go fanout.WatchTickers(streamCtx, feed.Instruments())
	go fanout.WatchOrders(streamCtx, feed.Orders())
	go fanout.WatchMyTrades(streamCtx, feed.Executions())
	go m.heartbeatLoop(streamCtx, cmd.AccountID)

	m.binder.Bind(cmd.AccountID, client)
	m.logger.Info("account connected", "account", cmd.AccountID, "sandbox", m.sandbox)
	return nil
}

// disconnect tears the current session down: loops are cancelled, the feed
// and client are closed, and the orchestrator is unbound.
func (m *Manager) disconnect() {
	m.mu.Lock()
	conn := m.current
	m.current = nil
	m.mu.Unlock()
	if conn == nil {
		return
	}

	conn.cancel()
	m.binder.Unbind()
	if err := conn.feed.Close(); err != nil {
		m.logger.Warn("close feed", "error", err)
	}
	if err := conn.client.Close(); err != nil {
		m.logger.Warn("close client", "error", err)
	}
	m.logger.Info("account disconnected", "account", conn.accountID)
}

func (m *Manager) heartbeatLoop(ctx context.Context, accountID string) {
	ticker := time.NewTicker(m.beat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.bus.Publish(ctx, bus.AccountHeartbeat, bus.Heartbeat{AccountID: accountID})
		}
	}
}

// Close disconnects whatever account is connected. Used at shutdown.
func (m *Manager) Close() {
	m.disconnect()
}
