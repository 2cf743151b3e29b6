package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/bmschwartz/nexus-bitmex-node/internal/bus"
	"github.com/bmschwartz/nexus-bitmex-node/pkg/types"
)

type published struct {
	key string
	msg amqp.Publishing
}

// fakeChannel records every broker interaction and hands out feedable
// delivery channels from Consume.
type fakeChannel struct {
	mu         sync.Mutex
	declared   map[string]amqp.Table
	bindings   map[string]string
	consumers  map[string]string
	cancels    []string
	unbinds    []string
	purged     []string
	deleted    []string
	publishes  []published
	deliveries map[string]chan amqp.Delivery
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		declared:   make(map[string]amqp.Table),
		bindings:   make(map[string]string),
		consumers:  make(map[string]string),
		deliveries: make(map[string]chan amqp.Delivery),
	}
}

func (c *fakeChannel) ExchangeDeclare(string, string, bool, bool, bool, bool, amqp.Table) error {
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declared[name] = args
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, _ string, _ bool, _ amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings[name] = key
	return nil
}

func (c *fakeChannel) QueueUnbind(name, _, _ string, _ amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unbinds = append(c.unbinds, name)
	delete(c.bindings, name)
	return nil
}

func (c *fakeChannel) QueuePurge(name string, _ bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purged = append(c.purged, name)
	return 0, nil
}

func (c *fakeChannel) QueueDelete(name string, _, _, _ bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, name)
	return 0, nil
}

func (c *fakeChannel) Consume(queue, consumer string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consumers[consumer] = queue
	ch := make(chan amqp.Delivery, 8)
	c.deliveries[queue] = ch
	return ch, nil
}

func (c *fakeChannel) Cancel(consumer string, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels = append(c.cancels, consumer)
	delete(c.consumers, consumer)
	return nil
}

func (c *fakeChannel) Qos(int, int, bool) error { return nil }

func (c *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishes = append(c.publishes, published{key: key, msg: msg})
	return nil
}

func (c *fakeChannel) Close() error { return nil }

func (c *fakeChannel) deliver(queue string, d amqp.Delivery) {
	c.mu.Lock()
	ch := c.deliveries[queue]
	c.mu.Unlock()
	ch <- d
}

// published returns publishes to the given routing key.
func (c *fakeChannel) publishedTo(key string) []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []published
	for _, p := range c.publishes {
		if p.key == key {
			out = append(out, p)
		}
	}
	return out
}

func (c *fakeChannel) hasBinding(queue, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bindings[queue] == key
}

func (c *fakeChannel) hasConsumer(queue string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, q := range c.consumers {
		if q == queue {
			return true
		}
	}
	return false
}

type fakeAck struct{}

func (fakeAck) Ack(uint64, bool) error        { return nil }
func (fakeAck) Nack(uint64, bool, bool) error { return nil }
func (fakeAck) Reject(uint64, bool) error     { return nil }

func delivery(correlationID string, body string) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger:  fakeAck{},
		CorrelationId: correlationID,
		Timestamp:     time.Now(),
		Body:          []byte(body),
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRoutingNames(t *testing.T) {
	t.Parallel()
	cases := []struct {
		got  string
		want string
	}{
		{updateAccountQueue("a1"), "UpdateBitmexAccount:a1"},
		{deleteAccountQueue("a1"), "DeleteBitmexAccount:a1"},
		{updateAccountKey("a1"), "bitmex.cmd.account.update.a1"},
		{deleteAccountKey("a1"), "bitmex.cmd.account.delete.a1"},
		{createOrderQueue("a1"), "CreateBitmexOrder:a1"},
		{cancelOrderQueue("a1"), "DeleteBitmexOrder:a1"},
		{createOrderKey("a1"), "bitmex.cmd.order.create.a1"},
		{cancelOrderKey("a1"), "bitmex.cmd.order.cancel.a1"},
		{closePositionKey("a1"), "bitmex.cmd.position.close.a1"},
		{addStopKey("a1"), "bitmex.cmd.position.add_stop.a1"},
		{addTSLKey("a1"), "bitmex.cmd.position.add_tsl.a1"},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("got %q, want %q", tc.got, tc.want)
		}
	}
}

func TestAccountQueueRebinding(t *testing.T) {
	t.Parallel()
	b := bus.New(slog.Default())
	recv, send := newFakeChannel(), newFakeChannel()
	m := NewAccountManager(recv, send, "bitmex", b, slog.Default())
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !recv.hasBinding(createAccountQueue, createAccountKey) {
		t.Fatal("create queue not bound at start")
	}

	b.Publish(context.Background(), bus.AccountCreatedEvent, bus.AccountResult{
		CorrelationID: "c1", AccountID: "a1", Success: true,
	})

	waitFor(t, func() bool {
		return recv.hasBinding("UpdateBitmexAccount:a1", "bitmex.cmd.account.update.a1") &&
			recv.hasBinding("DeleteBitmexAccount:a1", "bitmex.cmd.account.delete.a1")
	}, "per-account queues not bound after create")

	recv.mu.Lock()
	args := recv.declared["UpdateBitmexAccount:a1"]
	cancelled := len(recv.cancels)
	recv.mu.Unlock()
	if args == nil || args["x-expires"] != int32(queueExpiration) {
		t.Errorf("update queue args = %v, want x-expires", args)
	}
	if cancelled == 0 {
		t.Error("create consumer not cancelled after bind")
	}

	replies := send.publishedTo(accountCreatedKey)
	if len(replies) != 1 || replies[0].msg.CorrelationId != "c1" {
		t.Fatalf("created replies = %+v", replies)
	}

	b.Publish(context.Background(), bus.AccountDeletedEvent, bus.AccountResult{
		CorrelationID: "c2", AccountID: "a1", Success: true,
	})

	waitFor(t, func() bool {
		return recv.hasBinding(createAccountQueue, createAccountKey) && recv.hasConsumer(createAccountQueue)
	}, "create queue not re-bound after delete")
	if recv.hasBinding("UpdateBitmexAccount:a1", "bitmex.cmd.account.update.a1") {
		t.Error("update queue still bound after delete")
	}
}

func TestCreateAccountDeliveryToBus(t *testing.T) {
	t.Parallel()
	b := bus.New(slog.Default())
	recv, send := newFakeChannel(), newFakeChannel()
	m := NewAccountManager(recv, send, "bitmex", b, slog.Default())
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	cmds := make(chan bus.AccountCommand, 1)
	b.Subscribe(bus.CreateAccountCmd, func(_ context.Context, p any) {
		if cmd, ok := p.(bus.AccountCommand); ok {
			cmds <- cmd
		}
	}, 0)

	recv.deliver(createAccountQueue, delivery("corr-1", `{"accountId":"a1","apiKey":"k","apiSecret":"s"}`))

	select {
	case cmd := <-cmds:
		if cmd.CorrelationID != "corr-1" || cmd.AccountID != "a1" || cmd.APIKey != "k" || cmd.APISecret != "s" {
			t.Errorf("command = %+v", cmd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("create command never reached the bus")
	}
}

func TestInvalidAccountMessageReply(t *testing.T) {
	t.Parallel()
	b := bus.New(slog.Default())
	recv, send := newFakeChannel(), newFakeChannel()
	m := NewAccountManager(recv, send, "bitmex", b, slog.Default())
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	recv.deliver(createAccountQueue, delivery("corr-1", "not json"))

	waitFor(t, func() bool { return len(send.publishedTo(accountCreatedKey)) == 1 }, "no reply for invalid message")
	reply := send.publishedTo(accountCreatedKey)[0]
	if reply.msg.CorrelationId != "corr-1" {
		t.Errorf("correlation id = %q", reply.msg.CorrelationId)
	}
	var body accountReply
	if err := json.Unmarshal(reply.msg.Body, &body); err != nil {
		t.Fatal(err)
	}
	if body.Success || body.Error != invalidMessage {
		t.Errorf("reply = %+v", body)
	}
}

func TestHeartbeatRelay(t *testing.T) {
	t.Parallel()
	b := bus.New(slog.Default())
	recv, send := newFakeChannel(), newFakeChannel()
	m := NewAccountManager(recv, send, "bitmex", b, slog.Default())
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	b.Publish(context.Background(), bus.AccountHeartbeat, bus.Heartbeat{AccountID: "a1"})

	waitFor(t, func() bool { return len(send.publishedTo(heartbeatKey)) == 1 }, "heartbeat not relayed")
	hb := send.publishedTo(heartbeatKey)[0]
	if hb.msg.Expiration != messageTTL {
		t.Errorf("heartbeat expiration = %q, want %q", hb.msg.Expiration, messageTTL)
	}
	if string(hb.msg.Body) != `{"accountId":"a1"}` {
		t.Errorf("heartbeat body = %s", hb.msg.Body)
	}
}

func TestCreateOrderCorrelation(t *testing.T) {
	t.Parallel()
	b := bus.New(slog.Default())
	recv, send := newFakeChannel(), newFakeChannel()
	m := NewOrderManager(recv, send, "bitmex", b, slog.Default())
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Stand-in orchestrator: echo every create command as a success result.
	b.Subscribe(bus.CreateOrderCmd, func(ctx context.Context, p any) {
		cmd := p.(bus.CreateOrderCommand)
		b.Publish(ctx, bus.OrderCreatedEvent, bus.CompoundOrderResult{
			CorrelationID: cmd.CorrelationID,
			Orders: map[string]types.OrderReport{
				"main": {OrderID: "x1", Status: "New", ClOrderID: cmd.Orders.Main.ClientOrderID},
			},
		})
	}, 0)

	b.Publish(context.Background(), bus.AccountCreatedEvent, bus.AccountResult{AccountID: "a1", Success: true})
	waitFor(t, func() bool { return recv.hasConsumer("CreateBitmexOrder:a1") }, "order queues not consumed")

	body := `{"orders":{"main":{"id":"o1","clOrderId":"set1_ord1","symbol":"XBTUSD","side":"BUY","orderType":"MARKET","percent":50,"leverage":10}}}`
	recv.deliver("CreateBitmexOrder:a1", delivery("corr-9", body))

	waitFor(t, func() bool { return len(send.publishedTo(orderCreatedKey)) == 1 }, "no order created reply")
	reply := send.publishedTo(orderCreatedKey)[0]
	if reply.msg.CorrelationId != "corr-9" {
		t.Errorf("correlation id = %q, want corr-9", reply.msg.CorrelationId)
	}
	var res compoundReply
	if err := json.Unmarshal(reply.msg.Body, &res); err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Orders["main"].OrderID != "x1" || res.Orders["main"].ClOrderID != "set1_ord1" {
		t.Errorf("reply = %+v", res)
	}
}

func TestOrderQueuesTornDownOnDelete(t *testing.T) {
	t.Parallel()
	b := bus.New(slog.Default())
	recv, send := newFakeChannel(), newFakeChannel()
	m := NewOrderManager(recv, send, "bitmex", b, slog.Default())
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	b.Publish(context.Background(), bus.AccountCreatedEvent, bus.AccountResult{AccountID: "a1", Success: true})
	waitFor(t, func() bool { return recv.hasConsumer("DeleteBitmexOrder:a1") }, "order queues not consumed")

	b.Publish(context.Background(), bus.AccountDeletedEvent, bus.AccountResult{AccountID: "a1", Success: true})
	waitFor(t, func() bool {
		recv.mu.Lock()
		defer recv.mu.Unlock()
		return len(recv.deleted) == 3
	}, "order queues not deleted")

	recv.mu.Lock()
	purged := len(recv.purged)
	recv.mu.Unlock()
	if purged != 3 {
		t.Errorf("purged = %d queues, want 3", purged)
	}
}

func TestCancelOrderToBus(t *testing.T) {
	t.Parallel()
	b := bus.New(slog.Default())
	recv, send := newFakeChannel(), newFakeChannel()
	m := NewOrderManager(recv, send, "bitmex", b, slog.Default())
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	cmds := make(chan bus.CancelOrderCommand, 1)
	b.Subscribe(bus.CancelOrderCmd, func(_ context.Context, p any) {
		if cmd, ok := p.(bus.CancelOrderCommand); ok {
			cmds <- cmd
		}
	}, 0)

	b.Publish(context.Background(), bus.AccountCreatedEvent, bus.AccountResult{AccountID: "a1", Success: true})
	waitFor(t, func() bool { return recv.hasConsumer("DeleteBitmexOrder:a1") }, "order queues not consumed")

	recv.deliver("DeleteBitmexOrder:a1", delivery("corr-2", `{"accountId":"a1","orderId":"o9"}`))
	select {
	case cmd := <-cmds:
		if cmd.CorrelationID != "corr-2" || cmd.OrderID != "o9" || cmd.AccountID != "a1" {
			t.Errorf("command = %+v", cmd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancel command never reached the bus")
	}
}

func TestAddStopToBus(t *testing.T) {
	t.Parallel()
	b := bus.New(slog.Default())
	recv, send := newFakeChannel(), newFakeChannel()
	m := NewPositionManager(recv, send, "bitmex", b, slog.Default())
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	cmds := make(chan bus.AddStopCommand, 1)
	b.Subscribe(bus.AddStopCmd, func(_ context.Context, p any) {
		if cmd, ok := p.(bus.AddStopCommand); ok {
			cmds <- cmd
		}
	}, 0)

	b.Publish(context.Background(), bus.AccountCreatedEvent, bus.AccountResult{AccountID: "a1", Success: true})
	waitFor(t, func() bool { return recv.hasConsumer("AddStopToBitmexPosition:a1") }, "position queues not consumed")

	recv.deliver("AddStopToBitmexPosition:a1", delivery("corr-3", `{"symbol":"XBTUSD","stopPrice":9000,"stopTriggerPriceType":"MARK_PRICE"}`))
	select {
	case cmd := <-cmds:
		if cmd.Symbol != "XBTUSD" || cmd.StopPrice != 9000 || cmd.Trigger != types.TriggerMarkPrice {
			t.Errorf("command = %+v", cmd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("add-stop command never reached the bus")
	}

	// Result relay carries the correlation id back.
	b.Publish(context.Background(), bus.PositionAddedStop, bus.PositionResult{CorrelationID: "corr-3"})
	waitFor(t, func() bool { return len(send.publishedTo(positionAddedStopKey)) == 1 }, "no added-stop reply")
	if got := send.publishedTo(positionAddedStopKey)[0].msg.CorrelationId; got != "corr-3" {
		t.Errorf("correlation id = %q", got)
	}
}

func TestClosePositionReplySkipsAnonymousFill(t *testing.T) {
	t.Parallel()
	b := bus.New(slog.Default())
	recv, send := newFakeChannel(), newFakeChannel()
	m := NewPositionManager(recv, send, "bitmex", b, slog.Default())
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	m.onClosed(context.Background(), bus.PositionResult{CorrelationID: "c1", Order: &types.OrderReport{OrderID: "x1"}})
	m.onClosed(context.Background(), bus.PositionResult{CorrelationID: "c2", Order: nil})
	if got := len(send.publishedTo(positionClosedKey)); got != 0 {
		t.Fatalf("replies = %d, want successful close without clOrderId to be dropped", got)
	}

	m.onClosed(context.Background(), bus.PositionResult{
		CorrelationID: "c3",
		Order:         &types.OrderReport{OrderID: "x1", ClOrderID: "set1_ord1", Status: "Filled"},
	})
	m.onClosed(context.Background(), bus.PositionResult{CorrelationID: "c4", Error: "Position not found"})
	replies := send.publishedTo(positionClosedKey)
	if len(replies) != 2 {
		t.Fatalf("replies = %d, want 2", len(replies))
	}
	var ok positionReply
	if err := json.Unmarshal(replies[0].msg.Body, &ok); err != nil {
		t.Fatal(err)
	}
	if !ok.Success || ok.Orders["main"] == nil {
		t.Errorf("reply = %+v", ok)
	}
	var failed positionReply
	if err := json.Unmarshal(replies[1].msg.Body, &failed); err != nil {
		t.Fatal(err)
	}
	if failed.Success || failed.Error != "Position not found" {
		t.Errorf("reply = %+v", failed)
	}
}
