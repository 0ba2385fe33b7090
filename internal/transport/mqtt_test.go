package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-meross/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-meross/internal/protocol"
)

const (
	brokerTestUUID  = "0123456789abcdef0123456789abcdef"
	brokerOtherUUID = "ffffffffffffffffffffffffffffffff"
	brokerTestKey   = "unit-test-key"
)

// mockBrokerClient is a mutex-protected fake broker connection that
// records publishes and lets tests inject inbound messages through the
// captured wildcard subscription.
type mockBrokerClient struct {
	mu            sync.Mutex
	connected     bool
	published     []publishedMessage
	subscriptions map[string]mqtt.MessageHandler
	publishErr    error
	subscribeErr  error
}

type publishedMessage struct {
	topic   string
	payload []byte
	qos     byte
}

func newMockBrokerClient() *mockBrokerClient {
	return &mockBrokerClient{
		connected:     true,
		subscriptions: make(map[string]mqtt.MessageHandler),
	}
}

func (m *mockBrokerClient) Publish(topic string, payload []byte, qos byte, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, publishedMessage{topic: topic, payload: payload, qos: qos})
	return nil
}

func (m *mockBrokerClient) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribeErr != nil {
		return m.subscribeErr
	}
	m.subscriptions[topic] = handler
	return nil
}

func (m *mockBrokerClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// SimulateMessage pushes one inbound payload through the wildcard
// subscription, as paho would on receipt.
func (m *mockBrokerClient) SimulateMessage(t *testing.T, topic string, payload []byte) {
	t.Helper()
	m.mu.Lock()
	handler := m.subscriptions[protocol.TopicDiscovery]
	m.mu.Unlock()
	if handler == nil {
		t.Fatal("no wildcard subscription registered")
	}
	if err := handler(topic, payload); err != nil {
		t.Fatalf("SimulateMessage handler error: %v", err)
	}
}

func (m *mockBrokerClient) publishedMessages() []publishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]publishedMessage(nil), m.published...)
}

// waitForPublish blocks until at least n messages went out.
func (m *mockBrokerClient) waitForPublish(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(m.publishedMessages()) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d published messages, got %d", n, len(m.publishedMessages()))
}

func newTestBroker(t *testing.T, opts BrokerOptions) (*Broker, *mockBrokerClient) {
	t.Helper()
	client := newMockBrokerClient()
	b := NewBroker(client, opts)
	if err := b.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(b.Stop)
	return b, client
}

// testReply builds an encoded ack envelope answering req.
func testReply(t *testing.T, req *protocol.Message, payload map[string]any) []byte {
	t.Helper()
	reply := &protocol.Message{
		Header: protocol.Header{
			MessageID:      req.Header.MessageID,
			Namespace:      req.Header.Namespace,
			Method:         protocol.AckMethod(req.Header.Method),
			PayloadVersion: 1,
			From:           "/appliance/" + brokerTestUUID + "/publish",
			Timestamp:      req.Header.Timestamp,
			Sign:           req.Header.Sign,
		},
		Payload: payload,
	}
	raw, err := reply.Encode()
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	return raw
}

func testPush(t *testing.T, uuid, namespace string) []byte {
	t.Helper()
	msg := protocol.NewRequest(namespace, protocol.MethodPush, map[string]any{"togglex": []any{}},
		brokerTestKey, "/appliance/"+uuid+"/publish", time.Now())
	raw, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	return raw
}

func TestBroker_StartSubscribesWildcard(t *testing.T) {
	_, client := newTestBroker(t, BrokerOptions{})

	client.mu.Lock()
	_, ok := client.subscriptions[protocol.TopicDiscovery]
	client.mu.Unlock()
	if !ok {
		t.Errorf("Start() did not subscribe to %s", protocol.TopicDiscovery)
	}
}

func TestBroker_StartSubscribeError(t *testing.T) {
	client := newMockBrokerClient()
	client.subscribeErr = errors.New("broker down")
	b := NewBroker(client, BrokerOptions{})

	if err := b.Start(); err == nil {
		t.Error("Start() should propagate the subscribe error")
	}
}

func TestBroker_SendCorrelatesReply(t *testing.T) {
	b, client := newTestBroker(t, BrokerOptions{QoS: 1})

	req := protocol.NewRequest("Appliance.System.All", protocol.MethodGet, nil,
		brokerTestKey, "/appliance/bridge/subscribe", time.Now())

	go func() {
		client.waitForPublish(t, 1)
		client.SimulateMessage(t, protocol.ResponseTopic(brokerTestUUID),
			testReply(t, req, map[string]any{"all": map[string]any{}}))
	}()

	raw, err := b.Send(context.Background(), brokerTestUUID, req)
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	reply, err := protocol.ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage() error: %v", err)
	}
	if reply.Header.Method != protocol.MethodGetAck {
		t.Errorf("reply method = %q, want GETACK", reply.Header.Method)
	}

	published := client.publishedMessages()
	if len(published) != 1 {
		t.Fatalf("published %d messages, want 1", len(published))
	}
	if published[0].topic != protocol.RequestTopic(brokerTestUUID) {
		t.Errorf("published to %q, want %q", published[0].topic, protocol.RequestTopic(brokerTestUUID))
	}
	if published[0].qos != 1 {
		t.Errorf("published qos = %d, want 1", published[0].qos)
	}
	if got := b.Stats().Pending; got != 0 {
		t.Errorf("pending after Send = %d, want 0", got)
	}
}

func TestBroker_SendNamespaceMismatchNotClaimed(t *testing.T) {
	b, client := newTestBroker(t, BrokerOptions{ResponseTimeout: 100 * time.Millisecond})

	var handled sync.WaitGroup
	handled.Add(1)
	b.Bind(brokerTestUUID, func([]byte) { handled.Done() })

	req := protocol.NewRequest("Appliance.System.All", protocol.MethodGet, nil,
		brokerTestKey, "/appliance/bridge/subscribe", time.Now())

	go func() {
		client.waitForPublish(t, 1)
		// Same message id, wrong namespace: devices echo request ids on
		// unrelated envelopes, so the id alone must not satisfy the waiter.
		stray := *req
		stray.Header.Namespace = "Appliance.Control.ToggleX"
		stray.Header.Method = protocol.MethodPush
		raw, _ := stray.Encode()
		client.SimulateMessage(t, protocol.ResponseTopic(brokerTestUUID), raw)
	}()

	_, err := b.Send(context.Background(), brokerTestUUID, req)
	if !errors.Is(err, ErrResponseTimeout) {
		t.Errorf("Send() error = %v, want ErrResponseTimeout", err)
	}
	handled.Wait() // stray envelope reached the bound handler instead
}

func TestBroker_SendContextCancelled(t *testing.T) {
	b, _ := newTestBroker(t, BrokerOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := protocol.NewRequest("Appliance.System.All", protocol.MethodGet, nil,
		brokerTestKey, "/appliance/bridge/subscribe", time.Now())
	_, err := b.Send(ctx, brokerTestUUID, req)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Send() error = %v, want context.Canceled", err)
	}
}

func TestBroker_SendPublishError(t *testing.T) {
	b, client := newTestBroker(t, BrokerOptions{})
	client.mu.Lock()
	client.publishErr = errors.New("connection lost")
	client.mu.Unlock()

	req := protocol.NewRequest("Appliance.System.All", protocol.MethodGet, nil,
		brokerTestKey, "/appliance/bridge/subscribe", time.Now())
	if _, err := b.Send(context.Background(), brokerTestUUID, req); err == nil {
		t.Error("Send() should propagate the publish error")
	}
	if got := b.Stats().Pending; got != 0 {
		t.Errorf("pending after failed Send = %d, want 0", got)
	}
}

func TestBroker_SendAfterStop(t *testing.T) {
	client := newMockBrokerClient()
	b := NewBroker(client, BrokerOptions{})
	if err := b.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	b.Stop()

	req := protocol.NewRequest("Appliance.System.All", protocol.MethodGet, nil,
		brokerTestKey, "/appliance/bridge/subscribe", time.Now())
	if _, err := b.Send(context.Background(), brokerTestUUID, req); !errors.Is(err, ErrClosed) {
		t.Errorf("Send() error = %v, want ErrClosed", err)
	}
}

func TestBroker_DispatchToBoundHandler(t *testing.T) {
	b, client := newTestBroker(t, BrokerOptions{})

	received := make(chan []byte, 1)
	b.Bind(brokerTestUUID, func(raw []byte) { received <- raw })

	client.SimulateMessage(t, protocol.ResponseTopic(brokerTestUUID),
		testPush(t, brokerTestUUID, "Appliance.Control.ToggleX"))

	select {
	case raw := <-received:
		msg, err := protocol.ParseMessage(raw)
		if err != nil {
			t.Fatalf("ParseMessage() error: %v", err)
		}
		if msg.Header.Namespace != "Appliance.Control.ToggleX" {
			t.Errorf("namespace = %q, want Appliance.Control.ToggleX", msg.Header.Namespace)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bound handler never received the envelope")
	}
}

func TestBroker_DiscoveryCallback(t *testing.T) {
	type seen struct {
		uuid string
	}
	found := make(chan seen, 1)
	b, client := newTestBroker(t, BrokerOptions{
		OnDiscovery: func(uuid string, _ []byte) { found <- seen{uuid: uuid} },
	})
	b.Bind(brokerTestUUID, func([]byte) {})

	// Envelope from a uuid with no bound device.
	client.SimulateMessage(t, protocol.ResponseTopic(brokerOtherUUID),
		testPush(t, brokerOtherUUID, "Appliance.Control.ToggleX"))

	select {
	case s := <-found:
		if s.uuid != brokerOtherUUID {
			t.Errorf("discovery uuid = %q, want %q", s.uuid, brokerOtherUUID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("discovery callback never fired")
	}
}

func TestBroker_UnbindRestoresDiscovery(t *testing.T) {
	found := make(chan string, 1)
	b, client := newTestBroker(t, BrokerOptions{
		OnDiscovery: func(uuid string, _ []byte) { found <- uuid },
	})

	b.Bind(brokerTestUUID, func([]byte) {
		t.Error("handler called after Unbind")
	})
	b.Unbind(brokerTestUUID)

	client.SimulateMessage(t, protocol.ResponseTopic(brokerTestUUID),
		testPush(t, brokerTestUUID, "Appliance.Control.ToggleX"))

	select {
	case uuid := <-found:
		if uuid != brokerTestUUID {
			t.Errorf("discovery uuid = %q, want %q", uuid, brokerTestUUID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("discovery callback never fired after Unbind")
	}
}

func TestBroker_UndecodableEnvelopeIgnored(t *testing.T) {
	called := make(chan struct{}, 1)
	b, client := newTestBroker(t, BrokerOptions{
		OnDiscovery: func(string, []byte) { called <- struct{}{} },
	})
	b.Bind(brokerTestUUID, func([]byte) { called <- struct{}{} })

	client.SimulateMessage(t, protocol.ResponseTopic(brokerTestUUID), []byte("not json"))
	client.SimulateMessage(t, protocol.ResponseTopic(brokerTestUUID), []byte(`{"header":{}}`))

	select {
	case <-called:
		t.Error("undecodable envelope reached a handler")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroker_CloudRateLimit(t *testing.T) {
	b, client := newTestBroker(t, BrokerOptions{
		Cloud:     true,
		RateBurst: 1,
	})

	req := protocol.NewRequest("Appliance.System.All", protocol.MethodGet, nil,
		brokerTestKey, "/appliance/bridge/subscribe", time.Now())
	go func() {
		client.waitForPublish(t, 1)
		client.SimulateMessage(t, protocol.ResponseTopic(brokerTestUUID),
			testReply(t, req, map[string]any{}))
	}()
	if _, err := b.Send(context.Background(), brokerTestUUID, req); err != nil {
		t.Fatalf("first Send() error: %v", err)
	}

	second := protocol.NewRequest("Appliance.System.All", protocol.MethodGet, nil,
		brokerTestKey, "/appliance/bridge/subscribe", time.Now())
	if _, err := b.Send(context.Background(), brokerTestUUID, second); !errors.Is(err, ErrRateLimited) {
		t.Errorf("second Send() error = %v, want ErrRateLimited", err)
	}
	if got := b.Stats().RateLimited; got != 1 {
		t.Errorf("Stats().RateLimited = %d, want 1", got)
	}

	// Another device gets its own budget.
	go func() {
		client.waitForPublish(t, 2)
		client.SimulateMessage(t, protocol.ResponseTopic(brokerOtherUUID),
			testReply(t, second, map[string]any{}))
	}()
	if _, err := b.Send(context.Background(), brokerOtherUUID, second); err != nil {
		t.Errorf("other device Send() error: %v", err)
	}
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	l := &rateLimiter{window: time.Minute, burst: 2}
	base := time.Now()

	if !l.allow(base) || !l.allow(base.Add(time.Second)) {
		t.Fatal("first two publishes should be admitted")
	}
	if l.allow(base.Add(2 * time.Second)) {
		t.Error("third publish inside the window should be dropped")
	}
	if l.dropped != 1 {
		t.Errorf("dropped = %d, want 1", l.dropped)
	}
	// First stamp ages out of the window, freeing one slot.
	if !l.allow(base.Add(61 * time.Second)) {
		t.Error("publish after the window slid should be admitted")
	}
}

func TestBroker_SweepStaleTransactions(t *testing.T) {
	b, _ := newTestBroker(t, BrokerOptions{ResponseTimeout: time.Second})

	b.register(brokerTestUUID, "stale-id", "Appliance.System.All")
	b.mu.Lock()
	b.waiters["stale-id"].created = time.Now().Add(-time.Minute)
	b.mu.Unlock()
	b.register(brokerTestUUID, "fresh-id", "Appliance.System.All")

	if n := b.sweepOnce(time.Now()); n != 1 {
		t.Errorf("sweepOnce() = %d, want 1", n)
	}
	stats := b.Stats()
	if stats.Swept != 1 {
		t.Errorf("Stats().Swept = %d, want 1", stats.Swept)
	}
	if stats.Pending != 1 {
		t.Errorf("Stats().Pending = %d, want 1", stats.Pending)
	}
}

func TestBroker_Usable(t *testing.T) {
	b, client := newTestBroker(t, BrokerOptions{})
	if !b.Usable() {
		t.Error("Usable() = false with a connected client")
	}
	client.mu.Lock()
	client.connected = false
	client.mu.Unlock()
	if b.Usable() {
		t.Error("Usable() = true with a disconnected client")
	}
}

func TestBroker_Cloud(t *testing.T) {
	local, _ := newTestBroker(t, BrokerOptions{})
	if local.Cloud() {
		t.Error("Cloud() = true for a local broker")
	}
	cloud, _ := newTestBroker(t, BrokerOptions{Cloud: true})
	if !cloud.Cloud() {
		t.Error("Cloud() = false for a cloud broker")
	}
}
