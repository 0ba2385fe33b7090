package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-meross/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-meross/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-meross/internal/protocol"
)

// MQTT routing constants.
const (
	// defaultResponseTimeout is how long Send waits for a correlated
	// reply on the response topic.
	defaultResponseTimeout = 15 * time.Second

	// defaultRateWindow and defaultRateBurst bound cloud publishes per
	// device: at most burst messages over any window. The vendor bans
	// accounts that push harder.
	defaultRateWindow = time.Minute
	defaultRateBurst  = 6

	// inboxSize is the buffer between the broker callback and the
	// delivery goroutine.
	inboxSize = 100
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// BrokerClient is the broker connection the router runs over.
// This allows mocking the MQTT client in tests.
type BrokerClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// InboundHandler consumes raw envelopes bound for one device.
type InboundHandler func(raw []byte)

// BrokerOptions configures a Broker.
type BrokerOptions struct {
	// ResponseTimeout is how long Send waits for a reply.
	// Default: 15 seconds.
	ResponseTimeout time.Duration

	// QoS for device topic publishes and the wildcard subscription.
	QoS byte

	// Cloud marks the connection as going through a cloud broker, which
	// enables the per-device publish rate limiter.
	Cloud bool

	// RateWindow and RateBurst bound cloud publishes per device.
	// Defaults: 60 seconds, 6 messages.
	RateWindow time.Duration
	RateBurst  int

	// OnDiscovery receives envelopes from uuids with no bound device.
	OnDiscovery func(uuid string, raw []byte)

	// Logger for routing diagnostics (optional).
	Logger *logging.Logger
}

// BrokerStats holds routing statistics.
type BrokerStats struct {
	InboxDropped uint64
	RateLimited  uint64
	Swept        uint64
	Pending      int
	Bound        int
}

// inboundMessage is one raw envelope off the wildcard subscription.
type inboundMessage struct {
	topic   string
	payload []byte
}

// transaction is one pending request waiting for its reply.
type transaction struct {
	deviceID  string
	namespace string
	ch        chan []byte
	created   time.Time
}

// rateLimiter tracks publish timestamps for one device over a sliding
// window. Guarded by the broker mutex.
type rateLimiter struct {
	window  time.Duration
	burst   int
	stamps  []time.Time
	dropped uint64
}

// allow prunes stamps older than the window and admits the publish if
// fewer than burst remain.
func (l *rateLimiter) allow(now time.Time) bool {
	cut := now.Add(-l.window)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cut) {
		i++
	}
	l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	if len(l.stamps) >= l.burst {
		l.dropped++
		return false
	}
	l.stamps = append(l.stamps, now)
	return true
}

// Broker routes request envelopes to appliances over a shared MQTT
// connection and fans replies back out.
//
// One wildcard subscription on /appliance/+/publish covers every device.
// Inbound envelopes are matched against pending requests by message id
// first; unclaimed traffic goes to the handler bound for the uuid, and
// envelopes from unknown uuids reach the discovery callback.
//
// Broker satisfies the engine's transport contract directly: all devices
// on the same broker share it.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Bound handlers and the discovery callback run on the delivery
//     goroutine and must not block for extended periods.
type Broker struct {
	client BrokerClient
	log    *logging.Logger
	qos    byte
	cloud  bool

	responseTimeout time.Duration
	rateWindow      time.Duration
	rateBurst       int

	mu          sync.Mutex
	devices     map[string]InboundHandler
	waiters     map[string]*transaction
	limiters    map[string]*rateLimiter
	onDiscovery func(uuid string, raw []byte)

	inbox    chan inboundMessage
	done     *closeOnce
	wg       sync.WaitGroup
	throttle *logging.Throttle

	inboxDropped atomic.Uint64
	rateDropped  atomic.Uint64
	swept        atomic.Uint64
}

// NewBroker creates a Broker over an established client connection.
// Call Start to begin routing.
func NewBroker(client BrokerClient, opts BrokerOptions) *Broker {
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = defaultResponseTimeout
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = defaultRateWindow
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = defaultRateBurst
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}

	return &Broker{
		client:          client,
		log:             opts.Logger,
		qos:             opts.QoS,
		cloud:           opts.Cloud,
		responseTimeout: opts.ResponseTimeout,
		rateWindow:      opts.RateWindow,
		rateBurst:       opts.RateBurst,
		devices:         make(map[string]InboundHandler),
		waiters:         make(map[string]*transaction),
		limiters:        make(map[string]*rateLimiter),
		onDiscovery:     opts.OnDiscovery,
		inbox:           make(chan inboundMessage, inboxSize),
		done:            newCloseOnce(),
		throttle:        logging.NewThrottle(),
	}
}

// Start subscribes to the appliance wildcard topic and begins routing.
func (b *Broker) Start() error {
	if err := b.client.Subscribe(protocol.TopicDiscovery, b.qos, b.onMessage); err != nil {
		return err
	}
	b.wg.Add(2)
	go b.deliver()
	go b.janitor()
	return nil
}

// Stop halts routing. Pending Send calls return ErrClosed.
func (b *Broker) Stop() {
	b.done.Close()
	b.wg.Wait()
}

// Bind routes unclaimed envelopes for uuid to handler.
func (b *Broker) Bind(uuid string, handler InboundHandler) {
	b.mu.Lock()
	b.devices[uuid] = handler
	b.mu.Unlock()
}

// Unbind removes the handler for uuid and drops its pending
// transactions; their Send calls run into the response timeout.
// Envelopes from the uuid surface through the discovery callback again.
func (b *Broker) Unbind(uuid string) {
	b.mu.Lock()
	delete(b.devices, uuid)
	for id, tx := range b.waiters {
		if tx.deviceID == uuid {
			delete(b.waiters, id)
		}
	}
	b.mu.Unlock()
}

// SetOnDiscovery replaces the discovery callback.
func (b *Broker) SetOnDiscovery(fn func(uuid string, raw []byte)) {
	b.mu.Lock()
	b.onDiscovery = fn
	b.mu.Unlock()
}

// Usable reports whether the broker connection is up.
func (b *Broker) Usable() bool {
	return b.client.IsConnected()
}

// Cloud reports whether this broker is a cloud broker.
func (b *Broker) Cloud() bool {
	return b.cloud
}

// Stats returns routing statistics.
func (b *Broker) Stats() BrokerStats {
	b.mu.Lock()
	pending := len(b.waiters)
	bound := len(b.devices)
	b.mu.Unlock()
	return BrokerStats{
		InboxDropped: b.inboxDropped.Load(),
		RateLimited:  b.rateDropped.Load(),
		Swept:        b.swept.Load(),
		Pending:      pending,
		Bound:        bound,
	}
}

// Send publishes msg to the device's request topic and waits for the
// correlated reply. Methods without an ack are published fire and forget
// and return a nil body.
func (b *Broker) Send(ctx context.Context, deviceID string, msg *protocol.Message) ([]byte, error) {
	select {
	case <-b.done.Done():
		return nil, ErrClosed
	default:
	}

	if b.cloud && !b.allowPublish(deviceID) {
		return nil, ErrRateLimited
	}

	raw, err := msg.Encode()
	if err != nil {
		return nil, err
	}

	topic := protocol.RequestTopic(deviceID)
	if protocol.AckMethod(msg.Header.Method) == "" {
		return nil, b.client.Publish(topic, raw, b.qos, false)
	}

	tx := b.register(deviceID, msg.Header.MessageID, msg.Header.Namespace)
	defer b.unregister(msg.Header.MessageID)

	if err := b.client.Publish(topic, raw, b.qos, false); err != nil {
		return nil, err
	}

	timer := time.NewTimer(b.responseTimeout)
	defer timer.Stop()
	select {
	case reply := <-tx.ch:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s %s", ErrResponseTimeout, msg.Header.Method, msg.Header.Namespace)
	case <-b.done.Done():
		return nil, ErrClosed
	}
}

// allowPublish admits one publish for deviceID under the rate limit.
func (b *Broker) allowPublish(deviceID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := b.limiters[deviceID]
	if l == nil {
		l = &rateLimiter{window: b.rateWindow, burst: b.rateBurst}
		b.limiters[deviceID] = l
	}
	if !l.allow(time.Now()) {
		b.rateDropped.Add(1)
		if b.throttle.Allow("ratelimit:"+deviceID, time.Minute) {
			b.log.Warn("publish rate limit exceeded, dropping request",
				"device", deviceID)
		}
		return false
	}
	return true
}

func (b *Broker) register(deviceID, messageID, namespace string) *transaction {
	tx := &transaction{
		deviceID:  deviceID,
		namespace: namespace,
		ch:        make(chan []byte, 1),
		created:   time.Now(),
	}
	b.mu.Lock()
	b.waiters[messageID] = tx
	b.mu.Unlock()
	return tx
}

func (b *Broker) unregister(messageID string) {
	b.mu.Lock()
	delete(b.waiters, messageID)
	b.mu.Unlock()
}

// claim hands raw to the pending request matching the message id. The
// namespace must match too: devices echo request ids on unrelated
// envelopes often enough that id alone is not trustworthy.
func (b *Broker) claim(messageID, namespace string, raw []byte) bool {
	b.mu.Lock()
	tx, ok := b.waiters[messageID]
	if ok && tx.namespace == namespace {
		delete(b.waiters, messageID)
	} else {
		ok = false
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case tx.ch <- raw:
	default:
	}
	return true
}

// onMessage enqueues one raw envelope off the broker callback. It never
// blocks: when delivery falls behind, messages are dropped and counted.
func (b *Broker) onMessage(topic string, payload []byte) error {
	select {
	case b.inbox <- inboundMessage{topic: topic, payload: payload}:
	default:
		b.inboxDropped.Add(1)
		if b.throttle.Allow("inbox", time.Minute) {
			b.log.Warn("inbound queue full, dropping message", "topic", topic)
		}
	}
	return nil
}

// deliver dispatches inbound envelopes one at a time, preserving
// per-broker ordering of acks and pushes.
func (b *Broker) deliver() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done.Done():
			return
		case m := <-b.inbox:
			b.dispatch(m.topic, m.payload)
		}
	}
}

// dispatch matches one envelope to a pending request, a bound device or
// the discovery callback, in that order.
func (b *Broker) dispatch(topic string, raw []byte) {
	var probe struct {
		Header struct {
			MessageID string `json:"messageId"`
			Namespace string `json:"namespace"`
			From      string `json:"from"`
			UUID      string `json:"uuid"`
		} `json:"header"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.Header.MessageID == "" {
		if b.throttle.Allow("undecodable", time.Minute) {
			b.log.Warn("undecodable envelope on appliance topic", "topic", topic)
		}
		return
	}

	uuid := probe.Header.UUID
	if uuid == "" {
		uuid = protocol.TopicDeviceID(probe.Header.From)
	}
	if uuid == "" {
		uuid = protocol.TopicDeviceID(topic)
	}

	if b.claim(probe.Header.MessageID, probe.Header.Namespace, raw) {
		return
	}

	b.mu.Lock()
	handler := b.devices[uuid]
	onDiscovery := b.onDiscovery
	b.mu.Unlock()

	if handler != nil {
		handler(raw)
		return
	}
	if onDiscovery != nil {
		onDiscovery(uuid, raw)
	}
}

// janitor periodically drops transactions whose waiter is long gone.
// Send cleans up after itself, so sweeps only fire when something went
// wrong; each one is logged.
func (b *Broker) janitor() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.responseTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-b.done.Done():
			return
		case now := <-ticker.C:
			if n := b.sweepOnce(now); n > 0 {
				b.log.Warn("swept stale mqtt transactions", "count", n)
			}
		}
	}
}

// sweepOnce removes transactions older than twice the response timeout.
func (b *Broker) sweepOnce(now time.Time) int {
	cutoff := now.Add(-2 * b.responseTimeout)
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, tx := range b.waiters {
		if tx.created.Before(cutoff) {
			delete(b.waiters, id)
			n++
		}
	}
	if n > 0 {
		b.swept.Add(uint64(n))
	}
	return n
}
