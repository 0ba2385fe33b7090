package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-meross/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-meross/internal/protocol"
)

// Timing constants, in seconds unless noted. Epochs are float64
// seconds since the Unix epoch throughout the engine.
const (
	// defaultPollingPeriod is the base cycle cadence when none is
	// configured.
	defaultPollingPeriod = 30

	// minPollingPeriod is the lowest cycle cadence accepted from
	// configuration.
	minPollingPeriod = 5

	// defaultHeartbeatPeriod paces the background probes: transport
	// comeback checks, local broker keepalives and the offline backoff
	// cap.
	defaultHeartbeatPeriod = float64(protocol.PollPeriodHeartbeat)

	// defaultTimestampTolerance is the clock drift (seconds) tolerated
	// before the device clock is considered misaligned.
	defaultTimestampTolerance = 5

	// defaultClockWeight smooths the device clock delta; the previous
	// average keeps this share of the new sample.
	defaultClockWeight = 0.9

	// clockConfigCooldown spaces clock correction attempts.
	clockConfigCooldown = 1800

	// clockConfigGrace is the window after a correction during which
	// drift is expected while the device applies the new clock.
	clockConfigGrace = 30

	// clockWarnLockout spaces the drift warning for devices whose
	// clock cannot be corrected.
	clockWarnLockout = 604800

	// timezoneCheckRetry and timezoneCheckOK schedule the DST rule
	// audit: soon again after a fix, far away when the rules look good.
	timezoneCheckRetry = 300
	timezoneCheckOK    = 604800

	// responseSizeMinDefault seeds the floor of the response byte
	// budget; it grows to the largest response actually observed.
	responseSizeMinDefault = 1000

	// responseSizePerCommand estimates reply bytes per batched command
	// when sizing the initial budget from the device ability.
	responseSizePerCommand = 800

	// defaultSizeShrinkFactor positions the reduced response budget
	// between the known good floor and the size that failed.
	defaultSizeShrinkFactor = 0.5

	// defaultCloudQueueMax caps poll requests queued through a cloud
	// broker per cycle before smart polling starts deferring.
	defaultCloudQueueMax = 1
)

// Log throttling windows.
const (
	protocolLogWindow = 4 * time.Hour
	dispatchLogWindow = 7 * 24 * time.Hour
	identityLogWindow = 15 * time.Minute
)

// Route identifies a transport selection.
type Route uint8

const (
	RouteAuto Route = iota
	RouteHTTP
	RouteMQTT
)

func (r Route) String() string {
	switch r {
	case RouteHTTP:
		return "http"
	case RouteMQTT:
		return "mqtt"
	}
	return "auto"
}

// ParseRoute maps a configuration string to a Route.
func ParseRoute(s string) (Route, error) {
	switch s {
	case "", "auto":
		return RouteAuto, nil
	case "http":
		return RouteHTTP, nil
	case "mqtt":
		return RouteMQTT, nil
	}
	return RouteAuto, fmt.Errorf("engine: unknown transport %q", s)
}

// Transport carries envelopes to the device and returns the raw reply
// body. Implementations block until the correlated reply arrives or
// ctx expires. The engine decodes replies itself so transports stay
// free of protocol repair logic.
type Transport interface {
	// Send transmits msg to the device and returns the raw reply.
	Send(ctx context.Context, deviceID string, msg *protocol.Message) ([]byte, error)

	// Usable reports whether the transport can currently carry
	// requests.
	Usable() bool

	// Cloud reports whether requests travel through a cloud broker,
	// which subjects them to rate limiting.
	Cloud() bool
}

// Trace directions.
const (
	TraceTX = "TX"
	TraceRX = "RX"
)

// TraceEntry is one traced envelope.
type TraceEntry struct {
	Time      time.Time
	DeviceID  string
	Direction string
	Transport string
	Namespace string
	Method    string
	Payload   map[string]any
}

// TraceSink receives every envelope the device sends or receives.
// Implementations must not block.
type TraceSink interface {
	Record(e TraceEntry)
}

// Options configures a Device.
type Options struct {
	// UUID is the 32 hex character device identity. Required.
	UUID string
	// Key is the shared device key used for message signing.
	Key string
	// Host is the device LAN address, informational here; the HTTP
	// transport owns the actual connection.
	Host string

	// Transport fixes the route: RouteAuto balances between the two
	// configured transports.
	Transport Route
	// HTTP and MQTT are the wired transports. At least one is
	// required; RouteAuto prefers HTTP when available.
	HTTP Transport
	MQTT Transport
	// BrokerHost is the hostname of the local broker the MQTT
	// transport points at, used to recognise the device's own broker
	// report in Appliance.System.Debug.
	BrokerHost string

	// PollingPeriod is the base cycle cadence in seconds.
	PollingPeriod int
	// HeartbeatPeriod caps the offline backoff and paces the
	// keepalive and transport comeback probes, in seconds. Zero keeps
	// the built-in default.
	HeartbeatPeriod int
	// TimestampTolerance is the accepted clock drift in seconds
	// before a correction is attempted. Zero keeps the default.
	TimestampTolerance int
	// ClockWeight is the smoothing weight on the running clock delta,
	// in [0, 1). Zero keeps the default.
	ClockWeight float64
	// MultipleHeaderSize is the byte overhead charged to a batched
	// envelope before its commands. Zero keeps the default.
	MultipleHeaderSize int
	// ResponseSizeMin seeds the floor of the response byte budget.
	// Zero keeps the default.
	ResponseSizeMin int
	// SizeShrinkFactor positions the reduced response budget between
	// the known good floor and the size that failed, in (0, 1). Zero
	// keeps the default.
	SizeShrinkFactor float64
	// CloudQueueMax caps poll requests queued through a cloud broker
	// per cycle. Zero keeps the default.
	CloudQueueMax int
	// DisableMultiple turns off request batching.
	DisableMultiple bool
	// Diagnostics records unknown payload values and enables the
	// ability scan after onlining.
	Diagnostics bool
	// TimeZone is the IANA zone the device should be configured with.
	TimeZone string

	// Descriptor and Ability seed the cached Appliance.System.All and
	// Appliance.System.Ability payloads, usually restored from
	// storage. Either may be nil; the engine bootstraps them.
	Descriptor map[string]any
	Ability    map[string]any

	Catalog *protocol.Catalog
	Logger  *logging.Logger
	Trace   TraceSink

	// OnStateChange fires on online transitions. Optional.
	OnStateChange func(online bool)
	// OnDescriptor fires after the descriptor changed, for
	// persistence. Optional.
	OnDescriptor func(d *Descriptor)
	// OnPush fires after an unsolicited PUSH payload was dispatched.
	// Optional.
	OnPush func(namespace string, payload map[string]any)
}

// Device drives the conversation with one appliance. See the package
// documentation for the architecture.
//
// Thread Safety: all exported methods are safe for concurrent use.
type Device struct {
	uuid  string
	key   string
	host  string
	logID string // short identity used in log lines

	log      *logging.Logger
	throttle *logging.Throttle
	catalog  *protocol.Catalog
	trace    TraceSink

	onStateChange func(online bool)
	onDescriptor  func(d *Descriptor)
	onPush        func(namespace string, payload map[string]any)

	http       Transport
	mqtt       Transport
	brokerHost string

	mu sync.Mutex

	// Transport routing state. conf is the configured route, pref the
	// one we would like, curr the one requests actually take.
	confRoute  Route
	prefRoute  Route
	currRoute  Route
	httpActive bool
	mqttActive bool
	fromAddr   string

	online bool
	hub    bool

	lastRequest      float64
	lastResponse     float64
	httpLastRequest  float64
	httpLastResponse float64
	mqttLastRequest  float64
	mqttLastResponse float64

	pollingPeriod int
	pollingDelay  int
	pollingEpoch  float64 // nonzero only while a cycle runs

	heartbeatPeriod    float64
	timestampTolerance float64
	clockWeight        float64
	multipleHeaderSize int
	sizeShrinkFactor   float64
	cloudQueueMax      int

	deviceTimestamp  int64
	clockDelta       float64
	clockWarnEpoch   float64
	clockConfigEpoch float64
	timezoneNext     float64

	responseSizeMin int
	responseSizeMax int

	multipleEnabled bool
	multipleMax     int
	batch           []pollRequest
	batchSize       int
	lazyQueue       []*Handler
	queuedCloud     int

	handlers      map[string]*Handler
	pushes        map[string]map[string]any
	rawFuncs      map[string]rawFunc
	digestParsers map[string]func(any)
	digestPollers []*Handler
	abilityAsked  bool

	descriptor  *Descriptor
	diagnostics bool
	diag        *diagStore
	diagScan    bool
	timeZone    string

	counters counters

	now func() time.Time

	// Shutdown coordination
	poke      chan string
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc
}

// NewDevice validates opts and builds the device. Call Start to begin
// polling.
func NewDevice(opts Options) (*Device, error) {
	if !protocol.ValidUUID.MatchString(opts.UUID) {
		return nil, fmt.Errorf("device uuid %q is not a 32 hex identity", opts.UUID)
	}
	if opts.HTTP == nil && opts.MQTT == nil {
		return nil, fmt.Errorf("at least one transport is required")
	}
	if opts.Transport == RouteHTTP && opts.HTTP == nil {
		return nil, fmt.Errorf("http transport is required for the http route")
	}
	if opts.Transport == RouteMQTT && opts.MQTT == nil {
		return nil, fmt.Errorf("mqtt transport is required for the mqtt route")
	}
	if opts.Catalog == nil {
		opts.Catalog = protocol.NewCatalog()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	period := opts.PollingPeriod
	if period == 0 {
		period = defaultPollingPeriod
	}
	if period < minPollingPeriod {
		period = minPollingPeriod
	}
	heartbeat := float64(opts.HeartbeatPeriod)
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatPeriod
	}
	tolerance := float64(opts.TimestampTolerance)
	if tolerance <= 0 {
		tolerance = defaultTimestampTolerance
	}
	clockWeight := opts.ClockWeight
	if clockWeight <= 0 || clockWeight >= 1 {
		clockWeight = defaultClockWeight
	}
	headerSize := opts.MultipleHeaderSize
	if headerSize <= 0 {
		headerSize = protocol.HeaderSizeEstimate
	}
	sizeMin := opts.ResponseSizeMin
	if sizeMin <= 0 {
		sizeMin = responseSizeMinDefault
	}
	shrink := opts.SizeShrinkFactor
	if shrink <= 0 || shrink >= 1 {
		shrink = defaultSizeShrinkFactor
	}
	cloudQueue := opts.CloudQueueMax
	if cloudQueue <= 0 {
		cloudQueue = defaultCloudQueueMax
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Device{
		uuid:            opts.UUID,
		key:             opts.Key,
		host:            opts.Host,
		logID:           shortID(opts.UUID),
		log:             opts.Logger,
		throttle:        logging.NewThrottle(),
		catalog:         opts.Catalog,
		trace:           opts.Trace,
		onStateChange:   opts.OnStateChange,
		onDescriptor:    opts.OnDescriptor,
		onPush:          opts.OnPush,
		http:            opts.HTTP,
		mqtt:            opts.MQTT,
		brokerHost:      opts.BrokerHost,
		confRoute:       opts.Transport,
		fromAddr:        protocol.Manufacturer,
		pollingPeriod:   period,
		pollingDelay:    period,

		heartbeatPeriod:    heartbeat,
		timestampTolerance: tolerance,
		clockWeight:        clockWeight,
		multipleHeaderSize: headerSize,
		sizeShrinkFactor:   shrink,
		cloudQueueMax:      cloudQueue,

		responseSizeMin: sizeMin,
		multipleEnabled: !opts.DisableMultiple,
		batchSize:       headerSize,
		timezoneNext:    math.Inf(1),
		handlers:        make(map[string]*Handler),
		pushes:          make(map[string]map[string]any),
		digestParsers:   make(map[string]func(any)),
		descriptor:      newDescriptor(),
		diagnostics:     opts.Diagnostics,
		diag:            newDiagStore(),
		timeZone:        opts.TimeZone,
		now:             time.Now,
		poke:            make(chan string, 1),
		done:            make(chan struct{}),
		ctx:             ctx,
		ctxCancel:       cancel,
	}
	d.rawFuncs = map[string]rawFunc{
		protocol.NSSystemAll:     d.parseAll,
		protocol.NSSystemAbility: d.parseAbility,
		protocol.NSSystemClock:   d.parseNothing,
		protocol.NSSystemDebug:   d.parseDebug,
		protocol.NSSystemOnline:  d.parseNothing,
		protocol.NSSystemReport:  d.parseNothing,
		protocol.NSSystemTime:    d.parseTime,
		protocol.NSConfigInfo:    d.parseNothing,
		protocol.NSControlBind:   d.parseNothing,
	}

	d.mu.Lock()
	newHandler(d, d.catalog.Lookup(protocol.NSSystemAll))
	if opts.Descriptor != nil {
		d.descriptor.update(opts.Descriptor)
	}
	if opts.Ability != nil {
		d.descriptor.updateAbility(opts.Ability)
	}
	d.applyAbilitiesLocked()
	d.digestInitLocked()
	d.checkProtocolLocked()
	d.mu.Unlock()
	return d, nil
}

func shortID(uuid string) string {
	if len(uuid) > 8 {
		return uuid[len(uuid)-8:]
	}
	return uuid
}

// Start launches the polling scheduler. The first cycle runs
// immediately.
func (d *Device) Start() error {
	select {
	case <-d.done:
		return ErrShutdown
	default:
	}
	d.wg.Add(1)
	go d.run()
	d.log.Debug("device started", "device", d.logID, "transport", d.confRoute.String())
	return nil
}

// Stop halts polling and aborts in flight requests. Safe to call more
// than once.
func (d *Device) Stop() {
	d.stopOnce.Do(func() {
		close(d.done)
		d.ctxCancel()
		d.wg.Wait()
		d.log.Debug("device stopped", "device", d.logID)
	})
}

// run is the scheduler goroutine: one polling cycle at a time, paced
// by the adaptive polling delay, rescheduled early when the device
// comes online through an unsolicited message.
func (d *Device) run() {
	defer d.wg.Done()
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-d.done:
			return
		case ns := <-d.poke:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			d.pollCycle(ns)
		case <-timer.C:
			d.pollCycle("")
		}
		d.mu.Lock()
		delay := d.pollingDelay
		d.mu.Unlock()
		timer.Reset(time.Duration(delay) * time.Second)
	}
}

// pokePoll wakes the scheduler for an immediate cycle. trigger names
// the namespace whose payload caused the wake, so the cycle can skip
// polling it again.
func (d *Device) pokePoll(trigger string) {
	select {
	case d.poke <- trigger:
	default:
	}
}

// PollNow schedules an immediate polling cycle.
func (d *Device) PollNow() {
	d.pokePoll("")
}

// DeviceID returns the configured device identity.
func (d *Device) DeviceID() string { return d.uuid }

// Online reports the device reachability as last established by the
// polling cycle.
func (d *Device) Online() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.online
}

// CurrentRoute returns the transport requests currently take.
func (d *Device) CurrentRoute() Route {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currRoute
}

// Descriptor returns a point in time snapshot of the device
// description.
func (d *Device) Descriptor() *Descriptor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.descriptor.clone()
}

// Handler returns the handler for namespace, creating it (and its
// grammar, heuristically if needed) on first use.
func (d *Device) Handler(namespace string) *Handler {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handlerLocked(namespace)
}

func (d *Device) handlerLocked(namespace string) *Handler {
	if h, ok := d.handlers[namespace]; ok {
		return h
	}
	var ns *protocol.Namespace
	if d.hub {
		ns = d.catalog.LookupHub(namespace)
	} else {
		ns = d.catalog.Lookup(namespace)
	}
	return newHandler(d, ns)
}

// RegisterParser wires fn to channel c of namespace, creating the
// handler when missing. Returns ErrChannelRegistered when the channel
// already has a parser.
func (d *Device) RegisterParser(namespace string, c protocol.Channel, fn Parser) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.handlerLocked(namespace)
	if _, ok := h.parsers[c]; ok {
		return fmt.Errorf("%w: %s %s", ErrChannelRegistered, namespace, c.String())
	}
	h.registerParserLocked(c, fn)
	return nil
}

// LastPush returns the payload of the last unsolicited PUSH seen for
// namespace, or nil.
func (d *Device) LastPush(namespace string) map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pushes[namespace]
}

// Namespaces returns the namespaces with live handlers, sorted.
func (d *Device) Namespaces() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.handlers))
	for ns := range d.handlers {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

func (d *Device) epochNow() float64 {
	return float64(d.now().UnixNano()) / 1e9
}

func (d *Device) mqttUsable() bool {
	return d.mqtt != nil && d.mqtt.Usable()
}

// mqttLocallyActiveLocked reports whether the device is confirmed
// reachable over a local (non cloud) broker, which makes this bridge
// responsible for its clock and timezone.
func (d *Device) mqttLocallyActiveLocked() bool {
	return d.mqttActive && d.mqtt != nil && !d.mqtt.Cloud()
}

// Request sends one request, routing over the current transport and
// falling back per the configuration. The reply has already been fed
// through state handling when this returns.
func (d *Device) Request(ctx context.Context, namespace, method string, payload map[string]any) (*protocol.Message, error) {
	select {
	case <-d.done:
		return nil, ErrShutdown
	default:
	}
	d.mu.Lock()
	d.lastRequest = d.epochNow()
	curr := d.currRoute
	conf := d.confRoute
	mqttActive := d.mqttActive
	d.mu.Unlock()

	var lastErr error
	mqttFailed := false
	if curr == RouteMQTT {
		if d.mqttUsable() {
			msg, err := d.sendMQTT(ctx, namespace, method, payload)
			if err == nil {
				return msg, nil
			}
			lastErr = err
			mqttFailed = true
		} else {
			lastErr = ErrNoTransport
		}
		if conf == RouteMQTT {
			return nil, lastErr
		}
	}
	if d.http != nil {
		msg, err := d.sendHTTP(ctx, namespace, method, payload)
		if err == nil {
			return msg, nil
		}
		lastErr = err
	}
	if mqttActive && d.mqttUsable() && !mqttFailed {
		return d.sendMQTT(ctx, namespace, method, payload)
	}
	if lastErr == nil {
		lastErr = ErrNoTransport
	}
	return nil, lastErr
}

// RequestAck sends a request and returns the reply payload when the
// device acknowledged it with the matching ack method.
func (d *Device) RequestAck(ctx context.Context, namespace, method string, payload map[string]any) (map[string]any, error) {
	msg, err := d.Request(ctx, namespace, method, payload)
	if err != nil {
		return nil, err
	}
	if msg.Header.Method != protocol.AckMethod(method) {
		if err := protocol.CheckStrict(msg); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: got %s", ErrNotAcknowledged, msg.Header.Method)
	}
	return msg.Payload, nil
}

// sendHTTP carries one request over HTTP, adapting the response byte
// budget when the device truncates its reply.
func (d *Device) sendHTTP(ctx context.Context, namespace, method string, payload map[string]any) (*protocol.Message, error) {
	http := d.http
	if http == nil || !http.Usable() {
		return nil, ErrNoTransport
	}
	d.mu.Lock()
	d.httpLastRequest = d.epochNow()
	from := d.fromAddr
	d.counters.TxHTTP++
	d.mu.Unlock()

	req := protocol.NewRequest(namespace, method, payload, d.key, from, d.now())
	d.traceMsg(TraceTX, RouteHTTP, req)
	raw, err := http.Send(ctx, d.uuid, req)
	if err != nil {
		d.log.Debug("http request failed",
			"device", d.logID,
			"namespace", namespace,
			"method", method,
			"error", err)
		d.mu.Lock()
		d.counters.Errors++
		if d.online && namespace == protocol.NSSystemAll {
			d.httpActive = false
		}
		d.mu.Unlock()
		return nil, fmt.Errorf("http: %w", err)
	}

	msg, truncated, derr := protocol.DecodeResponse(raw)
	if truncated {
		// The device hard-limits its output buffer; shrink the
		// budget to what actually came through.
		safe := protocol.SafeLength(len(raw))
		d.mu.Lock()
		d.counters.Truncated++
		d.responseSizeMax = safe
		if d.responseSizeMin > safe {
			d.responseSizeMin = safe
		}
		d.log.Debug("response truncated, budget adjusted",
			"device", d.logID,
			"size_min", d.responseSizeMin,
			"size_max", d.responseSizeMax)
		d.mu.Unlock()
	}
	if derr != nil {
		d.mu.Lock()
		d.counters.Errors++
		d.mu.Unlock()
		return nil, derr
	}
	d.traceMsg(TraceRX, RouteHTTP, msg)
	// A reconfigured LAN can point our host at a different appliance
	// that happens to share the key; never feed its state in.
	if d.checkIdentity(msg.Header.DeviceID()) {
		return nil, ErrIdentityMismatch
	}

	d.mu.Lock()
	d.httpLastResponse = d.epochNow()
	d.httpActive = true
	if d.currRoute != RouteHTTP && (d.prefRoute == RouteHTTP || !d.mqttActive) {
		d.switchRouteLocked(RouteHTTP)
	}
	d.mu.Unlock()
	d.handleEnvelope(msg, len(raw))
	return msg, nil
}

// sendMQTT publishes one request and waits for the correlated reply.
// Inbound state handling happens on the delivery path, not here.
func (d *Device) sendMQTT(ctx context.Context, namespace, method string, payload map[string]any) (*protocol.Message, error) {
	mqtt := d.mqtt
	if mqtt == nil || !mqtt.Usable() {
		return nil, ErrNoTransport
	}
	d.mu.Lock()
	d.mqttLastRequest = d.epochNow()
	from := d.fromAddr
	d.counters.TxMQTT++
	if mqtt.Cloud() {
		d.queuedCloud++
	}
	d.mu.Unlock()

	req := protocol.NewRequest(namespace, method, payload, d.key, from, d.now())
	d.traceMsg(TraceTX, RouteMQTT, req)
	raw, err := mqtt.Send(ctx, d.uuid, req)
	if err != nil {
		d.log.Debug("mqtt request failed",
			"device", d.logID,
			"namespace", namespace,
			"method", method,
			"error", err)
		d.mu.Lock()
		d.counters.Errors++
		d.mu.Unlock()
		return nil, fmt.Errorf("mqtt: %w", err)
	}
	msg, _, derr := protocol.DecodeResponse(raw)
	if derr != nil {
		d.mu.Lock()
		d.counters.Errors++
		d.mu.Unlock()
		return nil, derr
	}
	d.traceMsg(TraceRX, RouteMQTT, msg)
	d.receiveMQTT(msg, len(raw))
	return msg, nil
}

// HandleMessage feeds one raw inbound MQTT envelope through the
// device pipeline. The transport delivery goroutine calls this for
// every message on the device's response topic that no pending
// request claimed: pushes, and replies that outlived their waiter.
func (d *Device) HandleMessage(raw []byte) {
	msg, _, err := protocol.DecodeResponse(raw)
	if err != nil {
		if d.throttle.Allow("decode", protocolLogWindow) {
			d.log.Warn("undecodable inbound message",
				"device", d.logID, "error", err)
		}
		return
	}
	d.traceMsg(TraceRX, RouteMQTT, msg)
	d.receiveMQTT(msg, len(raw))
}

// receiveMQTT credits the MQTT path with a live response and runs the
// shared receive pipeline.
func (d *Device) receiveMQTT(msg *protocol.Message, size int) {
	d.mu.Lock()
	d.mqttLastResponse = d.epochNow()
	d.mqttActive = true
	if d.currRoute != RouteMQTT && (d.prefRoute == RouteMQTT || !d.httpActive) {
		d.switchRouteLocked(RouteMQTT)
	}
	d.mu.Unlock()
	d.handleEnvelope(msg, size)
}

type clockAction uint8

const (
	clockNone clockAction = iota
	clockAdjust
	clockPending
	clockWarn
)

// handleEnvelope is the shared receive pipeline: epoch bookkeeping,
// response size learning, clock drift smoothing and the online
// transition, then namespace handling.
func (d *Device) handleEnvelope(msg *protocol.Message, size int) {
	epoch := d.epochNow()
	header := &msg.Header
	signOK := header.VerifySign(d.key)

	d.mu.Lock()
	d.lastResponse = epoch
	d.counters.Rx++
	if size > d.responseSizeMin {
		d.responseSizeMin = size
		if size > d.responseSizeMax {
			d.responseSizeMax = size
		}
	}
	// The full state reply is the one namespace whose cost is better
	// measured than estimated; it decides whether it may share a batch.
	if header.Namespace == protocol.NSSystemAll && size > 0 {
		if h, ok := d.handlers[protocol.NSSystemAll]; ok {
			h.size = size
		}
	}
	// Smooth the device clock into a running delta so timestamped
	// readings can be translated to local time.
	d.deviceTimestamp = header.Timestamp
	d.clockDelta = d.clockWeight*d.clockDelta + (1-d.clockWeight)*(epoch-float64(header.Timestamp))
	action := clockNone
	if math.Abs(d.clockDelta) > d.timestampTolerance {
		action = d.clockActionLocked(epoch)
	}
	delta := d.clockDelta
	wasOffline := !d.online
	if wasOffline {
		d.setOnlineLocked()
	}
	d.mu.Unlock()

	if !signOK {
		d.log.Debug("signature mismatch on inbound message",
			"device", d.logID, "namespace", header.Namespace)
	}
	switch action {
	case clockAdjust:
		d.log.Info("correcting device clock",
			"device", d.logID, "delta_seconds", int(delta))
		go func() {
			ns := d.catalog.Lookup(protocol.NSSystemClock)
			_, _ = d.sendMQTT(d.ctx, ns.Name, ns.QueryMethod(), ns.DefaultQueryPayload())
		}()
	case clockWarn:
		d.log.Warn("device clock misaligned",
			"device", d.logID,
			"behind_seconds", int(epoch-float64(header.Timestamp)),
			"average_delta", int(delta))
	}
	if wasOffline {
		if d.onStateChange != nil {
			d.onStateChange(true)
		}
		d.pokePoll(header.Namespace)
	}
	d.handle(msg)
}

// clockActionLocked decides how to react to clock drift. Locally
// bridged devices with the Clock ability get corrected, with a
// cooldown between attempts and a grace window while one is pending.
func (d *Device) clockActionLocked(epoch float64) clockAction {
	if d.mqttLocallyActiveLocked() && d.descriptor.hasAbility(protocol.NSSystemClock) {
		sinceConfig := epoch - d.clockConfigEpoch
		if sinceConfig > clockConfigCooldown {
			d.clockConfigEpoch = epoch
			return clockAdjust
		}
		if sinceConfig < clockConfigGrace {
			return clockPending
		}
	}
	if epoch-d.clockWarnEpoch > clockWarnLockout {
		d.clockWarnEpoch = epoch
		return clockWarn
	}
	return clockNone
}

// handle routes one decoded envelope to its namespace handler,
// creating the handler on first contact.
func (d *Device) handle(msg *protocol.Message) {
	header := &msg.Header
	payload := msg.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	namespace := header.Namespace
	switch header.Method {
	case protocol.MethodSetAck:
		// SETACK carries no state worth parsing.
		return
	case protocol.MethodPush:
		d.mu.Lock()
		d.pushes[namespace] = payload
		d.mu.Unlock()
	case protocol.MethodError:
		if protocol.ErrorCode(payload) == protocol.ErrorCodeInvalidKey {
			if d.throttle.Allow("key", protocolLogWindow) {
				d.log.Warn("device rejected the configured key",
					"device", d.logID)
			}
		} else if d.throttle.Allow("error:"+namespace, protocolLogWindow) {
			d.log.Warn("device error reply",
				"device", d.logID,
				"namespace", namespace,
				"code", protocol.ErrorCode(payload))
		}
		d.mu.Lock()
		d.counters.Errors++
		d.mu.Unlock()
		return
	}

	d.mu.Lock()
	h, ok := d.handlers[namespace]
	if !ok {
		if namespace == "" {
			d.mu.Unlock()
			if d.throttle.Allow("emptyns", protocolLogWindow) {
				d.log.Warn("reply with empty namespace",
					"device", d.logID)
			}
			return
		}
		ns := d.catalog.FromMessage(namespace, header.Method, payload, d.hub)
		h = newHandler(d, ns)
	}
	h.lastResponse = d.lastResponse
	h.pollingEpochNext = h.lastResponse + float64(h.period)
	d.mu.Unlock()

	h.dispatch(header, payload)
	if header.Method == protocol.MethodPush && d.onPush != nil {
		d.onPush(namespace, payload)
	}
}

// checkIdentity drops payloads from a different appliance. Returns
// true on mismatch, after forcing the device offline so the polling
// cycle re-probes from scratch.
func (d *Device) checkIdentity(id string) bool {
	if id == "" || id == d.uuid {
		return false
	}
	if d.throttle.Allow("identity", identityLogWindow) {
		d.log.Error("device identity mismatch, check the host address",
			"device", d.logID,
			"received", shortID(id))
	}
	d.mu.Lock()
	d.counters.IdentityMismatches++
	wasOnline := d.online
	if wasOnline {
		d.setOfflineLocked()
	}
	d.mu.Unlock()
	if wasOnline && d.onStateChange != nil {
		d.onStateChange(false)
	}
	return true
}

// setOnlineLocked marks the device reachable and resets the cycle
// cadence. With diagnostics enabled every onlining re-arms the
// ability scan.
func (d *Device) setOnlineLocked() {
	d.log.Debug("back online", "device", d.logID)
	d.online = true
	d.pollingDelay = d.pollingPeriod
	d.diagScan = d.diagnostics
}

// setOfflineLocked marks the device unreachable and resets every
// namespace schedule so onlining re-polls everything.
func (d *Device) setOfflineLocked() {
	d.log.Debug("going offline", "device", d.logID)
	d.online = false
	d.pollingDelay = d.pollingPeriod
	d.httpActive = false
	d.mqttActive = false
	d.descriptor.debug = nil
	for _, h := range d.handlers {
		h.pollingEpochNext = 0
	}
}

// switchRouteLocked moves the active transport.
func (d *Device) switchRouteLocked(r Route) {
	d.log.Debug("switching transport",
		"device", d.logID,
		"from", d.currRoute.String(),
		"to", r.String())
	d.currRoute = r
	d.counters.RouteSwitches++
}

// checkProtocolLocked recomputes the preferred and current routes
// from the configuration and what is known to work.
func (d *Device) checkProtocolLocked() {
	if d.confRoute == RouteAuto {
		if d.http != nil {
			d.prefRoute = RouteHTTP
			if d.currRoute != RouteHTTP && d.httpActive {
				d.switchRouteLocked(RouteHTTP)
			}
		} else {
			d.prefRoute = RouteMQTT
			if d.currRoute != RouteMQTT && d.mqttActive {
				d.switchRouteLocked(RouteMQTT)
			}
		}
		if d.currRoute == RouteAuto {
			d.currRoute = d.prefRoute
		}
		return
	}
	d.prefRoute = d.confRoute
	if d.currRoute != d.confRoute {
		d.currRoute = d.confRoute
	}
}

func (d *Device) traceMsg(direction string, route Route, msg *protocol.Message) {
	if d.trace == nil {
		return
	}
	d.trace.Record(TraceEntry{
		Time:      d.now(),
		DeviceID:  d.uuid,
		Direction: direction,
		Transport: route.String(),
		Namespace: msg.Header.Namespace,
		Method:    msg.Header.Method,
		Payload:   msg.Payload,
	})
}

// parseNothing absorbs namespaces the engine has no runtime use for.
func (d *Device) parseNothing(*protocol.Header, map[string]any) {}

// parseDebug digests the device's broker report: when the device says
// it is attached to our own broker but we never saw proof, trust it
// and re-evaluate the route.
func (d *Device) parseDebug(_ *protocol.Header, payload map[string]any) {
	debug := protocol.DictField(payload, keyDebug)
	if debug == nil {
		return
	}
	d.mu.Lock()
	d.descriptor.debug = debug
	host := activeBrokerHost(debug)
	if host != "" && d.brokerHost != "" && host == d.brokerHost && d.mqttUsable() && !d.mqttActive {
		d.mqttActive = true
		if d.currRoute != d.prefRoute {
			d.switchRouteLocked(d.prefRoute)
		}
	}
	d.mu.Unlock()
}

// parseTime folds a time report into the descriptor.
func (d *Device) parseTime(_ *protocol.Header, payload map[string]any) {
	t := protocol.DictField(payload, protocol.KeyTime)
	if t == nil {
		return
	}
	d.mu.Lock()
	d.descriptor.updateTime(t)
	snapshot := d.descriptor.clone()
	d.mu.Unlock()
	if d.onDescriptor != nil {
		d.onDescriptor(snapshot)
	}
}
