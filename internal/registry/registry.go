package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-meross/internal/engine"
	"github.com/nerrad567/gray-logic-meross/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-meross/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-meross/internal/protocol"
	"github.com/nerrad567/gray-logic-meross/internal/transport"
)

// persistTimeout bounds the repository writes triggered by engine
// callbacks.
const persistTimeout = 5 * time.Second

// EventType classifies registry events.
type EventType string

// Registry event types, also used as websocket event channels.
const (
	EventOnline     EventType = "device.online"
	EventOffline    EventType = "device.offline"
	EventPush       EventType = "device.push"
	EventDiscovered EventType = "device.discovered"
)

// Event is one device lifecycle or protocol event.
type Event struct {
	Type      EventType      `json:"type"`
	UUID      string         `json:"uuid"`
	Namespace string         `json:"namespace,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Time      time.Time      `json:"time"`
}

// Options configures a Registry.
type Options struct {
	// Config is the loaded bridge configuration. Required.
	Config *config.Config

	// Broker is the shared MQTT router. Optional; without it devices
	// run HTTP-only and discovery is unavailable.
	Broker *transport.Broker

	// Repo persists descriptor snapshots. Optional.
	Repo Repository

	Catalog *protocol.Catalog
	Logger  *logging.Logger

	// Trace receives every traced envelope. Optional.
	Trace engine.TraceSink

	// OnEvent fires for device lifecycle and push events. Optional.
	// Runs on engine callbacks and must not block.
	OnEvent func(Event)

	// OnDescriptor fires after a device's descriptor changed and was
	// persisted, with the device itself so consumers can inspect its
	// abilities. Optional.
	OnDescriptor func(d *engine.Device)
}

// managed pairs a device engine with its dedicated HTTP transport.
type managed struct {
	cfg  config.DeviceConfig
	dev  *engine.Device
	http *transport.HTTP

	encrypted bool // HTTP payload encryption already wired
}

// Registry owns the configured devices and their transports.
//
// All public methods are thread-safe.
type Registry struct {
	cfg     *config.Config
	broker  *transport.Broker
	repo    Repository
	catalog *protocol.Catalog
	log     *logging.Logger
	trace   engine.TraceSink

	onEvent      func(Event)
	onDescriptor func(d *engine.Device)

	mu         sync.Mutex
	devices    map[string]*managed
	discovered map[string]*Discovered
	started    bool

	stopOnce sync.Once
}

// New creates a registry. Call Start to build and launch the devices.
func New(opts Options) (*Registry, error) {
	if opts.Config == nil {
		return nil, ErrNilConfig
	}
	if opts.Catalog == nil {
		opts.Catalog = protocol.NewCatalog()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}

	return &Registry{
		cfg:          opts.Config,
		broker:       opts.Broker,
		repo:         opts.Repo,
		catalog:      opts.Catalog,
		log:          opts.Logger.With("component", "registry"),
		trace:        opts.Trace,
		onEvent:      opts.OnEvent,
		onDescriptor: opts.OnDescriptor,
		devices:      make(map[string]*managed),
		discovered:   make(map[string]*Discovered),
	}, nil
}

// Start builds one engine per configured device, restores persisted
// descriptors, wires the MQTT fan-in and launches polling.
func (r *Registry) Start(ctx context.Context) error {
	warm := r.loadSnapshots(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, dc := range r.cfg.Devices {
		m, err := r.buildLocked(dc, warm[dc.UUID])
		if err != nil {
			r.teardownLocked()
			return err
		}
		r.devices[dc.UUID] = m
	}

	for uuid, m := range r.devices {
		if r.broker != nil {
			r.broker.Bind(uuid, m.dev.HandleMessage)
		}
		if err := m.dev.Start(); err != nil {
			r.teardownLocked()
			return err
		}
	}

	if r.broker != nil && r.cfg.Site.Discovery {
		r.broker.SetOnDiscovery(r.handleDiscovery)
	}

	r.started = true
	r.log.Info("registry started", "devices", len(r.devices))
	return nil
}

// Stop halts every device and releases its transports. Safe to call
// more than once.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.teardownLocked()
		r.started = false
		r.log.Info("registry stopped")
	})
}

// teardownLocked stops devices, unbinds them from the broker and
// terminates their HTTP clients. The caller holds r.mu.
func (r *Registry) teardownLocked() {
	for uuid, m := range r.devices {
		m.dev.Stop()
		if r.broker != nil {
			r.broker.Unbind(uuid)
		}
		if m.http != nil {
			m.http.Terminate()
		}
	}
}

// Get returns the engine for uuid.
func (r *Registry) Get(uuid string) (*engine.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.devices[uuid]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return m.dev, nil
}

// List returns every managed device ordered by uuid.
func (r *Registry) List() []*engine.Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	devices := make([]*engine.Device, 0, len(r.devices))
	for _, m := range r.devices {
		devices = append(devices, m.dev)
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].DeviceID() < devices[j].DeviceID()
	})
	return devices
}

// Count returns the number of managed devices.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

// OnlineCount returns how many managed devices are currently online.
func (r *Registry) OnlineCount() int {
	count := 0
	for _, d := range r.List() {
		if d.Online() {
			count++
		}
	}
	return count
}

// loadSnapshots restores persisted descriptor records, keyed by uuid.
// A failing repository degrades to a cold start.
func (r *Registry) loadSnapshots(ctx context.Context) map[string]*Record {
	warm := make(map[string]*Record)
	if r.repo == nil {
		return warm
	}
	records, err := r.repo.List(ctx)
	if err != nil {
		r.log.Warn("descriptor cache unavailable, starting cold", "error", err)
		return warm
	}
	for i := range records {
		warm[records[i].UUID] = &records[i]
	}
	r.log.Debug("descriptor cache loaded", "records", len(records))
	return warm
}

// buildLocked constructs the engine and transports for one device
// entry. The caller holds r.mu.
func (r *Registry) buildLocked(dc config.DeviceConfig, rec *Record) (*managed, error) {
	route, err := engine.ParseRoute(dc.Protocol)
	if err != nil {
		return nil, err
	}

	key := r.cfg.DeviceKey(dc)

	var httpClient *transport.HTTP
	var httpTransport engine.Transport
	if dc.Host != "" {
		httpClient = transport.NewHTTP(transport.HTTPOptions{
			Host:              dc.Host,
			Key:               key,
			Timeout:           r.cfg.GetHTTPTimeout(),
			ConnectTimeoutMax: time.Duration(r.cfg.Protocol.HTTPConnectTimeoutMax) * time.Second,
			Logger:            r.log,
		})
		httpTransport = httpClient
	}

	var mqttTransport engine.Transport
	if r.broker != nil {
		mqttTransport = r.broker
	}

	if httpTransport == nil && mqttTransport == nil {
		return nil, ErrNoTransports
	}

	timezone := dc.Timezone
	if timezone == "" {
		timezone = r.cfg.Site.Timezone
	}

	opts := engine.Options{
		UUID:          dc.UUID,
		Key:           key,
		Host:          dc.Host,
		Transport:     route,
		HTTP:          httpTransport,
		MQTT:          mqttTransport,
		BrokerHost:    r.cfg.MQTT.Broker.Host,
		PollingPeriod: r.cfg.DevicePollingPeriod(dc),

		HeartbeatPeriod:    r.cfg.Protocol.HeartbeatPeriod,
		TimestampTolerance: r.cfg.Protocol.TimestampTolerance,
		ClockWeight:        r.cfg.Protocol.ClockWeight,
		MultipleHeaderSize: r.cfg.Protocol.MultipleHeaderSize,
		ResponseSizeMin:    r.cfg.Protocol.ResponseSizeMin,
		SizeShrinkFactor:   r.cfg.Protocol.SizeShrinkFactor,
		CloudQueueMax:      r.cfg.Protocol.CloudQueueMax,

		TimeZone: timezone,
		Catalog:  r.catalog,
		Logger:   r.log,
		Trace:    r.trace,
	}
	if rec != nil {
		opts.Descriptor = rec.Descriptor
		opts.Ability = rec.Ability
	}

	uuid := dc.UUID
	opts.OnStateChange = func(online bool) { r.stateChanged(uuid, online) }
	opts.OnDescriptor = func(d *engine.Descriptor) { r.descriptorChanged(uuid, d) }
	opts.OnPush = func(namespace string, payload map[string]any) {
		r.emit(Event{Type: EventPush, UUID: uuid, Namespace: namespace, Payload: payload})
	}

	dev, err := engine.NewDevice(opts)
	if err != nil {
		if httpClient != nil {
			httpClient.Terminate()
		}
		return nil, err
	}

	m := &managed{cfg: dc, dev: dev, http: httpClient}

	// A warm descriptor may already carry the MAC the encryption key
	// derivation needs.
	r.wireEncryption(m, dev.Descriptor())

	return m, nil
}

// wireEncryption derives and installs the AES key once the descriptor
// reports a MAC address. No-op unless the entry opted in.
func (r *Registry) wireEncryption(m *managed, desc *engine.Descriptor) {
	if !m.cfg.Encrypt || m.encrypted || m.http == nil || desc == nil {
		return
	}
	mac := desc.MacAddress()
	if mac == "" {
		return
	}
	key := protocol.EncryptionKey(m.cfg.UUID, r.cfg.DeviceKey(m.cfg), mac)
	if err := m.http.SetEncryption(key); err != nil {
		r.log.Error("payload encryption setup failed",
			"uuid", m.cfg.UUID, "error", err)
		return
	}
	m.encrypted = true
	r.log.Info("payload encryption enabled", "uuid", m.cfg.UUID)
}

// stateChanged persists the transition and fans it out as an event.
func (r *Registry) stateChanged(uuid string, online bool) {
	now := time.Now().UTC()

	if r.repo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		err := r.repo.SetOnline(ctx, uuid, online, now)
		cancel()
		if err != nil && !errors.Is(err, ErrDeviceNotFound) {
			r.log.Warn("persisting online state failed", "uuid", uuid, "error", err)
		}
	}

	typ := EventOnline
	if !online {
		typ = EventOffline
	}
	r.emit(Event{Type: typ, UUID: uuid, Time: now})
}

// descriptorChanged persists the new snapshot, wires pending payload
// encryption and notifies the descriptor consumer.
func (r *Registry) descriptorChanged(uuid string, desc *engine.Descriptor) {
	r.mu.Lock()
	m := r.devices[uuid]
	r.mu.Unlock()
	if m == nil {
		return
	}

	r.wireEncryption(m, desc)

	if r.repo != nil {
		now := time.Now().UTC()
		rec := &Record{
			UUID:       uuid,
			Type:       desc.Type(),
			Firmware:   desc.FirmwareVersion(),
			Descriptor: desc.Payload(),
			Ability:    desc.Abilities(),
			Online:     m.dev.Online(),
			LastSeen:   &now,
		}
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		err := r.repo.Save(ctx, rec)
		cancel()
		if err != nil {
			r.log.Warn("persisting descriptor failed", "uuid", uuid, "error", err)
		}
	}

	if r.onDescriptor != nil {
		r.onDescriptor(m.dev)
	}
}

func (r *Registry) emit(e Event) {
	if r.onEvent == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	r.onEvent(e)
}
