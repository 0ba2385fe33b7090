package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-meross/internal/infrastructure/config"
)

// mockRepo records repository calls in memory.
type mockRepo struct {
	mu      sync.Mutex
	records map[string]*Record
	saves   int
	listErr error
}

func newMockRepo() *mockRepo {
	return &mockRepo{records: make(map[string]*Record)}
}

func (m *mockRepo) Save(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records[rec.UUID] = &cp
	m.saves++
	return nil
}

func (m *mockRepo) Get(_ context.Context, uuid string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[uuid]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *mockRepo) List(_ context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec)
	}
	return out, nil
}

func (m *mockRepo) SetOnline(_ context.Context, uuid string, online bool, lastSeen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[uuid]
	if !ok {
		return ErrDeviceNotFound
	}
	rec.Online = online
	rec.LastSeen = &lastSeen
	return nil
}

// eventCollector gathers emitted events race-safely.
type eventCollector struct {
	mu     sync.Mutex
	events []Event
}

func (c *eventCollector) add(e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *eventCollector) byType(t EventType) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, e := range c.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// testConfig builds a minimal configuration with one HTTP device.
// The host is unroutable so polling fails fast without a network.
func testConfig(uuids ...string) *config.Config {
	cfg := &config.Config{
		Site: config.SiteConfig{
			ID:       "site-test",
			Timezone: "UTC",
			Key:      "test-key",
		},
		Protocol: config.ProtocolConfig{
			PollingPeriod:         30,
			PollingPeriodMin:      5,
			HTTPTimeout:           1,
			HTTPConnectTimeoutMax: 1,
		},
		MQTT: config.MQTTConfig{
			Broker: config.MQTTBrokerConfig{Host: "localhost", Port: 1883},
		},
	}
	for _, uuid := range uuids {
		cfg.Devices = append(cfg.Devices, config.DeviceConfig{
			UUID:     uuid,
			Host:     "127.0.0.1:1",
			Protocol: "http",
		})
	}
	return cfg
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(Options{})
	if !errors.Is(err, ErrNilConfig) {
		t.Errorf("New() error = %v, want ErrNilConfig", err)
	}
}

func TestRegistry_StartStop(t *testing.T) {
	uuidA := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	uuidB := "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	reg, err := New(Options{Config: testConfig(uuidB, uuidA), Repo: newMockRepo()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer reg.Stop()

	if got := reg.Count(); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}

	dev, err := reg.Get(uuidA)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if dev.DeviceID() != uuidA {
		t.Errorf("DeviceID() = %q, want %q", dev.DeviceID(), uuidA)
	}

	if _, err := reg.Get("ffffffffffffffffffffffffffffffff"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Get(unknown) error = %v, want ErrDeviceNotFound", err)
	}

	devices := reg.List()
	if len(devices) != 2 {
		t.Fatalf("List() returned %d devices, want 2", len(devices))
	}
	if devices[0].DeviceID() != uuidA || devices[1].DeviceID() != uuidB {
		t.Error("List() not ordered by uuid")
	}
}

func TestRegistry_ProtocolTuningThreaded(t *testing.T) {
	cfg := testConfig(testUUID)
	cfg.Protocol.ResponseSizeMin = 4321

	reg, err := New(Options{Config: cfg, Repo: newMockRepo()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer reg.Stop()

	dev, err := reg.Get(testUUID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := dev.Metrics().ResponseSizeMin; got != 4321 {
		t.Errorf("ResponseSizeMin = %d, want the configured 4321", got)
	}
}

func TestRegistry_StopIsIdempotent(t *testing.T) {
	reg, err := New(Options{Config: testConfig(testUUID)})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	reg.Stop()
	reg.Stop()
}

func TestRegistry_WarmStart(t *testing.T) {
	repo := newMockRepo()
	rec := testRecord(testUUID)
	if err := repo.Save(context.Background(), rec); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	reg, err := New(Options{Config: testConfig(testUUID), Repo: repo})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer reg.Stop()

	dev, err := reg.Get(testUUID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	// The restored descriptor must be visible before first contact.
	if got := dev.Descriptor().Type(); got != "mss310" {
		t.Errorf("Descriptor().Type() = %q, want mss310", got)
	}
	abilities := dev.Descriptor().Abilities()
	if _, ok := abilities["Appliance.Control.ToggleX"]; !ok {
		t.Error("restored abilities missing Appliance.Control.ToggleX")
	}
}

func TestRegistry_ColdStartOnRepositoryFailure(t *testing.T) {
	repo := newMockRepo()
	repo.listErr = errors.New("disk unreadable")

	reg, err := New(Options{Config: testConfig(testUUID), Repo: repo})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v, want cold start", err)
	}
	defer reg.Stop()

	if got := reg.Count(); got != 1 {
		t.Errorf("Count() = %d, want 1", got)
	}
}

func TestRegistry_StateChanged(t *testing.T) {
	repo := newMockRepo()
	if err := repo.Save(context.Background(), testRecord(testUUID)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	events := &eventCollector{}
	reg, err := New(Options{
		Config:  testConfig(testUUID),
		Repo:    repo,
		OnEvent: events.add,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	reg.stateChanged(testUUID, true)
	reg.stateChanged(testUUID, false)

	rec, err := repo.Get(context.Background(), testUUID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Online {
		t.Error("Online = true, want false after final transition")
	}
	if rec.LastSeen == nil {
		t.Error("LastSeen = nil, want stamped")
	}

	if got := len(events.byType(EventOnline)); got != 1 {
		t.Errorf("online events = %d, want 1", got)
	}
	if got := len(events.byType(EventOffline)); got != 1 {
		t.Errorf("offline events = %d, want 1", got)
	}
}

func TestRegistry_HandleDiscovery(t *testing.T) {
	events := &eventCollector{}
	cfg := testConfig()
	cfg.Site.Key = "" // no key: no identification attempt
	cfg.Site.Discovery = true

	reg, err := New(Options{Config: cfg, OnEvent: events.add})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	stranger := "cccccccccccccccccccccccccccccccc"
	reg.handleDiscovery(stranger, []byte(`{}`))
	reg.handleDiscovery(stranger, []byte(`{}`))
	reg.handleDiscovery("not-a-uuid", []byte(`{}`))

	found := reg.Discovered()
	if len(found) != 1 {
		t.Fatalf("Discovered() returned %d entries, want 1", len(found))
	}
	if found[0].UUID != stranger {
		t.Errorf("UUID = %q, want %q", found[0].UUID, stranger)
	}
	if found[0].Messages != 2 {
		t.Errorf("Messages = %d, want 2", found[0].Messages)
	}

	if got := len(events.byType(EventDiscovered)); got != 1 {
		t.Errorf("discovered events = %d, want 1", got)
	}
}
