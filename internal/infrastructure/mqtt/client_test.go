package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-meross/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration for testing.
// These tests never open a real connection - broker-dependent coverage
// lives in integration_test.go behind the integration build tag.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "merossbridge-test",
			TLS:      false,
		},
		Auth: config.MQTTAuthConfig{
			Username: "",
			Password: "",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// mockLogger implements Logger interface for testing.
type mockLogger struct {
	errors []string
	warns  []string
	mu     sync.Mutex
}

func (l *mockLogger) Error(msg string, args ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func (l *mockLogger) Warn(msg string, args ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

func (l *mockLogger) errorCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errors)
}

func (l *mockLogger) warnCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.warns)
}

// fakePahoMessage satisfies pahomqtt.Message for wrapHandler tests.
type fakePahoMessage struct {
	topic   string
	payload []byte
}

func (m fakePahoMessage) Duplicate() bool   { return false }
func (m fakePahoMessage) Qos() byte         { return 1 }
func (m fakePahoMessage) Retained() bool    { return false }
func (m fakePahoMessage) Topic() string     { return m.topic }
func (m fakePahoMessage) MessageID() uint16 { return 0 }
func (m fakePahoMessage) Payload() []byte   { return m.payload }
func (m fakePahoMessage) Ack()              {}

// =============================================================================
// Connection State Tests
// =============================================================================

func TestIsConnected_InitialState(t *testing.T) {
	client := &Client{}

	if client.IsConnected() {
		t.Error("IsConnected() should be false for uninitialised client")
	}
}

func TestCloseNil(t *testing.T) {
	client := &Client{}
	err := client.Close()
	if err != nil {
		t.Errorf("Close() on nil client error = %v, want nil", err)
	}
}

func TestHealthCheckCancelled(t *testing.T) {
	client := &Client{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Cancel immediately

	err := client.HealthCheck(ctx)
	if err == nil {
		t.Error("HealthCheck() expected error for cancelled context")
	}
}

func TestHealthCheckDisconnected(t *testing.T) {
	client := &Client{}

	err := client.HealthCheck(context.Background())
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}

// =============================================================================
// Publish Validation Tests
// =============================================================================

func TestPublishEmptyTopic(t *testing.T) {
	client := &Client{}

	err := client.Publish("", []byte("test"), 1, false)
	if !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Publish() error = %v, want ErrInvalidTopic", err)
	}
}

func TestPublishInvalidQoS(t *testing.T) {
	client := &Client{}

	err := client.Publish("test/topic", []byte("test"), 3, false)
	if !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Publish() error = %v, want ErrInvalidQoS", err)
	}
}

func TestPublishOversizedPayload(t *testing.T) {
	client := &Client{}

	payload := make([]byte, maxPayloadSize+1)
	err := client.Publish("test/topic", payload, 1, false)
	if !errors.Is(err, ErrPublishFailed) {
		t.Errorf("Publish() error = %v, want ErrPublishFailed", err)
	}
}

func TestPublishDisconnected(t *testing.T) {
	client := &Client{}

	err := client.Publish("test/topic", []byte("test"), 1, false)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
}

// =============================================================================
// Subscribe Validation Tests
// =============================================================================

func TestSubscribeEmptyTopic(t *testing.T) {
	client := &Client{}

	err := client.Subscribe("", 1, func(string, []byte) error { return nil })
	if !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Subscribe() error = %v, want ErrInvalidTopic", err)
	}
}

func TestSubscribeInvalidQoS(t *testing.T) {
	client := &Client{}

	err := client.Subscribe("test/topic", 3, func(string, []byte) error { return nil })
	if !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Subscribe() error = %v, want ErrInvalidQoS", err)
	}
}

func TestSubscribeNilHandler(t *testing.T) {
	client := &Client{}

	err := client.Subscribe("test/topic", 1, nil)
	if !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("Subscribe() error = %v, want ErrSubscribeFailed", err)
	}
}

func TestSubscribeDisconnected(t *testing.T) {
	client := &Client{}

	err := client.Subscribe("test/topic", 1, func(string, []byte) error { return nil })
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe() error = %v, want ErrNotConnected", err)
	}
}

func TestUnsubscribeEmptyTopic(t *testing.T) {
	client := &Client{}

	err := client.Unsubscribe("")
	if !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe() error = %v, want ErrInvalidTopic", err)
	}
}

func TestUnsubscribeDisconnected(t *testing.T) {
	client := &Client{}

	err := client.Unsubscribe("test/topic")
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Unsubscribe() error = %v, want ErrNotConnected", err)
	}
}

func TestSubscriptionCount_Empty(t *testing.T) {
	client := &Client{}

	if client.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", client.SubscriptionCount())
	}
}

func TestHasSubscription_NotSubscribed(t *testing.T) {
	client := &Client{}

	if client.HasSubscription("nonexistent/topic") {
		t.Error("HasSubscription() should be false for unsubscribed topic")
	}
}

// =============================================================================
// Option Building Tests
// =============================================================================

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Username = "bridge"
	cfg.Auth.Password = "secret"

	opts := buildClientOptions(cfg)

	if len(opts.Servers) != 1 {
		t.Fatalf("Servers count = %d, want 1", len(opts.Servers))
	}
	if opts.Servers[0].Scheme != "tcp" {
		t.Errorf("broker scheme = %q, want tcp", opts.Servers[0].Scheme)
	}
	if opts.Servers[0].Host != "127.0.0.1:1883" {
		t.Errorf("broker host = %q, want 127.0.0.1:1883", opts.Servers[0].Host)
	}
	if opts.ClientID != "merossbridge-test" {
		t.Errorf("ClientID = %q, want merossbridge-test", opts.ClientID)
	}
	if opts.Username != "bridge" || opts.Password != "secret" {
		t.Errorf("credentials = %q/%q, want bridge/secret", opts.Username, opts.Password)
	}
	if !opts.CleanSession {
		t.Error("CleanSession = false, want true")
	}
	if !opts.AutoReconnect {
		t.Error("AutoReconnect = false, want true")
	}
	if !opts.ConnectRetry {
		t.Error("ConnectRetry = false, want true")
	}
	if opts.ConnectRetryInterval != 1*time.Second {
		t.Errorf("ConnectRetryInterval = %v, want 1s", opts.ConnectRetryInterval)
	}
	if opts.MaxReconnectInterval != 5*time.Second {
		t.Errorf("MaxReconnectInterval = %v, want 5s", opts.MaxReconnectInterval)
	}
	if opts.ConnectTimeout != defaultConnectTimeout {
		t.Errorf("ConnectTimeout = %v, want %v", opts.ConnectTimeout, defaultConnectTimeout)
	}
	if opts.KeepAlive != int64(defaultKeepAlive/time.Second) {
		t.Errorf("KeepAlive = %d, want %d", opts.KeepAlive, int64(defaultKeepAlive/time.Second))
	}
	if opts.TLSConfig != nil {
		t.Error("TLSConfig should be nil when TLS disabled")
	}
}

func TestBuildClientOptionsTLS(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.TLS = true
	cfg.Broker.Port = 8883

	opts := buildClientOptions(cfg)

	if opts.Servers[0].Scheme != "ssl" {
		t.Errorf("broker scheme = %q, want ssl", opts.Servers[0].Scheme)
	}
	if opts.TLSConfig == nil {
		t.Fatal("TLSConfig is nil with TLS enabled")
	}
	if opts.TLSConfig.MinVersion != tls.VersionTLS12 {
		t.Errorf("TLS MinVersion = %d, want TLS 1.2", opts.TLSConfig.MinVersion)
	}
}

func TestConfigureLWT(t *testing.T) {
	cfg := testConfig()
	opts := buildClientOptions(cfg)

	configureLWT(opts, cfg.Broker.ClientID)

	if !opts.WillEnabled {
		t.Fatal("WillEnabled = false after configureLWT")
	}
	if opts.WillTopic != "merossbridge/bridge/status" {
		t.Errorf("WillTopic = %q, want merossbridge/bridge/status", opts.WillTopic)
	}
	if opts.WillQos != 1 {
		t.Errorf("WillQos = %d, want 1", opts.WillQos)
	}
	if !opts.WillRetained {
		t.Error("WillRetained = false, want true")
	}

	var will map[string]any
	if err := json.Unmarshal(opts.WillPayload, &will); err != nil {
		t.Fatalf("WillPayload is not valid JSON: %v", err)
	}
	if will["status"] != "offline" {
		t.Errorf("will status = %v, want offline", will["status"])
	}
	if will["client_id"] != "merossbridge-test" {
		t.Errorf("will client_id = %v, want merossbridge-test", will["client_id"])
	}
	if will["reason"] != "unexpected_disconnect" {
		t.Errorf("will reason = %v, want unexpected_disconnect", will["reason"])
	}
}

func TestStatusPayloads(t *testing.T) {
	tests := []struct {
		name       string
		payload    string
		status     string
		wantReason string
	}{
		{
			name:    "online",
			payload: buildOnlinePayload("merossbridge-test"),
			status:  "online",
		},
		{
			name:       "offline",
			payload:    buildOfflinePayload("merossbridge-test"),
			status:     "offline",
			wantReason: "graceful_shutdown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var decoded map[string]any
			if err := json.Unmarshal([]byte(tt.payload), &decoded); err != nil {
				t.Fatalf("payload is not valid JSON: %v", err)
			}
			if decoded["status"] != tt.status {
				t.Errorf("status = %v, want %v", decoded["status"], tt.status)
			}
			if decoded["client_id"] != "merossbridge-test" {
				t.Errorf("client_id = %v, want merossbridge-test", decoded["client_id"])
			}
			if tt.wantReason != "" && decoded["reason"] != tt.wantReason {
				t.Errorf("reason = %v, want %v", decoded["reason"], tt.wantReason)
			}
			ts, ok := decoded["timestamp"].(string)
			if !ok {
				t.Fatalf("timestamp missing from payload")
			}
			if _, err := time.Parse(time.RFC3339, ts); err != nil {
				t.Errorf("timestamp %q is not RFC3339: %v", ts, err)
			}
		})
	}
}

// =============================================================================
// Topics Tests
// =============================================================================

func TestTopicBuilders(t *testing.T) {
	uuid := "0123456789abcdef0123456789abcdef"

	tests := []struct {
		name     string
		builder  func() string
		expected string
	}{
		{
			name: "BridgeStatus",
			builder: func() string {
				return Topics{}.BridgeStatus()
			},
			expected: "merossbridge/bridge/status",
		},
		{
			name: "DeviceStatus",
			builder: func() string {
				return Topics{}.DeviceStatus(uuid)
			},
			expected: "merossbridge/device/" + uuid + "/status",
		},
		{
			name: "DeviceEvent",
			builder: func() string {
				return Topics{}.DeviceEvent(uuid)
			},
			expected: "merossbridge/device/" + uuid + "/event",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.builder()
			if result != tt.expected {
				t.Errorf("%s() = %q, want %q", tt.name, result, tt.expected)
			}
			if !strings.HasPrefix(result, TopicPrefix) {
				t.Errorf("%s() = %q, missing %q prefix", tt.name, result, TopicPrefix)
			}
		})
	}
}

// =============================================================================
// Handler Wrapping Tests
// =============================================================================

func TestWrapHandlerPanicRecovery(t *testing.T) {
	client := &Client{}
	logger := &mockLogger{}
	client.SetLogger(logger)

	wrapped := client.wrapHandler(func(topic string, payload []byte) error {
		panic("handler exploded")
	})

	// Must not propagate the panic.
	wrapped(nil, fakePahoMessage{topic: "/appliance/abc/publish", payload: []byte("{}")})

	if logger.errorCount() != 1 {
		t.Errorf("logger errors = %d, want 1", logger.errorCount())
	}
}

func TestWrapHandlerPanicWithoutLogger(t *testing.T) {
	client := &Client{}

	wrapped := client.wrapHandler(func(topic string, payload []byte) error {
		panic("handler exploded")
	})

	// No logger set - recovery must still swallow the panic.
	wrapped(nil, fakePahoMessage{topic: "/appliance/abc/publish", payload: []byte("{}")})
}

func TestWrapHandlerErrorLogged(t *testing.T) {
	client := &Client{}
	logger := &mockLogger{}
	client.SetLogger(logger)

	wrapped := client.wrapHandler(func(topic string, payload []byte) error {
		return errors.New("parse failed")
	})

	wrapped(nil, fakePahoMessage{topic: "/appliance/abc/publish", payload: []byte("{}")})

	if logger.warnCount() != 1 {
		t.Errorf("logger warns = %d, want 1", logger.warnCount())
	}
	if logger.errorCount() != 0 {
		t.Errorf("logger errors = %d, want 0", logger.errorCount())
	}
}

func TestWrapHandlerPassesMessage(t *testing.T) {
	client := &Client{}

	var gotTopic string
	var gotPayload []byte
	wrapped := client.wrapHandler(func(topic string, payload []byte) error {
		gotTopic = topic
		gotPayload = payload
		return nil
	})

	wrapped(nil, fakePahoMessage{topic: "/appliance/abc/publish", payload: []byte(`{"header":{}}`)})

	if gotTopic != "/appliance/abc/publish" {
		t.Errorf("handler topic = %q, want /appliance/abc/publish", gotTopic)
	}
	if string(gotPayload) != `{"header":{}}` {
		t.Errorf("handler payload = %q", gotPayload)
	}
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestSetLogger(t *testing.T) {
	client := &Client{}

	logger := &mockLogger{}
	client.SetLogger(logger)

	if client.getLogger() == nil {
		t.Error("getLogger() = nil after SetLogger()")
	}

	client.SetLogger(nil)

	if client.getLogger() != nil {
		t.Error("getLogger() should be nil after SetLogger(nil)")
	}
}
