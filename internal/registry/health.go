package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-meross/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-meross/internal/infrastructure/mqtt"
)

// Bridge health states published on the status topics.
const (
	HealthStarting = "starting"
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthStopping = "stopping"
)

const defaultHealthInterval = 30 * time.Second

// HealthPublisher is the interface for publishing status messages.
// This is typically implemented by the MQTT client.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// HealthMessage is the bridge status payload.
type HealthMessage struct {
	SiteID        string `json:"site_id"`
	Version       string `json:"version"`
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
	Devices       int    `json:"devices"`
	DevicesOnline int    `json:"devices_online"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Timestamp     string `json:"timestamp"`
}

// deviceStatusMessage is the per-appliance status payload.
type deviceStatusMessage struct {
	UUID      string `json:"uuid"`
	Online    bool   `json:"online"`
	Route     string `json:"route"`
	Timestamp string `json:"timestamp"`
}

// HealthReporterConfig configures a HealthReporter.
type HealthReporterConfig struct {
	// SiteID identifies the bridge in status messages.
	SiteID string

	// Version is the bridge software version.
	Version string

	// Interval is how often to publish. Default: 30 seconds.
	Interval time.Duration

	// Publisher is the MQTT client for publishing messages.
	Publisher HealthPublisher

	// Registry provides the device population being reported on.
	Registry *Registry

	Logger *logging.Logger
}

// HealthReporter periodically publishes retained bridge and per-device
// status over MQTT.
type HealthReporter struct {
	siteID    string
	version   string
	startTime time.Time
	interval  time.Duration
	publisher HealthPublisher
	registry  *Registry
	log       *logging.Logger
	topics    mqtt.Topics

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewHealthReporter creates a health reporter. Call Start to begin
// reporting.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	return &HealthReporter{
		siteID:    cfg.SiteID,
		version:   cfg.Version,
		startTime: time.Now(),
		interval:  interval,
		publisher: cfg.Publisher,
		registry:  cfg.Registry,
		log:       logger.With("component", "health"),
		done:      make(chan struct{}),
	}
}

// Start begins periodic reporting. Call Stop to shut down.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop halts reporting and publishes a final stopping status. Safe to
// call more than once.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()
		if err := h.publishBridge(HealthStopping, ""); err != nil {
			h.log.Debug("final status publish failed", "error", err)
		}
	})
}

// PublishNow publishes the current status immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	if err := h.publishBridge(status, reason); err != nil {
		return err
	}
	h.publishDevices()
	return nil
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	if err := h.PublishNow(); err != nil {
		h.log.Warn("initial status publish failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.log.Warn("status publish failed", "error", err)
			}
		}
	}
}

// determineStatus evaluates the current bridge status.
func (h *HealthReporter) determineStatus() (string, string) {
	if h.publisher == nil || !h.publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}
	if h.registry != nil {
		total := h.registry.Count()
		if total > 0 && h.registry.OnlineCount() == 0 {
			return HealthDegraded, "no devices reachable"
		}
	}
	return HealthHealthy, ""
}

func (h *HealthReporter) publishBridge(status, reason string) error {
	if h.publisher == nil {
		return nil
	}

	msg := HealthMessage{
		SiteID:        h.siteID,
		Version:       h.version,
		Status:        status,
		Reason:        reason,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
	if h.registry != nil {
		msg.Devices = h.registry.Count()
		msg.DevicesOnline = h.registry.OnlineCount()
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return h.publisher.Publish(h.topics.BridgeStatus(), payload, 1, true)
}

// publishDevices publishes one retained status message per managed
// device. Best-effort; a failing publish is logged and skipped.
func (h *HealthReporter) publishDevices() {
	if h.publisher == nil || h.registry == nil {
		return
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for _, d := range h.registry.List() {
		msg := deviceStatusMessage{
			UUID:      d.DeviceID(),
			Online:    d.Online(),
			Route:     d.CurrentRoute().String(),
			Timestamp: now,
		}
		payload, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		topic := h.topics.DeviceStatus(d.DeviceID())
		if err := h.publisher.Publish(topic, payload, 1, true); err != nil {
			h.log.Debug("device status publish failed",
				"uuid", d.DeviceID(), "error", err)
		}
	}
}
