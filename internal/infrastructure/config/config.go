package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Meross bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site     SiteConfig     `yaml:"site"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	API      APIConfig      `yaml:"api"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
	Protocol ProtocolConfig `yaml:"protocol"`
	Security SecurityConfig `yaml:"security"`
	Trace    TraceConfig    `yaml:"trace"`
	Devices  []DeviceConfig `yaml:"devices"`
}

// SiteConfig contains site-wide bridge settings.
type SiteConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`

	// Key is the default device signing key, used for devices that do not
	// declare their own and for identifying devices seen on the discovery
	// topic. Devices paired to a local broker commonly share one key.
	Key string `yaml:"key"`

	// Discovery enables identification of unconfigured devices appearing
	// on the /appliance/+/publish topic.
	Discovery bool `yaml:"discovery"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
//
// The broker is the same one the appliances are paired to: the bridge
// publishes requests on the per-device subscribe topics and listens on the
// publish topics, alongside its own status topics.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`

	// Cloud marks the broker as a cloud relay rather than a LAN
	// broker. Cloud publishes are rate limited and smart polling
	// defers queries the relay would be asked too often.
	Cloud bool `yaml:"cloud"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// ProtocolConfig contains device protocol tunables.
//
// The smoothing and budget-shrink values are empirically tuned against real
// appliance firmware; they are configuration, not protocol guarantees.
type ProtocolConfig struct {
	// PollingPeriod is the default per-device polling interval in seconds.
	PollingPeriod int `yaml:"polling_period"`

	// PollingPeriodMin is the floor for configured per-device intervals.
	PollingPeriodMin int `yaml:"polling_period_min"`

	// HeartbeatPeriod caps the offline polling backoff and paces the
	// transport liveness probes, in seconds.
	HeartbeatPeriod int `yaml:"heartbeat_period"`

	// TimestampTolerance is the maximum accepted absolute clock drift in
	// seconds before the bridge tries to reconfigure the device clock.
	TimestampTolerance int `yaml:"timestamp_tolerance"`

	// ClockWeight is the exponential smoothing weight applied to the
	// previous clock-drift estimate on every received message.
	ClockWeight float64 `yaml:"clock_weight"`

	// MultipleHeaderSize is the byte overhead charged to a batched envelope
	// before any packed request.
	MultipleHeaderSize int `yaml:"multiple_header_size"`

	// ResponseSizeMin seeds the smallest known-good response size estimate.
	ResponseSizeMin int `yaml:"response_size_min"`

	// SizeShrinkFactor positions the new response budget between the known
	// good minimum and the failed maximum when a batch draws no reply.
	// 0.5 picks the midpoint.
	SizeShrinkFactor float64 `yaml:"size_shrink_factor"`

	// HTTPTimeout is the total per-request HTTP timeout in seconds.
	HTTPTimeout int `yaml:"http_timeout"`

	// HTTPConnectTimeoutMax caps the escalating HTTP connect timeout in
	// seconds. The first attempt starts at one second and doubles.
	HTTPConnectTimeoutMax int `yaml:"http_connect_timeout_max"`

	// MQTTResponseTimeout is how long a published request waits for its
	// correlated response before the transaction is abandoned, in seconds.
	MQTTResponseTimeout int `yaml:"mqtt_response_timeout"`

	// RateLimitWindow and RateLimitBurst bound per-device MQTT publishing:
	// at most RateLimitBurst publishes per rolling RateLimitWindow seconds.
	RateLimitWindow int `yaml:"rate_limit_window"`
	RateLimitBurst  int `yaml:"rate_limit_burst"`

	// CloudQueueMax is the per-cycle quota of queueable cloud-relayed polls.
	CloudQueueMax int `yaml:"cloud_queue_max"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	// APISecret is the shared secret exchanged at POST /auth/login for a
	// session token. Distinct from the JWT signing secret.
	APISecret string `yaml:"api_secret"`

	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings for the API.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"`
}

// TraceConfig contains protocol trace settings.
type TraceConfig struct {
	Enabled bool `yaml:"enabled"`

	// MaxEntries bounds the retained trace rows per device.
	MaxEntries int `yaml:"max_entries"`
}

// DeviceConfig describes one configured appliance.
type DeviceConfig struct {
	// UUID is the 32 hex character appliance identifier.
	UUID string `yaml:"uuid"`

	// Host is the LAN address for HTTP transport. Optional for MQTT-only
	// devices.
	Host string `yaml:"host"`

	// Key is the signing key; falls back to site.key when empty.
	Key string `yaml:"key,omitempty"`

	// Protocol selects the transport policy: auto, http or mqtt.
	Protocol string `yaml:"protocol"`

	// PollingPeriod overrides protocol.polling_period for this device.
	PollingPeriod int `yaml:"polling_period,omitempty"`

	// Timezone the device clock should be configured to; falls back to
	// site.timezone when empty.
	Timezone string `yaml:"timezone,omitempty"`

	// Encrypt enables AES payload encryption over HTTP for firmwares that
	// require it.
	Encrypt bool `yaml:"encrypt,omitempty"`
}

var uuidPattern = regexp.MustCompile(`^[a-fA-F0-9]{32}$`)

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: MEROSSBRIDGE_SECTION_KEY
// For example: MEROSSBRIDGE_DATABASE_PATH, MEROSSBRIDGE_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:       "site-001",
			Name:     "Meross Bridge",
			Timezone: "UTC",
		},
		Database: DatabaseConfig{
			Path:        "./data/merossbridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "merossbridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8085,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Protocol: ProtocolConfig{
			PollingPeriod:         30,
			PollingPeriodMin:      5,
			HeartbeatPeriod:       295,
			TimestampTolerance:    5,
			ClockWeight:           0.9,
			MultipleHeaderSize:    300,
			ResponseSizeMin:       1000,
			SizeShrinkFactor:      0.5,
			HTTPTimeout:           10,
			HTTPConnectTimeoutMax: 5,
			MQTTResponseTimeout:   15,
			RateLimitWindow:       60,
			RateLimitBurst:        6,
			CloudQueueMax:         1,
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 15,
			},
		},
		Trace: TraceConfig{
			Enabled:    false,
			MaxEntries: 500,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: MEROSSBRIDGE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("MEROSSBRIDGE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("MEROSSBRIDGE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("MEROSSBRIDGE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("MEROSSBRIDGE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("MEROSSBRIDGE_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("MEROSSBRIDGE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Site device key (IMPORTANT: prefer the environment over the file)
	if v := os.Getenv("MEROSSBRIDGE_DEVICE_KEY"); v != "" {
		cfg.Site.Key = v
	}

	// Security - secrets (IMPORTANT: always override in production)
	if v := os.Getenv("MEROSSBRIDGE_API_SECRET"); v != "" {
		cfg.Security.APISecret = v
	}
	if v := os.Getenv("MEROSSBRIDGE_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Site validation
	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// API validation
	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}

		// JWT secret is REQUIRED when the API is served. The request
		// endpoint can actuate physical devices, so forgeable tokens are
		// not an acceptable failure mode.
		const minJWTSecretLength = 32
		if c.Security.JWT.Secret == "" {
			errs = append(errs, "security.jwt.secret is required (set MEROSSBRIDGE_JWT_SECRET environment variable)")
		} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
			errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
		}

		if c.Security.APISecret == "" {
			errs = append(errs, "security.api_secret is required (set MEROSSBRIDGE_API_SECRET environment variable)")
		}
	}

	// Protocol validation
	if c.Protocol.PollingPeriodMin < 1 {
		errs = append(errs, "protocol.polling_period_min must be at least 1")
	}
	if c.Protocol.PollingPeriod < c.Protocol.PollingPeriodMin {
		errs = append(errs, "protocol.polling_period must not be below protocol.polling_period_min")
	}
	if c.Protocol.ClockWeight < 0 || c.Protocol.ClockWeight >= 1 {
		errs = append(errs, "protocol.clock_weight must be in [0, 1)")
	}
	if c.Protocol.SizeShrinkFactor <= 0 || c.Protocol.SizeShrinkFactor >= 1 {
		errs = append(errs, "protocol.size_shrink_factor must be in (0, 1)")
	}

	// Device validation
	seen := make(map[string]bool, len(c.Devices))
	for i, dev := range c.Devices {
		prefix := fmt.Sprintf("devices[%d]", i)
		if !uuidPattern.MatchString(dev.UUID) {
			errs = append(errs, prefix+".uuid must be 32 hex characters")
		} else if seen[strings.ToLower(dev.UUID)] {
			errs = append(errs, prefix+".uuid is duplicated")
		} else {
			seen[strings.ToLower(dev.UUID)] = true
		}
		switch dev.Protocol {
		case "", "auto", "http", "mqtt":
		default:
			errs = append(errs, prefix+".protocol must be auto, http or mqtt")
		}
		if dev.Host == "" && dev.Protocol == "http" {
			errs = append(errs, prefix+".host is required for http protocol")
		}
		if dev.PollingPeriod != 0 && dev.PollingPeriod < c.Protocol.PollingPeriodMin {
			errs = append(errs, prefix+".polling_period must not be below protocol.polling_period_min")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetHTTPTimeout returns the device HTTP total timeout as a Duration.
func (c *Config) GetHTTPTimeout() time.Duration {
	return time.Duration(c.Protocol.HTTPTimeout) * time.Second
}

// GetMQTTResponseTimeout returns the MQTT transaction timeout as a Duration.
func (c *Config) GetMQTTResponseTimeout() time.Duration {
	return time.Duration(c.Protocol.MQTTResponseTimeout) * time.Second
}

// DeviceKey returns the signing key for a device entry, falling back to the
// site key.
func (c *Config) DeviceKey(dev DeviceConfig) string {
	if dev.Key != "" {
		return dev.Key
	}
	return c.Site.Key
}

// DevicePollingPeriod returns the polling period for a device entry in
// seconds, falling back to the protocol default.
func (c *Config) DevicePollingPeriod(dev DeviceConfig) int {
	if dev.PollingPeriod >= c.Protocol.PollingPeriodMin {
		return dev.PollingPeriod
	}
	return c.Protocol.PollingPeriod
}
