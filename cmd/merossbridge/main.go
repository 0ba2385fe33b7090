// merossbridge - Meross LAN appliance bridge
//
// This is the main entry point for the bridge daemon. It maintains live
// protocol sessions with Meross-style appliances over LAN HTTP and a
// local MQTT broker, persists descriptor snapshots and protocol traces,
// forwards channel telemetry to InfluxDB and exposes a REST/WebSocket
// API for inspection and ad-hoc device requests.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/gray-logic-meross/migrations"

	"github.com/nerrad567/gray-logic-meross/internal/api"
	"github.com/nerrad567/gray-logic-meross/internal/engine"
	"github.com/nerrad567/gray-logic-meross/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-meross/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-meross/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-meross/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-meross/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-meross/internal/registry"
	"github.com/nerrad567/gray-logic-meross/internal/telemetry"
	"github.com/nerrad567/gray-logic-meross/internal/trace"
	"github.com/nerrad567/gray-logic-meross/internal/transport"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// sampleChannel is the websocket channel carrying live telemetry
// samples alongside the registry event channels.
const sampleChannel = "device.sample"

func main() {
	configFlag := flag.String("config", "", "path to configuration file")
	flag.Parse()

	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configFlag); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Shutdown runs through the deferred close chain in reverse start order,
// so device engines stop (draining in-flight poll cycles) before the
// broker router and MQTT connection go away.
func run(ctx context.Context, configFlag string) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting merossbridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath(configFlag)
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath, "devices", len(cfg.Devices))

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Connect to the MQTT broker the appliances are paired to
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Shared appliance-topic router over the MQTT connection
	broker := transport.NewBroker(mqttClient, transport.BrokerOptions{
		ResponseTimeout: cfg.GetMQTTResponseTimeout(),
		QoS:             byte(cfg.MQTT.QoS),
		Cloud:           cfg.MQTT.Broker.Cloud,
		RateWindow:      time.Duration(cfg.Protocol.RateLimitWindow) * time.Second,
		RateBurst:       cfg.Protocol.RateLimitBurst,
		Logger:          log,
	})
	if err := broker.Start(); err != nil {
		return fmt.Errorf("starting MQTT router: %w", err)
	}
	defer func() {
		log.Info("stopping MQTT router")
		broker.Stop()
	}()

	// Protocol trace persistence (optional)
	var (
		traceRepo trace.Repository
		traceSink engine.TraceSink
	)
	if cfg.Trace.Enabled {
		repo := trace.NewSQLiteRepository(db.DB)
		store, storeErr := trace.NewStore(trace.StoreOptions{
			Repository: repo,
			MaxEntries: cfg.Trace.MaxEntries,
			Logger:     log,
		})
		if storeErr != nil {
			return fmt.Errorf("starting trace store: %w", storeErr)
		}
		defer func() {
			log.Info("stopping trace store")
			store.Stop()
		}()
		traceRepo = repo
		traceSink = store
		log.Info("protocol tracing enabled", "max_entries", cfg.Trace.MaxEntries)
	}

	// WebSocket hub, created up front so the registry and telemetry
	// callbacks can broadcast into it. The API server reuses it.
	var hub *api.Hub
	if cfg.API.Enabled {
		hub = api.NewHub(log)
		go hub.Run(ctx)
	}

	// Telemetry fan-out to InfluxDB (and live websocket clients)
	var telem *telemetry.Writer
	if influxClient != nil {
		telem, err = telemetry.NewWriter(telemetry.WriterOptions{
			Points: influxClient,
			Logger: log,
			OnSample: func(s telemetry.Sample) {
				if hub != nil {
					hub.Broadcast(sampleChannel, s)
				}
			},
		})
		if err != nil {
			return fmt.Errorf("starting telemetry writer: %w", err)
		}
		defer func() {
			log.Info("stopping telemetry writer")
			telem.Stop()
		}()
	}

	// Device registry: one engine + HTTP transport per configured
	// appliance, sharing the MQTT router
	reg, err := registry.New(registry.Options{
		Config: cfg,
		Broker: broker,
		Repo:   registry.NewSQLiteRepository(db.DB),
		Logger: log,
		Trace:  traceSink,
		OnEvent: func(e registry.Event) {
			if hub != nil {
				hub.Broadcast(string(e.Type), e)
			}
		},
		OnDescriptor: func(d *engine.Device) {
			if telem != nil {
				telem.Attach(d)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("creating device registry: %w", err)
	}
	if err := reg.Start(ctx); err != nil {
		return fmt.Errorf("starting device registry: %w", err)
	}
	defer func() {
		log.Info("stopping device registry")
		reg.Stop()
	}()
	log.Info("device registry started", "devices", reg.Count())

	// REST/WebSocket API (optional)
	if cfg.API.Enabled {
		apiServer, apiErr := api.New(api.Deps{
			Config:    cfg.API,
			Security:  cfg.Security,
			Logger:    log,
			Registry:  reg,
			TraceRepo: traceRepo,
			Hub:       hub,
			Version:   version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := apiServer.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			log.Info("stopping API server")
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API disabled")
	}

	// Retained bridge and per-device status over MQTT
	reporter := registry.NewHealthReporter(registry.HealthReporterConfig{
		SiteID:    cfg.Site.ID,
		Version:   version,
		Publisher: mqttClient,
		Registry:  reg,
		Logger:    log,
	})
	reporter.Start(ctx)
	defer func() {
		log.Info("stopping health reporter")
		reporter.Stop()
	}()

	// Verify all infrastructure connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order: health reporter,
	// API server, device registry (engines drain in-flight cycles),
	// telemetry writer, trace store, MQTT router, MQTT connection,
	// InfluxDB, database.

	log.Info("merossbridge stopped")
	return nil
}

// getConfigPath returns the configuration file path. The -config flag
// wins, then the MEROSSBRIDGE_CONFIG environment variable, then the
// default.
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if path := os.Getenv("MEROSSBRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
// influxClient may be nil when telemetry is disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
