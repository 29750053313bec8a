// Gray Logic Velbus Bridge
//
// This is the main entry point for the Velbus bridge process. It connects a
// Velbus interface (USB serial or a TCP server such as velserv) to the
// Gray Logic MQTT bus:
//   - Commands arrive on graylogic/command/velbus/{device_id}
//   - Module state is published on graylogic/state/velbus/{device_id}
//   - Bridge health is published on graylogic/health/velbus
//
// Bus statistics are exported for Prometheus and, when enabled, sampled
// into InfluxDB.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	_ "github.com/nerrad567/gray-logic-velbus/migrations"

	"github.com/nerrad567/gray-logic-velbus/internal/bridges/velbus"
	"github.com/nerrad567/gray-logic-velbus/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-velbus/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-velbus/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-velbus/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-velbus/internal/infrastructure/mqtt"
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

const (
	// metricsShutdownTimeout bounds the graceful stop of the metrics server.
	metricsShutdownTimeout = 5 * time.Second

	// metricsReadHeaderTimeout guards the metrics endpoint against slow clients.
	metricsReadHeaderTimeout = 5 * time.Second

	// healthCheckTimeout bounds the startup health check.
	healthCheckTimeout = 10 * time.Second
)

func main() {
	// Cancel on Ctrl+C and SIGTERM for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Gray Logic Velbus bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	defer log.Close() //nolint:errcheck // Nothing useful to do with a close error at exit
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"output", cfg.Logging.Output,
	)

	// The bridge config decides the MQTT last will, so load it first
	var busCfg *velbus.Config
	if cfg.Protocols.Velbus.Enabled {
		busCfg, err = velbus.LoadConfig(cfg.Protocols.Velbus.ConfigFile)
		if err != nil {
			return fmt.Errorf("loading velbus config: %w", err)
		}
		log.Info("velbus config loaded",
			"path", cfg.Protocols.Velbus.ConfigFile,
			"modules", len(busCfg.Modules),
		)
	}

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

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	will, err := bridgeWill(busCfg)
	if err != nil {
		return fmt.Errorf("building MQTT last will: %w", err)
	}

	mqttOpts := []mqtt.Option{mqtt.WithLogger(log)}
	if will != nil {
		mqttOpts = append(mqttOpts, mqtt.WithWill(*will))
	}
	mqttClient, err := mqtt.Connect(ctx, cfg.MQTT, mqttOpts...)
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

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	var busClient *velbus.Client
	if busCfg != nil {
		var stopVelbus func()
		busClient, stopVelbus, err = startVelbus(ctx, busCfg, db, mqttClient, influxClient, log)
		if err != nil {
			return err
		}
		defer stopVelbus()
	} else {
		log.Info("Velbus bridge disabled")
	}

	if cfg.Metrics.Enabled {
		var telemetry telemetryStatsSource
		if influxClient != nil {
			telemetry = influxClient
		}
		registry := newMetricsRegistry(busCfg, busClient, mqttClient, telemetry)
		stopMetrics := serveMetrics(cfg.MetricsAddr(), cfg.Metrics.Path, registry, log)
		defer stopMetrics()
	}

	checkCtx, cancelCheck := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancelCheck()
	if err := healthCheck(checkCtx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order:
	// 1. Metrics server
	// 2. Bridge, recorder and Velbus connection
	// 3. InfluxDB (if enabled)
	// 4. MQTT
	// 5. Database

	log.Info("Gray Logic Velbus bridge stopped")
	return nil
}

// startVelbus connects the bus client and starts the bridge on top of it.
// The returned stop function shuts down the bridge and recorder, then
// closes the client. The stats sampler stops when ctx is cancelled.
//
// Parameters:
//   - ctx: Context for startup/cancellation
//   - busCfg: Loaded Velbus bridge configuration
//   - db: Database holding the velbus_modules table
//   - mqttClient: Connected MQTT client
//   - influxClient: InfluxDB client (nil if disabled)
//   - log: Logger instance
//
// Returns:
//   - *velbus.Client: Running bus client
//   - func(): Stops the bridge and closes the client
//   - error: If the client or bridge cannot be started
func startVelbus(ctx context.Context, busCfg *velbus.Config, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client, log *logging.Logger) (*velbus.Client, func(), error) {
	busLog := log.With("component", "velbus", "bridge_id", busCfg.Bridge.ID)

	clientCfg := busCfg.ToClientConfig()
	clientCfg.Logger = busLog
	busClient, err := velbus.NewClient(clientCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("creating velbus client: %w", err)
	}

	// A failed first dial is retried in the background
	if connErr := busClient.Connect(ctx); connErr != nil {
		busLog.Warn("velbus interface not reachable, retrying in background",
			"target", busClient.Target(),
			"error", connErr,
		)
	}

	recorder := velbus.NewModuleRecorder(db.DB, nil, nil)
	recorder.SetLogger(busLog)
	if startErr := recorder.Start(); startErr != nil {
		busClient.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, nil, fmt.Errorf("starting module recorder: %w", startErr)
	}

	opts := velbus.BridgeOptions{
		Config:     busCfg,
		MQTTClient: &mqttBridgeAdapter{client: mqttClient},
		Client:     busClient,
		Recorder:   recorder,
		Version:    version,
		Logger:     busLog,
	}
	if influxClient != nil {
		opts.Telemetry = influxClient
	}

	bridge, err := velbus.NewBridge(opts)
	if err != nil {
		recorder.Stop()
		busClient.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, nil, fmt.Errorf("creating velbus bridge: %w", err)
	}

	if startErr := bridge.Start(ctx); startErr != nil {
		bridge.Stop()
		recorder.Stop()
		busClient.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, nil, fmt.Errorf("starting velbus bridge: %w", startErr)
	}

	if influxClient != nil {
		go sampleBusStats(ctx, busClient, influxClient, busCfg.Bridge.ID, busCfg.GetHealthInterval())
	}

	stop := func() {
		m := bridge.GetMetrics()
		log.Info("stopping Velbus bridge",
			"status", m.Status,
			"devices", m.DevicesManaged,
			"packets_tx", m.PacketsTx,
			"packets_rx", m.PacketsRx,
		)
		bridge.Stop()
		recorder.Stop()
		if closeErr := busClient.Close(); closeErr != nil {
			log.Error("error closing velbus", "error", closeErr)
		}
	}

	return busClient, stop, nil
}

// bridgeWill returns the MQTT last will for the bridge health topic,
// or nil to keep the default system will when the bridge is disabled.
func bridgeWill(busCfg *velbus.Config) (*mqtt.Will, error) {
	if busCfg == nil {
		return nil, nil
	}
	payload, err := json.Marshal(velbus.NewLWTMessage(busCfg.Bridge.ID))
	if err != nil {
		return nil, err
	}
	return &mqtt.Will{
		Topic:    velbus.HealthTopic(),
		Payload:  payload,
		QoS:      1,
		Retained: true,
	}, nil
}

// mqttStatsSource is the part of the MQTT client the metrics endpoint reads.
type mqttStatsSource interface {
	Stats() mqtt.Stats
}

// telemetryStatsSource is the part of the InfluxDB client the metrics endpoint reads.
type telemetryStatsSource interface {
	Stats() influxdb.Stats
}

// newMetricsRegistry builds the Prometheus registry served on the
// metrics endpoint. Bus metrics are only registered when the bridge runs,
// telemetry metrics only when InfluxDB is enabled.
func newMetricsRegistry(busCfg *velbus.Config, busClient *velbus.Client, broker mqttStatsSource, telemetry telemetryStatsSource) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if busCfg != nil && busClient != nil {
		registry.MustRegister(velbus.NewCollector(busCfg.Bridge.ID, busClient))
	}
	if broker != nil {
		registerMQTTMetrics(registry, broker)
	}
	if telemetry != nil {
		registerTelemetryMetrics(registry, telemetry)
	}
	return registry
}

// counterFunc is a graylogic_* counter read from a stats snapshot.
func counterFunc(subsystem, name, help string, value func() uint64) prometheus.Collector {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "graylogic",
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(value()) })
}

// registerTelemetryMetrics exports the InfluxDB write counters.
func registerTelemetryMetrics(registry *prometheus.Registry, telemetry telemetryStatsSource) {
	registry.MustRegister(
		counterFunc("influxdb", "points_queued_total", "Telemetry points queued for InfluxDB.",
			func() uint64 { return telemetry.Stats().Queued }),
		counterFunc("influxdb", "points_dropped_total", "Telemetry points dropped while disconnected.",
			func() uint64 { return telemetry.Stats().Dropped }),
		counterFunc("influxdb", "write_errors_total", "Failed InfluxDB batch writes.",
			func() uint64 { return telemetry.Stats().WriteErrors }),
	)
}

// registerMQTTMetrics exports the broker connection counters.
func registerMQTTMetrics(registry *prometheus.Registry, broker mqttStatsSource) {
	registry.MustRegister(
		counterFunc("mqtt", "messages_published_total", "MQTT messages published.",
			func() uint64 { return broker.Stats().Published }),
		counterFunc("mqtt", "messages_received_total", "MQTT messages delivered to handlers.",
			func() uint64 { return broker.Stats().Received }),
		counterFunc("mqtt", "handler_errors_total", "MQTT handlers that failed or panicked.",
			func() uint64 { return broker.Stats().HandlerErrors }),
		counterFunc("mqtt", "reconnects_total", "MQTT reconnect attempts.",
			func() uint64 { return broker.Stats().Reconnects }),
	)
}

// serveMetrics starts the metrics HTTP server in the background and
// returns a function that shuts it down.
func serveMetrics(addr, path string, registry *prometheus.Registry, log *logging.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: metricsReadHeaderTimeout,
	}

	go func() {
		log.Info("metrics server listening", "addr", addr, "path", path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "error", err)
		}
	}()

	return func() {
		log.Info("stopping metrics server")
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error("error stopping metrics server", "error", err)
		}
	}
}

// busStatsWriter is the part of the InfluxDB client the sampler uses.
type busStatsWriter interface {
	WriteBusStats(bridgeID string, fields map[string]interface{})
}

// sampleBusStats writes the client statistics every interval until ctx
// is cancelled.
func sampleBusStats(ctx context.Context, source velbus.StatsSource, w busStatsWriter, bridgeID string, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.WriteBusStats(bridgeID, busStatsFields(source.Stats()))
		}
	}
}

// busStatsFields converts client statistics to InfluxDB fields.
func busStatsFields(stats velbus.ClientStats) map[string]interface{} {
	return map[string]interface{}{
		"packets_sent":     int64(stats.PacketsTx),
		"packets_received": int64(stats.PacketsRx),
		"packets_dropped":  int64(stats.PacketsDropped),
		"malformed_frames": int64(stats.MalformedFrames),
		"unclaimed_frames": int64(stats.Unclaimed),
		"errors":           int64(stats.ErrorsTotal),
		"reconnects":       int64(stats.ReconnectsTotal),
		"queue_length":     int64(stats.QueueLength),
		"connected":        stats.State == velbus.StateConnected,
	}
}

// getConfigPath returns the configuration file path.
// Uses GRAYLOGIC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
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

	// The Velbus link is not checked here: a missing interface is
	// retried in the background and reported on the health topic.

	return nil
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the Velbus
// bridge's MQTTClient interface. The difference is the handler signature:
//   - Infrastructure mqtt: func(topic, payload []byte) error
//   - Velbus bridge expects: func(topic, payload []byte)
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

// Publish implements velbus.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements velbus.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected implements velbus.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}
