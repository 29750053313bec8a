package velbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

const defaultHealthInterval = 30 * time.Second

// HealthPublisher is the MQTT side of health reporting.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// HealthReporterConfig configures a HealthReporter.
type HealthReporterConfig struct {
	BridgeID string
	Version  string

	// Interval between periodic reports. Default: 30s.
	Interval time.Duration

	Publisher HealthPublisher

	// Client supplies bus connection state and counters. May be nil.
	Client Connector

	// Clock drives the ticker and timestamps. Default: the real clock.
	Clock clockwork.Clock
}

// HealthReporter publishes retained HealthMessages on graylogic/health/velbus:
// "starting" at startup, the current status every interval, and "stopping"
// on Stop. The broker publishes the "offline" last will if the process dies.
//
// The reported status is healthy only while both MQTT and the bus
// interface are connected.
type HealthReporter struct {
	cfg     HealthReporterConfig
	started time.Time
	devices atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	loggerMu sync.RWMutex
	logger   Logger
}

// NewHealthReporter returns a reporter; call Start to begin periodic reports.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultHealthInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &HealthReporter{
		cfg:     cfg,
		started: cfg.Clock.Now(),
		stopCh:  make(chan struct{}),
	}
}

// Start runs the report loop until ctx is cancelled or Stop is called.
// The first periodic report goes out one interval after Start.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		ticker := h.cfg.Clock.NewTicker(h.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stopCh:
				return
			case <-ticker.Chan():
				if err := h.PublishNow(); err != nil {
					h.logError("failed to publish health", err)
				}
			}
		}
	}()
}

// Stop ends the report loop and publishes "stopping". Repeated calls are no-ops.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		h.wg.Wait()

		if err := h.publish(HealthStopping, ""); err != nil {
			h.logError("failed to publish stopping status", err)
		}
	})
}

// SetDeviceCount sets the devices_managed figure of later reports.
func (h *HealthReporter) SetDeviceCount(count int) {
	h.devices.Store(int64(count))
}

// SetLogger sets the logger used for publish failures.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// PublishStarting reports "starting".
func (h *HealthReporter) PublishStarting() error {
	return h.publish(HealthStarting, "bridge starting")
}

// PublishNow reports the current status outside the interval.
func (h *HealthReporter) PublishNow() error {
	return h.publish(h.status())
}

// LWTPayload returns the encoded last will message.
func (h *HealthReporter) LWTPayload() ([]byte, error) {
	return json.Marshal(NewLWTMessage(h.cfg.BridgeID))
}

// LWTTopic returns the topic the last will is registered on.
func (h *HealthReporter) LWTTopic() string {
	return HealthTopic()
}

func (h *HealthReporter) status() (HealthStatus, string) {
	switch {
	case h.cfg.Publisher == nil || !h.cfg.Publisher.IsConnected():
		return HealthDegraded, "MQTT disconnected"
	case h.cfg.Client == nil || !h.cfg.Client.IsConnected():
		return HealthDegraded, "velbus interface disconnected"
	default:
		return HealthHealthy, ""
	}
}

// publish sends one report. Without a publisher it does nothing.
func (h *HealthReporter) publish(status HealthStatus, reason string) error {
	if h.cfg.Publisher == nil {
		return nil
	}

	var (
		stats  ClientStats
		target string
	)
	if h.cfg.Client != nil {
		stats = h.cfg.Client.Stats()
		target = h.cfg.Client.Target()
	}

	msg := NewHealthMessage(h.cfg.BridgeID, h.cfg.Version, status, target, stats, int(h.devices.Load()), h.started)
	msg.Timestamp = h.cfg.Clock.Now().UTC()
	msg.UptimeSeconds = int64(h.cfg.Clock.Since(h.started).Seconds())
	msg.Reason = reason

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding health message: %w", err)
	}
	return h.cfg.Publisher.Publish(HealthTopic(), payload, 1, true)
}

func (h *HealthReporter) logError(msg string, err error) {
	h.loggerMu.RLock()
	logger := h.logger
	h.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
