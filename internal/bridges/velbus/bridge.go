package velbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// minTopicParts is the minimum number of parts in a valid MQTT topic.
const minTopicParts = 3

// Connector is the part of the Client the bridge drives.
type Connector interface {
	Bus
	IsConnected() bool
	Stats() ClientStats
	Target() string
	SetOnStateChange(callback func(ConnectionState))
	SetDefaultPacketListener(listener PacketListener)
	SendTimeUpdate()
}

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// TelemetryWriter receives numeric readings for time-series storage.
// Satisfied by *influxdb.Client.
type TelemetryWriter interface {
	WriteDeviceMetric(deviceID string, measurement string, value float64)
}

// Bridge orchestrates bidirectional translation between Velbus and MQTT.
// It handles:
//   - Receiving commands from Core via MQTT and executing them on modules
//   - Publishing decoded module state to MQTT
//   - Health reporting, discovery and graceful shutdown
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	cfg       *Config
	mqtt      MQTTClient
	client    Connector
	health    *HealthReporter
	recorder  *ModuleRecorder // Optional passive discovery
	telemetry TelemetryWriter // Optional time-series sink

	// Modules keyed by device ID, built from config.
	modules map[string]*Module

	// Merged state per device, for change detection.
	stateCache   map[string]map[string]any
	stateCacheMu sync.Mutex

	clock    clockwork.Clock
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// Config is the loaded bridge configuration.
	Config *Config

	// MQTTClient is the MQTT client implementation.
	MQTTClient MQTTClient

	// Client is the Velbus connection.
	Client Connector

	// Recorder is the optional module recorder, installed as the default
	// packet listener.
	Recorder *ModuleRecorder

	// Telemetry is the optional sink for numeric readings.
	Telemetry TelemetryWriter

	// Version is reported in health messages.
	Version string

	// Clock drives module polling and health reports. Default: the real clock.
	Clock clockwork.Clock

	// Logger is optional structured logger.
	Logger Logger
}

// NewBridge creates a bridge and a module handler for every configured
// module. Call Start to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("%w: config is required", ErrInvalidConfig)
	}
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("%w: MQTT client is required", ErrInvalidConfig)
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("%w: velbus client is required", ErrInvalidConfig)
	}

	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	b := &Bridge{
		cfg:        opts.Config,
		mqtt:       opts.MQTTClient,
		client:     opts.Client,
		recorder:   opts.Recorder,
		telemetry:  opts.Telemetry,
		modules:    make(map[string]*Module, len(opts.Config.Modules)),
		stateCache: make(map[string]map[string]any),
		clock:      clock,
		logger:     opts.Logger,
	}

	catalogue := NewCatalogue()
	memoryMap := NewMemoryMap()
	for i, mc := range opts.Config.Modules {
		typ, address, subs, err := mc.Resolve(catalogue)
		if err != nil {
			return nil, fmt.Errorf("modules[%d]: %w", i, err)
		}
		m, err := NewModule(ModuleOptions{
			DeviceID:        mc.DeviceID,
			Type:            typ,
			Address:         address,
			SubAddresses:    subs,
			Bus:             opts.Client,
			Publisher:       b,
			MemoryMap:       memoryMap,
			RefreshInterval: opts.Config.GetRefreshInterval(),
			Clock:           clock,
			Logger:          opts.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("modules[%d]: %w", i, err)
		}
		b.modules[mc.DeviceID] = m
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  opts.Config.Bridge.ID,
		Version:   opts.Version,
		Interval:  opts.Config.GetHealthInterval(),
		Publisher: opts.MQTTClient,
		Client:    opts.Client,
		Clock:     clock,
	})
	b.health.SetDeviceCount(len(b.modules))
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// Start begins bridge operation.
// This registers the modules with the client, subscribes to MQTT topics
// and starts health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	if b.recorder != nil {
		b.recorder.SetOnDiscovered(b.publishDiscovery)
		b.client.SetDefaultPacketListener(b.recorder)
	}
	b.client.SetOnStateChange(b.handleConnectionState)

	for _, id := range b.deviceIDs() {
		if err := b.modules[id].Initialize(); err != nil {
			return fmt.Errorf("initialize %s: %w", id, err)
		}
	}

	commandTopic := CommandSubscribeTopic()
	if err := b.mqtt.Subscribe(commandTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", commandTopic)

	requestTopic := RequestSubscribeTopic()
	if err := b.mqtt.Subscribe(requestTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to requests: %w", err)
	}
	b.logInfo("subscribed to requests", "topic", requestTopic)

	b.health.Start(ctx)
	if err := b.health.PublishNow(); err != nil {
		b.logError("failed to publish health status", err)
	}

	b.logInfo("bridge started",
		"bridge_id", b.cfg.Bridge.ID,
		"modules", len(b.modules),
		"target", b.client.Target())

	return nil
}

// Stop gracefully shuts down the bridge. The client is not closed.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.client.SetOnStateChange(nil)
		for _, m := range b.modules {
			m.Dispose()
		}
		if b.recorder != nil {
			b.client.SetDefaultPacketListener(nil)
		}

		// Publishes the "stopping" status.
		b.health.Stop()

		b.logInfo("bridge stopped")
	})
}

// handleConnectionState refreshes every module once the bus is back so
// state missed while offline is published again.
func (b *Bridge) handleConnectionState(state ConnectionState) {
	b.logInfo("velbus connection state changed", "state", state.String())

	if state == StateConnected {
		// Replies to the refresh must publish even when unchanged.
		b.ClearStateCache()
		for _, id := range b.deviceIDs() {
			if err := b.modules[id].Refresh(); err != nil {
				b.logDebug("refresh skipped", "device", id, "reason", err.Error())
			}
		}
	}

	if err := b.health.PublishNow(); err != nil {
		b.logError("failed to publish health status", err)
	}
}

// handleMQTTMessage routes incoming MQTT messages to appropriate handlers.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) < minTopicParts {
		b.logError("invalid topic format", fmt.Errorf("topic: %s", topic))
		return
	}

	switch parts[1] {
	case "command":
		b.handleCommand(parts[len(parts)-1], payload)
	case "request":
		b.handleRequest(payload)
	default:
		b.logError("unknown message type", fmt.Errorf("type: %s", parts[1]))
	}
}

// handleCommand executes a command message from Core on its module.
// The device ID in the payload wins over the one in the topic.
func (b *Bridge) handleCommand(topicDeviceID string, payload []byte) {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logError("failed to parse command", err)
		return
	}
	if cmd.DeviceID == "" {
		cmd.DeviceID = topicDeviceID
	}

	b.logInfo("received command",
		"command_id", cmd.ID,
		"device_id", cmd.DeviceID,
		"command", cmd.Command)

	m, ok := b.modules[cmd.DeviceID]
	if !ok {
		b.publishAckError(cmd, "", ErrCodeNotConfigured,
			fmt.Sprintf("device %s not configured", cmd.DeviceID))
		return
	}

	address := FormatAddress(m.Address())
	if err := m.Execute(cmd.Command, cmd.Parameters); err != nil {
		b.publishAckError(cmd, address, ackErrorCode(err), err.Error())
		return
	}
	b.publishAck(cmd, address, AckAccepted)
}

// ackErrorCode maps a command error onto an acknowledgment error code.
func ackErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnsupportedCommand):
		return ErrCodeInvalidCommand
	case errors.Is(err, ErrInvalidParameter),
		errors.Is(err, ErrInvalidChannel),
		errors.Is(err, ErrInvalidAlarm):
		return ErrCodeInvalidParameters
	case errors.Is(err, ErrNotConnected),
		errors.Is(err, ErrSendQueueFull),
		errors.Is(err, ErrClosed):
		return ErrCodeDeviceUnreachable
	default:
		return ErrCodeBridgeError
	}
}

func (b *Bridge) publishAck(cmd CommandMessage, address string, status AckStatus) {
	b.publishJSON(AckTopic(cmd.DeviceID), NewAckMessage(cmd, status, address), false)
}

func (b *Bridge) publishAckError(cmd CommandMessage, address, code, message string) {
	b.publishJSON(AckTopic(cmd.DeviceID), NewAckError(cmd, address, code, message), false)
	b.logError("command failed",
		fmt.Errorf("device=%s code=%s message=%s", cmd.DeviceID, code, message))
}

// PublishState merges a module's state update into the cached device
// state and publishes the full state when anything changed.
// Implements StatePublisher.
func (b *Bridge) PublishState(deviceID string, state map[string]any) {
	b.stateCacheMu.Lock()
	cached := b.stateCache[deviceID]
	if cached == nil {
		cached = make(map[string]any, len(state))
		b.stateCache[deviceID] = cached
	}
	changed := make(map[string]any)
	for k, v := range state {
		if old, ok := cached[k]; ok && reflect.DeepEqual(old, v) {
			continue
		}
		cached[k] = v
		changed[k] = v
	}
	snapshot := maps.Clone(cached)
	b.stateCacheMu.Unlock()

	if len(changed) == 0 {
		return
	}

	address := ""
	if m, ok := b.modules[deviceID]; ok {
		address = FormatAddress(m.Address())
	}
	msg := NewStateMessage(deviceID, address, snapshot)
	msg.Timestamp = b.clock.Now().UTC()
	b.publishJSON(StateTopic(deviceID), msg, true)

	if b.telemetry != nil {
		for k, v := range changed {
			if f, ok := numericValue(v); ok {
				b.telemetry.WriteDeviceMetric(deviceID, k, f)
			}
		}
	}
}

// numericValue returns readings as float64. Booleans are not telemetry.
func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// State returns a copy of the cached state of a device.
func (b *Bridge) State(deviceID string) map[string]any {
	b.stateCacheMu.Lock()
	defer b.stateCacheMu.Unlock()
	return maps.Clone(b.stateCache[deviceID])
}

// ClearStateCache removes all cached state.
func (b *Bridge) ClearStateCache() {
	b.stateCacheMu.Lock()
	b.stateCache = make(map[string]map[string]any)
	b.stateCacheMu.Unlock()
}

func (b *Bridge) publishDiscovery(device DiscoveredDevice) {
	b.logInfo("module discovered", "address", device.Address, "product", device.Product)
	b.publishJSON(DiscoveryTopic(), DiscoveryMessage{
		Timestamp: b.clock.Now().UTC(),
		Bridge:    b.cfg.Bridge.ID,
		Devices:   []DiscoveredDevice{device},
	}, false)
}

// handleRequest processes a request message from Core.
func (b *Bridge) handleRequest(payload []byte) {
	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		b.logError("failed to parse request", err)
		return
	}

	b.logInfo("received request",
		"request_id", req.RequestID,
		"action", req.Action)

	var resp ResponseMessage
	switch req.Action {
	case "read_state":
		resp = b.handleReadState(req)
	case "read_all":
		resp = b.handleReadAll(req)
	case "sync_time":
		b.client.SendTimeUpdate()
		resp = b.successResponse(req, nil)
	default:
		resp = b.errorResponse(req, ErrCodeInvalidCommand, fmt.Sprintf("unknown action: %s", req.Action))
	}

	b.publishJSON(ResponseTopic(req.RequestID), resp, false)
}

// handleReadState returns the cached state and asks the module for a
// fresh status; updates follow on the state topic.
func (b *Bridge) handleReadState(req RequestMessage) ResponseMessage {
	if req.DeviceID == "" {
		return b.errorResponse(req, ErrCodeInvalidParameters, "device_id is required")
	}
	m, ok := b.modules[req.DeviceID]
	if !ok {
		return b.errorResponse(req, ErrCodeNotConfigured, fmt.Sprintf("device %s not configured", req.DeviceID))
	}
	if err := m.Refresh(); err != nil {
		return b.errorResponse(req, ErrCodeDeviceUnreachable, err.Error())
	}
	return b.successResponse(req, map[string]any{
		"state":   b.State(req.DeviceID),
		"message": "status requested, state updates will follow",
	})
}

func (b *Bridge) handleReadAll(req RequestMessage) ResponseMessage {
	refreshed := 0
	for _, id := range b.deviceIDs() {
		if err := b.modules[id].Refresh(); err != nil {
			return b.errorResponse(req, ErrCodeDeviceUnreachable,
				fmt.Sprintf("refresh %s: %v", id, err))
		}
		refreshed++
	}
	return b.successResponse(req, map[string]any{
		"modules_refreshed": refreshed,
		"message":           "status requested, state updates will follow",
	})
}

func (b *Bridge) successResponse(req RequestMessage, data map[string]any) ResponseMessage {
	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: b.clock.Now().UTC(),
		Success:   true,
		Data:      data,
	}
}

func (b *Bridge) errorResponse(req RequestMessage, code, message string) ResponseMessage {
	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: b.clock.Now().UTC(),
		Success:   false,
		Error:     &ResponseError{Code: code, Message: message},
	}
}

func (b *Bridge) publishJSON(topic string, v any, retained bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logError("failed to marshal message", err)
		return
	}
	if err := b.mqtt.Publish(topic, payload, 1, retained); err != nil {
		b.logError("failed to publish", fmt.Errorf("topic=%s: %w", topic, err))
	}
}

// deviceIDs returns the configured device IDs in sorted order.
func (b *Bridge) deviceIDs() []string {
	ids := make([]string, 0, len(b.modules))
	for id := range b.modules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Module returns the handler for a device.
func (b *Bridge) Module(deviceID string) (*Module, bool) {
	m, ok := b.modules[deviceID]
	return m, ok
}

// LWTTopic returns the topic of the bridge's MQTT last will.
func (b *Bridge) LWTTopic() string {
	return b.health.LWTTopic()
}

// LWTPayload returns the last will message published by the broker.
func (b *Bridge) LWTPayload() ([]byte, error) {
	return b.health.LWTPayload()
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()

	b.health.SetLogger(logger)
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

// BridgeMetrics summarises the bridge for status endpoints.
type BridgeMetrics struct {
	Connected      bool
	Status         string
	PacketsTx      uint64
	PacketsRx      uint64
	DevicesManaged int
	LastActivity   time.Time
}

// GetMetrics returns current bridge metrics.
func (b *Bridge) GetMetrics() BridgeMetrics {
	stats := b.client.Stats()
	return BridgeMetrics{
		Connected:      stats.State == StateConnected,
		Status:         stats.State.String(),
		PacketsTx:      stats.PacketsTx,
		PacketsRx:      stats.PacketsRx,
		DevicesManaged: len(b.modules),
		LastActivity:   stats.LastActivity,
	}
}
