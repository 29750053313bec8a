package velbus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
)

// publishedMessage is one message recorded by mockMQTT.
type publishedMessage struct {
	topic    string
	payload  []byte
	retained bool
}

// mockMQTT records publishes and keeps subscription handlers.
type mockMQTT struct {
	mu            sync.Mutex
	published     []publishedMessage
	subscriptions map[string]func(topic string, payload []byte)
	connected     bool
	subscribeErr  error
}

func newMockMQTT() *mockMQTT {
	return &mockMQTT{
		subscriptions: make(map[string]func(string, []byte)),
		connected:     true,
	}
}

func (m *mockMQTT) Publish(topic string, payload []byte, _ byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, publishedMessage{topic: topic, payload: payload, retained: retained})
	return nil
}

func (m *mockMQTT) Subscribe(topic string, _ byte, handler func(string, []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribeErr != nil {
		return m.subscribeErr
	}
	m.subscriptions[topic] = handler
	return nil
}

func (m *mockMQTT) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// simulateMessage delivers a message as the broker would for a subscription.
func (m *mockMQTT) simulateMessage(t *testing.T, subscription, topic string, v any) {
	t.Helper()
	m.mu.Lock()
	handler := m.subscriptions[subscription]
	m.mu.Unlock()
	if handler == nil {
		t.Fatalf("no subscription for %s", subscription)
	}
	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	handler(topic, payload)
}

func (m *mockMQTT) messages(topic string) []publishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []publishedMessage
	for _, p := range m.published {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func (m *mockMQTT) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = nil
}

// fakeConnector is a fakeBus with the client surface the bridge uses.
type fakeConnector struct {
	*fakeBus
	mu              sync.Mutex
	stats           ClientStats
	onStateChange   func(ConnectionState)
	defaultListener PacketListener
	timeUpdates     int
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{
		fakeBus: newFakeBus(),
		stats:   ClientStats{State: StateConnected, PacketsTx: 3, PacketsRx: 9},
	}
}

func (c *fakeConnector) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats.State == StateConnected
}

func (c *fakeConnector) Stats() ClientStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *fakeConnector) Target() string { return "fake://bus" }

func (c *fakeConnector) SetOnStateChange(callback func(ConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStateChange = callback
}

func (c *fakeConnector) SetDefaultPacketListener(listener PacketListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaultListener = listener
}

func (c *fakeConnector) SendTimeUpdate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeUpdates++
}

// changeState updates the reported state and runs the callback.
func (c *fakeConnector) changeState(s ConnectionState) {
	c.mu.Lock()
	c.stats.State = s
	callback := c.onStateChange
	c.mu.Unlock()
	if callback != nil {
		callback(s)
	}
}

// recordingTelemetry records written readings.
type recordingTelemetry struct {
	mu       sync.Mutex
	readings map[string]float64
}

func (r *recordingTelemetry) WriteDeviceMetric(deviceID, measurement string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.readings == nil {
		r.readings = make(map[string]float64)
	}
	r.readings[deviceID+"/"+measurement] = value
}

func testBridgeConfig() *Config {
	cfg := defaultConfig()
	cfg.Bridge.ID = "velbus-test"
	cfg.Bridge.RefreshInterval = 0
	cfg.Modules = []ModuleConfig{
		{DeviceID: "hall-dimmer", Type: "VMB1DM", Address: "01"},
		{DeviceID: "kitchen-relays", Type: "VMB4RYLD", Address: "10"},
		{DeviceID: "living-panel", Type: "VMBGPO", Address: "20", SubAddresses: []string{"21"}},
	}
	return cfg
}

func newTestBridge(t *testing.T, opts BridgeOptions) (*Bridge, *mockMQTT, *fakeConnector) {
	t.Helper()
	mqtt := newMockMQTT()
	conn := newFakeConnector()

	if opts.Config == nil {
		opts.Config = testBridgeConfig()
	}
	opts.MQTTClient = mqtt
	opts.Client = conn
	if opts.Clock == nil {
		opts.Clock = clockwork.NewFakeClock()
	}

	b, err := NewBridge(opts)
	if err != nil {
		t.Fatalf("NewBridge() error: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(b.Stop)
	return b, mqtt, conn
}

func decodeLast[T any](t *testing.T, msgs []publishedMessage) T {
	t.Helper()
	var v T
	if len(msgs) == 0 {
		t.Fatal("no messages published")
	}
	if err := json.Unmarshal(msgs[len(msgs)-1].payload, &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return v
}

func TestNewBridgeValidation(t *testing.T) {
	mqtt := newMockMQTT()
	conn := newFakeConnector()
	badType := testBridgeConfig()
	badType.Modules = []ModuleConfig{{DeviceID: "x", Type: "VMB9XX", Address: "01"}}

	tests := []struct {
		name    string
		opts    BridgeOptions
		wantErr error
	}{
		{"no config", BridgeOptions{MQTTClient: mqtt, Client: conn}, ErrInvalidConfig},
		{"no mqtt", BridgeOptions{Config: testBridgeConfig(), Client: conn}, ErrInvalidConfig},
		{"no client", BridgeOptions{Config: testBridgeConfig(), MQTTClient: mqtt}, ErrInvalidConfig},
		{"unknown module type", BridgeOptions{Config: badType, MQTTClient: mqtt, Client: conn}, ErrUnknownModuleType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewBridge(tt.opts); !errors.Is(err, tt.wantErr) {
				t.Errorf("NewBridge() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestBridgeStart(t *testing.T) {
	_, mqtt, conn := newTestBridge(t, BridgeOptions{})

	for _, topic := range []string{"graylogic/command/velbus/+", "graylogic/request/velbus/+"} {
		if _, ok := mqtt.subscriptions[topic]; !ok {
			t.Errorf("not subscribed to %s", topic)
		}
	}

	// 01, 10, 20 and 21.
	if n := conn.listenerCount(); n != 4 {
		t.Errorf("registered %d addresses, want 4", n)
	}
	if n := len(conn.frames()); n != 4 {
		t.Errorf("sent %d status requests, want 4", n)
	}

	health := mqtt.messages("graylogic/health/velbus")
	if len(health) != 2 {
		t.Fatalf("published %d health messages, want 2", len(health))
	}
	if !health[1].retained {
		t.Error("health message not retained")
	}
	msg := decodeLast[HealthMessage](t, health)
	if msg.Status != HealthHealthy || msg.DevicesManaged != 3 || msg.Bridge != "velbus-test" {
		t.Errorf("health = %+v, want healthy with 3 devices", msg)
	}
	if msg.Connection == nil || msg.Connection.Target != "fake://bus" {
		t.Errorf("health connection = %+v, want target fake://bus", msg.Connection)
	}
}

func TestBridgeStartSubscribeError(t *testing.T) {
	mqtt := newMockMQTT()
	mqtt.subscribeErr = errors.New("broker gone")

	b, err := NewBridge(BridgeOptions{
		Config:     testBridgeConfig(),
		MQTTClient: mqtt,
		Client:     newFakeConnector(),
		Clock:      clockwork.NewFakeClock(),
	})
	if err != nil {
		t.Fatalf("NewBridge() error: %v", err)
	}
	defer b.Stop()

	if err := b.Start(context.Background()); err == nil {
		t.Error("Start() expected error, got nil")
	}
}

func TestBridgeCommand(t *testing.T) {
	_, mqtt, conn := newTestBridge(t, BridgeOptions{})
	conn.reset()

	mqtt.simulateMessage(t, CommandSubscribeTopic(), CommandTopic("hall-dimmer"), CommandMessage{
		ID:       "cmd-1",
		DeviceID: "hall-dimmer",
		Command:  "on",
	})

	want := []byte{0x0F, 0xF8, 0x01, 0x05, 0x11, 0x01, 0x00, 0xFF, 0xFF, 0xE3, 0x04}
	frames := conn.frames()
	if len(frames) != 1 || !bytes.Equal(frames[0], want) {
		t.Errorf("frames = % X, want % X", frames, want)
	}

	ack := decodeLast[AckMessage](t, mqtt.messages("graylogic/ack/velbus/hall-dimmer"))
	if ack.Status != AckAccepted || ack.CommandID != "cmd-1" || ack.Address != "01" || ack.Protocol != "velbus" {
		t.Errorf("ack = %+v, want accepted for cmd-1 at 01", ack)
	}
}

func TestBridgeCommandDeviceFromTopic(t *testing.T) {
	_, mqtt, conn := newTestBridge(t, BridgeOptions{})
	conn.reset()

	mqtt.simulateMessage(t, CommandSubscribeTopic(), CommandTopic("kitchen-relays"), CommandMessage{
		ID:         "cmd-2",
		Command:    "off",
		Parameters: map[string]any{"channel": "CH2"},
	})

	frames := conn.frames()
	want := RelayPacket(ChannelIdentifier{Address: 0x10, Channel: 0x02}, false).MustEncode()
	if len(frames) != 1 || !bytes.Equal(frames[0], want) {
		t.Errorf("frames = % X, want % X", frames, want)
	}
	ack := decodeLast[AckMessage](t, mqtt.messages(AckTopic("kitchen-relays")))
	if ack.Status != AckAccepted || ack.DeviceID != "kitchen-relays" {
		t.Errorf("ack = %+v, want accepted for kitchen-relays", ack)
	}
}

func TestBridgeCommandErrors(t *testing.T) {
	tests := []struct {
		name     string
		deviceID string
		command  string
		params   map[string]any
		sendErr  error
		wantCode string
	}{
		{"unknown device", "garage", "on", nil, nil, ErrCodeNotConfigured},
		{"unsupported command", "kitchen-relays", "dim", map[string]any{"channel": 1, "level": 50}, nil, ErrCodeInvalidCommand},
		{"bad channel", "kitchen-relays", "on", map[string]any{"channel": 9}, nil, ErrCodeInvalidParameters},
		{"level out of range", "hall-dimmer", "dim", map[string]any{"level": 150}, nil, ErrCodeInvalidParameters},
		{"not connected", "hall-dimmer", "on", nil, ErrNotConnected, ErrCodeDeviceUnreachable},
		{"queue full", "hall-dimmer", "off", nil, ErrSendQueueFull, ErrCodeDeviceUnreachable},
		{"other failure", "hall-dimmer", "off", nil, errors.New("boom"), ErrCodeBridgeError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, mqtt, conn := newTestBridge(t, BridgeOptions{})
			conn.fakeBus.mu.Lock()
			conn.sendErr = tt.sendErr
			conn.fakeBus.mu.Unlock()

			mqtt.simulateMessage(t, CommandSubscribeTopic(), CommandTopic(tt.deviceID), CommandMessage{
				ID:         "cmd-err",
				DeviceID:   tt.deviceID,
				Command:    tt.command,
				Parameters: tt.params,
			})

			ack := decodeLast[AckMessage](t, mqtt.messages(AckTopic(tt.deviceID)))
			if ack.Status != AckFailed {
				t.Errorf("Status = %q, want failed", ack.Status)
			}
			if ack.Error == nil || ack.Error.Code != tt.wantCode {
				t.Errorf("Error = %+v, want code %s", ack.Error, tt.wantCode)
			}
		})
	}
}

func TestBridgeCommandMalformedPayload(t *testing.T) {
	_, mqtt, _ := newTestBridge(t, BridgeOptions{})
	mqtt.reset()

	handler := mqtt.subscriptions[CommandSubscribeTopic()]
	handler(CommandTopic("hall-dimmer"), []byte("{not json"))
	handler("graylogic", []byte("{}"))

	mqtt.mu.Lock()
	n := len(mqtt.published)
	mqtt.mu.Unlock()
	if n != 0 {
		t.Errorf("published %d messages for malformed input, want 0", n)
	}
}

func TestAckErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: x", ErrUnsupportedCommand), ErrCodeInvalidCommand},
		{fmt.Errorf("%w: x", ErrInvalidParameter), ErrCodeInvalidParameters},
		{fmt.Errorf("%w: x", ErrInvalidChannel), ErrCodeInvalidParameters},
		{ErrInvalidAlarm, ErrCodeInvalidParameters},
		{ErrNotConnected, ErrCodeDeviceUnreachable},
		{ErrSendQueueFull, ErrCodeDeviceUnreachable},
		{ErrClosed, ErrCodeDeviceUnreachable},
		{ErrPayloadTooLarge, ErrCodeBridgeError},
	}
	for _, tt := range tests {
		if got := ackErrorCode(tt.err); got != tt.want {
			t.Errorf("ackErrorCode(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestBridgePublishState(t *testing.T) {
	telemetry := &recordingTelemetry{}
	b, mqtt, conn := newTestBridge(t, BridgeOptions{Telemetry: telemetry})
	topic := StateTopic("kitchen-relays")

	conn.deliver(NewPacket(0x10, PriorityLow, CommandRelayStatus, 0x01, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00))
	conn.deliver(NewPacket(0x10, PriorityLow, CommandRelayStatus, 0x02, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00))

	states := mqtt.messages(topic)
	if len(states) != 2 {
		t.Fatalf("published %d states, want 2", len(states))
	}
	if !states[1].retained {
		t.Error("state not retained")
	}
	msg := decodeLast[StateMessage](t, states)
	if msg.DeviceID != "kitchen-relays" || msg.Address != "10" {
		t.Errorf("state = %+v", msg)
	}
	if msg.State["ch1_on"] != true || msg.State["ch2_on"] != false {
		t.Errorf("merged state = %v, want ch1_on true and ch2_on false", msg.State)
	}

	// Unchanged state is not published again.
	conn.deliver(NewPacket(0x10, PriorityLow, CommandRelayStatus, 0x01, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00))
	if n := len(mqtt.messages(topic)); n != 2 {
		t.Errorf("published %d states after repeat, want 2", n)
	}

	// Numeric readings go to telemetry, booleans do not.
	b.PublishState("living-panel", map[string]any{"temperature": 21.5, "heater": true})
	telemetry.mu.Lock()
	readings := telemetry.readings
	telemetry.mu.Unlock()
	if readings["living-panel/temperature"] != 21.5 || len(readings) != 1 {
		t.Errorf("telemetry = %v, want only living-panel/temperature 21.5", readings)
	}

	if got := b.State("kitchen-relays"); len(got) != 2 {
		t.Errorf("State() = %v, want 2 keys", got)
	}
	b.ClearStateCache()
	if got := b.State("kitchen-relays"); len(got) != 0 {
		t.Errorf("State() after clear = %v, want empty", got)
	}
}

func TestBridgeReconnectRefresh(t *testing.T) {
	b, mqtt, conn := newTestBridge(t, BridgeOptions{})
	conn.reset()
	mqtt.reset()
	b.PublishState("hall-dimmer", map[string]any{"ch1_level": 60})

	conn.changeState(StateReconnecting)
	if n := len(conn.frames()); n != 0 {
		t.Errorf("sent %d frames while reconnecting, want 0", n)
	}
	health := decodeLast[HealthMessage](t, mqtt.messages(HealthTopic()))
	if health.Status != HealthDegraded {
		t.Errorf("health while reconnecting = %s, want degraded", health.Status)
	}

	conn.changeState(StateConnected)
	frames := conn.frames()
	// Status of 01, 10, 20, 21 plus the VMBGPO alarm memory reads.
	if len(frames) < 4 {
		t.Fatalf("sent %d frames after reconnect, want at least 4", len(frames))
	}
	if !bytes.Equal(frames[0], StatusRequestPacket(0x01, AllChannels).MustEncode()) {
		t.Errorf("first refresh frame = % X, want status of 01", frames[0])
	}
	health = decodeLast[HealthMessage](t, mqtt.messages(HealthTopic()))
	if health.Status != HealthHealthy {
		t.Errorf("health after reconnect = %s, want healthy", health.Status)
	}

	// State is republished after reconnect even if nothing changed offline.
	if got := b.State("hall-dimmer"); len(got) != 0 {
		t.Errorf("State() after reconnect = %v, want empty", got)
	}
	b.PublishState("hall-dimmer", map[string]any{"ch1_level": 60})
	if n := len(mqtt.messages(StateTopic("hall-dimmer"))); n != 2 {
		t.Errorf("published %d hall-dimmer states, want 2", n)
	}
}

func TestBridgeRequests(t *testing.T) {
	b, mqtt, conn := newTestBridge(t, BridgeOptions{})
	b.PublishState("hall-dimmer", map[string]any{"ch1_level": 60})

	tests := []struct {
		name        string
		req         RequestMessage
		wantSuccess bool
		wantCode    string
	}{
		{"read state", RequestMessage{RequestID: "r1", Action: "read_state", DeviceID: "hall-dimmer"}, true, ""},
		{"read state without device", RequestMessage{RequestID: "r2", Action: "read_state"}, false, ErrCodeInvalidParameters},
		{"read state unknown device", RequestMessage{RequestID: "r3", Action: "read_state", DeviceID: "nope"}, false, ErrCodeNotConfigured},
		{"read all", RequestMessage{RequestID: "r4", Action: "read_all"}, true, ""},
		{"sync time", RequestMessage{RequestID: "r5", Action: "sync_time"}, true, ""},
		{"unknown action", RequestMessage{RequestID: "r6", Action: "reboot"}, false, ErrCodeInvalidCommand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mqtt.simulateMessage(t, RequestSubscribeTopic(), RequestTopic(tt.req.RequestID), tt.req)

			resp := decodeLast[ResponseMessage](t, mqtt.messages(ResponseTopic(tt.req.RequestID)))
			if resp.Success != tt.wantSuccess {
				t.Errorf("Success = %v, want %v (%+v)", resp.Success, tt.wantSuccess, resp.Error)
			}
			if tt.wantCode != "" && (resp.Error == nil || resp.Error.Code != tt.wantCode) {
				t.Errorf("Error = %+v, want code %s", resp.Error, tt.wantCode)
			}
		})
	}

	resp := decodeLast[ResponseMessage](t, mqtt.messages(ResponseTopic("r1")))
	state, ok := resp.Data["state"].(map[string]any)
	if !ok || state["ch1_level"] != float64(60) {
		t.Errorf("read_state data = %v, want cached ch1_level 60", resp.Data)
	}
	resp = decodeLast[ResponseMessage](t, mqtt.messages(ResponseTopic("r4")))
	if resp.Data["modules_refreshed"] != float64(3) {
		t.Errorf("read_all data = %v, want 3 modules refreshed", resp.Data)
	}

	conn.mu.Lock()
	updates := conn.timeUpdates
	conn.mu.Unlock()
	if updates != 1 {
		t.Errorf("time updates = %d, want 1", updates)
	}
}

func TestBridgeDiscovery(t *testing.T) {
	rec := NewModuleRecorder(setupRecorderDB(t), NewCatalogue(), clockwork.NewFakeClock())
	if err := rec.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer rec.Stop()

	_, mqtt, conn := newTestBridge(t, BridgeOptions{Recorder: rec})

	conn.mu.Lock()
	listener := conn.defaultListener
	conn.mu.Unlock()
	if listener != rec {
		t.Fatalf("default listener = %v, want recorder", listener)
	}

	listener.OnPacketReceived(NewPacket(0x33, PriorityLow, CommandModuleType, 0x08).MustEncode())

	msg := decodeLast[DiscoveryMessage](t, mqtt.messages(DiscoveryTopic()))
	if msg.Bridge != "velbus-test" || len(msg.Devices) != 1 {
		t.Fatalf("discovery = %+v", msg)
	}
	if d := msg.Devices[0]; d.Address != "33" || d.Product != "VMB4RY" {
		t.Errorf("discovered = %+v, want VMB4RY at 33", d)
	}
}

func TestBridgeStop(t *testing.T) {
	b, mqtt, conn := newTestBridge(t, BridgeOptions{Recorder: NewModuleRecorder(setupRecorderDB(t), nil, nil)})

	b.Stop()
	b.Stop()

	if n := conn.listenerCount(); n != 0 {
		t.Errorf("%d listeners left after Stop, want 0", n)
	}
	conn.mu.Lock()
	cleared := conn.onStateChange == nil && conn.defaultListener == nil
	conn.mu.Unlock()
	if !cleared {
		t.Error("Stop() left callbacks installed")
	}

	health := decodeLast[HealthMessage](t, mqtt.messages(HealthTopic()))
	if health.Status != HealthStopping {
		t.Errorf("final health = %s, want stopping", health.Status)
	}
}

func TestBridgeGetMetrics(t *testing.T) {
	b, _, _ := newTestBridge(t, BridgeOptions{})

	m := b.GetMetrics()
	if !m.Connected || m.Status != "connected" || m.DevicesManaged != 3 || m.PacketsTx != 3 || m.PacketsRx != 9 {
		t.Errorf("GetMetrics() = %+v", m)
	}
	if _, ok := b.Module("hall-dimmer"); !ok {
		t.Error("Module(hall-dimmer) not found")
	}
}

func TestBridgeLWT(t *testing.T) {
	b, _, _ := newTestBridge(t, BridgeOptions{})

	if b.LWTTopic() != "graylogic/health/velbus" {
		t.Errorf("LWTTopic() = %s", b.LWTTopic())
	}
	payload, err := b.LWTPayload()
	if err != nil {
		t.Fatalf("LWTPayload() error: %v", err)
	}
	if !strings.Contains(string(payload), `"status":"offline"`) {
		t.Errorf("LWTPayload() = %s, want offline status", payload)
	}
}
