package velbus

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Protocol is the protocol identifier carried in every message and topic.
const Protocol = "velbus"

// CommandMessage asks the bridge to act on a device.
// Topic: graylogic/command/velbus/{device_id}
type CommandMessage struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`

	// Command selects the operation, e.g. "on", "dim", "set_text".
	Command string `json:"command"`

	// Parameters hold command arguments such as
	// {"channel": 1, "level": 60} or {"text": "Hello"}.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source is the originating subsystem: api, automation, voice or scene.
	Source string `json:"source"`
	UserID string `json:"user_id,omitempty"`
}

// AckStatus is the outcome reported for a command.
type AckStatus string

const (
	AckAccepted AckStatus = "accepted" // queued for the bus
	AckFailed   AckStatus = "failed"
	AckTimeout  AckStatus = "timeout"
)

// AckMessage answers a CommandMessage.
// Topic: graylogic/ack/velbus/{device_id}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`

	// Address is the primary module address as two hex digits, e.g. "01".
	Address string    `json:"address,omitempty"`
	Error   *AckError `json:"error,omitempty"`
}

// AckError explains a failed or timed out command.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes carried in AckError and ResponseError.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// StateMessage carries the full merged state of one device.
// Topic: graylogic/state/velbus/{device_id}, QoS 1, retained.
//
// Channel keys are prefixed ("ch1_on", "ch2_level"); module-wide keys are
// not ("temperature", "alarm1_enabled").
type StateMessage struct {
	DeviceID  string         `json:"device_id"`
	Timestamp time.Time      `json:"timestamp"`
	State     map[string]any `json:"state"`
	Protocol  string         `json:"protocol"`
	Address   string         `json:"address"`
}

// HealthStatus is the bridge status published on the health topic.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"  // bus connected
	HealthDegraded HealthStatus = "degraded" // running, bus unreachable
	HealthOffline  HealthStatus = "offline"  // last will
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports bridge status.
// Topic: graylogic/health/velbus, QoS 1, retained.
type HealthMessage struct {
	Bridge         string            `json:"bridge"`
	Timestamp      time.Time         `json:"timestamp"`
	Status         HealthStatus      `json:"status"`
	Version        string            `json:"version"`
	UptimeSeconds  int64             `json:"uptime_seconds"`
	Connection     *ConnectionStatus `json:"connection,omitempty"`
	Statistics     *BridgeStatistics `json:"statistics,omitempty"`
	DevicesManaged int               `json:"devices_managed"`

	// Reason is set for offline and degraded reports.
	Reason string `json:"reason,omitempty"`
}

// ConnectionStatus describes the link to the bus interface.
type ConnectionStatus struct {
	Status       string     `json:"status"` // ConnState.String()
	Target       string     `json:"target,omitempty"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// BridgeStatistics mirrors ClientStats on the wire.
type BridgeStatistics struct {
	PacketsReceived uint64 `json:"packets_received"`
	PacketsSent     uint64 `json:"packets_sent"`
	PacketsDropped  uint64 `json:"packets_dropped"`
	MalformedFrames uint64 `json:"malformed_frames"`
	Reconnects      uint64 `json:"reconnects"`
	Errors          uint64 `json:"errors"`
	QueueLength     int    `json:"queue_length"`
}

// RequestMessage asks the bridge for a one-off operation.
// Topic: graylogic/request/velbus/{request_id}
type RequestMessage struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	// Action is one of read_state, read_all or sync_time.
	Action     string         `json:"action"`
	DeviceID   string         `json:"device_id,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ResponseMessage answers a RequestMessage.
// Topic: graylogic/response/velbus/{request_id}
type ResponseMessage struct {
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     *ResponseError `json:"error,omitempty"`
}

// ResponseError explains a failed request.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DiscoveryMessage announces modules that answered a scan but are not
// claimed by any configured device.
// Topic: graylogic/discovery/velbus
type DiscoveryMessage struct {
	Timestamp time.Time          `json:"timestamp"`
	Bridge    string             `json:"bridge"`
	Devices   []DiscoveredDevice `json:"devices"`
}

// DiscoveredDevice is one unclaimed module.
type DiscoveredDevice struct {
	Protocol     string `json:"protocol"`
	Address      string `json:"address"`
	Product      string `json:"product,omitempty"` // empty for unknown type codes
	Manufacturer string `json:"manufacturer"`
}

// commandWire is the JSON form of CommandMessage.
type commandWire struct {
	ID         string         `json:"id"`
	Timestamp  string         `json:"timestamp"`
	DeviceID   string         `json:"device_id"`
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Source     string         `json:"source"`
	UserID     string         `json:"user_id,omitempty"`
}

// MarshalJSON encodes the timestamp as RFC 3339 in UTC.
func (m *CommandMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(commandWire{
		ID:         m.ID,
		Timestamp:  m.Timestamp.UTC().Format(time.RFC3339),
		DeviceID:   m.DeviceID,
		Command:    m.Command,
		Parameters: m.Parameters,
		Source:     m.Source,
		UserID:     m.UserID,
	})
}

// UnmarshalJSON accepts an RFC 3339 timestamp, or none.
func (m *CommandMessage) UnmarshalJSON(data []byte) error {
	var wire commandWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decoding command message: %w", err)
	}

	var ts time.Time
	if wire.Timestamp != "" {
		var err error
		if ts, err = time.Parse(time.RFC3339, wire.Timestamp); err != nil {
			return fmt.Errorf("decoding command timestamp: %w", err)
		}
	}

	*m = CommandMessage{
		ID:         wire.ID,
		Timestamp:  ts,
		DeviceID:   wire.DeviceID,
		Command:    wire.Command,
		Parameters: wire.Parameters,
		Source:     wire.Source,
		UserID:     wire.UserID,
	}
	return nil
}

// NewAckMessage acknowledges cmd with status.
func NewAckMessage(cmd CommandMessage, status AckStatus, address string) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Status:    status,
		Protocol:  Protocol,
		Address:   address,
	}
}

// NewAckError builds a failed acknowledgement, or a timeout one when
// code is ErrCodeTimeout.
func NewAckError(cmd CommandMessage, address, code, message string) AckMessage {
	status := AckFailed
	if code == ErrCodeTimeout {
		status = AckTimeout
	}
	ack := NewAckMessage(cmd, status, address)
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}

// NewStateMessage wraps a device state snapshot.
func NewStateMessage(deviceID, address string, state map[string]any) StateMessage {
	return StateMessage{
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC(),
		State:     state,
		Protocol:  Protocol,
		Address:   address,
	}
}

// NewHealthMessage builds a health report from a client statistics snapshot.
func NewHealthMessage(bridgeID, version string, status HealthStatus, target string, stats ClientStats, deviceCount int, startTime time.Time) HealthMessage {
	conn := &ConnectionStatus{Status: stats.State.String(), Target: target}
	if stats.LastActivity.Unix() > 0 {
		last := stats.LastActivity.UTC()
		conn.LastActivity = &last
	}

	return HealthMessage{
		Bridge:         bridgeID,
		Timestamp:      time.Now().UTC(),
		Status:         status,
		Version:        version,
		UptimeSeconds:  int64(time.Since(startTime).Seconds()),
		DevicesManaged: deviceCount,
		Connection:     conn,
		Statistics: &BridgeStatistics{
			PacketsReceived: stats.PacketsRx,
			PacketsSent:     stats.PacketsTx,
			PacketsDropped:  stats.PacketsDropped,
			MalformedFrames: stats.MalformedFrames,
			Reconnects:      stats.ReconnectsTotal,
			Errors:          stats.ErrorsTotal,
			QueueLength:     stats.QueueLength,
		},
	}
}

// NewLWTMessage is the offline report the broker publishes on the bridge's
// behalf when the MQTT session drops without a clean disconnect.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// TopicPrefix is the root of every Gray Logic topic.
const TopicPrefix = "graylogic"

// topic joins graylogic/{category}/velbus with optional trailing segments.
func topic(category string, rest ...string) string {
	parts := append([]string{TopicPrefix, category, Protocol}, rest...)
	return strings.Join(parts, "/")
}

// CommandTopic is where Core sends commands for deviceID,
// e.g. graylogic/command/velbus/kitchen-dimmer.
func CommandTopic(deviceID string) string { return topic("command", deviceID) }

// AckTopic is where command acknowledgements for deviceID go.
func AckTopic(deviceID string) string { return topic("ack", deviceID) }

// StateTopic is where deviceID's state is retained.
func StateTopic(deviceID string) string { return topic("state", deviceID) }

// HealthTopic is the retained bridge health topic.
func HealthTopic() string { return topic("health") }

func RequestTopic(requestID string) string  { return topic("request", requestID) }
func ResponseTopic(requestID string) string { return topic("response", requestID) }
func DiscoveryTopic() string                { return topic("discovery") }

// CommandSubscribeTopic matches commands for every device.
func CommandSubscribeTopic() string { return topic("command", "+") }

// RequestSubscribeTopic matches every request.
func RequestSubscribeTopic() string { return topic("request", "+") }
