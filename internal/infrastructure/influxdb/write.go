package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the bridge.
const (
	// MeasurementDevice holds numeric device readings (temperature, counters).
	MeasurementDevice = "device_metrics"

	// MeasurementBus holds periodic samples of the bus interface statistics.
	MeasurementBus = "velbus_bus"
)

// WriteDeviceMetric queues one numeric device reading. The bridge calls
// it for every numeric value in a published state.
//
// Parameters:
//   - deviceID: Unique identifier for the device (e.g., "hall-sensor")
//   - measurement: The metric name (e.g., "temperature", "ch1_counter")
//   - value: The numeric value to record
//
// Example:
//
//	client.WriteDeviceMetric("hall-sensor", "temperature", 21.5)
func (c *Client) WriteDeviceMetric(deviceID string, measurement string, value float64) {
	c.writePoint(MeasurementDevice,
		map[string]string{
			"device_id":   deviceID,
			"measurement": measurement,
		},
		map[string]interface{}{
			"value": value,
		},
	)
}

// WriteBusStats writes one sample of the bus interface statistics.
//
// Parameters:
//   - bridgeID: Bridge identifier, stored as the "bridge" tag
//   - fields: Counter and gauge values keyed by name (e.g., "packets_sent")
func (c *Client) WriteBusStats(bridgeID string, fields map[string]interface{}) {
	if len(fields) == 0 {
		return
	}
	c.writePoint(MeasurementBus, map[string]string{"bridge": bridgeID}, fields)
}

// writePoint queues a point stamped with the current time.
// Points are dropped while disconnected.
func (c *Client) writePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		c.dropped.Add(1)
		return
	}

	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
	c.queued.Add(1)
}
