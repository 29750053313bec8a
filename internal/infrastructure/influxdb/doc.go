// Package influxdb provides InfluxDB connectivity for the Velbus bridge.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, metric writing, and health monitoring.
//
// # Purpose
//
// The bridge writes two kinds of time-series data:
//   - Device telemetry decoded from bus packets (temperatures, counters)
//   - Periodic samples of the bus interface statistics
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteDeviceMetric("hall-sensor", "temperature", 21.5)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are delivered via the
// SetOnError callback and counted in Stats. Connection and health check
// errors are returned directly.
package influxdb
