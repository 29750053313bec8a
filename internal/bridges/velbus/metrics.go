package velbus

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "velbus"

// StatsSource provides the statistics exported by the collector.
type StatsSource interface {
	Stats() ClientStats
}

// Collector exports client statistics as Prometheus metrics.
// Values are read from the client on every scrape.
type Collector struct {
	source StatsSource

	packetsTx       *prometheus.Desc
	packetsRx       *prometheus.Desc
	packetsDropped  *prometheus.Desc
	malformedFrames *prometheus.Desc
	unclaimed       *prometheus.Desc
	errors          *prometheus.Desc
	reconnects      *prometheus.Desc
	queueLength     *prometheus.Desc
	connected       *prometheus.Desc
	lastActivity    *prometheus.Desc
}

// NewCollector creates a collector for one bridge. The bridge ID is
// attached to every metric as the "bridge" label.
func NewCollector(bridgeID string, source StatsSource) *Collector {
	labels := prometheus.Labels{"bridge": bridgeID}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, nil, labels)
	}

	return &Collector{
		source:          source,
		packetsTx:       desc("packets_sent_total", "Frames written to the bus."),
		packetsRx:       desc("packets_received_total", "Valid frames read from the bus."),
		packetsDropped:  desc("packets_dropped_total", "Sends discarded while offline or with a full queue."),
		malformedFrames: desc("malformed_frames_total", "Inbound frames rejected by validation."),
		unclaimed:       desc("unclaimed_frames_total", "Inbound frames no listener received."),
		errors:          desc("errors_total", "Transport errors."),
		reconnects:      desc("reconnects_total", "Successful connections after a loss."),
		queueLength:     desc("send_queue_length", "Packets waiting for their send slot."),
		connected:       desc("connected", "1 when the bus interface is connected."),
		lastActivity:    desc("last_activity_timestamp_seconds", "Unix time of the last frame sent or received."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.packetsTx
	ch <- c.packetsRx
	ch <- c.packetsDropped
	ch <- c.malformedFrames
	ch <- c.unclaimed
	ch <- c.errors
	ch <- c.reconnects
	ch <- c.queueLength
	ch <- c.connected
	ch <- c.lastActivity
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.Stats()

	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}

	counter(c.packetsTx, stats.PacketsTx)
	counter(c.packetsRx, stats.PacketsRx)
	counter(c.packetsDropped, stats.PacketsDropped)
	counter(c.malformedFrames, stats.MalformedFrames)
	counter(c.unclaimed, stats.Unclaimed)
	counter(c.errors, stats.ErrorsTotal)
	counter(c.reconnects, stats.ReconnectsTotal)
	gauge(c.queueLength, float64(stats.QueueLength))

	connected := 0.0
	if stats.State == StateConnected {
		connected = 1
	}
	gauge(c.connected, connected)
	gauge(c.lastActivity, float64(stats.LastActivity.Unix()))
}
