package velbus

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type staticStats ClientStats

func (s staticStats) Stats() ClientStats { return ClientStats(s) }

func TestCollector(t *testing.T) {
	stats := staticStats{
		PacketsTx:       12,
		PacketsRx:       40,
		PacketsDropped:  2,
		MalformedFrames: 1,
		Unclaimed:       7,
		ErrorsTotal:     3,
		ReconnectsTotal: 1,
		QueueLength:     4,
		LastActivity:    time.Unix(1772366400, 0),
		State:           StateConnected,
	}

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(NewCollector("velbus-main", stats)); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	want := map[string]float64{
		"velbus_packets_sent_total":              12,
		"velbus_packets_received_total":          40,
		"velbus_packets_dropped_total":           2,
		"velbus_malformed_frames_total":          1,
		"velbus_unclaimed_frames_total":          7,
		"velbus_errors_total":                    3,
		"velbus_reconnects_total":                1,
		"velbus_send_queue_length":               4,
		"velbus_connected":                       1,
		"velbus_last_activity_timestamp_seconds": 1772366400,
	}
	if len(families) != len(want) {
		t.Errorf("gathered %d families, want %d", len(families), len(want))
	}

	for _, mf := range families {
		expected, ok := want[mf.GetName()]
		if !ok {
			t.Errorf("unexpected metric %s", mf.GetName())
			continue
		}
		if len(mf.GetMetric()) != 1 {
			t.Errorf("%s has %d series, want 1", mf.GetName(), len(mf.GetMetric()))
			continue
		}
		m := mf.GetMetric()[0]

		var got float64
		if m.GetCounter() != nil {
			got = m.GetCounter().GetValue()
		} else {
			got = m.GetGauge().GetValue()
		}
		if got != expected {
			t.Errorf("%s = %v, want %v", mf.GetName(), got, expected)
		}

		labels := m.GetLabel()
		if len(labels) != 1 || labels[0].GetName() != "bridge" || labels[0].GetValue() != "velbus-main" {
			t.Errorf("%s labels = %v, want bridge=velbus-main", mf.GetName(), labels)
		}
	}
}

func TestCollectorDisconnected(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector("b", staticStats{State: StateReconnecting}))

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == "velbus_connected" {
			if v := mf.GetMetric()[0].GetGauge().GetValue(); v != 0 {
				t.Errorf("velbus_connected = %v, want 0", v)
			}
			return
		}
	}
	t.Error("velbus_connected not gathered")
}
