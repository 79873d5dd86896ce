package broker

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes the broker's Prometheus instrumentation: active
// connections, frames received, and forwarded/dropped message counts.
// Grounded on the teacher library's ambient use of
// github.com/prometheus/client_golang for process-level gauges and
// counters elsewhere in the pack's monitor-adjacent packages.
type Metrics struct {
	Registry          *prometheus.Registry
	ActiveConnections prometheus.Gauge
	FramesReceived    prometheus.Counter
	MessagesForwarded prometheus.Counter
	MessagesDropped   prometheus.Counter
}

// NewMetrics registers and returns a fresh Metrics set against its own
// registry, so multiple Brokers (e.g. one per test) never collide on
// Prometheus's global default registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "msgbus",
			Name:      "active_connections",
			Help:      "Number of currently open client connections.",
		}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "msgbus",
			Name:      "frames_received_total",
			Help:      "Total number of transport frames decoded.",
		}),
		MessagesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "msgbus",
			Name:      "messages_forwarded_total",
			Help:      "Total number of forwarded envelopes delivered to a recipient.",
		}),
		MessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "msgbus",
			Name:      "messages_dropped_total",
			Help:      "Total number of forwarded envelopes dropped (no live recipient, or a failed send to one recipient).",
		}),
	}
	reg.MustRegister(m.ActiveConnections, m.FramesReceived, m.MessagesForwarded, m.MessagesDropped)
	return m
}

func (m *Metrics) ConnOpened()    { m.ActiveConnections.Inc() }
func (m *Metrics) ConnClosed()    { m.ActiveConnections.Dec() }
func (m *Metrics) FrameReceived() { m.FramesReceived.Inc() }
func (m *Metrics) Forwarded()     { m.MessagesForwarded.Inc() }
func (m *Metrics) Dropped()       { m.MessagesDropped.Inc() }
