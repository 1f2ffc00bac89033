package promexporter

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pior/apmrouter/router"
)

// RouterMetrics exports router.Stats, read at every scrape.
type RouterMetrics struct {
	stats func() router.Stats

	samples          *prometheus.Desc
	untokenized      *prometheus.Desc
	frames           *prometheus.Desc
	malformed        *prometheus.Desc
	confirmations    *prometheus.Desc
	pings            *prometheus.Desc
	datagrams        *prometheus.Desc
	droppedDatagrams *prometheus.Desc

	connections *prometheus.Desc
	active      *prometheus.Desc
	detections  *prometheus.Desc
	failures    *prometheus.Desc
}

var _ prometheus.Collector = (*RouterMetrics)(nil)

func NewRouterMetrics(stats func() router.Stats) *RouterMetrics {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc("apmrouter_router_"+name, help, labels, nil)
	}

	return &RouterMetrics{
		stats:            stats,
		samples:          desc("samples_total", "Samples handed to the sink"),
		untokenized:      desc("untokenized_samples_total", "Samples delivered without token, the catalog being full"),
		frames:           desc("frames_total", "Frames decoded"),
		malformed:        desc("malformed_frames_total", "Frames rejected by the decoder"),
		confirmations:    desc("confirmations_total", "CONFIRM_METRIC replies written"),
		pings:            desc("pings_total", "PING_RESPONSE replies written"),
		datagrams:        desc("datagrams_total", "UDP datagrams received"),
		droppedDatagrams: desc("dropped_datagrams_total", "UDP datagrams that did not decode"),
		connections:      desc("connections_total", "TCP connections served"),
		active:           desc("connections_active", "TCP connections currently open"),
		detections:       desc("detections_total", "Connections matched per protocol", "protocol"),
		failures:         desc("connection_failures_total", "Connections ended by a detection or pipeline failure", "reason"),
	}
}

func (m *RouterMetrics) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(m, ch)
}

func (m *RouterMetrics) Collect(ch chan<- prometheus.Metric) {
	s := m.stats()

	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	counter(m.samples, s.Samples)
	counter(m.untokenized, s.Untokenized)
	counter(m.frames, s.Frames)
	counter(m.malformed, s.Malformed)
	counter(m.confirmations, s.Confirmations)
	counter(m.pings, s.Pings)
	counter(m.datagrams, s.Datagrams)
	counter(m.droppedDatagrams, s.DroppedDatagrams)

	sw := s.Switch
	counter(m.connections, sw.Connections)
	ch <- prometheus.MustNewConstMetric(m.active, prometheus.GaugeValue, float64(sw.Active))

	for name, n := range sw.Detections {
		counter(m.detections, n, name)
	}
	counter(m.detections, sw.Fallbacks, "fallback")

	counter(m.failures, sw.Timeouts, "timeout")
	counter(m.failures, sw.Empty, "empty")
	counter(m.failures, sw.InstallErrors, "install")
	counter(m.failures, sw.PayloadErrors, "payload")
	counter(m.failures, sw.StageErrors, "stage")
}
