package promexporter

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pior/apmrouter"
)

// SenderMetrics exports the counters of a sender. ServerStats is optional:
// only the TCP sender keeps per-router pools and circuit breakers.
type SenderMetrics struct {
	stats   func() apmrouter.SenderStats
	servers func() []apmrouter.ServerStats

	batches *prometheus.Desc
	chunks  *prometheus.Desc
	samples *prometheus.Desc
	failed  *prometheus.Desc

	circuitState    *prometheus.Desc
	circuitRequests *prometheus.Desc
	circuitFailures *prometheus.Desc

	poolConnections *prometheus.Desc
	poolCreated     *prometheus.Desc
	poolDestroyed   *prometheus.Desc
	poolErrors      *prometheus.Desc
	poolWait        *prometheus.Desc
}

var _ prometheus.Collector = (*SenderMetrics)(nil)

func NewSenderMetrics(transport string, stats func() apmrouter.SenderStats, servers func() []apmrouter.ServerStats) *SenderMetrics {
	constLabels := prometheus.Labels{"transport": transport}
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc("apmrouter_sender_"+name, help, labels, constLabels)
	}

	return &SenderMetrics{
		stats:   stats,
		servers: servers,
		batches: desc("batches_total", "Batches handed to the sender"),
		chunks:  desc("chunks_total", "Chunks written or attempted"),
		samples: desc("samples_total", "Samples by outcome", "status"), // sent, dropped
		failed:  desc("failed_chunks_total", "Chunks that could not be written"),

		circuitState:    desc("circuit_breaker_state", "Circuit breaker state (0=closed, 1=half-open, 2=open)", "server"),
		circuitRequests: desc("circuit_breaker_requests", "Requests tracked by the circuit breaker", "server"),
		circuitFailures: desc("circuit_breaker_failures", "Circuit breaker failure counts", "server", "type"), // total, consecutive

		poolConnections: desc("pool_connections", "Connection pool statistics", "server", "state"), // total, active, idle
		poolCreated:     desc("pool_connections_created_total", "Connections created", "server"),
		poolDestroyed:   desc("pool_connections_destroyed_total", "Connections destroyed", "server"),
		poolErrors:      desc("pool_acquire_errors_total", "Connection acquire errors", "server"),
		poolWait:        desc("pool_acquire_wait_seconds_total", "Time spent waiting for a connection", "server"),
	}
}

func (m *SenderMetrics) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(m, ch)
}

func (m *SenderMetrics) Collect(ch chan<- prometheus.Metric) {
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	s := m.stats()
	counter(m.batches, s.Batches)
	counter(m.chunks, s.Chunks)
	counter(m.samples, s.Sent, "sent")
	counter(m.samples, s.Dropped, "dropped")
	counter(m.failed, s.Failed)

	if m.servers == nil {
		return
	}

	for _, srv := range m.servers() {
		gauge(m.circuitState, float64(srv.CircuitBreakerState), srv.Addr)
		gauge(m.circuitRequests, float64(srv.CircuitBreakerCounts.Requests), srv.Addr)
		gauge(m.circuitFailures, float64(srv.CircuitBreakerCounts.TotalFailures), srv.Addr, "total")
		gauge(m.circuitFailures, float64(srv.CircuitBreakerCounts.ConsecutiveFailures), srv.Addr, "consecutive")

		p := srv.Pool
		gauge(m.poolConnections, float64(p.TotalConns), srv.Addr, "total")
		gauge(m.poolConnections, float64(p.ActiveConns), srv.Addr, "active")
		gauge(m.poolConnections, float64(p.IdleConns), srv.Addr, "idle")
		counter(m.poolCreated, p.CreatedConns, srv.Addr)
		counter(m.poolDestroyed, p.DestroyedConns, srv.Addr)
		counter(m.poolErrors, p.AcquireErrors, srv.Addr)
		ch <- prometheus.MustNewConstMetric(m.poolWait, prometheus.CounterValue, p.AcquireWaitTime.Seconds(), srv.Addr)
	}
}
