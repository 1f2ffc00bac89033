// Package promexporter exports router and sender stats to Prometheus.
package promexporter

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter owns a registry holding the process collectors plus the ones
// registered with Register.
type Exporter struct {
	registry *prometheus.Registry
}

func NewExporter() *Exporter {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Exporter{registry: registry}
}

func (e *Exporter) Register(cs ...prometheus.Collector) error {
	for _, c := range cs {
		if err := e.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Handler returns an HTTP handler for the /metrics endpoint
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}
