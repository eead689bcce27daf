// Package metrics exposes prometheus collectors describing settings loads.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ksvietme/vmdefaults/internal/settings"
)

const resultOK = "ok"

// Metrics owns a private registry so tests and multiple apps never collide.
type Metrics struct {
	registry *prometheus.Registry

	loadsTotal   *prometheus.CounterVec
	loadDuration prometheus.Histogram
	proxyEnabled prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		loadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vmdefaults",
				Subsystem: "settings",
				Name:      "loads_total",
				Help:      "Total number of settings loads by result",
			},
			[]string{"result"},
		),
		loadDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "vmdefaults",
				Subsystem: "settings",
				Name:      "load_duration_seconds",
				Help:      "Duration of settings loads in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8), // 100µs to ~1.6s
			},
		),
		proxyEnabled: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "vmdefaults",
				Name:      "proxy_enabled",
				Help:      "1 when the last successful load enabled the proxy, 0 otherwise",
			},
		),
	}

	m.registry.MustRegister(
		m.loadsTotal,
		m.loadDuration,
		m.proxyEnabled,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveLoad records the outcome of one load.
func (m *Metrics) ObserveLoad(s settings.Settings, err error, elapsed time.Duration) {
	m.loadDuration.Observe(elapsed.Seconds())
	if err != nil {
		m.loadsTotal.WithLabelValues(resultLabel(err)).Inc()
		return
	}
	m.loadsTotal.WithLabelValues(resultOK).Inc()
	if s.ProxyEnabled() {
		m.proxyEnabled.Set(1)
	} else {
		m.proxyEnabled.Set(0)
	}
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func resultLabel(err error) string {
	if kind := settings.KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}
