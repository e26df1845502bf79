// Package metrics exposes the Prometheus registry for the notebook service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Source supplies the current catalog totals for the gauges.
type Source interface {
	Counts() (pads, cells int64, err error)
}

// Metrics holds the service counters and gauges on a private registry.
type Metrics struct {
	registry  *prometheus.Registry
	ops       *prometheus.CounterVec
	errors    *prometheus.CounterVec
	evictions *prometheus.CounterVec
	started   time.Time
}

// New registers every collector against a fresh registry. source backs the
// scratchpads_current and cells_current gauges.
func New(source Source) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		started:  time.Now(),
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scratch_notebook_ops_total",
			Help: "Total tool invocations by operation name.",
		}, []string{"op"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scratch_notebook_errors_total",
			Help: "Total failed tool invocations by error code.",
		}, []string{"code"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scratch_notebook_evictions_total",
			Help: "Total scratchpads evicted by policy.",
		}, []string{"policy"}),
	}
	m.registry.MustRegister(m.ops, m.errors, m.evictions)

	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "scratch_notebook_scratchpads_current",
		Help: "Scratchpads currently stored across all tenants.",
	}, func() float64 {
		pads, _, err := source.Counts()
		if err != nil {
			return 0
		}
		return float64(pads)
	}))
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "scratch_notebook_cells_current",
		Help: "Cells currently stored across all tenants.",
	}, func() float64 {
		_, cells, err := source.Counts()
		if err != nil {
			return 0
		}
		return float64(cells)
	}))
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "scratch_notebook_uptime_seconds",
		Help: "Seconds since the server started.",
	}, func() float64 {
		return time.Since(m.started).Seconds()
	}))
	return m
}

// IncOp records one invocation of the named tool.
func (m *Metrics) IncOp(op string) {
	m.ops.WithLabelValues(op).Inc()
}

// IncError records one failure with the given error code.
func (m *Metrics) IncError(code string) {
	m.errors.WithLabelValues(code).Inc()
}

// IncEvictions records count evictions under the given policy.
func (m *Metrics) IncEvictions(policy string, count int) {
	if count > 0 {
		m.evictions.WithLabelValues(policy).Add(float64(count))
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
