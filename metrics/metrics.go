// Package metrics exports runtime activity as Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mrhapile/crossroads/runtime"
)

const namespace = "crossroads"

// Metrics implements runtime.Observer on a private registry.
type Metrics struct {
	registry        *prometheus.Registry
	invocations     *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	swaps           prometheus.Counter
	compileFailures prometheus.Counter
	generation      prometheus.Gauge
}

var _ runtime.Observer = (*Metrics)(nil)

// New creates and registers the collectors, plus the Go and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Extension invocations by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_duration_seconds",
			Help:      "Time spent running the active extension.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"outcome"}),
		swaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swaps_total",
			Help:      "Extensions installed into the active slot.",
		}),
		compileFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compile_failures_total",
			Help:      "Extension binaries rejected at compile time.",
		}),
		generation: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_generation",
			Help:      "Generation of the extension in the active slot.",
		}),
	}
	m.registry.MustRegister(
		m.invocations,
		m.duration,
		m.swaps,
		m.compileFailures,
		m.generation,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	// pre-create the series so dashboards see zeros before traffic
	for _, outcome := range []string{runtime.OutcomeForward, runtime.OutcomeRespond, runtime.OutcomeFault} {
		m.invocations.WithLabelValues(outcome)
	}
	return m
}

// ObserveInvocation implements runtime.Observer.
func (m *Metrics) ObserveInvocation(outcome string, d time.Duration) {
	m.invocations.WithLabelValues(outcome).Inc()
	m.duration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveSwap implements runtime.Observer.
func (m *Metrics) ObserveSwap(generation uint64) {
	m.swaps.Inc()
	m.generation.Set(float64(generation))
}

// ObserveCompileFailure implements runtime.Observer.
func (m *Metrics) ObserveCompileFailure() {
	m.compileFailures.Inc()
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
