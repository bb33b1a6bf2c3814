// Package metrics exposes allocation activity as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder records allocation cycle metrics using Prometheus.
type Recorder struct {
	registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	rebalances    *prometheus.CounterVec
	exclusions    *prometheus.CounterVec
	optimizerErrs *prometheus.CounterVec
	targets       *prometheus.CounterVec
	solveDuration *prometheus.HistogramVec
	weights       *prometheus.GaugeVec
	signals       *prometheus.CounterVec
}

// New creates a recorder on its own registry, with Go runtime and process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry creates a recorder registering into reg.
func NewWithRegistry(reg *prometheus.Registry) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		registry: reg,
		cycles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "allocator_cycles_total",
				Help: "Allocation cycles by final state",
			},
			[]string{"state"},
		),
		rebalances: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "allocator_rebalance_checks_total",
				Help: "Rebalance trigger checks by outcome",
			},
			[]string{"outcome"},
		),
		exclusions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "allocator_securities_excluded_total",
				Help: "Securities excluded from optimization",
			},
			[]string{"reason"},
		),
		optimizerErrs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "allocator_optimization_failures_total",
				Help: "Optimizer failures by kind",
			},
			[]string{"kind"},
		),
		targets: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "allocator_targets_emitted_total",
				Help: "Allocation targets emitted by reason",
			},
			[]string{"reason"},
		),
		solveDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "allocator_optimization_duration_seconds",
				Help:    "Time spent computing target weights",
				Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
			},
			[]string{"objective"},
		),
		weights: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "allocator_target_weight",
				Help: "Current target weight per security",
			},
			[]string{"symbol"},
		),
		signals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "allocator_signals_received_total",
				Help: "Signals received by source",
			},
			[]string{"source"},
		),
	}
}

// RecordCycle records a completed cycle
func (r *Recorder) RecordCycle(state string) {
	r.cycles.WithLabelValues(state).Inc()
}

// RecordRebalanceCheck records the trigger outcome
func (r *Recorder) RecordRebalanceCheck(triggered bool) {
	outcome := "skipped"
	if triggered {
		outcome = "triggered"
	}
	r.rebalances.WithLabelValues(outcome).Inc()
}

// RecordExclusion records a security left out of optimization
func (r *Recorder) RecordExclusion(reason string) {
	r.exclusions.WithLabelValues(reason).Inc()
}

// RecordOptimizationFailure records an optimizer failure
func (r *Recorder) RecordOptimizationFailure(kind string) {
	r.optimizerErrs.WithLabelValues(kind).Inc()
}

// RecordTargets records emitted targets
func (r *Recorder) RecordTargets(reason string, n int) {
	r.targets.WithLabelValues(reason).Add(float64(n))
}

// RecordSolveDuration records optimization latency in seconds
func (r *Recorder) RecordSolveDuration(objective string, seconds float64) {
	r.solveDuration.WithLabelValues(objective).Observe(seconds)
}

// RecordWeight sets the current weight gauge for a symbol
func (r *Recorder) RecordWeight(symbol string, weight float64) {
	r.weights.WithLabelValues(symbol).Set(weight)
}

// ForgetWeight drops the gauge of a symbol that left the portfolio
func (r *Recorder) ForgetWeight(symbol string) {
	r.weights.DeleteLabelValues(symbol)
}

// RecordSignals records signals received from a source
func (r *Recorder) RecordSignals(source string, n int) {
	r.signals.WithLabelValues(source).Add(float64(n))
}

// Handler serves the registry in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
