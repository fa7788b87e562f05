// Package metrics holds the Prometheus collectors for signal, rule and
// narrative processing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
)

// Registry holds all nour metrics on a private Prometheus registry.
// A nil *Registry is valid and records nothing.
type Registry struct {
	reg *prometheus.Registry

	SignalsComputed   *prometheus.CounterVec
	RulesEvaluated    *prometheus.CounterVec
	NarrativesCreated *prometheus.CounterVec
	StepDuration      *prometheus.HistogramVec
}

// New creates a registry with every collector registered.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		SignalsComputed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nour_signals_computed_total",
				Help: "Signal computations by kind and outcome (created, empty, failed)",
			},
			[]string{"kind", "outcome"},
		),

		RulesEvaluated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nour_rules_evaluated_total",
				Help: "Rule evaluations by outcome (triggered, quiet, skipped)",
			},
			[]string{"outcome"},
		),

		NarrativesCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nour_narratives_total",
				Help: "Narratives by generation path and outcome (saved, failed)",
			},
			[]string{"path", "outcome"},
		),

		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nour_step_duration_seconds",
				Help:    "Duration of each pipeline step in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"step", "result"},
		),
	}

	r.reg.MustRegister(r.SignalsComputed, r.RulesEvaluated, r.NarrativesCreated, r.StepDuration)
	return r
}

func (r *Registry) Signal(kind, outcome string) {
	if r == nil {
		return
	}
	r.SignalsComputed.WithLabelValues(kind, outcome).Inc()
}

func (r *Registry) Rule(outcome string) {
	if r == nil {
		return
	}
	r.RulesEvaluated.WithLabelValues(outcome).Inc()
}

func (r *Registry) Narrative(path, outcome string) {
	if r == nil {
		return
	}
	r.NarrativesCreated.WithLabelValues(path, outcome).Inc()
}

// Step records a pipeline step's duration. result is "success" or "error".
func (r *Registry) Step(step string, d time.Duration, err error) {
	if r == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	r.StepDuration.WithLabelValues(step, result).Observe(d.Seconds())
}

// WriteTextfile writes all metrics in the node-exporter textfile format.
func (r *Registry) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		return eris.Wrapf(err, "metrics: write textfile %s", path)
	}
	return nil
}
