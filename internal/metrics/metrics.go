// Package metrics exports calibration counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/copyleftdev/hpacal/internal/calibration"
)

const namespace = "hpacal"

// Metrics holds the collectors of one registry.
type Metrics struct {
	registry *prometheus.Registry

	evaluations       *prometheus.CounterVec
	unscorable        *prometheus.CounterVec
	solverFailures    *prometheus.CounterVec
	delayMisses       *prometheus.CounterVec
	repetitions       *prometheus.CounterVec
	repetitionSeconds *prometheus.HistogramVec
	activeJobs        prometheus.Gauge
}

// New creates the collectors and registers them, along with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "objective_evaluations_total",
			Help:      "Candidate parameter vectors integrated and scored.",
		}, []string{"model"}),
		unscorable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unscorable_candidates_total",
			Help:      "Candidates assigned the penalty cost.",
		}, []string{"model"}),
		solverFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "solver_failures_total",
			Help:      "Integrations that ended before the end of their grid.",
		}, []string{"model"}),
		delayMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delay_lookup_misses_total",
			Help:      "Delayed lookups that fell back to the initial condition.",
		}, []string{"model"}),
		repetitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repetitions_total",
			Help:      "Optimization repetitions by final status.",
		}, []string{"model", "status"}),
		repetitionSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "repetition_duration_seconds",
			Help:      "Wall time of one optimization repetition.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 9),
		}, []string{"model"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_jobs",
			Help:      "Calibration jobs currently running.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.evaluations,
		m.unscorable,
		m.solverFailures,
		m.delayMisses,
		m.repetitions,
		m.repetitionSeconds,
		m.activeJobs,
	)
	return m
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Hooks returns driver hooks that count the evaluations and repetitions of
// a calibration of model.
func (m *Metrics) Hooks(model string) calibration.Hooks {
	evaluations := m.evaluations.WithLabelValues(model)
	unscorable := m.unscorable.WithLabelValues(model)
	failures := m.solverFailures.WithLabelValues(model)
	misses := m.delayMisses.WithLabelValues(model)
	seconds := m.repetitionSeconds.WithLabelValues(model)
	return calibration.Hooks{
		Evaluated: func(ev calibration.Evaluation) {
			evaluations.Inc()
			if ev.Unscorable {
				unscorable.Inc()
			}
			if ev.Truncated {
				failures.Inc()
			}
			if ev.DelayMisses > 0 {
				misses.Add(float64(ev.DelayMisses))
			}
		},
		Finished: func(rec calibration.RunRecord) {
			m.repetitions.WithLabelValues(model, rec.Status.String()).Inc()
			seconds.Observe(rec.Duration.Seconds())
		},
	}
}

// JobStarted marks a job as running. The returned function marks it done.
func (m *Metrics) JobStarted() func() {
	m.activeJobs.Inc()
	return m.activeJobs.Dec
}
