// Package metrics counts runs, steps and rollback actions and writes them
// in the Prometheus text format for node_exporter's textfile collector.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vmware/remote-patcher/pkg/report"
)

const namespace = "remote_patcher"

// Metrics holds the collectors of one process.
type Metrics struct {
	registry *prometheus.Registry

	RunsTotal            *prometheus.CounterVec
	StepsTotal           *prometheus.CounterVec
	StepDuration         *prometheus.HistogramVec
	RollbackActionsTotal *prometheus.CounterVec
	ResidualActions      *prometheus.GaugeVec
	LastRunTimestamp     *prometheus.GaugeVec
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of plan runs by final status",
			},
			[]string{"plan", "status"},
		),
		StepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Total number of executed steps by kind and status",
			},
			[]string{"kind", "status"},
		),
		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of executed steps in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		RollbackActionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollback_actions_total",
				Help:      "Total number of attempted rollback actions by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		ResidualActions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "residual_actions",
				Help:      "Rollback actions left outstanding by the last run of a target",
			},
			[]string{"target"},
		),
		LastRunTimestamp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time the last run of a target ended",
			},
			[]string{"target", "status"},
		),
	}

	m.registry.MustRegister(
		m.RunsTotal,
		m.StepsTotal,
		m.StepDuration,
		m.RollbackActionsTotal,
		m.ResidualActions,
		m.LastRunTimestamp,
	)
	return m
}

// Registry returns the registry holding all collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Observe records a finished run.
func (m *Metrics) Observe(res *report.Result) {
	m.RunsTotal.WithLabelValues(res.Plan, string(res.Status)).Inc()
	for _, rec := range res.Records {
		kind := rec.Kind
		if kind == "" {
			kind = "unknown"
		}
		m.StepsTotal.WithLabelValues(kind, string(rec.Status)).Inc()
		m.StepDuration.WithLabelValues(kind).Observe(rec.Duration().Seconds())
	}
	for _, rb := range res.Rollback {
		m.RollbackActionsTotal.WithLabelValues(string(rb.Action.Kind), string(rb.Outcome)).Inc()
	}
	m.ResidualActions.WithLabelValues(res.Target).Set(float64(len(res.Residual)))
	m.LastRunTimestamp.DeletePartialMatch(prometheus.Labels{"target": res.Target})
	m.LastRunTimestamp.WithLabelValues(res.Target, string(res.Status)).Set(float64(res.EndedAt.Unix()))
}

// WriteTextfile writes every collector to path atomically.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
