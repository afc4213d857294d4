// Package metrics exposes Prometheus collectors for the decision core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "autopilot"

// Ingestion results
const (
	IngestCreated   = "created"
	IngestMerged    = "merged"
	IngestMalformed = "malformed"
)

var (
	eventsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Monitoring events received, partitioned by source and result.",
		},
		[]string{"source", "result"},
	)

	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Decisions made, partitioned by final outcome.",
		},
		[]string{"outcome"},
	)

	decisionOverridesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decision_overrides_total",
			Help:      "Overrides applied on top of the decision matrix.",
		},
		[]string{"override"},
	)

	decisionConfidence = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_confidence",
			Help:      "Confidence score of each decision.",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 1},
		},
	)

	stageTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_transitions_total",
			Help:      "Pipeline stage transitions, partitioned by stage and result.",
		},
		[]string{"stage", "result"},
	)

	stageDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of finished pipeline stages.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"stage"},
	)

	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Finished pipeline executions, partitioned by status.",
		},
		[]string{"status"},
	)

	outcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Decision outcomes fed back to the learning loop.",
		},
		[]string{"state"},
	)

	autoResolveBudgetUsed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "auto_resolve_budget_used",
			Help:      "Auto-resolve slots held in the current window.",
		},
	)

	jobRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Background job iterations, partitioned by job and result.",
		},
		[]string{"job", "result"},
	)
)

// Register attaches the collectors to the supplied registerer
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		eventsIngestedTotal,
		decisionsTotal,
		decisionOverridesTotal,
		decisionConfidence,
		stageTransitionsTotal,
		stageDurationSeconds,
		executionsTotal,
		outcomesTotal,
		autoResolveBudgetUsed,
		jobRunsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveIngest counts one monitoring event
func ObserveIngest(source, result string) {
	eventsIngestedTotal.WithLabelValues(source, result).Inc()
}

// ObserveDecision records a decision with its overrides
func ObserveDecision(outcome string, confidence float64, overrides []string) {
	decisionsTotal.WithLabelValues(outcome).Inc()
	decisionConfidence.Observe(confidence)
	for _, o := range overrides {
		decisionOverridesTotal.WithLabelValues(o).Inc()
	}
}

// ObserveStage records a stage transition and, for finished stages, its duration
func ObserveStage(stage, result string, duration time.Duration) {
	stageTransitionsTotal.WithLabelValues(stage, result).Inc()
	if result == "completed" || result == "failed" {
		if duration < 0 {
			duration = 0
		}
		stageDurationSeconds.WithLabelValues(stage).Observe(duration.Seconds())
	}
}

// ObserveExecution counts a finished execution
func ObserveExecution(status string) {
	executionsTotal.WithLabelValues(status).Inc()
}

// ObserveOutcome counts an outcome recorded by the learning loop
func ObserveOutcome(state string) {
	outcomesTotal.WithLabelValues(state).Inc()
}

// SetBudgetUsed publishes the auto-resolve window usage
func SetBudgetUsed(used int) {
	autoResolveBudgetUsed.Set(float64(used))
}

// ObserveJobRun counts one background job iteration
func ObserveJobRun(job string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	jobRunsTotal.WithLabelValues(job, result).Inc()
}
