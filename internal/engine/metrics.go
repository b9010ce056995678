package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/mequeue/internal/model"
)

var (
	eventsAcceptedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mequeue_events_accepted_total",
			Help: "Total number of events moved from the inbox into the pending log.",
		},
		[]string{"executor"},
	)

	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mequeue_runs_total",
			Help: "Total number of finished worker runs by outcome.",
		},
		[]string{"executor", "outcome"},
	)

	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mequeue_run_duration_seconds",
			Help:    "Worker run duration in seconds, from dispatch to outcome.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"executor", "outcome"},
	)

	pendingEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mequeue_pending_entries",
			Help: "Number of accepted but uncommitted entries in the pending log.",
		},
		[]string{"executor"},
	)

	stateUpdatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mequeue_state_updates_total",
			Help: "Total number of state values published to state brokers.",
		},
	)
)

func init() {
	prometheus.MustRegister(eventsAcceptedTotal)
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(runDuration)
	prometheus.MustRegister(pendingEntries)
	prometheus.MustRegister(stateUpdatesTotal)
}

// initMetrics pre-initializes label combinations for an executor so that they
// appear in /metrics before the first run finishes.
func initMetrics(executor string) {
	eventsAcceptedTotal.WithLabelValues(executor)
	pendingEntries.WithLabelValues(executor).Set(0)
	for _, outcome := range []string{model.OutcomeCompleted, model.OutcomePreempted, model.OutcomeFailed} {
		runsTotal.WithLabelValues(executor, outcome)
	}
}
