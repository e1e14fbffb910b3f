package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Provider calls partitioned by channel and outcome (sent, failed).
	sendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_sends_total",
			Help: "Messages handed to channel providers",
		},
		[]string{"channel", "outcome"},
	)

	batchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_batch_duration_seconds",
			Help:    "Time to process one dispatch batch",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	dispatchesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_runs_inflight",
			Help: "Campaign dispatch loops currently running",
		},
	)

	reconcilerRepairs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciler_repairs_total",
			Help: "Stuck-campaign checks by result (repaired, dry_run, not_stuck)",
		},
		[]string{"result"},
	)

	scheduledLaunches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_campaigns_launched_total",
			Help: "Scheduled campaigns handed to the dispatcher",
		},
	)
)
