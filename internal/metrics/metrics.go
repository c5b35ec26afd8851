// Package metrics holds the worker's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gitsync"

var (
	// TicksTotal counts sync loop ticks.
	// Labels: result (ran, skipped, error)
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync_loop",
		Name:      "ticks_total",
		Help:      "Sync loop ticks by result",
	}, []string{"result"})

	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sync_loop",
		Name:      "tick_duration_seconds",
		Help:      "Wall time of a sync loop tick",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 600},
	})

	// DispatchesTotal counts per-account dispatches.
	// Labels: outcome (completed, failed, skipped-empty, claim-conflict)
	DispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync_loop",
		Name:      "dispatches_total",
		Help:      "Account dispatches by outcome",
	}, []string{"outcome"})

	StuckRequeuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync_loop",
		Name:      "stuck_requeued_total",
		Help:      "RUNNING change sets moved back to QUEUED by stuck-job recovery",
	})

	PushRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync_loop",
		Name:      "push_retries_total",
		Help:      "Retry change sets queued after a push was rejected by a moved head",
	})

	// ArtifactsDeletedTotal counts records removed by retention.
	// Labels: artifact (git_commit, git_file_activity, git_sync_error)
	ArtifactsDeletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "expiry",
		Name:      "artifacts_deleted_total",
		Help:      "Sync artifacts deleted by retention",
	}, []string{"artifact"})

	SyncErrorsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "expiry",
		Name:      "sync_errors_expired_total",
		Help:      "ACTIVE sync errors marked EXPIRED",
	})

	ChangeSetsSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "expiry",
		Name:      "change_sets_skipped_total",
		Help:      "QUEUED change sets marked SKIPPED after exceeding the max queue duration",
	})
)
