package watcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vipul43/gitsync-worker/internal/clock"
	"github.com/vipul43/gitsync-worker/internal/metrics"
	"github.com/vipul43/gitsync-worker/internal/models"
)

// ArtifactStore is a sync artifact table that can be pruned per account
type ArtifactStore interface {
	ListAccounts(ctx context.Context) ([]string, error)
	DeleteExpired(ctx context.Context, accountID string, olderThan time.Time, pageSize int) (int64, error)
}

// Artifact names, also used as metric labels
const (
	ArtifactGitCommit       = "git_commit"
	ArtifactGitFileActivity = "git_file_activity"
	ArtifactGitSyncError    = "git_sync_error"
)

type ArtifactExpiryConfig struct {
	Interval           time.Duration
	Retention          time.Duration
	SyncErrorRetention time.Duration
	PageSize           int
}

type artifact struct {
	name      string
	store     ArtifactStore
	retention time.Duration
}

// ArtifactExpiry deletes sync artifacts past their retention, account by account
type ArtifactExpiry struct {
	artifacts []artifact
	clock     clock.Clock
	cfg       ArtifactExpiryConfig
}

func NewArtifactExpiry(commits, fileActivities, syncErrors ArtifactStore, clk clock.Clock, cfg ArtifactExpiryConfig) *ArtifactExpiry {
	if cfg.Interval <= 0 {
		cfg.Interval = 12 * time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 365 * 24 * time.Hour
	}
	if cfg.SyncErrorRetention <= 0 {
		cfg.SyncErrorRetention = cfg.Retention
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}
	return &ArtifactExpiry{
		artifacts: []artifact{
			{name: ArtifactGitCommit, store: commits, retention: cfg.Retention},
			{name: ArtifactGitFileActivity, store: fileActivities, retention: cfg.Retention},
			{name: ArtifactGitSyncError, store: syncErrors, retention: cfg.SyncErrorRetention},
		},
		clock: clk,
		cfg:   cfg,
	}
}

// ExpiryReport counts what one artifact expiry pass deleted
type ExpiryReport struct {
	Deleted  map[string]int64
	Failures int
}

func (e *ArtifactExpiry) Start(ctx context.Context) error {
	return runEvery(ctx, "artifact expiry", e.cfg.Interval, func(ctx context.Context) {
		e.RunOnce(ctx)
	})
}

// RunOnce runs one pass over every artifact type. A failing account is logged and skipped.
func (e *ArtifactExpiry) RunOnce(ctx context.Context) ExpiryReport {
	report := ExpiryReport{Deleted: make(map[string]int64)}
	now := e.clock.Now()

	for _, a := range e.artifacts {
		accounts, err := a.store.ListAccounts(ctx)
		if err != nil {
			slog.Error("failed to list accounts for expiry", "artifact", a.name, "error", err)
			report.Failures++
			continue
		}

		cutoff := now.Add(-a.retention)
		for _, accountID := range accounts {
			if ctx.Err() != nil {
				return report
			}
			deleted, err := a.store.DeleteExpired(ctx, accountID, cutoff, e.cfg.PageSize)
			report.Deleted[a.name] += deleted
			metrics.ArtifactsDeletedTotal.WithLabelValues(a.name).Add(float64(deleted))
			if err != nil {
				slog.Error("failed to delete expired artifacts",
					"artifact", a.name,
					"account_id", accountID,
					"deleted", deleted,
					"error", err,
				)
				report.Failures++
			}
		}
	}

	slog.Info("artifact expiry completed",
		"git_commit", report.Deleted[ArtifactGitCommit],
		"git_file_activity", report.Deleted[ArtifactGitFileActivity],
		"git_sync_error", report.Deleted[ArtifactGitSyncError],
		"failures", report.Failures,
	)
	return report
}

type SyncErrorExpirer interface {
	MarkExpiredOlderThan(ctx context.Context, olderThan time.Time, batchSize int) (int64, error)
}

type StaleChangeSetSkipper interface {
	SkipQueuedOlderThan(ctx context.Context, olderThan time.Time, reason string) (int64, error)
}

type StatusExpiryConfig struct {
	Interval         time.Duration
	SyncErrorExpiry  time.Duration
	MaxQueueDuration time.Duration
	BatchSize        int
}

// StatusExpiry ages out statuses: old ACTIVE sync errors become EXPIRED and
// change sets queued too long become SKIPPED
type StatusExpiry struct {
	syncErrors SyncErrorExpirer
	changeSets StaleChangeSetSkipper
	clock      clock.Clock
	cfg        StatusExpiryConfig
}

func NewStatusExpiry(syncErrors SyncErrorExpirer, changeSets StaleChangeSetSkipper, clk clock.Clock, cfg StatusExpiryConfig) *StatusExpiry {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.SyncErrorExpiry <= 0 {
		cfg.SyncErrorExpiry = 90 * 24 * time.Hour
	}
	if cfg.MaxQueueDuration <= 0 {
		cfg.MaxQueueDuration = 72 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	return &StatusExpiry{
		syncErrors: syncErrors,
		changeSets: changeSets,
		clock:      clk,
		cfg:        cfg,
	}
}

type StatusExpiryReport struct {
	SyncErrorsExpired int64
	ChangeSetsSkipped int64
	Err               error
}

func (s *StatusExpiry) Start(ctx context.Context) error {
	return runEvery(ctx, "status expiry", s.cfg.Interval, func(ctx context.Context) {
		s.RunOnce(ctx)
	})
}

// RunOnce runs both status passes; a failure in one does not prevent the other
func (s *StatusExpiry) RunOnce(ctx context.Context) StatusExpiryReport {
	var report StatusExpiryReport
	now := s.clock.Now()

	expired, errExpire := s.syncErrors.MarkExpiredOlderThan(ctx, now.Add(-s.cfg.SyncErrorExpiry), s.cfg.BatchSize)
	report.SyncErrorsExpired = expired
	metrics.SyncErrorsExpiredTotal.Add(float64(expired))
	if errExpire != nil {
		slog.Error("failed to expire sync errors", "expired", expired, "error", errExpire)
	}

	skipped, errSkip := s.changeSets.SkipQueuedOlderThan(ctx, now.Add(-s.cfg.MaxQueueDuration), models.ReasonMaxQueueDurationExceeded)
	report.ChangeSetsSkipped = skipped
	metrics.ChangeSetsSkippedTotal.Add(float64(skipped))
	if errSkip != nil {
		slog.Error("failed to skip stale change sets", "error", errSkip)
	}

	report.Err = errors.Join(errExpire, errSkip)
	if expired > 0 || skipped > 0 {
		slog.Info("status expiry completed", "sync_errors_expired", expired, "change_sets_skipped", skipped)
	}
	return report
}

// runEvery calls fn once immediately and then every interval until ctx is cancelled
func runEvery(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context)) error {
	slog.Info("starting "+name, "interval", interval)

	fn(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info(name + " shutting down")
			return ctx.Err()
		case <-ticker.C:
			fn(ctx)
		}
	}
}
