package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/vipul43/gitsync-worker/internal/clock"
	"github.com/vipul43/gitsync-worker/internal/metrics"
	"github.com/vipul43/gitsync-worker/internal/models"
	"github.com/vipul43/gitsync-worker/internal/service"
)

// ChangeSetStore is the part of the change set store the sync loop drives
type ChangeSetStore interface {
	ListAccountsWithStatus(ctx context.Context, status models.ChangeSetStatus) ([]string, error)
	ClaimForSync(ctx context.Context, ids []string) (bool, error)
	TransitionStatus(ctx context.Context, ids []string, from, to models.ChangeSetStatus, reason string) (int64, error)
	Create(ctx context.Context, cs *models.ChangeSet) error
}

type StuckJobRecoverer interface {
	Recover(ctx context.Context, running []string) (service.RecoveryReport, error)
}

type ChangeSetFetcher interface {
	Fetch(ctx context.Context, accountID string) ([]models.ChangeSet, error)
}

type Outcome string

const (
	OutcomeCompleted     Outcome = "completed"
	OutcomeFailed        Outcome = "failed"
	OutcomeSkippedEmpty  Outcome = "skipped-empty"
	OutcomeClaimConflict Outcome = "claim-conflict"
)

// AccountResult is what one account's dispatch did during a tick
type AccountResult struct {
	AccountID    string
	ChangeSetIDs []string
	Outcome      Outcome
	Err          error
	// RetryIDs are the change sets queued to retry a push rejected by a moved head
	RetryIDs []string
}

// TickReport summarizes one tick
type TickReport struct {
	StartedAt time.Time
	// Skipped is set when the tick did nothing because the previous one was still in flight
	Skipped       bool
	Err           error
	StuckCheckRan bool
	Recovery      service.RecoveryReport
	Accounts      []AccountResult
}

// Count returns how many accounts ended with outcome
func (r TickReport) Count(outcome Outcome) int {
	n := 0
	for _, acc := range r.Accounts {
		if acc.Outcome == outcome {
			n++
		}
	}
	return n
}

type SyncLoopConfig struct {
	TickInterval       time.Duration
	InitialJitter      time.Duration
	StuckCheckInterval time.Duration
	// Concurrency caps how many accounts are dispatched at once; 1 dispatches sequentially
	Concurrency int
}

// SyncLoop advances the change set queue by one round of work per account on every tick
type SyncLoop struct {
	store    ChangeSetStore
	detector StuckJobRecoverer
	fetcher  ChangeSetFetcher
	executor service.GitSyncExecutor
	clock    clock.Clock
	cfg      SyncLoopConfig

	// mu is held for the whole tick; a tick that cannot take it is skipped
	mu        sync.Mutex
	stuckGate *rate.Limiter
}

func NewSyncLoop(
	store ChangeSetStore,
	detector StuckJobRecoverer,
	fetcher ChangeSetFetcher,
	executor service.GitSyncExecutor,
	clk clock.Clock,
	cfg SyncLoopConfig,
) *SyncLoop {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 4 * time.Second
	}
	if cfg.StuckCheckInterval <= 0 {
		cfg.StuckCheckInterval = 30 * time.Minute
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &SyncLoop{
		store:     store,
		detector:  detector,
		fetcher:   fetcher,
		executor:  executor,
		clock:     clk,
		cfg:       cfg,
		stuckGate: rate.NewLimiter(rate.Every(cfg.StuckCheckInterval), 1),
	}
}

// Start ticks until ctx is cancelled: one tick after a random initial delay, then one per interval
func (l *SyncLoop) Start(ctx context.Context) error {
	slog.Info("starting sync loop",
		"interval", l.cfg.TickInterval,
		"concurrency", l.cfg.Concurrency,
		"stuck_check_interval", l.cfg.StuckCheckInterval,
	)

	if l.cfg.InitialJitter > 0 {
		delay := time.Duration(rand.Int64N(int64(l.cfg.InitialJitter)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	l.Tick(ctx)

	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("sync loop shutting down")
			return ctx.Err()
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick runs one round: stuck-job recovery when due, then one dispatch per waiting account.
// Errors never escape; they are logged and reported.
func (l *SyncLoop) Tick(ctx context.Context) TickReport {
	report := TickReport{StartedAt: l.clock.Now()}

	if !l.mu.TryLock() {
		report.Skipped = true
		metrics.TicksTotal.WithLabelValues("skipped").Inc()
		slog.Warn("previous sync tick still running, skipping")
		return report
	}
	defer l.mu.Unlock()

	start := time.Now()
	defer func() {
		metrics.TickDuration.Observe(time.Since(start).Seconds())
	}()

	queued, err := l.store.ListAccountsWithStatus(ctx, models.ChangeSetStatusQueued)
	if err != nil {
		return l.abort(report, fmt.Errorf("failed to list queued accounts: %w", err))
	}
	running, err := l.store.ListAccountsWithStatus(ctx, models.ChangeSetStatusRunning)
	if err != nil {
		return l.abort(report, fmt.Errorf("failed to list running accounts: %w", err))
	}

	if len(running) > 0 && l.stuckGate.AllowN(l.clock.Now(), 1) {
		report.StuckCheckRan = true
		recovery, err := l.detector.Recover(ctx, running)
		if err != nil {
			slog.Error("stuck job check failed", "running_accounts", len(running), "error", err)
		}
		report.Recovery = recovery
		metrics.StuckRequeuedTotal.Add(float64(recovery.Requeued()))
	}

	waiting := service.WaitingAccounts(queued, running)
	if len(waiting) == 0 {
		slog.Debug("no accounts waiting", "queued", len(queued), "running", len(running))
		metrics.TicksTotal.WithLabelValues("ran").Inc()
		return report
	}

	report.Accounts = make([]AccountResult, len(waiting))
	var g errgroup.Group
	g.SetLimit(l.cfg.Concurrency)
	for i, accountID := range waiting {
		g.Go(func() error {
			report.Accounts[i] = l.dispatch(ctx, accountID)
			return nil
		})
	}
	_ = g.Wait()

	for _, result := range report.Accounts {
		metrics.DispatchesTotal.WithLabelValues(string(result.Outcome)).Inc()
	}
	metrics.TicksTotal.WithLabelValues("ran").Inc()

	slog.Info("sync tick completed",
		"waiting", len(waiting),
		"completed", report.Count(OutcomeCompleted),
		"failed", report.Count(OutcomeFailed),
		"duration", time.Since(start),
	)
	return report
}

func (l *SyncLoop) abort(report TickReport, err error) TickReport {
	slog.Error("sync tick aborted", "error", err)
	metrics.TicksTotal.WithLabelValues("error").Inc()
	report.Err = err
	return report
}

// dispatch claims an account's next change sets, applies them and records the outcome
func (l *SyncLoop) dispatch(ctx context.Context, accountID string) AccountResult {
	result := AccountResult{AccountID: accountID}

	changeSets, err := l.fetcher.Fetch(ctx, accountID)
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Err = fmt.Errorf("failed to fetch queued change sets: %w", err)
		slog.Error("dispatch failed", "account_id", accountID, "error", result.Err)
		return result
	}
	if len(changeSets) == 0 {
		result.Outcome = OutcomeSkippedEmpty
		return result
	}

	ids := models.ChangeSetIDs(changeSets)
	result.ChangeSetIDs = ids

	claimed, err := l.store.ClaimForSync(ctx, ids)
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Err = err
		slog.Error("dispatch failed", "account_id", accountID, "change_set_ids", ids, "error", err)
		return result
	}
	if !claimed {
		result.Outcome = OutcomeClaimConflict
		slog.Info("change sets claimed elsewhere", "account_id", accountID, "change_set_ids", ids)
		return result
	}

	applyErr := l.apply(ctx, accountID, changeSets)

	// Record the outcome even if shutdown cancelled ctx during the apply
	recordCtx := context.WithoutCancel(ctx)
	if applyErr != nil {
		result.Outcome = OutcomeFailed
		result.Err = applyErr
		slog.Error("dispatch failed", "account_id", accountID, "change_set_ids", ids, "error", applyErr)
		moved, err := l.store.TransitionStatus(recordCtx, ids, models.ChangeSetStatusRunning, models.ChangeSetStatusFailed, applyErr.Error())
		if err != nil {
			slog.Error("failed to mark change sets failed", "account_id", accountID, "change_set_ids", ids, "error", err)
			return result
		}
		if moved > 0 && service.ShouldRetryPush(changeSets, applyErr) {
			result.RetryIDs = l.queueRetries(recordCtx, accountID, changeSets)
		}
		return result
	}

	if _, err := l.store.TransitionStatus(recordCtx, ids, models.ChangeSetStatusRunning, models.ChangeSetStatusCompleted, ""); err != nil {
		result.Outcome = OutcomeFailed
		result.Err = fmt.Errorf("failed to mark change sets completed: %w", err)
		slog.Error("dispatch failed", "account_id", accountID, "change_set_ids", ids, "error", result.Err)
		return result
	}

	result.Outcome = OutcomeCompleted
	slog.Info("change sets synced", "account_id", accountID, "change_set_ids", ids)
	return result
}

// queueRetries queues a retry change set for each failed one, in batch order
func (l *SyncLoop) queueRetries(ctx context.Context, accountID string, changeSets []models.ChangeSet) []string {
	var retryIDs []string
	for _, cs := range changeSets {
		retry := service.RetryChangeSet(cs)
		if err := l.store.Create(ctx, &retry); err != nil {
			slog.Error("failed to queue push retry", "account_id", accountID, "change_set_id", cs.ID, "error", err)
			return retryIDs
		}
		retryIDs = append(retryIDs, retry.ID)
	}
	metrics.PushRetriesTotal.Add(float64(len(retryIDs)))
	slog.Info("queued push retries",
		"account_id", accountID,
		"parent_change_set_ids", models.ChangeSetIDs(changeSets),
		"change_set_ids", retryIDs,
		"push_retry_count", changeSets[0].PushRetryCount+1,
	)
	return retryIDs
}

// apply runs the executor, turning a panic into an error
func (l *SyncLoop) apply(ctx context.Context, accountID string, changeSets []models.ChangeSet) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panicked: %v", r)
		}
	}()
	return l.executor.Apply(ctx, accountID, changeSets)
}
