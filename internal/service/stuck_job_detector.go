package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/vipul43/gitsync-worker/internal/clock"
	"github.com/vipul43/gitsync-worker/internal/models"
	"github.com/vipul43/gitsync-worker/internal/repository"
)

// DefaultStuckJobTimeout is how long a change set may stay RUNNING before it is considered abandoned
const DefaultStuckJobTimeout = 90 * time.Minute

// StuckJobStore is the part of the change set store stuck-job recovery needs
type StuckJobStore interface {
	ListStuckRunning(ctx context.Context, accountIDs []string, olderThan time.Time) ([]repository.StuckChangeSet, error)
	TransitionStatus(ctx context.Context, ids []string, from, to models.ChangeSetStatus, reason string) (int64, error)
}

// RecoveredAccount is the recovery outcome for one account
type RecoveredAccount struct {
	AccountID    string
	ChangeSetIDs []string
	Requeued     int64
	Err          error
}

type RecoveryReport struct {
	Accounts []RecoveredAccount
}

// Requeued returns the number of change sets moved back to QUEUED
func (r RecoveryReport) Requeued() int64 {
	var total int64
	for _, acc := range r.Accounts {
		total += acc.Requeued
	}
	return total
}

type StuckJobDetector struct {
	store   StuckJobStore
	clock   clock.Clock
	timeout time.Duration
}

func NewStuckJobDetector(store StuckJobStore, clk clock.Clock, timeout time.Duration) *StuckJobDetector {
	if timeout <= 0 {
		timeout = DefaultStuckJobTimeout
	}
	return &StuckJobDetector{
		store:   store,
		clock:   clk,
		timeout: timeout,
	}
}

// Detect returns the stuck change set ids of the running accounts, grouped by account.
// The second return value lists the accounts in the order they were first seen.
func (d *StuckJobDetector) Detect(ctx context.Context, running []string) (map[string][]string, []string, error) {
	if len(running) == 0 {
		return nil, nil, nil
	}

	stuck, err := d.store.ListStuckRunning(ctx, running, d.clock.Now().Add(-d.timeout))
	if err != nil {
		return nil, nil, err
	}

	byAccount := make(map[string][]string)
	var order []string
	for _, cs := range stuck {
		if _, ok := byAccount[cs.AccountID]; !ok {
			order = append(order, cs.AccountID)
		}
		byAccount[cs.AccountID] = append(byAccount[cs.AccountID], cs.ID)
	}
	return byAccount, order, nil
}

// Recover re-queues every stuck change set of the running accounts.
// A failure for one account is recorded in the report and the others still run.
func (d *StuckJobDetector) Recover(ctx context.Context, running []string) (RecoveryReport, error) {
	var report RecoveryReport

	byAccount, order, err := d.Detect(ctx, running)
	if err != nil {
		return report, err
	}

	for _, accountID := range order {
		ids := byAccount[accountID]
		requeued, err := d.store.TransitionStatus(ctx, ids,
			models.ChangeSetStatusRunning, models.ChangeSetStatusQueued, models.ReasonStuckJobRequeued)
		if err != nil {
			slog.Error("failed to re-queue stuck change sets",
				"account_id", accountID,
				"change_set_ids", ids,
				"error", err,
			)
		} else {
			slog.Warn("re-queued stuck change sets",
				"account_id", accountID,
				"change_set_ids", ids,
				"requeued", requeued,
			)
		}
		report.Accounts = append(report.Accounts, RecoveredAccount{
			AccountID:    accountID,
			ChangeSetIDs: ids,
			Requeued:     requeued,
			Err:          err,
		})
	}
	return report, nil
}
