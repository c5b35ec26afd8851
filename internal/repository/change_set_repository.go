package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vipul43/gitsync-worker/internal/models"
	"gorm.io/gorm"
)

var (
	ErrInvalidTransition = errors.New("invalid change set status transition")
	ErrChangeSetNotFound = errors.New("change set not found")

	errClaimConflict = errors.New("change set no longer queued")
)

// StuckChangeSet identifies a RUNNING change set that outlived the stuck-job timeout
type StuckChangeSet struct {
	ID        string
	AccountID string
}

type ChangeSetRepository struct {
	db *gorm.DB
}

func NewChangeSetRepository(db *gorm.DB) *ChangeSetRepository {
	return &ChangeSetRepository{db: db}
}

// Create inserts a new change set, defaulting to QUEUED
func (r *ChangeSetRepository) Create(ctx context.Context, cs *models.ChangeSet) error {
	now := r.db.NowFunc()
	if cs.ID == "" {
		cs.ID = uuid.New().String()
	}
	if cs.Status == "" {
		cs.Status = models.ChangeSetStatusQueued
	}
	if !cs.Status.Valid() {
		return fmt.Errorf("failed to create change set: unknown status %q", cs.Status)
	}
	if cs.QueuedOn.IsZero() {
		cs.QueuedOn = now
	}
	if cs.CreatedAt.IsZero() {
		cs.CreatedAt = now
	}
	if cs.UpdatedAt.IsZero() {
		cs.UpdatedAt = now
	}

	if err := r.db.WithContext(ctx).Create(cs).Error; err != nil {
		return fmt.Errorf("failed to create change set: %w", err)
	}
	return nil
}

// GetByID retrieves a change set by ID
func (r *ChangeSetRepository) GetByID(ctx context.Context, id string) (*models.ChangeSet, error) {
	var cs models.ChangeSet
	result := r.db.WithContext(ctx).First(&cs, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrChangeSetNotFound
		}
		return nil, fmt.Errorf("failed to get change set: %w", result.Error)
	}
	return &cs, nil
}

// ListAccountsWithStatus returns the distinct accounts owning at least one change set in status
func (r *ChangeSetRepository) ListAccountsWithStatus(ctx context.Context, status models.ChangeSetStatus) ([]string, error) {
	var accountIDs []string
	result := r.db.WithContext(ctx).
		Model(&models.ChangeSet{}).
		Where("status = ?", status).
		Distinct().
		Pluck("account_id", &accountIDs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list %s accounts: %w", status, result.Error)
	}
	return accountIDs, nil
}

// ListStuckRunning returns RUNNING change sets of the given accounts last updated before olderThan
func (r *ChangeSetRepository) ListStuckRunning(ctx context.Context, accountIDs []string, olderThan time.Time) ([]StuckChangeSet, error) {
	if len(accountIDs) == 0 {
		return nil, nil
	}

	var stuck []StuckChangeSet
	result := r.db.WithContext(ctx).
		Model(&models.ChangeSet{}).
		Select("id", "account_id").
		Where("status = ? AND account_id IN ? AND updated_at < ?", models.ChangeSetStatusRunning, accountIDs, olderThan).
		Order("updated_at ASC").
		Find(&stuck)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query stuck change sets: %w", result.Error)
	}
	return stuck, nil
}

// FetchQueuedChangeSets returns up to limit QUEUED change sets of an account in queue order
func (r *ChangeSetRepository) FetchQueuedChangeSets(ctx context.Context, accountID string, limit int) ([]models.ChangeSet, error) {
	var changeSets []models.ChangeSet
	result := r.db.WithContext(ctx).
		Where("account_id = ? AND status = ?", accountID, models.ChangeSetStatusQueued).
		Order("queued_on ASC, created_at ASC").
		Limit(limit).
		Find(&changeSets)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query queued change sets: %w", result.Error)
	}
	return changeSets, nil
}

// TransitionStatus moves ids from one status to another.
// Only rows still in from are touched; the number of rows moved is returned.
func (r *ChangeSetRepository) TransitionStatus(ctx context.Context, ids []string, from, to models.ChangeSetStatus, reason string) (int64, error) {
	if err := checkTransition(from, to); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	result := r.db.WithContext(ctx).
		Model(&models.ChangeSet{}).
		Where("id IN ? AND status = ?", ids, from).
		Updates(r.statusUpdates(to, reason))
	if result.Error != nil {
		return 0, fmt.Errorf("failed to move change sets %s -> %s: %w", from, to, result.Error)
	}
	return result.RowsAffected, nil
}

// ClaimForSync moves ids from QUEUED to RUNNING as a unit.
// It returns false, changing nothing, if any of them is no longer QUEUED.
func (r *ChangeSetRepository) ClaimForSync(ctx context.Context, ids []string) (bool, error) {
	if len(ids) == 0 {
		return false, nil
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.ChangeSet{}).
			Where("id IN ? AND status = ?", ids, models.ChangeSetStatusQueued).
			Updates(r.statusUpdates(models.ChangeSetStatusRunning, ""))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected != int64(len(ids)) {
			return errClaimConflict
		}
		return nil
	})
	if errors.Is(err, errClaimConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to claim change sets: %w", err)
	}
	return true, nil
}

// SkipQueuedOlderThan marks QUEUED change sets created before olderThan as SKIPPED
func (r *ChangeSetRepository) SkipQueuedOlderThan(ctx context.Context, olderThan time.Time, reason string) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.ChangeSet{}).
		Where("status = ? AND created_at < ?", models.ChangeSetStatusQueued, olderThan).
		Updates(r.statusUpdates(models.ChangeSetStatusSkipped, reason))
	if result.Error != nil {
		return 0, fmt.Errorf("failed to skip stale change sets: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (r *ChangeSetRepository) statusUpdates(status models.ChangeSetStatus, reason string) map[string]interface{} {
	updates := map[string]interface{}{
		"status":        status,
		"status_reason": nil,
		"updated_at":    r.db.NowFunc(),
	}
	if reason != "" {
		updates["status_reason"] = reason
	}
	return updates
}

func checkTransition(from, to models.ChangeSetStatus) error {
	switch {
	case !from.Valid() || !to.Valid():
		return fmt.Errorf("%w: unknown status in %q -> %q", ErrInvalidTransition, from, to)
	case from.IsTerminal():
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, from)
	case !models.CanTransition(from, to):
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
