package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vipul43/gitsync-worker/internal/models"
	"gorm.io/gorm"
)

type GitSyncErrorRepository struct {
	db *gorm.DB
}

func NewGitSyncErrorRepository(db *gorm.DB) *GitSyncErrorRepository {
	return &GitSyncErrorRepository{db: db}
}

// BulkCreate records ACTIVE sync errors
func (r *GitSyncErrorRepository) BulkCreate(ctx context.Context, syncErrors []models.GitSyncError) error {
	if len(syncErrors) == 0 {
		return nil
	}
	now := r.db.NowFunc()
	for i := range syncErrors {
		if syncErrors[i].ID == "" {
			syncErrors[i].ID = uuid.New().String()
		}
		if syncErrors[i].Status == "" {
			syncErrors[i].Status = models.SyncErrorStatusActive
		}
		if syncErrors[i].CreatedAt.IsZero() {
			syncErrors[i].CreatedAt = now
		}
		syncErrors[i].UpdatedAt = now
	}
	if err := r.db.WithContext(ctx).Create(&syncErrors).Error; err != nil {
		return fmt.Errorf("failed to create sync errors: %w", err)
	}
	return nil
}

// ResolveForFiles marks an account's ACTIVE errors for the given paths as RESOLVED
func (r *GitSyncErrorRepository) ResolveForFiles(ctx context.Context, accountID string, filePaths []string, gitToHarness bool) (int64, error) {
	if len(filePaths) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).
		Model(&models.GitSyncError{}).
		Where("account_id = ? AND git_to_harness = ? AND status = ? AND file_path IN ?",
			accountID, gitToHarness, models.SyncErrorStatusActive, filePaths).
		Updates(map[string]interface{}{
			"status":     models.SyncErrorStatusResolved,
			"updated_at": r.db.NowFunc(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to resolve sync errors: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// MarkExpiredOlderThan walks ACTIVE errors created before olderThan and marks each EXPIRED
func (r *GitSyncErrorRepository) MarkExpiredOlderThan(ctx context.Context, olderThan time.Time, batchSize int) (int64, error) {
	var expired int64
	var batch []models.GitSyncError

	result := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.SyncErrorStatusActive, olderThan).
		FindInBatches(&batch, batchSize, func(tx *gorm.DB, _ int) error {
			for _, syncErr := range batch {
				updated := r.db.WithContext(ctx).
					Model(&models.GitSyncError{}).
					Where("id = ? AND status = ?", syncErr.ID, models.SyncErrorStatusActive).
					Updates(map[string]interface{}{
						"status":     models.SyncErrorStatusExpired,
						"updated_at": r.db.NowFunc(),
					})
				if updated.Error != nil {
					return fmt.Errorf("failed to expire sync error %s: %w", syncErr.ID, updated.Error)
				}
				expired += updated.RowsAffected
			}
			return nil
		})
	if result.Error != nil {
		return expired, fmt.Errorf("failed to expire sync errors: %w", result.Error)
	}
	return expired, nil
}

// ListAccounts returns every account owning sync error records
func (r *GitSyncErrorRepository) ListAccounts(ctx context.Context) ([]string, error) {
	return listAccounts(ctx, r.db, &models.GitSyncError{})
}

// DeleteExpired deletes an account's sync errors older than olderThan in pages
func (r *GitSyncErrorRepository) DeleteExpired(ctx context.Context, accountID string, olderThan time.Time, pageSize int) (int64, error) {
	return deleteExpired(ctx, r.db, &models.GitSyncError{}, accountID, olderThan, pageSize)
}
