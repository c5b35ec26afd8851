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

type GitCommitRepository struct {
	db *gorm.DB
}

func NewGitCommitRepository(db *gorm.DB) *GitCommitRepository {
	return &GitCommitRepository{db: db}
}

// Create records a processed commit
func (r *GitCommitRepository) Create(ctx context.Context, commit *models.GitCommit) error {
	if commit.ID == "" {
		commit.ID = uuid.New().String()
	}
	if commit.CreatedAt.IsZero() {
		commit.CreatedAt = r.db.NowFunc()
	}
	if err := r.db.WithContext(ctx).Create(commit).Error; err != nil {
		return fmt.Errorf("failed to create git commit: %w", err)
	}
	return nil
}

// IsCommitProcessed reports whether commitID was already processed successfully for the account
func (r *GitCommitRepository) IsCommitProcessed(ctx context.Context, accountID, commitID string) (bool, error) {
	var count int64
	result := r.db.WithContext(ctx).
		Model(&models.GitCommit{}).
		Where("account_id = ? AND commit_id = ? AND status = ?", accountID, commitID, models.GitCommitStatusCompleted).
		Count(&count)
	if result.Error != nil {
		return false, fmt.Errorf("failed to check processed commit: %w", result.Error)
	}
	return count > 0, nil
}

// LastProcessed returns the newest successfully processed commit for a connector branch, or nil
func (r *GitCommitRepository) LastProcessed(ctx context.Context, accountID, connectorID, branch string) (*models.GitCommit, error) {
	var commit models.GitCommit
	result := r.db.WithContext(ctx).
		Where("account_id = ? AND git_connector_id = ? AND branch_name = ? AND status = ?",
			accountID, connectorID, branch, models.GitCommitStatusCompleted).
		Order("created_at DESC").
		First(&commit)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get last processed commit: %w", result.Error)
	}
	return &commit, nil
}

// ListAccounts returns every account owning commit records
func (r *GitCommitRepository) ListAccounts(ctx context.Context) ([]string, error) {
	return listAccounts(ctx, r.db, &models.GitCommit{})
}

// DeleteExpired deletes an account's commit records older than olderThan in pages
func (r *GitCommitRepository) DeleteExpired(ctx context.Context, accountID string, olderThan time.Time, pageSize int) (int64, error) {
	return deleteExpired(ctx, r.db, &models.GitCommit{}, accountID, olderThan, pageSize)
}
