package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vipul43/gitsync-worker/internal/models"
	"gorm.io/gorm"
)

type GitFileActivityRepository struct {
	db *gorm.DB
}

func NewGitFileActivityRepository(db *gorm.DB) *GitFileActivityRepository {
	return &GitFileActivityRepository{db: db}
}

// BulkCreate inserts file activities in a single statement
func (r *GitFileActivityRepository) BulkCreate(ctx context.Context, activities []models.GitFileActivity) error {
	if len(activities) == 0 {
		return nil
	}
	now := r.db.NowFunc()
	for i := range activities {
		if activities[i].ID == "" {
			activities[i].ID = uuid.New().String()
		}
		if activities[i].CreatedAt.IsZero() {
			activities[i].CreatedAt = now
		}
	}
	if err := r.db.WithContext(ctx).Create(&activities).Error; err != nil {
		return fmt.Errorf("failed to create file activities: %w", err)
	}
	return nil
}

// ListAccounts returns every account owning file activity records
func (r *GitFileActivityRepository) ListAccounts(ctx context.Context) ([]string, error) {
	return listAccounts(ctx, r.db, &models.GitFileActivity{})
}

// DeleteExpired deletes an account's file activities older than olderThan in pages
func (r *GitFileActivityRepository) DeleteExpired(ctx context.Context, accountID string, olderThan time.Time, pageSize int) (int64, error) {
	return deleteExpired(ctx, r.db, &models.GitFileActivity{}, accountID, olderThan, pageSize)
}
