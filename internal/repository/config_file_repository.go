package repository

import (
	"context"
	"fmt"

	"github.com/vipul43/gitsync-worker/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ConfigFileRepository struct {
	db *gorm.DB
}

func NewConfigFileRepository(db *gorm.DB) *ConfigFileRepository {
	return &ConfigFileRepository{db: db}
}

// Upsert stores file content, replacing any previous version of the same path
func (r *ConfigFileRepository) Upsert(ctx context.Context, file models.ConfigFile) error {
	if file.UpdatedAt.IsZero() {
		file.UpdatedAt = r.db.NowFunc()
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}, {Name: "file_path"}},
			DoUpdates: clause.AssignmentColumns([]string{"content", "commit_id", "updated_at"}),
		}).
		Create(&file)
	if result.Error != nil {
		return fmt.Errorf("failed to upsert config file %s: %w", file.FilePath, result.Error)
	}
	return nil
}

// Delete removes a stored file; deleting a missing file is not an error
func (r *ConfigFileRepository) Delete(ctx context.Context, accountID, filePath string) error {
	result := r.db.WithContext(ctx).
		Where("account_id = ? AND file_path = ?", accountID, filePath).
		Delete(&models.ConfigFile{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete config file %s: %w", filePath, result.Error)
	}
	return nil
}

// Get returns a stored file, or nil when absent
func (r *ConfigFileRepository) Get(ctx context.Context, accountID, filePath string) (*models.ConfigFile, error) {
	var files []models.ConfigFile
	result := r.db.WithContext(ctx).
		Where("account_id = ? AND file_path = ?", accountID, filePath).
		Limit(1).
		Find(&files)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get config file %s: %w", filePath, result.Error)
	}
	if len(files) == 0 {
		return nil, nil
	}
	return &files[0], nil
}
