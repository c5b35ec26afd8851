package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// listAccounts returns the distinct owners of rows in model's table
func listAccounts(ctx context.Context, db *gorm.DB, model interface{}) ([]string, error) {
	var accountIDs []string
	if err := db.WithContext(ctx).Model(model).Distinct().Pluck("account_id", &accountIDs).Error; err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accountIDs, nil
}

// deleteExpired deletes an account's rows created before olderThan, one page of ids at a time.
// It stops when a page comes back short or the deleted total reaches the count taken up front.
func deleteExpired(ctx context.Context, db *gorm.DB, model interface{}, accountID string, olderThan time.Time, pageSize int) (int64, error) {
	expired := func() *gorm.DB {
		return db.WithContext(ctx).Model(model).Where("account_id = ? AND created_at < ?", accountID, olderThan)
	}

	var total int64
	if err := expired().Count(&total).Error; err != nil {
		return 0, fmt.Errorf("failed to count expired records: %w", err)
	}
	if total == 0 {
		return 0, nil
	}

	var deleted int64
	for {
		var ids []string
		if err := expired().Order("created_at ASC").Limit(pageSize).Pluck("id", &ids).Error; err != nil {
			return deleted, fmt.Errorf("failed to query expired records: %w", err)
		}
		if len(ids) == 0 {
			break
		}

		result := db.WithContext(ctx).Where("id IN ?", ids).Delete(model)
		if result.Error != nil {
			return deleted, fmt.Errorf("failed to delete expired records: %w", result.Error)
		}
		deleted += result.RowsAffected

		if len(ids) < pageSize || deleted >= total {
			break
		}
	}
	return deleted, nil
}
