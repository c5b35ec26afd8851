package models

import "time"

type SyncErrorStatus string

const (
	SyncErrorStatusActive   SyncErrorStatus = "ACTIVE"
	SyncErrorStatusExpired  SyncErrorStatus = "EXPIRED"  // Shown as expired, kept until retention deletes it
	SyncErrorStatusResolved SyncErrorStatus = "RESOLVED" // A later sync of the same file succeeded
)

// GitSyncError records a file that could not be synced
type GitSyncError struct {
	ID           string          `gorm:"column:id;primaryKey"`
	AccountID    string          `gorm:"column:account_id;index"`
	AppID        *string         `gorm:"column:app_id"`
	FilePath     string          `gorm:"column:file_path"`
	ChangeType   ChangeType      `gorm:"column:change_type"`
	ErrorMessage string          `gorm:"column:error_message"`
	GitToHarness bool            `gorm:"column:git_to_harness"`
	CommitID     *string         `gorm:"column:commit_id"`
	Status       SyncErrorStatus `gorm:"column:status;index"`
	CreatedAt    time.Time       `gorm:"column:created_at;index"`
	UpdatedAt    time.Time       `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (GitSyncError) TableName() string {
	return "git_sync_error"
}
