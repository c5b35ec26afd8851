package models

import "time"

type FileActivityStatus string

const (
	FileActivityStatusSuccess FileActivityStatus = "SUCCESS"
	FileActivityStatusFailed  FileActivityStatus = "FAILED"
	FileActivityStatusSkipped FileActivityStatus = "SKIPPED"
)

// GitFileActivity records what happened to a single file in a processed commit
type GitFileActivity struct {
	ID           string             `gorm:"column:id;primaryKey"`
	AccountID    string             `gorm:"column:account_id;index"`
	AppID        *string            `gorm:"column:app_id"`
	CommitID     string             `gorm:"column:commit_id"`
	FilePath     string             `gorm:"column:file_path"`
	ChangeType   ChangeType         `gorm:"column:change_type"`
	Status       FileActivityStatus `gorm:"column:status"`
	ErrorMessage *string            `gorm:"column:error_message"`
	CreatedAt    time.Time          `gorm:"column:created_at;index"`
}

// TableName specifies the table name for GORM
func (GitFileActivity) TableName() string {
	return "git_file_activity"
}
