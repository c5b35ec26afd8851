package models

import (
	"time"

	"gorm.io/datatypes"
)

type GitCommitStatus string

const (
	GitCommitStatusCompleted GitCommitStatus = "COMPLETED"
	GitCommitStatusFailed    GitCommitStatus = "FAILED"
)

// GitCommit records a commit processed in either direction
type GitCommit struct {
	ID             string                      `gorm:"column:id;primaryKey"`
	AccountID      string                      `gorm:"column:account_id;index"`
	GitConnectorID string                      `gorm:"column:git_connector_id"`
	BranchName     string                      `gorm:"column:branch_name"`
	CommitID       string                      `gorm:"column:commit_id;index"`
	CommitMessage  string                      `gorm:"column:commit_message"`
	Status         GitCommitStatus             `gorm:"column:status"`
	GitToHarness   bool                        `gorm:"column:git_to_harness"`
	ChangeSetIDs   datatypes.JSONSlice[string] `gorm:"column:change_set_ids"`
	CreatedAt      time.Time                   `gorm:"column:created_at;index"`
}

// TableName specifies the table name for GORM
func (GitCommit) TableName() string {
	return "git_commit"
}
