package models

import (
	"time"

	"gorm.io/datatypes"
)

type ChangeSetStatus string

const (
	ChangeSetStatusQueued    ChangeSetStatus = "QUEUED"
	ChangeSetStatusRunning   ChangeSetStatus = "RUNNING"
	ChangeSetStatusFailed    ChangeSetStatus = "FAILED"
	ChangeSetStatusCompleted ChangeSetStatus = "COMPLETED"
	ChangeSetStatusSkipped   ChangeSetStatus = "SKIPPED"
)

// Status reasons recorded alongside a transition
const (
	ReasonMaxQueueDurationExceeded = "max queue duration exceeded"
	ReasonStuckJobRequeued         = "stuck job re-queued"
)

type ChangeType string

const (
	ChangeTypeAdd    ChangeType = "ADD"
	ChangeTypeModify ChangeType = "MODIFY"
	ChangeTypeDelete ChangeType = "DELETE"
	ChangeTypeRename ChangeType = "RENAME"
)

// FileChange is one file-level change carried by a change set
type FileChange struct {
	FilePath    string     `json:"file_path"`
	FileContent string     `json:"file_content,omitempty"`
	ChangeType  ChangeType `json:"change_type"`
	OldFilePath string     `json:"old_file_path,omitempty"`
}

// ChangeSet is a unit of synchronization work for one account
type ChangeSet struct {
	ID                string                          `gorm:"column:id;primaryKey"`
	AccountID         string                          `gorm:"column:account_id;index"`
	AppID             *string                         `gorm:"column:app_id"`
	Status            ChangeSetStatus                 `gorm:"column:status;index"`
	StatusReason      *string                         `gorm:"column:status_reason"`
	GitToHarness      bool                            `gorm:"column:git_to_harness"`
	ForcePush         bool                            `gorm:"column:force_push"`
	FullSync          bool                            `gorm:"column:full_sync"`
	PushRetryCount    int                             `gorm:"column:push_retry_count"`
	ParentChangeSetID *string                         `gorm:"column:parent_change_set_id"`
	BranchName        *string                         `gorm:"column:branch_name"`
	GitConnectorID    *string                         `gorm:"column:git_connector_id"`
	HeadCommitID      *string                         `gorm:"column:head_commit_id"`
	FileChanges       datatypes.JSONSlice[FileChange] `gorm:"column:file_changes"`
	QueuedOn          time.Time                       `gorm:"column:queued_on"`
	CreatedAt         time.Time                       `gorm:"column:created_at"`
	UpdatedAt         time.Time                       `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (ChangeSet) TableName() string {
	return "yaml_change_set"
}

// Provenance returns the branch/connector pair a webhook-originated change set came from
func (c ChangeSet) Provenance() (branch, connector string) {
	if c.BranchName != nil {
		branch = *c.BranchName
	}
	if c.GitConnectorID != nil {
		connector = *c.GitConnectorID
	}
	return branch, connector
}

// ChangeSetIDs returns the ids of the given change sets in order
func ChangeSetIDs(changeSets []ChangeSet) []string {
	ids := make([]string, 0, len(changeSets))
	for _, cs := range changeSets {
		ids = append(ids, cs.ID)
	}
	return ids
}
