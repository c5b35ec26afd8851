package models

import "time"

// ConfigFile is the stored copy of a YAML file synced in from Git
type ConfigFile struct {
	AccountID string    `gorm:"column:account_id;primaryKey"`
	FilePath  string    `gorm:"column:file_path;primaryKey"`
	Content   string    `gorm:"column:content"`
	CommitID  string    `gorm:"column:commit_id"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (ConfigFile) TableName() string {
	return "config_file"
}
