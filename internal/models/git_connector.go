package models

import "time"

// GitConnector holds the Git remote and OAuth credentials an account syncs with
type GitConnector struct {
	ID                   string     `gorm:"column:id;primaryKey"`
	AccountID            string     `gorm:"column:account_id;index"`
	URL                  string     `gorm:"column:url"`
	BranchName           string     `gorm:"column:branch_name"`
	Username             string     `gorm:"column:username"`
	AccessToken          *string    `gorm:"column:access_token"`
	RefreshToken         *string    `gorm:"column:refresh_token"`
	AccessTokenExpiresAt *time.Time `gorm:"column:access_token_expires_at"`
	CreatedAt            time.Time  `gorm:"column:created_at"`
	UpdatedAt            time.Time  `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (GitConnector) TableName() string {
	return "git_connector"
}
