package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vipul43/gitsync-worker/internal/models"
	"gorm.io/gorm"
)

var ErrConnectorNotFound = errors.New("git connector not found")

type GitConnectorRepository struct {
	db *gorm.DB
}

func NewGitConnectorRepository(db *gorm.DB) *GitConnectorRepository {
	return &GitConnectorRepository{db: db}
}

// GetForAccount retrieves an account's connector by ID, or its oldest connector when connectorID is empty
func (r *GitConnectorRepository) GetForAccount(ctx context.Context, accountID, connectorID string) (*models.GitConnector, error) {
	var connector models.GitConnector
	query := r.db.WithContext(ctx).Where("account_id = ?", accountID)
	if connectorID != "" {
		query = query.Where("id = ?", connectorID)
	}
	result := query.Order("created_at ASC").First(&connector)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrConnectorNotFound
		}
		return nil, fmt.Errorf("failed to get git connector: %w", result.Error)
	}
	return &connector, nil
}

// Create inserts a connector
func (r *GitConnectorRepository) Create(ctx context.Context, connector *models.GitConnector) error {
	if err := r.db.WithContext(ctx).Create(connector).Error; err != nil {
		return fmt.Errorf("failed to create git connector: %w", err)
	}
	return nil
}

// UpdateTokens updates access token, refresh token, and access token expiry
func (r *GitConnectorRepository) UpdateTokens(ctx context.Context, connectorID string, accessToken string, refreshToken string, accessTokenExpiresAt time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.GitConnector{}).
		Where("id = ?", connectorID).
		Updates(map[string]interface{}{
			"access_token":            accessToken,
			"refresh_token":           refreshToken,
			"access_token_expires_at": accessTokenExpiresAt,
			"updated_at":              r.db.NowFunc(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update tokens: %w", result.Error)
	}
	return nil
}
