package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/craftloghq/connect/app/models"
)

// integrationRepository implements IntegrationRepository on GORM/MySQL.
type integrationRepository struct {
	db *gorm.DB
}

// NewIntegrationRepository creates a new integration repository instance
func NewIntegrationRepository(db *gorm.DB) IntegrationRepository {
	return &integrationRepository{db: db}
}

func (r *integrationRepository) Upsert(ctx context.Context, integration *models.Integration) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Integration
		err := tx.Where("user_id = ? AND provider = ?", integration.UserID, integration.Provider).
			First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(integration).Error
		}
		if err != nil {
			return err
		}

		// Reconnect: keep the row, replace the grant.
		existing.AccessToken = integration.AccessToken
		existing.RefreshToken = integration.RefreshToken
		existing.ExpiresAt = integration.ExpiresAt
		existing.Scope = integration.Scope
		existing.Active = true
		existing.ConnectedAt = integration.ConnectedAt
		existing.LastRefreshedAt = nil
		if err := tx.Save(&existing).Error; err != nil {
			return err
		}
		*integration = existing
		return nil
	})
}

func (r *integrationRepository) GetActive(ctx context.Context, userID uint, provider string) (*models.Integration, error) {
	var integration models.Integration
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND provider = ? AND active = ?", userID, provider, true).
		First(&integration).Error
	if err != nil {
		return nil, err
	}
	return &integration, nil
}

func (r *integrationRepository) ListActive(ctx context.Context, userID uint) ([]models.Integration, error) {
	var integrations []models.Integration
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND active = ?", userID, true).
		Order("provider asc").
		Find(&integrations).Error
	return integrations, err
}

func (r *integrationRepository) UpdateTokens(ctx context.Context, id uint, accessToken, refreshToken string, expiresAt *time.Time, refreshedAt time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Integration{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"access_token":      accessToken,
			"refresh_token":     refreshToken,
			"expires_at":        expiresAt,
			"last_refreshed_at": refreshedAt,
		}).Error
}

func (r *integrationRepository) Deactivate(ctx context.Context, userID uint, provider string) error {
	res := r.db.WithContext(ctx).Model(&models.Integration{}).
		Where("user_id = ? AND provider = ? AND active = ?", userID, provider, true).
		Update("active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
