package repository

import (
	"context"
	"time"

	"github.com/craftloghq/connect/app/models"
)

// IntegrationRepository defines the interface for integration-related
// database operations. Only the refresh coordinator and the authorization
// flow mutate integrations; everything else reads.
type IntegrationRepository interface {
	// Upsert creates the (user, provider) row or, if one already exists
	// (active or not), replaces its tokens and reactivates it.
	Upsert(ctx context.Context, integration *models.Integration) error
	GetActive(ctx context.Context, userID uint, provider string) (*models.Integration, error)
	ListActive(ctx context.Context, userID uint) ([]models.Integration, error)
	UpdateTokens(ctx context.Context, id uint, accessToken, refreshToken string, expiresAt *time.Time, refreshedAt time.Time) error
	// Deactivate soft-deletes the integration. There is deliberately no
	// hard-delete operation on this interface.
	Deactivate(ctx context.Context, userID uint, provider string) error
}
