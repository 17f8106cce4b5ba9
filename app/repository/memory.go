package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/craftloghq/connect/app/models"
)

// MemoryIntegrationRepository is an in-memory IntegrationRepository used by
// tests and single-process experiments. It mirrors the gorm implementation's
// semantics, including gorm.ErrRecordNotFound for missing rows.
type MemoryIntegrationRepository struct {
	mu   sync.Mutex
	seq  uint
	rows map[string]*models.Integration
}

var _ IntegrationRepository = (*MemoryIntegrationRepository)(nil)

// NewMemoryIntegrationRepository creates an empty in-memory repository.
func NewMemoryIntegrationRepository() *MemoryIntegrationRepository {
	return &MemoryIntegrationRepository{rows: make(map[string]*models.Integration)}
}

func pairKey(userID uint, provider string) string {
	return fmt.Sprintf("%d:%s", userID, provider)
}

func (r *MemoryIntegrationRepository) Upsert(ctx context.Context, integration *models.Integration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := pairKey(integration.UserID, integration.Provider)
	if existing, ok := r.rows[key]; ok {
		existing.AccessToken = integration.AccessToken
		existing.RefreshToken = integration.RefreshToken
		existing.ExpiresAt = integration.ExpiresAt
		existing.Scope = integration.Scope
		existing.Active = true
		existing.ConnectedAt = integration.ConnectedAt
		existing.LastRefreshedAt = nil
		*integration = *existing
		return nil
	}
	r.seq++
	integration.ID = r.seq
	cp := *integration
	r.rows[key] = &cp
	return nil
}

func (r *MemoryIntegrationRepository) GetActive(ctx context.Context, userID uint, provider string) (*models.Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[pairKey(userID, provider)]
	if !ok || !row.Active {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *row
	return &cp, nil
}

func (r *MemoryIntegrationRepository) ListActive(ctx context.Context, userID uint) ([]models.Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Integration
	for _, row := range r.rows {
		if row.UserID == userID && row.Active {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (r *MemoryIntegrationRepository) UpdateTokens(ctx context.Context, id uint, accessToken, refreshToken string, expiresAt *time.Time, refreshedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.ID == id {
			row.AccessToken = accessToken
			row.RefreshToken = refreshToken
			row.ExpiresAt = expiresAt
			t := refreshedAt
			row.LastRefreshedAt = &t
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (r *MemoryIntegrationRepository) Deactivate(ctx context.Context, userID uint, provider string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[pairKey(userID, provider)]
	if !ok || !row.Active {
		return gorm.ErrRecordNotFound
	}
	row.Active = false
	return nil
}

// Get returns the row regardless of its active flag. Test helper.
func (r *MemoryIntegrationRepository) Get(userID uint, provider string) (*models.Integration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[pairKey(userID, provider)]
	if !ok {
		return nil, false
	}
	cp := *row
	return &cp, true
}
