package repository

import (
	"gorm.io/gorm"

	"github.com/craftloghq/connect/internal/pkg/database"
)

// Factory provides centralized access to all repositories
type Factory struct {
	db *gorm.DB
}

// NewFactory creates a new repository factory
func NewFactory(db *gorm.DB) *Factory {
	return &Factory{db: db}
}

// NewDefaultFactory creates a factory using the global database connection
func NewDefaultFactory() *Factory {
	return &Factory{db: database.GetDB()}
}

// Integrations returns an IntegrationRepository instance
func (f *Factory) Integrations() IntegrationRepository {
	return NewIntegrationRepository(f.db)
}
