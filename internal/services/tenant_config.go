package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/akmatori/issuebridge/internal/database"
)

// TenantConfigService manages the single BridgeConfig row of each tenant
type TenantConfigService struct {
	db       *gorm.DB
	validate *validator.Validate
}

// NewTenantConfigService creates a new tenant config service
func NewTenantConfigService(db *gorm.DB) *TenantConfigService {
	return &TenantConfigService{db: db, validate: validator.New()}
}

// Get returns the tenant's config, or ErrNotFound for tenants that were never onboarded
func (s *TenantConfigService) Get(ctx context.Context, tenantID string) (*database.BridgeConfig, error) {
	cfg, err := database.GetBridgeConfig(s.db.WithContext(ctx), tenantID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return cfg, err
}

// Validate rejects configs that the pipeline could not act on
func (s *TenantConfigService) Validate(cfg *database.BridgeConfig) error {
	if err := s.validate.Struct(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return nil
}

// Save creates or replaces the tenant's config. Breaker state is runtime state and is kept from
// the stored row.
func (s *TenantConfigService) Save(ctx context.Context, cfg *database.BridgeConfig) error {
	if err := s.Validate(cfg); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing database.BridgeConfig
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ?", cfg.TenantID).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			cfg.ID = 0
			return tx.Create(cfg).Error
		}
		if err != nil {
			return err
		}
		cfg.ID = existing.ID
		cfg.CreatedAt = existing.CreatedAt
		cfg.CircuitBreakerTrippedAt = existing.CircuitBreakerTrippedAt
		cfg.ConsecutiveFailures = existing.ConsecutiveFailures
		return tx.Save(cfg).Error
	})
}

// SetEnabled soft-enables or soft-disables a tenant's bridge
func (s *TenantConfigService) SetEnabled(ctx context.Context, tenantID string, enabled bool) error {
	result := s.db.WithContext(ctx).Model(&database.BridgeConfig{}).
		Where("tenant_id = ?", tenantID).Update("enabled", enabled)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTenants returns every tenant with a config, enabled or not
func (s *TenantConfigService) ListTenants(ctx context.Context) ([]database.BridgeConfig, error) {
	var configs []database.BridgeConfig
	err := s.db.WithContext(ctx).Order("tenant_id ASC").Find(&configs).Error
	return configs, err
}
