package repository

import (
	"context"
	"errors"

	"shelfgate/internal/model"
	"shelfgate/pkg/constraints"

	"gorm.io/gorm"
)

// OverrideInterface is the persistence contract for the override layers.
// Get returns nil for a missing row; a row with Value == nil is a cleared
// override, which callers must treat as "layer not defined".
type OverrideInterface interface {
	Get(ctx context.Context, scope, tenantID, key string) (*model.FlagOverride, error)
	GetAll(ctx context.Context) ([]*model.FlagOverride, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*model.FlagOverride, error)
	ListPlatform(ctx context.Context) ([]*model.FlagOverride, error)
	Save(ctx context.Context, o *model.FlagOverride) error
	WithTx(tx *gorm.DB) OverrideInterface
}

type OverrideRepository struct {
	db *gorm.DB
}

func NewOverrideRepository(db *gorm.DB) *OverrideRepository {
	return &OverrideRepository{db: db}
}

func (r *OverrideRepository) Get(ctx context.Context, scope, tenantID, key string) (*model.FlagOverride, error) {
	var o model.FlagOverride
	if err := r.db.WithContext(ctx).
		Where("scope = ? AND tenant_id = ? AND `key` = ?", scope, tenantID, key).
		First(&o).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &o, nil
}

func (r *OverrideRepository) GetAll(ctx context.Context) ([]*model.FlagOverride, error) {
	var overrides []*model.FlagOverride
	err := r.db.WithContext(ctx).Find(&overrides).Error
	return overrides, err
}

func (r *OverrideRepository) ListByTenant(ctx context.Context, tenantID string) ([]*model.FlagOverride, error) {
	var overrides []*model.FlagOverride
	err := r.db.WithContext(ctx).
		Where("scope = ? AND tenant_id = ?", constraints.ScopeTenant, tenantID).
		Find(&overrides).Error
	return overrides, err
}

func (r *OverrideRepository) ListPlatform(ctx context.Context) ([]*model.FlagOverride, error) {
	var overrides []*model.FlagOverride
	err := r.db.WithContext(ctx).
		Where("scope = ?", constraints.ScopePlatform).
		Find(&overrides).Error
	return overrides, err
}

func (r *OverrideRepository) Save(ctx context.Context, o *model.FlagOverride) error {
	return r.db.WithContext(ctx).Save(o).Error
}

func (r *OverrideRepository) WithTx(tx *gorm.DB) OverrideInterface {
	return &OverrideRepository{db: tx}
}
