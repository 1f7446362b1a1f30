package repository

import (
	"context"
	"errors"

	"shelfgate/internal/model"

	"gorm.io/gorm"
)

// PlatformFlagInterface is the persistence contract for the platform_db layer.
type PlatformFlagInterface interface {
	GetByKey(ctx context.Context, key string) (*model.PlatformFlag, error)
	GetAll(ctx context.Context) ([]*model.PlatformFlag, error)
	List(ctx context.Context, search string) ([]*model.PlatformFlag, error)
	Save(ctx context.Context, flag *model.PlatformFlag) error
	WithTx(tx *gorm.DB) PlatformFlagInterface
}

type PlatformFlagRepository struct {
	db *gorm.DB
}

func NewPlatformFlagRepository(db *gorm.DB) *PlatformFlagRepository {
	return &PlatformFlagRepository{db: db}
}

func (r *PlatformFlagRepository) GetByKey(ctx context.Context, key string) (*model.PlatformFlag, error) {
	var flag model.PlatformFlag
	if err := r.db.WithContext(ctx).Where("`key` = ?", key).First(&flag).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &flag, nil
}

func (r *PlatformFlagRepository) GetAll(ctx context.Context) ([]*model.PlatformFlag, error) {
	var flags []*model.PlatformFlag
	err := r.db.WithContext(ctx).Find(&flags).Error
	return flags, err
}

func (r *PlatformFlagRepository) List(ctx context.Context, search string) ([]*model.PlatformFlag, error) {
	var flags []*model.PlatformFlag
	query := r.db.WithContext(ctx)
	if search != "" {
		query = query.Where("`key` LIKE ?", "%"+search+"%")
	}
	err := query.Order("updated_at DESC").Find(&flags).Error
	return flags, err
}

func (r *PlatformFlagRepository) Save(ctx context.Context, flag *model.PlatformFlag) error {
	return r.db.WithContext(ctx).Save(flag).Error
}

func (r *PlatformFlagRepository) WithTx(tx *gorm.DB) PlatformFlagInterface {
	return &PlatformFlagRepository{db: tx}
}

// TenantFlagInterface is the persistence contract for the tenant_db layer.
type TenantFlagInterface interface {
	GetByKey(ctx context.Context, tenantID, key string) (*model.TenantFlag, error)
	GetAll(ctx context.Context) ([]*model.TenantFlag, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*model.TenantFlag, error)
	Save(ctx context.Context, flag *model.TenantFlag) error
	PingContext(ctx context.Context) error
	WithTx(tx *gorm.DB) TenantFlagInterface
}

type TenantFlagRepository struct {
	db *gorm.DB
}

func NewTenantFlagRepository(db *gorm.DB) *TenantFlagRepository {
	return &TenantFlagRepository{db: db}
}

func (r *TenantFlagRepository) GetByKey(ctx context.Context, tenantID, key string) (*model.TenantFlag, error) {
	var flag model.TenantFlag
	if err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND `key` = ?", tenantID, key).
		First(&flag).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &flag, nil
}

func (r *TenantFlagRepository) GetAll(ctx context.Context) ([]*model.TenantFlag, error) {
	var flags []*model.TenantFlag
	err := r.db.WithContext(ctx).Find(&flags).Error
	return flags, err
}

func (r *TenantFlagRepository) ListByTenant(ctx context.Context, tenantID string) ([]*model.TenantFlag, error) {
	var flags []*model.TenantFlag
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("`key` ASC").
		Find(&flags).Error
	return flags, err
}

func (r *TenantFlagRepository) Save(ctx context.Context, flag *model.TenantFlag) error {
	return r.db.WithContext(ctx).Save(flag).Error
}

func (r *TenantFlagRepository) PingContext(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (r *TenantFlagRepository) WithTx(tx *gorm.DB) TenantFlagInterface {
	return &TenantFlagRepository{db: tx}
}
