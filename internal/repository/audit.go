package repository

import (
	"context"

	"shelfgate/internal/model"

	"gorm.io/gorm"
)

// AuditInterface defines the interface for audit log persistence
type AuditInterface interface {
	Create(ctx context.Context, audit *model.FlagAudit) error
	FindByID(ctx context.Context, id uint) (*model.FlagAudit, error)
	List(ctx context.Context, offset, limit int) ([]model.FlagAudit, int64, error)
	ListByKey(ctx context.Context, scope, tenantID, key string) ([]model.FlagAudit, error)
	WithTx(tx *gorm.DB) AuditInterface
}

type AuditRepository struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Create(ctx context.Context, audit *model.FlagAudit) error {
	return r.db.WithContext(ctx).Create(audit).Error
}

func (r *AuditRepository) FindByID(ctx context.Context, id uint) (*model.FlagAudit, error) {
	var audit model.FlagAudit
	if err := r.db.WithContext(ctx).First(&audit, id).Error; err != nil {
		return nil, err
	}
	return &audit, nil
}

func (r *AuditRepository) List(ctx context.Context, offset, limit int) ([]model.FlagAudit, int64, error) {
	var audits []model.FlagAudit
	var total int64

	db := r.db.WithContext(ctx).Model(&model.FlagAudit{})
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if err := db.Offset(offset).Limit(limit).Order("id DESC").Find(&audits).Error; err != nil {
		return nil, 0, err
	}

	return audits, total, nil
}

func (r *AuditRepository) ListByKey(ctx context.Context, scope, tenantID, key string) ([]model.FlagAudit, error) {
	var audits []model.FlagAudit
	query := r.db.WithContext(ctx).Where("scope = ? AND `key` = ?", scope, key)
	if tenantID != "" {
		query = query.Where("tenant_id = ?", tenantID)
	}
	err := query.Order("created_at DESC").Find(&audits).Error
	return audits, err
}

func (r *AuditRepository) WithTx(tx *gorm.DB) AuditInterface {
	return &AuditRepository{db: tx}
}
