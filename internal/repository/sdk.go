package repository

import (
	"context"
	"errors"

	"shelfgate/internal/model"

	"gorm.io/gorm"
)

// SDKRepository validates storefront API keys. A key maps to exactly one
// tenant; the returned tenant id scopes everything the caller may see.
type SDKRepository interface {
	ResolveAPIKey(ctx context.Context, apiKey string) (tenantID string, ok bool, err error)
}

type SDKKeyRepository struct {
	db *gorm.DB
}

func NewSDKKeyRepository(db *gorm.DB) *SDKKeyRepository {
	return &SDKKeyRepository{db: db}
}

func (r *SDKKeyRepository) ResolveAPIKey(ctx context.Context, apiKey string) (string, bool, error) {
	var client model.SDKClient
	err := r.db.WithContext(ctx).
		Where("api_key = ? AND status = 1", apiKey).
		First(&client).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return client.TenantID, true, nil
}
