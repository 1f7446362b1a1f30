package model

// SDKClient authenticates one storefront runtime. Keys are tenant-scoped: a
// storefront can only watch and evaluate its own tenant's flags.
type SDKClient struct {
	ID       uint64 `gorm:"primaryKey"`
	TenantID string `gorm:"size:64;not null;index"`
	APIKey   string `gorm:"size:64;not null;uniqueIndex"`
	Status   int    `gorm:"default:1"`
}
