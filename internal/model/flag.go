package model

import (
	"strings"
	"time"
)

// PlatformFlag is the platform_db layer: one row per platform-wide flag.
// AllowOverride gates whether the platform override layer may intervene for
// this key. Regions is a comma-separated list; empty means no region gate.
type PlatformFlag struct {
	ID            uint64    `gorm:"primaryKey" json:"id"`
	Key           string    `gorm:"size:128;uniqueIndex" json:"key"`
	Enabled       bool      `json:"enabled"`
	AllowOverride bool      `gorm:"default:true" json:"allow_override"`
	Rollout       string    `gorm:"size:64" json:"rollout"`
	Regions       string    `gorm:"size:255" json:"regions"`
	Description   string    `gorm:"size:512" json:"description"`
	Version       int       `json:"version"`
	UpdatedAt     time.Time `json:"updated_at"`
	UpdatedBy     string    `gorm:"size:64" json:"updated_by"`
}

func (f *PlatformFlag) RegionList() []string {
	if f.Regions == "" {
		return nil
	}
	parts := strings.Split(f.Regions, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// TenantFlag is the tenant_db layer: one row per (tenant, key). Rollout is an
// opaque descriptor string, stored as received.
type TenantFlag struct {
	ID        uint64    `gorm:"primaryKey" json:"id"`
	TenantID  string    `gorm:"size:64;uniqueIndex:idx_tenant_key,priority:1" json:"tenant_id"`
	Key       string    `gorm:"size:128;uniqueIndex:idx_tenant_key,priority:2" json:"key"`
	Enabled   bool      `json:"enabled"`
	Rollout   string    `gorm:"size:64" json:"rollout"`
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `gorm:"size:64" json:"updated_by"`
}
