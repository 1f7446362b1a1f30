package model

import "time"

// FlagOverride is an administrator force value for one flag, at platform or
// tenant scope. Value is tri-state: true/false force the flag, NULL means the
// override is cleared. Clearing keeps the row; only the value goes away, so
// the audit trail of who last touched the override survives.
type FlagOverride struct {
	ID        uint64    `gorm:"primaryKey" json:"id"`
	Scope     string    `gorm:"size:16;uniqueIndex:idx_override,priority:1" json:"scope"`
	TenantID  string    `gorm:"size:64;uniqueIndex:idx_override,priority:2" json:"tenant_id"`
	Key       string    `gorm:"size:128;uniqueIndex:idx_override,priority:3" json:"key"`
	Value     *bool     `json:"value"`
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `gorm:"size:64" json:"updated_by"`
}
