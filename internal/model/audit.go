package model

import "time"

// FlagAudit records every mutation to a flag row or override. OldValue and
// NewValue hold the JSON of the row before and after.
type FlagAudit struct {
	ID        int64     `json:"id" gorm:"primaryKey"`
	Scope     string    `json:"scope" gorm:"size:16;index"`
	TenantID  string    `json:"tenant_id" gorm:"size:64;index"`
	Key       string    `json:"key" gorm:"size:128;index"`
	Action    string    `json:"action" gorm:"size:32"`
	OldValue  string    `json:"old_value" gorm:"type:text"`
	NewValue  string    `json:"new_value" gorm:"type:text"`
	Operator  string    `json:"operator" gorm:"size:64"`
	TraceID   string    `json:"trace_id" gorm:"size:36;index"`
	IP        string    `json:"ip" gorm:"size:45"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
}

const (
	AuditActionUpsert   = "upsert"
	AuditActionOverride = "override"
	AuditActionClear    = "clear_override"
	AuditActionRollback = "rollback"
)
