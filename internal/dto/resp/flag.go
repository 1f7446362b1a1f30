package resp

import (
	"time"

	"shelfgate/pkg/resolver"
	v1 "shelfgate/pkg/api/v1"
)

// Envelope is the uniform admin API response shape.
type Envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func OK(data any) Envelope {
	return Envelope{Success: true, Data: data}
}

func Fail(msg string) Envelope {
	return Envelope{Success: false, Error: msg}
}

// TenantFlagItem is one row of the tenant flag list. PlatformInherited marks
// entries with no tenant row of their own.
type TenantFlagItem struct {
	ID                uint64    `json:"id"`
	Key               string    `json:"key"`
	Enabled           bool      `json:"enabled"`
	Rollout           string    `json:"rollout,omitempty"`
	PlatformInherited bool      `json:"platform_inherited"`
	Version           int       `json:"version"`
	UpdatedAt         time.Time `json:"updated_at"`
	UpdatedBy         string    `json:"updated_by,omitempty"`
}

type PlatformFlagItem struct {
	ID            uint64    `json:"id"`
	Key           string    `json:"key"`
	Enabled       bool      `json:"enabled"`
	AllowOverride bool      `json:"allow_override"`
	Rollout       string    `json:"rollout,omitempty"`
	Regions       string    `json:"regions,omitempty"`
	Description   string    `json:"description,omitempty"`
	Version       int       `json:"version"`
	UpdatedAt     time.Time `json:"updated_at"`
	UpdatedBy     string    `json:"updated_by,omitempty"`
}

// EffectiveFlags maps flag key to its admin audit projection.
type EffectiveFlags map[string]resolver.EffectiveRow

type AuditLogItem struct {
	ID        int64     `json:"id"`
	Scope     string    `json:"scope"`
	TenantID  string    `json:"tenant_id,omitempty"`
	Key       string    `json:"key"`
	Action    string    `json:"action"`
	OldValue  string    `json:"old_value"`
	NewValue  string    `json:"new_value"`
	Operator  string    `json:"operator"`
	CreatedAt time.Time `json:"created_at"`
}

// SnapshotResponse carries every layer an SDK client needs to evaluate
// locally: the mirrored rows and overrides plus the platform_env defaults
// the server itself is seeded with.
type SnapshotResponse struct {
	Data     []v1.Entry      `json:"data"`
	Defaults map[string]bool `json:"defaults,omitempty"`
	Revision int64           `json:"revision"`
}

type EvaluateResponse struct {
	Key     string `json:"key"`
	Enabled bool   `json:"enabled"`
	Source  string `json:"source"`
}
