package req

// UpsertTenantFlagRequest is the body of PUT /api/admin/tenant-flags/:tenantId/:flag.
type UpsertTenantFlagRequest struct {
	Enabled bool   `json:"enabled"`
	Rollout string `json:"rollout"`
}

// SetOverrideRequest is the body of the override endpoints. Value is
// three-state: true and false force the flag, null clears the override.
type SetOverrideRequest struct {
	Value *bool `json:"value"`
}

type UpsertPlatformFlagRequest struct {
	Enabled       bool   `json:"enabled"`
	AllowOverride *bool  `json:"allow_override"`
	Rollout       string `json:"rollout"`
	Regions       string `json:"regions"`
	Description   string `json:"description"`
}

type RollbackFlagRequest struct {
	TenantID string `json:"tenant_id"`
	AuditID  uint64 `json:"audit_id" binding:"required"`
}
