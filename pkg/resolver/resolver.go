package resolver

import (
	"hash/fnv"
	"slices"
	"strconv"
	"strings"

	"shelfgate/pkg/constraints"
	"shelfgate/pkg/flagkey"
)

// Row is one persisted flag row as seen by the resolver. Rollout is the
// opaque descriptor from storage; when it parses as "N%" the enabled value is
// additionally bucketed per tenant.
type Row struct {
	Enabled       bool
	Rollout       string
	Regions       []string
	AllowOverride bool
}

// Snapshot is an immutable view of all five precedence layers. Resolution is
// a pure function of the snapshot; writers build a fresh snapshot rather than
// mutating one in place.
type Snapshot struct {
	envDefaults       map[string]bool
	platformRows      map[string]Row
	platformOverrides map[string]bool
	tenantRows        map[string]map[string]Row
	tenantOverrides   map[string]map[string]bool
	revision          int64
}

// Decision is the outcome of resolving one (key, tenant) pair.
type Decision struct {
	Enabled bool
	Source  string
}

// LayerValues exposes each layer's raw value for the admin diagnostics view.
// Nil means the layer is not defined for this key.
type LayerValues struct {
	TenantOverride   *bool `json:"tenant_override"`
	TenantDB         *bool `json:"tenant_db"`
	PlatformOverride *bool `json:"platform_override"`
	PlatformDB       *bool `json:"platform_db"`
	PlatformEnv      *bool `json:"platform_env"`
}

// EffectiveRow is the admin projection for one flag: the platform-level and
// tenant-level resolved values, their source tags, the raw layer values, and
// the conflict marker. Conflict means the stored enabled boolean on the
// highest-precedence flag row differs from the resolved value; it is purely
// informational and never auto-corrected.
type EffectiveRow struct {
	Key               string      `json:"key"`
	PlatformEnabled   bool        `json:"platform_enabled"`
	PlatformSource    string      `json:"platform_source"`
	TenantEnabled     bool        `json:"tenant_enabled"`
	TenantSource      string      `json:"tenant_source"`
	Sources           LayerValues `json:"sources"`
	Conflict          bool        `json:"conflict"`
	PlatformInherited bool        `json:"platform_inherited"`
}

// Resolve walks the precedence chain top to bottom and returns the first
// defined layer's value. Unknown keys resolve to disabled; no error is ever
// returned (closed by default).
//
// Precedence: tenant_override > tenant_db > platform_override (only when the
// platform row permits overriding) > platform_db > platform_env.
func (s *Snapshot) Resolve(key, tenantID, region string) Decision {
	if key == "" {
		return Decision{Enabled: false, Source: constraints.SourceDefault}
	}

	tenantPrivate := flagkey.Key(key).TenantScoped()

	if tenantID != "" {
		if v, ok := s.tenantOverrides[tenantID][key]; ok {
			return Decision{Enabled: v, Source: constraints.SourceTenantOverride}
		}
		if row, ok := s.tenantRows[tenantID][key]; ok {
			return Decision{
				Enabled: row.Enabled && rolloutHit(row.Rollout, tenantID, key),
				Source:  constraints.SourceTenantDB,
			}
		}
	}

	// Tenant-private keys never fall through to the platform layers: they are
	// effective for exactly one tenant.
	if tenantPrivate {
		return Decision{Enabled: false, Source: constraints.SourceDefault}
	}

	platformRow, hasRow := s.platformRows[key]
	if v, ok := s.platformOverrides[key]; ok && (!hasRow || platformRow.AllowOverride) {
		return Decision{Enabled: v, Source: constraints.SourcePlatformOverride}
	}
	if hasRow {
		enabled := platformRow.Enabled && rolloutHit(platformRow.Rollout, tenantID, key)
		if enabled && region != "" && len(platformRow.Regions) > 0 {
			enabled = slices.Contains(platformRow.Regions, region)
		}
		return Decision{Enabled: enabled, Source: constraints.SourcePlatformDB}
	}
	if v, ok := s.envDefaults[key]; ok {
		return Decision{Enabled: v, Source: constraints.SourcePlatformEnv}
	}

	return Decision{Enabled: false, Source: constraints.SourceDefault}
}

// Effective computes the admin projection for one key and tenant.
func (s *Snapshot) Effective(key, tenantID string) EffectiveRow {
	platform := s.Resolve(key, "", "")
	tenant := s.Resolve(key, tenantID, "")

	row := EffectiveRow{
		Key:             key,
		PlatformEnabled: platform.Enabled,
		PlatformSource:  platform.Source,
		TenantEnabled:   tenant.Enabled,
		TenantSource:    tenant.Source,
	}

	if v, ok := s.tenantOverrides[tenantID][key]; ok {
		row.Sources.TenantOverride = ptr(v)
	}
	tenantRow, hasTenantRow := s.tenantRows[tenantID][key]
	if hasTenantRow {
		row.Sources.TenantDB = ptr(tenantRow.Enabled)
	}
	if v, ok := s.platformOverrides[key]; ok {
		row.Sources.PlatformOverride = ptr(v)
	}
	platformRow, hasPlatformRow := s.platformRows[key]
	if hasPlatformRow {
		row.Sources.PlatformDB = ptr(platformRow.Enabled)
	}
	if v, ok := s.envDefaults[key]; ok {
		row.Sources.PlatformEnv = ptr(v)
	}

	row.PlatformInherited = !hasTenantRow && (hasPlatformRow || row.Sources.PlatformEnv != nil)

	// The stored row may disagree with the resolved value once an override
	// layer intervenes. That staleness is surfaced, never silently fixed.
	switch {
	case hasTenantRow:
		row.Conflict = tenantRow.Enabled != tenant.Enabled
	case hasPlatformRow:
		row.Conflict = platformRow.Enabled != tenant.Enabled
	}

	return row
}

// Keys returns every flag key visible to the given tenant: all platform-layer
// keys plus the tenant's own rows and overrides. Other tenants' private flags
// are excluded by construction.
func (s *Snapshot) Keys(tenantID string) []string {
	seen := make(map[string]struct{})
	for k := range s.envDefaults {
		seen[k] = struct{}{}
	}
	for k := range s.platformRows {
		seen[k] = struct{}{}
	}
	for k := range s.platformOverrides {
		seen[k] = struct{}{}
	}
	for k := range s.tenantRows[tenantID] {
		seen[k] = struct{}{}
	}
	for k := range s.tenantOverrides[tenantID] {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (s *Snapshot) Revision() int64 { return s.revision }

// rolloutHit applies the opaque rollout descriptor. Only "N%" is understood;
// anything else passes through unchanged. Bucketing hashes tenant and key so
// a tenant lands in the same bucket across restarts.
func rolloutHit(rollout, tenantID, key string) bool {
	pctStr, found := strings.CutSuffix(strings.TrimSpace(rollout), "%")
	if !found {
		return true
	}
	pct, err := strconv.Atoi(strings.TrimSpace(pctStr))
	if err != nil {
		return true
	}
	if pct >= 100 {
		return true
	}
	if pct <= 0 {
		return false
	}
	h := fnv.New32a()
	h.Write([]byte(tenantID + "/" + key))
	return int(h.Sum32()%100) < pct
}

func ptr(b bool) *bool { return &b }
