package resolver

import (
	"maps"

	v1 "shelfgate/pkg/api/v1"
	"shelfgate/pkg/constraints"
)

// New builds the baseline snapshot from the deploy-time defaults. The env
// layer never changes at runtime; every other layer arrives through Apply.
func New(envDefaults map[string]bool) *Snapshot {
	return &Snapshot{
		envDefaults:       maps.Clone(envDefaults),
		platformRows:      make(map[string]Row),
		platformOverrides: make(map[string]bool),
		tenantRows:        make(map[string]map[string]Row),
		tenantOverrides:   make(map[string]map[string]bool),
	}
}

// Build assembles a snapshot directly from fully materialized layers. The
// admin effective-flags view uses this over fresh DB reads so it reflects
// authoritative storage rather than watch propagation. Takes ownership of
// the maps; nil maps are fine.
func Build(envDefaults map[string]bool, platformRows map[string]Row, platformOverrides map[string]bool,
	tenantRows map[string]map[string]Row, tenantOverrides map[string]map[string]bool) *Snapshot {
	s := New(envDefaults)
	if platformRows != nil {
		s.platformRows = platformRows
	}
	if platformOverrides != nil {
		s.platformOverrides = platformOverrides
	}
	if tenantRows != nil {
		s.tenantRows = tenantRows
	}
	if tenantOverrides != nil {
		s.tenantOverrides = tenantOverrides
	}
	return s
}

// Apply folds one watch event into the snapshot and returns the successor.
// The receiver is never mutated: readers holding the old pointer keep a
// consistent view while only the touched layer map is cloned.
func (s *Snapshot) Apply(u v1.Update) *Snapshot {
	next := *s
	if u.Revision > next.revision {
		next.revision = u.Revision
	}

	put := u.Action == constraints.PUT

	switch {
	case u.Scope == constraints.ScopePlatform && u.Kind == v1.KindRow:
		next.platformRows = maps.Clone(s.platformRows)
		if put {
			next.platformRows[u.Key] = rowFromEntry(u.Entry)
		} else {
			delete(next.platformRows, u.Key)
		}

	case u.Scope == constraints.ScopePlatform && u.Kind == v1.KindOverride:
		next.platformOverrides = maps.Clone(s.platformOverrides)
		// A cleared override (value null) removes the layer's influence.
		if put && u.Value != nil {
			next.platformOverrides[u.Key] = *u.Value
		} else {
			delete(next.platformOverrides, u.Key)
		}

	case u.Scope == constraints.ScopeTenant && u.Kind == v1.KindRow:
		next.tenantRows = cloneTenantLayer(s.tenantRows, u.TenantID)
		if put {
			next.tenantRows[u.TenantID][u.Key] = rowFromEntry(u.Entry)
		} else {
			delete(next.tenantRows[u.TenantID], u.Key)
		}

	case u.Scope == constraints.ScopeTenant && u.Kind == v1.KindOverride:
		next.tenantOverrides = cloneTenantLayer(s.tenantOverrides, u.TenantID)
		if put && u.Value != nil {
			next.tenantOverrides[u.TenantID][u.Key] = *u.Value
		} else {
			delete(next.tenantOverrides[u.TenantID], u.Key)
		}
	}

	return &next
}

func rowFromEntry(e v1.Entry) Row {
	return Row{
		Enabled:       e.Enabled,
		Rollout:       e.Rollout,
		Regions:       e.Regions,
		AllowOverride: e.AllowOverride,
	}
}

func cloneTenantLayer[V any](outer map[string]map[string]V, tenantID string) map[string]map[string]V {
	next := maps.Clone(outer)
	if inner, ok := next[tenantID]; ok {
		next[tenantID] = maps.Clone(inner)
	} else {
		next[tenantID] = make(map[string]V)
	}
	return next
}
