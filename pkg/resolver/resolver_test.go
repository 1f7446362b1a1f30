package resolver

import (
	"fmt"
	"testing"

	v1 "shelfgate/pkg/api/v1"
	"shelfgate/pkg/constraints"
)

func putRow(s *Snapshot, scope, tenantID, key string, enabled bool, rev int64) *Snapshot {
	return s.Apply(v1.Update{
		Entry: v1.Entry{
			Scope: scope, TenantID: tenantID, Key: key, Kind: v1.KindRow,
			Enabled: enabled, AllowOverride: true, Revision: rev,
		},
		Action: constraints.PUT,
	})
}

func putOverride(s *Snapshot, scope, tenantID, key string, value *bool, rev int64) *Snapshot {
	return s.Apply(v1.Update{
		Entry: v1.Entry{
			Scope: scope, TenantID: tenantID, Key: key, Kind: v1.KindOverride,
			Value: value, Revision: rev,
		},
		Action: constraints.PUT,
	})
}

func boolPtr(b bool) *bool { return &b }

func TestResolve_PrecedenceOrder(t *testing.T) {
	// Build all five layers for one key, then strip them top-down and check
	// the winner at each step.
	s := New(map[string]bool{"FF_MAP_CARD": false})
	s = putRow(s, constraints.ScopePlatform, "", "FF_MAP_CARD", true, 1)
	s = putOverride(s, constraints.ScopePlatform, "", "FF_MAP_CARD", boolPtr(false), 2)
	s = putRow(s, constraints.ScopeTenant, "t1", "FF_MAP_CARD", true, 3)
	s = putOverride(s, constraints.ScopeTenant, "t1", "FF_MAP_CARD", boolPtr(false), 4)

	steps := []struct {
		strip      func(*Snapshot) *Snapshot
		wantSource string
		wantValue  bool
	}{
		{func(s *Snapshot) *Snapshot { return s }, constraints.SourceTenantOverride, false},
		{func(s *Snapshot) *Snapshot {
			return putOverride(s, constraints.ScopeTenant, "t1", "FF_MAP_CARD", nil, 5)
		}, constraints.SourceTenantDB, true},
		{func(s *Snapshot) *Snapshot {
			return s.Apply(v1.Update{Entry: v1.Entry{
				Scope: constraints.ScopeTenant, TenantID: "t1", Key: "FF_MAP_CARD",
				Kind: v1.KindRow, Revision: 6,
			}, Action: constraints.DELETE})
		}, constraints.SourcePlatformOverride, false},
		{func(s *Snapshot) *Snapshot {
			return putOverride(s, constraints.ScopePlatform, "", "FF_MAP_CARD", nil, 7)
		}, constraints.SourcePlatformDB, true},
		{func(s *Snapshot) *Snapshot {
			return s.Apply(v1.Update{Entry: v1.Entry{
				Scope: constraints.ScopePlatform, Key: "FF_MAP_CARD",
				Kind: v1.KindRow, Revision: 8,
			}, Action: constraints.DELETE})
		}, constraints.SourcePlatformEnv, false},
	}

	for i, step := range steps {
		s = step.strip(s)
		d := s.Resolve("FF_MAP_CARD", "t1", "")
		if d.Source != step.wantSource || d.Enabled != step.wantValue {
			t.Errorf("step %d: got (%v, %s), want (%v, %s)",
				i, d.Enabled, d.Source, step.wantValue, step.wantSource)
		}
	}
}

func TestResolve_OverrideClearFallsBack(t *testing.T) {
	// platform_env=false, platform_db=true, no overrides, no tenant row:
	// effective is true via platform_db. Forcing the tenant override to false
	// flips it; clearing the override reverts to true, not to false.
	s := New(map[string]bool{"FF_MAP_CARD": false})
	s = putRow(s, constraints.ScopePlatform, "", "FF_MAP_CARD", true, 1)

	if d := s.Resolve("FF_MAP_CARD", "t1", ""); !d.Enabled || d.Source != constraints.SourcePlatformDB {
		t.Fatalf("baseline: got (%v, %s), want (true, platform_db)", d.Enabled, d.Source)
	}

	s = putOverride(s, constraints.ScopeTenant, "t1", "FF_MAP_CARD", boolPtr(false), 2)
	if d := s.Resolve("FF_MAP_CARD", "t1", ""); d.Enabled {
		t.Fatal("tenant override false must win")
	}

	s = putOverride(s, constraints.ScopeTenant, "t1", "FF_MAP_CARD", nil, 3)
	if d := s.Resolve("FF_MAP_CARD", "t1", ""); !d.Enabled || d.Source != constraints.SourcePlatformDB {
		t.Fatalf("after clear: got (%v, %s), want fallback to platform_db=true", d.Enabled, d.Source)
	}
}

func TestResolve_UnknownKeyClosedByDefault(t *testing.T) {
	s := New(nil)
	d := s.Resolve("FF_NEVER_SEEN", "t1", "")
	if d.Enabled || d.Source != constraints.SourceDefault {
		t.Errorf("unknown key: got (%v, %s), want (false, default)", d.Enabled, d.Source)
	}
	if d := s.Resolve("", "t1", ""); d.Enabled {
		t.Error("empty key must resolve disabled")
	}
}

func TestResolve_TenantPrivateFlagIsolation(t *testing.T) {
	s := New(nil)
	s = putRow(s, constraints.ScopeTenant, "t1", "TENANT_SWIS_PREVIEW", true, 1)

	if d := s.Resolve("TENANT_SWIS_PREVIEW", "t1", ""); !d.Enabled {
		t.Error("owning tenant must see its private flag")
	}
	if d := s.Resolve("TENANT_SWIS_PREVIEW", "t2", ""); d.Enabled {
		t.Error("private flag must not leak to another tenant")
	}
	if d := s.Resolve("TENANT_SWIS_PREVIEW", "", ""); d.Enabled {
		t.Error("private flag must not resolve for anonymous contexts")
	}
}

func TestResolve_AllowOverrideGate(t *testing.T) {
	s := New(nil)
	s = s.Apply(v1.Update{Entry: v1.Entry{
		Scope: constraints.ScopePlatform, Key: "FF_GCONNECT", Kind: v1.KindRow,
		Enabled: true, AllowOverride: false, Revision: 1,
	}, Action: constraints.PUT})
	s = putOverride(s, constraints.ScopePlatform, "", "FF_GCONNECT", boolPtr(false), 2)

	d := s.Resolve("FF_GCONNECT", "t1", "")
	if !d.Enabled || d.Source != constraints.SourcePlatformDB {
		t.Errorf("override on a locked flag must be skipped: got (%v, %s)", d.Enabled, d.Source)
	}
}

func TestResolve_RolloutBucketing(t *testing.T) {
	mkSnap := func(rollout string) *Snapshot {
		s := New(nil)
		return s.Apply(v1.Update{Entry: v1.Entry{
			Scope: constraints.ScopePlatform, Key: "FF_DIR_V2", Kind: v1.KindRow,
			Enabled: true, Rollout: rollout, Revision: 1,
		}, Action: constraints.PUT})
	}

	if d := mkSnap("0%").Resolve("FF_DIR_V2", "t1", ""); d.Enabled {
		t.Error("0% rollout must disable")
	}
	if d := mkSnap("100%").Resolve("FF_DIR_V2", "t1", ""); !d.Enabled {
		t.Error("100% rollout must enable")
	}
	if d := mkSnap("beta-cohort").Resolve("FF_DIR_V2", "t1", ""); !d.Enabled {
		t.Error("unparsable rollout is opaque and passes through")
	}

	// Distribution sanity: ~half the tenants land inside a 50% rollout.
	s := mkSnap("50%")
	hits := 0
	const n = 2000
	for i := 0; i < n; i++ {
		if s.Resolve("FF_DIR_V2", fmt.Sprintf("tenant-%d", i), "").Enabled {
			hits++
		}
	}
	pct := float64(hits) / n * 100
	if pct < 42 || pct > 58 {
		t.Errorf("50%% rollout distribution off: %.1f%%", pct)
	}

	// Same tenant always lands in the same bucket.
	first := s.Resolve("FF_DIR_V2", "tenant-7", "").Enabled
	for i := 0; i < 10; i++ {
		if s.Resolve("FF_DIR_V2", "tenant-7", "").Enabled != first {
			t.Fatal("rollout bucketing must be deterministic")
		}
	}
}

func TestResolve_RegionGate(t *testing.T) {
	s := New(nil)
	s = s.Apply(v1.Update{Entry: v1.Entry{
		Scope: constraints.ScopePlatform, Key: "FF_MAP_CARD", Kind: v1.KindRow,
		Enabled: true, Regions: []string{"us", "ca"}, Revision: 1,
	}, Action: constraints.PUT})

	if d := s.Resolve("FF_MAP_CARD", "t1", "us"); !d.Enabled {
		t.Error("listed region must be enabled")
	}
	if d := s.Resolve("FF_MAP_CARD", "t1", "de"); d.Enabled {
		t.Error("unlisted region must be disabled")
	}
	if d := s.Resolve("FF_MAP_CARD", "t1", ""); !d.Enabled {
		t.Error("no region argument skips the gate")
	}
}

func TestEffective_ConflictMarker(t *testing.T) {
	s := New(nil)
	s = putRow(s, constraints.ScopeTenant, "t1", "FF_SWIS", true, 1)

	row := s.Effective("FF_SWIS", "t1")
	if row.Conflict {
		t.Error("no override: stored and effective agree, no conflict")
	}

	s = putOverride(s, constraints.ScopeTenant, "t1", "FF_SWIS", boolPtr(false), 2)
	row = s.Effective("FF_SWIS", "t1")
	if !row.Conflict {
		t.Error("override disagrees with stored row: conflict expected")
	}
	if row.TenantSource != constraints.SourceTenantOverride || row.TenantEnabled {
		t.Errorf("tenant effective should be forced off, got (%v, %s)",
			row.TenantEnabled, row.TenantSource)
	}
	if row.Sources.TenantDB == nil || !*row.Sources.TenantDB {
		t.Error("raw tenant_db value must still show the stored true")
	}
}

func TestEffective_PlatformInherited(t *testing.T) {
	s := New(map[string]bool{"FF_URLS": true})
	row := s.Effective("FF_URLS", "t1")
	if !row.PlatformInherited {
		t.Error("env-only flag is platform inherited")
	}
	s = putRow(s, constraints.ScopeTenant, "t1", "FF_URLS", false, 1)
	row = s.Effective("FF_URLS", "t1")
	if row.PlatformInherited {
		t.Error("tenant row makes the flag tenant-owned")
	}
}

func TestApply_DoesNotMutateReceiver(t *testing.T) {
	base := New(nil)
	s1 := putRow(base, constraints.ScopePlatform, "", "FF_A", true, 1)

	if d := base.Resolve("FF_A", "", ""); d.Enabled {
		t.Error("base snapshot must be unaffected by Apply")
	}
	if d := s1.Resolve("FF_A", "", ""); !d.Enabled {
		t.Error("successor snapshot must see the update")
	}

	s2 := putRow(s1, constraints.ScopeTenant, "t1", "FF_A", false, 2)
	if d := s1.Resolve("FF_A", "t1", ""); !d.Enabled {
		t.Error("s1 must not see the tenant row added to s2")
	}
	if d := s2.Resolve("FF_A", "t1", ""); d.Enabled {
		t.Error("s2 must see the tenant row")
	}
	if s2.Revision() != 2 {
		t.Errorf("revision not advanced, got %d", s2.Revision())
	}
}

func TestKeys_TenantVisibility(t *testing.T) {
	s := New(map[string]bool{"FF_ENV": true})
	s = putRow(s, constraints.ScopePlatform, "", "FF_DB", true, 1)
	s = putRow(s, constraints.ScopeTenant, "t1", "TENANT_OWN", true, 2)
	s = putRow(s, constraints.ScopeTenant, "t2", "TENANT_OTHER", true, 3)

	keys := s.Keys("t1")
	want := map[string]bool{"FF_ENV": true, "FF_DB": true, "TENANT_OWN": true}
	if len(keys) != len(want) {
		t.Fatalf("got keys %v, want exactly %v", keys, want)
	}
	for _, k := range keys {
		if !want[k] {
			t.Errorf("unexpected key %q visible to t1", k)
		}
	}
}
