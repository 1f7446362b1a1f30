package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"shelfgate/internal/buffer"
	"shelfgate/internal/repository"
	v1 "shelfgate/pkg/api/v1"
	"shelfgate/pkg/constraints"
	"shelfgate/pkg/flagkey"
	"shelfgate/pkg/resolver"

	"go.etcd.io/etcd/api/v3/etcdserverpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// MockKV partially implements clientv3.KV
type MockKV struct {
	clientv3.KV
	GetFn func(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
}

func (m *MockKV) Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	if m.GetFn != nil {
		return m.GetFn(ctx, key, opts...)
	}
	return nil, nil
}

func (m *MockKV) Txn(ctx context.Context) clientv3.Txn {
	return nil
}

type MockEtcdInterface struct {
	MockKV
	clientv3.Watcher
	WatchFn func(ctx context.Context, key string, opts ...clientv3.OpOption) clientv3.WatchChan
}

func (m *MockEtcdInterface) Close() error { return nil }
func (m *MockEtcdInterface) Watch(ctx context.Context, key string, opts ...clientv3.OpOption) clientv3.WatchChan {
	if m.WatchFn != nil {
		return m.WatchFn(ctx, key, opts...)
	}
	return nil
}

func TestUpsertTenantFlag_Validation(t *testing.T) {
	// Validation failures never reach storage, so a zero service suffices
	svc := &FlagService{}

	if _, err := svc.UpsertTenantFlag(context.Background(), "", "FF_X", true, "", "op"); !errors.Is(err, ErrTenantIDRequired) {
		t.Errorf("missing tenant id: got %v, want ErrTenantIDRequired", err)
	}

	if _, err := svc.UpsertTenantFlag(context.Background(), "t1", "bad key", true, "", "op"); !errors.Is(err, flagkey.ErrInvalidKey) {
		t.Errorf("malformed key: got %v, want ErrInvalidKey", err)
	}

	if _, err := svc.UpsertTenantFlag(context.Background(), "t1", "", true, "", "op"); !errors.Is(err, flagkey.ErrInvalidKey) {
		t.Errorf("empty key: got %v, want ErrInvalidKey", err)
	}
}

func TestPlatformOperations_RejectTenantScopedKeys(t *testing.T) {
	svc := &FlagService{}

	if _, err := svc.UpsertPlatformFlag(context.Background(), "TENANT_PRIVATE", true, nil, "", "", "", "op"); !errors.Is(err, ErrTenantScopedKey) {
		t.Errorf("platform upsert of TENANT_ key: got %v, want ErrTenantScopedKey", err)
	}
	if err := svc.SetPlatformOverride(context.Background(), "TENANT_PRIVATE", nil, "op"); !errors.Is(err, ErrTenantScopedKey) {
		t.Errorf("platform override of TENANT_ key: got %v, want ErrTenantScopedKey", err)
	}
}

func TestSetTenantOverride_RequiresTenant(t *testing.T) {
	svc := &FlagService{}
	if err := svc.SetTenantOverride(context.Background(), "", "FF_X", nil, "op"); !errors.Is(err, ErrTenantIDRequired) {
		t.Errorf("got %v, want ErrTenantIDRequired", err)
	}
}

func TestSyncToMirror_EtcdFailure(t *testing.T) {
	// The mirror write is best-effort; the outbox worker retries later.
	mockKV := &MockKV{
		GetFn: func(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
			return nil, errors.New("etcd fatal error")
		},
	}
	mockEtcd := &MockEtcdInterface{MockKV: *mockKV}

	svc := &FlagService{
		mirrorRepo: repository.NewMirrorRepository(mockEtcd),
	}

	entry := v1.Entry{
		Scope:   constraints.ScopePlatform,
		Key:     "FF_TEST",
		Kind:    v1.KindRow,
		Version: 1,
	}

	// Should log and return, never panic
	svc.syncToMirror(123, entry)
}

func TestSnapshotStore_Evaluate(t *testing.T) {
	store := &SnapshotStore{
		snap:     resolver.New(map[string]bool{"FF_FROM_ENV": true}),
		observer: &MockObserver{},
	}

	d := store.Evaluate("FF_FROM_ENV", "t1", "")
	if !d.Enabled || d.Source != constraints.SourcePlatformEnv {
		t.Errorf("env default should win: got %+v", d)
	}

	d = store.Evaluate("FF_UNKNOWN", "t1", "")
	if d.Enabled || d.Source != constraints.SourceDefault {
		t.Errorf("unknown key must be disabled: got %+v", d)
	}
}

func TestSnapshotStore_Compensation(t *testing.T) {
	store := &SnapshotStore{buffer: buffer.NewRevisionBuffer(10)}

	store.buffer.AddMessage(v1.Update{Entry: v1.Entry{Revision: 99}})
	store.buffer.AddMessage(v1.Update{Entry: v1.Entry{Revision: 100}})

	msgs, ok := store.GetCompensation(99)
	if !ok || len(msgs) != 1 {
		t.Error("delegation to buffer failed")
	}
}

func TestSnapshotStore_EntriesScopedByTenant(t *testing.T) {
	store := &SnapshotStore{
		snap: resolver.New(nil),
		entries: map[string]v1.Entry{
			"/shelfgate/platform/flags/FF_X":        {Scope: constraints.ScopePlatform, Key: "FF_X"},
			"/shelfgate/tenants/t1/flags/TENANT_A":  {Scope: constraints.ScopeTenant, TenantID: "t1", Key: "TENANT_A"},
			"/shelfgate/tenants/t2/flags/TENANT_B":  {Scope: constraints.ScopeTenant, TenantID: "t2", Key: "TENANT_B"},
			"/shelfgate/tenants/t2/overrides/FF_X":  {Scope: constraints.ScopeTenant, TenantID: "t2", Key: "FF_X", Kind: v1.KindOverride},
			"/shelfgate/platform/overrides/FF_DARK": {Scope: constraints.ScopePlatform, Key: "FF_DARK", Kind: v1.KindOverride},
		},
	}

	entries, _, _ := store.SnapshotEntries("t1")
	for _, e := range entries {
		if e.TenantID != "" && e.TenantID != "t1" {
			t.Errorf("entry for tenant %q leaked into t1's snapshot", e.TenantID)
		}
	}
	if len(entries) != 3 {
		t.Errorf("t1 should see 2 platform entries and its own, got %d", len(entries))
	}

	all, _, _ := store.SnapshotEntries("")
	if len(all) != 5 {
		t.Errorf("admin view should be unfiltered, got %d entries", len(all))
	}
}

func TestSnapshotStore_EntriesCarryEnvDefaults(t *testing.T) {
	// A flag defined only in configuration has no mirrored entry; clients can
	// only learn it from the defaults in the snapshot response.
	store := &SnapshotStore{
		snap:        resolver.New(map[string]bool{"FF_MAP_CARD": true}),
		envDefaults: map[string]bool{"FF_MAP_CARD": true},
		entries:     map[string]v1.Entry{},
	}

	entries, defaults, _ := store.SnapshotEntries("t1")
	if len(entries) != 0 {
		t.Fatalf("expected no mirrored entries, got %d", len(entries))
	}
	if v, ok := defaults["FF_MAP_CARD"]; !ok || !v {
		t.Error("env default must be part of the snapshot payload")
	}

	defaults["FF_MAP_CARD"] = false
	_, again, _ := store.SnapshotEntries("t1")
	if !again["FF_MAP_CARD"] {
		t.Error("callers must not be able to mutate the store's defaults")
	}
}

func TestSnapshotStore_WatchRestart(t *testing.T) {
	// A watch channel that closes without a cancel marker must be reopened
	// from the last applied revision, not spun on or abandoned.
	var watchCalls int32
	blocking := make(chan clientv3.WatchResponse)
	mockEtcd := &MockEtcdInterface{
		MockKV: MockKV{
			GetFn: func(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
				return &clientv3.GetResponse{Header: &etcdserverpb.ResponseHeader{Revision: 7}}, nil
			},
		},
		WatchFn: func(ctx context.Context, key string, opts ...clientv3.OpOption) clientv3.WatchChan {
			if atomic.AddInt32(&watchCalls, 1) == 1 {
				closed := make(chan clientv3.WatchResponse)
				close(closed)
				return closed
			}
			return blocking
		},
	}

	store := NewSnapshotStore(repository.NewMirrorRepository(mockEtcd), nil, &MockObserver{}, nil, 10)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		store.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for atomic.LoadInt32(&watchCalls) < 2 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if n := atomic.LoadInt32(&watchCalls); n < 2 {
		t.Fatalf("watch was not reopened after close, calls = %d", n)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after cancel")
	}
}
