package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"shelfgate/internal/model"
	"shelfgate/internal/repository"
	"shelfgate/pkg/constraints"

	clientv3 "go.etcd.io/etcd/client/v3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newFlagServiceForTest(t *testing.T) (*FlagService, repository.AuditInterface, repository.TenantFlagInterface) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&model.PlatformFlag{},
		&model.TenantFlag{},
		&model.FlagOverride{},
		&model.FlagAudit{},
		&model.OutboxTask{},
	); err != nil {
		t.Fatalf("migrate db: %v", err)
	}

	// Mirror writes fail; the outbox keeps the task for a retry, which is
	// exactly what the write path must tolerate.
	mockEtcd := &MockEtcdInterface{
		MockKV: MockKV{
			GetFn: func(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
				return nil, errors.New("etcd down")
			},
		},
	}

	auditRepo := repository.NewAuditRepository(db)
	tenantRepo := repository.NewTenantFlagRepository(db)
	svc := NewFlagService(
		db,
		repository.NewMirrorRepository(mockEtcd),
		repository.NewPlatformFlagRepository(db),
		tenantRepo,
		repository.NewOverrideRepository(db),
		auditRepo,
		repository.NewOutboxRepository(db),
		map[string]bool{"FF_FROM_ENV": true},
	)
	return svc, auditRepo, tenantRepo
}

func latestAudit(t *testing.T, audits []model.FlagAudit) model.FlagAudit {
	t.Helper()
	if len(audits) == 0 {
		t.Fatal("no audit rows recorded")
	}
	latest := audits[0]
	for _, a := range audits[1:] {
		if a.ID > latest.ID {
			latest = a
		}
	}
	return latest
}

func TestRollbackTenantFlag_RecordsRollbackAction(t *testing.T) {
	svc, auditRepo, tenantRepo := newFlagServiceForTest(t)
	ctx := context.Background()

	if _, err := svc.UpsertTenantFlag(ctx, "t1", "FF_CHECKOUT", true, "50%", "alice"); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if _, err := svc.UpsertTenantFlag(ctx, "t1", "FF_CHECKOUT", false, "", "bob"); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	audits, err := auditRepo.ListByKey(ctx, constraints.ScopeTenant, "t1", "FF_CHECKOUT")
	if err != nil {
		t.Fatalf("list audits: %v", err)
	}
	// The newest audit's old value is the state after the first upsert.
	target := latestAudit(t, audits)

	item, err := svc.RollbackTenantFlag(ctx, "t1", "FF_CHECKOUT", uint(target.ID), "carol")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if !item.Enabled || item.Rollout != "50%" {
		t.Errorf("rollback result = (%v, %q), want (true, 50%%)", item.Enabled, item.Rollout)
	}

	row, err := tenantRepo.GetByKey(ctx, "t1", "FF_CHECKOUT")
	if err != nil || row == nil {
		t.Fatalf("read row back: %v", err)
	}
	if !row.Enabled || row.Rollout != "50%" {
		t.Errorf("stored row = (%v, %q), want restored state", row.Enabled, row.Rollout)
	}

	audits, err = auditRepo.ListByKey(ctx, constraints.ScopeTenant, "t1", "FF_CHECKOUT")
	if err != nil {
		t.Fatalf("list audits after rollback: %v", err)
	}
	last := latestAudit(t, audits)
	if last.Action != model.AuditActionRollback {
		t.Errorf("rollback audit action = %q, want %q", last.Action, model.AuditActionRollback)
	}
	if last.Operator != "carol" {
		t.Errorf("rollback audit operator = %q, want carol", last.Operator)
	}
}

func TestRollbackTenantFlag_RejectsForeignAudit(t *testing.T) {
	svc, auditRepo, _ := newFlagServiceForTest(t)
	ctx := context.Background()

	if _, err := svc.UpsertTenantFlag(ctx, "t2", "FF_CHECKOUT", true, "", "alice"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	audits, err := auditRepo.ListByKey(ctx, constraints.ScopeTenant, "t2", "FF_CHECKOUT")
	if err != nil {
		t.Fatalf("list audits: %v", err)
	}
	target := latestAudit(t, audits)

	if _, err := svc.RollbackTenantFlag(ctx, "t1", "FF_CHECKOUT", uint(target.ID), "mallory"); !errors.Is(err, ErrAuditMismatch) {
		t.Errorf("foreign tenant rollback: got %v, want ErrAuditMismatch", err)
	}
}
