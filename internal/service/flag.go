package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"shelfgate/internal/dto/resp"
	"shelfgate/internal/model"
	"shelfgate/internal/repository"
	"shelfgate/pkg/resolver"
	v1 "shelfgate/pkg/api/v1"
	"shelfgate/pkg/constraints"
	"shelfgate/pkg/flagkey"
	"shelfgate/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrAuditMismatch    = errors.New("audit record does not belong to this flag")
	ErrEtcdUnhealthy    = errors.New("etcd unhealthy")
	ErrMysqlUnhealthy   = errors.New("mysql unhealthy")
	ErrTenantScopedKey  = errors.New("tenant-private keys cannot be used at platform scope")
	ErrFlagNotFound     = errors.New("flag not found")
	ErrTenantIDRequired = errors.New("tenant id required")
)

// FlagService owns every admin mutation. Writes go through one transaction
// (row + audit + outbox task) with the etcd mirror updated asynchronously, so
// storage stays authoritative even when the distribution plane is down.
type FlagService struct {
	db           *gorm.DB
	mirrorRepo   *repository.MirrorRepository
	platformRepo repository.PlatformFlagInterface
	tenantRepo   repository.TenantFlagInterface
	overrideRepo repository.OverrideInterface
	auditRepo    repository.AuditInterface
	outboxRepo   repository.OutboxInterface
	envDefaults  map[string]bool
}

func NewFlagService(
	db *gorm.DB,
	mirrorRepo *repository.MirrorRepository,
	platformRepo repository.PlatformFlagInterface,
	tenantRepo repository.TenantFlagInterface,
	overrideRepo repository.OverrideInterface,
	auditRepo repository.AuditInterface,
	outboxRepo repository.OutboxInterface,
	envDefaults map[string]bool,
) *FlagService {
	return &FlagService{
		db:           db,
		mirrorRepo:   mirrorRepo,
		platformRepo: platformRepo,
		tenantRepo:   tenantRepo,
		overrideRepo: overrideRepo,
		auditRepo:    auditRepo,
		outboxRepo:   outboxRepo,
		envDefaults:  envDefaults,
	}
}

// UpsertTenantFlag creates or updates one tenant flag row. Keys for brand-new
// custom flags must carry the TENANT_ or FF_ prefix; setting a tenant-level
// value for an existing platform flag is always allowed.
func (s *FlagService) UpsertTenantFlag(ctx context.Context, tenantID, key string, enabled bool, rollout, operator string) (*resp.TenantFlagItem, error) {
	return s.upsertTenantFlag(ctx, tenantID, key, enabled, rollout, operator, model.AuditActionUpsert)
}

// upsertTenantFlag is the shared write path; action distinguishes direct
// upserts from rollbacks in the audit trail.
func (s *FlagService) upsertTenantFlag(ctx context.Context, tenantID, key string, enabled bool, rollout, operator, action string) (*resp.TenantFlagItem, error) {
	if tenantID == "" {
		return nil, ErrTenantIDRequired
	}
	if _, err := flagkey.Parse(key); err != nil {
		return nil, err
	}

	var (
		saved    *model.TenantFlag
		entry    v1.Entry
		outboxID uint64
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txTenant := s.tenantRepo.WithTx(tx)
		existing, err := txTenant.GetByKey(ctx, tenantID, key)
		if err != nil {
			return err
		}

		if existing == nil {
			known, err := s.isKnownPlatformKey(ctx, tx, key)
			if err != nil {
				return err
			}
			if !known {
				if _, err := flagkey.ParseCustom(key); err != nil {
					return err
				}
			}
			existing = &model.TenantFlag{TenantID: tenantID, Key: key}
		}

		oldJSON := marshalRow(existing)
		existing.Enabled = enabled
		existing.Rollout = rollout
		existing.Version++
		existing.UpdatedBy = operator

		if err := txTenant.Save(ctx, existing); err != nil {
			return err
		}
		saved = existing

		entry = tenantEntry(existing)
		outboxID, err = s.record(ctx, tx, auditFor(entry, action, oldJSON, operator), entry)
		return err
	})
	if err != nil {
		return nil, err
	}
	go s.syncToMirror(outboxID, entry)

	item := tenantFlagItem(saved, false)
	return &item, nil
}

// SetTenantOverride forces a flag on or off for one tenant, or clears the
// force with a nil value. Clearing is an explicit distinct action: the row
// stays, its value goes to NULL, and resolution falls back to the next layer.
func (s *FlagService) SetTenantOverride(ctx context.Context, tenantID, key string, value *bool, operator string) error {
	if tenantID == "" {
		return ErrTenantIDRequired
	}
	return s.setOverride(ctx, constraints.ScopeTenant, tenantID, key, value, operator)
}

// SetPlatformOverride forces a platform flag for every tenant whose row
// permits overriding.
func (s *FlagService) SetPlatformOverride(ctx context.Context, key string, value *bool, operator string) error {
	if flagkey.Key(key).TenantScoped() {
		return ErrTenantScopedKey
	}
	return s.setOverride(ctx, constraints.ScopePlatform, "", key, value, operator)
}

func (s *FlagService) setOverride(ctx context.Context, scope, tenantID, key string, value *bool, operator string) error {
	if _, err := flagkey.Parse(key); err != nil {
		return err
	}

	var (
		entry    v1.Entry
		outboxID uint64
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txOverride := s.overrideRepo.WithTx(tx)
		existing, err := txOverride.Get(ctx, scope, tenantID, key)
		if err != nil {
			return err
		}
		if existing == nil {
			existing = &model.FlagOverride{Scope: scope, TenantID: tenantID, Key: key}
		}

		oldJSON := marshalRow(existing)
		existing.Value = value
		existing.Version++
		existing.UpdatedBy = operator

		if err := txOverride.Save(ctx, existing); err != nil {
			return err
		}

		action := model.AuditActionOverride
		if value == nil {
			action = model.AuditActionClear
		}
		entry = overrideEntry(existing)
		outboxID, err = s.record(ctx, tx, auditFor(entry, action, oldJSON, operator), entry)
		return err
	})
	if err != nil {
		return err
	}
	go s.syncToMirror(outboxID, entry)
	return nil
}

// UpsertPlatformFlag creates or updates a platform-wide flag row.
func (s *FlagService) UpsertPlatformFlag(ctx context.Context, key string, enabled bool, allowOverride *bool, rollout, regions, description, operator string) (*resp.PlatformFlagItem, error) {
	if flagkey.Key(key).TenantScoped() {
		return nil, ErrTenantScopedKey
	}

	var (
		saved    *model.PlatformFlag
		entry    v1.Entry
		outboxID uint64
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txPlatform := s.platformRepo.WithTx(tx)
		existing, err := txPlatform.GetByKey(ctx, key)
		if err != nil {
			return err
		}
		if existing == nil {
			if _, known := s.envDefaults[key]; !known {
				if _, err := flagkey.ParseCustom(key); err != nil {
					return err
				}
			}
			existing = &model.PlatformFlag{Key: key, AllowOverride: true}
		}

		oldJSON := marshalRow(existing)
		existing.Enabled = enabled
		if allowOverride != nil {
			existing.AllowOverride = *allowOverride
		}
		existing.Rollout = rollout
		existing.Regions = regions
		existing.Description = description
		existing.Version++
		existing.UpdatedBy = operator

		if err := txPlatform.Save(ctx, existing); err != nil {
			return err
		}
		saved = existing

		entry = platformEntry(existing)
		outboxID, err = s.record(ctx, tx, auditFor(entry, model.AuditActionUpsert, oldJSON, operator), entry)
		return err
	})
	if err != nil {
		return nil, err
	}
	go s.syncToMirror(outboxID, entry)

	item := platformFlagItem(saved)
	return &item, nil
}

// record writes the audit entry and outbox task inside the caller's
// transaction and returns the outbox id. Callers publish to the mirror only
// after the transaction commits; until then the outbox worker cannot see the
// task either.
func (s *FlagService) record(ctx context.Context, tx *gorm.DB, audit *model.FlagAudit, entry v1.Entry) (uint64, error) {
	txAudit := s.auditRepo.WithTx(tx)
	txOutbox := s.outboxRepo.WithTx(tx)

	audit.TraceID = GetTraceID(ctx)
	if err := txAudit.Create(ctx, audit); err != nil {
		logger.Error("failed to create flag audit", zap.String("key", audit.Key), zap.Error(err))
		return 0, err
	}

	task := &model.OutboxTask{
		Path:    entry.Path(),
		Payload: entry.ToJSON(),
		Status:  model.StatusPending,
		TraceID: audit.TraceID,
	}
	if err := txOutbox.Create(ctx, task); err != nil {
		logger.Error("failed to create outbox task", zap.String("key", audit.Key), zap.Error(err))
		return 0, err
	}

	return uint64(task.ID), nil
}

func (s *FlagService) syncToMirror(outboxID uint64, entry v1.Entry) {
	_, err := s.mirrorRepo.SaveEntryIfNewer(context.Background(), entry.Path(), entry)
	if err != nil {
		// The outbox worker retries it.
		logger.Warn("failed to sync entry to etcd", zap.String("path", entry.Path()), zap.Error(err))
		return
	}
	_ = s.outboxRepo.UpdateStatus(context.Background(), outboxID, model.StatusCompleted, 0)
}

// ListTenantFlags returns the tenant's own rows plus every platform flag the
// tenant inherits. Tenant-private flags of other tenants never appear.
func (s *FlagService) ListTenantFlags(ctx context.Context, tenantID string) ([]resp.TenantFlagItem, error) {
	if tenantID == "" {
		return nil, ErrTenantIDRequired
	}

	rows, err := s.tenantRepo.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	items := make([]resp.TenantFlagItem, 0, len(rows))
	owned := make(map[string]bool, len(rows))
	for _, r := range rows {
		owned[r.Key] = true
		items = append(items, tenantFlagItem(r, false))
	}

	platformRows, err := s.platformRepo.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	seenPlatform := make(map[string]bool, len(platformRows))
	for _, p := range platformRows {
		seenPlatform[p.Key] = true
		if owned[p.Key] {
			continue
		}
		items = append(items, resp.TenantFlagItem{
			Key:               p.Key,
			Enabled:           p.Enabled,
			Rollout:           p.Rollout,
			PlatformInherited: true,
			Version:           p.Version,
			UpdatedAt:         p.UpdatedAt,
			UpdatedBy:         p.UpdatedBy,
		})
	}
	for key, enabled := range s.envDefaults {
		if owned[key] || seenPlatform[key] {
			continue
		}
		items = append(items, resp.TenantFlagItem{
			Key:               key,
			Enabled:           enabled,
			PlatformInherited: true,
		})
	}
	return items, nil
}

func (s *FlagService) ListPlatformFlags(ctx context.Context, search string) ([]resp.PlatformFlagItem, error) {
	rows, err := s.platformRepo.List(ctx, search)
	if err != nil {
		return nil, err
	}
	items := make([]resp.PlatformFlagItem, 0, len(rows))
	for _, r := range rows {
		items = append(items, platformFlagItem(r))
	}
	return items, nil
}

// EffectiveFlags computes the audit projection for every flag visible to the
// tenant, straight from authoritative storage. Admin reads after a mutation
// therefore always see the mutation, independent of watch propagation.
func (s *FlagService) EffectiveFlags(ctx context.Context, tenantID string) (resp.EffectiveFlags, error) {
	if tenantID == "" {
		return nil, ErrTenantIDRequired
	}

	snap, err := s.buildSnapshot(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	out := make(resp.EffectiveFlags)
	for _, key := range snap.Keys(tenantID) {
		out[key] = snap.Effective(key, tenantID)
	}
	return out, nil
}

func (s *FlagService) buildSnapshot(ctx context.Context, tenantID string) (*resolver.Snapshot, error) {
	platformRowModels, err := s.platformRepo.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	platformOverrideModels, err := s.overrideRepo.ListPlatform(ctx)
	if err != nil {
		return nil, err
	}
	tenantRowModels, err := s.tenantRepo.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	tenantOverrideModels, err := s.overrideRepo.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	platformRows := make(map[string]resolver.Row, len(platformRowModels))
	for _, p := range platformRowModels {
		platformRows[p.Key] = resolver.Row{
			Enabled:       p.Enabled,
			Rollout:       p.Rollout,
			Regions:       p.RegionList(),
			AllowOverride: p.AllowOverride,
		}
	}
	platformOverrides := make(map[string]bool)
	for _, o := range platformOverrideModels {
		if o.Value != nil {
			platformOverrides[o.Key] = *o.Value
		}
	}
	tenantRows := map[string]map[string]resolver.Row{tenantID: make(map[string]resolver.Row, len(tenantRowModels))}
	for _, r := range tenantRowModels {
		tenantRows[tenantID][r.Key] = resolver.Row{Enabled: r.Enabled, Rollout: r.Rollout}
	}
	tenantOverrides := map[string]map[string]bool{tenantID: make(map[string]bool)}
	for _, o := range tenantOverrideModels {
		if o.Value != nil {
			tenantOverrides[tenantID][o.Key] = *o.Value
		}
	}

	return resolver.Build(s.envDefaults, platformRows, platformOverrides, tenantRows, tenantOverrides), nil
}

func (s *FlagService) GetAudits(ctx context.Context, scope, tenantID, key string) ([]resp.AuditLogItem, error) {
	audits, err := s.auditRepo.ListByKey(ctx, scope, tenantID, key)
	if err != nil {
		return nil, err
	}
	items := make([]resp.AuditLogItem, 0, len(audits))
	for _, a := range audits {
		items = append(items, resp.AuditLogItem{
			ID:        a.ID,
			Scope:     a.Scope,
			TenantID:  a.TenantID,
			Key:       a.Key,
			Action:    a.Action,
			OldValue:  a.OldValue,
			NewValue:  a.NewValue,
			Operator:  a.Operator,
			CreatedAt: a.CreatedAt,
		})
	}
	return items, nil
}

// RollbackTenantFlag restores a tenant flag row to the state captured in an
// audit entry's old value.
func (s *FlagService) RollbackTenantFlag(ctx context.Context, tenantID, key string, auditID uint, operator string) (*resp.TenantFlagItem, error) {
	audit, err := s.auditRepo.FindByID(ctx, auditID)
	if err != nil {
		return nil, err
	}
	if audit.Key != key || audit.TenantID != tenantID || audit.Scope != constraints.ScopeTenant {
		return nil, fmt.Errorf("%w: audit %d is for %s/%s", ErrAuditMismatch, auditID, audit.TenantID, audit.Key)
	}

	var prior model.TenantFlag
	if audit.OldValue == "" || json.Unmarshal([]byte(audit.OldValue), &prior) != nil {
		return nil, fmt.Errorf("audit %d has no restorable state", auditID)
	}

	logger.Info("rolling back tenant flag",
		zap.String("tenant", tenantID),
		zap.String("key", key),
		zap.Bool("to_enabled", prior.Enabled))

	return s.upsertTenantFlag(ctx, tenantID, key, prior.Enabled, prior.Rollout, operator, model.AuditActionRollback)
}

func (s *FlagService) Health(ctx context.Context) error {
	if s.tenantRepo.PingContext(ctx) != nil {
		return ErrMysqlUnhealthy
	}
	if s.mirrorRepo.Health(ctx) != nil {
		return ErrEtcdUnhealthy
	}
	return nil
}

func (s *FlagService) isKnownPlatformKey(ctx context.Context, tx *gorm.DB, key string) (bool, error) {
	if _, ok := s.envDefaults[key]; ok {
		return true, nil
	}
	flag, err := s.platformRepo.WithTx(tx).GetByKey(ctx, key)
	if err != nil {
		return false, err
	}
	return flag != nil, nil
}

// -- wire/projection helpers --

func platformEntry(f *model.PlatformFlag) v1.Entry {
	return v1.Entry{
		Scope:         constraints.ScopePlatform,
		Key:           f.Key,
		Kind:          v1.KindRow,
		Enabled:       f.Enabled,
		Rollout:       f.Rollout,
		Regions:       f.RegionList(),
		AllowOverride: f.AllowOverride,
		Version:       f.Version,
	}
}

func tenantEntry(f *model.TenantFlag) v1.Entry {
	return v1.Entry{
		Scope:    constraints.ScopeTenant,
		TenantID: f.TenantID,
		Key:      f.Key,
		Kind:     v1.KindRow,
		Enabled:  f.Enabled,
		Rollout:  f.Rollout,
		Version:  f.Version,
	}
}

func overrideEntry(o *model.FlagOverride) v1.Entry {
	return v1.Entry{
		Scope:    o.Scope,
		TenantID: o.TenantID,
		Key:      o.Key,
		Kind:     v1.KindOverride,
		Value:    o.Value,
		Version:  o.Version,
	}
}

func auditFor(entry v1.Entry, action, oldJSON, operator string) *model.FlagAudit {
	return &model.FlagAudit{
		Scope:    entry.Scope,
		TenantID: entry.TenantID,
		Key:      entry.Key,
		Action:   action,
		OldValue: oldJSON,
		NewValue: entry.ToJSON(),
		Operator: operator,
	}
}

func marshalRow(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func tenantFlagItem(f *model.TenantFlag, inherited bool) resp.TenantFlagItem {
	return resp.TenantFlagItem{
		ID:                f.ID,
		Key:               f.Key,
		Enabled:           f.Enabled,
		Rollout:           f.Rollout,
		PlatformInherited: inherited,
		Version:           f.Version,
		UpdatedAt:         f.UpdatedAt,
		UpdatedBy:         f.UpdatedBy,
	}
}

func platformFlagItem(f *model.PlatformFlag) resp.PlatformFlagItem {
	return resp.PlatformFlagItem{
		ID:            f.ID,
		Key:           f.Key,
		Enabled:       f.Enabled,
		AllowOverride: f.AllowOverride,
		Rollout:       f.Rollout,
		Regions:       f.Regions,
		Description:   f.Description,
		Version:       f.Version,
		UpdatedAt:     f.UpdatedAt,
		UpdatedBy:     f.UpdatedBy,
	}
}
