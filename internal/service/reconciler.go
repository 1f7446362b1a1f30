package service

import (
	"context"
	"encoding/json"
	"time"

	"shelfgate/internal/repository"
	v1 "shelfgate/pkg/api/v1"
	"shelfgate/pkg/logger"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
)

// ReconcilerConfig throttles the periodic repair job. BatchDelay spaces out
// the CAS writes so a large repair does not hammer etcd.
type ReconcilerConfig struct {
	Interval   time.Duration
	BatchSize  int
	BatchDelay time.Duration
}

// Reconciler periodically rebuilds the etcd mirror from authoritative
// storage. It covers the gap the outbox cannot: entries deleted or corrupted
// in etcd directly, or outbox tasks that exhausted their retries.
type Reconciler struct {
	etcdClient   *clientv3.Client
	mirrorRepo   *repository.MirrorRepository
	platformRepo repository.PlatformFlagInterface
	tenantRepo   repository.TenantFlagInterface
	overrideRepo repository.OverrideInterface
	cfg          ReconcilerConfig
}

func NewReconciler(
	client *clientv3.Client,
	mirrorRepo *repository.MirrorRepository,
	platformRepo repository.PlatformFlagInterface,
	tenantRepo repository.TenantFlagInterface,
	overrideRepo repository.OverrideInterface,
	cfg ReconcilerConfig,
) *Reconciler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Reconciler{
		etcdClient:   client,
		mirrorRepo:   mirrorRepo,
		platformRepo: platformRepo,
		tenantRepo:   tenantRepo,
		overrideRepo: overrideRepo,
		cfg:          cfg,
	}
}

func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	// Session for the distributed lock, tied to a lease
	session, err := concurrency.NewSession(r.etcdClient, concurrency.WithTTL(10))
	if err != nil {
		logger.Error("failed to create etcd concurrency session", zap.Error(err))
		return
	}
	defer session.Close()

	mutex := concurrency.NewMutex(session, "/locks/shelfgate-reconciler")

	logger.Info("reconciler started", zap.Duration("interval", r.cfg.Interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := mutex.Lock(lockCtx)
			cancel()

			if err != nil {
				if err == context.DeadlineExceeded {
					// Another instance holds the lock, skip this round
					logger.Debug("reconciliation skipped, another instance holds the lock")
				} else {
					logger.Error("failed to acquire reconciliation lock", zap.Error(err))
				}
				continue
			}

			logger.Info("lock acquired, starting reconciliation")
			r.reconcile(ctx)

			if err := mutex.Unlock(context.Background()); err != nil {
				logger.Warn("failed to release reconciliation lock", zap.Error(err))
			}
		}
	}
}

func (r *Reconciler) reconcile(ctx context.Context) {
	dbMap, err := r.desiredEntries(ctx)
	if err != nil {
		logger.Error("recon: failed to build desired state from db", zap.Error(err))
		return
	}

	resp, err := r.mirrorRepo.GetWithRevision(ctx, v1.RootPrefix)
	if err != nil {
		logger.Error("recon: failed to fetch entries from etcd", zap.Error(err))
		return
	}
	etcdMap := make(map[string]*v1.Entry)
	for _, kv := range resp.Kvs {
		var entry v1.Entry
		if err := json.Unmarshal(kv.Value, &entry); err == nil {
			etcdMap[string(kv.Key)] = &entry
		}
	}

	// DB has it, etcd missing or stale
	var fixed, inBatch int
	for path, want := range dbMap {
		have, exists := etcdMap[path]

		shouldUpdate := false
		reason := ""

		if !exists {
			shouldUpdate = true
			reason = "missing_in_etcd"
		} else if have.Version < want.Version || have.ToJSON() != want.ToJSON() {
			shouldUpdate = true
			reason = "value_mismatch"
		}

		if !shouldUpdate {
			continue
		}
		logger.Warn("recon: fixing inconsistency", zap.String("path", path), zap.String("reason", reason))

		if _, err := r.mirrorRepo.SaveEntryIfNewer(ctx, path, want); err != nil {
			logger.Error("recon: failed to fix etcd", zap.String("path", path), zap.Error(err))
			continue
		}
		fixed++
		inBatch++
		if inBatch >= r.cfg.BatchSize && r.cfg.BatchDelay > 0 {
			inBatch = 0
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.cfg.BatchDelay):
			}
		}
	}

	// Etcd has it, DB does not. Orphans are surfaced, not auto-deleted: a
	// delete broadcast to every SDK is too destructive to run unattended.
	for path := range etcdMap {
		if _, exists := dbMap[path]; !exists {
			logger.Warn("recon: orphan entry in etcd", zap.String("path", path))
		}
	}

	logger.Info("reconciliation finished",
		zap.Int("db_count", len(dbMap)),
		zap.Int("etcd_count", len(etcdMap)),
		zap.Int("fixed", fixed))
}

// desiredEntries materializes the mirror's target state from every row table.
// Cleared overrides (value NULL) still publish: the entry with a null value
// tells watchers the layer no longer applies.
func (r *Reconciler) desiredEntries(ctx context.Context) (map[string]v1.Entry, error) {
	out := make(map[string]v1.Entry)

	platformFlags, err := r.platformRepo.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, f := range platformFlags {
		e := platformEntry(f)
		out[e.Path()] = e
	}

	tenantFlags, err := r.tenantRepo.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, f := range tenantFlags {
		e := tenantEntry(f)
		out[e.Path()] = e
	}

	overrides, err := r.overrideRepo.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, o := range overrides {
		e := overrideEntry(o)
		out[e.Path()] = e
	}

	return out, nil
}
