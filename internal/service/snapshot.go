package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"shelfgate/internal/buffer"
	"shelfgate/internal/metrics"
	"shelfgate/internal/repository"
	"shelfgate/pkg/resolver"
	v1 "shelfgate/pkg/api/v1"
	"shelfgate/pkg/constraints"
	"shelfgate/pkg/logger"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// SnapshotStore is the read plane. It mirrors the etcd keyspace into an
// immutable resolver snapshot and fans watch events out to the stream hub.
// Every SDK evaluation and stream snapshot is served from memory; the
// database is never on the hot path.
type SnapshotStore struct {
	mirrorRepo  *repository.MirrorRepository
	buffer      *buffer.RevisionBuffer
	hub         *Hub
	observer    metrics.EvalObserver
	envDefaults map[string]bool

	mu      sync.RWMutex
	snap    *resolver.Snapshot
	entries map[string]v1.Entry // path -> latest entry
}

func NewSnapshotStore(mirrorRepo *repository.MirrorRepository, hub *Hub, observer metrics.EvalObserver, envDefaults map[string]bool, bufferSize int) *SnapshotStore {
	return &SnapshotStore{
		mirrorRepo:  mirrorRepo,
		buffer:      buffer.NewRevisionBuffer(bufferSize),
		hub:         hub,
		observer:    observer,
		envDefaults: envDefaults,
		snap:        resolver.New(envDefaults),
		entries:     make(map[string]v1.Entry),
	}
}

// Evaluate resolves one flag for one tenant against the current snapshot.
func (s *SnapshotStore) Evaluate(key, tenantID, region string) resolver.Decision {
	s.mu.RLock()
	snap := s.snap
	s.mu.RUnlock()

	d := snap.Resolve(key, tenantID, region)
	s.observer.RecordEvaluation(d.Source, d.Enabled)
	return d
}

// GetCompensation replays buffered updates after lastRev. ok=false means the
// client fell behind the ring buffer and must take a full snapshot instead.
func (s *SnapshotStore) GetCompensation(lastRev int64) ([]v1.Update, bool) {
	return s.buffer.GetSince(lastRev)
}

// SnapshotEntries returns every mirrored entry visible to the tenant, the
// platform_env defaults the client must seed its own snapshot with, and the
// revision the view is consistent at. An empty tenantID returns the
// unfiltered view for admin stream clients.
func (s *SnapshotStore) SnapshotEntries(tenantID string) ([]v1.Entry, map[string]bool, int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]v1.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if tenantID != "" && e.TenantID != "" && e.TenantID != tenantID {
			continue
		}
		res = append(res, e)
	}
	defaults := make(map[string]bool, len(s.envDefaults))
	for k, v := range s.envDefaults {
		defaults[k] = v
	}
	return res, defaults, s.snap.Revision()
}

// Run loads the initial keyspace state and then follows the watch stream,
// folding each event into the snapshot and broadcasting it. Watch starts at
// the snapshot revision plus one so no update is lost between Get and Watch.
func (s *SnapshotStore) Run(ctx context.Context) {
	resp, err := s.mirrorRepo.GetWithRevision(ctx, v1.RootPrefix)
	if err != nil {
		logger.Error("failed to load initial flag mirror", zap.Error(err))
		return
	}
	rev0 := resp.Header.Revision

	s.mu.Lock()
	for _, kv := range resp.Kvs {
		var entry v1.Entry
		if err := json.Unmarshal(kv.Value, &entry); err != nil {
			logger.Warn("skipping malformed mirror entry", zap.String("path", string(kv.Key)))
			continue
		}
		entry.Revision = kv.ModRevision
		s.entries[string(kv.Key)] = entry
		s.snap = s.snap.Apply(v1.Update{Entry: entry, Action: constraints.PUT})
	}
	s.mu.Unlock()
	logger.Info("flag mirror snapshot initialized", zap.Int64("rev", rev0), zap.Int("entries", len(resp.Kvs)))

	lastRev := rev0
	watchChan := s.mirrorRepo.WatchFrom(ctx, v1.RootPrefix, lastRev+1)
	for {
		select {
		case <-ctx.Done():
			return
		case wresp, open := <-watchChan:
			if !open || wresp.Canceled {
				if ctx.Err() != nil {
					return
				}
				// Resume from the last applied revision so no event is lost
				// across the gap.
				logger.Warn("mirror watch interrupted, restarting",
					zap.Int64("from_rev", lastRev+1), zap.Error(wresp.Err()))
				time.Sleep(time.Second)
				watchChan = s.mirrorRepo.WatchFrom(ctx, v1.RootPrefix, lastRev+1)
				continue
			}
			if rev := wresp.Header.Revision; rev > lastRev {
				lastRev = rev
			}
			for _, ev := range wresp.Events {
				update, ok := s.updateFromEvent(ev)
				if !ok {
					continue
				}

				s.mu.Lock()
				if update.Action == constraints.DELETE {
					delete(s.entries, string(ev.Kv.Key))
				} else {
					s.entries[string(ev.Kv.Key)] = update.Entry
				}
				s.snap = s.snap.Apply(update)
				s.mu.Unlock()

				s.buffer.AddMessage(update)
				s.hub.Broadcast <- update
			}
		}
	}
}

// updateFromEvent converts one raw etcd event into a wire update. Delete
// events carry no value, so scope, tenant and key come from the path.
func (s *SnapshotStore) updateFromEvent(ev *clientv3.Event) (v1.Update, bool) {
	path := string(ev.Kv.Key)

	if ev.Type == clientv3.EventTypeDelete {
		scope, tenantID, kind, key, ok := v1.ParsePath(path)
		if !ok {
			logger.Warn("delete event for unrecognized path", zap.String("path", path))
			return v1.Update{}, false
		}
		return v1.Update{
			Entry: v1.Entry{
				Scope:    scope,
				TenantID: tenantID,
				Key:      key,
				Kind:     kind,
				Revision: ev.Kv.ModRevision,
			},
			Action: constraints.DELETE,
		}, true
	}

	var entry v1.Entry
	if err := json.Unmarshal(ev.Kv.Value, &entry); err != nil {
		logger.Error("failed to unmarshal mirror entry", zap.String("path", path), zap.ByteString("raw_value", ev.Kv.Value))
		return v1.Update{}, false
	}
	entry.Revision = ev.Kv.ModRevision
	return v1.Update{Entry: entry, Action: constraints.PUT}, true
}
