package repository

import (
	"context"
	"encoding/json"
	"errors"

	v1 "shelfgate/pkg/api/v1"

	clientv3 "go.etcd.io/etcd/client/v3"
)

var ErrEntryNotFound = errors.New("entry not found")

type EtcdInterface interface {
	clientv3.KV
	clientv3.Watcher
	Close() error
}

// MirrorRepository is the etcd side of the flag mirror: the DB is the source
// of truth, etcd is the distribution plane the watchers and SDK clients read.
type MirrorRepository struct {
	client EtcdInterface
}

func NewMirrorRepository(client EtcdInterface) *MirrorRepository {
	return &MirrorRepository{client: client}
}

func (r *MirrorRepository) GetEntry(ctx context.Context, path string) (*v1.Entry, error) {
	resp, err := r.client.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrEntryNotFound
	}
	kv := resp.Kvs[0]
	var entry v1.Entry
	if err := json.Unmarshal(kv.Value, &entry); err != nil {
		return nil, err
	}
	entry.Revision = kv.ModRevision
	return &entry, nil
}

// SaveEntryIfNewer writes an entry only when its business version is greater
// than what etcd already holds (CAS on mod revision, bounded retries). Stale
// outbox replays and concurrent publishers become no-ops.
func (r *MirrorRepository) SaveEntryIfNewer(ctx context.Context, path string, entry v1.Entry) (int64, error) {
	const maxRetries = 3
	var retries int

	for {
		resp, err := r.client.Get(ctx, path)
		if err != nil {
			return 0, err
		}

		val := entry.ToJSON()

		if len(resp.Kvs) == 0 {
			txn := r.client.Txn(ctx).
				If(clientv3.Compare(clientv3.CreateRevision(path), "=", 0)).
				Then(clientv3.OpPut(path, val))

			tResp, err := txn.Commit()
			if err != nil {
				return 0, err
			}
			if !tResp.Succeeded {
				retries++
				if retries > maxRetries {
					return 0, errors.New("max retries exceeded for SaveEntryIfNewer")
				}
				continue
			}
			return tResp.Header.Revision, nil
		}

		kv := resp.Kvs[0]
		var current v1.Entry
		if err := json.Unmarshal(kv.Value, &current); err != nil {
			return 0, err
		}
		if current.Version >= entry.Version {
			return kv.ModRevision, nil
		}

		txn := r.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(path), "=", kv.ModRevision)).
			Then(clientv3.OpPut(path, val))

		tResp, err := txn.Commit()
		if err != nil {
			return 0, err
		}
		if tResp.Succeeded {
			return tResp.Header.Revision, nil
		}
		retries++
		if retries > maxRetries {
			return 0, errors.New("max retries exceeded for SaveEntryIfNewer")
		}
	}
}

func (r *MirrorRepository) GetWithRevision(ctx context.Context, prefix string) (*clientv3.GetResponse, error) {
	return r.client.Get(ctx, prefix, clientv3.WithPrefix())
}

func (r *MirrorRepository) WatchFrom(ctx context.Context, prefix string, startRev int64) clientv3.WatchChan {
	return r.client.Watch(ctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(startRev))
}

func (r *MirrorRepository) Health(ctx context.Context) error {
	_, err := r.client.Get(ctx, "health_check")
	return err
}
