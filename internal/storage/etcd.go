package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"cruisectl/internal/codec"
	"cruisectl/internal/cruise"
	logx "cruisectl/pkg/logx"
)

// DefaultEtcdPrefix roots every key cruisectl writes, so the cluster can be
// shared with other tenants.
const DefaultEtcdPrefix = "/cruisectl/v1"

// maxCASAttempts bounds the optimistic-concurrency loop in Update.
const maxCASAttempts = 16

// etcdStore keeps one CBOR-encoded cruise.State per key. Updates are
// compare-and-swap on the key's mod revision, so concurrent writers from
// several control-plane replicas never interleave inside a transition.
type etcdStore struct {
	client *clientv3.Client
	prefix string
	log    logx.Logger
}

func openEtcd(cfg Config, log logx.Logger) (Backend, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("storage.endpoints is required for etcd driver")
	}
	dial := cfg.DialTimeout
	if dial <= 0 {
		dial = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dial,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd dial: %w", err)
	}
	log.Debug("etcd store opened", logx.Strings("endpoints", cfg.Endpoints))
	return newEtcdStore(client, cfg.Prefix, log), nil
}

func newEtcdStore(client *clientv3.Client, prefix string, log logx.Logger) *etcdStore {
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = DefaultEtcdPrefix
	}
	return &etcdStore{client: client, prefix: prefix, log: log}
}

func (s *etcdStore) cruiseKey(id string) string { return s.prefix + "/cruises/" + id }
func (s *etcdStore) cruisePrefix() string       { return s.prefix + "/cruises/" }
func (s *etcdStore) statusPrefix() string       { return s.prefix + "/status/" }

// statusKey sorts by time first so a descending key scan is newest first.
func (s *etcdStore) statusKey(rec StatusRecord) string {
	return fmt.Sprintf("%s%020d-%s", s.statusPrefix(), rec.At.UnixNano(), rec.ID)
}

func (s *etcdStore) Close() error { return s.client.Close() }

func (s *etcdStore) Put(ctx context.Context, st *cruise.State) (bool, error) {
	data, err := codec.Marshal(st)
	if err != nil {
		return false, fmt.Errorf("encode cruise %q: %w", st.ID, err)
	}
	resp, err := s.client.Put(ctx, s.cruiseKey(st.ID), string(data), clientv3.WithPrevKV())
	if err != nil {
		return false, fmt.Errorf("etcd put %q: %w", st.ID, err)
	}
	return resp.PrevKv != nil, nil
}

func (s *etcdStore) Create(ctx context.Context, st *cruise.State) error {
	data, err := codec.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode cruise %q: %w", st.ID, err)
	}
	k := s.cruiseKey(st.ID)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Version(k), "=", 0)).
		Then(clientv3.OpPut(k, string(data))).
		Commit()
	if err != nil {
		return fmt.Errorf("etcd txn create %q: %w", st.ID, err)
	}
	if !resp.Succeeded {
		return alreadyExists(st.ID)
	}
	return nil
}

func (s *etcdStore) Delete(ctx context.Context, id string) (bool, error) {
	resp, err := s.client.Delete(ctx, s.cruiseKey(id))
	if err != nil {
		return false, fmt.Errorf("etcd delete %q: %w", id, err)
	}
	return resp.Deleted > 0, nil
}

func (s *etcdStore) List(ctx context.Context) ([]string, error) {
	pfx := s.cruisePrefix()
	resp, err := s.client.Get(ctx, pfx, clientv3.WithPrefix(), clientv3.WithKeysOnly(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("etcd list %q: %w", pfx, err)
	}
	ids := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		ids = append(ids, strings.TrimPrefix(string(kv.Key), pfx))
	}
	return ids, nil
}

func (s *etcdStore) View(ctx context.Context, id string, fn func(st *cruise.State) error) error {
	st, _, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	return fn(st)
}

func (s *etcdStore) ViewAll(ctx context.Context, fn func(st *cruise.State) error) error {
	pfx := s.cruisePrefix()
	resp, err := s.client.Get(ctx, pfx, clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return fmt.Errorf("etcd list %q: %w", pfx, err)
	}
	for _, kv := range resp.Kvs {
		st, err := decodeCBORState(string(kv.Key), kv.Value)
		if err != nil {
			return err
		}
		if err := fn(st); err != nil {
			return err
		}
	}
	return nil
}

func (s *etcdStore) Update(ctx context.Context, id string, fn func(st *cruise.State) error) error {
	k := s.cruiseKey(id)
	for attempt := 1; attempt <= maxCASAttempts; attempt++ {
		st, rev, err := s.get(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(st); err != nil {
			return err
		}
		data, err := codec.Marshal(st)
		if err != nil {
			return fmt.Errorf("encode cruise %q: %w", id, err)
		}
		resp, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(k), "=", rev)).
			Then(clientv3.OpPut(k, string(data))).
			Commit()
		if err != nil {
			return fmt.Errorf("etcd txn update %q: %w", id, err)
		}
		if resp.Succeeded {
			return nil
		}
		s.log.Debug("etcd update conflict, retrying", logx.String("cruise", id), logx.Int("attempt", attempt))
	}
	return fmt.Errorf("update cruise %q: %w", id, ErrConflict)
}

func (s *etcdStore) AppendStatus(ctx context.Context, rec StatusRecord) error {
	data, err := codec.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode status %q: %w", rec.ID, err)
	}
	if _, err := s.client.Put(ctx, s.statusKey(rec), string(data)); err != nil {
		return fmt.Errorf("etcd put status: %w", err)
	}
	return nil
}

func (s *etcdStore) Statuses(ctx context.Context, limit int) ([]StatusRecord, error) {
	opts := []clientv3.OpOption{
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortDescend),
	}
	if limit > 0 {
		opts = append(opts, clientv3.WithLimit(int64(limit)))
	}
	resp, err := s.client.Get(ctx, s.statusPrefix(), opts...)
	if err != nil {
		return nil, fmt.Errorf("etcd list status: %w", err)
	}
	out := make([]StatusRecord, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var rec StatusRecord
		if err := codec.Unmarshal(kv.Value, &rec); err != nil {
			return nil, fmt.Errorf("decode %q: %w", string(kv.Key), err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// get returns the decoded state and the key's mod revision.
func (s *etcdStore) get(ctx context.Context, id string) (*cruise.State, int64, error) {
	k := s.cruiseKey(id)
	resp, err := s.client.Get(ctx, k)
	if err != nil {
		return nil, 0, fmt.Errorf("etcd get %q: %w", id, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, cruise.CruiseNotFound(id)
	}
	kv := resp.Kvs[0]
	st, err := decodeCBORState(k, kv.Value)
	if err != nil {
		return nil, 0, err
	}
	return st, kv.ModRevision, nil
}

func decodeCBORState(key string, data []byte) (*cruise.State, error) {
	var st cruise.State
	if err := codec.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode %q: %w", key, err)
	}
	st.Normalize()
	return &st, nil
}
