package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const maxMergeRetries = 5

// RedisStore keeps each collection in a Redis hash, one set per indexed
// (field, value) pair, and announces changes on a Pub/Sub channel per
// collection so that every process holding a subscription sees them.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	indexes Indexes
	timeout time.Duration
}

// NewRedisStore builds a Redis-backed document store.
func NewRedisStore(addr, password, prefix string, indexes Indexes) (*RedisStore, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("docstore redis addr is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "party:docs"
	}
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix:  prefix,
		indexes: indexes,
		timeout: 3 * time.Second,
	}, nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Get reads one document from the collection hash.
func (s *RedisStore) Get(ctx context.Context, collection, id string) (Document, bool, error) {
	data, err := s.client.HGet(ctx, s.dataKey(collection), id).Bytes()
	if err == redis.Nil {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, err
	}
	return Document{ID: id, Data: json.RawMessage(data)}, true, nil
}

// Subscribe listens on the collection channel and reloads the full
// collection for every notification.
func (s *RedisStore) Subscribe(ctx context.Context, collection string, fn func(Snapshot)) (func(), error) {
	ps := s.client.Subscribe(context.Background(), s.channel(collection))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", collection, err)
	}
	snap, err := s.snapshot(ctx, collection)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}
	fn(snap)

	done := make(chan struct{})
	ch := ps.Channel()
	go func() {
		defer close(done)
		for range ch {
			loadCtx, cancel := context.WithTimeout(context.Background(), s.timeout)
			snap, err := s.snapshot(loadCtx, collection)
			cancel()
			if err != nil {
				slog.Warn("docstore snapshot reload failed", "collection", collection, "err", err)
				continue
			}
			fn(snap)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = ps.Close()
			<-done
		})
	}, nil
}

// Append writes value under a new identifier and indexes it.
func (s *RedisStore) Append(ctx context.Context, collection string, value any) (string, error) {
	obj, err := encodeObject(value)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	id := NewID()
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.dataKey(collection), id, body)
		for _, field := range s.indexes.Fields(collection) {
			if v, ok := fieldValue(body, field); ok {
				p.SAdd(ctx, s.indexKey(collection, field, v), id)
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("append document: %w", err)
	}
	s.publish(ctx, collection)
	return id, nil
}

// Update merges partial into the stored document under WATCH, retrying when
// a concurrent writer touched the collection first.
func (s *RedisStore) Update(ctx context.Context, collection, id string, partial any) error {
	patch, err := encodeObject(partial)
	if err != nil {
		return err
	}
	key := s.dataKey(collection)
	txf := func(tx *redis.Tx) error {
		old, err := tx.HGet(ctx, key, id).Bytes()
		if err != nil && err != redis.Nil {
			return err
		}
		merged, err := mergeObject(old, patch)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, id, []byte(merged))
			for _, field := range s.indexes.Fields(collection) {
				if v, ok := fieldValue(old, field); ok {
					p.SRem(ctx, s.indexKey(collection, field, v), id)
				}
				if v, ok := fieldValue(merged, field); ok {
					p.SAdd(ctx, s.indexKey(collection, field, v), id)
				}
			}
			return nil
		})
		return err
	}
	for i := 0; i < maxMergeRetries; i++ {
		err = s.client.Watch(ctx, txf, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return fmt.Errorf("update document: %w", err)
		}
		s.publish(ctx, collection)
		return nil
	}
	return fmt.Errorf("update document: %w", err)
}

// QueryEqual resolves ids from the index set, then loads and re-checks them.
func (s *RedisStore) QueryEqual(ctx context.Context, collection, field string, value any) ([]Document, error) {
	if !s.indexes.Has(collection, field) {
		return nil, ErrQueryUnsupported
	}
	want, err := canonical(value)
	if err != nil {
		return nil, err
	}
	ids, err := s.client.SMembers(ctx, s.indexKey(collection, field, want)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := s.client.HMGet(ctx, s.dataKey(collection), ids...).Result()
	if err != nil {
		return nil, err
	}
	res := make([]Document, 0, len(ids))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		data := json.RawMessage(str)
		if got, ok := fieldValue(data, field); !ok || got != want {
			continue
		}
		res = append(res, Document{ID: ids[i], Data: data})
	}
	sortDocs(res)
	return res, nil
}

func (s *RedisStore) snapshot(ctx context.Context, collection string) (Snapshot, error) {
	all, err := s.client.HGetAll(ctx, s.dataKey(collection)).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("load collection %s: %w", collection, err)
	}
	docs := make([]Document, 0, len(all))
	for id, data := range all {
		docs = append(docs, Document{ID: id, Data: json.RawMessage(data)})
	}
	sortDocs(docs)
	return Snapshot{Collection: collection, Docs: docs}, nil
}

func (s *RedisStore) publish(ctx context.Context, collection string) {
	if err := s.client.Publish(ctx, s.channel(collection), "changed").Err(); err != nil {
		slog.Warn("docstore change publish failed", "collection", collection, "err", err)
	}
}

func (s *RedisStore) dataKey(collection string) string {
	return s.prefix + ":doc:" + collection
}

func (s *RedisStore) indexKey(collection, field, value string) string {
	return s.prefix + ":idx:" + collection + ":" + field + ":" + value
}

func (s *RedisStore) channel(collection string) string {
	return s.prefix + ":chg:" + collection
}
