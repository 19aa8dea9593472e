package prefs

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const removedMarker = "\x00removed"

// RedisStore keeps preferences in Redis with a TTL and publishes every
// change on a per-key channel, so several server processes observe each
// other's writes. All watchers of one store share a single pattern
// subscription.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration

	watchMu  sync.RWMutex
	watchers map[string]map[uint64]func(string, bool)
	nextID   uint64
	ps       *redis.PubSub
	done     chan struct{}
}

// NewRedisStore builds a Redis-backed preference store.
func NewRedisStore(addr, password, prefix string, ttl time.Duration) (*RedisStore, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("prefs redis addr is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "party:prefs"
	}
	if ttl <= 0 {
		ttl = 365 * 24 * time.Hour
	}
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix:   prefix,
		ttl:      ttl,
		watchers: make(map[string]map[uint64]func(string, bool)),
	}, nil
}

// Close stops the change subscription and releases the underlying client.
func (s *RedisStore) Close() error {
	s.watchMu.Lock()
	ps, done := s.ps, s.done
	s.ps, s.done = nil, nil
	s.watchMu.Unlock()
	if ps != nil {
		if err := ps.Close(); err != nil {
			slog.Debug("prefs subscription close failed", "err", err)
		}
		<-done
	}
	return s.client.Close()
}

// Get resolves visitor/key.
func (s *RedisStore) Get(visitor, key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	val, err := s.client.Get(ctx, s.key(visitor, key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Set writes visitor/key with TTL and announces it.
func (s *RedisStore) Set(visitor, key, value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.key(visitor, key), value, s.ttl)
		p.Publish(ctx, s.channel(visitor, key), value)
		return nil
	})
	return err
}

// Remove deletes visitor/key and announces it.
func (s *RedisStore) Remove(visitor, key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.key(visitor, key))
		p.Publish(ctx, s.channel(visitor, key), removedMarker)
		return nil
	})
	if err != nil && err != redis.Nil {
		return err
	}
	return nil
}

// Watch registers fn for changes of visitor/key. The first watcher opens the
// store's pattern subscription; cancel only unregisters fn. fn must not call
// its own cancel synchronously.
func (s *RedisStore) Watch(visitor, key string, fn func(string, bool)) (func(), error) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if err := s.listenLocked(); err != nil {
		return nil, err
	}
	ch := s.channel(visitor, key)
	if s.watchers[ch] == nil {
		s.watchers[ch] = make(map[uint64]func(string, bool))
	}
	s.nextID++
	id := s.nextID
	s.watchers[ch][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.watchMu.Lock()
			defer s.watchMu.Unlock()
			delete(s.watchers[ch], id)
			if len(s.watchers[ch]) == 0 {
				delete(s.watchers, ch)
			}
		})
	}, nil
}

// Watchers returns the number of live watchers for visitor/key.
func (s *RedisStore) Watchers(visitor, key string) int {
	s.watchMu.RLock()
	defer s.watchMu.RUnlock()
	return len(s.watchers[s.channel(visitor, key)])
}

func (s *RedisStore) listenLocked() error {
	if s.ps != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ps := s.client.PSubscribe(context.Background(), s.prefix+":chg:*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return err
	}
	s.ps = ps
	s.done = make(chan struct{})
	go s.dispatch(ps.Channel(), s.done)
	return nil
}

// dispatch holds the read lock while calling watchers, so a returned cancel
// guarantees no further calls.
func (s *RedisStore) dispatch(ch <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for msg := range ch {
		value, ok := msg.Payload, true
		if value == removedMarker {
			value, ok = "", false
		}
		s.watchMu.RLock()
		for _, fn := range s.watchers[msg.Channel] {
			fn(value, ok)
		}
		s.watchMu.RUnlock()
	}
}

func (s *RedisStore) key(visitor, key string) string {
	return s.prefix + ":" + visitor + ":" + key
}

func (s *RedisStore) channel(visitor, key string) string {
	return s.prefix + ":chg:" + visitor + ":" + key
}
