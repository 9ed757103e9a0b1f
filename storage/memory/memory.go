// Package memory provides an in-process implementation of storage.Storage
// backed by a map with TTL expiry and a bounded item count.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ggoodman/mcp-proxy-go/storage"
)

const sweepInterval = time.Minute

// Storage implements storage.Storage in memory.
type Storage struct {
	maxItems int

	mu     sync.Mutex
	items  map[string]*storage.Item
	closed bool

	stop chan struct{}
	done chan struct{}
}

var _ storage.Storage = (*Storage)(nil)

// New creates a store holding at most maxItems keys; zero means unbounded.
// When full, expired keys are dropped first and then the oldest key.
func New(maxItems int) *Storage {
	s := &Storage{
		maxItems: maxItems,
		items:    make(map[string]*storage.Item),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.sweep()
	return s
}

func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	o := storage.Apply(opts...)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	return s.load(buildKey(o.Namespace, key)), nil
}

func (s *Storage) GetMany(ctx context.Context, keys []string, opts ...storage.Option) ([]*storage.Item, error) {
	o := storage.Apply(opts...)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	out := make([]*storage.Item, len(keys))
	for i, k := range keys {
		out[i] = s.load(buildKey(o.Namespace, k))
	}
	return out, nil
}

// load returns a copy of the live item at k. Callers hold mu.
func (s *Storage) load(k string) *storage.Item {
	it, ok := s.items[k]
	if !ok {
		return nil
	}
	if it.IsExpired() {
		delete(s.items, k)
		return nil
	}
	c := *it
	c.Data = append([]byte(nil), it.Data...)
	return &c
}

func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	k := buildKey(o.Namespace, key)
	if o.IfAbsent && s.load(k) != nil {
		return storage.ErrExists
	}
	s.store(k, data, o.TTL)
	return nil
}

func (s *Storage) SetMany(ctx context.Context, items map[string][]byte, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	if o.IfAbsent {
		return storage.ErrInvalidOptions
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	for key, data := range items {
		s.store(buildKey(o.Namespace, key), data, o.TTL)
	}
	return nil
}

// store writes a copy of data at k. Callers hold mu.
func (s *Storage) store(k string, data []byte, ttl *time.Duration) {
	now := time.Now()
	it := &storage.Item{Data: append([]byte(nil), data...), CreatedAt: now}
	if ttl != nil {
		exp := now.Add(*ttl)
		it.ExpiresAt = &exp
	}
	if _, exists := s.items[k]; !exists && s.maxItems > 0 && len(s.items) >= s.maxItems {
		s.evict(now)
	}
	s.items[k] = it
}

func (s *Storage) evict(now time.Time) {
	var oldestKey string
	var oldest time.Time
	for k, it := range s.items {
		if it.ExpiresAt != nil && now.After(*it.ExpiresAt) {
			delete(s.items, k)
			return
		}
		if oldestKey == "" || it.CreatedAt.Before(oldest) {
			oldestKey, oldest = k, it.CreatedAt
		}
	}
	delete(s.items, oldestKey)
}

func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	if o.Key != nil {
		delete(s.items, buildKey(o.Namespace, *o.Key))
		return nil
	}
	prefix := namespacePrefix(o.Namespace)
	for k := range s.items {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(s.items, k)
		}
	}
	return nil
}

// Close stops the sweeper and drops all data.
func (s *Storage) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.items = nil
	s.mu.Unlock()
	close(s.stop)
	<-s.done
	return nil
}

// Len reports the number of stored keys, including ones not yet swept.
func (s *Storage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func buildKey(ns, key string) string {
	return namespacePrefix(ns) + key
}

func namespacePrefix(ns string) string {
	if ns == "" {
		return "global:"
	}
	return "ns:" + ns + ":"
}

// sweep periodically drops expired items.
func (s *Storage) sweep() {
	defer close(s.done)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for k, it := range s.items {
				if it.ExpiresAt != nil && now.After(*it.ExpiresAt) {
					delete(s.items, k)
				}
			}
			s.mu.Unlock()
		}
	}
}
