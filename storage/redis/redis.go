// Package redis provides a Redis implementation of storage.Storage. Values
// are stored as JSON documents carrying their creation and expiry times;
// Redis key TTLs enforce expiry server-side.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/mcp-proxy-go/storage"
)

// Config contains configuration options for the Redis storage.
type Config struct {
	// Client is the Redis client instance.
	Client *redis.Client

	// KeyPrefix is the prefix for all Redis keys. Default: "mcp:proxy:".
	KeyPrefix string
}

// EnvConfig is the environment form of Config.
type EnvConfig struct {
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=mcp:proxy:"`
}

// Storage implements storage.Storage using Redis.
type Storage struct {
	client    *redis.Client
	keyPrefix string
}

type storedItem struct {
	Data      []byte     `json:"data"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// New creates a Redis-backed storage instance.
func New(config Config) (*Storage, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "mcp:proxy:"
	}
	return &Storage{client: config.Client, keyPrefix: config.KeyPrefix}, nil
}

// NewFromEnv connects using REDIS_ADDR and SESSIONS_KEY_PREFIX and verifies
// the server is reachable.
func NewFromEnv(ctx context.Context) (*Storage, error) {
	var cfg EnvConfig
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis config: %w", err)
	}
	cl := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(Config{Client: cl, KeyPrefix: cfg.KeyPrefix})
}

func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	o := storage.Apply(opts...)
	redisKey := s.buildKey(o.Namespace, key)
	raw, err := s.client.Get(ctx, redisKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", redisKey, err)
	}
	return decode(raw)
}

func (s *Storage) GetMany(ctx context.Context, keys []string, opts ...storage.Option) ([]*storage.Item, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	o := storage.Apply(opts...)
	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = s.buildKey(o.Namespace, k)
	}
	vals, err := s.client.MGet(ctx, redisKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to mget %d keys: %w", len(keys), err)
	}
	out := make([]*storage.Item, len(keys))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		if out[i], err = decode(raw); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func decode(raw string) (*storage.Item, error) {
	var item storedItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored data: %w", err)
	}
	it := &storage.Item{Data: item.Data, CreatedAt: item.CreatedAt, ExpiresAt: item.ExpiresAt}
	if it.IsExpired() {
		return nil, nil
	}
	return it, nil
}

func encode(data []byte, ttl *time.Duration) ([]byte, time.Duration, error) {
	now := time.Now()
	item := storedItem{Data: data, CreatedAt: now}
	var redisTTL time.Duration
	if ttl != nil {
		exp := now.Add(*ttl)
		item.ExpiresAt = &exp
		redisTTL = *ttl
	}
	b, err := json.Marshal(item)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal storage item: %w", err)
	}
	return b, redisTTL, nil
}

func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	redisKey := s.buildKey(o.Namespace, key)
	b, ttl, err := encode(data, o.TTL)
	if err != nil {
		return err
	}
	if o.IfAbsent {
		ok, err := s.client.SetNX(ctx, redisKey, b, ttl).Result()
		if err != nil {
			return fmt.Errorf("failed to setnx key %s: %w", redisKey, err)
		}
		if !ok {
			return storage.ErrExists
		}
		return nil
	}
	if err := s.client.Set(ctx, redisKey, b, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", redisKey, err)
	}
	return nil
}

// SetMany writes all items in one MULTI/EXEC transaction.
func (s *Storage) SetMany(ctx context.Context, items map[string][]byte, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	if o.IfAbsent {
		return storage.ErrInvalidOptions
	}
	if len(items) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for key, data := range items {
			b, ttl, err := encode(data, o.TTL)
			if err != nil {
				return err
			}
			p.Set(ctx, s.buildKey(o.Namespace, key), b, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set %d keys: %w", len(items), err)
	}
	return nil
}

func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	if o.Key != nil {
		redisKey := s.buildKey(o.Namespace, *o.Key)
		if err := s.client.Del(ctx, redisKey).Err(); err != nil {
			return fmt.Errorf("failed to delete key %s: %w", redisKey, err)
		}
		return nil
	}
	pattern := s.buildKey(o.Namespace, "*")
	keys, err := s.scanKeys(ctx, pattern)
	if err != nil {
		return fmt.Errorf("failed to scan keys for pattern %s: %w", pattern, err)
	}
	if len(keys) > 0 {
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("failed to delete keys: %w", err)
		}
	}
	return nil
}

func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) buildKey(ns, key string) string {
	if ns == "" {
		return s.keyPrefix + "global:" + key
	}
	return s.keyPrefix + "ns:" + ns + ":" + key
}

// scanKeys finds all keys matching pattern with SCAN.
func (s *Storage) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

var _ storage.Storage = (*Storage)(nil)
