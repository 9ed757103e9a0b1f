package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/mcp-proxy-go/storage"
	"github.com/ggoodman/mcp-proxy-go/storage/storagetest"
)

func newTestStorage(t *testing.T) (*Storage, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	s, err := New(Config{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()})})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestRedisStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) (storage.Storage, func(time.Duration)) {
		s, mr := newTestStorage(t)
		return s, func(d time.Duration) {
			mr.FastForward(d)
			time.Sleep(d)
		}
	})
}

func TestKeysUsePrefixAndServerTTL(t *testing.T) {
	t.Parallel()

	s, mr := newTestStorage(t)
	ctx := context.Background()
	if err := s.Set(ctx, "k", []byte("v"), storage.WithNamespace("sess"), storage.WithTTL(time.Minute)); err != nil {
		t.Fatal(err)
	}
	const key = "mcp:proxy:ns:sess:k"
	if !mr.Exists(key) {
		t.Fatalf("expected key %q, have %v", key, mr.Keys())
	}
	if ttl := mr.TTL(key); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("server TTL = %v", ttl)
	}
}

func TestNewRequiresClient(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); err == nil {
		t.Fatal("New without client succeeded")
	}
}
