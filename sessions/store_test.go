package sessions_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ggoodman/mcp-proxy-go/protocol"
	"github.com/ggoodman/mcp-proxy-go/sessions"
	"github.com/ggoodman/mcp-proxy-go/sessions/storetest"
	"github.com/ggoodman/mcp-proxy-go/storage/memory"
	"github.com/ggoodman/mcp-proxy-go/storage/redis"
	"github.com/ggoodman/mcp-proxy-go/transport"
)

func TestMemoryStore(t *testing.T) {
	storetest.RunStoreTests(t, func(t *testing.T) sessions.Store {
		backend := memory.New(0)
		t.Cleanup(func() { backend.Close() })
		return sessions.NewStore(backend, sessions.WithTTL(time.Hour))
	})
}

func TestRedisStore(t *testing.T) {
	storetest.RunStoreTests(t, func(t *testing.T) sessions.Store {
		mr, err := miniredis.Run()
		if err != nil {
			t.Fatalf("miniredis: %v", err)
		}
		t.Cleanup(mr.Close)
		backend, err := redis.New(redis.Config{Client: goredis.NewClient(&goredis.Options{Addr: mr.Addr()})})
		if err != nil {
			t.Fatalf("redis.New: %v", err)
		}
		t.Cleanup(func() { backend.Close() })
		return sessions.NewStore(backend, sessions.WithTTL(time.Hour))
	})
}

func TestStoreTTLExpiresSessions(t *testing.T) {
	t.Parallel()

	backend := memory.New(0)
	defer backend.Close()
	st := sessions.NewStore(backend, sessions.WithTTL(20*time.Millisecond))
	ctx := context.Background()
	s := sessions.New("s1", transport.KindStdio, protocol.AcceptsJSON)
	if err := st.Create(ctx, s); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := st.Get(ctx, "s1"); !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after TTL", err)
	}
}
