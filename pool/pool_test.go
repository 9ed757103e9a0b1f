package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/mcp-proxy-go/proxyerr"
)

type fakeConn struct {
	id      string
	healthy atomic.Bool
	closed  atomic.Bool
}

func (f *fakeConn) ID() string                       { return f.id }
func (f *fakeConn) Healthy(ctx context.Context) bool { return f.healthy.Load() && !f.closed.Load() }
func (f *fakeConn) Close() error {
	f.closed.Store(true)
	return nil
}

type fakeFactory struct {
	n     atomic.Int32
	mu    sync.Mutex
	conns []*fakeConn
}

func (ff *fakeFactory) create(ctx context.Context) (*fakeConn, error) {
	c := &fakeConn{id: fmt.Sprintf("c%d", ff.n.Add(1))}
	c.healthy.Store(true)
	ff.mu.Lock()
	ff.conns = append(ff.conns, c)
	ff.mu.Unlock()
	return c, nil
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testConfig(max int) Config {
	return Config{
		MaxConnections: max,
		AcquireTimeout: time.Second,
		IdleTimeout:    time.Minute,
		MaxLifetime:    time.Hour,
	}
}

func newTestPool(t *testing.T, cfg Config, opts ...Option[*fakeConn]) (*Pool[*fakeConn], *fakeFactory) {
	t.Helper()
	ff := &fakeFactory{}
	opts = append([]Option[*fakeConn]{WithConfig[*fakeConn](cfg), WithLogger[*fakeConn](quiet())}, opts...)
	p, err := New(ff.create, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Close() })
	return p, ff
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero max", testConfig(0)},
		{"negative idle", Config{MaxConnections: 1, IdleTimeout: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ff := &fakeFactory{}
			if p, err := New(ff.create, WithConfig[*fakeConn](tt.cfg), WithLogger[*fakeConn](quiet())); err == nil {
				p.Close()
				t.Fatal("expected a validation error")
			}
		})
	}
}

func TestAcquireBlocksAtMax(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, testConfig(2))
	ctx := context.Background()
	a, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == b.ID {
		t.Fatal("two checkouts share one resource")
	}

	got := make(chan *Conn[*fakeConn], 1)
	go func() {
		c, err := p.Acquire(ctx)
		if err != nil {
			t.Errorf("third Acquire: %v", err)
		}
		got <- c
	}()

	select {
	case <-got:
		t.Fatal("third acquirer did not wait")
	case <-time.After(50 * time.Millisecond):
	}
	if s := p.Stats(); s.InUse != 2 || s.Max != 2 {
		t.Fatalf("stats = %+v", s)
	}

	a.Release()
	select {
	case c := <-got:
		if c.ID != a.ID {
			t.Fatalf("third acquirer got %s, want reused %s", c.ID, a.ID)
		}
		c.Release()
	case <-time.After(time.Second):
		t.Fatal("third acquirer never woke")
	}
	b.Release()
	if s := p.Stats(); s.InUse != 0 || s.Idle != 2 || s.Created != 2 {
		t.Fatalf("stats after release = %+v", s)
	}
}

func TestAcquireTimeout(t *testing.T) {
	t.Parallel()

	cfg := testConfig(1)
	cfg.AcquireTimeout = 30 * time.Millisecond
	p, _ := newTestPool(t, cfg)
	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Release()

	start := time.Now()
	_, err = p.Acquire(context.Background())
	if !errors.Is(err, proxyerr.PoolTimeout) {
		t.Fatalf("err = %v, want PoolTimeout", err)
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Fatal("timed out too early")
	}
	if p.Stats().Timeouts != 1 {
		t.Fatalf("timeouts = %d", p.Stats().Timeouts)
	}
}

func TestAcquireCallerCancel(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, testConfig(1))
	c, _ := p.Acquire(context.Background())
	defer c.Release()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestNeverHandsOutUnhealthy(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, testConfig(2))
	ctx := context.Background()
	c, _ := p.Acquire(ctx)
	first := c.Resource
	c.Release()
	first.healthy.Store(false)

	c2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Release()
	if c2.Resource == first {
		t.Fatal("unhealthy resource handed out")
	}
	if !first.closed.Load() {
		t.Fatal("unhealthy resource not closed")
	}
}

func TestUnhealthyReleaseIsRemoved(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, testConfig(2))
	c, _ := p.Acquire(context.Background())
	c.Resource.healthy.Store(false)
	c.Release()
	if s := p.Stats(); s.Idle != 0 || s.Destroyed != 1 {
		t.Fatalf("stats = %+v", s)
	}
	if !c.Resource.closed.Load() {
		t.Fatal("resource not closed")
	}
}

func TestDoubleReleaseIsNoop(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, testConfig(1))
	ctx := context.Background()
	c, _ := p.Acquire(ctx)
	c.Release()
	c2, _ := p.Acquire(ctx)
	c.Release()
	c.Discard()
	if s := p.Stats(); s.InUse != 1 {
		t.Fatalf("stale handle released a live checkout: %+v", s)
	}
	if c2.Resource.closed.Load() {
		t.Fatal("stale Discard closed a live resource")
	}
	c2.Release()
}

func TestHooks(t *testing.T) {
	t.Parallel()

	var created atomic.Int32
	var rejectNext atomic.Bool
	hooks := Hooks[*fakeConn]{
		AfterCreate: func(ctx context.Context, r *fakeConn, m Meta) error {
			created.Add(1)
			return nil
		},
		BeforeAcquire: func(ctx context.Context, r *fakeConn, m Meta) bool {
			return !rejectNext.Swap(false)
		},
		AfterRelease: func(r *fakeConn, m Meta) bool {
			return m.Requests < 2
		},
	}
	p, _ := newTestPool(t, testConfig(1), WithHooks(hooks))
	ctx := context.Background()

	c, _ := p.Acquire(ctx)
	id := c.ID
	c.Release()
	c, _ = p.Acquire(ctx)
	if c.ID != id || c.Requests != 2 {
		t.Fatalf("expected reuse with 2 requests, got %s/%d", c.ID, c.Requests)
	}
	c.Release()
	if p.Stats().Idle != 0 {
		t.Fatal("AfterRelease did not discard after 2 requests")
	}

	c, _ = p.Acquire(ctx)
	id = c.ID
	c.Release()
	rejectNext.Store(true)
	c, _ = p.Acquire(ctx)
	if c.ID == id {
		t.Fatal("BeforeAcquire rejection ignored")
	}
	c.Release()
	if created.Load() != 3 {
		t.Fatalf("AfterCreate ran %d times, want 3", created.Load())
	}
}

func TestAfterCreateErrorFailsAcquire(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	p, ff := newTestPool(t, testConfig(1), WithHooks(Hooks[*fakeConn]{
		AfterCreate: func(context.Context, *fakeConn, Meta) error { return boom },
	}))
	if _, err := p.Acquire(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if !ff.conns[0].closed.Load() {
		t.Fatal("rejected resource not closed")
	}
	if s := p.Stats(); s.InUse != 0 {
		t.Fatalf("capacity leaked: %+v", s)
	}
}

func TestMaintenanceEvictsIdle(t *testing.T) {
	t.Parallel()

	cfg := testConfig(2)
	cfg.IdleTimeout = 20 * time.Millisecond
	cfg.HealthCheckInterval = 10 * time.Millisecond
	p, _ := newTestPool(t, cfg)
	c, _ := p.Acquire(context.Background())
	c.Release()

	deadline := time.Now().Add(2 * time.Second)
	for p.Stats().Idle != 0 {
		if time.Now().After(deadline) {
			t.Fatal("idle resource never evicted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !c.Resource.closed.Load() {
		t.Fatal("evicted resource not closed")
	}
}

func TestCloseWakesWaiters(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, testConfig(1))
	c, _ := p.Acquire(context.Background())

	errc := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	p.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, proxyerr.Closed) {
			t.Fatalf("err = %v, want Closed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by Close")
	}
	select {
	case <-p.Done():
	default:
		t.Fatal("Done not closed")
	}
	c.Release()
	if !c.Resource.closed.Load() {
		t.Fatal("resource returned after Close was kept")
	}
	if !p.Stats().Closed {
		t.Fatal("stats do not report closed")
	}
}
