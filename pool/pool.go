// Package pool manages upstream connections: a generic bounded Pool for
// resources used exclusively per request, and a Manager that picks a pooling
// strategy per upstream target.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ggoodman/mcp-proxy-go/internal/logctx"
	"github.com/ggoodman/mcp-proxy-go/proxyerr"
)

// Resource is anything the pool can hold.
type Resource interface {
	ID() string
	Healthy(ctx context.Context) bool
	Close() error
}

// Factory creates a new resource.
type Factory[T Resource] func(ctx context.Context) (T, error)

// Config bounds a pool.
type Config struct {
	MaxConnections      int
	AcquireTimeout      time.Duration
	IdleTimeout         time.Duration
	MaxLifetime         time.Duration
	HealthCheckInterval time.Duration
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		MaxConnections:      10,
		AcquireTimeout:      5 * time.Second,
		IdleTimeout:         5 * time.Minute,
		MaxLifetime:         time.Hour,
		HealthCheckInterval: 30 * time.Second,
	}
}

// Validate rejects limits a pool cannot run with. Zero durations disable the
// corresponding timeout or check.
func (c Config) Validate() error {
	var errs []error
	if c.MaxConnections <= 0 {
		errs = append(errs, fmt.Errorf("pool: MaxConnections must be positive, got %d", c.MaxConnections))
	}
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"AcquireTimeout", c.AcquireTimeout},
		{"IdleTimeout", c.IdleTimeout},
		{"MaxLifetime", c.MaxLifetime},
		{"HealthCheckInterval", c.HealthCheckInterval},
	}
	for _, f := range durations {
		if f.d < 0 {
			errs = append(errs, fmt.Errorf("pool: %s must not be negative, got %s", f.name, f.d))
		}
	}
	return errors.Join(errs...)
}

// Meta describes a pooled resource to hooks.
type Meta struct {
	ID        string
	CreatedAt time.Time
	LastUsed  time.Time
	Requests  uint64
	Age       time.Duration
	IdleFor   time.Duration
}

// Hooks customize the pool lifecycle. Each may be nil.
type Hooks[T Resource] struct {
	// AfterCreate runs on every new resource; an error discards it and
	// fails the Acquire.
	AfterCreate func(ctx context.Context, r T, m Meta) error
	// BeforeAcquire runs before an idle resource is handed out; false
	// discards it and the pool tries the next one.
	BeforeAcquire func(ctx context.Context, r T, m Meta) bool
	// AfterRelease runs when a resource comes back; false discards it.
	AfterRelease func(r T, m Meta) bool
}

// entry is the pool's record of one resource across checkouts.
type entry[T Resource] struct {
	res       T
	id        string
	createdAt time.Time
	lastUsed  time.Time
	requests  uint64
}

func (e *entry[T]) meta(now time.Time) Meta {
	return Meta{
		ID:        e.id,
		CreatedAt: e.createdAt,
		LastUsed:  e.lastUsed,
		Requests:  e.requests,
		Age:       now.Sub(e.createdAt),
		IdleFor:   now.Sub(e.lastUsed),
	}
}

// Conn is one checkout of a resource. It must be returned with Release or
// Discard; only the first call has an effect.
type Conn[T Resource] struct {
	Resource  T
	ID        string
	CreatedAt time.Time
	Requests  uint64

	e        *entry[T]
	pool     *Pool[T]
	returned atomic.Bool
}

// Release returns the resource to the pool.
func (c *Conn[T]) Release() {
	if c.returned.CompareAndSwap(false, true) {
		c.pool.put(c.e, false)
	}
}

// Discard closes the resource instead of returning it.
func (c *Conn[T]) Discard() {
	if c.returned.CompareAndSwap(false, true) {
		c.pool.put(c.e, true)
	}
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	Idle      int
	InUse     int
	Max       int
	Created   uint64
	Destroyed uint64
	Timeouts  uint64
	Closed    bool
}

// Option configures a Pool.
type Option[T Resource] func(*Pool[T])

// WithConfig sets the pool limits.
func WithConfig[T Resource](c Config) Option[T] {
	return func(p *Pool[T]) {
		p.cfg = c
	}
}

// WithHooks installs lifecycle hooks.
func WithHooks[T Resource](h Hooks[T]) Option[T] {
	return func(p *Pool[T]) {
		p.hooks = h
	}
}

// WithLogger overrides the logger.
func WithLogger[T Resource](l *slog.Logger) Option[T] {
	return func(p *Pool[T]) {
		if l != nil {
			p.log = l
		}
	}
}

// WithName labels the pool in logs and metrics.
func WithName[T Resource](name string) Option[T] {
	return func(p *Pool[T]) {
		p.name = name
	}
}

// Pool is a bounded set of resources handed out exclusively. At most
// MaxConnections are checked out at once; idle ones are reused newest first.
type Pool[T Resource] struct {
	name    string
	cfg     Config
	factory Factory[T]
	hooks   Hooks[T]
	log     *slog.Logger
	sem     *semaphore.Weighted

	mu     sync.Mutex
	idle   []*entry[T]
	inUse  int
	closed bool

	created, destroyed, timeouts atomic.Uint64

	closeCtx    context.Context
	closeCancel context.CancelFunc
	maintDone   chan struct{}
	done        chan struct{}
}

// New constructs a pool around factory and starts its maintenance loop. It
// fails when the configured limits do not validate.
func New[T Resource](factory Factory[T], opts ...Option[T]) (*Pool[T], error) {
	p := &Pool[T]{
		name:      "pool",
		cfg:       DefaultConfig(),
		factory:   factory,
		log:       slog.Default(),
		maintDone: make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.cfg.Validate(); err != nil {
		return nil, err
	}
	p.log = logctx.Wrap(p.log).With(slog.String("pool", p.name))
	p.sem = semaphore.NewWeighted(int64(p.cfg.MaxConnections))
	p.closeCtx, p.closeCancel = context.WithCancel(context.Background())
	go p.maintain()
	return p, nil
}

// Acquire checks out a healthy resource, creating one when none is idle. It
// waits at most AcquireTimeout for capacity and fails with PoolTimeout.
func (p *Pool[T]) Acquire(ctx context.Context) (*Conn[T], error) {
	const op = "pool.acquire"
	if p.isClosed() {
		return nil, proxyerr.E(proxyerr.Closed, op, nil).WithTarget(p.name)
	}

	waitCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(p.closeCtx, func() { cancel(proxyerr.Closed) })
	defer stop()
	var timer *time.Timer
	if p.cfg.AcquireTimeout > 0 {
		timer = time.AfterFunc(p.cfg.AcquireTimeout, func() { cancel(proxyerr.PoolTimeout) })
		defer timer.Stop()
	}

	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		switch cause := context.Cause(waitCtx); {
		case errors.Is(cause, proxyerr.PoolTimeout):
			p.timeouts.Add(1)
			p.log.WarnContext(ctx, "pool.acquire.timeout", slog.Duration("timeout", p.cfg.AcquireTimeout))
			return nil, proxyerr.E(proxyerr.PoolTimeout, op, fmt.Errorf("no capacity within %s", p.cfg.AcquireTimeout)).WithTarget(p.name)
		case errors.Is(cause, proxyerr.Closed):
			return nil, proxyerr.E(proxyerr.Closed, op, nil).WithTarget(p.name)
		}
		return nil, ctx.Err()
	}

	for {
		e, ok := p.popIdle()
		if !ok {
			break
		}
		if p.usable(ctx, e) {
			return p.checkout(e), nil
		}
		p.destroy(e, "unusable")
	}

	r, err := p.factory(ctx)
	if err != nil {
		p.sem.Release(1)
		p.log.WarnContext(ctx, "pool.create.fail", slog.String("err", err.Error()))
		return nil, err
	}
	now := time.Now()
	e := &entry[T]{res: r, id: r.ID(), createdAt: now, lastUsed: now}
	if e.id == "" {
		e.id = uuid.NewString()
	}
	p.created.Add(1)
	if p.hooks.AfterCreate != nil {
		if err := p.hooks.AfterCreate(ctx, r, e.meta(now)); err != nil {
			p.destroy(e, "after_create")
			p.sem.Release(1)
			return nil, err
		}
	}
	p.log.DebugContext(ctx, "pool.create.ok", slog.String("conn", e.id))
	return p.checkout(e), nil
}

func (p *Pool[T]) checkout(e *entry[T]) *Conn[T] {
	p.mu.Lock()
	p.inUse++
	p.mu.Unlock()
	e.requests++
	e.lastUsed = time.Now()
	return &Conn[T]{Resource: e.res, ID: e.id, CreatedAt: e.createdAt, Requests: e.requests, e: e, pool: p}
}

func (p *Pool[T]) popIdle() (*entry[T], bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.idle)
	if n == 0 {
		return nil, false
	}
	e := p.idle[n-1]
	p.idle[n-1] = nil
	p.idle = p.idle[:n-1]
	return e, true
}

// usable reports whether an idle resource may be handed out.
func (p *Pool[T]) usable(ctx context.Context, e *entry[T]) bool {
	now := time.Now()
	if p.expired(e, now) {
		return false
	}
	if p.hooks.BeforeAcquire != nil && !p.hooks.BeforeAcquire(ctx, e.res, e.meta(now)) {
		return false
	}
	return e.res.Healthy(ctx)
}

func (p *Pool[T]) expired(e *entry[T], now time.Time) bool {
	if p.cfg.MaxLifetime > 0 && now.Sub(e.createdAt) > p.cfg.MaxLifetime {
		return true
	}
	return p.cfg.IdleTimeout > 0 && now.Sub(e.lastUsed) > p.cfg.IdleTimeout
}

func (p *Pool[T]) put(c *entry[T], discard bool) {
	defer p.sem.Release(1)
	now := time.Now()
	c.lastUsed = now

	p.mu.Lock()
	p.inUse--
	closed := p.closed
	p.mu.Unlock()

	switch {
	case discard:
		p.destroy(c, "discarded")
		return
	case closed:
		p.destroy(c, "pool_closed")
		return
	case p.cfg.MaxLifetime > 0 && now.Sub(c.createdAt) > p.cfg.MaxLifetime:
		p.destroy(c, "max_lifetime")
		return
	case !c.res.Healthy(p.closeCtx):
		p.destroy(c, "unhealthy")
		return
	case p.hooks.AfterRelease != nil && !p.hooks.AfterRelease(c.res, c.meta(now)):
		p.destroy(c, "after_release")
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.destroy(c, "pool_closed")
		return
	}
	p.idle = append(p.idle, c)
	p.mu.Unlock()
}

func (p *Pool[T]) destroy(e *entry[T], reason string) {
	p.destroyed.Add(1)
	if err := e.res.Close(); err != nil {
		p.log.Warn("pool.close.fail", slog.String("conn", e.id), slog.String("reason", reason), slog.String("err", err.Error()))
		return
	}
	p.log.Debug("pool.evict", slog.String("conn", e.id), slog.String("reason", reason))
}

// maintain periodically evicts expired and unhealthy idle resources.
func (p *Pool[T]) maintain() {
	defer close(p.maintDone)
	if p.cfg.HealthCheckInterval <= 0 {
		<-p.closeCtx.Done()
		return
	}
	t := time.NewTicker(p.cfg.HealthCheckInterval)
	defer t.Stop()
	for {
		select {
		case <-p.closeCtx.Done():
			return
		case <-t.C:
			p.sweep()
		}
	}
}

func (p *Pool[T]) sweep() {
	p.mu.Lock()
	candidates := p.idle
	p.idle = nil
	p.mu.Unlock()

	now := time.Now()
	ctx, cancel := context.WithTimeout(p.closeCtx, p.cfg.HealthCheckInterval)
	defer cancel()
	var keep []*entry[T]
	for _, c := range candidates {
		switch {
		case p.expired(c, now):
			p.destroy(c, "expired")
		case !c.res.Healthy(ctx):
			p.destroy(c, "unhealthy")
		default:
			keep = append(keep, c)
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		for _, c := range keep {
			p.destroy(c, "pool_closed")
		}
		return
	}
	room := p.cfg.MaxConnections - p.inUse - len(p.idle)
	if room < len(keep) {
		extra := keep[max(room, 0):]
		keep = keep[:max(room, 0)]
		defer func() {
			for _, c := range extra {
				p.destroy(c, "over_capacity")
			}
		}()
	}
	p.idle = append(keep, p.idle...)
	p.mu.Unlock()
}

func (p *Pool[T]) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Stats snapshots the pool.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Idle:      len(p.idle),
		InUse:     p.inUse,
		Max:       p.cfg.MaxConnections,
		Created:   p.created.Load(),
		Destroyed: p.destroyed.Load(),
		Timeouts:  p.timeouts.Load(),
		Closed:    p.closed,
	}
}

// Done is closed once Close has finished.
func (p *Pool[T]) Done() <-chan struct{} { return p.done }

// Close destroys idle resources and wakes blocked acquirers. Checked-out
// resources are destroyed when they are returned.
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	p.closeCancel()
	<-p.maintDone
	for _, c := range idle {
		p.destroy(c, "pool_closed")
	}
	close(p.done)
	p.log.Info("pool.close", slog.Int("idle_closed", len(idle)))
	return nil
}
