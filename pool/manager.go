package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ggoodman/mcp-proxy-go/internal/logctx"
	"github.com/ggoodman/mcp-proxy-go/proxyerr"
	"github.com/ggoodman/mcp-proxy-go/transport"
)

// Strategy decides how upstream connections are shared between sessions.
type Strategy int

const (
	// StrategyShared multiplexes every session over one connection per
	// target. Used for subprocess upstreams.
	StrategyShared Strategy = iota
	// StrategyPerOrigin pools connections per target and hands each one out
	// exclusively for a single request.
	StrategyPerOrigin
	// StrategyDedicated gives each session its own connection, closed with
	// the session.
	StrategyDedicated
)

func (s Strategy) String() string {
	switch s {
	case StrategyShared:
		return "shared"
	case StrategyPerOrigin:
		return "per-origin"
	case StrategyDedicated:
		return "dedicated"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// ParseStrategy accepts the configured spelling of a strategy.
func ParseStrategy(s string) (Strategy, bool) {
	for _, st := range []Strategy{StrategyShared, StrategyPerOrigin, StrategyDedicated} {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}

// StrategyFor returns the default strategy for an upstream kind.
func StrategyFor(kind transport.Kind) Strategy {
	switch kind {
	case transport.KindStdio:
		return StrategyShared
	case transport.KindSSE:
		return StrategyDedicated
	default:
		return StrategyPerOrigin
	}
}

// Dialer creates and connects an upstream transport.
type Dialer func(ctx context.Context, target transport.Target) (transport.Outgoing, error)

// Lease is an upstream connection held for one request. Release returns it;
// Discard reports it broken so it is not handed out again.
type Lease struct {
	Outgoing transport.Outgoing
	Strategy Strategy

	once    sync.Once
	release func(discard bool)
}

// Release gives the connection back.
func (l *Lease) Release() {
	l.once.Do(func() { l.release(false) })
}

// Discard closes a connection that failed fatally.
func (l *Lease) Discard() {
	l.once.Do(func() { l.release(true) })
}

// shared is a single connection used concurrently by many leases. At most
// one dial is in flight; other acquirers wait on it without holding mu.
type shared struct {
	mu      sync.Mutex
	conn    transport.Outgoing
	dialing *dial
	closed  bool
}

// dial is one in-flight connection attempt. done is closed once conn or err
// is set.
type dial struct {
	done chan struct{}
	conn transport.Outgoing
	err  error
}

// shutdown marks sh closed and returns the connection to close, if any.
func (sh *shared) shutdown() transport.Outgoing {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.closed = true
	conn := sh.conn
	sh.conn = nil
	return conn
}

// Manager hands out upstream connections according to each target's
// strategy. It is a prometheus.Collector over its pools.
type Manager struct {
	dial      Dialer
	cfg       Config
	log       *slog.Logger
	overrides map[transport.Kind]Strategy

	mu     sync.Mutex
	pools  map[string]*Pool[transport.Outgoing]
	shared map[string]*shared
	bySess map[string][]string
	closed bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithPoolConfig sets the limits of every per-origin pool.
func WithPoolConfig(c Config) ManagerOption {
	return func(m *Manager) {
		m.cfg = c
	}
}

// WithStrategy overrides the default strategy for kind.
func WithStrategy(kind transport.Kind, s Strategy) ManagerOption {
	return func(m *Manager) {
		m.overrides[kind] = s
	}
}

// WithManagerLogger overrides the logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// NewManager builds a Manager that creates connections with dial.
func NewManager(dial Dialer, opts ...ManagerOption) *Manager {
	m := &Manager{
		dial:      dial,
		cfg:       DefaultConfig(),
		log:       slog.Default(),
		overrides: make(map[transport.Kind]Strategy),
		pools:     make(map[string]*Pool[transport.Outgoing]),
		shared:    make(map[string]*shared),
		bySess:    make(map[string][]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = logctx.Wrap(m.log)
	return m
}

// StrategyFor returns the strategy used for kind, honoring overrides.
func (m *Manager) StrategyFor(kind transport.Kind) Strategy {
	if s, ok := m.overrides[kind]; ok {
		return s
	}
	return StrategyFor(kind)
}

// Acquire leases a connection to target on behalf of sessionID.
func (m *Manager) Acquire(ctx context.Context, target transport.Target, sessionID string) (*Lease, error) {
	switch st := m.StrategyFor(target.Kind); st {
	case StrategyPerOrigin:
		p, err := m.pool(target)
		if err != nil {
			return nil, err
		}
		c, err := p.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return &Lease{Outgoing: c.Resource, Strategy: st, release: func(discard bool) {
			if discard {
				c.Discard()
				return
			}
			c.Release()
		}}, nil
	case StrategyDedicated:
		return m.acquireShared(ctx, target, target.Key()+"#"+sessionID, sessionID, st)
	default:
		return m.acquireShared(ctx, target, target.Key(), "", st)
	}
}

func (m *Manager) pool(target transport.Target) (*Pool[transport.Outgoing], error) {
	key := target.Key()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, proxyerr.E(proxyerr.Closed, "pool.manager.acquire", nil).WithTarget(key)
	}
	p, ok := m.pools[key]
	if !ok {
		var err error
		p, err = New(func(ctx context.Context) (transport.Outgoing, error) {
			return m.dial(ctx, target)
		},
			WithConfig[transport.Outgoing](m.cfg),
			WithLogger[transport.Outgoing](m.log),
			WithName[transport.Outgoing](key),
		)
		if err != nil {
			return nil, proxyerr.E(proxyerr.ConnectionFailed, "pool.manager.acquire", err).WithTarget(key)
		}
		m.pools[key] = p
	}
	return p, nil
}

func (m *Manager) acquireShared(ctx context.Context, target transport.Target, key, sessionID string, st Strategy) (*Lease, error) {
	const op = "pool.manager.acquire"
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, proxyerr.E(proxyerr.Closed, op, nil).WithTarget(key)
	}
	sh, ok := m.shared[key]
	if !ok {
		sh = &shared{}
		m.shared[key] = sh
		if sessionID != "" {
			m.bySess[sessionID] = append(m.bySess[sessionID], key)
		}
	}
	m.mu.Unlock()

	actx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if m.cfg.AcquireTimeout > 0 {
		timer := time.AfterFunc(m.cfg.AcquireTimeout, func() { cancel(proxyerr.PoolTimeout) })
		defer timer.Stop()
	}

	for {
		sh.mu.Lock()
		if sh.closed {
			sh.mu.Unlock()
			return nil, proxyerr.E(proxyerr.Closed, op, nil).WithTarget(key)
		}
		d := sh.dialing
		if d == nil && sh.conn == nil {
			d = m.startDial(ctx, sh, target, key, st)
		}
		conn := sh.conn
		sh.mu.Unlock()

		if d != nil {
			select {
			case <-d.done:
			case <-actx.Done():
				return nil, m.abandoned(ctx, actx, op, key)
			}
			if d.err != nil {
				return nil, d.err
			}
			return m.sharedLease(sh, d.conn, st), nil
		}
		if conn.Healthy(actx) {
			return m.sharedLease(sh, conn, st), nil
		}
		if actx.Err() != nil {
			return nil, m.abandoned(ctx, actx, op, key)
		}
		m.log.WarnContext(ctx, "pool.shared.unhealthy", slog.String("target", key), slog.String("conn", conn.ID()))
		sh.mu.Lock()
		if sh.conn == conn {
			sh.conn = nil
		}
		sh.mu.Unlock()
		conn.Close()
	}
}

// startDial begins a connection attempt for sh. It must be called with sh.mu
// held. The dial outlives any single acquirer so that waiters that stay can
// still use it.
func (m *Manager) startDial(ctx context.Context, sh *shared, target transport.Target, key string, st Strategy) *dial {
	d := &dial{done: make(chan struct{})}
	sh.dialing = d
	dctx := context.WithoutCancel(ctx)
	go func() {
		conn, err := m.dial(dctx, target)
		sh.mu.Lock()
		sh.dialing = nil
		if err == nil && sh.closed {
			err = proxyerr.E(proxyerr.Closed, "pool.manager.acquire", nil).WithTarget(key)
		} else if err == nil {
			sh.conn = conn
			conn = nil
		}
		d.conn, d.err = sh.conn, err
		close(d.done)
		sh.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		if err != nil {
			m.log.WarnContext(dctx, "pool.shared.dial.fail", slog.String("target", key), slog.String("err", err.Error()))
			return
		}
		m.log.InfoContext(dctx, "pool.shared.create", slog.String("target", key), slog.String("strategy", st.String()), slog.String("conn", d.conn.ID()))
	}()
	return d
}

func (m *Manager) abandoned(ctx, actx context.Context, op, key string) error {
	if errors.Is(context.Cause(actx), proxyerr.PoolTimeout) {
		m.log.WarnContext(ctx, "pool.acquire.timeout", slog.String("target", key), slog.Duration("timeout", m.cfg.AcquireTimeout))
		return proxyerr.E(proxyerr.PoolTimeout, op, fmt.Errorf("no connection within %s", m.cfg.AcquireTimeout)).WithTarget(key)
	}
	return transport.ContextError(op, ctx.Err())
}

func (m *Manager) sharedLease(sh *shared, conn transport.Outgoing, st Strategy) *Lease {
	return &Lease{Outgoing: conn, Strategy: st, release: func(discard bool) {
		if !discard {
			return
		}
		sh.mu.Lock()
		owned := sh.conn == conn
		if owned {
			sh.conn = nil
		}
		sh.mu.Unlock()
		if owned {
			conn.Close()
		}
	}}
}

// CloseSession closes the dedicated connections held for sessionID.
func (m *Manager) CloseSession(sessionID string) {
	m.mu.Lock()
	keys := m.bySess[sessionID]
	delete(m.bySess, sessionID)
	var victims []*shared
	for _, k := range keys {
		if sh, ok := m.shared[k]; ok {
			victims = append(victims, sh)
			delete(m.shared, k)
		}
	}
	m.mu.Unlock()
	for _, sh := range victims {
		if conn := sh.shutdown(); conn != nil {
			conn.Close()
		}
	}
}

// Stats snapshots every per-origin pool keyed by target.
func (m *Manager) Stats() map[string]Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Stats, len(m.pools))
	for k, p := range m.pools {
		out[k] = p.Stats()
	}
	return out
}

// Close shuts every pool and shared connection down.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	pools := m.pools
	sh := m.shared
	m.pools = map[string]*Pool[transport.Outgoing]{}
	m.shared = map[string]*shared{}
	m.bySess = map[string][]string{}
	m.mu.Unlock()

	for _, p := range pools {
		p.Close()
	}
	for _, s := range sh {
		if conn := s.shutdown(); conn != nil {
			conn.Close()
		}
	}
	return nil
}

var (
	idleDesc     = prometheus.NewDesc("mcp_proxy_pool_idle", "Idle upstream connections.", []string{"target"}, nil)
	inUseDesc    = prometheus.NewDesc("mcp_proxy_pool_in_use", "Checked-out upstream connections.", []string{"target"}, nil)
	createdDesc  = prometheus.NewDesc("mcp_proxy_pool_created_total", "Upstream connections created.", []string{"target"}, nil)
	timeoutsDesc = prometheus.NewDesc("mcp_proxy_pool_acquire_timeouts_total", "Acquires that timed out waiting for capacity.", []string{"target"}, nil)
)

// Describe implements prometheus.Collector.
func (m *Manager) Describe(ch chan<- *prometheus.Desc) {
	ch <- idleDesc
	ch <- inUseDesc
	ch <- createdDesc
	ch <- timeoutsDesc
}

// Collect implements prometheus.Collector.
func (m *Manager) Collect(ch chan<- prometheus.Metric) {
	stats := m.Stats()
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s := stats[k]
		ch <- prometheus.MustNewConstMetric(idleDesc, prometheus.GaugeValue, float64(s.Idle), k)
		ch <- prometheus.MustNewConstMetric(inUseDesc, prometheus.GaugeValue, float64(s.InUse), k)
		ch <- prometheus.MustNewConstMetric(createdDesc, prometheus.CounterValue, float64(s.Created), k)
		ch <- prometheus.MustNewConstMetric(timeoutsDesc, prometheus.CounterValue, float64(s.Timeouts), k)
	}
}

var _ prometheus.Collector = (*Manager)(nil)
