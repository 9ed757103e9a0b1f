// Package proxy is the forwarding pipeline. It accepts client sessions from a
// transport.Listener, and for every client message runs the Pre
// interceptors, leases an upstream connection from a pool.Manager, relays
// the exchange back through the Post interceptors, and keeps each session's
// persisted record in step with what happened.
//
// Each session runs on its own goroutine and may have several requests in
// flight. A transport-fatal upstream error (see proxyerr.IsFatal) tears the
// session down: the record moves to Closing, the upstream lease is
// discarded, the client transport is closed, and the record ends Closed.
package proxy

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ggoodman/mcp-proxy-go/interceptor"
	"github.com/ggoodman/mcp-proxy-go/internal/logctx"
	"github.com/ggoodman/mcp-proxy-go/pool"
	"github.com/ggoodman/mcp-proxy-go/protocol"
	"github.com/ggoodman/mcp-proxy-go/proxyerr"
	"github.com/ggoodman/mcp-proxy-go/sessions"
	"github.com/ggoodman/mcp-proxy-go/storage/memory"
	"github.com/ggoodman/mcp-proxy-go/telemetry"
	"github.com/ggoodman/mcp-proxy-go/transport"
)

// Limits a Pipeline uses when no option sets them. The composition root
// passes every one explicitly from its configuration.
const (
	DefaultSessionIdle = 30 * time.Minute
	DefaultCloseGrace  = 5 * time.Second
	DefaultMaxInFlight = 64
)

// Session close reasons reported in logs and metrics.
const (
	ReasonClientClosed = "client_closed"
	ReasonIdle         = "idle"
	ReasonFatal        = "fatal"
	ReasonShutdown     = "shutdown"
)

// Pipeline forwards every session accepted from a listener to one upstream.
type Pipeline struct {
	listener   transport.Listener
	target     transport.Target
	conns      *pool.Manager
	store      sessions.Store
	negotiator *protocol.Negotiator
	chain      *interceptor.Chain
	metrics    *telemetry.Metrics
	tracer     trace.Tracer
	log        *slog.Logger
	idle       time.Duration
	grace      time.Duration
	inFlight   int

	mu       sync.Mutex
	sessions map[string]*session
	// subs maps an upstream connection id to the sessions that have used it,
	// for routing upstream-initiated notifications.
	subs     map[string]map[string]*session
	watched  map[string]bool
	shutting bool
	done     chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithStore sets the session store. The default keeps sessions in memory.
func WithStore(s sessions.Store) Option {
	return func(p *Pipeline) {
		if s != nil {
			p.store = s
		}
	}
}

// WithInterceptors installs the interceptor chain.
func WithInterceptors(c *interceptor.Chain) Option {
	return func(p *Pipeline) {
		p.chain = c
	}
}

// WithNegotiator overrides the protocol version negotiator.
func WithNegotiator(n *protocol.Negotiator) Option {
	return func(p *Pipeline) {
		if n != nil {
			p.negotiator = n
		}
	}
}

// WithMetrics records pipeline metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithTracer overrides the tracer; the default comes from the global
// OpenTelemetry provider.
func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) {
		if t != nil {
			p.tracer = t
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// WithSessionIdle closes sessions that have had no traffic for d.
func WithSessionIdle(d time.Duration) Option {
	return func(p *Pipeline) {
		p.idle = d
	}
}

// WithCloseGrace bounds how long Shutdown lets in-flight requests finish.
func WithCloseGrace(d time.Duration) Option {
	return func(p *Pipeline) {
		p.grace = d
	}
}

// WithMaxInFlight bounds concurrent requests per session. Non-positive
// values are ignored.
func WithMaxInFlight(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.inFlight = n
		}
	}
}

// New builds a Pipeline serving sessions from listener against target.
func New(listener transport.Listener, target transport.Target, conns *pool.Manager, opts ...Option) *Pipeline {
	p := &Pipeline{
		listener:   listener,
		target:     target,
		conns:      conns,
		negotiator: protocol.NewNegotiator(nil, protocol.AllCapabilities),
		log:        slog.Default(),
		idle:       DefaultSessionIdle,
		grace:      DefaultCloseGrace,
		inFlight:   DefaultMaxInFlight,
		sessions:   make(map[string]*session),
		subs:       make(map[string]map[string]*session),
		watched:    make(map[string]bool),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.store == nil {
		p.store = sessions.NewStore(memory.New(0))
	}
	if p.tracer == nil {
		p.tracer = telemetry.Tracer()
	}
	p.log = logctx.Wrap(p.log)
	return p
}

// Store returns the session store the pipeline writes to.
func (p *Pipeline) Store() sessions.Store { return p.store }

// Serve accepts sessions until the listener closes, ctx is done, or Shutdown
// is called. It returns nil in all three cases.
func (p *Pipeline) Serve(ctx context.Context) error {
	p.log.InfoContext(ctx, "proxy.serve.start",
		slog.String("listener", p.listener.Kind().String()),
		slog.String("upstream", p.target.Key()))
	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.done:
			cancel()
		case <-actx.Done():
		}
	}()
	for {
		in, err := p.listener.Accept(actx)
		if err != nil {
			if errors.Is(err, proxyerr.Closed) || actx.Err() != nil {
				return nil
			}
			return err
		}
		if !p.startSession(ctx, in) {
			in.Close()
			return nil
		}
	}
}

func (p *Pipeline) startSession(ctx context.Context, in transport.Incoming) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutting {
		return false
	}
	s := newSession(p, in, context.WithoutCancel(ctx))
	p.sessions[s.id] = s
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		s.run()
		p.removeSession(s)
	}()
	return true
}

func (p *Pipeline) removeSession(s *session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, s.id)
	for _, subs := range p.subs {
		delete(subs, s.id)
	}
}

// Active returns the persisted records of every running session.
func (p *Pipeline) Active(ctx context.Context) ([]*sessions.Session, error) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	recs, err := p.store.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, r := range recs {
		if r != nil {
			out = append(out, r)
		}
	}
	return out, nil
}

// subscribe routes notifications from out to s.
func (p *Pipeline) subscribe(out transport.Outgoing, s *session) {
	src, ok := out.(transport.NotificationSource)
	if !ok {
		return
	}
	id := out.ID()
	p.mu.Lock()
	subs := p.subs[id]
	if subs == nil {
		subs = make(map[string]*session)
		p.subs[id] = subs
	}
	subs[s.id] = s
	first := !p.watched[id]
	p.watched[id] = true
	p.mu.Unlock()
	if first {
		src.OnNotification(func(env *protocol.Envelope) { p.broadcast(id, env) })
	}
}

func (p *Pipeline) broadcast(outID string, env *protocol.Envelope) {
	p.mu.Lock()
	targets := make([]*session, 0, len(p.subs[outID]))
	for _, s := range p.subs[outID] {
		targets = append(targets, s)
	}
	p.mu.Unlock()
	for _, s := range targets {
		s.notify(env)
	}
}

// Shutdown stops accepting sessions, lets in-flight requests run for the
// close grace period, then closes every session and the listener. It returns
// once all sessions have ended or ctx is done.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.shutting {
		p.shutting = true
		close(p.done)
	}
	active := make([]*session, 0, len(p.sessions))
	for _, s := range p.sessions {
		active = append(active, s)
	}
	p.mu.Unlock()
	defer p.listener.Close()

	p.log.InfoContext(ctx, "proxy.shutdown.start", slog.Int("sessions", len(active)))

	recs := make([]*sessions.Session, 0, len(active))
	for _, s := range active {
		if rec := s.beginClose(ReasonShutdown); rec != nil {
			recs = append(recs, rec)
		}
	}
	if len(recs) > 0 {
		if err := p.store.UpdateMany(ctx, recs); err != nil {
			p.log.WarnContext(ctx, "proxy.shutdown.persist.fail", slog.String("err", err.Error()))
		}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	grace := time.NewTimer(p.grace)
	defer grace.Stop()
	select {
	case <-done:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}
	for _, s := range active {
		s.abort(proxyerr.E(proxyerr.Closed, "proxy.shutdown", nil))
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
