package streaminghttp

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-proxy-go/jsonrpc"
	"github.com/ggoodman/mcp-proxy-go/mcp"
	"github.com/ggoodman/mcp-proxy-go/protocol"
	"github.com/ggoodman/mcp-proxy-go/proxyerr"
	"github.com/ggoodman/mcp-proxy-go/transport"
)

// waiter is the POST request blocked on the responses to some of its ids.
type waiter struct {
	ch   chan *protocol.Envelope
	gone chan struct{}
}

// Incoming is one client session on the HTTP server. Requests arrive from
// POST handlers; SendResponse routes each reply back to the POST that is
// waiting for it, or to the session's GET stream when nobody is.
type Incoming struct {
	id      string
	srv     *Server
	log     *slog.Logger
	caps    atomic.Uint32
	created time.Time

	mu              sync.Mutex
	protocolVersion string
	waiters         map[string]*waiter
	listen          chan *protocol.Envelope

	requests  chan *protocol.Envelope
	accepting atomic.Bool
	eventSeq  atomic.Uint64
	closed    chan struct{}
	closeOnce sync.Once
}

var _ transport.Incoming = (*Incoming)(nil)

func newIncoming(srv *Server, id string, caps protocol.Capabilities) *Incoming {
	in := &Incoming{
		id:       id,
		srv:      srv,
		log:      srv.log.With(slog.String("session_id", id)),
		created:  time.Now(),
		waiters:  make(map[string]*waiter),
		requests: make(chan *protocol.Envelope, srv.cfg.opts.ChannelCapacity),
		closed:   make(chan struct{}),
	}
	in.caps.Store(uint32(caps))
	return in
}

// Accept is a no-op; the session is live as soon as the server creates it.
func (in *Incoming) Accept(ctx context.Context) error {
	select {
	case <-in.closed:
		return proxyerr.E(proxyerr.Closed, "http.incoming.accept", nil).WithSession(in.id)
	default:
	}
	in.accepting.Store(true)
	return nil
}

// ReceiveRequest returns the next message a client posted to this session.
func (in *Incoming) ReceiveRequest(ctx context.Context) (*protocol.Envelope, error) {
	select {
	case env := <-in.requests:
		return env, nil
	case <-in.closed:
		return nil, proxyerr.E(proxyerr.Closed, "http.incoming.receive", nil).WithSession(in.id)
	case <-ctx.Done():
		return nil, transport.ContextError("http.incoming.receive", ctx.Err())
	}
}

// enqueue hands a posted message to ReceiveRequest.
func (in *Incoming) enqueue(ctx context.Context, env *protocol.Envelope) error {
	select {
	case in.requests <- env:
		return nil
	case <-in.closed:
		return proxyerr.E(proxyerr.Closed, "http.incoming.enqueue", nil).WithSession(in.id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendResponse delivers env to the POST awaiting its request id, or to the
// GET listen stream for upstream-initiated traffic. Messages with nowhere to
// go are dropped and logged.
func (in *Incoming) SendResponse(ctx context.Context, env *protocol.Envelope) error {
	id := env.ReplyTo
	if id == nil && env.Message != nil && env.Message.Kind() == jsonrpc.KindResponse {
		id = env.Message.ID
	}

	in.mu.Lock()
	var w *waiter
	if !id.IsNil() {
		w = in.waiters[id.Key()]
	}
	listen := in.listen
	in.mu.Unlock()

	switch {
	case w != nil:
		select {
		case w.ch <- env:
			return nil
		case <-w.gone:
		case <-in.closed:
			return proxyerr.E(proxyerr.Closed, "http.incoming.send", nil).WithSession(in.id)
		case <-ctx.Done():
			return transport.ContextError("http.incoming.send", ctx.Err())
		}
	case listen != nil && env.Message != nil:
		select {
		case listen <- env:
			return nil
		case <-in.closed:
			return proxyerr.E(proxyerr.Closed, "http.incoming.send", nil).WithSession(in.id)
		case <-ctx.Done():
			return transport.ContextError("http.incoming.send", ctx.Err())
		}
	}
	in.log.WarnContext(ctx, "http.incoming.undeliverable", slog.String("method", env.Method()), slog.String("reply_to", id.String()))
	return nil
}

func (in *Incoming) register(ids []*jsonrpc.RequestID) (*waiter, error) {
	w := &waiter{
		ch:   make(chan *protocol.Envelope, in.srv.cfg.opts.ChannelCapacity),
		gone: make(chan struct{}),
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		k := id.Key()
		if _, dup := in.waiters[k]; dup || seen[k] {
			return nil, proxyerr.E(proxyerr.ProtocolViolation, "http.incoming.register",
				fmt.Errorf("request id %s already in flight", id)).WithSession(in.id)
		}
		seen[k] = true
	}
	for _, id := range ids {
		in.waiters[id.Key()] = w
	}
	return w, nil
}

func (in *Incoming) unregister(w *waiter) {
	in.mu.Lock()
	for k, cur := range in.waiters {
		if cur == w {
			delete(in.waiters, k)
		}
	}
	in.mu.Unlock()
	close(w.gone)
}

// openListen claims the session's single GET stream.
func (in *Incoming) openListen() (chan *protocol.Envelope, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.listen != nil {
		return nil, false
	}
	in.listen = make(chan *protocol.Envelope, in.srv.cfg.opts.ChannelCapacity)
	return in.listen, true
}

func (in *Incoming) closeListen(ch chan *protocol.Envelope) {
	in.mu.Lock()
	if in.listen == ch {
		in.listen = nil
	}
	in.mu.Unlock()
}

func (in *Incoming) nextEventID() string {
	return strconv.FormatUint(in.eventSeq.Add(1), 10)
}

// setProtocolVersion records the version negotiated on initialize and
// updates the batching capability to match.
func (in *Incoming) setProtocolVersion(v string) {
	in.mu.Lock()
	in.protocolVersion = v
	in.mu.Unlock()
	caps := protocol.Capabilities(in.caps.Load())
	if mcp.SupportsBatching(v) {
		caps |= protocol.SupportsBatch
	} else {
		caps &^= protocol.SupportsBatch
	}
	in.caps.Store(uint32(caps))
}

// ProtocolVersion returns the version negotiated for this session.
func (in *Incoming) ProtocolVersion() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.protocolVersion
}

func (in *Incoming) SessionID() string { return in.id }

func (in *Incoming) IsAccepting() bool {
	select {
	case <-in.closed:
		return false
	default:
		return in.accepting.Load()
	}
}

func (in *Incoming) Kind() transport.Kind { return transport.KindHTTP }

// Capabilities reports what the client advertised in its Accept header and
// whether the negotiated version allows batches.
func (in *Incoming) Capabilities() protocol.Capabilities {
	return protocol.Capabilities(in.caps.Load())
}

// Done is closed when the session ends.
func (in *Incoming) Done() <-chan struct{} { return in.closed }

// Close ends the session. Waiting POSTs and the GET stream are released.
func (in *Incoming) Close() error {
	in.closeOnce.Do(func() {
		in.accepting.Store(false)
		close(in.closed)
		in.srv.forget(in.id)
	})
	return nil
}
