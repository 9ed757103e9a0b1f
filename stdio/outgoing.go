package stdio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ggoodman/mcp-proxy-go/internal/outbound"
	"github.com/ggoodman/mcp-proxy-go/jsonrpc"
	"github.com/ggoodman/mcp-proxy-go/mcp"
	"github.com/ggoodman/mcp-proxy-go/process"
	"github.com/ggoodman/mcp-proxy-go/protocol"
	"github.com/ggoodman/mcp-proxy-go/proxyerr"
	"github.com/ggoodman/mcp-proxy-go/transport"
)

type inboxItem struct {
	env *protocol.Envelope
	err error
}

// Outgoing is a pipe connection to an upstream subprocess. It is safe for
// concurrent use: requests are multiplexed by id and a single drain
// goroutine routes everything the child writes.
type Outgoing struct {
	id      string
	target  transport.Target
	cfg     *config
	handler *protocol.Handler
	procs   *process.Manager
	log     *slog.Logger

	mu     sync.Mutex
	handle *process.Handle
	pipe   *Pipe
	notify func(*protocol.Envelope)

	disp      *outbound.Dispatcher
	loose     *protocol.Tracker
	inbox     chan inboxItem
	connected atomic.Bool
	closing   atomic.Bool
	drainDone chan struct{}
}

var (
	_ transport.Outgoing           = (*Outgoing)(nil)
	_ transport.Exchanger          = (*Outgoing)(nil)
	_ transport.NotificationSource = (*Outgoing)(nil)
)

// NewOutgoing constructs an Outgoing for target. Unless WithIO is given,
// Connect spawns target.Command through the process manager.
func NewOutgoing(target transport.Target, opts ...Option) *Outgoing {
	c := newConfig(opts)
	procs := c.procs
	if procs == nil && c.r == nil {
		procs = process.NewManager(process.WithLogger(c.log))
	}
	return &Outgoing{
		id:        uuid.NewString(),
		target:    target,
		cfg:       c,
		handler:   c.handler,
		procs:     procs,
		log:       c.log.With(slog.String("target", target.Key())),
		disp:      outbound.New(),
		loose:     protocol.NewTracker(),
		inbox:     make(chan inboxItem, c.opts.ChannelCapacity),
		drainDone: make(chan struct{}),
	}
}

// Connect spawns the subprocess (or adopts the configured pipes) and starts
// the drain goroutine.
func (o *Outgoing) Connect(ctx context.Context) error {
	const op = "stdio.outgoing.connect"
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pipe != nil {
		return nil
	}
	if o.closing.Load() {
		return proxyerr.E(proxyerr.Closed, op, nil).WithTarget(o.target.Key())
	}

	r, w, closer := o.cfg.r, o.cfg.w, o.cfg.closer
	if r == nil {
		h, err := o.procs.Spawn(ctx, process.Command{
			Path: o.target.Command,
			Args: o.target.Args,
			Env:  o.target.Env,
			Dir:  o.target.Dir,
		})
		if err != nil {
			return err
		}
		o.handle = h
		r, w = h.Stdout, h.Stdin
		closer = multiCloser{h.Stdin, h.Stdout}
	}

	p := newPipe(o.cfg, r, w, closer, o.target.Key())
	if err := p.Connect(ctx); err != nil {
		return err
	}
	o.pipe = p
	o.connected.Store(true)
	go o.drain(p)
	o.log.InfoContext(ctx, "stdio.outgoing.connect.ok", slog.String("conn", o.id))
	return nil
}

// drain reads every frame from the child until the pipe fails.
func (o *Outgoing) drain(p *Pipe) {
	defer close(o.drainDone)
	ctx := context.Background()
	for {
		data, err := p.Receive(ctx)
		if err != nil {
			if errors.Is(err, proxyerr.MessageTooLarge) {
				o.log.Warn("stdio.drain.frame_dropped", slog.String("err", err.Error()))
				continue
			}
			o.fail(err)
			return
		}
		msg, err := o.handler.Deserialize(data)
		if err != nil {
			o.log.Warn("stdio.drain.invalid", slog.String("err", err.Error()))
			continue
		}
		o.route(msg)
	}
}

func (o *Outgoing) route(msg *jsonrpc.AnyMessage) {
	env := protocol.NewEnvelope(msg, protocol.UpstreamToClient, o.SessionID())
	switch msg.Kind() {
	case jsonrpc.KindResponse:
		if o.disp.OnResponse(msg) {
			return
		}
		if err := o.loose.Resolve(msg); err != nil {
			o.log.Warn("stdio.drain.unmatched_response", slog.String("id", msg.ID.String()))
			o.push(inboxItem{err: proxyerr.Annotate(err, o.SessionID())})
			return
		}
		env.ReplyTo = msg.ID
		env.Final = true
		o.push(inboxItem{env: env})
	default:
		if o.disp.OnNotification(msg) {
			return
		}
		o.mu.Lock()
		fn := o.notify
		o.mu.Unlock()
		if fn != nil {
			fn(env)
			return
		}
		o.push(inboxItem{env: env})
	}
}

func (o *Outgoing) push(it inboxItem) {
	select {
	case o.inbox <- it:
	default:
		// Nobody is consuming ReceiveResponse; drop the oldest entry rather
		// than stall the drain goroutine and every in-flight request with it.
		select {
		case <-o.inbox:
		default:
		}
		select {
		case o.inbox <- it:
		default:
		}
		o.log.Warn("stdio.inbox.overflow")
	}
}

func (o *Outgoing) fail(err error) {
	o.connected.Store(false)
	var ferr error
	if o.closing.Load() {
		ferr = proxyerr.E(proxyerr.Closed, "stdio.outgoing", err).WithTarget(o.target.Key())
	} else {
		ferr = proxyerr.E(proxyerr.ConnectionFailed, "stdio.outgoing", err).WithTarget(o.target.Key())
		o.log.Warn("stdio.outgoing.lost", slog.String("err", err.Error()))
	}
	o.disp.Close(ferr)
	o.push(inboxItem{err: ferr})
}

func (o *Outgoing) currentPipe() (*Pipe, error) {
	o.mu.Lock()
	p := o.pipe
	o.mu.Unlock()
	if p == nil || !o.connected.Load() {
		return nil, proxyerr.E(proxyerr.NotConnected, "stdio.outgoing", nil).WithTarget(o.target.Key())
	}
	return p, nil
}

func (o *Outgoing) write(ctx context.Context, msg *jsonrpc.AnyMessage) error {
	p, err := o.currentPipe()
	if err != nil {
		return err
	}
	b, err := o.handler.Serialize(msg)
	if err != nil {
		return err
	}
	return p.Send(ctx, b)
}

// SendRequest writes a message upstream. Responses to requests sent this way
// are delivered through ReceiveResponse.
func (o *Outgoing) SendRequest(ctx context.Context, env *protocol.Envelope) error {
	if env.Message.IsRequest() {
		if err := o.loose.Track(env.Message); err != nil {
			return err
		}
	}
	if err := o.write(ctx, env.Message); err != nil {
		o.loose.Forget(env.Message.ID)
		return err
	}
	return nil
}

// ReceiveResponse returns the next response to a SendRequest call, or an
// unsolicited upstream message when no notification handler is registered.
func (o *Outgoing) ReceiveResponse(ctx context.Context) (*protocol.Envelope, error) {
	select {
	case it := <-o.inbox:
		return it.env, it.err
	case <-ctx.Done():
		return nil, transport.ContextError("stdio.outgoing.receive", ctx.Err())
	}
}

// Exchange writes a request and returns its response stream. A pipe
// response is always a single JSON message.
func (o *Outgoing) Exchange(ctx context.Context, env *protocol.Envelope) (*transport.Exchange, error) {
	msg := env.Message
	if !msg.IsRequest() {
		if err := o.write(ctx, msg); err != nil {
			return nil, err
		}
		return transport.CompletedExchange(env), nil
	}

	call, err := o.disp.Register(msg.ID)
	if err != nil {
		return nil, err
	}
	if err := o.write(ctx, msg); err != nil {
		call.Cancel()
		return nil, err
	}

	next := func(ctx context.Context) (*protocol.Envelope, error) {
		wctx, cancel := transport.WithTimeout(ctx, o.cfg.opts.ReadTimeout)
		defer cancel()
		resp, err := call.Wait(wctx)
		if err != nil {
			if wctx.Err() != nil {
				o.sendCancelled(msg.ID, wctx.Err())
				return nil, transport.ContextError("stdio.outgoing.exchange", err)
			}
			if errors.Is(err, outbound.ErrRemoteCancelled) {
				return nil, proxyerr.E(proxyerr.ConnectionFailed, "stdio.outgoing.exchange", err).WithTarget(o.target.Key())
			}
			return nil, err
		}
		out := protocol.NewEnvelope(resp, protocol.UpstreamToClient, o.SessionID())
		out.ReplyTo = msg.ID
		out.Final = true
		return out, nil
	}
	return transport.NewExchange(env, next, call.Cancel), nil
}

// sendCancelled tells the upstream a request is no longer wanted.
func (o *Outgoing) sendCancelled(id *jsonrpc.RequestID, cause error) {
	n, err := jsonrpc.NewRequest(nil, string(mcp.CancelledNotificationMethod), map[string]any{
		"requestId": id.Value(),
		"reason":    cause.Error(),
	})
	if err != nil {
		return
	}
	ctx, cancel := transport.WithTimeout(context.Background(), o.cfg.opts.WriteTimeout)
	defer cancel()
	if err := o.write(ctx, n); err != nil {
		o.log.Debug("stdio.cancel.fail", slog.String("err", err.Error()))
	}
}

// OnNotification registers the handler for upstream-initiated messages.
func (o *Outgoing) OnNotification(fn func(*protocol.Envelope)) {
	o.mu.Lock()
	o.notify = fn
	o.mu.Unlock()
}

func (o *Outgoing) SessionID() string { return o.cfg.session }

func (o *Outgoing) IsConnected() bool { return o.connected.Load() }

func (o *Outgoing) Kind() transport.Kind { return transport.KindStdio }

func (o *Outgoing) ID() string { return o.id }

// Healthy reports whether the pipe is up and the child is still running.
func (o *Outgoing) Healthy(ctx context.Context) bool {
	if !o.connected.Load() {
		return false
	}
	o.mu.Lock()
	h := o.handle
	o.mu.Unlock()
	if h == nil {
		return true
	}
	return o.procs.IsAlive(h)
}

// Pending returns the number of requests awaiting a response.
func (o *Outgoing) Pending() int { return o.disp.Pending() }

// reapTimeout is how long a killed child has to be reaped once the
// termination grace period has run out.
const reapTimeout = 5 * time.Second

// Close stops the drain goroutine, fails pending requests and terminates
// the subprocess.
func (o *Outgoing) Close() error {
	if !o.closing.CompareAndSwap(false, true) {
		return nil
	}
	o.connected.Store(false)
	o.mu.Lock()
	p, h := o.pipe, o.handle
	o.mu.Unlock()

	o.disp.Close(proxyerr.E(proxyerr.Closed, "stdio.outgoing.close", nil).WithTarget(o.target.Key()))

	var errs []error
	if h != nil {
		ctx, cancel := context.WithTimeout(context.Background(), o.procs.GracePeriod()+reapTimeout)
		errs = append(errs, o.procs.Terminate(ctx, h))
		cancel()
	}
	if p != nil {
		errs = append(errs, p.Close())
		<-o.drainDone
	}
	o.log.Info("stdio.outgoing.close", slog.String("conn", o.id))
	return errors.Join(errs...)
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var errs []error
	for _, c := range m {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
