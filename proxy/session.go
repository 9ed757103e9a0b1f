package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ggoodman/mcp-proxy-go/interceptor"
	"github.com/ggoodman/mcp-proxy-go/internal/logctx"
	"github.com/ggoodman/mcp-proxy-go/jsonrpc"
	"github.com/ggoodman/mcp-proxy-go/mcp"
	"github.com/ggoodman/mcp-proxy-go/protocol"
	"github.com/ggoodman/mcp-proxy-go/proxyerr"
	"github.com/ggoodman/mcp-proxy-go/sessions"
	"github.com/ggoodman/mcp-proxy-go/telemetry"
	"github.com/ggoodman/mcp-proxy-go/transport"
)

const (
	// replyTimeout bounds error replies written after the request context
	// has already been cancelled.
	replyTimeout = 5 * time.Second
	// touchInterval limits how often LastAccess is written to the store.
	touchInterval = time.Second
)

var errIdle = errors.New("session idle")

// session is the runtime of one client connection.
type session struct {
	p   *Pipeline
	in  transport.Incoming
	id  string
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	inflight atomic.Int32

	mu          sync.Mutex
	rec         *sessions.Session
	reason      string
	streams     int
	lastPersist time.Time
}

func newSession(p *Pipeline, in transport.Incoming, base context.Context) *session {
	id := in.SessionID()
	ctx := logctx.WithSessionData(base, &logctx.SessionData{SessionID: id, ClientKind: in.Kind().String()})
	ctx = logctx.WithUpstreamData(ctx, &logctx.UpstreamData{Target: p.target.Key(), Kind: p.target.Kind.String()})
	ctx, cancel := context.WithCancelCause(ctx)
	return &session{
		p:      p,
		in:     in,
		id:     id,
		log:    p.log,
		ctx:    ctx,
		cancel: cancel,
		stopCh: make(chan struct{}),
	}
}

func (s *session) run() {
	ctx := s.ctx
	if err := s.in.Accept(ctx); err != nil {
		s.log.WarnContext(ctx, "session.accept.fail", slog.String("err", err.Error()))
		s.in.Close()
		return
	}
	rec := sessions.New(s.id, s.in.Kind(), s.in.Capabilities())
	rec.UpstreamKind = s.p.target.Kind
	rec.UpstreamTarget = s.p.target.Key()
	if err := s.p.store.Create(ctx, rec); err != nil {
		s.log.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
		s.in.Close()
		return
	}
	s.mu.Lock()
	s.rec = rec
	s.lastPersist = rec.LastAccess
	s.mu.Unlock()
	s.p.metrics.SessionOpened()
	s.log.InfoContext(ctx, "session.open", slog.String("capabilities", rec.Capabilities.String()))

	g, gctx := errgroup.WithContext(ctx)
	if s.p.inFlight > 0 {
		g.SetLimit(s.p.inFlight)
	}
	reason := s.receiveLoop(gctx, g)
	err := g.Wait()
	if err != nil {
		reason = ReasonFatal
	}
	s.close(reason, err)
}

// receiveLoop reads client messages until the client goes away, the session
// idles out, a handler fails fatally, or the session is asked to stop.
func (s *session) receiveLoop(ctx context.Context, g *errgroup.Group) string {
	recvCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-recvCtx.Done():
		}
	}()

	for {
		env, err := s.receive(recvCtx)
		switch {
		case err == nil:
		case errors.Is(err, errIdle):
			if s.inflight.Load() > 0 {
				continue
			}
			return ReasonIdle
		case recvCtx.Err() != nil:
			return ReasonShutdown
		case recoverable(err):
			s.log.WarnContext(ctx, "session.receive.invalid", slog.String("err", err.Error()))
			s.reply(ctx, nil, err)
			continue
		default:
			if !errors.Is(err, io.EOF) && !errors.Is(err, proxyerr.Closed) {
				s.log.InfoContext(ctx, "session.receive.fail", slog.String("err", err.Error()))
			}
			return ReasonClientClosed
		}

		s.touch(ctx)
		s.inflight.Add(1)
		if env.Kind() == jsonrpc.KindRequest && env.Method() == string(mcp.InitializeMethod) {
			// Later messages depend on the negotiated state.
			err := s.handle(ctx, env)
			s.inflight.Add(-1)
			if err != nil {
				g.Go(func() error { return err })
				return ReasonFatal
			}
			continue
		}
		g.Go(func() error {
			defer s.inflight.Add(-1)
			return s.handle(ctx, env)
		})
	}
}

func (s *session) receive(ctx context.Context) (*protocol.Envelope, error) {
	if s.p.idle <= 0 {
		return s.in.ReceiveRequest(ctx)
	}
	ictx, cancel := context.WithTimeout(ctx, s.p.idle)
	defer cancel()
	env, err := s.in.ReceiveRequest(ictx)
	if err != nil && ctx.Err() == nil && errors.Is(ictx.Err(), context.DeadlineExceeded) {
		return nil, errIdle
	}
	return env, err
}

// recoverable reports client input errors that are answered but do not end
// the session.
func recoverable(err error) bool {
	switch proxyerr.KindOf(err) {
	case proxyerr.DeserializationError, proxyerr.MessageTooLarge, proxyerr.ProtocolViolation:
		return true
	}
	return false
}

// handle forwards one client message and reports only fatal errors.
func (s *session) handle(ctx context.Context, env *protocol.Envelope) error {
	start := time.Now()
	method := env.Method()
	if method == "" {
		method = "response"
	}
	reqID := ""
	if id := env.ID(); id != nil {
		reqID = id.String()
	}
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: method, ID: reqID, Type: string(env.Kind())})
	ctx, span := telemetry.StartRequest(ctx, s.p.tracer, s.id, method, reqID)
	defer span.End()
	span.SetAttributes(telemetry.AttrUpstream.String(s.p.target.Key()))

	outcome, err := s.forward(ctx, env)
	telemetry.RecordError(span, err)
	s.p.metrics.ObserveRequest(method, outcome, time.Since(start))
	if err != nil {
		if proxyerr.IsFatal(err) {
			s.log.ErrorContext(ctx, "session.forward.fatal", slog.String("err", err.Error()))
			return proxyerr.Annotate(err, s.id)
		}
		s.log.WarnContext(ctx, "session.forward.fail", slog.String("err", err.Error()))
	}
	return nil
}

func (s *session) forward(ctx context.Context, env *protocol.Envelope) (string, error) {
	init := env.Kind() == jsonrpc.KindRequest && env.Method() == string(mcp.InitializeMethod)
	var neg protocol.Negotiation
	if init {
		var err error
		env, neg, err = s.negotiate(ctx, env)
		if err != nil {
			s.reply(ctx, env, err)
			return telemetry.OutcomeError, nil
		}
	}

	out, responded, err := s.p.chain.Run(ctx, interceptor.Pre, env)
	if err != nil {
		s.abandonNegotiation(ctx, init)
		s.reply(ctx, env, err)
		return telemetry.OutcomeError, nil
	}
	if responded {
		s.abandonNegotiation(ctx, init)
		final := out.Clone()
		final.Final = true
		if err := s.deliver(ctx, env, final); err != nil {
			return telemetry.OutcomeError, err
		}
		return telemetry.OutcomeIntercepted, nil
	}
	env = out

	lease, err := s.p.conns.Acquire(ctx, s.p.target, s.id)
	if err != nil {
		s.abandonNegotiation(ctx, init)
		s.reply(ctx, env, err)
		return telemetry.OutcomeError, err
	}
	s.p.subscribe(lease.Outgoing, s)

	if err := s.exchange(ctx, lease.Outgoing, env, init, neg); err != nil {
		if proxyerr.IsFatal(err) {
			lease.Discard()
		} else {
			lease.Release()
		}
		s.abandonNegotiation(ctx, init)
		return telemetry.OutcomeError, err
	}
	lease.Release()
	return telemetry.OutcomeOK, nil
}

// negotiate settles the protocol version for an initialize request and
// returns the request to forward, rewritten to the agreed version.
func (s *session) negotiate(ctx context.Context, env *protocol.Envelope) (*protocol.Envelope, protocol.Negotiation, error) {
	const op = "proxy.initialize"
	if err := s.transition(ctx, sessions.Negotiating); err != nil {
		return env, protocol.Negotiation{}, proxyerr.E(proxyerr.ProtocolViolation, op, err).WithSession(s.id)
	}
	prop, _, err := protocol.ProposalFromInitialize(env.Message, s.in.Capabilities())
	if err != nil {
		s.abandonNegotiation(ctx, true)
		return env, protocol.Negotiation{}, err
	}
	neg, err := s.p.negotiator.Negotiate(prop)
	if err != nil {
		s.p.metrics.Negotiated(telemetry.NegotiationFailed)
		s.log.WarnContext(ctx, "session.negotiate.fail", slog.Any("requested", prop.Versions), slog.String("err", err.Error()))
		s.abandonNegotiation(ctx, true)
		return env, protocol.Negotiation{}, err
	}
	if neg.Downgraded {
		s.p.metrics.Negotiated(telemetry.NegotiationDowngraded)
		s.log.InfoContext(ctx, "session.negotiate.downgrade", slog.String("requested", prop.Versions[0]), slog.String("version", neg.Version))
	} else {
		s.p.metrics.Negotiated(telemetry.NegotiationExact)
	}
	if neg.Version != prop.Versions[0] {
		msg, err := protocol.RewriteInitializeVersion(env.Message, neg.Version)
		if err != nil {
			s.abandonNegotiation(ctx, true)
			return env, protocol.Negotiation{}, err
		}
		env = env.WithMessage(msg)
	}
	return env, neg, nil
}

// abandonNegotiation returns a session whose initialize did not complete to
// Idle so the client may try again.
func (s *session) abandonNegotiation(ctx context.Context, init bool) {
	if !init {
		return
	}
	s.mu.Lock()
	negotiating := s.rec != nil && s.rec.State == sessions.Negotiating
	s.mu.Unlock()
	if negotiating {
		s.transition(ctx, sessions.Idle)
	}
}

// completeNegotiation records the upstream's answer to initialize.
func (s *session) completeNegotiation(ctx context.Context, out transport.Outgoing, resp *protocol.Envelope, neg protocol.Negotiation) {
	msg := resp.Message
	if msg == nil || msg.Error != nil {
		s.abandonNegotiation(ctx, true)
		return
	}
	version := neg.Version
	var res mcp.InitializeResult
	if err := json.Unmarshal(msg.Result, &res); err == nil && res.ProtocolVersion != "" {
		version = res.ProtocolVersion
	}
	var upstreamSession string
	if u, ok := out.(interface{ UpstreamSessionID() string }); ok {
		upstreamSession = u.UpstreamSessionID()
	}
	err := s.update(ctx, func(c *sessions.Session) error {
		next, err := c.Transition(sessions.Active)
		if err != nil {
			return err
		}
		*c = *next
		c.ProtocolVersion = version
		c.Capabilities = neg.Capabilities
		c.UpstreamSessionID = upstreamSession
		return nil
	})
	if err != nil {
		s.log.WarnContext(ctx, "session.negotiate.persist.fail", slog.String("err", err.Error()))
		return
	}
	s.log.InfoContext(ctx, "session.negotiate.ok",
		slog.String("version", version),
		slog.String("capabilities", neg.Capabilities.String()))
}

// open starts the upstream exchange for env.
func (s *session) open(ctx context.Context, out transport.Outgoing, env *protocol.Envelope) (*transport.Exchange, error) {
	if ex, ok := out.(transport.Exchanger); ok {
		return ex.Exchange(ctx, env)
	}
	if err := out.SendRequest(ctx, env); err != nil {
		return nil, err
	}
	if env.Kind() != jsonrpc.KindRequest {
		return transport.CompletedExchange(env), nil
	}
	resp, err := out.ReceiveResponse(ctx)
	if err != nil {
		return nil, err
	}
	return transport.CompletedExchange(env, resp), nil
}

// exchange relays the upstream's answer to env back to the client. SSE
// exchanges are relayed event by event as they arrive.
func (s *session) exchange(ctx context.Context, out transport.Outgoing, env *protocol.Envelope, init bool, neg protocol.Negotiation) error {
	x, err := s.open(ctx, out, env)
	if err != nil {
		s.reply(ctx, env, err)
		return err
	}
	defer x.Close()

	mode := protocol.ModeJSON
	streaming := false
	defer func() {
		if streaming {
			s.endStream(ctx)
		}
		s.recordMode(ctx, mode)
	}()

	for {
		resp, err := x.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			s.reply(ctx, env, err)
			return err
		}
		mode = resp.Mode
		if mode == protocol.ModeSSEStream && !streaming {
			streaming = true
			s.beginStream(ctx)
		}
		if init && resp.Kind() == jsonrpc.KindResponse {
			s.completeNegotiation(ctx, out, resp, neg)
			init = false
		}

		post, responded, err := s.p.chain.Run(ctx, interceptor.Post, resp)
		if err != nil {
			s.reply(ctx, env, err)
			return nil
		}
		if responded {
			post = post.Clone()
			post.Final = true
		}
		if err := s.deliver(ctx, env, post); err != nil {
			return err
		}
		if resp.EventID != "" {
			s.p.metrics.StreamEvent()
			if err := s.p.store.StoreLastEventID(ctx, s.id, resp.EventID); err != nil {
				s.log.WarnContext(ctx, "session.last_event.persist.fail", slog.String("err", err.Error()))
			}
		}
		if responded {
			return nil
		}
	}
}

// deliver hands an upstream envelope answering req to the client.
func (s *session) deliver(ctx context.Context, req, resp *protocol.Envelope) error {
	out := resp.Clone()
	out.Direction = protocol.UpstreamToClient
	out.SessionID = s.id
	if out.ReplyTo == nil && req != nil {
		out.ReplyTo = req.ID()
	}
	return s.in.SendResponse(ctx, out)
}

// reply answers req with the JSON-RPC error for err. Messages that are not
// requests get no reply. A nil req answers a message that could not be
// parsed.
func (s *session) reply(ctx context.Context, req *protocol.Envelope, err error) {
	var id *jsonrpc.RequestID
	if req != nil {
		if req.Kind() != jsonrpc.KindRequest {
			return
		}
		id = req.ID()
	}
	env := protocol.NewEnvelope(protocol.ErrorResponse(id, err), protocol.UpstreamToClient, s.id)
	env.ReplyTo = id
	env.Final = true
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replyTimeout)
	defer cancel()
	if serr := s.in.SendResponse(wctx, env); serr != nil {
		s.log.WarnContext(ctx, "session.reply.fail", slog.String("err", serr.Error()))
	}
}

// notify relays an upstream-initiated message to the client.
func (s *session) notify(env *protocol.Envelope) {
	select {
	case <-s.stopCh:
		return
	default:
	}
	ctx, cancel := context.WithTimeout(s.ctx, replyTimeout)
	defer cancel()
	out := env.Clone()
	out.Direction = protocol.UpstreamToClient
	out.SessionID = s.id
	if err := s.in.SendResponse(ctx, out); err != nil {
		s.log.WarnContext(ctx, "session.notify.fail", slog.String("method", env.Method()), slog.String("err", err.Error()))
	}
}

func (s *session) beginStream(ctx context.Context) {
	s.mu.Lock()
	s.streams++
	enter := s.streams == 1 && s.rec != nil && s.rec.State == sessions.Active
	s.mu.Unlock()
	if enter {
		s.transition(ctx, sessions.Streaming)
	}
}

func (s *session) endStream(ctx context.Context) {
	s.mu.Lock()
	s.streams--
	leave := s.streams == 0 && s.rec != nil && s.rec.State == sessions.Streaming
	s.mu.Unlock()
	if leave {
		s.transition(ctx, sessions.Active)
	}
}

func (s *session) recordMode(ctx context.Context, mode protocol.ResponseMode) {
	s.mu.Lock()
	same := s.rec == nil || s.rec.LastMode == mode || s.rec.State.IsTerminal()
	s.mu.Unlock()
	if same {
		return
	}
	s.update(ctx, func(c *sessions.Session) error {
		c.LastMode = mode
		return nil
	})
}

// touch records client activity, writing it through at most once per
// touchInterval.
func (s *session) touch(ctx context.Context) {
	now := time.Now()
	s.mu.Lock()
	due := s.rec != nil && now.Sub(s.lastPersist) >= touchInterval && !s.rec.State.IsTerminal()
	s.mu.Unlock()
	if !due {
		return
	}
	s.update(ctx, func(c *sessions.Session) error {
		*c = *c.Touch(now)
		return nil
	})
}

// transition moves the session record to state to and persists it.
func (s *session) transition(ctx context.Context, to sessions.State) error {
	return s.update(ctx, func(c *sessions.Session) error {
		if c.State == to {
			return errUnchanged
		}
		next, err := c.Transition(to)
		if err != nil {
			return err
		}
		*c = *next
		return nil
	})
}

var errUnchanged = errors.New("unchanged")

// update applies fn to a copy of the record and stores the result. The
// record is only replaced once the store accepted it.
func (s *session) update(ctx context.Context, fn func(*sessions.Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return nil
	}
	next := s.rec.Clone()
	if err := fn(next); err != nil {
		if errors.Is(err, errUnchanged) {
			return nil
		}
		return err
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replyTimeout)
	defer cancel()
	if err := s.p.store.Update(wctx, next); err != nil {
		s.log.WarnContext(ctx, "session.persist.fail", slog.String("state", next.State.String()), slog.String("err", err.Error()))
		return err
	}
	s.rec = next
	s.lastPersist = time.Now()
	return nil
}

// beginClose stops reading client messages and marks the record Closing. The
// returned copy is for the caller to persist; nil means nothing changed.
func (s *session) beginClose(reason string) *sessions.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reason == "" {
		s.reason = reason
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.rec == nil || s.rec.State.IsTerminal() {
		return nil
	}
	next, err := s.rec.Transition(sessions.Closing)
	if err != nil {
		return nil
	}
	s.rec = next
	return next.Clone()
}

// abort cancels in-flight work and closes the client transport.
func (s *session) abort(cause error) {
	s.cancel(cause)
	s.in.Close()
}

func (s *session) close(reason string, cause error) {
	s.mu.Lock()
	if s.reason != "" {
		reason = s.reason
	} else {
		s.reason = reason
	}
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stopCh) })

	ctx := context.WithoutCancel(s.ctx)
	if err := s.transition(ctx, sessions.Closing); err != nil {
		s.log.WarnContext(ctx, "session.close.transition.fail", slog.String("err", err.Error()))
	}
	if cause == nil {
		cause = proxyerr.E(proxyerr.Closed, "proxy.session.close", nil)
	}
	s.cancel(cause)
	s.p.conns.CloseSession(s.id)
	if err := s.in.Close(); err != nil {
		s.log.WarnContext(ctx, "session.close.incoming.fail", slog.String("err", err.Error()))
	}
	if err := s.transition(ctx, sessions.Closed); err != nil {
		s.log.WarnContext(ctx, "session.close.transition.fail", slog.String("err", err.Error()))
	}
	s.p.metrics.SessionClosed(reason)

	attrs := []any{slog.String("reason", reason)}
	if reason == ReasonFatal {
		attrs = append(attrs, slog.String("err", cause.Error()))
	}
	s.log.InfoContext(ctx, "session.close", attrs...)

	// Closed has been written and reported; the record is not needed again.
	if err := s.p.store.Delete(ctx, s.id); err != nil {
		s.log.WarnContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
	}
}
