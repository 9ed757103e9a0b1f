package streaminghttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/ggoodman/mcp-proxy-go/bufpool"
	"github.com/ggoodman/mcp-proxy-go/internal/sse"
	"github.com/ggoodman/mcp-proxy-go/jsonrpc"
	"github.com/ggoodman/mcp-proxy-go/mcp"
	"github.com/ggoodman/mcp-proxy-go/protocol"
	"github.com/ggoodman/mcp-proxy-go/proxyerr"
	"github.com/ggoodman/mcp-proxy-go/transport"
)

var errReadTimeout = errors.New("read timeout")

const acceptBoth = "application/json, text/event-stream"

type inboxItem struct {
	env *protocol.Envelope
	err error
}

// Outgoing talks to an upstream over the streamable HTTP transport. Every
// request is its own POST; the reply is either one JSON body or an SSE stream
// that is relayed event by event and resumed with Last-Event-ID when it
// breaks.
type Outgoing struct {
	id      string
	target  transport.Target
	cfg     *config
	handler *protocol.Handler
	bufs    *bufpool.Pool
	log     *slog.Logger

	mu              sync.Mutex
	upstreamSession string
	protocolVersion string
	initialized     bool
	listening       bool
	notify          func(*protocol.Envelope)

	connected   atomic.Bool
	closed      atomic.Bool
	closeCtx    context.Context
	closeCancel context.CancelFunc
	wg          sync.WaitGroup
	inbox       chan inboxItem
}

var (
	_ transport.Outgoing           = (*Outgoing)(nil)
	_ transport.Exchanger          = (*Outgoing)(nil)
	_ transport.NotificationSource = (*Outgoing)(nil)
)

// NewOutgoing constructs an Outgoing for target.URL.
func NewOutgoing(target transport.Target, opts ...Option) *Outgoing {
	c := newConfig(opts)
	ctx, cancel := context.WithCancel(context.Background())
	return &Outgoing{
		id:          uuid.NewString(),
		target:      target,
		cfg:         c,
		handler:     c.handler,
		bufs:        c.bufs.For(string(transport.KindHTTP)),
		log:         c.log.With(slog.String("target", target.Key())),
		closeCtx:    ctx,
		closeCancel: cancel,
		inbox:       make(chan inboxItem, c.opts.ChannelCapacity),
	}
}

// Connect validates the endpoint. The first request opens the network
// connection.
func (o *Outgoing) Connect(ctx context.Context) error {
	const op = "http.outgoing.connect"
	if o.closed.Load() {
		return proxyerr.E(proxyerr.Closed, op, nil).WithTarget(o.target.Key())
	}
	u, err := url.Parse(o.target.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return proxyerr.E(proxyerr.ConnectionFailed, op, fmt.Errorf("invalid upstream url %q", o.target.URL)).WithTarget(o.target.Key())
	}
	o.connected.Store(true)
	return nil
}

func (o *Outgoing) newRequest(ctx context.Context, method string, body []byte) (*http.Request, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, o.target.URL, rdr)
	if err != nil {
		return nil, proxyerr.E(proxyerr.ConnectionFailed, "http.outgoing.request", err).WithTarget(o.target.Key())
	}
	for k, v := range o.target.Headers {
		req.Header.Set(k, v)
	}
	o.mu.Lock()
	if o.upstreamSession != "" {
		req.Header.Set(mcpSessionIDHeader, o.upstreamSession)
	}
	if o.protocolVersion != "" {
		req.Header.Set(mcpProtocolVersionHeader, o.protocolVersion)
	}
	o.mu.Unlock()
	return req, nil
}

// Exchange posts env and returns the stream of envelopes that answer it.
func (o *Outgoing) Exchange(ctx context.Context, env *protocol.Envelope) (*transport.Exchange, error) {
	const op = "http.outgoing.exchange"
	if !o.connected.Load() {
		return nil, proxyerr.E(proxyerr.NotConnected, op, nil).WithTarget(o.target.Key())
	}
	body, err := o.handler.Serialize(env.Message)
	if err != nil {
		return nil, err
	}

	// The request context outlives this call when the reply is a stream; it
	// is cancelled by the exchange's Close or by closing the transport.
	reqCtx, cancel := context.WithCancelCause(ctx)
	stopOnClose := context.AfterFunc(o.closeCtx, func() { cancel(proxyerr.Closed) })
	var timer *time.Timer
	if d := o.cfg.opts.ReadTimeout; d > 0 {
		timer = time.AfterFunc(d, func() { cancel(errReadTimeout) })
	}
	release := func() {
		if timer != nil {
			timer.Stop()
		}
		stopOnClose()
		cancel(context.Canceled)
	}

	req, err := o.newRequest(reqCtx, http.MethodPost, body)
	if err != nil {
		release()
		return nil, err
	}
	req.Header.Set("Content-Type", protocol.JSONContentType)
	req.Header.Set("Accept", acceptBoth)

	resp, err := o.cfg.client.Do(req)
	if err != nil {
		release()
		return nil, o.requestError(reqCtx, op, err)
	}
	o.captureSession(resp)

	mode := protocol.ModeFromContentType(resp.Header.Get("Content-Type"))
	msg := env.Message

	switch {
	case resp.StatusCode == http.StatusAccepted:
		resp.Body.Close()
		release()
		o.afterSend(msg)
		return transport.CompletedExchange(env), nil
	case resp.StatusCode == http.StatusNotFound && o.sessionID() != "":
		resp.Body.Close()
		release()
		o.connected.Store(false)
		return nil, proxyerr.E(proxyerr.ConnectionFailed, op, errors.New("upstream session expired")).WithTarget(o.target.Key())
	case resp.StatusCode >= 400 && mode != protocol.ModeJSON:
		resp.Body.Close()
		release()
		return nil, proxyerr.E(proxyerr.ConnectionFailed, op, fmt.Errorf("upstream returned %s", resp.Status)).WithTarget(o.target.Key())
	}

	if !msg.IsRequest() {
		resp.Body.Close()
		release()
		o.afterSend(msg)
		return transport.CompletedExchange(env), nil
	}

	switch mode {
	case protocol.ModeSSEStream:
		if timer != nil {
			timer.Stop()
		}
		s := &stream{
			o:      o,
			req:    env,
			ctx:    reqCtx,
			events: NewEventStream(resp.Body, o.cfg.opts.MaxMessageSize, o.target.Key()),
		}
		return transport.NewExchange(env, s.next, func() {
			s.close()
			release()
		}), nil

	case protocol.ModeJSON:
		defer release()
		data, err := readBody(resp.Body, o.cfg.opts.MaxMessageSize, o.bufs)
		resp.Body.Close()
		if err != nil {
			return nil, o.requestError(reqCtx, op, err)
		}
		reply, err := o.handler.Deserialize(data)
		if err != nil {
			return nil, err
		}
		if reply.Kind() != jsonrpc.KindResponse || (!reply.ID.Equal(msg.ID) && !reply.ID.IsNil()) {
			return nil, proxyerr.E(proxyerr.ProtocolViolation, op,
				fmt.Errorf("reply id %s does not match request id %s", reply.ID, msg.ID)).WithTarget(o.target.Key())
		}
		out := o.envelope(reply, env, protocol.ModeJSON)
		out.ContentType = resp.Header.Get("Content-Type")
		o.afterResponse(msg, reply)
		return transport.CompletedExchange(env, out), nil

	default:
		defer release()
		data, err := readBody(resp.Body, o.cfg.opts.MaxMessageSize, o.bufs)
		resp.Body.Close()
		if err != nil {
			return nil, o.requestError(reqCtx, op, err)
		}
		out := &protocol.Envelope{
			Raw:         data,
			ContentType: resp.Header.Get("Content-Type"),
			Direction:   protocol.UpstreamToClient,
			SessionID:   o.cfg.session,
			CapturedAt:  time.Now(),
			Mode:        protocol.ModePassthrough,
			ReplyTo:     msg.ID,
		}
		return transport.CompletedExchange(env, out), nil
	}
}

func (o *Outgoing) envelope(msg *jsonrpc.AnyMessage, req *protocol.Envelope, mode protocol.ResponseMode) *protocol.Envelope {
	out := protocol.NewEnvelope(msg, protocol.UpstreamToClient, o.cfg.session)
	out.Mode = mode
	out.ReplyTo = req.Message.ID
	return out
}

func (o *Outgoing) requestError(ctx context.Context, op string, err error) error {
	switch context.Cause(ctx) {
	case errReadTimeout:
		return proxyerr.E(proxyerr.Timeout, op, err).WithTarget(o.target.Key())
	case proxyerr.Closed:
		return proxyerr.E(proxyerr.Closed, op, err).WithTarget(o.target.Key())
	}
	return classify(ctx, op, o.target.Key(), err, proxyerr.ConnectionFailed)
}

func (o *Outgoing) captureSession(resp *http.Response) {
	sid := resp.Header.Get(mcpSessionIDHeader)
	if sid == "" {
		return
	}
	o.mu.Lock()
	if o.upstreamSession != sid {
		o.upstreamSession = sid
		o.log.Info("http.outgoing.session", slog.String("upstream_session", sid))
	}
	o.mu.Unlock()
}

func (o *Outgoing) sessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.upstreamSession
}

// UpstreamSessionID returns the Mcp-Session-Id the upstream assigned, if any.
func (o *Outgoing) UpstreamSessionID() string { return o.sessionID() }

// afterResponse records the negotiated protocol version from an initialize
// result so later requests carry the Mcp-Protocol-Version header.
func (o *Outgoing) afterResponse(req, reply *jsonrpc.AnyMessage) {
	if req.Method != string(mcp.InitializeMethod) || reply.Error != nil {
		return
	}
	var res mcp.InitializeResult
	if err := json.Unmarshal(reply.Result, &res); err != nil || res.ProtocolVersion == "" {
		return
	}
	o.mu.Lock()
	o.protocolVersion = res.ProtocolVersion
	o.mu.Unlock()
}

// afterSend starts the listen stream once the client has completed the
// initialize handshake.
func (o *Outgoing) afterSend(msg *jsonrpc.AnyMessage) {
	if msg.Method != string(mcp.InitializedNotificationMethod) {
		return
	}
	o.mu.Lock()
	o.initialized = true
	o.mu.Unlock()
	o.maybeListen()
}

// OnNotification registers the handler for messages the upstream sends on
// its listen stream. The stream is opened after initialization.
func (o *Outgoing) OnNotification(fn func(*protocol.Envelope)) {
	o.mu.Lock()
	o.notify = fn
	o.mu.Unlock()
	o.maybeListen()
}

func (o *Outgoing) maybeListen() {
	o.mu.Lock()
	start := o.notify != nil && o.initialized && !o.listening && !o.closed.Load()
	if start {
		o.listening = true
		o.wg.Add(1)
	}
	o.mu.Unlock()
	if start {
		go o.listen()
	}
}

// listen holds the GET stream open and hands every message to the
// notification handler until the transport closes.
func (o *Outgoing) listen() {
	defer o.wg.Done()
	ctx := o.closeCtx
	lastID := ""
	for {
		events, err := o.openStream(ctx, lastID)
		if err != nil {
			if ctx.Err() == nil {
				o.log.Warn("http.listen.fail", slog.String("err", err.Error()))
			}
			return
		}
		for {
			ev, err := events.ReceiveEvent(ctx)
			if err != nil {
				if errors.Is(err, proxyerr.MessageTooLarge) {
					o.log.Warn("http.listen.event_too_large")
					continue
				}
				break
			}
			if len(ev.Data) == 0 {
				continue
			}
			msg, err := o.handler.Deserialize(ev.Data)
			if err != nil {
				o.log.Warn("http.listen.invalid", slog.String("err", err.Error()))
				continue
			}
			out := protocol.NewEnvelope(msg, protocol.UpstreamToClient, o.cfg.session)
			out.Mode = protocol.ModeSSEStream
			out.EventID = ev.ID
			o.mu.Lock()
			fn := o.notify
			o.mu.Unlock()
			if fn != nil {
				fn(out)
			}
		}
		lastID = events.LastEventID()
		events.Close()
		if ctx.Err() != nil {
			return
		}
		o.log.Info("http.listen.reconnect", slog.String("last_event_id", lastID))
	}
}

var errStreamUnsupported = errors.New("upstream does not offer a stream at this endpoint")

// openStream issues the GET that opens (or resumes) an SSE stream, retrying
// with exponential backoff and jitter.
func (o *Outgoing) openStream(ctx context.Context, lastID string) (*EventStream, error) {
	const op = "http.outgoing.stream"
	so := o.cfg.stream
	b := &backoff.ExponentialBackOff{
		InitialInterval:     so.InitialBackoff,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          2,
		MaxInterval:         so.MaxBackoff,
	}
	attempt := func() (*http.Response, error) {
		req, err := o.newRequest(ctx, http.MethodGet, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Accept", protocol.EventStreamContentType)
		if lastID != "" {
			req.Header.Set(lastEventIDHeader, lastID)
		}
		resp, err := o.cfg.client.Do(req)
		if err != nil {
			return nil, err
		}
		switch {
		case resp.StatusCode == http.StatusMethodNotAllowed, resp.StatusCode == http.StatusNotFound:
			resp.Body.Close()
			return nil, backoff.Permanent(errStreamUnsupported)
		case resp.StatusCode != http.StatusOK:
			resp.Body.Close()
			return nil, fmt.Errorf("upstream returned %s", resp.Status)
		case protocol.ModeFromContentType(resp.Header.Get("Content-Type")) != protocol.ModeSSEStream:
			resp.Body.Close()
			return nil, backoff.Permanent(errStreamUnsupported)
		}
		return resp, nil
	}
	notify := func(err error, d time.Duration) {
		o.log.Warn("stream.reconnect.fail", slog.String("err", err.Error()), slog.Duration("retry_in", d))
	}
	resp, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(so.MaxAttempts),
		backoff.WithMaxElapsedTime(so.MaxElapsed),
		backoff.WithNotify(notify),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, o.requestError(ctx, op, err)
		}
		return nil, proxyerr.E(proxyerr.StreamInterrupted, op, err).WithTarget(o.target.Key())
	}
	return NewEventStream(resp.Body, o.cfg.opts.MaxMessageSize, o.target.Key()), nil
}

// stream relays one SSE reply, resuming it after interruptions.
type stream struct {
	o      *Outgoing
	req    *protocol.Envelope
	ctx    context.Context
	mu     sync.Mutex
	events *EventStream
}

func (s *stream) next(ctx context.Context) (*protocol.Envelope, error) {
	o := s.o
	for {
		ev, err := s.receive(ctx)
		if err != nil {
			if errors.Is(err, proxyerr.MessageTooLarge) {
				o.log.WarnContext(ctx, "http.stream.event_too_large")
				continue
			}
			if ctx.Err() != nil || s.ctx.Err() != nil {
				if ctx.Err() != nil {
					return nil, transport.ContextError("http.stream", ctx.Err())
				}
				return nil, o.requestError(s.ctx, "http.stream", err)
			}
			if rerr := s.resume(err); rerr != nil {
				return nil, rerr
			}
			continue
		}
		if len(ev.Data) == 0 {
			continue
		}
		msg, err := o.handler.Deserialize(ev.Data)
		if err != nil {
			o.log.WarnContext(ctx, "http.stream.invalid", slog.String("err", err.Error()))
			continue
		}
		out := o.envelope(msg, s.req, protocol.ModeSSEStream)
		out.EventID = ev.ID
		out.ContentType = protocol.EventStreamContentType
		if msg.Kind() == jsonrpc.KindResponse && msg.ID.Equal(s.req.Message.ID) {
			out.Final = true
			o.afterResponse(s.req.Message, msg)
		}
		return out, nil
	}
}

// receive reads one event. Cancelling ctx aborts the underlying body read.
func (s *stream) receive(ctx context.Context) (sse.Event, error) {
	s.mu.Lock()
	events := s.events
	s.mu.Unlock()
	stop := context.AfterFunc(ctx, func() { events.Close() })
	defer stop()
	return events.ReceiveEvent(ctx)
}

// resume reconnects after the stream broke before its final response.
func (s *stream) resume(cause error) error {
	o := s.o
	s.mu.Lock()
	old := s.events
	s.mu.Unlock()
	lastID := old.LastEventID()
	old.Close()
	if lastID == "" {
		return proxyerr.E(proxyerr.StreamInterrupted, "http.stream", fmt.Errorf("stream ended without an event id to resume from: %w", cause)).WithTarget(o.target.Key())
	}
	o.log.Info("stream.reconnect", slog.String("last_event_id", lastID), slog.String("cause", cause.Error()))
	events, err := o.openStream(s.ctx, lastID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.events = events
	s.mu.Unlock()
	return nil
}

func (s *stream) close() {
	s.mu.Lock()
	events := s.events
	s.mu.Unlock()
	events.Close()
}

// SendRequest starts an exchange whose envelopes are delivered through
// ReceiveResponse.
func (o *Outgoing) SendRequest(ctx context.Context, env *protocol.Envelope) error {
	x, err := o.Exchange(ctx, env)
	if err != nil {
		return err
	}
	go func() {
		defer x.Close()
		for {
			out, err := x.Next(o.closeCtx)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					o.push(inboxItem{err: err})
				}
				return
			}
			o.push(inboxItem{env: out})
		}
	}()
	return nil
}

func (o *Outgoing) push(it inboxItem) {
	select {
	case o.inbox <- it:
	case <-o.closeCtx.Done():
	}
}

// ReceiveResponse returns the next envelope produced by a SendRequest call.
func (o *Outgoing) ReceiveResponse(ctx context.Context) (*protocol.Envelope, error) {
	select {
	case it := <-o.inbox:
		return it.env, it.err
	case <-o.closeCtx.Done():
		return nil, proxyerr.E(proxyerr.Closed, "http.outgoing.receive", nil).WithTarget(o.target.Key())
	case <-ctx.Done():
		return nil, transport.ContextError("http.outgoing.receive", ctx.Err())
	}
}

func (o *Outgoing) SessionID() string { return o.cfg.session }

func (o *Outgoing) IsConnected() bool { return o.connected.Load() && !o.closed.Load() }

func (o *Outgoing) Kind() transport.Kind {
	if o.target.Kind == "" {
		return transport.KindHTTP
	}
	return o.target.Kind
}

func (o *Outgoing) ID() string { return o.id }

func (o *Outgoing) Healthy(ctx context.Context) bool { return o.IsConnected() }

// Close stops the listen stream, aborts in-flight streams and ends the
// upstream session with DELETE.
func (o *Outgoing) Close() error {
	if !o.closed.CompareAndSwap(false, true) {
		return nil
	}
	o.connected.Store(false)
	o.closeCancel()
	o.wg.Wait()

	sid := o.sessionID()
	if sid == "" {
		return nil
	}
	ctx, cancel := transport.WithTimeout(context.Background(), o.cfg.opts.WriteTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, o.target.URL, nil)
	if err != nil {
		return nil
	}
	for k, v := range o.target.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set(mcpSessionIDHeader, sid)
	resp, err := o.cfg.client.Do(req)
	if err != nil {
		o.log.Warn("http.outgoing.delete.fail", slog.String("err", err.Error()))
		return nil
	}
	resp.Body.Close()
	o.log.Info("http.outgoing.close", slog.String("conn", o.id), slog.Int("delete_status", resp.StatusCode))
	return nil
}
