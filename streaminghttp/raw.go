package streaminghttp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/mcp-proxy-go/bufpool"
	"github.com/ggoodman/mcp-proxy-go/internal/sse"
	"github.com/ggoodman/mcp-proxy-go/protocol"
	"github.com/ggoodman/mcp-proxy-go/proxyerr"
	"github.com/ggoodman/mcp-proxy-go/transport"
)

// Response is what an HTTPExchange recorded about the last reply.
type Response struct {
	Status      int
	Header      http.Header
	ContentType string
	Mode        protocol.ResponseMode
	Body        []byte
}

// HTTPExchange is the single-shot raw transport: each Send is one POST and
// the reply body is returned by the following Receive.
type HTTPExchange struct {
	url     string
	headers http.Header
	client  *http.Client
	opts    transport.Options
	bufs    *bufpool.Pool
	log     *slog.Logger

	connected atomic.Bool
	replies   chan *Response

	mu   sync.Mutex
	last *Response
}

var _ transport.Raw = (*HTTPExchange)(nil)

// NewHTTPExchange constructs a raw exchange against endpoint. headers are
// added to every request.
func NewHTTPExchange(endpoint string, headers http.Header, opts ...Option) *HTTPExchange {
	c := newConfig(opts)
	return &HTTPExchange{
		url:     endpoint,
		headers: headers.Clone(),
		client:  c.client,
		opts:    c.opts,
		bufs:    c.bufs.For(string(transport.KindHTTP)),
		log:     c.log,
		replies: make(chan *Response, c.opts.ChannelCapacity),
	}
}

// Connect validates the endpoint. No network traffic happens until Send.
func (x *HTTPExchange) Connect(ctx context.Context) error {
	u, err := url.Parse(x.url)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return proxyerr.E(proxyerr.ConnectionFailed, "http.connect", fmt.Errorf("invalid endpoint %q", x.url)).WithTarget(x.url)
	}
	x.connected.Store(true)
	return nil
}

func (x *HTTPExchange) IsConnected() bool { return x.connected.Load() }

// Send posts data and records the complete reply.
func (x *HTTPExchange) Send(ctx context.Context, data []byte) error {
	const op = "http.send"
	if !x.connected.Load() {
		return proxyerr.E(proxyerr.NotConnected, op, nil).WithTarget(x.url)
	}
	if err := transport.CheckSize(op, data, x.opts.MaxMessageSize); err != nil {
		return err
	}
	ctx, cancel := transport.WithTimeout(ctx, x.opts.ReadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, x.url, bytes.NewReader(data))
	if err != nil {
		return proxyerr.E(proxyerr.ConnectionFailed, op, err).WithTarget(x.url)
	}
	for k, vs := range x.headers {
		req.Header[k] = vs
	}
	req.Header.Set("Content-Type", protocol.JSONContentType)

	resp, err := x.client.Do(req)
	if err != nil {
		return classify(ctx, op, x.url, err, proxyerr.ConnectionFailed)
	}
	defer resp.Body.Close()

	body, err := readBody(resp.Body, x.opts.MaxMessageSize, x.bufs)
	if err != nil {
		return classify(ctx, op, x.url, err, proxyerr.StreamInterrupted)
	}
	r := &Response{
		Status:      resp.StatusCode,
		Header:      resp.Header,
		ContentType: resp.Header.Get("Content-Type"),
		Mode:        protocol.ModeFromContentType(resp.Header.Get("Content-Type")),
		Body:        body,
	}
	x.mu.Lock()
	x.last = r
	x.mu.Unlock()
	select {
	case x.replies <- r:
		return nil
	case <-ctx.Done():
		return transport.ContextError(op, ctx.Err())
	}
}

// Receive returns the body of the next recorded reply.
func (x *HTTPExchange) Receive(ctx context.Context) ([]byte, error) {
	select {
	case r := <-x.replies:
		return r.Body, nil
	case <-ctx.Done():
		return nil, transport.ContextError("http.receive", ctx.Err())
	}
}

// LastResponse returns the status, headers and body of the latest reply.
func (x *HTTPExchange) LastResponse() *Response {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.last
}

func (x *HTTPExchange) Close() error {
	x.connected.Store(false)
	return nil
}

// EventStream is the raw transport over a live text/event-stream body. It is
// receive-only.
type EventStream struct {
	body      io.ReadCloser
	reader    *sse.Reader
	name      string
	connected atomic.Bool
	closeOnce sync.Once
}

var _ transport.Raw = (*EventStream)(nil)

// NewEventStream wraps an SSE response body. maxSize bounds one event.
func NewEventStream(body io.ReadCloser, maxSize int, name string) *EventStream {
	s := &EventStream{body: body, reader: sse.NewReader(body, maxSize), name: name}
	s.connected.Store(true)
	return s
}

func (s *EventStream) Connect(ctx context.Context) error {
	if !s.connected.Load() {
		return proxyerr.E(proxyerr.Closed, "sse.connect", nil).WithTarget(s.name)
	}
	return nil
}

func (s *EventStream) IsConnected() bool { return s.connected.Load() }

func (s *EventStream) Send(ctx context.Context, data []byte) error {
	return proxyerr.E(proxyerr.ProtocolViolation, "sse.send", errors.New("event streams are receive-only")).WithTarget(s.name)
}

// Receive returns the data of the next event.
func (s *EventStream) Receive(ctx context.Context) ([]byte, error) {
	ev, err := s.ReceiveEvent(ctx)
	if err != nil {
		return nil, err
	}
	return ev.Data, nil
}

// ReceiveEvent returns the next complete event. A clean end of stream is
// ConnectionFailed wrapping io.EOF; a stream cut mid-event is
// StreamInterrupted. Oversized events are skipped with MessageTooLarge and
// the stream stays usable.
func (s *EventStream) ReceiveEvent(ctx context.Context) (sse.Event, error) {
	const op = "sse.receive"
	if err := ctx.Err(); err != nil {
		return sse.Event{}, transport.ContextError(op, err)
	}
	ev, err := s.reader.Next()
	switch {
	case err == nil:
		return ev, nil
	case errors.Is(err, sse.ErrEventTooLarge):
		return sse.Event{}, proxyerr.E(proxyerr.MessageTooLarge, op, err).WithTarget(s.name)
	case errors.Is(err, io.EOF):
		s.connected.Store(false)
		return sse.Event{}, proxyerr.E(proxyerr.ConnectionFailed, op, err).WithTarget(s.name)
	default:
		s.connected.Store(false)
		if cerr := ctx.Err(); cerr != nil {
			return sse.Event{}, transport.ContextError(op, cerr)
		}
		return sse.Event{}, proxyerr.E(proxyerr.StreamInterrupted, op, err).WithTarget(s.name)
	}
}

// LastEventID is the id to resume from after an interruption.
func (s *EventStream) LastEventID() string { return s.reader.LastEventID() }

func (s *EventStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.connected.Store(false)
		err = s.body.Close()
	})
	return err
}

// readBody reads at most limit bytes through a pooled buffer.
func readBody(r io.Reader, limit int, pool *bufpool.Pool) ([]byte, error) {
	buf := pool.Get()
	defer pool.Put(buf)
	if limit > 0 {
		r = io.LimitReader(r, int64(limit)+1)
	}
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	if limit > 0 && buf.Len() > limit {
		return nil, proxyerr.E(proxyerr.MessageTooLarge, "http.read", fmt.Errorf("body exceeds limit of %d bytes", limit))
	}
	return append([]byte(nil), buf.Bytes()...), nil
}

// classify maps a client or body-read failure onto an error kind. Deadline
// expiry is a Timeout; anything else on an established exchange is fallback.
func classify(ctx context.Context, op, target string, err error, fallback proxyerr.Kind) error {
	var perr *proxyerr.Error
	if errors.As(err, &perr) {
		return perr.WithTarget(target)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return proxyerr.E(proxyerr.Timeout, op, err).WithTarget(target)
	}
	return proxyerr.E(fallback, op, err).WithTarget(target)
}
