package streaminghttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/ggoodman/mcp-proxy-go/internal/logctx"
	"github.com/ggoodman/mcp-proxy-go/internal/sse"
	"github.com/ggoodman/mcp-proxy-go/jsonrpc"
	"github.com/ggoodman/mcp-proxy-go/mcp"
	"github.com/ggoodman/mcp-proxy-go/protocol"
	"github.com/ggoodman/mcp-proxy-go/proxyerr"
	"github.com/ggoodman/mcp-proxy-go/transport"
)

var (
	jsonMediaType        = contenttype.NewMediaType(protocol.JSONContentType)
	eventStreamMediaType = contenttype.NewMediaType(protocol.EventStreamContentType)
)

var (
	_ http.Handler       = (*Server)(nil)
	_ transport.Listener = (*Server)(nil)
)

// lockedWriteFlusher serializes writes and flushes to one response and stops
// writing once the request context is done.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ctx.Err(); err != nil {
		return 0, err
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// writeJSONError emits a transport-level rejection before any JSON-RPC
// exchange is possible.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", protocol.JSONContentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// writeRPCError answers with a JSON-RPC error response.
func writeRPCError(w http.ResponseWriter, status int, id *jsonrpc.RequestID, err error) {
	w.Header().Set("Content-Type", protocol.JSONContentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(protocol.ErrorResponse(id, err))
}

// Server is the client-facing streamable HTTP endpoint. It is an
// http.Handler and a transport.Listener: every initialize POST creates a
// session whose Incoming is handed out by Accept.
type Server struct {
	cfg     *config
	log     *slog.Logger
	router  chi.Router
	batches *protocol.Handler

	mu       sync.Mutex
	sessions map[string]*Incoming

	accept    chan *Incoming
	closed    chan struct{}
	closeOnce sync.Once
}

// NewServer builds the handler. The MCP endpoint is served at "/"; mount the
// server under the desired path.
func NewServer(opts ...Option) *Server {
	c := newConfig(opts)
	s := &Server{
		cfg:      c,
		log:      c.log,
		batches:  protocol.NewHandler(protocol.WithMaxMessageSize(c.opts.MaxMessageSize), protocol.WithBatching(true)),
		sessions: make(map[string]*Incoming),
		accept:   make(chan *Incoming, c.opts.ChannelCapacity),
		closed:   make(chan struct{}),
	}
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID, chiMiddleware.Recoverer)
	r.Post("/", s.handlePost)
	r.Get("/", s.handleGet)
	r.Delete("/", s.handleDelete)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// Accept returns the Incoming of the next newly initialized session.
func (s *Server) Accept(ctx context.Context) (transport.Incoming, error) {
	select {
	case in := <-s.accept:
		return in, nil
	case <-s.closed:
		return nil, proxyerr.E(proxyerr.Closed, "http.server.accept", nil)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) Kind() transport.Kind { return transport.KindHTTP }

// Sessions returns the number of live sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close ends every session and stops accepting new ones.
func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	s.mu.Lock()
	live := make([]*Incoming, 0, len(s.sessions))
	for _, in := range s.sessions {
		live = append(live, in)
	}
	s.mu.Unlock()
	for _, in := range live {
		in.Close()
	}
	return nil
}

func (s *Server) lookup(id string) *Incoming {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

func (s *Server) forget(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// clientCapabilities derives what the client can receive from its Accept
// header. An absent header accepts anything.
func clientCapabilities(r *http.Request) protocol.Capabilities {
	if r.Header.Get("Accept") == "" {
		return protocol.AcceptsJSON | protocol.AcceptsEventStream
	}
	var caps protocol.Capabilities
	if _, _, err := contenttype.GetAcceptableMediaType(r, []contenttype.MediaType{jsonMediaType}); err == nil {
		caps |= protocol.AcceptsJSON
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, []contenttype.MediaType{eventStreamMediaType}); err == nil {
		caps |= protocol.AcceptsEventStream
	}
	return caps
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	s.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		s.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	limit := s.cfg.opts.MaxMessageSize
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(limit)))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeRPCError(w, http.StatusRequestEntityTooLarge, nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeMessageTooLarge, Message: "request body exceeds size limit"})
			s.log.WarnContext(ctx, "http.post.too_large", slog.Int("limit", limit))
			return
		}
		writeJSONError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	var in *Incoming
	if sessID != "" {
		if in = s.lookup(sessID); in == nil {
			writeJSONError(w, http.StatusNotFound, "session not found")
			s.log.InfoContext(ctx, "session.load.miss")
			return
		}
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: in.id, ClientKind: string(transport.KindHTTP), ProtocolVersion: in.ProtocolVersion()})
		if pv := r.Header.Get(mcpProtocolVersionHeader); pv != "" && in.ProtocolVersion() != "" && pv != in.ProtocolVersion() {
			writeJSONError(w, http.StatusBadRequest, "protocol version mismatch")
			s.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
			return
		}
	}

	var msgs []*jsonrpc.AnyMessage
	if jsonrpc.IsBatch(body) {
		if in == nil || !in.Capabilities().Has(protocol.SupportsBatch) {
			writeJSONError(w, http.StatusBadRequest, "JSON-RPC batch arrays are not supported for this session's protocol version")
			s.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
			return
		}
		msgs, _, err = s.batches.DeserializeBatch(body)
	} else {
		var msg *jsonrpc.AnyMessage
		msg, err = s.cfg.handler.Deserialize(body)
		msgs = []*jsonrpc.AnyMessage{msg}
	}
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, nil, err)
		s.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	isInit := len(msgs) == 1 && msgs[0].IsRequest() && msgs[0].Method == string(mcp.InitializeMethod)
	switch {
	case in == nil && !isInit:
		writeJSONError(w, http.StatusBadRequest, "expected initialize request")
		s.log.InfoContext(ctx, "session.initialize.invalid")
		return
	case in != nil && isInit && in.ProtocolVersion() != "":
		// A session whose negotiation failed may retry initialize.
		writeJSONError(w, http.StatusConflict, "session already initialized")
		s.log.WarnContext(ctx, "session.initialize.redundant")
		return
	case in == nil:
		if in, err = s.createSession(ctx, r); err != nil {
			writeJSONError(w, http.StatusServiceUnavailable, "server is not accepting sessions")
			s.log.WarnContext(ctx, "session.create.fail", slog.String("err", err.Error()))
			return
		}
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: in.id, ClientKind: string(transport.KindHTTP)})
		w.Header().Set(mcpSessionIDHeader, in.id)
	}

	var ids []*jsonrpc.RequestID
	for _, m := range msgs {
		if m.IsRequest() {
			ids = append(ids, m.ID)
		}
	}
	var wt *waiter
	if len(ids) > 0 {
		if wt, err = in.register(ids); err != nil {
			writeRPCError(w, http.StatusConflict, nil, err)
			return
		}
		defer in.unregister(wt)
	}

	for _, m := range msgs {
		env := protocol.NewEnvelope(m, protocol.ClientToUpstream, in.id)
		if err := in.enqueue(ctx, env); err != nil {
			writeJSONError(w, http.StatusServiceUnavailable, "session closed")
			return
		}
	}
	if wt == nil {
		if pv := in.ProtocolVersion(); pv != "" {
			w.Header().Set(mcpProtocolVersionHeader, pv)
		}
		w.WriteHeader(http.StatusAccepted)
		s.log.InfoContext(ctx, "http.post.accepted", slog.Duration("dur", time.Since(start)))
		return
	}

	rw := &replyWriter{
		srv:     s,
		in:      in,
		w:       w,
		caps:    clientCapabilities(r),
		pending: make(map[string]bool, len(ids)),
		batch:   jsonrpc.IsBatch(body),
		init:    isInit,
	}
	for _, id := range ids {
		rw.pending[id.Key()] = true
	}
	if err := rw.run(ctx, wt); err != nil {
		s.log.WarnContext(ctx, "http.post.reply.fail", slog.String("err", err.Error()))
		return
	}
	s.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)), slog.String("mode", rw.mode.String()))
}

func (s *Server) createSession(ctx context.Context, r *http.Request) (*Incoming, error) {
	in := newIncoming(s, uuid.NewString(), clientCapabilities(r))
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil, proxyerr.E(proxyerr.Closed, "http.server.session", nil)
	default:
	}
	s.sessions[in.id] = in
	s.mu.Unlock()

	select {
	case s.accept <- in:
		s.log.InfoContext(ctx, "session.create.ok", slog.String("session_id", in.id))
		return in, nil
	case <-ctx.Done():
	case <-s.closed:
	}
	in.Close()
	return nil, proxyerr.E(proxyerr.Closed, "http.server.session", nil)
}

// replyWriter turns the envelopes answering one POST into an HTTP response.
// A single JSON reply is written as application/json; anything streamed by
// the upstream is relayed as SSE when the client accepts it.
type replyWriter struct {
	srv     *Server
	in      *Incoming
	w       http.ResponseWriter
	caps    protocol.Capabilities
	pending map[string]bool
	batch   bool
	init    bool

	mode      protocol.ResponseMode
	wf        *lockedWriteFlusher
	collected []*jsonrpc.AnyMessage
}

func (rw *replyWriter) run(ctx context.Context, wt *waiter) error {
	for len(rw.pending) > 0 {
		select {
		case env := <-wt.ch:
			if err := rw.deliver(ctx, env); err != nil {
				return err
			}
		case <-rw.in.closed:
			if rw.wf == nil && len(rw.collected) == 0 {
				writeJSONError(rw.w, http.StatusNotFound, "session closed")
			}
			return proxyerr.E(proxyerr.Closed, "http.post.reply", nil).WithSession(rw.in.id)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if rw.wf == nil {
		return rw.writeJSON()
	}
	return nil
}

func (rw *replyWriter) deliver(ctx context.Context, env *protocol.Envelope) error {
	final := env.Final
	if env.Message != nil && env.Message.Kind() == jsonrpc.KindResponse {
		final = true
		if rw.init && env.Message.Error == nil {
			var res mcp.InitializeResult
			if json.Unmarshal(env.Message.Result, &res) == nil && res.ProtocolVersion != "" {
				rw.in.setProtocolVersion(res.ProtocolVersion)
			}
		}
	}
	if final {
		id := env.ReplyTo
		if id == nil && env.Message != nil {
			id = env.Message.ID
		}
		if id != nil {
			delete(rw.pending, id.Key())
		}
	}

	if env.Message == nil {
		// A passthrough body can only be relayed verbatim as the whole reply
		// to a single request.
		if !rw.batch && rw.wf == nil && final {
			rw.setCommonHeaders()
			rw.w.Header().Set("Content-Type", env.ContentType)
			rw.w.WriteHeader(http.StatusOK)
			_, err := rw.w.Write(env.Raw)
			rw.mode = protocol.ModePassthrough
			return err
		}
		env = env.WithMessage(protocol.ErrorResponse(env.ReplyTo, &jsonrpc.Error{
			Code:    jsonrpc.ErrorCodeInternalError,
			Message: "upstream returned unsupported content type " + env.ContentType,
		}))
	}

	streaming := rw.wf != nil || (env.Mode == protocol.ModeSSEStream && !final) || env.Message.Kind() != jsonrpc.KindResponse
	if streaming && rw.caps.Has(protocol.AcceptsEventStream) {
		return rw.writeEvent(ctx, env)
	}
	if env.Message.Kind() == jsonrpc.KindResponse {
		rw.collected = append(rw.collected, env.Message)
	} else {
		rw.srv.log.DebugContext(ctx, "http.post.drop_interim", slog.String("method", env.Method()))
	}
	return nil
}

func (rw *replyWriter) setCommonHeaders() {
	if pv := rw.in.ProtocolVersion(); pv != "" {
		rw.w.Header().Set(mcpProtocolVersionHeader, pv)
	}
}

func (rw *replyWriter) writeEvent(ctx context.Context, env *protocol.Envelope) error {
	if rw.wf == nil {
		f, ok := rw.w.(http.Flusher)
		if !ok {
			return errors.New("response writer cannot flush")
		}
		rw.setCommonHeaders()
		h := rw.w.Header()
		h.Set("Content-Type", protocol.EventStreamContentType)
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		rw.w.WriteHeader(http.StatusOK)
		rw.wf = &lockedWriteFlusher{Writer: rw.w, Flusher: f, ctx: ctx}
		rw.mode = protocol.ModeSSEStream
		for _, m := range rw.collected {
			if err := rw.writeMessage(m); err != nil {
				return err
			}
		}
		rw.collected = nil
	}
	return rw.writeMessage(env.Message)
}

func (rw *replyWriter) writeMessage(m *jsonrpc.AnyMessage) error {
	b, err := json.Marshal(m)
	if err != nil {
		return proxyerr.E(proxyerr.SerializationError, "http.post.reply", err)
	}
	return sse.Write(rw.wf, sse.Event{ID: rw.in.nextEventID(), Data: b})
}

func (rw *replyWriter) writeJSON() error {
	rw.setCommonHeaders()
	rw.mode = protocol.ModeJSON
	var payload any = rw.collected
	if !rw.batch && len(rw.collected) == 1 {
		payload = rw.collected[0]
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return proxyerr.E(proxyerr.SerializationError, "http.post.reply", err)
	}
	rw.w.Header().Set("Content-Type", protocol.JSONContentType)
	rw.w.WriteHeader(http.StatusOK)
	_, err := rw.w.Write(buf.Bytes())
	return err
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, []contenttype.MediaType{eventStreamMediaType}); err != nil {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		s.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}
	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		s.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		w.WriteHeader(http.StatusBadRequest)
		s.log.WarnContext(ctx, "session.id.missing")
		return
	}
	in := s.lookup(sessID)
	if in == nil {
		w.WriteHeader(http.StatusNotFound)
		s.log.InfoContext(ctx, "session.load.miss")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: in.id, ClientKind: string(transport.KindHTTP), ProtocolVersion: in.ProtocolVersion()})

	ch, ok := in.openListen()
	if !ok {
		writeJSONError(w, http.StatusConflict, "a listen stream is already open for this session")
		s.log.WarnContext(ctx, "sse.stream.duplicate")
		return
	}
	defer in.closeListen(ch)
	if lastID := r.Header.Get(lastEventIDHeader); lastID != "" {
		s.log.InfoContext(ctx, "sse.stream.resume_unsupported", slog.String("last_event_id", lastID))
	}

	if pv := in.ProtocolVersion(); pv != "" {
		w.Header().Set(mcpProtocolVersionHeader, pv)
	}
	w.Header().Set("Content-Type", protocol.EventStreamContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	wf.Flush()
	s.log.InfoContext(ctx, "sse.stream.start")

	for {
		select {
		case env := <-ch:
			b, err := json.Marshal(env.Message)
			if err != nil {
				s.log.ErrorContext(ctx, "sse.marshal.fail", slog.String("err", err.Error()))
				continue
			}
			if err := sse.Write(wf, sse.Event{ID: in.nextEventID(), Data: b}); err != nil {
				s.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				return
			}
		case <-in.closed:
			s.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
			return
		case <-ctx.Done():
			s.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
			return
		}
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		s.log.WarnContext(ctx, "delete.missing_session_id")
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	in := s.lookup(sessID)
	if in == nil {
		s.log.InfoContext(ctx, "session.delete.miss")
		w.WriteHeader(http.StatusNotFound)
		return
	}
	in.Close()
	w.WriteHeader(http.StatusNoContent)
	s.log.InfoContext(ctx, "http.delete.ok", slog.String("session_id", sessID))
}
