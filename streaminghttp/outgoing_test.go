package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/mcp-proxy-go/internal/sse"
	"github.com/ggoodman/mcp-proxy-go/jsonrpc"
	"github.com/ggoodman/mcp-proxy-go/protocol"
	"github.com/ggoodman/mcp-proxy-go/proxyerr"
	"github.com/ggoodman/mcp-proxy-go/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() transport.Options {
	o := transport.DefaultOptions()
	o.ReadTimeout = 5 * time.Second
	o.ChannelCapacity = 8
	return o
}

func fastStream() transport.StreamOptions {
	return transport.StreamOptions{
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		MaxAttempts:    3,
		MaxElapsed:     time.Second,
	}
}

func newTestOutgoing(t *testing.T, url string, opts ...Option) *Outgoing {
	t.Helper()
	opts = append([]Option{WithLogger(discardLogger()), WithOptions(testOptions()), WithStreamOptions(fastStream())}, opts...)
	o := NewOutgoing(transport.Target{Kind: transport.KindHTTP, URL: url}, opts...)
	if err := o.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { o.Close() })
	return o
}

func request(t *testing.T, id any, method string) *protocol.Envelope {
	t.Helper()
	msg, err := jsonrpc.NewRequest(jsonrpc.NewRequestID(id), method, map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	return protocol.NewEnvelope(msg, protocol.ClientToUpstream, "sess")
}

func notification(method string) *protocol.Envelope {
	return protocol.NewEnvelope(&jsonrpc.AnyMessage{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: method}, protocol.ClientToUpstream, "sess")
}

func decodeRequest(t *testing.T, r *http.Request) *jsonrpc.AnyMessage {
	t.Helper()
	var msg jsonrpc.AnyMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		t.Errorf("decode request: %v", err)
	}
	return &msg
}

func writeEvent(w http.ResponseWriter, id string, msg any) {
	b, _ := json.Marshal(msg)
	sse.Write(w, sse.Event{ID: id, Data: b})
}

func result(id *jsonrpc.RequestID, v any) *jsonrpc.AnyMessage {
	res, _ := jsonrpc.NewResultResponse(id, v)
	return res.Message()
}

func drain(t *testing.T, x *transport.Exchange) []*protocol.Envelope {
	t.Helper()
	defer x.Close()
	var out []*protocol.Envelope
	for {
		env, err := x.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, env)
	}
}

func TestOutgoingJSONModeCarriesSessionHeaders(t *testing.T) {
	t.Parallel()

	var deleted atomic.Value
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodDelete:
			deleted.Store(r.Header.Get(mcpSessionIDHeader))
			w.WriteHeader(http.StatusNoContent)
			return
		case http.MethodGet:
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		msg := decodeRequest(t, r)
		n := calls.Add(1)
		if n == 1 {
			w.Header().Set(mcpSessionIDHeader, "up-1")
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(result(msg.ID, map[string]any{"protocolVersion": "2025-03-26"}))
			return
		}
		if got := r.Header.Get(mcpSessionIDHeader); got != "up-1" {
			t.Errorf("session header = %q", got)
		}
		if got := r.Header.Get(mcpProtocolVersionHeader); got != "2025-03-26" {
			t.Errorf("protocol version header = %q", got)
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		json.NewEncoder(w).Encode(result(msg.ID, map[string]any{"n": n}))
	}))
	defer srv.Close()

	o := newTestOutgoing(t, srv.URL)
	x, err := o.Exchange(context.Background(), request(t, 1, "initialize"))
	if err != nil {
		t.Fatal(err)
	}
	envs := drain(t, x)
	if len(envs) != 1 || !envs[0].Final || envs[0].Mode != protocol.ModeJSON {
		t.Fatalf("unexpected envelopes: %+v", envs)
	}
	if o.UpstreamSessionID() != "up-1" {
		t.Fatalf("upstream session = %q", o.UpstreamSessionID())
	}

	x, err = o.Exchange(context.Background(), request(t, 2, "tools/list"))
	if err != nil {
		t.Fatal(err)
	}
	envs = drain(t, x)
	if len(envs) != 1 || !envs[0].ReplyTo.Equal(jsonrpc.NewRequestID(2)) {
		t.Fatalf("unexpected envelopes: %+v", envs)
	}

	if err := o.Close(); err != nil {
		t.Fatal(err)
	}
	if got, _ := deleted.Load().(string); got != "up-1" {
		t.Fatalf("DELETE session = %q", got)
	}
	if o.IsConnected() {
		t.Fatal("still connected after Close")
	}
}

func TestOutgoingNotificationAccepted(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	o := newTestOutgoing(t, srv.URL)
	x, err := o.Exchange(context.Background(), notification("notifications/progress"))
	if err != nil {
		t.Fatal(err)
	}
	if envs := drain(t, x); len(envs) != 0 {
		t.Fatalf("notification produced %d envelopes", len(envs))
	}
}

func TestOutgoingSSEResumesAfterLastEventID(t *testing.T) {
	t.Parallel()

	var resumedFrom atomic.Value
	var reqID atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		switch r.Method {
		case http.MethodPost:
			msg := decodeRequest(t, r)
			reqID.Store(msg.ID)
			w.WriteHeader(http.StatusOK)
			for i, id := range []string{"1", "2", "3"} {
				writeEvent(w, id, &jsonrpc.AnyMessage{
					JSONRPCVersion: jsonrpc.ProtocolVersion,
					Method:         "notifications/progress",
					Params:         json.RawMessage(`{"progress":` + string(rune('1'+i)) + `}`),
				})
			}
		case http.MethodGet:
			resumedFrom.Store(r.Header.Get(lastEventIDHeader))
			w.WriteHeader(http.StatusOK)
			writeEvent(w, "4", result(reqID.Load().(*jsonrpc.RequestID), map[string]any{"done": true}))
		}
	}))
	defer srv.Close()

	o := newTestOutgoing(t, srv.URL)
	x, err := o.Exchange(context.Background(), request(t, "abc", "tools/call"))
	if err != nil {
		t.Fatal(err)
	}
	envs := drain(t, x)
	if len(envs) != 4 {
		t.Fatalf("got %d envelopes, want 4", len(envs))
	}
	for i, env := range envs {
		if want := string(rune('1' + i)); env.EventID != want {
			t.Fatalf("envelope %d has event id %q, want %q", i, env.EventID, want)
		}
		if env.Mode != protocol.ModeSSEStream {
			t.Fatalf("envelope %d mode = %s", i, env.Mode)
		}
	}
	if !envs[3].Final || envs[3].Kind() != jsonrpc.KindResponse {
		t.Fatalf("last envelope is not the final response: %+v", envs[3])
	}
	if got := resumedFrom.Load(); got != "3" {
		t.Fatalf("resume Last-Event-ID = %v, want 3", got)
	}
}

func TestOutgoingSSEWithoutEventIDIsInterrupted(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decodeRequest(t, r)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		writeEvent(w, "", &jsonrpc.AnyMessage{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: "notifications/message"})
	}))
	defer srv.Close()

	o := newTestOutgoing(t, srv.URL)
	x, err := o.Exchange(context.Background(), request(t, 1, "tools/call"))
	if err != nil {
		t.Fatal(err)
	}
	defer x.Close()
	if _, err := x.Next(context.Background()); err != nil {
		t.Fatalf("first event: %v", err)
	}
	_, err = x.Next(context.Background())
	if !errors.Is(err, proxyerr.StreamInterrupted) {
		t.Fatalf("err = %v, want StreamInterrupted", err)
	}
}

func TestOutgoingMismatchedReplyID(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decodeRequest(t, r)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result(jsonrpc.NewRequestID(999), map[string]any{}))
	}))
	defer srv.Close()

	o := newTestOutgoing(t, srv.URL)
	_, err := o.Exchange(context.Background(), request(t, 1, "ping"))
	if !errors.Is(err, proxyerr.ProtocolViolation) {
		t.Fatalf("err = %v, want ProtocolViolation", err)
	}
	if !o.IsConnected() {
		t.Fatal("protocol violation should not disconnect")
	}
}

func TestOutgoingReadTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	opts := testOptions()
	opts.ReadTimeout = 50 * time.Millisecond
	o := newTestOutgoing(t, srv.URL, WithOptions(opts))
	_, err := o.Exchange(context.Background(), request(t, 1, "ping"))
	if !errors.Is(err, proxyerr.Timeout) {
		t.Fatalf("err = %v, want Timeout", err)
	}
}

func TestOutgoingExpiredSessionDisconnects(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		msg := decodeRequest(t, r)
		if calls.Add(1) > 1 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set(mcpSessionIDHeader, "up-1")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result(msg.ID, map[string]any{}))
	}))
	defer srv.Close()

	o := newTestOutgoing(t, srv.URL)
	x, err := o.Exchange(context.Background(), request(t, 1, "initialize"))
	if err != nil {
		t.Fatal(err)
	}
	drain(t, x)

	_, err = o.Exchange(context.Background(), request(t, 2, "ping"))
	if !errors.Is(err, proxyerr.ConnectionFailed) {
		t.Fatalf("err = %v, want ConnectionFailed", err)
	}
	if o.IsConnected() {
		t.Fatal("expired session should disconnect")
	}
	if _, err := o.Exchange(context.Background(), request(t, 3, "ping")); !errors.Is(err, proxyerr.NotConnected) {
		t.Fatalf("err = %v, want NotConnected", err)
	}
}

func TestOutgoingListenStreamAfterInitialized(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusAccepted)
		case http.MethodGet:
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			writeEvent(w, "1", &jsonrpc.AnyMessage{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: "notifications/tools/list_changed"})
			<-r.Context().Done()
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	o := newTestOutgoing(t, srv.URL)
	got := make(chan *protocol.Envelope, 1)
	var once sync.Once
	o.OnNotification(func(env *protocol.Envelope) {
		once.Do(func() { got <- env })
	})
	x, err := o.Exchange(context.Background(), notification("notifications/initialized"))
	if err != nil {
		t.Fatal(err)
	}
	drain(t, x)

	select {
	case env := <-got:
		if env.Method() != "notifications/tools/list_changed" || env.Direction != protocol.UpstreamToClient {
			t.Fatalf("unexpected notification %+v", env)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("listen stream never delivered")
	}
}

func TestOutgoingSendRequestReceiveResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		msg := decodeRequest(t, r)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result(msg.ID, map[string]any{"ok": true}))
	}))
	defer srv.Close()

	o := newTestOutgoing(t, srv.URL)
	if err := o.SendRequest(context.Background(), request(t, 7, "ping")); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	env, err := o.ReceiveResponse(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !env.ID().Equal(jsonrpc.NewRequestID(7)) {
		t.Fatalf("response id = %s", env.ID())
	}
}

func TestConnectRejectsBadURL(t *testing.T) {
	t.Parallel()

	o := NewOutgoing(transport.Target{Kind: transport.KindHTTP, URL: "ftp://nowhere"}, WithLogger(discardLogger()))
	if err := o.Connect(context.Background()); !errors.Is(err, proxyerr.ConnectionFailed) {
		t.Fatalf("err = %v, want ConnectionFailed", err)
	}
}

func TestOutgoingConnectTimeoutBoundsDial(t *testing.T) {
	t.Parallel()

	opts := testOptions()
	opts.ConnectTimeout = 100 * time.Millisecond
	opts.ReadTimeout = time.Minute
	// 10.255.255.1 is non-routable: the SYN goes unanswered.
	o := newTestOutgoing(t, "http://10.255.255.1:81/mcp", WithOptions(opts))

	errc := make(chan error, 1)
	go func() {
		_, err := o.Exchange(context.Background(), request(t, 1, "ping"))
		errc <- err
	}()
	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("exchange with an unreachable upstream succeeded")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("dial still pending 5s after a 100ms connect timeout")
	}
}
