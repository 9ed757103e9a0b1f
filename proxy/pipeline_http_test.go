package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-proxy-go/factory"
	"github.com/ggoodman/mcp-proxy-go/internal/sse"
	"github.com/ggoodman/mcp-proxy-go/jsonrpc"
	"github.com/ggoodman/mcp-proxy-go/pool"
	"github.com/ggoodman/mcp-proxy-go/sessions"
	"github.com/ggoodman/mcp-proxy-go/transport"
)

// streamingUpstream answers initialize with JSON and tools/call with a two
// event SSE stream: a progress notification followed by the result.
func streamingUpstream(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
			return
		case http.MethodGet:
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var msg jsonrpc.AnyMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Errorf("upstream decode: %v", err)
			return
		}
		if msg.ID == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		switch msg.Method {
		case "initialize":
			var p struct {
				ProtocolVersion string `json:"protocolVersion"`
			}
			json.Unmarshal(msg.Params, &p)
			res, _ := jsonrpc.NewResultResponse(msg.ID, map[string]any{"protocolVersion": p.ProtocolVersion, "capabilities": map[string]any{}})
			w.Header().Set("Mcp-Session-Id", "up-1")
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(res)
		default:
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			progress, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "method": "notifications/progress", "params": map[string]any{"progress": 1}})
			sse.Write(w, sse.Event{ID: "1", Data: progress})
			w.(http.Flusher).Flush()
			res, _ := jsonrpc.NewResultResponse(msg.ID, map[string]any{"ok": true})
			b, _ := json.Marshal(res)
			sse.Write(w, sse.Event{ID: "2", Data: b})
		}
	}))
}

func TestHTTPSessionRelaysStream(t *testing.T) {
	t.Parallel()

	up := streamingUpstream(t)
	defer up.Close()

	f := factory.New(factory.WithLogger(quiet()))
	conns := pool.NewManager(f.Dial, pool.WithManagerLogger(quiet()))
	defer conns.Close()
	listener, err := f.Listener(transport.KindHTTP)
	if err != nil {
		t.Fatal(err)
	}
	front := httptest.NewServer(listener.(http.Handler))
	defer front.Close()

	store := newRecordingStore()
	p := New(listener, transport.Target{Kind: transport.KindHTTP, URL: up.URL}, conns,
		WithStore(store), WithLogger(quiet()))
	served := make(chan error, 1)
	go func() { served <- p.Serve(context.Background()) }()

	post := func(session, body string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(http.MethodPost, front.URL, strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json, text/event-stream")
		if session != "" {
			req.Header.Set("Mcp-Session-Id", session)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := post("", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"t","version":"1"}}}`)
	sid := resp.Header.Get("Mcp-Session-Id")
	if resp.StatusCode != http.StatusOK || sid == "" {
		t.Fatalf("initialize status=%d session=%q", resp.StatusCode, sid)
	}
	var initResp jsonrpc.AnyMessage
	if err := json.NewDecoder(resp.Body).Decode(&initResp); err != nil || initResp.Error != nil {
		t.Fatalf("initialize reply %+v: %v", initResp, err)
	}
	rec, err := store.Get(context.Background(), sid)
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != sessions.Active || rec.UpstreamSessionID != "up-1" || rec.ClientKind != transport.KindHTTP {
		t.Fatalf("record = state %s upstream session %q kind %s", rec.State, rec.UpstreamSessionID, rec.ClientKind)
	}

	resp = post(sid, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"x"}}`)
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}
	r := sse.NewReader(resp.Body, 1<<20)
	var got []*jsonrpc.AnyMessage
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal(ev.Data, &msg); err != nil {
			t.Fatal(err)
		}
		got = append(got, &msg)
	}
	if len(got) != 2 || got[0].Method != "notifications/progress" || got[1].ID.String() != "2" {
		t.Fatalf("relayed %d events", len(got))
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		hist := store.history(sid)
		if i := slices.Index(hist, sessions.Streaming); i > 0 && hist[len(hist)-1] == sessions.Active {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("history = %v, want a Streaming episode ending Active", hist)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if last, err := store.GetLastEventID(context.Background(), sid); err != nil || last != "2" {
		t.Fatalf("last event id = %q, %v", last, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if err := <-served; err != nil {
		t.Fatal(err)
	}
	if rec := store.lastWritten(sid); rec.State != sessions.Closed {
		t.Fatalf("last record after shutdown = state %s", rec.State)
	}
	if _, err := store.Get(ctx, sid); !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("closed session still stored: %v", err)
	}
}

func TestHTTPSessionRetriesInitializeAfterFailedNegotiation(t *testing.T) {
	t.Parallel()

	up := streamingUpstream(t)
	defer up.Close()

	f := factory.New(factory.WithLogger(quiet()))
	conns := pool.NewManager(f.Dial, pool.WithManagerLogger(quiet()))
	defer conns.Close()
	listener, err := f.Listener(transport.KindHTTP)
	if err != nil {
		t.Fatal(err)
	}
	front := httptest.NewServer(listener.(http.Handler))
	defer front.Close()

	store := newRecordingStore()
	p := New(listener, transport.Target{Kind: transport.KindHTTP, URL: up.URL}, conns,
		WithStore(store), WithLogger(quiet()))
	go p.Serve(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.Shutdown(ctx)
	}()

	initialize := func(session, version string) (*http.Response, *jsonrpc.AnyMessage) {
		t.Helper()
		body := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"` + version + `","capabilities":{},"clientInfo":{"name":"t","version":"1"}}}`
		req, err := http.NewRequest(http.MethodPost, front.URL, strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json, text/event-stream")
		if session != "" {
			req.Header.Set("Mcp-Session-Id", session)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("initialize %s status = %d", version, resp.StatusCode)
		}
		var msg jsonrpc.AnyMessage
		if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
			t.Fatal(err)
		}
		return resp, &msg
	}

	resp, msg := initialize("", "2099-01-01")
	sid := resp.Header.Get("Mcp-Session-Id")
	if msg.Error == nil || msg.Error.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("unsupported version reply = %+v", msg)
	}
	if rec, err := store.Get(context.Background(), sid); err != nil || rec.State != sessions.Idle {
		t.Fatalf("record after failed negotiation = %+v, %v", rec, err)
	}

	resp, msg = initialize(sid, "2025-06-18")
	if msg.Error != nil {
		t.Fatalf("retried initialize: %+v", msg.Error)
	}
	if got := resp.Header.Get("Mcp-Protocol-Version"); got != "2025-06-18" {
		t.Fatalf("protocol version header = %q", got)
	}
	if rec, err := store.Get(context.Background(), sid); err != nil || rec.State != sessions.Active {
		t.Fatalf("record after retry = %+v, %v", rec, err)
	}
	active, err := p.Active(context.Background())
	if err != nil || len(active) != 1 {
		t.Fatalf("active sessions = %d, %v", len(active), err)
	}
}
