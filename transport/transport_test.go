package transport

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/ggoodman/mcp-proxy-go/jsonrpc"
	"github.com/ggoodman/mcp-proxy-go/protocol"
	"github.com/ggoodman/mcp-proxy-go/proxyerr"
)

func TestParseKind(t *testing.T) {
	t.Parallel()

	cases := map[string]Kind{"stdio": KindStdio, " HTTP ": KindHTTP, "streamable-http": KindHTTP, "sse": KindSSE}
	for in, want := range cases {
		got, ok := ParseKind(in)
		if !ok || got != want {
			t.Fatalf("ParseKind(%q) = %q, %v", in, got, ok)
		}
	}
	if _, ok := ParseKind("websocket"); ok {
		t.Fatalf("unknown kind accepted")
	}
}

func TestTargetKeys(t *testing.T) {
	t.Parallel()

	a := Target{Kind: KindHTTP, URL: "https://tools.example.com:8443/mcp"}
	b := Target{Kind: KindHTTP, URL: "https://tools.example.com:8443/other"}
	if a.Origin() != b.Origin() || a.Origin() != "https://tools.example.com:8443" {
		t.Fatalf("origins differ: %q %q", a.Origin(), b.Origin())
	}
	if a.Key() == b.Key() {
		t.Fatalf("keys should include the path")
	}
	s := Target{Kind: KindStdio, Command: "server", Args: []string{"--flag"}}
	if s.Key() != "stdio:server --flag" {
		t.Fatalf("stdio key = %q", s.Key())
	}
}

func TestCompletedExchange(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	req := protocol.NewEnvelope(&jsonrpc.AnyMessage{JSONRPCVersion: "2.0", Method: "ping", ID: jsonrpc.NewRequestID(1)}, protocol.ClientToUpstream, "s")
	resp, _ := jsonrpc.NewResultResponse(jsonrpc.NewRequestID(1), map[string]any{})
	x := CompletedExchange(req, protocol.NewEnvelope(resp.Message(), protocol.UpstreamToClient, "s"))

	env, err := x.Next(ctx)
	if err != nil || !env.Final {
		t.Fatalf("expected final envelope, got %+v %v", env, err)
	}
	if _, err := x.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}

	empty := CompletedExchange(req)
	if _, err := empty.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("notification exchange should be empty, got %v", err)
	}
}

func TestExchangeCloseOnce(t *testing.T) {
	t.Parallel()

	closed := 0
	x := NewExchange(nil, func(context.Context) (*protocol.Envelope, error) {
		return &protocol.Envelope{Final: true}, nil
	}, func() { closed++ })
	if _, err := x.Next(context.Background()); err != nil {
		t.Fatal(err)
	}
	x.Close()
	if closed != 1 {
		t.Fatalf("close ran %d times", closed)
	}
}

func TestCheckSizeAndContextError(t *testing.T) {
	t.Parallel()

	if err := CheckSize("op", make([]byte, 4), 4); err != nil {
		t.Fatalf("limit is inclusive: %v", err)
	}
	if err := CheckSize("op", make([]byte, 5), 4); !errors.Is(err, proxyerr.MessageTooLarge) {
		t.Fatalf("expected MessageTooLarge, got %v", err)
	}
	if err := ContextError("op", context.DeadlineExceeded); !errors.Is(err, proxyerr.Timeout) {
		t.Fatalf("expected Timeout, got %v", err)
	}
	if err := ContextError("op", context.Canceled); !errors.Is(err, context.Canceled) || errors.Is(err, proxyerr.Timeout) {
		t.Fatalf("cancellation must pass through, got %v", err)
	}
}
