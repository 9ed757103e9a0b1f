package outbound

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/mcp-proxy-go/jsonrpc"
	"github.com/ggoodman/mcp-proxy-go/proxyerr"
)

func TestDispatcherRoutesByID(t *testing.T) {
	t.Parallel()

	d := New()
	a, err := d.Register(jsonrpc.NewRequestID(1))
	if err != nil {
		t.Fatal(err)
	}
	b, err := d.Register(jsonrpc.NewRequestID("1"))
	if err != nil {
		t.Fatal(err)
	}

	respB, _ := jsonrpc.NewResultResponse(jsonrpc.NewRequestID("1"), "b")
	respA, _ := jsonrpc.NewResultResponse(jsonrpc.NewRequestID(1), "a")
	if !d.OnResponse(respB.Message()) || !d.OnResponse(respA.Message()) {
		t.Fatalf("responses should match waiters")
	}

	ctx := context.Background()
	gotA, err := a.Wait(ctx)
	if err != nil || string(gotA.Result) != `"a"` {
		t.Fatalf("a: %v %v", gotA, err)
	}
	gotB, err := b.Wait(ctx)
	if err != nil || string(gotB.Result) != `"b"` {
		t.Fatalf("b: %v %v", gotB, err)
	}
	if d.OnResponse(respA.Message()) {
		t.Fatalf("duplicate response must be unmatched")
	}
}

func TestDispatcherDuplicateRegistration(t *testing.T) {
	t.Parallel()

	d := New()
	if _, err := d.Register(jsonrpc.NewRequestID(3)); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Register(jsonrpc.NewRequestID(3)); !errors.Is(err, proxyerr.ProtocolViolation) {
		t.Fatalf("expected ProtocolViolation, got %v", err)
	}
}

func TestDispatcherCloseFailsPending(t *testing.T) {
	t.Parallel()

	d := New()
	c, _ := d.Register(jsonrpc.NewRequestID(1))
	boom := proxyerr.E(proxyerr.ConnectionFailed, "test", nil)
	d.Close(boom)
	if _, err := c.Wait(context.Background()); !errors.Is(err, proxyerr.ConnectionFailed) {
		t.Fatalf("expected ConnectionFailed, got %v", err)
	}
	if _, err := d.Register(jsonrpc.NewRequestID(2)); !errors.Is(err, proxyerr.ConnectionFailed) {
		t.Fatalf("register after close should fail with close error, got %v", err)
	}
}

func TestDispatcherContextCancel(t *testing.T) {
	t.Parallel()

	d := New()
	c, _ := d.Register(jsonrpc.NewRequestID(1))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	if d.Pending() != 0 {
		t.Fatalf("cancelled waiter should be removed")
	}
}

func TestDispatcherRemoteCancel(t *testing.T) {
	t.Parallel()

	d := New()
	c, _ := d.Register(jsonrpc.NewRequestID(9))
	n, _ := jsonrpc.NewRequest(nil, "notifications/cancelled", map[string]any{"requestId": 9, "reason": "user"})
	if !d.OnNotification(n) {
		t.Fatalf("cancel notification should be consumed")
	}
	if _, err := c.Wait(context.Background()); !errors.Is(err, ErrRemoteCancelled) {
		t.Fatalf("expected ErrRemoteCancelled, got %v", err)
	}
}
