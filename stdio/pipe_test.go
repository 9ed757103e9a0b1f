package stdio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-proxy-go/bufpool"
	"github.com/ggoodman/mcp-proxy-go/proxyerr"
	"github.com/ggoodman/mcp-proxy-go/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions(limit int) transport.Options {
	o := transport.DefaultOptions()
	o.MaxMessageSize = limit
	o.ReadTimeout = 5 * time.Second
	o.WriteTimeout = time.Second
	o.ChannelCapacity = 8
	return o
}

type syncBuffer struct {
	ch chan []byte
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.ch <- append([]byte(nil), p...)
	return len(p), nil
}

func TestPipeReceiveOversizedFrameKeepsPipeUsable(t *testing.T) {
	t.Parallel()

	const limit = 32
	pr, pw := io.Pipe()
	bufs := bufpool.NewRegistry()
	p := NewPipe(WithIO(pr, io.Discard), WithCloser(pr), WithOptions(testOptions(limit)), WithBuffers(bufs), WithLogger(discardLogger()))
	ctx := context.Background()
	if err := p.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	exact := strings.Repeat("a", limit)
	over := strings.Repeat("b", limit+1)
	go func() {
		io.WriteString(pw, exact+"\n")
		io.WriteString(pw, over+"\n")
		io.WriteString(pw, "{\"ok\":true}\r\n")
		pw.Close()
	}()

	got, err := p.Receive(ctx)
	if err != nil || string(got) != exact {
		t.Fatalf("exact-limit frame: %q, %v", got, err)
	}
	if _, err := p.Receive(ctx); !errors.Is(err, proxyerr.MessageTooLarge) {
		t.Fatalf("expected MessageTooLarge, got %v", err)
	}
	got, err = p.Receive(ctx)
	if err != nil || string(got) != `{"ok":true}` {
		t.Fatalf("frame after oversized: %q, %v", got, err)
	}
	if _, err := p.Receive(ctx); !errors.Is(err, proxyerr.ConnectionFailed) {
		t.Fatalf("expected ConnectionFailed at EOF, got %v", err)
	}

	<-p.Done()
	if n := bufs.Outstanding(); n != 0 {
		t.Fatalf("outstanding buffers = %d", n)
	}
}

func TestPipeReassemblesPartialWrites(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	p := NewPipe(WithIO(pr, io.Discard), WithOptions(testOptions(1024)), WithLogger(discardLogger()))
	ctx := context.Background()
	if err := p.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	go func() {
		for _, part := range []string{`{"jsonrpc":`, `"2.0","method"`, `:"ping"}`, "\n\n", `{"a":1}` + "\n"} {
			io.WriteString(pw, part)
			time.Sleep(time.Millisecond)
		}
	}()

	got, err := p.Receive(ctx)
	if err != nil || string(got) != `{"jsonrpc":"2.0","method":"ping"}` {
		t.Fatalf("got %q, %v", got, err)
	}
	// Blank lines are skipped.
	got, err = p.Receive(ctx)
	if err != nil || string(got) != `{"a":1}` {
		t.Fatalf("got %q, %v", got, err)
	}
	pw.Close()
	p.Close()
}

func TestPipeSend(t *testing.T) {
	t.Parallel()

	// The reader never yields, so the pipe stays connected for the whole test.
	in, _ := io.Pipe()
	out := &syncBuffer{ch: make(chan []byte, 4)}
	p := NewPipe(WithIO(in, out), WithCloser(in), WithOptions(testOptions(16)), WithLogger(discardLogger()))
	defer p.Close()
	ctx := context.Background()

	if err := p.Send(ctx, []byte(`{}`)); !errors.Is(err, proxyerr.NotConnected) {
		t.Fatalf("send before connect: %v", err)
	}
	if err := p.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := p.Send(ctx, []byte("{\n\"a\": 1\n}")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := <-out.ch; !bytes.Equal(got, []byte("{\"a\":1}\n")) {
		t.Fatalf("multi-line payload not compacted: %q", got)
	}
	if err := p.Send(ctx, bytes.Repeat([]byte("x"), 17)); !errors.Is(err, proxyerr.MessageTooLarge) {
		t.Fatalf("expected MessageTooLarge, got %v", err)
	}
	// A rejected frame leaves the pipe usable, and the limit is inclusive.
	if !p.IsConnected() {
		t.Fatalf("pipe disconnected after oversized send")
	}
	exact := []byte(`"` + strings.Repeat("y", 14) + `"`)
	if err := p.Send(ctx, exact); err != nil {
		t.Fatalf("send of exactly the limit: %v", err)
	}
	if got := <-out.ch; !bytes.Equal(got, append(exact, '\n')) {
		t.Fatalf("got %q", got)
	}
	if err := p.Send(ctx, []byte(`{"b":2}`)); err != nil {
		t.Fatalf("send after rejection: %v", err)
	}
	if got := <-out.ch; !bytes.Equal(got, []byte("{\"b\":2}\n")) {
		t.Fatalf("got %q", got)
	}
}

func TestPipeSendStalledWriterTimesOut(t *testing.T) {
	t.Parallel()

	// Nobody reads pr, so every write blocks.
	pr, pw := io.Pipe()
	defer pr.Close()
	opts := testOptions(64)
	opts.WriteTimeout = 100 * time.Millisecond
	bufs := bufpool.NewRegistry()
	in, _ := io.Pipe()
	p := NewPipe(WithIO(in, pw), WithCloser(in), WithOptions(opts), WithBuffers(bufs), WithLogger(discardLogger()))
	defer p.Close()
	ctx := context.Background()
	if err := p.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	errc := make(chan error, 1)
	go func() { errc <- p.Send(ctx, []byte(`{}`)) }()
	select {
	case err := <-errc:
		if !errors.Is(err, proxyerr.Timeout) {
			t.Fatalf("expected Timeout, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("send still blocked 2s after a 100ms write timeout")
	}
	if p.IsConnected() {
		t.Fatalf("pipe should be marked failed after a stalled write")
	}
	// The write lock is free again: later sends fail fast instead of queueing.
	select {
	case err := <-sendAsync(ctx, p):
		if !errors.Is(err, proxyerr.NotConnected) {
			t.Fatalf("expected NotConnected, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("second send blocked")
	}

	// Unblocking the writer returns its buffer to the pool; closing the pipe
	// releases the reader's.
	pw.CloseWithError(io.ErrClosedPipe)
	p.Close()
	deadline := time.Now().Add(2 * time.Second)
	for bufs.Outstanding() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("outstanding buffers = %d", bufs.Outstanding())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func sendAsync(ctx context.Context, p *Pipe) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- p.Send(ctx, []byte(`{}`)) }()
	return errc
}

func TestPipeCloseUnblocksReceive(t *testing.T) {
	t.Parallel()

	pr, _ := io.Pipe()
	p := NewPipe(WithIO(pr, io.Discard), WithCloser(pr), WithOptions(testOptions(64)), WithLogger(discardLogger()))
	ctx := context.Background()
	if err := p.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	errc := make(chan error, 1)
	go func() {
		_, err := p.Receive(ctx)
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	p.Close()
	select {
	case err := <-errc:
		if !proxyerr.IsFatal(err) {
			t.Fatalf("expected fatal error after close, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("receive did not unblock")
	}
	if p.IsConnected() {
		t.Fatalf("pipe should report disconnected")
	}
}
