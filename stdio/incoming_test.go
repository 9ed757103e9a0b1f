package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/ggoodman/mcp-proxy-go/jsonrpc"
	"github.com/ggoodman/mcp-proxy-go/protocol"
	"github.com/ggoodman/mcp-proxy-go/proxyerr"
	"github.com/ggoodman/mcp-proxy-go/transport"
)

func TestIncomingRoundTrip(t *testing.T) {
	t.Parallel()

	clientR, clientW := io.Pipe()
	outR, outW := io.Pipe()
	in := NewIncoming(WithIO(clientR, outW), WithCloser(clientR), WithOptions(testOptions(1024)), WithLogger(discardLogger()), WithSessionID("s1"))
	ctx := context.Background()
	if err := in.Accept(ctx); err != nil {
		t.Fatal(err)
	}
	if !in.IsAccepting() || in.Kind() != transport.KindStdio || in.SessionID() != "s1" {
		t.Fatalf("unexpected state")
	}

	go io.WriteString(clientW, `{"jsonrpc":"2.0","id":7,"method":"tools/list"}`+"\n")
	env, err := in.ReceiveRequest(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if env.Method() != "tools/list" || env.ID().String() != "7" || env.Direction != protocol.ClientToUpstream || env.SessionID != "s1" {
		t.Fatalf("unexpected envelope %+v", env)
	}

	resp, _ := jsonrpc.NewResultResponse(env.ID(), map[string]any{"tools": []any{}})
	go func() {
		if err := in.SendResponse(ctx, protocol.NewEnvelope(resp.Message(), protocol.UpstreamToClient, "s1")); err != nil {
			t.Errorf("send: %v", err)
		}
	}()
	line, err := bufio.NewReader(outR).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	var got jsonrpc.AnyMessage
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("response not valid JSON: %v", err)
	}
	if got.ID.String() != "7" || string(got.Result) != `{"tools":[]}` {
		t.Fatalf("unexpected response %s", line)
	}
	in.Close()
}

func TestIncomingMalformedLineIsNotFatal(t *testing.T) {
	t.Parallel()

	src := strings.NewReader("{not json\n" + `{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n")
	in := NewIncoming(WithIO(src, io.Discard), WithOptions(testOptions(1024)), WithLogger(discardLogger()))
	ctx := context.Background()
	if err := in.Accept(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := in.ReceiveRequest(ctx); !errors.Is(err, proxyerr.DeserializationError) {
		t.Fatalf("expected DeserializationError, got %v", err)
	}
	env, err := in.ReceiveRequest(ctx)
	if err != nil || env.Kind() != jsonrpc.KindNotification {
		t.Fatalf("second line: %v %v", env, err)
	}
	if _, err := in.ReceiveRequest(ctx); !proxyerr.IsFatal(err) {
		t.Fatalf("expected fatal error at EOF, got %v", err)
	}
	if in.IsAccepting() {
		t.Fatalf("incoming should stop accepting after EOF")
	}
}

func TestIncomingOversizedResponseBecomesError(t *testing.T) {
	t.Parallel()

	clientR, _ := io.Pipe()
	outR, outW := io.Pipe()
	in := NewIncoming(WithIO(clientR, outW), WithCloser(clientR), WithOptions(testOptions(128)), WithLogger(discardLogger()))
	ctx := context.Background()
	if err := in.Accept(ctx); err != nil {
		t.Fatal(err)
	}
	resp, _ := jsonrpc.NewResultResponse(jsonrpc.NewRequestID(1), strings.Repeat("z", 200))
	go in.SendResponse(ctx, protocol.NewEnvelope(resp.Message(), protocol.UpstreamToClient, ""))

	line, err := bufio.NewReader(outR).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	var got jsonrpc.AnyMessage
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatal(err)
	}
	if got.Error == nil || got.Error.Code != jsonrpc.ErrorCodeMessageTooLarge || got.ID.String() != "1" {
		t.Fatalf("expected too-large error response, got %s", line)
	}
	in.Close()
}

func TestListenerYieldsOnce(t *testing.T) {
	t.Parallel()

	in := NewIncoming(WithIO(strings.NewReader(""), io.Discard), WithLogger(discardLogger()))
	l := NewListener(in)
	ctx := context.Background()
	got, err := l.Accept(ctx)
	if err != nil || got != in {
		t.Fatalf("first accept: %v %v", got, err)
	}
	go l.Close()
	if _, err := l.Accept(ctx); !errors.Is(err, proxyerr.Closed) {
		t.Fatalf("expected Closed, got %v", err)
	}
}

func TestListenerEndsWithIncoming(t *testing.T) {
	t.Parallel()

	in := NewIncoming(WithIO(strings.NewReader(""), io.Discard), WithLogger(discardLogger()))
	l := NewListener(in)
	if _, err := l.Accept(context.Background()); err != nil {
		t.Fatal(err)
	}
	in.Close()
	if _, err := l.Accept(context.Background()); !errors.Is(err, proxyerr.Closed) {
		t.Fatalf("expected Closed after incoming closed, got %v", err)
	}
}
