package stdio

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ggoodman/mcp-proxy-go/jsonrpc"
	"github.com/ggoodman/mcp-proxy-go/protocol"
	"github.com/ggoodman/mcp-proxy-go/proxyerr"
	"github.com/ggoodman/mcp-proxy-go/transport"
)

// Incoming is the client side of a single stdio session. By default it reads
// the proxy's own stdin and writes to stdout.
type Incoming struct {
	pipe      *Pipe
	handler   *protocol.Handler
	log       *slog.Logger
	sessionID string
	accepting atomic.Bool
}

var _ transport.Incoming = (*Incoming)(nil)

// NewIncoming constructs an Incoming transport.
func NewIncoming(opts ...Option) *Incoming {
	c := newConfig(opts)
	r, w := c.r, c.w
	if r == nil {
		r = os.Stdin
	}
	if w == nil {
		w = os.Stdout
	}
	id := c.session
	if id == "" {
		id = uuid.NewString()
	}
	return &Incoming{
		pipe:      newPipe(c, r, w, c.closer, "client"),
		handler:   c.handler,
		log:       c.log,
		sessionID: id,
	}
}

func (in *Incoming) Accept(ctx context.Context) error {
	if err := in.pipe.Connect(ctx); err != nil {
		return err
	}
	in.accepting.Store(true)
	return nil
}

// ReceiveRequest returns the next client message. Malformed lines come back
// as non-fatal errors; the pipe stays usable.
func (in *Incoming) ReceiveRequest(ctx context.Context) (*protocol.Envelope, error) {
	data, err := in.pipe.Receive(ctx)
	if err != nil {
		if proxyerr.IsFatal(err) {
			in.accepting.Store(false)
		}
		return nil, proxyerr.Annotate(err, in.sessionID)
	}
	msg, err := in.handler.Deserialize(data)
	if err != nil {
		return nil, proxyerr.Annotate(err, in.sessionID)
	}
	return protocol.NewEnvelope(msg, protocol.ClientToUpstream, in.sessionID), nil
}

// SendResponse writes one message line. Stream events are written as
// individual lines since a pipe has no event framing of its own.
func (in *Incoming) SendResponse(ctx context.Context, env *protocol.Envelope) error {
	msg := env.Message
	if msg == nil {
		// A passthrough body cannot be represented on a JSON-RPC pipe.
		msg = protocol.ErrorResponse(env.ReplyTo, &jsonrpc.Error{
			Code:    jsonrpc.ErrorCodeInternalError,
			Message: "upstream returned unsupported content type " + env.ContentType,
		})
	}
	b, err := in.handler.Serialize(msg)
	if err != nil {
		if errors.Is(err, proxyerr.MessageTooLarge) && msg.Kind() == jsonrpc.KindResponse {
			in.log.WarnContext(ctx, "stdio.response.too_large", slog.String("id", msg.ID.String()))
			b, err = in.handler.Serialize(protocol.ErrorResponse(msg.ID, err))
		}
		if err != nil {
			return proxyerr.Annotate(err, in.sessionID)
		}
	}
	return proxyerr.Annotate(in.pipe.Send(ctx, b), in.sessionID)
}

func (in *Incoming) SessionID() string { return in.sessionID }

func (in *Incoming) IsAccepting() bool { return in.accepting.Load() && in.pipe.IsConnected() }

func (in *Incoming) Kind() transport.Kind { return transport.KindStdio }

// Capabilities reports what a pipe client can receive.
func (in *Incoming) Capabilities() protocol.Capabilities { return protocol.AcceptsJSON }

func (in *Incoming) Close() error {
	in.accepting.Store(false)
	return in.pipe.Close()
}

// Listener yields its single Incoming once. Later calls block until the
// listener or that Incoming is closed.
type Listener struct {
	in        *Incoming
	once      sync.Once
	closed    chan struct{}
	closeOnce sync.Once
}

var _ transport.Listener = (*Listener)(nil)

// NewListener wraps in.
func NewListener(in *Incoming) *Listener {
	return &Listener{in: in, closed: make(chan struct{})}
}

func (l *Listener) Accept(ctx context.Context) (transport.Incoming, error) {
	var in transport.Incoming
	l.once.Do(func() { in = l.in })
	if in != nil {
		return in, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, proxyerr.E(proxyerr.Closed, "stdio.listener.accept", nil)
	case <-l.in.pipe.closed:
		return nil, proxyerr.E(proxyerr.Closed, "stdio.listener.accept", nil)
	}
}

func (l *Listener) Kind() transport.Kind { return transport.KindStdio }

func (l *Listener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}
