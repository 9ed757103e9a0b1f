// Package transport defines the contracts shared by every concrete proxy
// transport: the raw byte-level Raw transport, the direction-aware Incoming
// and Outgoing transports built on top of it, and the Listener that yields
// one Incoming per client session.
//
// Concrete implementations live in the stdio and streaminghttp packages and
// are constructed through the factory package, so the proxy pipeline only
// ever sees these interfaces.
package transport

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/ggoodman/mcp-proxy-go/protocol"
)

// Kind names a physical transport.
type Kind string

const (
	// KindStdio is a newline-delimited pipe to a local subprocess (or to the
	// proxy's own stdin/stdout on the client side).
	KindStdio Kind = "stdio"
	// KindHTTP is single-shot HTTP whose responses may be JSON or SSE.
	KindHTTP Kind = "http"
	// KindSSE is HTTP with a dedicated long-lived event stream per session.
	KindSSE Kind = "sse"
)

func (k Kind) String() string { return string(k) }

// ParseKind accepts the configured spelling of a transport kind.
func ParseKind(s string) (Kind, bool) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindStdio:
		return KindStdio, true
	case KindHTTP, "streamable-http", "streaminghttp":
		return KindHTTP, true
	case KindSSE:
		return KindSSE, true
	}
	return "", false
}

// Raw moves opaque frames. Implementations enforce the configured size limit
// on both directions and keep working after an oversized frame.
type Raw interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, data []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
	IsConnected() bool
}

// Incoming is the client-facing side of one session.
type Incoming interface {
	// Accept completes any handshake needed before requests flow.
	Accept(ctx context.Context) error
	// ReceiveRequest blocks for the next client message (request or
	// notification, occasionally a response to a server-initiated request).
	ReceiveRequest(ctx context.Context) (*protocol.Envelope, error)
	// SendResponse delivers one upstream-to-client envelope. For SSE-mode
	// exchanges it is called once per event, with Final set on the last.
	SendResponse(ctx context.Context, env *protocol.Envelope) error
	SessionID() string
	IsAccepting() bool
	Kind() Kind
	// Capabilities reports what the client can receive (JSON, event
	// streams, batches); used as the negotiation proposal.
	Capabilities() protocol.Capabilities
	Close() error
}

// Outgoing is the upstream-facing side of a connection.
type Outgoing interface {
	Connect(ctx context.Context) error
	SendRequest(ctx context.Context, env *protocol.Envelope) error
	// ReceiveResponse yields upstream messages produced by earlier
	// SendRequest calls in arrival order.
	ReceiveResponse(ctx context.Context) (*protocol.Envelope, error)
	SessionID() string
	IsConnected() bool
	Kind() Kind
	ID() string
	Healthy(ctx context.Context) bool
	Close() error
}

// Exchanger is implemented by outgoing transports that can correlate the
// responses of one request independently of other in-flight requests.
type Exchanger interface {
	Exchange(ctx context.Context, env *protocol.Envelope) (*Exchange, error)
}

// NotificationSource is implemented by outgoing transports that can deliver
// upstream-initiated messages outside of any exchange.
type NotificationSource interface {
	OnNotification(fn func(*protocol.Envelope))
}

// Listener yields one Incoming per client session.
type Listener interface {
	Accept(ctx context.Context) (Incoming, error)
	Kind() Kind
	Close() error
}

// Target identifies an upstream.
type Target struct {
	Kind    Kind
	Command string
	Args    []string
	Env     []string
	Dir     string
	URL     string
	Headers map[string]string
}

// Key is a stable identifier used for pooling and logging.
func (t Target) Key() string {
	switch t.Kind {
	case KindStdio:
		return "stdio:" + strings.Join(append([]string{t.Command}, t.Args...), " ")
	default:
		return string(t.Kind) + ":" + t.URL
	}
}

// Origin returns scheme://host for HTTP targets, used as the pool key for
// per-origin pooling.
func (t Target) Origin() string {
	u, err := url.Parse(t.URL)
	if err != nil || u.Host == "" {
		return t.URL
	}
	return u.Scheme + "://" + u.Host
}

// Options carries the timeouts and limits every transport honors.
type Options struct {
	ConnectTimeout  time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageSize  int
	ChannelCapacity int
}

// DefaultOptions returns conservative defaults.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:  10 * time.Second,
		ReadTimeout:     60 * time.Second,
		WriteTimeout:    10 * time.Second,
		MaxMessageSize:  protocol.DefaultMaxMessageSize,
		ChannelCapacity: 64,
	}
}

// StreamOptions bounds SSE reconnection.
type StreamOptions struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    uint
	MaxElapsed     time.Duration
}

// DefaultStreamOptions returns the default reconnect policy.
func DefaultStreamOptions() StreamOptions {
	return StreamOptions{
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		MaxAttempts:    5,
		MaxElapsed:     30 * time.Second,
	}
}
