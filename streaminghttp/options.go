package streaminghttp

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ggoodman/mcp-proxy-go/bufpool"
	"github.com/ggoodman/mcp-proxy-go/internal/logctx"
	"github.com/ggoodman/mcp-proxy-go/protocol"
	"github.com/ggoodman/mcp-proxy-go/transport"
)

const (
	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
)

type config struct {
	log     *slog.Logger
	opts    transport.Options
	stream  transport.StreamOptions
	bufs    *bufpool.Registry
	handler *protocol.Handler
	client  *http.Client
	session string
}

func newConfig(opts []Option) *config {
	c := &config{
		log:    slog.Default(),
		opts:   transport.DefaultOptions(),
		stream: transport.DefaultStreamOptions(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logctx.Wrap(c.log)
	if c.bufs == nil {
		c.bufs = bufpool.NewRegistry()
	}
	if c.handler == nil {
		c.handler = protocol.NewHandler(protocol.WithMaxMessageSize(c.opts.MaxMessageSize))
	}
	if c.client == nil {
		c.client = NewClient(c.opts)
	}
	if c.opts.ChannelCapacity <= 0 {
		c.opts.ChannelCapacity = 1
	}
	return c
}

// NewClient returns an HTTP client for upstream requests whose dials and TLS
// handshakes give up after o.ConnectTimeout.
func NewClient(o transport.Options) *http.Client {
	t := http.DefaultTransport.(*http.Transport).Clone()
	d := &net.Dialer{Timeout: o.ConnectTimeout, KeepAlive: 30 * time.Second}
	t.DialContext = d.DialContext
	if o.ConnectTimeout > 0 {
		t.TLSHandshakeTimeout = o.ConnectTimeout
	}
	return &http.Client{Transport: t}
}

// Option configures the HTTP transports and the server.
type Option func(*config)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.log = l
		}
	}
}

// WithOptions sets timeouts, size limits and channel capacity.
func WithOptions(o transport.Options) Option {
	return func(c *config) {
		c.opts = o
	}
}

// WithStreamOptions sets the SSE reconnect policy.
func WithStreamOptions(o transport.StreamOptions) Option {
	return func(c *config) {
		c.stream = o
	}
}

// WithBuffers sets the buffer pool registry.
func WithBuffers(r *bufpool.Registry) Option {
	return func(c *config) {
		if r != nil {
			c.bufs = r
		}
	}
}

// WithProtocolHandler overrides the serializer.
func WithProtocolHandler(h *protocol.Handler) Option {
	return func(c *config) {
		if h != nil {
			c.handler = h
		}
	}
}

// WithHTTPClient sets the client used for upstream requests. The client's
// own Timeout must be zero or SSE responses will be cut off.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) {
		if hc != nil {
			c.client = hc
		}
	}
}

// WithSessionID fixes the proxy session id reported by an Outgoing.
func WithSessionID(id string) Option {
	return func(c *config) {
		c.session = id
	}
}
