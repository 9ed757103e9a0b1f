package stdio

import (
	"io"
	"log/slog"

	"github.com/ggoodman/mcp-proxy-go/bufpool"
	"github.com/ggoodman/mcp-proxy-go/process"
	"github.com/ggoodman/mcp-proxy-go/protocol"
	"github.com/ggoodman/mcp-proxy-go/transport"
)

type config struct {
	log      *slog.Logger
	opts     transport.Options
	bufs     *bufpool.Registry
	handler  *protocol.Handler
	procs    *process.Manager
	r        io.Reader
	w        io.Writer
	closer   io.Closer
	session  string
}

func newConfig(opts []Option) *config {
	c := &config{
		log:  slog.Default(),
		opts: transport.DefaultOptions(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.bufs == nil {
		c.bufs = bufpool.NewRegistry()
	}
	if c.handler == nil {
		c.handler = protocol.NewHandler(protocol.WithMaxMessageSize(c.opts.MaxMessageSize))
	}
	if c.opts.ChannelCapacity <= 0 {
		c.opts.ChannelCapacity = 1
	}
	return c
}

// Option customizes a Pipe, Incoming or Outgoing.
type Option func(*config)

// WithIO sets the reader and writer. For Outgoing it replaces spawning a
// subprocess.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(c *config) {
		if r != nil {
			c.r = r
		}
		if w != nil {
			c.w = w
		}
	}
}

// WithCloser is closed when the transport closes; typically the writer side
// of the pipe so the peer sees EOF.
func WithCloser(cl io.Closer) Option {
	return func(c *config) {
		c.closer = cl
	}
}

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

// WithBuffers sets the buffer pool registry; the stdio pool is used.
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

// WithProcessManager sets the manager used to spawn the upstream.
func WithProcessManager(m *process.Manager) Option {
	return func(c *config) {
		if m != nil {
			c.procs = m
		}
	}
}

// WithSessionID fixes the session id reported by the transport.
func WithSessionID(id string) Option {
	return func(c *config) {
		c.session = id
	}
}
