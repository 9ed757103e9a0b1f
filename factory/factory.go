// Package factory builds concrete transports from a transport.Target or a
// listener kind, so the proxy pipeline only ever handles the interfaces in
// package transport.
package factory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ggoodman/mcp-proxy-go/bufpool"
	"github.com/ggoodman/mcp-proxy-go/internal/logctx"
	"github.com/ggoodman/mcp-proxy-go/process"
	"github.com/ggoodman/mcp-proxy-go/proxyerr"
	"github.com/ggoodman/mcp-proxy-go/stdio"
	"github.com/ggoodman/mcp-proxy-go/streaminghttp"
	"github.com/ggoodman/mcp-proxy-go/transport"
)

// Factory holds the shared dependencies every transport is built with.
type Factory struct {
	log    *slog.Logger
	opts   transport.Options
	stream transport.StreamOptions
	bufs   *bufpool.Registry
	procs  *process.Manager
	client *http.Client
	stdin  io.Reader
	stdout io.Writer
}

// Option configures a Factory.
type Option func(*Factory)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Factory) {
		if l != nil {
			f.log = l
		}
	}
}

// WithOptions sets the timeouts and limits of every transport.
func WithOptions(o transport.Options) Option {
	return func(f *Factory) {
		f.opts = o
	}
}

// WithStreamOptions sets the SSE reconnect policy of HTTP upstreams.
func WithStreamOptions(o transport.StreamOptions) Option {
	return func(f *Factory) {
		f.stream = o
	}
}

// WithBuffers shares one buffer registry across transports.
func WithBuffers(r *bufpool.Registry) Option {
	return func(f *Factory) {
		if r != nil {
			f.bufs = r
		}
	}
}

// WithProcessManager shares one process manager across stdio upstreams.
func WithProcessManager(m *process.Manager) Option {
	return func(f *Factory) {
		if m != nil {
			f.procs = m
		}
	}
}

// WithHTTPClient sets the client for HTTP upstreams. The default is
// streaminghttp.NewClient over the configured Options.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Factory) {
		if c != nil {
			f.client = c
		}
	}
}

// WithStdio replaces the proxy's own stdin and stdout for stdio listeners.
func WithStdio(r io.Reader, w io.Writer) Option {
	return func(f *Factory) {
		f.stdin, f.stdout = r, w
	}
}

// New builds a Factory.
func New(opts ...Option) *Factory {
	f := &Factory{
		log:    slog.Default(),
		opts:   transport.DefaultOptions(),
		stream: transport.DefaultStreamOptions(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.log = logctx.Wrap(f.log)
	if f.bufs == nil {
		f.bufs = bufpool.NewRegistry()
	}
	if f.procs == nil {
		f.procs = process.NewManager(process.WithLogger(f.log))
	}
	if f.client == nil {
		f.client = streaminghttp.NewClient(f.opts)
	}
	return f
}

// Buffers returns the shared buffer registry.
func (f *Factory) Buffers() *bufpool.Registry { return f.bufs }

// Processes returns the shared process manager.
func (f *Factory) Processes() *process.Manager { return f.procs }

// Outgoing constructs an unconnected upstream transport for target.
func (f *Factory) Outgoing(target transport.Target) (transport.Outgoing, error) {
	switch target.Kind {
	case transport.KindStdio:
		return stdio.NewOutgoing(target,
			stdio.WithLogger(f.log),
			stdio.WithOptions(f.opts),
			stdio.WithBuffers(f.bufs),
			stdio.WithProcessManager(f.procs),
		), nil
	case transport.KindHTTP, transport.KindSSE:
		return streaminghttp.NewOutgoing(target,
			streaminghttp.WithLogger(f.log),
			streaminghttp.WithOptions(f.opts),
			streaminghttp.WithStreamOptions(f.stream),
			streaminghttp.WithBuffers(f.bufs),
			streaminghttp.WithHTTPClient(f.client),
		), nil
	}
	return nil, proxyerr.E(proxyerr.ConnectionFailed, "factory.outgoing", fmt.Errorf("unsupported upstream kind %q", target.Kind)).WithTarget(target.Key())
}

// Dial constructs and connects an upstream transport. It has the signature
// of pool.Dialer.
func (f *Factory) Dial(ctx context.Context, target transport.Target) (transport.Outgoing, error) {
	out, err := f.Outgoing(target)
	if err != nil {
		return nil, err
	}
	cctx, cancel := transport.WithTimeout(ctx, f.opts.ConnectTimeout)
	defer cancel()
	if err := out.Connect(cctx); err != nil {
		out.Close()
		if ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
			err = proxyerr.E(proxyerr.Timeout, "factory.dial", fmt.Errorf("connect took longer than %s: %w", f.opts.ConnectTimeout, err)).WithTarget(target.Key())
		}
		f.log.WarnContext(ctx, "factory.dial.fail", slog.String("target", target.Key()), slog.String("err", err.Error()))
		return nil, err
	}
	f.log.DebugContext(ctx, "factory.dial.ok", slog.String("target", target.Key()), slog.String("conn", out.ID()))
	return out, nil
}

// Listener builds the client-facing side. The HTTP listener is also an
// http.Handler the caller mounts on its server.
func (f *Factory) Listener(kind transport.Kind) (transport.Listener, error) {
	switch kind {
	case transport.KindStdio:
		in := stdio.NewIncoming(
			stdio.WithIO(f.stdin, f.stdout),
			stdio.WithLogger(f.log),
			stdio.WithOptions(f.opts),
			stdio.WithBuffers(f.bufs),
		)
		return stdio.NewListener(in), nil
	case transport.KindHTTP:
		return streaminghttp.NewServer(
			streaminghttp.WithLogger(f.log),
			streaminghttp.WithOptions(f.opts),
			streaminghttp.WithBuffers(f.bufs),
		), nil
	}
	return nil, fmt.Errorf("factory: unsupported listener kind %q", kind)
}
