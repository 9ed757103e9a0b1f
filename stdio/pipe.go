package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-proxy-go/bufpool"
	"github.com/ggoodman/mcp-proxy-go/proxyerr"
	"github.com/ggoodman/mcp-proxy-go/transport"
)

type frame struct {
	data []byte
	err  error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Pipe is a newline-delimited raw transport over a reader/writer pair.
type Pipe struct {
	r      io.Reader
	w      io.Writer
	closer io.Closer
	opts   transport.Options
	bufs   *bufpool.Pool
	log    *slog.Logger
	name   string

	writeMu sync.Mutex

	frames    chan frame
	connected atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}
	readDone  chan struct{}
}

var _ transport.Raw = (*Pipe)(nil)

// NewPipe constructs a Pipe. WithIO is required.
func NewPipe(opts ...Option) *Pipe {
	c := newConfig(opts)
	return newPipe(c, c.r, c.w, c.closer, "stdio")
}

func newPipe(c *config, r io.Reader, w io.Writer, closer io.Closer, name string) *Pipe {
	return &Pipe{
		r:        r,
		w:        w,
		closer:   closer,
		opts:     c.opts,
		bufs:     c.bufs.For(string(transport.KindStdio)),
		log:      c.log,
		name:     name,
		frames:   make(chan frame, c.opts.ChannelCapacity),
		closed:   make(chan struct{}),
		readDone: make(chan struct{}),
	}
}

// Connect starts the background reader.
func (p *Pipe) Connect(ctx context.Context) error {
	if p.r == nil || p.w == nil {
		return proxyerr.E(proxyerr.ConnectionFailed, "stdio.connect", errors.New("reader and writer are required")).WithTarget(p.name)
	}
	select {
	case <-p.closed:
		return proxyerr.E(proxyerr.Closed, "stdio.connect", nil).WithTarget(p.name)
	default:
	}
	p.startOnce.Do(func() {
		p.connected.Store(true)
		go p.readLoop()
	})
	return nil
}

// IsConnected reports whether frames can still flow.
func (p *Pipe) IsConnected() bool { return p.connected.Load() }

// Done is closed when the reader has stopped.
func (p *Pipe) Done() <-chan struct{} { return p.readDone }

// Send writes data followed by a newline. Data containing newlines is
// compacted first so that it stays a single frame.
func (p *Pipe) Send(ctx context.Context, data []byte) error {
	const op = "stdio.send"
	if !p.connected.Load() {
		return proxyerr.E(proxyerr.NotConnected, op, nil).WithTarget(p.name)
	}
	if err := transport.CheckSize(op, data, p.opts.MaxMessageSize); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return transport.ContextError(op, err)
	}

	buf := p.bufs.Get()
	if bytes.IndexByte(data, '\n') >= 0 {
		if err := json.Compact(buf, data); err != nil {
			p.bufs.Put(buf)
			return proxyerr.E(proxyerr.SerializationError, op, err).WithTarget(p.name)
		}
	} else {
		buf.Write(data)
	}
	buf.WriteByte('\n')

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if !p.connected.Load() {
		p.bufs.Put(buf)
		return proxyerr.E(proxyerr.NotConnected, op, nil).WithTarget(p.name)
	}

	if p.setDeadline(ctx) {
		defer p.w.(writeDeadliner).SetWriteDeadline(time.Time{})
		_, err := p.w.Write(buf.Bytes())
		p.bufs.Put(buf)
		return p.writeErr(op, err)
	}

	// Without deadline support the write runs aside so that a stalled reader
	// cannot hold writeMu past the write timeout. The goroutine owns buf.
	wctx, cancel := transport.WithTimeout(ctx, p.opts.WriteTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := p.w.Write(buf.Bytes())
		p.bufs.Put(buf)
		done <- err
	}()
	select {
	case err := <-done:
		return p.writeErr(op, err)
	case <-wctx.Done():
		// A partial frame may be on the wire; nothing after it can be trusted.
		p.connected.Store(false)
		p.log.Warn("stdio.write.stalled", slog.String("target", p.name), slog.Duration("timeout", p.opts.WriteTimeout))
		return proxyerr.E(proxyerr.Timeout, op, wctx.Err()).WithTarget(p.name)
	}
}

// setDeadline arms a write deadline when the writer supports one.
func (p *Pipe) setDeadline(ctx context.Context) bool {
	wd, ok := p.w.(writeDeadliner)
	if !ok || p.opts.WriteTimeout <= 0 {
		return false
	}
	deadline := time.Now().Add(p.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return wd.SetWriteDeadline(deadline) == nil
}

func (p *Pipe) writeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return proxyerr.E(proxyerr.Timeout, op, err).WithTarget(p.name)
	}
	p.connected.Store(false)
	return proxyerr.E(proxyerr.ConnectionFailed, op, err).WithTarget(p.name)
}

// Receive returns the next complete frame. An oversized frame yields a
// MessageTooLarge error without disconnecting.
func (p *Pipe) Receive(ctx context.Context) ([]byte, error) {
	const op = "stdio.receive"
	select {
	case f, ok := <-p.frames:
		if !ok {
			return nil, proxyerr.E(proxyerr.ConnectionFailed, op, io.EOF).WithTarget(p.name)
		}
		return f.data, f.err
	case <-p.closed:
		return nil, proxyerr.E(proxyerr.Closed, op, nil).WithTarget(p.name)
	case <-ctx.Done():
		return nil, transport.ContextError(op, ctx.Err())
	}
}

// Close stops the pipe. Pending receivers observe Closed.
func (p *Pipe) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.connected.Store(false)
		close(p.closed)
		if p.closer != nil {
			err = p.closer.Close()
		}
	})
	return err
}

func (p *Pipe) readLoop() {
	defer close(p.readDone)
	defer close(p.frames)
	defer p.connected.Store(false)

	br := bufio.NewReaderSize(p.r, 64<<10)
	limit := p.opts.MaxMessageSize
	for {
		data, tooLarge, err := p.readLine(br, limit)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.log.Debug("stdio.read.fail", slog.String("target", p.name), slog.String("err", err.Error()))
			}
			p.emit(frame{err: proxyerr.E(proxyerr.ConnectionFailed, "stdio.receive", err).WithTarget(p.name)})
			return
		}
		if tooLarge {
			p.log.Warn("stdio.frame.too_large", slog.String("target", p.name), slog.Int("limit", limit))
			if !p.emit(frame{err: proxyerr.E(proxyerr.MessageTooLarge, "stdio.receive",
				fmt.Errorf("line exceeds limit of %d bytes", limit)).WithTarget(p.name)}) {
				return
			}
			continue
		}
		if data == nil {
			continue
		}
		if !p.emit(frame{data: data}) {
			return
		}
	}
}

// readLine assembles one line in a pooled buffer and returns a private copy.
// Oversized lines are consumed to their terminator and reported, leaving the
// stream positioned at the next frame.
func (p *Pipe) readLine(br *bufio.Reader, limit int) ([]byte, bool, error) {
	buf := p.bufs.Get()
	defer p.bufs.Put(buf)

	tooLarge := false
	for {
		chunk, err := br.ReadSlice('\n')
		if !tooLarge {
			buf.Write(chunk)
			if limit > 0 && buf.Len() > limit+2 {
				tooLarge = true
				buf.Reset()
			}
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if buf.Len() > 0 && !tooLarge {
			p.log.Warn("stdio.frame.partial_at_eof", slog.String("target", p.name), slog.Int("bytes", buf.Len()))
		}
		return nil, false, err
	}
	if tooLarge {
		return nil, true, nil
	}
	line := bytes.TrimRight(buf.Bytes(), "\r\n")
	if limit > 0 && len(line) > limit {
		return nil, true, nil
	}
	if len(bytes.TrimSpace(line)) == 0 {
		return nil, false, nil
	}
	return append([]byte(nil), line...), false, nil
}

func (p *Pipe) emit(f frame) bool {
	select {
	case p.frames <- f:
		return true
	case <-p.closed:
		return false
	}
}
