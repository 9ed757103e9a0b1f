package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ggoodman/mcp-proxy-go/protocol"
	"github.com/ggoodman/mcp-proxy-go/proxyerr"
)

// Exchange is the stream of upstream envelopes answering one request. A
// JSON-mode exchange yields exactly one envelope; an SSE-mode exchange
// yields one per event. Next returns io.EOF once the Final envelope has been
// delivered.
type Exchange struct {
	Request *protocol.Envelope

	next      func(ctx context.Context) (*protocol.Envelope, error)
	closeOnce sync.Once
	closeFn   func()

	mu   sync.Mutex
	done bool
}

// NewExchange builds an Exchange from a pull function. closeFn releases the
// underlying resources and may be nil.
func NewExchange(req *protocol.Envelope, next func(ctx context.Context) (*protocol.Envelope, error), closeFn func()) *Exchange {
	return &Exchange{Request: req, next: next, closeFn: closeFn}
}

// CompletedExchange yields the given envelopes and then io.EOF. With no
// envelopes it models a notification, which never has a response.
func CompletedExchange(req *protocol.Envelope, envs ...*protocol.Envelope) *Exchange {
	i := 0
	return NewExchange(req, func(context.Context) (*protocol.Envelope, error) {
		if i >= len(envs) {
			return nil, io.EOF
		}
		env := envs[i]
		i++
		if i == len(envs) {
			env.Final = true
		}
		return env, nil
	}, nil)
}

// Next returns the next envelope of the exchange.
func (x *Exchange) Next(ctx context.Context) (*protocol.Envelope, error) {
	x.mu.Lock()
	if x.done {
		x.mu.Unlock()
		return nil, io.EOF
	}
	x.mu.Unlock()

	env, err := x.next(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			x.finish()
		}
		return nil, err
	}
	if env.Final {
		x.finish()
	}
	return env, nil
}

func (x *Exchange) finish() {
	x.mu.Lock()
	x.done = true
	x.mu.Unlock()
	x.Close()
}

// Close releases the exchange. It is safe to call more than once.
func (x *Exchange) Close() {
	x.closeOnce.Do(func() {
		if x.closeFn != nil {
			x.closeFn()
		}
	})
}

// CheckSize fails with MessageTooLarge when data exceeds limit.
func CheckSize(op string, data []byte, limit int) error {
	if limit > 0 && len(data) > limit {
		return proxyerr.E(proxyerr.MessageTooLarge, op, fmt.Errorf("%d bytes exceeds limit of %d", len(data), limit))
	}
	return nil
}

// ContextError classifies a context failure: deadline expiry becomes a
// Timeout, anything else is returned unchanged.
func ContextError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return proxyerr.E(proxyerr.Timeout, op, err)
	}
	return err
}

// WithTimeout bounds ctx by d when d is positive.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
