// Package outbound correlates responses read by a connection's drain
// goroutine with the requests waiting for them.
package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ggoodman/mcp-proxy-go/jsonrpc"
	"github.com/ggoodman/mcp-proxy-go/mcp"
	"github.com/ggoodman/mcp-proxy-go/proxyerr"
)

var (
	// ErrDispatcherClosed indicates the dispatcher is closed.
	ErrDispatcherClosed = errors.New("dispatcher closed")
	// ErrRemoteCancelled indicates the peer cancelled the request.
	ErrRemoteCancelled = errors.New("remote cancelled")
)

type pendingCall struct {
	respCh chan *jsonrpc.AnyMessage
	errCh  chan error
}

// Dispatcher routes responses to per-request waiters keyed by request id.
// It is transport-agnostic.
type Dispatcher struct {
	mu       sync.Mutex
	pending  map[string]*pendingCall // id.Key() -> call
	closed   bool
	closeErr error
}

// New constructs a Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{pending: make(map[string]*pendingCall)}
}

// Call is a registered waiter for one request id.
type Call struct {
	d   *Dispatcher
	key string
	pc  *pendingCall
}

// Register reserves id before the request is written so a fast response
// can never arrive ahead of its waiter.
func (d *Dispatcher) Register(id *jsonrpc.RequestID) (*Call, error) {
	if id.IsNil() {
		return nil, proxyerr.E(proxyerr.ProtocolViolation, "outbound.register", errors.New("request without id"))
	}
	key := id.Key()
	pc := &pendingCall{respCh: make(chan *jsonrpc.AnyMessage, 1), errCh: make(chan error, 1)}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, d.closeErr
	}
	if _, dup := d.pending[key]; dup {
		return nil, proxyerr.E(proxyerr.ProtocolViolation, "outbound.register", fmt.Errorf("request id %s already in flight", id))
	}
	d.pending[key] = pc
	return &Call{d: d, key: key, pc: pc}, nil
}

// Wait blocks for the response, a dispatcher failure, or ctx.
func (c *Call) Wait(ctx context.Context) (*jsonrpc.AnyMessage, error) {
	select {
	case resp := <-c.pc.respCh:
		return resp, nil
	case err := <-c.pc.errCh:
		if err != nil {
			return nil, err
		}
		return nil, ErrDispatcherClosed
	case <-ctx.Done():
		c.Cancel()
		return nil, ctx.Err()
	}
}

// Cancel withdraws the waiter. A late response is then reported as unmatched.
func (c *Call) Cancel() {
	c.d.mu.Lock()
	if cur, ok := c.d.pending[c.key]; ok && cur == c.pc {
		delete(c.d.pending, c.key)
	}
	c.d.mu.Unlock()
}

// OnResponse delivers a response to its waiter. It reports false when no
// request with that id is outstanding.
func (d *Dispatcher) OnResponse(resp *jsonrpc.AnyMessage) bool {
	if resp == nil || resp.ID.IsNil() {
		return false
	}
	key := resp.ID.Key()
	d.mu.Lock()
	pc, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if ok {
		pc.respCh <- resp
	}
	return ok
}

// OnNotification fails the waiter named by a notifications/cancelled
// message from the peer. It reports whether the notification was consumed.
func (d *Dispatcher) OnNotification(msg *jsonrpc.AnyMessage) bool {
	if msg == nil || msg.Method != string(mcp.CancelledNotificationMethod) {
		return false
	}
	var p struct {
		RequestID *jsonrpc.RequestID `json:"requestId"`
	}
	if err := json.Unmarshal(msg.Params, &p); err != nil || p.RequestID.IsNil() {
		return false
	}
	key := p.RequestID.Key()
	d.mu.Lock()
	pc, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if ok {
		pc.errCh <- ErrRemoteCancelled
	}
	return ok
}

// Pending returns the number of outstanding waiters.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close fails all pending calls with err and prevents new registrations.
func (d *Dispatcher) Close(err error) {
	if err == nil {
		err = ErrDispatcherClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	d.closeErr = err
	for key, pc := range d.pending {
		delete(d.pending, key)
		pc.errCh <- err
	}
}
