package protocol

import (
	"fmt"
	"sync"
	"time"

	"github.com/ggoodman/mcp-proxy-go/jsonrpc"
	"github.com/ggoodman/mcp-proxy-go/proxyerr"
)

// Tracker records outstanding request ids for one exchange direction so
// that every response can be matched to the request it answers.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]time.Time
}

// NewTracker constructs an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{pending: make(map[string]time.Time)}
}

// Track registers a request. Notifications are ignored. Reusing an id that
// is still outstanding is a protocol violation.
func (t *Tracker) Track(msg *jsonrpc.AnyMessage) error {
	if msg == nil || msg.Kind() != jsonrpc.KindRequest {
		return nil
	}
	key := msg.ID.Key()
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.pending[key]; dup {
		return proxyerr.E(proxyerr.ProtocolViolation, "protocol.track", fmt.Errorf("duplicate request id %s", msg.ID))
	}
	t.pending[key] = time.Now()
	return nil
}

// Resolve matches a response to its request and forgets it. An error
// response with a null id (parse failure) is always accepted.
func (t *Tracker) Resolve(msg *jsonrpc.AnyMessage) error {
	if msg == nil || msg.Kind() != jsonrpc.KindResponse {
		return nil
	}
	if msg.ID.IsNil() && msg.Error != nil {
		return nil
	}
	key := msg.ID.Key()
	t.mu.Lock()
	_, ok := t.pending[key]
	delete(t.pending, key)
	t.mu.Unlock()
	if !ok {
		return proxyerr.E(proxyerr.ProtocolViolation, "protocol.resolve", fmt.Errorf("response id %s matches no outstanding request", msg.ID))
	}
	return nil
}

// Forget drops an outstanding id without a response.
func (t *Tracker) Forget(id *jsonrpc.RequestID) {
	if id.IsNil() {
		return
	}
	t.mu.Lock()
	delete(t.pending, id.Key())
	t.mu.Unlock()
}

// Outstanding reports whether id is awaiting a response.
func (t *Tracker) Outstanding(id *jsonrpc.RequestID) bool {
	if id.IsNil() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[id.Key()]
	return ok
}

// Len returns the number of outstanding requests.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
