package sessions

import (
	"time"

	"github.com/ggoodman/mcp-proxy-go/protocol"
	"github.com/ggoodman/mcp-proxy-go/transport"
)

// Session is the persisted state of one client connection through the proxy.
type Session struct {
	ID                string                `json:"id"`
	ClientKind        transport.Kind        `json:"client_kind"`
	UpstreamKind      transport.Kind        `json:"upstream_kind,omitempty"`
	UpstreamTarget    string                `json:"upstream_target,omitempty"`
	UpstreamSessionID string                `json:"upstream_session_id,omitempty"`
	ProtocolVersion   string                `json:"protocol_version,omitempty"`
	Capabilities      protocol.Capabilities `json:"capabilities"`
	LastMode          protocol.ResponseMode `json:"last_mode"`
	LastEventID       string                `json:"last_event_id,omitempty"`
	State             State                 `json:"state"`

	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	LastAccess time.Time `json:"last_access"`
}

// New returns an Idle session for a client connected over kind.
func New(id string, kind transport.Kind, caps protocol.Capabilities) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:           id,
		ClientKind:   kind,
		Capabilities: caps,
		State:        Idle,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastAccess:   now,
	}
}

// Clone returns a copy that can be changed without affecting s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// Transition returns a copy of s in state to, or a *TransitionError.
func (s *Session) Transition(to State) (*Session, error) {
	if !CanTransition(s.State, to) {
		return nil, &TransitionError{From: s.State, To: to}
	}
	c := s.Clone()
	c.State = to
	return c, nil
}

// Touch returns a copy of s with LastAccess set to now.
func (s *Session) Touch(now time.Time) *Session {
	c := s.Clone()
	c.LastAccess = now.UTC()
	return c
}

// IdleFor reports how long the session has gone without traffic.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastAccess)
}
