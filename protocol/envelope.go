package protocol

import (
	"time"

	"github.com/elnormous/contenttype"

	"github.com/ggoodman/mcp-proxy-go/jsonrpc"
)

// Direction records which way an envelope is travelling through the proxy.
type Direction int

const (
	ClientToUpstream Direction = iota
	UpstreamToClient
)

func (d Direction) String() string {
	if d == UpstreamToClient {
		return "upstream_to_client"
	}
	return "client_to_upstream"
}

// ResponseMode describes how an upstream delivered a response and therefore
// how it must be relayed to the client.
type ResponseMode int

const (
	// ModeJSON is a single complete JSON-RPC body.
	ModeJSON ResponseMode = iota
	// ModeSSEStream is a sequence of discrete Server-Sent Events.
	ModeSSEStream
	// ModePassthrough is an unrecognized body relayed verbatim.
	ModePassthrough
)

func (m ResponseMode) String() string {
	switch m {
	case ModeJSON:
		return "json"
	case ModeSSEStream:
		return "sse"
	case ModePassthrough:
		return "passthrough"
	}
	return "unknown"
}

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
)

// JSONContentType and EventStreamContentType are the canonical header values.
var (
	JSONContentType        = jsonMediaType.String()
	EventStreamContentType = eventStreamMediaType.String()
)

// ModeFromContentType maps a response Content-Type header value to a mode.
// Parameters such as charset are ignored; an empty or unparseable value
// yields ModePassthrough.
func ModeFromContentType(value string) ResponseMode {
	if value == "" {
		return ModePassthrough
	}
	mt, err := contenttype.ParseMediaType(value)
	if err != nil {
		return ModePassthrough
	}
	switch {
	case mt.Matches(eventStreamMediaType):
		return ModeSSEStream
	case mt.Matches(jsonMediaType):
		return ModeJSON
	}
	return ModePassthrough
}

// Envelope wraps one message in flight with the transport context it was
// captured in. Interceptors must treat envelopes as immutable and return a
// modified copy (see WithMessage) instead of editing in place.
type Envelope struct {
	Message *jsonrpc.AnyMessage

	// Raw carries the verbatim body of a ModePassthrough response.
	Raw         []byte
	ContentType string

	Direction  Direction
	SessionID  string
	CapturedAt time.Time
	Mode       ResponseMode

	// EventID is the SSE event id the message arrived under, if any.
	EventID string
	// ReplyTo is the id of the client request this envelope answers. It is
	// set on every upstream-to-client envelope that belongs to an exchange,
	// including notifications interleaved into an SSE response.
	ReplyTo *jsonrpc.RequestID
	// Final marks the last envelope of an exchange.
	Final bool
}

// NewEnvelope stamps a message with direction, session and capture time.
func NewEnvelope(msg *jsonrpc.AnyMessage, dir Direction, sessionID string) *Envelope {
	return &Envelope{
		Message:    msg,
		Direction:  dir,
		SessionID:  sessionID,
		CapturedAt: time.Now(),
		Mode:       ModeJSON,
	}
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	c := *e
	c.Message = e.Message.Clone()
	if e.Raw != nil {
		c.Raw = append([]byte(nil), e.Raw...)
	}
	if e.ReplyTo != nil {
		id := *e.ReplyTo
		c.ReplyTo = &id
	}
	return &c
}

// WithMessage returns a copy of the envelope carrying msg.
func (e *Envelope) WithMessage(msg *jsonrpc.AnyMessage) *Envelope {
	c := e.Clone()
	c.Message = msg
	return c
}

// Kind reports the wrapped message kind, or the empty kind for raw bodies.
func (e *Envelope) Kind() jsonrpc.Kind {
	if e == nil || e.Message == nil {
		return ""
	}
	return e.Message.Kind()
}

// Method returns the wrapped message method, if any.
func (e *Envelope) Method() string {
	if e == nil || e.Message == nil {
		return ""
	}
	return e.Message.Method
}

// ID returns the wrapped message id, if any.
func (e *Envelope) ID() *jsonrpc.RequestID {
	if e == nil || e.Message == nil {
		return nil
	}
	return e.Message.ID
}
