// Package proxyerr defines the error taxonomy shared by every layer of the
// proxy. Each failure is an *Error carrying a Kind plus enough context
// (operation, target, session) to be logged or turned into a JSON-RPC error
// without re-deriving where it came from.
//
// Kinds are themselves errors, so callers test for a category with
// errors.Is:
//
//	if errors.Is(err, proxyerr.Timeout) { ... }
package proxyerr

import (
	"errors"
	"strings"
)

// Kind classifies a proxy failure.
type Kind int

const (
	Unknown Kind = iota
	NotConnected
	ConnectionFailed
	Timeout
	MessageTooLarge
	SerializationError
	DeserializationError
	ProtocolViolation
	NegotiationFailed
	ProcessSpawnFailed
	ProcessTerminationFailed
	PoolExhausted
	PoolTimeout
	StreamInterrupted
	Closed
)

var kindNames = map[Kind]string{
	Unknown:                  "unknown",
	NotConnected:             "not connected",
	ConnectionFailed:         "connection failed",
	Timeout:                  "timeout",
	MessageTooLarge:          "message too large",
	SerializationError:       "serialization error",
	DeserializationError:     "deserialization error",
	ProtocolViolation:        "protocol violation",
	NegotiationFailed:        "negotiation failed",
	ProcessSpawnFailed:       "process spawn failed",
	ProcessTerminationFailed: "process termination failed",
	PoolExhausted:            "pool exhausted",
	PoolTimeout:              "pool timeout",
	StreamInterrupted:        "stream interrupted",
	Closed:                   "closed",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Error lets a bare Kind be used as a sentinel with errors.Is.
func (k Kind) Error() string { return k.String() }

// Error is a classified proxy failure.
type Error struct {
	Kind      Kind
	Op        string // e.g. "stdio.send", "pool.acquire"
	Target    string // upstream target or transport id
	SessionID string
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Target != "" {
		b.WriteString(" [target=")
		b.WriteString(e.Target)
		b.WriteString("]")
	}
	if e.SessionID != "" {
		b.WriteString(" [session=")
		b.WriteString(e.SessionID)
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a bare Kind or another *Error of the same Kind.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind == t
	case *Error:
		return e.Kind == t.Kind && (t.Op == "" || t.Op == e.Op)
	}
	return false
}

// E builds an *Error.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithTarget returns a copy of e annotated with target.
func (e *Error) WithTarget(target string) *Error {
	c := *e
	c.Target = target
	return &c
}

// WithSession returns a copy of e annotated with a session id.
func (e *Error) WithSession(sessionID string) *Error {
	c := *e
	c.SessionID = sessionID
	return &c
}

// KindOf reports the Kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return Unknown
}

// IsFatal reports whether err means the transport it came from can no longer
// carry traffic and the owning session must be torn down.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case ConnectionFailed, NotConnected, StreamInterrupted, Closed, ProcessTerminationFailed:
		return true
	}
	return false
}

// Annotate attaches session context to err when it is an *Error lacking one.
func Annotate(err error, sessionID string) error {
	var pe *Error
	if errors.As(err, &pe) && pe.SessionID == "" {
		return pe.WithSession(sessionID)
	}
	return err
}
