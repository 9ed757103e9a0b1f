// Package jsonrpc implements the JSON-RPC 2.0 message model carried by every
// proxy transport: a single AnyMessage type that decodes requests,
// notifications and responses, plus structural validation and batch parsing.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

// Kind identifies the shape of a message.
type Kind string

const (
	KindRequest      Kind = "request"
	KindNotification Kind = "notification"
	KindResponse     Kind = "response"
)

var (
	ErrInvalidVersion   = errors.New("jsonrpc: invalid version")
	ErrMissingMethod    = errors.New("jsonrpc: request missing method")
	ErrMixedFields      = errors.New("jsonrpc: request cannot carry result or error")
	ErrResultAndError   = errors.New("jsonrpc: response has both result and error")
	ErrNoResultOrError  = errors.New("jsonrpc: response has neither result nor error")
	ErrMissingID        = errors.New("jsonrpc: response missing id")
	ErrReservedCode     = errors.New("jsonrpc: error code in reserved range")
	ErrEmptyBatch       = errors.New("jsonrpc: empty batch")
	ErrNotObjectOrArray = errors.New("jsonrpc: message must be an object or array")
)

// AnyMessage is a generic JSON-RPC message (request, notification, or response).
type AnyMessage struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Request represents a JSON-RPC request (with an ID) or notification (without ID).
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Response represents a JSON-RPC response. The id is always emitted, as null
// when the request id could not be determined.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewRequest builds a request message. A nil id yields a notification.
func NewRequest(id *RequestID, method string, params any) (*AnyMessage, error) {
	m := &AnyMessage{JSONRPCVersion: ProtocolVersion, Method: method, ID: id}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		m.Params = b
	}
	return m, nil
}

// NewResultResponse builds a successful JSON-RPC response object.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Result:         resultBytes,
		ID:             id,
	}, nil
}

// NewErrorResponse builds an error JSON-RPC response with the given code.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
}

// UnmarshalJSON enforces the structural rules of JSON-RPC 2.0 while decoding.
func (m *AnyMessage) UnmarshalJSON(data []byte) error {
	type rawMessage AnyMessage

	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	msg := AnyMessage(raw)
	if err := msg.validateShape(); err != nil {
		return err
	}
	*m = msg
	return nil
}

// MarshalJSON always emits an id on responses (null when unknown).
func (m *AnyMessage) MarshalJSON() ([]byte, error) {
	type rawMessage AnyMessage
	if m.Method == "" {
		return json.Marshal(m.AsResponse())
	}
	return json.Marshal((*rawMessage)(m))
}

// Validate checks version, shape and error-code rules. It is applied to
// messages built in-process before they are serialized.
func (m *AnyMessage) Validate() error {
	if err := m.validateShape(); err != nil {
		return err
	}
	if m.Error != nil && !m.Error.Code.Allowed() {
		return fmt.Errorf("%w: %d", ErrReservedCode, m.Error.Code)
	}
	if m.Kind() == KindResponse && m.ID.IsNil() && m.Error == nil {
		return ErrMissingID
	}
	return nil
}

func (m *AnyMessage) validateShape() error {
	if m.JSONRPCVersion != ProtocolVersion {
		return fmt.Errorf("%w: expected %q, got %q", ErrInvalidVersion, ProtocolVersion, m.JSONRPCVersion)
	}

	hasResult := len(m.Result) > 0
	hasError := m.Error != nil

	if m.Method != "" {
		if hasResult || hasError {
			return ErrMixedFields
		}
		return nil
	}
	if hasResult && hasError {
		return ErrResultAndError
	}
	if !hasResult && !hasError {
		if m.ID.IsNil() {
			return ErrMissingMethod
		}
		return ErrNoResultOrError
	}
	return nil
}

// Kind reports whether the message is a request, notification or response.
func (m *AnyMessage) Kind() Kind {
	if m.Method != "" {
		if m.ID.IsNil() {
			return KindNotification
		}
		return KindRequest
	}
	return KindResponse
}

// IsRequest reports whether the message expects a response.
func (m *AnyMessage) IsRequest() bool { return m.Kind() == KindRequest }

// AsRequest returns the message as a Request if it is a request message, otherwise nil.
func (m *AnyMessage) AsRequest() *Request {
	if m.Method == "" {
		return nil
	}

	return &Request{
		JSONRPCVersion: m.JSONRPCVersion,
		Method:         m.Method,
		Params:         m.Params,
		ID:             m.ID,
	}
}

// AsResponse returns the message as a Response if it is a response message, otherwise nil.
func (m *AnyMessage) AsResponse() *Response {
	if m.Method != "" {
		return nil
	}

	return &Response{
		JSONRPCVersion: m.JSONRPCVersion,
		Result:         m.Result,
		Error:          m.Error,
		ID:             m.ID,
	}
}

// Message converts a Response back into the generic form.
func (r *Response) Message() *AnyMessage {
	return &AnyMessage{
		JSONRPCVersion: r.JSONRPCVersion,
		Result:         r.Result,
		Error:          r.Error,
		ID:             r.ID,
	}
}

// Clone returns a deep copy of the message.
func (m *AnyMessage) Clone() *AnyMessage {
	if m == nil {
		return nil
	}
	c := *m
	if m.Params != nil {
		c.Params = append(json.RawMessage(nil), m.Params...)
	}
	if m.Result != nil {
		c.Result = append(json.RawMessage(nil), m.Result...)
	}
	if m.Error != nil {
		e := *m.Error
		c.Error = &e
	}
	if m.ID != nil {
		id := *m.ID
		c.ID = &id
	}
	return &c
}

// IsBatch reports whether data is a JSON array after leading whitespace.
func IsBatch(data []byte) bool {
	data = bytes.TrimLeft(data, " \t\r\n")
	return len(data) > 0 && data[0] == '['
}

// ParseBatch decodes a JSON array of messages. Every element must be a
// valid message; an empty array is rejected.
func ParseBatch(data []byte) ([]*AnyMessage, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if len(raws) == 0 {
		return nil, ErrEmptyBatch
	}
	out := make([]*AnyMessage, 0, len(raws))
	for i, raw := range raws {
		var m AnyMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("batch element %d: %w", i, err)
		}
		out = append(out, &m)
	}
	return out, nil
}
