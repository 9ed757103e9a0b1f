// Package protocol is the framing-independent half of the proxy's wire
// handling: JSON-RPC serialization with size limits, structural validation,
// request/response correlation and MCP version negotiation.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ggoodman/mcp-proxy-go/jsonrpc"
	"github.com/ggoodman/mcp-proxy-go/proxyerr"
)

// DefaultMaxMessageSize bounds a single serialized message.
const DefaultMaxMessageSize = 4 << 20

// Handler serializes and validates JSON-RPC messages.
type Handler struct {
	maxSize    int
	allowBatch bool
}

// HandlerOption customizes a Handler.
type HandlerOption func(*Handler)

// WithMaxMessageSize sets the largest accepted message in bytes.
func WithMaxMessageSize(n int) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxSize = n
		}
	}
}

// WithBatching controls whether JSON-RPC batch arrays are accepted.
func WithBatching(allow bool) HandlerOption {
	return func(h *Handler) {
		h.allowBatch = allow
	}
}

// NewHandler constructs a Handler.
func NewHandler(opts ...HandlerOption) *Handler {
	h := &Handler{maxSize: DefaultMaxMessageSize}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// MaxMessageSize returns the configured message size limit.
func (h *Handler) MaxMessageSize() int { return h.maxSize }

// Serialize validates msg and encodes it.
func (h *Handler) Serialize(msg *jsonrpc.AnyMessage) ([]byte, error) {
	if msg == nil {
		return nil, proxyerr.E(proxyerr.SerializationError, "protocol.serialize", errors.New("nil message"))
	}
	if err := h.Validate(msg); err != nil {
		return nil, err
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, proxyerr.E(proxyerr.SerializationError, "protocol.serialize", err)
	}
	if len(b) > h.maxSize {
		return nil, proxyerr.E(proxyerr.MessageTooLarge, "protocol.serialize",
			fmt.Errorf("%d bytes exceeds limit of %d", len(b), h.maxSize))
	}
	return b, nil
}

// SerializeBatch encodes several messages as one JSON array.
func (h *Handler) SerializeBatch(msgs []*jsonrpc.AnyMessage) ([]byte, error) {
	for _, m := range msgs {
		if err := h.Validate(m); err != nil {
			return nil, err
		}
	}
	b, err := json.Marshal(msgs)
	if err != nil {
		return nil, proxyerr.E(proxyerr.SerializationError, "protocol.serialize_batch", err)
	}
	if len(b) > h.maxSize {
		return nil, proxyerr.E(proxyerr.MessageTooLarge, "protocol.serialize_batch",
			fmt.Errorf("%d bytes exceeds limit of %d", len(b), h.maxSize))
	}
	return b, nil
}

// Deserialize decodes exactly one message. Malformed JSON is a
// DeserializationError; well-formed JSON that is not a valid JSON-RPC 2.0
// message is a ProtocolViolation.
func (h *Handler) Deserialize(data []byte) (*jsonrpc.AnyMessage, error) {
	if err := h.checkInbound(data, "protocol.deserialize"); err != nil {
		return nil, err
	}
	if jsonrpc.IsBatch(data) {
		return nil, proxyerr.E(proxyerr.ProtocolViolation, "protocol.deserialize", errors.New("unexpected batch"))
	}
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, proxyerr.E(proxyerr.ProtocolViolation, "protocol.deserialize", err)
	}
	if err := h.Validate(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// DeserializeBatch decodes a single message or, when batching is enabled,
// a batch array. The boolean reports whether the input was a batch.
func (h *Handler) DeserializeBatch(data []byte) ([]*jsonrpc.AnyMessage, bool, error) {
	if !jsonrpc.IsBatch(data) {
		msg, err := h.Deserialize(data)
		if err != nil {
			return nil, false, err
		}
		return []*jsonrpc.AnyMessage{msg}, false, nil
	}
	if err := h.checkInbound(data, "protocol.deserialize_batch"); err != nil {
		return nil, true, err
	}
	if !h.allowBatch {
		return nil, true, proxyerr.E(proxyerr.ProtocolViolation, "protocol.deserialize_batch", errors.New("batching not supported"))
	}
	msgs, err := jsonrpc.ParseBatch(data)
	if err != nil {
		return nil, true, proxyerr.E(proxyerr.ProtocolViolation, "protocol.deserialize_batch", err)
	}
	for _, m := range msgs {
		if err := h.Validate(m); err != nil {
			return nil, true, err
		}
	}
	return msgs, true, nil
}

// Validate applies JSON-RPC 2.0 structural rules.
func (h *Handler) Validate(msg *jsonrpc.AnyMessage) error {
	if err := msg.Validate(); err != nil {
		return proxyerr.E(proxyerr.ProtocolViolation, "protocol.validate", err)
	}
	return nil
}

func (h *Handler) checkInbound(data []byte, op string) error {
	if len(data) > h.maxSize {
		return proxyerr.E(proxyerr.MessageTooLarge, op, fmt.Errorf("%d bytes exceeds limit of %d", len(data), h.maxSize))
	}
	if !json.Valid(data) {
		return proxyerr.E(proxyerr.DeserializationError, op, errors.New("invalid JSON"))
	}
	return nil
}

// ErrorResponse converts a proxy failure into the JSON-RPC error response a
// client should see for request id.
func ErrorResponse(id *jsonrpc.RequestID, err error) *jsonrpc.AnyMessage {
	var data any
	var negErr *NegotiationError
	if errors.As(err, &negErr) {
		data = negErr.Data()
	}
	return jsonrpc.NewErrorResponse(id, ErrorCodeFor(err), err.Error(), data).Message()
}

// ErrorCodeFor picks the JSON-RPC error code that best describes err.
func ErrorCodeFor(err error) jsonrpc.ErrorCode {
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Code
	}
	switch proxyerr.KindOf(err) {
	case proxyerr.DeserializationError:
		return jsonrpc.ErrorCodeParseError
	case proxyerr.ProtocolViolation:
		return jsonrpc.ErrorCodeInvalidRequest
	case proxyerr.NegotiationFailed:
		return jsonrpc.ErrorCodeInvalidParams
	case proxyerr.Timeout, proxyerr.PoolTimeout:
		return jsonrpc.ErrorCodeUpstreamTimeout
	case proxyerr.MessageTooLarge:
		return jsonrpc.ErrorCodeMessageTooLarge
	case proxyerr.NotConnected, proxyerr.ConnectionFailed, proxyerr.StreamInterrupted,
		proxyerr.ProcessSpawnFailed, proxyerr.PoolExhausted, proxyerr.Closed:
		return jsonrpc.ErrorCodeUpstreamUnavailable
	}
	return jsonrpc.ErrorCodeInternalError
}
