package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603

	// ErrorCodeServerErrorMin and ErrorCodeServerErrorMax bound the range
	// reserved for implementation-defined server errors.
	ErrorCodeServerErrorMin ErrorCode = -32099
	ErrorCodeServerErrorMax ErrorCode = -32000

	// ErrorCodeUpstreamUnavailable is returned by the proxy when the upstream
	// transport failed before a response could be produced.
	ErrorCodeUpstreamUnavailable ErrorCode = -32001
	// ErrorCodeUpstreamTimeout is returned when the upstream did not answer in time.
	ErrorCodeUpstreamTimeout ErrorCode = -32002
	// ErrorCodeMessageTooLarge is returned when a message exceeds the size limit.
	ErrorCodeMessageTooLarge ErrorCode = -32003

	reservedMin ErrorCode = -32768
	reservedMax ErrorCode = -32000
)

// Reserved reports whether c lies in the range reserved by JSON-RPC 2.0.
func (c ErrorCode) Reserved() bool {
	return c >= reservedMin && c <= reservedMax
}

// Allowed reports whether c may appear on the wire: either outside the
// reserved range, one of the predefined codes, or a server error code.
func (c ErrorCode) Allowed() bool {
	if !c.Reserved() {
		return true
	}
	switch c {
	case ErrorCodeParseError, ErrorCodeInvalidRequest, ErrorCodeMethodNotFound,
		ErrorCodeInvalidParams, ErrorCodeInternalError:
		return true
	}
	return c >= ErrorCodeServerErrorMin && c <= ErrorCodeServerErrorMax
}
