// Package stdio implements the pipe transports of the proxy: newline-delimited
// JSON-RPC over a reader/writer pair.
//
// Pipe is the raw transport. Incoming serves a single client session over
// the proxy's own stdin/stdout. Outgoing spawns an upstream tool server as a
// subprocess and multiplexes concurrent requests over its pipes; a drain
// goroutine reads every line the child writes and routes responses to the
// waiting request by id and everything else to the notification handler.
//
//	Connection model : 1 process <-> 1 proxy connection, shared by sessions
//	Framing          : one JSON value per line, '\n' terminated
//	Backpressure     : bounded frame channel between reader and consumer
package stdio
