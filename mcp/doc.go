// Package mcp contains the Model Context Protocol constants and the handful
// of wire types the proxy has to look inside: method names, protocol
// versions, and the initialize handshake. Everything else is forwarded as
// opaque JSON-RPC params and results.
//
// # Protocol versions
//
// SupportedProtocolVersions lists the dated revisions the proxy can speak,
// newest first. LatestProtocolVersion is the preferred revision when a client
// does not state one. SupportsBatching reports which revisions allow JSON-RPC
// batch arrays (only 2025-03-26; batching was removed again in 2025-06-18).
package mcp
