// Package sessions holds the proxy's per-client session record and the store
// it is persisted in.
//
// A Session is a value: callers load it, change a copy and write the whole
// record back with Update. Nothing mutates a stored session in place, so the
// memory and Redis backends behave the same.
//
// # Lifecycle
//
// Every session moves through a fixed set of states:
//
//	Idle -> Negotiating -> Active <-> Streaming
//	                 \        \          /
//	                  +------> Closing -> Closed
//
// Negotiating may fall back to Idle when the client's proposal is rejected so
// that it can retry initialize on the same connection. Transition validates
// each step and returns an error for anything else.
//
// # Stores
//
// KVStore implements Store on top of any storage.Storage, typically
// storage/memory for a single process or storage/redis when several proxy
// instances share sessions. The storetest package is the conformance suite
// both run.
package sessions
