// Package streaminghttp implements both ends of the MCP streamable HTTP
// transport.
//
// Outgoing speaks to an upstream MCP server over HTTP: each request is a POST
// whose reply is either a single application/json body or a text/event-stream
// of events ending in the response. Interrupted streams are resumed with a GET
// carrying Last-Event-ID. After notifications/initialized an Outgoing also
// opens the standalone GET stream for server-initiated messages.
//
// Server is the client-facing side. It is an http.Handler that creates a
// session on every initialize POST and yields it through Accept as an
// Incoming. Replies are written as JSON when a single response is available
// and as SSE when the upstream streams or the client only accepts events.
//
//	srv := streaminghttp.NewServer(streaminghttp.WithLogger(log))
//	mux.Handle("/mcp", srv)
//	for {
//	    in, err := srv.Accept(ctx)
//	    ...
//	}
//
// HTTPExchange and EventStream are the raw byte-level transports the two
// sides are built from.
package streaminghttp
