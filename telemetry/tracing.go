package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of every proxy span.
const TracerName = "github.com/ggoodman/mcp-proxy-go"

// Span attribute keys.
const (
	AttrSessionID = attribute.Key("mcp.session.id")
	AttrMethod    = attribute.Key("rpc.method")
	AttrRequestID = attribute.Key("rpc.jsonrpc.request_id")
	AttrUpstream  = attribute.Key("mcp.upstream")
	AttrMode      = attribute.Key("mcp.response_mode")
	AttrVersion   = attribute.Key("mcp.protocol_version")
	AttrEvents    = attribute.Key("mcp.stream.events")
)

// Tracer returns the proxy tracer from the global provider. Without a
// configured provider every span is a no-op.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// StartRequest opens the span covering one forwarded client message.
func StartRequest(ctx context.Context, tr trace.Tracer, sessionID, method, requestID string) (context.Context, trace.Span) {
	if tr == nil {
		tr = Tracer()
	}
	attrs := []attribute.KeyValue{AttrSessionID.String(sessionID), AttrMethod.String(method)}
	if requestID != "" {
		attrs = append(attrs, AttrRequestID.String(requestID))
	}
	return tr.Start(ctx, "proxy."+method, trace.WithSpanKind(trace.SpanKindServer), trace.WithAttributes(attrs...))
}

// RecordError marks span failed with err.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
