// Package kit carries request-scoped values and the endpoint/middleware
// shape shared by the relay's transports (HTTP, in-process, MCP), and the
// typed MCP tool registration built on them.
package kit

import "context"

type contextKey string

const (
	TransportKey    contextKey = "kit_transport" // "http", "local", "mcp"
	RequestIDKey    contextKey = "kit_request_id"
	CallerOriginKey contextKey = "kit_caller_origin"
)

// Transport names recorded alongside relay calls.
const (
	TransportHTTP  = "http"
	TransportLocal = "local"
	TransportMCP   = "mcp"
)

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}

// GetTransport defaults to TransportLocal: a call that did not arrive over
// a network transport was made in-process.
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(TransportKey).(string); ok && v != "" {
		return v
	}
	return TransportLocal
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}
func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(RequestIDKey).(string)
	return v
}

// WithCallerOrigin records the page URL a request was issued from.
func WithCallerOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, CallerOriginKey, origin)
}
func GetCallerOrigin(ctx context.Context) string {
	v, _ := ctx.Value(CallerOriginKey).(string)
	return v
}
