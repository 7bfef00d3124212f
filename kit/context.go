package kit

import "context"

// contextKey namespaces kit's context values.
type contextKey string

const (
	TransportKey  contextKey = "kit_transport" // "http", "mcp", "mcp_quic"
	RequestIDKey  contextKey = "kit_request_id"
	TraceIDKey    contextKey = "kit_trace_id"
	SessionIDKey  contextKey = "kit_session_id"
	RemoteAddrKey contextKey = "kit_remote_addr"
)

func setString(ctx context.Context, key contextKey, v string) context.Context {
	return context.WithValue(ctx, key, v)
}

func getString(ctx context.Context, key contextKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// WithTransport records which surface a request arrived on. GetTransport
// defaults to "http" so REST handlers need no explicit tagging.
func WithTransport(ctx context.Context, t string) context.Context {
	return setString(ctx, TransportKey, t)
}

func GetTransport(ctx context.Context) string {
	if v := getString(ctx, TransportKey); v != "" {
		return v
	}
	return "http"
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return setString(ctx, RequestIDKey, id)
}

func GetRequestID(ctx context.Context) string { return getString(ctx, RequestIDKey) }

func WithTraceID(ctx context.Context, id string) context.Context {
	return setString(ctx, TraceIDKey, id)
}

func GetTraceID(ctx context.Context) string { return getString(ctx, TraceIDKey) }

func WithSessionID(ctx context.Context, id string) context.Context {
	return setString(ctx, SessionIDKey, id)
}

func GetSessionID(ctx context.Context) string { return getString(ctx, SessionIDKey) }

func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return setString(ctx, RemoteAddrKey, addr)
}

func GetRemoteAddr(ctx context.Context) string { return getString(ctx, RemoteAddrKey) }
