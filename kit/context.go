package kit

import "context"

type contextKey string

const (
	TransportKey contextKey = "kit_transport" // "cli", "mcp", "watch"
	TraceIDKey   contextKey = "kit_trace_id"
	SourceKey    contextKey = "kit_source"
)

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(TransportKey).(string); ok {
		return v
	}
	return "cli"
}

// WithTraceID tags ctx with the import run ID. The SQL trace driver and the
// importer's log lines pick it up.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}

// WithSource records the progress key (journal path or screenshot path)
// currently being imported.
func WithSource(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, SourceKey, key)
}
func GetSource(ctx context.Context) string {
	v, _ := ctx.Value(SourceKey).(string)
	return v
}
