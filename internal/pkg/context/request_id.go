package context

import "context"

type requestIDKey struct{}
type actorIDKey struct{}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func GetRequestID(ctx context.Context) string {
	v := ctx.Value(requestIDKey{})
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// TraceID is the request id, or a fixed marker for work not started by a request.
func TraceID(ctx context.Context) string {
	if rid := GetRequestID(ctx); rid != "" {
		return rid
	}
	return "no-request-id"
}

// WithActorID tags the context with the authenticated user for log correlation.
func WithActorID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, actorIDKey{}, id)
}

func GetActorID(ctx context.Context) string {
	if s, ok := ctx.Value(actorIDKey{}).(string); ok {
		return s
	}
	return ""
}
