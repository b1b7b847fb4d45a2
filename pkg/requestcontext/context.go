// Package requestcontext holds request-scoped values set by middleware and read
// by handlers and services without importing net/http.
package requestcontext

import "context"

type (
	requestIDKey struct{}
	clientIPKey  struct{}
	callerKey    struct{}
)

// RequestID returns the request ID, or "" when unset.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithRequestID injects a request ID into the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// ClientIP returns the resolved client IP, or "" when unset.
func ClientIP(ctx context.Context) string {
	if v, ok := ctx.Value(clientIPKey{}).(string); ok {
		return v
	}
	return ""
}

// WithClientIP injects the resolved client IP into the context.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

// Caller returns the identity used for per-caller rate limiting.
// Falls back to the client IP when no explicit caller was set.
func Caller(ctx context.Context) string {
	if v, ok := ctx.Value(callerKey{}).(string); ok && v != "" {
		return v
	}
	return ClientIP(ctx)
}

// WithCaller sets the caller identity, typically a wallet address.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}
