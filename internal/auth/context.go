package auth

import "context"

type callerContextKey struct{}

// ContextWithCaller stores the verified caller identity in the context.
func ContextWithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerContextKey{}, caller)
}

// CallerFromContext returns the verified caller identity, if any.
func CallerFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(callerContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
