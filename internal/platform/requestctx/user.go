// Package requestctx carries the authenticated user identity through a
// request. The session middleware stores it; handlers read it.
package requestctx

import "context"

type userIDContextKey struct{}

// WithUserID stores the authenticated user's identifier in context.
func WithUserID(ctx context.Context, userID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, userIDContextKey{}, userID)
}

// UserIDFromContext returns the authenticated user's identifier, or an
// empty string for an unauthenticated request.
func UserIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(userIDContextKey{}).(string)
	return value
}
