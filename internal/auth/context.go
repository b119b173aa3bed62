// ABOUTME: Request context helpers for carrying the authenticated user ID
// ABOUTME: Shared by the HTTP middleware and API handlers

package auth

import "context"

type contextKey struct{}

// WithUser returns a context carrying the authenticated user ID.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKey{}, userID)
}

// UserFromContext extracts the authenticated user ID from the context.
// Returns an empty string if the request was not authenticated.
func UserFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(contextKey{}).(string)
	return userID
}
