package tools

import "context"

type sessionKey struct{}

// WithSessionID tags a dispatch context with the originating session so
// handlers that create changesets can record where they came from.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionID returns the session id attached to a dispatch context, or "".
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}
