// Package identity carries the already-authenticated user of a request on its
// context. The core never authenticates; adapters resolve the user and call
// WithUserID before invoking a service.
package identity

import "context"

type ctxKeyUserID struct{}

func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, ctxKeyUserID{}, userID)
}

// UserID returns the user resolved for the request, if any.
func UserID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(ctxKeyUserID{}).(int64)
	return id, ok && id > 0
}
