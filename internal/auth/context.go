package auth

import (
	"context"
	"errors"
)

// Identity is the pre-verified caller of an API request.
type Identity struct {
	UserID      string
	WorkspaceID string
}

var ErrNoIdentity = errors.New("auth: identity not in context")

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the caller identity. Both ids must be present.
func FromContext(ctx context.Context) (Identity, error) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	if !ok || id.UserID == "" || id.WorkspaceID == "" {
		return Identity{}, ErrNoIdentity
	}
	return id, nil
}
