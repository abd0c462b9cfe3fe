package auth

import (
	"context"
	"errors"
)

var ErrNoIdentity = errors.New("auth: no operator identity in context")

// Identity is the authenticated operator behind a request.
type Identity struct {
	UserID string
	Role   string
}

type identityKey struct{}

func WithIdentity(ctx context.Context, userID, role string) context.Context {
	return context.WithValue(ctx, identityKey{}, Identity{UserID: userID, Role: role})
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

func UserID(ctx context.Context) (string, error) {
	if id, ok := IdentityFrom(ctx); ok && id.UserID != "" {
		return id.UserID, nil
	}
	return "", ErrNoIdentity
}

func Role(ctx context.Context) (string, error) {
	if id, ok := IdentityFrom(ctx); ok && id.Role != "" {
		return id.Role, nil
	}
	return "", ErrNoIdentity
}
