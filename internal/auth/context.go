// ABOUTME: Identity context for tracking the verified caller through request handlers
// ABOUTME: Provides WithIdentity/FromContext for propagating identity via context

package auth

import (
	"context"
)

// Identity holds the verified caller extracted from a session token.
// This is populated by the HTTP middleware and retrieved from context in
// handlers. Every flow that touches challenges or credentials requires one.
type Identity struct {
	UserID      string
	Username    string
	DisplayName string
	Role        string
}

// IsAdmin returns true if the caller has the admin role.
func (i *Identity) IsAdmin() bool {
	return i.Role == "admin"
}

// identityContextKey is the key type for storing Identity in context.Context.
type identityContextKey struct{}

// WithIdentity returns a new context with the Identity attached.
func WithIdentity(ctx context.Context, ident *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, ident)
}

// FromContext retrieves the Identity from the context, returning nil if not present.
func FromContext(ctx context.Context) *Identity {
	val := ctx.Value(identityContextKey{})
	if val == nil {
		return nil
	}
	ident, ok := val.(*Identity)
	if !ok {
		return nil
	}
	return ident
}

// MustFromContext retrieves the Identity from the context, panicking if not present.
func MustFromContext(ctx context.Context) *Identity {
	ident := FromContext(ctx)
	if ident == nil {
		panic("auth: Identity not found in context")
	}
	return ident
}
