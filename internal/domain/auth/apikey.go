// Package auth resolves storefront API keys to tenants and carries the
// caller's identity through a request context.
package auth

import (
	"context"

	"github.com/go-faster/errors"
)

// ErrUnauthorized is returned when an API key does not resolve to an active tenant key.
var ErrUnauthorized = errors.New("unauthorized")

// APIKeyInfo holds the identity data for a validated API key.
type APIKeyInfo struct {
	ID       string
	TenantID string
	KeyHash  string
	Name     string
}

// Repository provides lookup of API keys by their HMAC hash.
type Repository interface {
	FindByHash(ctx context.Context, hash string) (*APIKeyInfo, error)
}

// Identity is the authenticated caller of a request.
type Identity struct {
	TenantID   string
	CustomerID string
}

type identityKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity stored in ctx.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
