// Package directory is the client side of the identity service: it turns a
// bearer credential into verified claims. Profile and role records live in
// the tree store and are resolved by the auth pipeline, not here.
package directory

import "context"

// Claims are the verified assertions extracted from a credential.
type Claims struct {
	UID   string
	Email string
}

// TokenVerifier verifies a bearer token and returns its claims. An error
// means the token is invalid, expired, or unverifiable.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}
