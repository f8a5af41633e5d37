// Package auth implements the authorization pipeline shared by both
// transports: credential → verified claims → provisioned profile → principal,
// then a role check against the operation's declared required roles.
//
// Authentication and authorization are deliberately two separate checks
// invoked in fixed order, so an unauthenticated caller is always told
// UNAUTHENTICATED and never FORBIDDEN. The pipeline resolves the profile
// once; both checks consume the same principal.
package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"

	apperrors "github.com/asklive/session-server-go/internal/errors"
	"github.com/asklive/session-server-go/internal/directory"
	"github.com/asklive/session-server-go/internal/model"
	"github.com/asklive/session-server-go/internal/treestore"
)

type Pipeline struct {
	verifier directory.TokenVerifier
	store    treestore.Store
}

func NewPipeline(verifier directory.TokenVerifier, store treestore.Store) *Pipeline {
	return &Pipeline{verifier: verifier, store: store}
}

// Authenticate verifies the credential and resolves the caller's provisioned
// profile. A verified token whose subject has no users/{uid} record is not a
// valid principal.
func (p *Pipeline) Authenticate(ctx context.Context, credential string) (*model.Principal, error) {
	if strings.TrimSpace(credential) == "" {
		return nil, apperrors.Unauthenticated("Missing authentication token")
	}

	claims, err := p.verifier.Verify(ctx, credential)
	if err != nil {
		log.Warn().Err(err).Msg("auth: token verification failed")
		return nil, apperrors.Unauthenticated("Token verification failed")
	}

	var profile model.UserProfile
	err = p.store.Get(ctx, treestore.Join("users", claims.UID), &profile)
	if errors.Is(err, treestore.ErrNotFound) {
		log.Warn().Str("uid", claims.UID).Msg("auth: verified token without provisioned profile")
		return nil, apperrors.Unauthenticated("User not provisioned")
	}
	if err != nil {
		return nil, apperrors.Unavailable(err)
	}

	return &model.Principal{
		UID:   claims.UID,
		Role:  profile.Role,
		Email: profile.Email,
	}, nil
}

// Authorize checks the principal's role against the operation's required-role
// set. An empty set means any authenticated principal may proceed.
func Authorize(principal *model.Principal, required []model.Role) error {
	if principal == nil {
		return apperrors.Unauthenticated("Missing principal")
	}
	if len(required) == 0 {
		return nil
	}
	for _, role := range required {
		if principal.Role == role {
			return nil
		}
	}
	return apperrors.Forbidden("Insufficient role")
}

// BearerToken extracts the token from an Authorization header value.
// Returns "" when the header is absent or not a bearer credential.
func BearerToken(header string) string {
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}
