// Package identity implements the Identity Gate: bearer-token
// authentication against an external auth provider and the
// authenticated-user-vs-path-user cross-tenant check.
package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/pilothq/controlplane/internal/errors"
	"github.com/pilothq/controlplane/internal/logger"
)

// Gate verifies bearer tokens minted by the external auth provider.
// The underlying oidc.Provider handles JWKS fetch and rotation-refresh
// internally; the Gate itself holds no cryptographic material.
type Gate struct {
	verifier *oidc.IDTokenVerifier
}

// New builds a Gate from the provider's issuer URL and the audience
// this service expects in every token.
func New(ctx context.Context, issuerURL, audience string) (*Gate, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover oidc provider %s: %w", issuerURL, err)
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: audience})
	return &Gate{verifier: verifier}, nil
}

// Claims is the subset of the verified token this service relies on.
type Claims struct {
	UserID string
}

// Authenticate verifies the bearer token in an Authorization header and
// returns the authenticated user's ID.
func (g *Gate) Authenticate(ctx context.Context, authorizationHeader string) (*Claims, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(authorizationHeader, prefix) {
		return nil, errors.Auth("missing bearer token")
	}
	rawToken := strings.TrimPrefix(authorizationHeader, prefix)

	idToken, err := g.verifier.Verify(ctx, rawToken)
	if err != nil {
		logger.Identity().Warn().Err(err).Msg("token verification failed")
		return nil, errors.Auth("invalid or expired token")
	}

	var claims struct {
		Subject string `json:"sub"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, errors.Auth("malformed token claims")
	}
	if claims.Subject == "" {
		return nil, errors.Auth("token missing subject claim")
	}

	return &Claims{UserID: claims.Subject}, nil
}

// Authorize is the Gate's sole cross-tenant check: the authenticated
// user must equal the user named in the request path. There is no
// admin override.
func Authorize(authenticatedUserID, pathUserID string) error {
	if authenticatedUserID != pathUserID {
		return errors.Forbidden("authenticated user does not match requested user")
	}
	return nil
}
