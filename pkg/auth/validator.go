package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// TokenValidator verifies bearer tokens against the identity provider's
// JWKS. The key set is cached and refreshed in the background to survive
// key rotation.
type TokenValidator struct {
	jwksURL  string
	cache    *jwk.Cache
	issuer   string
	audience string
}

// NewTokenValidator fetches the JWKS once to validate configuration and
// registers it for periodic refresh.
//
// issuer is the externally visible identity-provider URL; it may differ from
// the host in jwksURL when JWKS retrieval goes over the deployment-internal
// network. audience must be the token's intended audience claim (the
// provider's account audience, not the client id).
func NewTokenValidator(jwksURL, issuer, audience string, refreshInterval time.Duration) (*TokenValidator, error) {
	ctx := context.Background()

	if refreshInterval <= 0 {
		refreshInterval = 15 * time.Minute
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(refreshInterval)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", jwksURL, err)
	}

	return &TokenValidator{
		jwksURL:  jwksURL,
		cache:    cache,
		issuer:   issuer,
		audience: audience,
	}, nil
}

// Validate checks signature, expiry, issuer and audience. Any failure —
// malformed token, unsupported algorithm, unknown key id, wrong audience —
// yields nil claims; callers never see a validation error.
func (v *TokenValidator) Validate(ctx context.Context, tokenString string) *Claims {
	keyset, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		slog.Warn("JWKS unavailable", "url", v.jwksURL, "error", err)
		return nil
	}

	token, err := jwt.Parse(
		[]byte(tokenString),
		jwt.WithKeySet(keyset),
		jwt.WithValidate(true),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		slog.Debug("token rejected", "error", err)
		return nil
	}

	return extractClaims(token)
}
