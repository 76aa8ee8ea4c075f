// Package auth validates bearer tokens against the identity provider and
// resolves the gateway-local user for a set of claims.
package auth

import (
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Claims is the identity extracted from a validated token.
type Claims struct {
	Subject           string    `json:"sub"`
	Email             string    `json:"email"`
	PreferredUsername string    `json:"preferred_username"`
	GivenName         string    `json:"given_name"`
	FamilyName        string    `json:"family_name"`
	Roles             []string  `json:"roles"`
	Role              string    `json:"role"`
	IssuedAt          time.Time `json:"iat"`
	ExpiresAt         time.Time `json:"exp"`
}

// IsAdmin reports whether the primary role grants administrator access.
func (c *Claims) IsAdmin() bool {
	return c != nil && c.Role == "admin"
}

func stringClaim(token jwt.Token, name string) string {
	if v, ok := token.Get(name); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// extractClaims pulls the gateway-relevant claims out of a parsed token.
// Roles come from the realm_access.roles claim when present.
func extractClaims(token jwt.Token) *Claims {
	claims := &Claims{
		Subject:           token.Subject(),
		Email:             stringClaim(token, "email"),
		PreferredUsername: stringClaim(token, "preferred_username"),
		GivenName:         stringClaim(token, "given_name"),
		FamilyName:        stringClaim(token, "family_name"),
		IssuedAt:          token.IssuedAt(),
		ExpiresAt:         token.Expiration(),
	}

	if v, ok := token.Get("realm_access"); ok {
		if access, ok := v.(map[string]interface{}); ok {
			if raw, ok := access["roles"].([]interface{}); ok {
				for _, r := range raw {
					if s, ok := r.(string); ok {
						claims.Roles = append(claims.Roles, s)
					}
				}
			}
		}
	}

	claims.Role = "user"
	for _, r := range claims.Roles {
		if r == "admin" {
			claims.Role = "admin"
			break
		}
	}

	return claims
}
