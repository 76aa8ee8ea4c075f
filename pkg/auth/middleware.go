package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

const identityContextKey contextKey = "identity"

// Identity is the authenticated caller attached to request context.
type Identity struct {
	UserID int64
	Claims *Claims
}

// IsAdmin reports whether the caller holds the admin role.
func (id *Identity) IsAdmin() bool {
	return id != nil && id.Claims.IsAdmin()
}

// Middleware authenticates /api/ requests: validates the bearer token and
// resolves the local user. With auth disabled it injects the demo identity.
type Middleware struct {
	validator *TokenValidator
	resolver  *UserResolver
	enabled   bool
}

func NewMiddleware(validator *TokenValidator, resolver *UserResolver, enabled bool) *Middleware {
	return &Middleware{validator: validator, resolver: resolver, enabled: enabled}
}

func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled {
			userID, err := m.resolver.Resolve(r.Context(), nil)
			if err != nil {
				writeAuthError(w, http.StatusServiceUnavailable, "store_unavailable", "user store unavailable")
				return
			}
			ctx := WithIdentity(r.Context(), &Identity{UserID: userID, Claims: nil})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeAuthError(w, http.StatusUnauthorized, "auth_missing", "missing Authorization header")
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			writeAuthError(w, http.StatusUnauthorized, "auth_invalid", "expected: Bearer <token>")
			return
		}

		claims := m.validator.Validate(r.Context(), tokenString)
		if claims == nil {
			writeAuthError(w, http.StatusUnauthorized, "auth_invalid", "token validation failed")
			return
		}

		userID, err := m.resolver.Resolve(r.Context(), claims)
		if err != nil {
			writeAuthError(w, http.StatusServiceUnavailable, "store_unavailable", "user store unavailable")
			return
		}

		ctx := WithIdentity(r.Context(), &Identity{UserID: userID, Claims: claims})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeAuthError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]map[string]string{
		"error": {"type": kind, "message": message},
	}
	_ = json.NewEncoder(w).Encode(body)
}

// WithIdentity attaches an identity to the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// IdentityFromContext returns the request identity, or nil outside the
// middleware.
func IdentityFromContext(ctx context.Context) *Identity {
	if id, ok := ctx.Value(identityContextKey).(*Identity); ok {
		return id
	}
	return nil
}
