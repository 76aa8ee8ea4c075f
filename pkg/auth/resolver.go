package auth

import (
	"context"
	"log/slog"

	"github.com/ozgurkan/chatgate/pkg/protocol"
)

// Demo identity used when authentication is disabled.
const (
	DemoExternalID = "demo-user"
	DemoEmail      = "demo@localhost"
)

// UserStore is the slice of the durable store the resolver needs.
type UserStore interface {
	GetUserByExternalID(ctx context.Context, externalID string) (*protocol.User, error)
	CreateUser(ctx context.Context, user *protocol.User) (*protocol.User, error)
}

// UserResolver maps external identities to local user rows, creating the
// row on first sight.
type UserResolver struct {
	store UserStore
}

func NewUserResolver(store UserStore) *UserResolver {
	return &UserResolver{store: store}
}

// Resolve returns the local user id for the claims. Nil claims means
// demo/disabled-auth mode and resolves to the fixed demo user.
//
// Concurrent first requests for the same identity race on the insert; the
// loser re-reads by external id and returns the winner's row.
func (r *UserResolver) Resolve(ctx context.Context, claims *Claims) (int64, error) {
	if claims == nil {
		return r.resolveDemo(ctx)
	}

	user, err := r.store.GetUserByExternalID(ctx, claims.Subject)
	if err != nil && !protocol.IsKind(err, protocol.KindNotFound) {
		return 0, err
	}
	if user != nil {
		return user.ID, nil
	}

	username := claims.PreferredUsername
	if username == "" {
		username = claims.Email
	}

	created, err := r.store.CreateUser(ctx, &protocol.User{
		ExternalID: claims.Subject,
		Email:      claims.Email,
		Username:   username,
		FirstName:  claims.GivenName,
		LastName:   claims.FamilyName,
		Role:       claims.Role,
		Active:     true,
	})
	if err == nil {
		slog.Info("provisioned user", "external_id", claims.Subject, "user_id", created.ID)
		return created.ID, nil
	}

	if protocol.IsKind(err, protocol.KindConflict) {
		existing, readErr := r.store.GetUserByExternalID(ctx, claims.Subject)
		if readErr == nil && existing != nil {
			return existing.ID, nil
		}
	}
	return 0, err
}

func (r *UserResolver) resolveDemo(ctx context.Context) (int64, error) {
	user, err := r.store.GetUserByExternalID(ctx, DemoExternalID)
	if err != nil && !protocol.IsKind(err, protocol.KindNotFound) {
		return 0, err
	}
	if user != nil {
		return user.ID, nil
	}

	created, err := r.store.CreateUser(ctx, &protocol.User{
		ExternalID: DemoExternalID,
		Email:      DemoEmail,
		Username:   "demo",
		Role:       "user",
		Active:     true,
	})
	if err == nil {
		return created.ID, nil
	}

	if protocol.IsKind(err, protocol.KindConflict) {
		existing, readErr := r.store.GetUserByExternalID(ctx, DemoExternalID)
		if readErr == nil && existing != nil {
			return existing.ID, nil
		}
	}
	return 0, err
}
