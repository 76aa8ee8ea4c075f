// Package session holds prepared stream sessions between the prepare call
// and the stream call. Sessions are short-lived, keyed by an opaque token,
// and consumed exactly once.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ozgurkan/chatgate/pkg/protocol"
)

// DefaultTTL bounds how long a prepared stream waits to be consumed.
const DefaultTTL = 300 * time.Second

const tokenBytes = 16 // 128 bits

// Store is the stream-session handoff. Get does not extend the TTL and
// Delete is idempotent.
type Store interface {
	// Create stores the session under a fresh token and returns the token.
	Create(ctx context.Context, sess *protocol.StreamSession) (string, error)

	// Get returns the session for token, or not_found if absent or expired.
	Get(ctx context.Context, token string) (*protocol.StreamSession, error)

	// Delete removes the session. Deleting an absent token is not an error.
	Delete(ctx context.Context, token string) error
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func sessionKey(token string) string {
	return "stream:" + token
}

func errSessionNotFound() error {
	return protocol.NewError(protocol.KindNotFound, "stream session not found or expired")
}
