package session

import (
	"context"
	"sync"
	"time"

	"github.com/ozgurkan/chatgate/pkg/protocol"
)

// MemoryStore is a single-process Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]memoryEntry
	ttl      time.Duration
	now      func() time.Time
}

type memoryEntry struct {
	session   protocol.StreamSession
	expiresAt time.Time
}

// NewMemoryStore returns an in-memory store. A non-positive ttl falls back
// to DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		sessions: make(map[string]memoryEntry),
		ttl:      ttl,
		now:      time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, sess *protocol.StreamSession) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", protocol.WrapError(protocol.KindInternal, "session token generation failed", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess.Token = token
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = s.now().UTC()
	}
	s.sessions[sessionKey(token)] = memoryEntry{
		session:   *sess,
		expiresAt: s.now().Add(s.ttl),
	}
	return token, nil
}

func (s *MemoryStore) Get(ctx context.Context, token string) (*protocol.StreamSession, error) {
	s.mu.RLock()
	entry, ok := s.sessions[sessionKey(token)]
	s.mu.RUnlock()

	if !ok || s.now().After(entry.expiresAt) {
		return nil, errSessionNotFound()
	}
	sess := entry.session
	return &sess, nil
}

func (s *MemoryStore) Delete(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionKey(token))
	return nil
}

var _ Store = (*MemoryStore)(nil)
