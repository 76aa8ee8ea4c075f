package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ozgurkan/chatgate/pkg/protocol"
)

// RedisStore keeps stream sessions in Redis so a multi-replica deployment
// can prepare on one node and stream from another.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore connects to redisURL (redis://host:port/db) and verifies
// the connection. A non-positive ttl falls back to DefaultTTL.
func NewRedisStore(ctx context.Context, redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisStoreFromClient(rdb, ttl), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (s *RedisStore) Create(ctx context.Context, sess *protocol.StreamSession) (string, error) {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}

	// Token collisions are vanishingly rare at 128 bits but SetNX makes a
	// collision a retry instead of a silent overwrite.
	for attempt := 0; attempt < 3; attempt++ {
		token, err := newToken()
		if err != nil {
			return "", protocol.WrapError(protocol.KindInternal, "session token generation failed", err)
		}
		sess.Token = token

		payload, err := json.Marshal(sess)
		if err != nil {
			return "", protocol.WrapError(protocol.KindInternal, "session encoding failed", err)
		}

		ok, err := s.rdb.SetNX(ctx, sessionKey(token), payload, s.ttl).Result()
		if err != nil {
			return "", protocol.WrapError(protocol.KindStoreUnavailable, "session store unreachable", err)
		}
		if ok {
			return token, nil
		}
	}
	return "", protocol.NewError(protocol.KindInternal, "session token space exhausted")
}

func (s *RedisStore) Get(ctx context.Context, token string) (*protocol.StreamSession, error) {
	payload, err := s.rdb.Get(ctx, sessionKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errSessionNotFound()
	}
	if err != nil {
		return nil, protocol.WrapError(protocol.KindStoreUnavailable, "session store unreachable", err)
	}

	var sess protocol.StreamSession
	if err := json.Unmarshal(payload, &sess); err != nil {
		return nil, protocol.WrapError(protocol.KindInternal, "session decoding failed", err)
	}
	return &sess, nil
}

func (s *RedisStore) Delete(ctx context.Context, token string) error {
	if err := s.rdb.Del(ctx, sessionKey(token)).Err(); err != nil {
		return protocol.WrapError(protocol.KindStoreUnavailable, "session store unreachable", err)
	}
	return nil
}

// Ping reports session-store reachability for health checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return protocol.WrapError(protocol.KindStoreUnavailable, "redis unreachable", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

var _ Store = (*RedisStore)(nil)
