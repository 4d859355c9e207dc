package redisstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// pending marks an idempotency key whose request has not finished yet.
const pending = "__pending__"

type Store struct {
	Client *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{
		Client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.Client.Close()
}

func idempotencyKey(scope, key string) string {
	return "idem:" + scope + ":" + key
}

// ClaimIdempotency reserves key for one request. It reports false when the
// key is already claimed or holds a stored result.
func (s *Store) ClaimIdempotency(ctx context.Context, scope, key string, ttl time.Duration) (bool, error) {
	return s.Client.SetNX(ctx, idempotencyKey(scope, key), pending, ttl).Result()
}

// SaveIdempotentResult replaces the claim with the response body.
func (s *Store) SaveIdempotentResult(ctx context.Context, scope, key string, body []byte, ttl time.Duration) error {
	return s.Client.Set(ctx, idempotencyKey(scope, key), body, ttl).Err()
}

// GetIdempotentResult returns the stored body. inFlight is true while the
// first request still holds the claim; found is false when nothing is stored.
func (s *Store) GetIdempotentResult(ctx context.Context, scope, key string) (body []byte, inFlight bool, found bool, err error) {
	v, err := s.Client.Get(ctx, idempotencyKey(scope, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, false, nil
	}
	if err != nil {
		return nil, false, false, err
	}
	if string(v) == pending {
		return nil, true, true, nil
	}
	return v, false, true, nil
}

// ReleaseIdempotency drops the claim so a failed request can be retried
// with the same key.
func (s *Store) ReleaseIdempotency(ctx context.Context, scope, key string) error {
	return s.Client.Del(ctx, idempotencyKey(scope, key)).Err()
}
