package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const consumeScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisStore backs TokenStore with a Redis script so the compare and the
// delete cannot interleave with another consumer.
type RedisStore struct {
	client *redis.Client
	script *redis.Script
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("idempotency redis client is required")
	}
	if ttl <= 0 {
		return nil, errors.New("idempotency token ttl must be positive")
	}
	return &RedisStore{
		client: client,
		script: redis.NewScript(consumeScript),
		ttl:    ttl,
	}, nil
}

func (s *RedisStore) Issue(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", errors.New("idempotency key is empty")
	}
	value := uuid.NewString()
	if err := s.client.Set(ctx, key, value, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return value, nil
}

func (s *RedisStore) ConsumeIfMatches(ctx context.Context, key, expected string) (bool, error) {
	if key == "" || expected == "" {
		return false, nil
	}
	deleted, err := s.script.Run(ctx, s.client, []string{key}, expected).Int()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return deleted == 1, nil
}
