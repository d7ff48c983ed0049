package service

import (
	"context"
	"errors"
	"time"

	"github.com/quotagate/quotagate/internal/config"
	redis "github.com/redis/go-redis/v9"
)

// RedisNonceStore records seen nonces with a TTL equal to the skew window,
// so a pair cannot repeat while its timestamp is still acceptable.
type RedisNonceStore struct {
	client *redis.Client
	keys   config.Keys
	ttl    time.Duration
}

func NewRedisNonceStore(client *redis.Client, keys config.Keys, ttl time.Duration) (*RedisNonceStore, error) {
	if client == nil {
		return nil, errors.New("nonce store redis client is required")
	}
	if ttl <= 0 {
		return nil, errors.New("nonce ttl must be positive")
	}
	return &RedisNonceStore{client: client, keys: keys, ttl: ttl}, nil
}

func (s *RedisNonceStore) Remember(ctx context.Context, accessKey, nonce string) (bool, error) {
	return s.client.SetNX(ctx, s.keys.Nonce(accessKey, nonce), "1", s.ttl).Result()
}
