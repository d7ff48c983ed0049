package semaphore

import (
	"context"
	"errors"
	"time"

	"github.com/quotagate/quotagate/internal/config"
	redis "github.com/redis/go-redis/v9"
)

const acquireScript = `
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  redis.call("DECR", KEYS[1])
  return 0
end
return 1
`

const releaseScript = `
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current > 0 then
  redis.call("DECR", KEYS[1])
end
return current
`

// RedisSemaphore implements Semaphore on a Redis counter. The key carries a
// safety TTL so a crashed holder cannot pin permits forever.
type RedisSemaphore struct {
	client  *redis.Client
	acquire *redis.Script
	release *redis.Script
	keys    config.Keys
	max     int
	ttl     time.Duration
}

func NewRedisSemaphore(client *redis.Client, keys config.Keys, cfg config.SemaphoreConfig) (*RedisSemaphore, error) {
	if client == nil {
		return nil, errors.New("semaphore redis client is required")
	}
	if cfg.MaxConcurrent <= 0 {
		return nil, errors.New("semaphore max concurrency must be positive")
	}
	ttl := cfg.PermitTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisSemaphore{
		client:  client,
		acquire: redis.NewScript(acquireScript),
		release: redis.NewScript(releaseScript),
		keys:    keys,
		max:     cfg.MaxConcurrent,
		ttl:     ttl,
	}, nil
}

func (s *RedisSemaphore) TryAcquire(ctx context.Context, accountID, apiDigestID string) (*Permit, error) {
	key := s.keys.Semaphore(accountID, apiDigestID)
	granted, err := s.acquire.Run(ctx, s.client, []string{key}, s.max, s.ttl.Milliseconds()).Int()
	if err != nil {
		return nil, err
	}
	if granted != 1 {
		return nil, ErrLimitExceeded
	}
	return &Permit{
		key: key,
		release: func(ctx context.Context, key string) error {
			return s.release.Run(ctx, s.client, []string{key}).Err()
		},
	}, nil
}
