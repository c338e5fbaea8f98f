package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/collectr/internal/idempotency/domain"
)

const redisKeyPrefix = "idem:"

// releasePending deletes the key only while it still holds a pending reservation,
// so a late release never drops a completed result.
const releasePending = `
local v = redis.call("GET", KEYS[1])
if v and string.find(v, '"state":"pending"', 1, true) then
  return redis.call("DEL", KEYS[1])
end
return 0
`

type RedisStore struct {
	client  redis.UniversalClient
	release *redis.Script
	now     func() time.Time
}

func NewRedisStore(client redis.UniversalClient, now func() time.Time) *RedisStore {
	if now == nil {
		now = time.Now
	}
	return &RedisStore{
		client:  client,
		release: redis.NewScript(releasePending),
		now:     now,
	}
}

func (s *RedisStore) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	payload, err := s.encode(key, domain.StatePending, nil, ttl)
	if err != nil {
		return false, err
	}
	return s.client.SetNX(ctx, redisKeyPrefix+key, payload, ttl).Result()
}

func (s *RedisStore) Get(ctx context.Context, key string) (*domain.Record, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec domain.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency record %s: %w", key, err)
	}
	return &rec, nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	payload, err := s.encode(key, domain.StateCompleted, value, ttl)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redisKeyPrefix+key, payload, ttl).Err()
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	return s.release.Run(ctx, s.client, []string{redisKeyPrefix + key}).Err()
}

func (s *RedisStore) encode(key string, state domain.State, value []byte, ttl time.Duration) ([]byte, error) {
	return json.Marshal(domain.Record{
		Key:       key,
		State:     state,
		Value:     value,
		ExpiresAt: s.now().Add(ttl).UTC(),
	})
}
