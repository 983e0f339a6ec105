package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "idem:"

// RedisStore persists idempotency records in Redis so replays survive
// gateway restarts. First-writer-wins is enforced with SET NX.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore wraps an existing client. ttl is clamped to at least 24h.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl < 24*time.Hour {
		ttl = 24 * time.Hour
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	val, err := s.rdb.Get(ctx, keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("idempotency decode: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) PutIfAbsent(ctx context.Context, rec *Record) (bool, *Record, error) {
	if rec.StoredAt.IsZero() {
		rec.StoredAt = time.Now()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return false, nil, fmt.Errorf("idempotency encode: %w", err)
	}

	ok, err := s.rdb.SetNX(ctx, keyPrefix+rec.Key, payload, s.ttl).Result()
	if err != nil {
		return false, nil, fmt.Errorf("idempotency setnx: %w", err)
	}
	if ok {
		return true, nil, nil
	}

	// Lost the race: surface the winner's record.
	existing, err := s.Get(ctx, rec.Key)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}
