package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "palette:idem:"

// RedisStore keeps idempotency records in Redis. Registration uses SET NX
// so concurrent identical submissions race on a single atomic command.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisStore creates a Redis-backed idempotency store.
func NewRedisStore(client *redis.Client, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisStore{client: client, retention: retention}
}

// CheckOrRegister implements Store.
func (s *RedisStore) CheckOrRegister(ctx context.Context, key, bodyHash string, candidate uuid.UUID, ttl time.Duration) (Outcome, uuid.UUID, error) {
	if key == "" {
		return New, candidate, nil
	}
	if bodyHash == "" {
		return New, uuid.Nil, ErrEmptyBodyHash
	}

	keep := lifetime(ttl, s.retention)
	now := time.Now().UTC()
	data, err := json.Marshal(Record{Key: key, BodyHash: bodyHash, JobID: candidate, CreatedAt: now, ExpiresAt: now.Add(keep)})
	if err != nil {
		return New, uuid.Nil, fmt.Errorf("marshal record: %w", err)
	}

	// The existing record can expire between SETNX and GET; retry once.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.client.SetNX(ctx, keyPrefix+key, data, keep).Result()
		if err != nil {
			return New, uuid.Nil, fmt.Errorf("setnx idempotency key: %w", err)
		}
		if ok {
			return New, candidate, nil
		}

		raw, err := s.client.Get(ctx, keyPrefix+key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return New, uuid.Nil, fmt.Errorf("get idempotency key: %w", err)
		}

		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return New, uuid.Nil, fmt.Errorf("unmarshal record: %w", err)
		}
		if rec.BodyHash == bodyHash {
			return Existing, rec.JobID, nil
		}
		return Conflict, rec.JobID, nil
	}
	return New, uuid.Nil, fmt.Errorf("idempotency key %q churned during registration", key)
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("del idempotency key: %w", err)
	}
	return nil
}
