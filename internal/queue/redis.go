package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	jobQueueKey    = "palette:jobs:queued"
	dequeueTimeout = 5 * time.Second
)

// RedisQueue implements Queue using a Redis list: LPUSH on the head and
// BRPOP from the tail gives FIFO order across processes.
type RedisQueue struct {
	client  *redis.Client
	logger  *zap.Logger
	timeout time.Duration
}

// NewRedisQueue creates a new Redis-backed job queue.
func NewRedisQueue(client *redis.Client, logger *zap.Logger) *RedisQueue {
	return &RedisQueue{
		client:  client,
		logger:  logger,
		timeout: dequeueTimeout,
	}
}

// Enqueue pushes a job ID onto the queue using LPUSH.
func (q *RedisQueue) Enqueue(ctx context.Context, id uuid.UUID) error {
	if err := q.client.LPush(ctx, jobQueueKey, id.String()).Err(); err != nil {
		return fmt.Errorf("lpush job: %w", err)
	}
	return nil
}

// Dequeue blocks until a job ID is available using BRPOP.
func (q *RedisQueue) Dequeue(ctx context.Context) (uuid.UUID, bool, error) {
	result, err := q.client.BRPop(ctx, q.timeout, jobQueueKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || ctx.Err() != nil {
			return uuid.Nil, false, nil
		}
		return uuid.Nil, false, fmt.Errorf("brpop: %w", err)
	}

	if len(result) < 2 {
		return uuid.Nil, false, nil
	}

	id, err := uuid.Parse(result[1])
	if err != nil {
		q.logger.Error("dropping malformed job id from queue",
			zap.Error(err),
			zap.String("data", result[1]),
		)
		return uuid.Nil, false, fmt.Errorf("parse job id: %w", err)
	}
	return id, true, nil
}

// Depth returns the number of IDs in the queue.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, jobQueueKey).Result()
}
