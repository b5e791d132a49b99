package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"
)

func newRedisQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	q := NewRedisQueue(rdb, zaptest.NewLogger(t))
	q.timeout = 100 * time.Millisecond
	return q
}

func TestQueues_FIFO(t *testing.T) {
	queues := map[string]Queue{
		"memory": NewMemoryQueue(50 * time.Millisecond),
		"redis":  newRedisQueue(t),
	}

	for name, q := range queues {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
			for _, id := range ids {
				if err := q.Enqueue(ctx, id); err != nil {
					t.Fatalf("enqueue: %v", err)
				}
			}

			depth, err := q.Depth(ctx)
			if err != nil || depth != 3 {
				t.Fatalf("depth = %d, %v; want 3", depth, err)
			}

			for i, want := range ids {
				got, ok, err := q.Dequeue(ctx)
				if err != nil || !ok {
					t.Fatalf("dequeue %d: ok=%v err=%v", i, ok, err)
				}
				if got != want {
					t.Errorf("dequeue %d: got %s, want %s", i, got, want)
				}
			}
		})
	}
}

func TestMemoryQueue_DequeueTimesOut(t *testing.T) {
	q := NewMemoryQueue(20 * time.Millisecond)
	start := time.Now()
	_, ok, err := q.Dequeue(context.Background())
	if err != nil || ok {
		t.Fatalf("expected empty timeout, ok=%v err=%v", ok, err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("dequeue returned before the timeout elapsed")
	}
}

func TestMemoryQueue_WakesBlockedConsumer(t *testing.T) {
	q := NewMemoryQueue(time.Second)
	id := uuid.New()

	done := make(chan uuid.UUID, 1)
	go func() {
		got, _, _ := q.Dequeue(context.Background())
		done <- got
	}()

	time.Sleep(10 * time.Millisecond)
	_ = q.Enqueue(context.Background(), id)

	select {
	case got := <-done:
		if got != id {
			t.Errorf("got %s, want %s", got, id)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("blocked consumer was not woken")
	}
}

func TestMemoryQueue_ContextCancel(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, ok, err := q.Dequeue(ctx); ok || err != nil {
		t.Errorf("expected cancelled dequeue to return empty, ok=%v err=%v", ok, err)
	}
}
