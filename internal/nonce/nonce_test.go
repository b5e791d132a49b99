package nonce

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryCache_Window(t *testing.T) {
	c := NewMemoryCache(Window)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	if out, err := c.RegisterIfNew(ctx, "n1"); err != nil || out != Fresh {
		t.Fatalf("first use: %s %v", out, err)
	}

	now = now.Add(4 * time.Minute)
	if out, _ := c.RegisterIfNew(ctx, "n1"); out != Replayed {
		t.Fatalf("expected replay inside window, got %s", out)
	}

	// The replay must not refresh the original timestamp.
	now = now.Add(61 * time.Second)
	if out, _ := c.RegisterIfNew(ctx, "n1"); out != Fresh {
		t.Fatalf("expected id reusable after window, got %s", out)
	}
}

func TestMemoryCache_Sweep(t *testing.T) {
	c := NewMemoryCache(time.Minute)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = c.RegisterIfNew(ctx, "a")
	now = now.Add(30 * time.Second)
	_, _ = c.RegisterIfNew(ctx, "b")
	now = now.Add(40 * time.Second)

	if removed := c.Sweep(); removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 remaining, got %d", c.Len())
	}
}

func TestMemoryCache_ConcurrentSingleFresh(t *testing.T) {
	c := NewMemoryCache(Window)
	var wg sync.WaitGroup
	var mu sync.Mutex
	fresh := 0

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, _ := c.RegisterIfNew(context.Background(), "same")
			if out == Fresh {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if fresh != 1 {
		t.Errorf("expected exactly one fresh registration, got %d", fresh)
	}
}

func TestRedisCache_Window(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	c := NewRedisCache(rdb, Window)
	ctx := context.Background()

	if out, err := c.RegisterIfNew(ctx, "n1"); err != nil || out != Fresh {
		t.Fatalf("first use: %s %v", out, err)
	}
	if out, _ := c.RegisterIfNew(ctx, "n1"); out != Replayed {
		t.Fatalf("expected replay, got %s", out)
	}

	mr.FastForward(Window + time.Second)
	if out, _ := c.RegisterIfNew(ctx, "n1"); out != Fresh {
		t.Fatalf("expected id reusable after window, got %s", out)
	}
}

func TestRegisterIfNew_EmptyID(t *testing.T) {
	if _, err := NewMemoryCache(Window).RegisterIfNew(context.Background(), ""); err != ErrEmptyID {
		t.Errorf("expected ErrEmptyID, got %v", err)
	}
}
