package lock

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestLocalSerialisesSameKey(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	var mu sync.Mutex
	inside, maxInside := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "batch:1")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Fatalf("expected at most 1 holder, saw %d", maxInside)
	}
	if len(l.locks) != 0 {
		t.Fatalf("expected lock table to be empty, has %d entries", len(l.locks))
	}
}

func TestLocalDifferentKeysDoNotBlock(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	unlockA, err := l.Lock(ctx, "order:a")
	if err != nil {
		t.Fatalf("lock a: %v", err)
	}
	defer unlockA()

	ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	unlockB, err := l.Lock(ctx, "order:b")
	if err != nil {
		t.Fatalf("lock b should not block: %v", err)
	}
	unlockB()
}

func TestLocalContextCancelled(t *testing.T) {
	l := NewLocal()
	unlock, err := l.Lock(context.Background(), "stop:1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "stop:1"); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}
}

func TestLocalUnlockIsIdempotent(t *testing.T) {
	l := NewLocal()
	unlock, err := l.Lock(context.Background(), "payout:1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	unlock()
	unlock()

	unlock2, err := l.Lock(context.Background(), "payout:1")
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	unlock2()
}

func TestRedisLock(t *testing.T) {
	addr := os.Getenv("FARMDROP_TEST_REDIS")
	if addr == "" {
		t.Skip("FARMDROP_TEST_REDIS not set; skipping Redis-backed lock tests")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	l := NewRedis(client, 2*time.Second, 100*time.Millisecond)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "test:redis")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := l.Lock(ctx, "test:redis"); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired while held, got %v", err)
	}
	unlock()

	unlock2, err := l.Lock(ctx, "test:redis")
	if err != nil {
		t.Fatalf("relock after release: %v", err)
	}
	unlock2()
}
