package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryStoreCountBeforeAdd(t *testing.T) {
	store, err := NewMemoryStore(0)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	for i := 1; i <= 3; i++ {
		res, err := store.Record(ctx, "k", now, time.Minute, 3)
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if !res.Allowed {
			t.Fatalf("Expected hit %d to be allowed", i)
		}
		if res.Count != i {
			t.Errorf("Expected count %d, got %d", i, res.Count)
		}
	}

	res, _ := store.Record(ctx, "k", now.Add(10*time.Second), time.Minute, 3)
	if res.Allowed {
		t.Fatal("Expected fourth hit to be rejected")
	}
	if res.Count != 3 {
		t.Errorf("Expected rejected hit to not be recorded, count %d", res.Count)
	}
	if res.RetryAfter != 50*time.Second {
		t.Errorf("Expected retry after 50s, got %v", res.RetryAfter)
	}
}

func TestMemoryStoreWindowBoundary(t *testing.T) {
	store, _ := NewMemoryStore(10)
	ctx := context.Background()
	start := time.Unix(1700000000, 0)

	store.Record(ctx, "k", start, time.Minute, 1)

	if res, _ := store.Record(ctx, "k", start.Add(time.Minute-time.Millisecond), time.Minute, 1); res.Allowed {
		t.Error("Expected hit inside window to be rejected")
	}
	res, _ := store.Record(ctx, "k", start.Add(time.Minute), time.Minute, 1)
	if res.Allowed {
		t.Error("Expected hit exactly one window old to still count")
	}
	if res.RetryAfter <= 0 {
		t.Errorf("Expected positive retry after, got %v", res.RetryAfter)
	}
	if res, _ := store.Record(ctx, "k", start.Add(time.Minute+time.Millisecond), time.Minute, 1); !res.Allowed {
		t.Error("Expected hit once the window has passed to be allowed")
	}
}

func TestMemoryStoreZeroLimit(t *testing.T) {
	store, _ := NewMemoryStore(10)
	res, err := store.Record(context.Background(), "k", time.Now(), time.Second, 0)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if res.Allowed {
		t.Error("Expected zero limit to reject")
	}
	if res.RetryAfter != time.Second {
		t.Errorf("Expected retry after 1s, got %v", res.RetryAfter)
	}
}

func TestMemoryStoreExactUnderConcurrency(t *testing.T) {
	store, _ := NewMemoryStore(10)
	ctx := context.Background()
	now := time.Now()

	var allowed int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.Record(ctx, "shared", now, time.Minute, 50)
			if err == nil && res.Allowed {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()

	if allowed != 50 {
		t.Errorf("Expected exactly 50 allowed, got %d", allowed)
	}
}

func TestMemoryStoreBoundedKeys(t *testing.T) {
	store, _ := NewMemoryStore(5)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		store.Record(ctx, fmt.Sprintf("ip-%d", i), time.Now(), time.Minute, 10)
	}
	if store.Len() != 5 {
		t.Errorf("Expected 5 tracked keys, got %d", store.Len())
	}

	store.Close()
	if store.Len() != 0 {
		t.Errorf("Expected 0 keys after close, got %d", store.Len())
	}
}

func TestMemoryStoreCancelledContext(t *testing.T) {
	store, _ := NewMemoryStore(5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := store.Record(ctx, "k", time.Now(), time.Minute, 1); err == nil {
		t.Error("Expected error for cancelled context")
	}
}
