package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMemoryCapacity bounds the number of distinct keys a MemoryStore tracks.
const DefaultMemoryCapacity = 100_000

// hitLog holds the in-window timestamps for one key
type hitLog struct {
	mu   sync.Mutex
	hits []time.Time
}

// MemoryStore is a process-local Store. Keys are kept in an LRU so memory stays
// bounded; evicting a key forgets its history.
type MemoryStore struct {
	mu   sync.Mutex
	keys *lru.Cache[string, *hitLog]
}

// NewMemoryStore creates a memory store tracking at most capacity keys
func NewMemoryStore(capacity int) (*MemoryStore, error) {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	keys, err := lru.New[string, *hitLog](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create key cache: %w", err)
	}
	return &MemoryStore{keys: keys}, nil
}

func (s *MemoryStore) logFor(key string) *hitLog {
	s.mu.Lock()
	defer s.mu.Unlock()

	if hl, ok := s.keys.Get(key); ok {
		return hl
	}
	hl := &hitLog{}
	s.keys.Add(key, hl)
	return hl
}

// Record implements Store
func (s *MemoryStore) Record(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	hl := s.logFor(key)
	hl.mu.Lock()
	defer hl.mu.Unlock()

	// the window is [now-window, now]
	cutoff := now.Add(-window)
	kept := hl.hits[:0]
	for _, t := range hl.hits {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	hl.hits = kept

	if len(hl.hits) >= limit {
		retry := window
		if len(hl.hits) > 0 {
			retry = hl.hits[0].Add(window).Sub(now)
		}
		if retry <= 0 {
			retry = time.Millisecond
		}
		return Result{Allowed: false, Count: len(hl.hits), RetryAfter: retry}, nil
	}

	hl.hits = append(hl.hits, now)
	return Result{Allowed: true, Count: len(hl.hits)}, nil
}

// Len returns the number of tracked keys
func (s *MemoryStore) Len() int {
	return s.keys.Len()
}

// Close releases all tracked keys
func (s *MemoryStore) Close() error {
	s.keys.Purge()
	return nil
}
