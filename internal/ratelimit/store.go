package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Record is one key's counter state inside its current window.
type Record struct {
	Count       int64
	WindowStart time.Time
}

// Store is the counter backend. Increment must be atomic per key: two racing
// callers for the same key observe a strictly increasing count with no lost
// updates and no double reset.
//
// An expired record is equivalent to an absent one; implementations reset it
// on the next Increment and may physically drop it whenever convenient.
type Store interface {
	// Increment bumps key's counter within the given window. If no live
	// record exists the counter restarts at (1, now).
	Increment(ctx context.Context, key string, window time.Duration) (Record, error)

	// Peek reads key's live record without mutating it. Absent or expired
	// records report found=false.
	Peek(ctx context.Context, key string) (Record, bool, error)
}

// entry keeps the window duration alongside the counter so Peek and Sweep can
// judge expiry without being handed the policy again.
type entry struct {
	count       int64
	windowStart time.Time
	window      time.Duration
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.windowStart) >= e.window
}

// MemoryStore is the default single-process Store: one mutex over a plain
// map. Adequate at dashboard request rates; Increment is a map lookup and an
// add under the lock, nothing in the critical section blocks.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*entry

	// now is replaceable in tests
	now func() time.Time

	// retention is how many window-lengths from a record's window start it
	// may linger before Sweep drops it; the default 2 means one full window
	// past expiry. Hygiene only: expired records already read as absent.
	retention int
}

type MemoryOption func(*MemoryStore)

// WithRetention sets how many window-lengths, measured from the window start,
// Sweep keeps a record around.
func WithRetention(windows int) MemoryOption {
	return func(s *MemoryStore) {
		if windows > 0 {
			s.retention = windows
		}
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries:   make(map[string]*entry),
		now:       time.Now,
		retention: 2,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Increment implements Store. Never fails.
func (s *MemoryStore) Increment(_ context.Context, key string, window time.Duration) (Record, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.expired(now) {
		e = &entry{count: 1, windowStart: now, window: window}
		s.entries[key] = e
		return Record{Count: 1, WindowStart: now}, nil
	}

	e.count++
	e.window = window
	return Record{Count: e.count, WindowStart: e.windowStart}, nil
}

// Peek implements Store.
func (s *MemoryStore) Peek(_ context.Context, key string) (Record, bool, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.expired(now) {
		return Record{}, false, nil
	}
	return Record{Count: e.count, WindowStart: e.windowStart}, true, nil
}

// Sweep drops records older than retention window-lengths from their start.
func (s *MemoryStore) Sweep() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, e := range s.entries {
		if now.Sub(e.windowStart) >= time.Duration(s.retention)*e.window {
			delete(s.entries, key)
		}
	}
}

// Len reports the number of physically present records, live or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// StartSweeper runs Sweep every interval until ctx is cancelled.
func (s *MemoryStore) StartSweeper(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}
