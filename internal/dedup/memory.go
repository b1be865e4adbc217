package dedup

import (
	"context"
	"sync"
	"time"
)

// sweepThreshold bounds how large the map grows before expired entries are
// swept on the next Mark.
const sweepThreshold = 500

// MemoryStore is an in-process processed-event set. It only deduplicates
// within one process; use SQLite or Postgres when workers are separate.
type MemoryStore struct {
	mu        sync.Mutex
	processed map[string]time.Time
	ttl       time.Duration // zero keeps entries until Prune
	now       func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		processed: make(map[string]time.Time),
		ttl:       ttl,
		now:       time.Now,
	}
}

func (s *MemoryStore) expired(at, now time.Time) bool {
	return s.ttl > 0 && now.Sub(at) > s.ttl
}

func (s *MemoryStore) Seen(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.processed[eventID]
	return ok && !s.expired(at, s.now()), nil
}

func (s *MemoryStore) Mark(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	if len(s.processed) > sweepThreshold {
		for id, at := range s.processed {
			if s.expired(at, now) {
				delete(s.processed, id)
			}
		}
	}

	if at, ok := s.processed[eventID]; ok && !s.expired(at, now) {
		return false, nil
	}
	s.processed[eventID] = now
	return true, nil
}

func (s *MemoryStore) Prune(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, at := range s.processed {
		if at.Before(before) {
			delete(s.processed, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of tracked events, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.processed)
}

func (s *MemoryStore) Close() error { return nil }
