package rate

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process. It backs local runs and the
// fail-open fallback; it is not shared between instances.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[Key]Record
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		entries: map[Key]Record{},
	}
}

func (s *MemoryStore) Name() string {
	return "memory"
}

func (s *MemoryStore) Apply(_ context.Context, key Key, _ time.Time, fn Mutation) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cur *Record
	if e, ok := s.entries[key]; ok {
		cur = &e
	}

	next := fn(cur)
	if next == nil {
		delete(s.entries, key)
		return nil, nil
	}
	s.entries[key] = *next
	out := *next
	return &out, nil
}

func (s *MemoryStore) Delete(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	touched := 0
	for k, e := range s.entries {
		switch {
		case e.IsBlocked && e.BlockUntil != nil && !now.Before(*e.BlockUntil):
			e.IsBlocked = false
			e.BlockUntil = nil
			e.Count = 0
			e.ResetTime = now
			s.entries[k] = e
			touched++
		case !e.IsBlocked && now.After(e.ResetTime):
			delete(s.entries, k)
			touched++
		}
	}
	return touched, nil
}

// Len is the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
