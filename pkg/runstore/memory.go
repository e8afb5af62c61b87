package runstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore keeps records in a map. It is safe for concurrent use.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]entry
	now     func() time.Time
}

type entry struct {
	rec       Record
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]entry), now: time.Now}
}

func (s *InMemoryStore) Save(_ context.Context, rec Record, opts ...SaveOption) error {
	o := saveOptions(opts)
	e := entry{rec: rec}
	if o.TTL > 0 {
		e.expiresAt = s.now().Add(o.TTL)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = e
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.records[id]
	if !ok || e.expired(s.now()) {
		return Record{}, notFound(id)
	}
	return e.rec, nil
}

func (s *InMemoryStore) List(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	now := s.now()
	out := make([]Record, 0, len(s.records))
	for _, e := range s.records {
		if !e.expired(now) {
			out = append(out, e.rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) CleanExpired(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var n int64
	for id, e := range s.records {
		if e.expired(now) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) Close() error { return nil }
