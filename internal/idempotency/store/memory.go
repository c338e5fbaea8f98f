package store

import (
	"context"
	"sync"
	"time"

	"github.com/smallbiznis/collectr/internal/idempotency/domain"
)

// MemoryStore keeps records in process. Used by tests and single-instance development.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	records map[string]domain.Record
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now, records: make(map[string]domain.Record)}
}

func (s *MemoryStore) Reserve(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if rec, ok := s.records[key]; ok && now.Before(rec.ExpiresAt) {
		return false, nil
	}
	s.records[key] = domain.Record{Key: key, State: domain.StatePending, ExpiresAt: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (*domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	if !s.now().Before(rec.ExpiresAt) {
		delete(s.records, key)
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryStore) Complete(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[key] = domain.Record{
		Key:       key,
		State:     domain.StateCompleted,
		Value:     append([]byte(nil), value...),
		ExpiresAt: s.now().Add(ttl),
	}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok && rec.State == domain.StatePending {
		delete(s.records, key)
	}
	return nil
}
