package status

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and local development.
// Expired records are dropped lazily on access.
type MemoryStore struct {
	mu        sync.Mutex
	records   map[string]*Record
	retention time.Duration
	now       func() time.Time
}

// NewMemoryStore creates a MemoryStore whose records expire retention after
// their last update.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]*Record),
		retention: retention,
		now:       time.Now,
	}
}

// SetClock overrides the store's time source. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Create(ctx context.Context, jobID string, initial State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[jobID]; ok && !s.expired(rec) {
		return ErrAlreadyExists
	}

	now := s.now()
	s.records[jobID] = &Record{
		JobID:     jobID,
		State:     initial,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.retention),
	}
	return nil
}

func (s *MemoryStore) Transition(ctx context.Context, jobID string, expected, next State, result json.RawMessage, failure *FailureDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[jobID]
	if !ok || s.expired(rec) {
		delete(s.records, jobID)
		return ErrNotFound
	}
	if rec.State != expected {
		return ErrStateConflict
	}

	now := s.now()
	rec.State = next
	rec.Result = result
	rec.Failure = failure
	rec.UpdatedAt = now
	rec.ExpiresAt = now.Add(s.retention)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, jobID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[jobID]
	if !ok || s.expired(rec) {
		delete(s.records, jobID)
		return nil, ErrNotFound
	}

	out := *rec
	return &out, nil
}

func (s *MemoryStore) RequestCancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[jobID]
	if !ok || s.expired(rec) {
		delete(s.records, jobID)
		return ErrNotFound
	}
	if rec.State.IsTerminal() {
		return ErrStateConflict
	}

	rec.CancelRequested = true
	return nil
}

func (s *MemoryStore) Purge(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[jobID]; !ok {
		return ErrNotFound
	}
	delete(s.records, jobID)
	return nil
}

func (s *MemoryStore) expired(rec *Record) bool {
	return !rec.ExpiresAt.After(s.now())
}
