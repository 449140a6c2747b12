package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps outbox rows in process memory. It backs tests and hosts
// that run the bridge without a database; rows do not survive a restart.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]*Row // keyed by id
	byEv map[string]string
}

// NewMemory returns an empty store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		rows: make(map[string]*Row),
		byEv: make(map[string]string),
	}
}

func (s *MemoryStore) Insert(ctx context.Context, row *Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byEv[row.EventID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, row.EventID)
	}
	cp := *row
	cp.Status = StatusPending
	cp.Attempts = 0
	cp.UpdatedAt = cp.CreatedAt
	s.rows[cp.ID] = &cp
	s.byEv[cp.EventID] = cp.ID
	return nil
}

func (s *MemoryStore) DuePending(ctx context.Context, limit int, now time.Time) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Row
	for _, r := range s.rows {
		if r.Status != StatusPending {
			continue
		}
		if r.NotBefore != nil && r.NotBefore.After(now) {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Reserve(ctx context.Context, id string, attempts int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok || r.Status != StatusPending || r.Attempts != attempts {
		return false, nil
	}
	r.Status = StatusProcessing
	r.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) MarkSent(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return fmt.Errorf("%w: id %s", ErrNotFound, id)
	}
	r.Status = StatusSent
	r.PublishedAt = &at
	r.ErrorMessage = ""
	r.UpdatedAt = at
	return nil
}

func (s *MemoryStore) RetryLater(ctx context.Context, id string, attempts int, errMsg string, notBefore time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return fmt.Errorf("%w: id %s", ErrNotFound, id)
	}
	r.Status = StatusPending
	r.Attempts = attempts
	r.ErrorMessage = errMsg
	r.NotBefore = &notBefore
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id string, attempts int, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return fmt.Errorf("%w: id %s", ErrNotFound, id)
	}
	r.Status = StatusFailed
	r.Attempts = attempts
	r.ErrorMessage = errMsg
	r.FailedAt = &at
	r.UpdatedAt = at
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, eventID string) (Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEv[eventID]
	if !ok {
		return Row{}, fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}
	return *s.rows[id], nil
}

func (s *MemoryStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Status]int)
	for _, r := range s.rows {
		out[r.Status]++
	}
	return out, nil
}

func (s *MemoryStore) PurgeSent(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.rows {
		if r.Status == StatusSent && r.PublishedAt != nil && r.PublishedAt.Before(olderThan) {
			delete(s.byEv, r.EventID)
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}
