package inbox

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps inbox rows in process memory for tests and hosts
// without a database. Deduplication then only spans the process lifetime.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]*Row // keyed by event_id
}

// NewMemory returns an empty store.
func NewMemory() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*Row)}
}

func (s *MemoryStore) Get(ctx context.Context, eventID string) (Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[eventID]
	if !ok {
		return Row{}, fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}
	return *r, nil
}

func (s *MemoryStore) Insert(ctx context.Context, row *Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[row.EventID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, row.EventID)
	}
	cp := *row
	cp.Status = StatusProcessing
	cp.UpdatedAt = cp.CreatedAt
	if cp.Headers != nil {
		h := make(map[string]string, len(cp.Headers))
		for k, v := range cp.Headers {
			h[k] = v
		}
		cp.Headers = h
	}
	s.rows[cp.EventID] = &cp
	return nil
}

func (s *MemoryStore) TakeOver(ctx context.Context, eventID string, attempts int, receivedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[eventID]
	if !ok || r.Status == StatusProcessed || r.Attempts >= attempts {
		return false, nil
	}
	r.Status = StatusProcessing
	r.Attempts = attempts
	r.ReceivedAt = receivedAt
	r.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) MarkProcessed(ctx context.Context, eventID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[eventID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}
	r.Status = StatusProcessed
	r.ProcessedAt = &at
	r.ErrorMessage = ""
	r.UpdatedAt = at
	return nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, eventID string, attempts int, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[eventID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}
	if r.Status == StatusProcessed {
		return nil
	}
	r.Status = StatusFailed
	r.Attempts = attempts
	r.ErrorMessage = errMsg
	r.FailedAt = &at
	r.UpdatedAt = at
	return nil
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

func (s *MemoryStore) PurgeProcessed(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.rows {
		if r.Status == StatusProcessed && r.ProcessedAt != nil && r.ProcessedAt.Before(olderThan) {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}
