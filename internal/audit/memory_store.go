package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"behavior-gate/internal/models"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	bySession map[string][]*models.AttemptRecord // append order
	byID      map[string]*models.AttemptRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bySession: make(map[string][]*models.AttemptRecord),
		byID:      make(map[string]*models.AttemptRecord),
	}
}

func (s *MemoryStore) Append(_ context.Context, rec models.AttemptRecord) error {
	if rec.ID == "" || rec.SessionID == "" {
		return fmt.Errorf("attempt record requires id and session id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[rec.ID]; exists {
		return nil
	}
	stored := rec.Clone()
	stored.Reviews = nil
	s.byID[rec.ID] = &stored
	s.bySession[rec.SessionID] = append(s.bySession[rec.SessionID], &stored)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, sessionID, recordID string) (*models.AttemptRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byID[recordID]
	if !ok || rec.SessionID != sessionID {
		return nil, models.ErrRecordNotFound
	}
	out := rec.Clone()
	return &out, nil
}

func (s *MemoryStore) Latest(_ context.Context, sessionID string) (*models.AttemptRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.bySession[sessionID]
	if len(records) == 0 {
		return nil, models.ErrRecordNotFound
	}
	latest := records[0]
	for _, r := range records[1:] {
		if !r.RecordedAt.Before(latest.RecordedAt) {
			latest = r
		}
	}
	out := latest.Clone()
	return &out, nil
}

func (s *MemoryStore) AppendReview(_ context.Context, sessionID, recordID string, review models.Review) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[recordID]
	if !ok || rec.SessionID != sessionID {
		return models.ErrRecordNotFound
	}
	if review.Seq != len(rec.Reviews)+1 {
		return fmt.Errorf("%w: expected seq %d, got %d", models.ErrReviewConflict, len(rec.Reviews)+1, review.Seq)
	}
	rec.Reviews = append(rec.Reviews, review)
	return nil
}

func (s *MemoryStore) Purge(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for sessionID, records := range s.bySession {
		kept := records[:0]
		for _, r := range records {
			if r.RecordedAt.Before(before) {
				delete(s.byID, r.ID)
				purged++
				continue
			}
			kept = append(kept, r)
		}
		if len(kept) == 0 {
			delete(s.bySession, sessionID)
		} else {
			s.bySession[sessionID] = kept
		}
	}
	return purged, nil
}

func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
