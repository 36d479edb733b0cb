package record

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryStore struct {
	mu        sync.RWMutex
	seq       int64
	records   map[uuid.UUID]*Record
	byPatient map[uuid.UUID][]*Record
}

// NewMemoryStore returns a Store kept in process memory.
func NewMemoryStore() Store {
	return &memoryStore{
		records:   make(map[uuid.UUID]*Record),
		byPatient: make(map[uuid.UUID][]*Record),
	}
}

func (s *memoryStore) Append(_ context.Context, r *Record) error {
	if len(r.ImageRefs) == 0 {
		return ErrNoImages
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.ID]; ok {
		return ErrDuplicate
	}
	s.seq++
	r.Seq = s.seq

	stored := r.Clone()
	s.records[r.ID] = stored
	list := append(s.byPatient[r.PatientID], stored)
	sort.SliceStable(list, func(i, j int) bool { return list[i].Before(list[j]) })
	s.byPatient[r.PatientID] = list
	return nil
}

func (s *memoryStore) SetReviewed(_ context.Context, id uuid.UUID, by string, at time.Time) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if r.Reviewed {
		return r.Clone(), false, nil
	}
	at = at.UTC()
	r.Reviewed = true
	r.ReviewedAt = &at
	r.ReviewedBy = by
	return r.Clone(), true, nil
}

func (s *memoryStore) Get(_ context.Context, id uuid.UUID) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *memoryStore) ByPatient(_ context.Context, patientID uuid.UUID) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.byPatient[patientID]
	out := make([]*Record, len(list))
	for i, r := range list {
		out[i] = r.Clone()
	}
	return out, nil
}
