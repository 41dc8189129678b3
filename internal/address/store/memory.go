package store

import (
	"context"
	"sync"

	"addrhist/internal/address/models"
	"addrhist/pkg/domain"
	"addrhist/pkg/platform/sentinel"
)

// InMemory keeps persons and their segments in maps. It pairs with
// service.ShardedTx, which it supports through Snapshot.
type InMemory struct {
	mu        sync.RWMutex
	persons   map[domain.PersonID]*models.Person
	segments  map[domain.PersonID][]*models.Segment
	ownerByID map[domain.SegmentID]domain.PersonID
}

func NewInMemory() *InMemory {
	return &InMemory{
		persons:   make(map[domain.PersonID]*models.Person),
		segments:  make(map[domain.PersonID][]*models.Segment),
		ownerByID: make(map[domain.SegmentID]domain.PersonID),
	}
}

func (s *InMemory) CreatePerson(_ context.Context, person *models.Person) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.persons[person.ID]; ok {
		return sentinel.ErrConflict
	}
	p := *person
	s.persons[person.ID] = &p
	return nil
}

func (s *InMemory) FindPerson(_ context.Context, id domain.PersonID) (*models.Person, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.persons[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	c := *p
	return &c, nil
}

// LockPerson only checks existence; mutual exclusion comes from the tx runner.
func (s *InMemory) LockPerson(ctx context.Context, id domain.PersonID) error {
	_, err := s.FindPerson(ctx, id)
	return err
}

func (s *InMemory) ListByPerson(_ context.Context, id domain.PersonID) ([]*models.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.segments[id]
	out := make([]*models.Segment, 0, len(stored))
	for _, seg := range stored {
		out = append(out, seg.Clone())
	}
	models.SortHistory(out)
	return out, nil
}

func (s *InMemory) CreateSegment(_ context.Context, segment *models.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.persons[segment.PersonID]; !ok {
		return sentinel.ErrNotFound
	}
	if _, ok := s.ownerByID[segment.ID]; ok {
		return sentinel.ErrConflict
	}
	// Same guard as the partial unique index in the SQL schema.
	if segment.IsOpen() {
		for _, existing := range s.segments[segment.PersonID] {
			if existing.IsOpen() {
				return sentinel.ErrConflict
			}
		}
	}
	s.segments[segment.PersonID] = append(s.segments[segment.PersonID], segment.Clone())
	s.ownerByID[segment.ID] = segment.PersonID
	return nil
}

func (s *InMemory) UpdateEndDate(_ context.Context, id domain.SegmentID, endDate domain.Date) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.ownerByID[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	for _, seg := range s.segments[owner] {
		if seg.ID == id {
			seg.EndDate = endDate.Ptr()
			return nil
		}
	}
	return sentinel.ErrNotFound
}

// Snapshot captures the person's segments; calling restore puts them back.
func (s *InMemory) Snapshot(personID domain.PersonID) (restore func()) {
	s.mu.RLock()
	saved := make([]*models.Segment, 0, len(s.segments[personID]))
	for _, seg := range s.segments[personID] {
		saved = append(saved, seg.Clone())
	}
	s.mu.RUnlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, seg := range s.segments[personID] {
			delete(s.ownerByID, seg.ID)
		}
		s.segments[personID] = saved
		for _, seg := range saved {
			s.ownerByID[seg.ID] = personID
		}
	}
}
