package eventlog

import (
	"context"
	"sort"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"

	"possync/internal/model"
)

const (
	bloomExpectedEvents = 1 << 20
	bloomFalsePositive  = 0.01
)

// MemoryStore in-process event log. The bloom filter answers the common
// "never seen" case without touching the exact set; positives fall through
// to the map.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[Scope][]model.Event
	seen   map[string]struct{}
	filter *bloom.BloomFilter
}

// NewMemoryStore creates an empty in-memory event log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[Scope][]model.Event),
		seen:   make(map[string]struct{}),
		filter: bloom.NewWithEstimates(bloomExpectedEvents, bloomFalsePositive),
	}
}

// Append adds an event in (lamport, deviceID) position.
func (s *MemoryStore) Append(_ context.Context, e model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.filter.TestString(e.EventID) {
		if _, ok := s.seen[e.EventID]; ok {
			return ErrDuplicateEvent
		}
	}
	s.filter.AddString(e.EventID)
	s.seen[e.EventID] = struct{}{}

	scope := ScopeOf(&e)
	events := s.events[scope]
	i := sort.Search(len(events), func(i int) bool {
		return e.Before(&events[i])
	})
	events = append(events, model.Event{})
	copy(events[i+1:], events[i:])
	events[i] = e
	s.events[scope] = events
	return nil
}

// Range returns a copy of the scope's events with lamport >= fromLamport.
func (s *MemoryStore) Range(_ context.Context, scope Scope, fromLamport uint64) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[scope]
	i := sort.Search(len(events), func(i int) bool {
		return events[i].Clock.Lamport >= fromLamport
	})
	out := make([]model.Event, len(events)-i)
	copy(out, events[i:])
	return out, nil
}

// LastLamport returns the highest appended lamport value of a scope.
func (s *MemoryStore) LastLamport(_ context.Context, scope Scope) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[scope]
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Clock.Lamport, nil
}

// Seen reports whether the event ID was appended before.
func (s *MemoryStore) Seen(_ context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.filter.TestString(eventID) {
		return false, nil
	}
	_, ok := s.seen[eventID]
	return ok, nil
}

// Count returns the number of events in a scope.
func (s *MemoryStore) Count(_ context.Context, scope Scope) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.events[scope])), nil
}

// Close releases nothing for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
