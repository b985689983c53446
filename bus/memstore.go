package bus

import (
	"context"
	"sort"
	"sync"

	"github.com/petal-labs/pipef/runtime"
)

// MemEventStore is an in-memory EventStore, mostly useful in tests and for
// one-shot CLI runs.
type MemEventStore struct {
	mu     sync.RWMutex
	events map[string][]runtime.Event
}

// NewMemEventStore creates an empty store.
func NewMemEventStore() *MemEventStore {
	return &MemEventStore{events: make(map[string][]runtime.Event)}
}

// Append keeps the run's events sorted by Seq.
func (s *MemEventStore) Append(_ context.Context, event runtime.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.events[event.RunID]
	i := sort.Search(len(evs), func(i int) bool { return evs[i].Seq > event.Seq })
	evs = append(evs, runtime.Event{})
	copy(evs[i+1:], evs[i:])
	evs[i] = event
	s.events[event.RunID] = evs
	return nil
}

func (s *MemEventStore) List(_ context.Context, runID string, afterSeq uint64, limit int) ([]runtime.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evs := s.events[runID]
	start := sort.Search(len(evs), func(i int) bool { return evs[i].Seq > afterSeq })
	end := len(evs)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	if start >= end {
		return nil, nil
	}
	out := make([]runtime.Event, end-start)
	copy(out, evs[start:end])
	return out, nil
}

func (s *MemEventStore) LatestSeq(_ context.Context, runID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs := s.events[runID]
	if len(evs) == 0 {
		return 0, nil
	}
	return evs[len(evs)-1].Seq, nil
}

func (s *MemEventStore) RunIDs(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.events))
	for id := range s.events {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Compile-time interface check.
var _ EventStore = (*MemEventStore)(nil)
