package server

import (
	"sync"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// run is a finished run kept for later lookup.
type run struct {
	desc     *structpb.Struct
	created  time.Time
	lastUsed time.Time
}

// RunStore keeps the descriptions of recent runs by run ID.
type RunStore struct {
	mu   sync.Mutex
	runs map[string]*run
}

// NewRunStore creates an empty run store.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]*run)}
}

// Add records desc under id.
func (s *RunStore) Add(id string, desc *structpb.Struct) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.runs[id] = &run{
		desc:     proto.Clone(desc).(*structpb.Struct),
		created:  now,
		lastUsed: now,
	}
}

// Lookup returns a copy of the description stored under id.
func (s *RunStore) Lookup(id string) (*structpb.Struct, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, false
	}
	r.lastUsed = time.Now()
	return proto.Clone(r.desc).(*structpb.Struct), true
}

// Release forgets a run.
func (s *RunStore) Release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, id)
}

// Len returns the number of stored runs.
func (s *RunStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// Sweep removes runs that haven't been looked up within the TTL.
func (s *RunStore) Sweep(ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	removed := 0
	for id, r := range s.runs {
		if r.lastUsed.Before(cutoff) {
			delete(s.runs, id)
			removed++
		}
	}
	return removed
}

// StartSweeper runs periodic TTL sweeps in the background.
// Returns a stop function.
func (s *RunStore) StartSweeper(interval, ttl time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				s.Sweep(ttl)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}
