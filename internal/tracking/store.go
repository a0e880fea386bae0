package tracking

import (
	"maps"
	"time"

	"github.com/kai5263499/zone-counter/backend/internal/geometry"
)

// Store maps track ids to their state. It is not safe for concurrent use;
// the evaluator that owns it must be confined to a single goroutine.
type Store struct {
	tracks  map[string]*TrackState
	timeout time.Duration
}

// NewStore creates a store that evicts tracks unseen for longer than timeout.
// A timeout <= 0 disables eviction.
func NewStore(timeout time.Duration) *Store {
	return &Store{
		tracks:  make(map[string]*TrackState),
		timeout: timeout,
	}
}

// touch returns the state for id, creating it on first observation, and
// marks it seen at now.
func (s *Store) touch(id string, now time.Time) *TrackState {
	st, ok := s.tracks[id]
	if !ok {
		st = &TrackState{
			TrackID:   id,
			Entries:   make(map[string]geometry.Point),
			FirstSeen: now,
		}
		s.tracks[id] = st
	}
	st.LastSeen = now
	st.Observations++
	return st
}

// Get returns a copy of the state for id.
func (s *Store) Get(id string) (TrackState, bool) {
	st, ok := s.tracks[id]
	if !ok {
		return TrackState{}, false
	}
	cp := *st
	cp.Entries = maps.Clone(st.Entries)
	return cp, true
}

// Len returns the number of tracks currently held.
func (s *Store) Len() int {
	return len(s.tracks)
}

// Sweep evicts every track whose last observation is older than the timeout
// and returns how many were removed.
func (s *Store) Sweep(now time.Time) int {
	if s.timeout <= 0 {
		return 0
	}
	evicted := 0
	for id, st := range s.tracks {
		if now.Sub(st.LastSeen) > s.timeout {
			delete(s.tracks, id)
			evicted++
		}
	}
	return evicted
}
