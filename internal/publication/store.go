// Package publication holds the latest published frame and metrics for one
// feed. A single producer writes; any number of consumers read consistent
// snapshots without ever observing a frame from one cycle paired with
// metrics from another.
package publication

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/vision.feed/internal/timeutil"
)

// Snapshot is a private copy of the published state.
type Snapshot struct {
	// Frame is the encoded JPEG of the last published cycle, nil before
	// the first publish.
	Frame []byte
	// Metrics are the aggregates computed from the same cycle as Frame.
	Metrics Metrics
	// Generation counts publishes; 0 means nothing has been published yet.
	Generation uint64
	// UpdatedAt is the publish time of Generation.
	UpdatedAt time.Time
}

// Live reports whether at least one cycle has been published.
func (s Snapshot) Live() bool { return s.Generation > 0 }

// Store is the lock-guarded publication slot for one feed.
type Store struct {
	clock    timeutil.Clock
	defaults Metrics

	mu         sync.RWMutex
	frame      []byte
	metrics    Metrics
	generation uint64
	updatedAt  time.Time
	closed     bool
}

// NewStore returns a store whose snapshots report defaults until the first
// publish. A nil clock uses the wall clock.
func NewStore(defaults Metrics, clock timeutil.Clock) *Store {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Store{clock: clock, defaults: defaults.Clone()}
}

// Publish replaces the frame and metrics as one unit and returns the new
// generation. It refuses the write, returning false, once ctx is done or
// the store is closed. The check happens under the write lock so no write
// can land after the stop signal is observed.
// The store takes ownership of frame and metrics; callers must not mutate
// them afterwards.
func (s *Store) Publish(ctx context.Context, frame []byte, metrics Metrics) (uint64, bool) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || ctx.Err() != nil {
		return s.generation, false
	}
	s.frame = frame
	s.metrics = metrics
	s.generation++
	s.updatedAt = now
	return s.generation, true
}

// Close refuses every later Publish. Snapshots keep returning the last
// published state.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Generation returns the current generation without copying anything.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Snapshot returns a consistent copy of the published state. The read lock
// is held only while the references are taken; copying happens outside it.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	frame, metrics := s.frame, s.metrics
	gen, at := s.generation, s.updatedAt
	s.mu.RUnlock()

	snap := Snapshot{Generation: gen, UpdatedAt: at}
	if frame != nil {
		snap.Frame = append([]byte(nil), frame...)
	}
	if gen == 0 {
		snap.Metrics = s.defaults.Clone()
	} else {
		snap.Metrics = metrics.Clone()
	}
	return snap
}
