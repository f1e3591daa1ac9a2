package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/vision.feed/internal/publication"
)

// Feed ties a producer to the store its consumers read from.
type Feed struct {
	Name     string
	Mode     string
	Store    *publication.Store
	Producer *Producer

	// FrameInterval and MetricsInterval pace this feed's consumers. Zero
	// leaves the serving layer's default.
	FrameInterval   time.Duration
	MetricsInterval time.Duration
}

// Health is the status string reported by snapshot queries: "ok" while
// the producer runs, otherwise its lower-case state.
func (f *Feed) Health() string {
	st := f.Producer.State()
	if st == StateRunning {
		return "ok"
	}
	return strings.ToLower(st.String())
}

// Set is an ordered collection of feeds. The first feed is the default
// served on the unprefixed routes.
type Set struct {
	feeds  []*Feed
	byName map[string]*Feed
}

// NewSet returns a set of feeds with unique, non-empty names.
func NewSet(feeds ...*Feed) (*Set, error) {
	s := &Set{byName: make(map[string]*Feed, len(feeds))}
	for _, f := range feeds {
		if f.Name == "" {
			return nil, fmt.Errorf("feed with empty name")
		}
		if _, dup := s.byName[f.Name]; dup {
			return nil, fmt.Errorf("duplicate feed name %q", f.Name)
		}
		s.feeds = append(s.feeds, f)
		s.byName[f.Name] = f
	}
	if len(s.feeds) == 0 {
		return nil, fmt.Errorf("no feeds configured")
	}
	return s, nil
}

// All returns the feeds in configuration order.
func (s *Set) All() []*Feed { return s.feeds }

// Default returns the first configured feed.
func (s *Set) Default() *Feed { return s.feeds[0] }

// Get looks a feed up by name.
func (s *Set) Get(name string) (*Feed, bool) {
	f, ok := s.byName[name]
	return f, ok
}

// Lookup is Get with the empty name resolving to the default feed.
func (s *Set) Lookup(name string) (*Feed, bool) {
	if name == "" {
		return s.Default(), true
	}
	return s.Get(name)
}

// Run starts every producer and blocks until all have stopped. A feed that
// fails to start does not stop the others.
func (s *Set) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, f := range s.feeds {
		wg.Add(1)
		go func(f *Feed) {
			defer wg.Done()
			if err := f.Producer.Run(ctx); err != nil {
				opsf("feed %s failed to start: %v", f.Name, err)
			}
		}(f)
	}
	wg.Wait()
}
