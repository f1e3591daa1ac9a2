package stream

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Kind names a consumer type.
type Kind string

const (
	KindMJPEG   Kind = "mjpeg"
	KindSSE     Kind = "sse"
	KindGRPC    Kind = "grpc"
	KindMQTT    Kind = "mqtt"
	KindUnknown Kind = "unknown"
)

// Consumer is one attached reader of a feed.
type Consumer struct {
	ID     string
	Kind   Kind
	Feed   string
	Remote string
	Since  time.Time

	emitted atomic.Uint64
}

// Emitted records n items delivered to the consumer.
func (c *Consumer) Emitted(n int) { c.emitted.Add(uint64(n)) }

// ConsumerInfo is the JSON view of a consumer.
type ConsumerInfo struct {
	ID      string    `json:"id"`
	Kind    Kind      `json:"kind"`
	Feed    string    `json:"feed"`
	Remote  string    `json:"remote,omitempty"`
	Since   time.Time `json:"since"`
	Emitted uint64    `json:"emitted"`
}

// Registry tracks attached consumers so their number and progress can be
// inspected. Consumers never block each other through it.
type Registry struct {
	now func() time.Time

	mu        sync.RWMutex
	consumers map[string]*Consumer
	total     atomic.Uint64
}

// NewRegistry returns an empty registry. A nil now uses time.Now.
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{now: now, consumers: make(map[string]*Consumer)}
}

// Attach registers a consumer and returns it with its detach function.
func (r *Registry) Attach(kind Kind, feed, remote string) (*Consumer, func()) {
	c := &Consumer{
		ID:     uuid.NewString(),
		Kind:   kind,
		Feed:   feed,
		Remote: remote,
		Since:  r.now(),
	}
	r.mu.Lock()
	r.consumers[c.ID] = c
	r.mu.Unlock()
	r.total.Add(1)

	return c, func() {
		r.mu.Lock()
		delete(r.consumers, c.ID)
		r.mu.Unlock()
	}
}

// Active returns the number of attached consumers.
func (r *Registry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.consumers)
}

// Total returns how many consumers have ever attached.
func (r *Registry) Total() uint64 { return r.total.Load() }

// List returns the consumers attached to feed, or all when feed is empty,
// oldest first.
func (r *Registry) List(feed string) []ConsumerInfo {
	r.mu.RLock()
	out := make([]ConsumerInfo, 0, len(r.consumers))
	for _, c := range r.consumers {
		if feed != "" && c.Feed != feed {
			continue
		}
		out = append(out, ConsumerInfo{
			ID:      c.ID,
			Kind:    c.Kind,
			Feed:    c.Feed,
			Remote:  c.Remote,
			Since:   c.Since,
			Emitted: c.emitted.Load(),
		})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Since.Equal(out[j].Since) {
			return out[i].Since.Before(out[j].Since)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
