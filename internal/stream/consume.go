// Package stream fans one feed's published state out to independent
// consumers: a continuous JPEG stream, a change-gated metrics stream and an
// on-demand snapshot. Each consumer runs at its own cadence on its own
// goroutine and only ever reads snapshots, so none can slow the producer
// or another consumer.
package stream

import (
	"context"

	"github.com/banshee-data/vision.feed/internal/publication"
	"github.com/banshee-data/vision.feed/internal/timeutil"
)

// SnapshotSource is the read side of a publication store.
type SnapshotSource interface {
	Snapshot() publication.Snapshot
}

// Gate passes a metrics value only when it differs from the last one it
// passed. The zero Gate passes the first value.
type Gate struct {
	last publication.Metrics
	seen bool
}

// Offer reports whether m should be emitted, and remembers it if so.
func (g *Gate) Offer(m publication.Metrics) bool {
	if !g.Changed(m) {
		return false
	}
	g.Mark(m)
	return true
}

// Changed reports whether m differs from the last remembered value
// without remembering it.
func (g *Gate) Changed(m publication.Metrics) bool {
	return !g.seen || !g.last.Equal(m)
}

// Mark remembers m as delivered. Consumers whose delivery can fail call it
// only on success, so the value is retried on the next check.
func (g *Gate) Mark(m publication.Metrics) {
	g.last = m.Clone()
	g.seen = true
}

// StreamFrames emits the latest frame immediately and then on every tick,
// or placeholder while nothing has been published. The same frame is
// re-emitted when the producer is slower than the ticker. It returns nil
// when ctx ends and the emit error otherwise.
func StreamFrames(ctx context.Context, src SnapshotSource, ticker timeutil.Ticker, placeholder []byte, emit func([]byte) error) error {
	for {
		frame := src.Snapshot().Frame
		if frame == nil {
			frame = placeholder
		}
		if err := emit(frame); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}
	}
}

// WatchMetrics checks the published metrics immediately and then on every
// tick, calling emit only when they differ by value from the last emitted
// record. It returns nil when ctx ends and the emit error otherwise.
func WatchMetrics(ctx context.Context, src SnapshotSource, ticker timeutil.Ticker, emit func(publication.Snapshot) error) error {
	var gate Gate
	for {
		snap := src.Snapshot()
		if gate.Offer(snap.Metrics) {
			if err := emit(snap); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}
	}
}

// Health is the snapshot query document: the metrics flattened alongside
// the feed status.
func Health(snap publication.Snapshot, status string) map[string]any {
	doc := make(map[string]any, len(snap.Metrics)+3)
	for k, v := range snap.Metrics {
		doc[k] = v
	}
	doc["status"] = status
	doc["live"] = snap.Live()
	doc["generation"] = snap.Generation
	return doc
}

// mergeStop returns a context that ends with either parent or stop.
func mergeStop(parent, stop context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	if stop == nil {
		return ctx, cancel
	}
	unregister := context.AfterFunc(stop, cancel)
	return ctx, func() {
		unregister()
		cancel()
	}
}
