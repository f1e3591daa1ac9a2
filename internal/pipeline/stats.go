package pipeline

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// CycleStats summarises the recent cycle window.
type CycleStats struct {
	Samples int     `json:"samples"`
	MeanMs  float64 `json:"mean_ms"`
	P50Ms   float64 `json:"p50_ms"`
	P95Ms   float64 `json:"p95_ms"`
	MaxMs   float64 `json:"max_ms"`
	// FPS is the achieved cycle rate across the window.
	FPS float64 `json:"fps"`
}

// cycleWindow is a bounded ring of cycle start times and durations.
type cycleWindow struct {
	mu     sync.Mutex
	size   int
	next   int
	full   bool
	starts []time.Time
	durs   []float64 // milliseconds
}

func newCycleWindow(size int) *cycleWindow {
	if size < 2 {
		size = 2
	}
	return &cycleWindow{size: size, starts: make([]time.Time, size), durs: make([]float64, size)}
}

func (w *cycleWindow) add(start time.Time, d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.starts[w.next] = start
	w.durs[w.next] = float64(d) / float64(time.Millisecond)
	w.next = (w.next + 1) % w.size
	if w.next == 0 {
		w.full = true
	}
}

// durations returns the window's cycle durations in milliseconds, oldest
// first.
func (w *cycleWindow) durations() []float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.full {
		return append([]float64(nil), w.durs[:w.next]...)
	}
	out := make([]float64, 0, w.size)
	out = append(out, w.durs[w.next:]...)
	return append(out, w.durs[:w.next]...)
}

func (w *cycleWindow) span() (first, last time.Time, n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.full {
		if w.next == 0 {
			return time.Time{}, time.Time{}, 0
		}
		return w.starts[0], w.starts[w.next-1], w.next
	}
	return w.starts[w.next], w.starts[(w.next+w.size-1)%w.size], w.size
}

func (w *cycleWindow) stats() CycleStats {
	durs := w.durations()
	if len(durs) == 0 {
		return CycleStats{}
	}
	sorted := append([]float64(nil), durs...)
	sort.Float64s(sorted)

	s := CycleStats{
		Samples: len(sorted),
		MeanMs:  stat.Mean(sorted, nil),
		P50Ms:   stat.Quantile(0.5, stat.Empirical, sorted, nil),
		P95Ms:   stat.Quantile(0.95, stat.Empirical, sorted, nil),
		MaxMs:   sorted[len(sorted)-1],
	}
	if first, last, n := w.span(); n > 1 {
		if el := last.Sub(first).Seconds(); el > 0 {
			s.FPS = float64(n-1) / el
		}
	}
	return s
}
