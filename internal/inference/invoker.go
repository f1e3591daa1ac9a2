package inference

import (
	"context"
	"fmt"
	"image"
	"slices"
	"sync/atomic"
)

// Backend is a named detector. Invoker tries backends in order.
type Backend struct {
	Name     string
	Detector Detector
}

// InvokerConfig holds the filters and schedule applied to every cycle.
type InvokerConfig struct {
	// MinConfidence drops detections scoring below it.
	MinConfidence float64
	// Classes keeps only these class ids; empty keeps all.
	Classes []int
	// Decimation runs the classifier on one cycle in every Decimation,
	// starting with the first. Values below 1 classify every cycle.
	Decimation int
}

// Result is the outcome of one inference cycle.
type Result struct {
	// Cycle is the 1-indexed cycle number.
	Cycle uint64
	// Regions holds every surviving detection, in backend order.
	Regions []Region
	// Classified is true when the secondary classifier ran this cycle.
	Classified bool
	// Backend names the detector that produced the detections, empty when
	// every backend failed.
	Backend string
}

// InvokerStats are cumulative counters exposed as health metrics.
type InvokerStats struct {
	Cycles           uint64       `json:"cycles"`
	DetectFailures   uint64       `json:"detect_failures"`
	TrackerFallbacks uint64       `json:"tracker_fallbacks"`
	DroppedBoxes     uint64       `json:"dropped_boxes"`
	ClassifiedCycles uint64       `json:"classified_cycles"`
	Batcher          BatcherStats `json:"batcher"`
}

// Invoker runs the primary detector with ordered fallback, filters and
// clamps its output, and schedules the secondary classifier.
type Invoker struct {
	backends []Backend
	batcher  *Batcher
	cfg      InvokerConfig

	cycle            atomic.Uint64
	detectFailures   atomic.Uint64
	fallbacks        atomic.Uint64
	droppedBoxes     atomic.Uint64
	classifiedCycles atomic.Uint64
}

// NewInvoker returns an Invoker over backends. batcher may be nil for
// detection-only feeds.
func NewInvoker(backends []Backend, batcher *Batcher, cfg InvokerConfig) (*Invoker, error) {
	if len(backends) == 0 {
		return nil, ErrNoBackend
	}
	for i, b := range backends {
		if b.Detector == nil {
			return nil, fmt.Errorf("backend %d (%s): nil detector", i, b.Name)
		}
	}
	if cfg.Decimation < 1 {
		cfg.Decimation = 1
	}
	return &Invoker{backends: backends, batcher: batcher, cfg: cfg}, nil
}

// Backends returns the configured backends, in fallback order.
func (inv *Invoker) Backends() []Backend { return inv.backends }

// Batcher returns the region batcher, nil for detection-only feeds.
func (inv *Invoker) Batcher() *Batcher { return inv.batcher }

// ShouldClassify reports whether the given 1-indexed cycle is on the
// classification schedule.
func (inv *Invoker) ShouldClassify(cycle uint64) bool {
	return inv.batcher != nil && cycle > 0 && (cycle-1)%uint64(inv.cfg.Decimation) == 0
}

// Infer runs one cycle on img. Detector failures never escape: if every
// backend fails the cycle has no regions and the failure is counted.
func (inv *Invoker) Infer(ctx context.Context, img image.Image) Result {
	res := Result{Cycle: inv.cycle.Add(1)}

	dets, backend := inv.detect(ctx, img)
	res.Backend = backend
	dets = inv.filter(img.Bounds(), dets)

	if inv.ShouldClassify(res.Cycle) {
		res.Classified = true
		inv.classifiedCycles.Add(1)
		res.Regions = inv.batcher.ExtractAndClassify(ctx, img, dets)
	} else {
		res.Regions = make([]Region, len(dets))
		for i, d := range dets {
			res.Regions[i] = Region{Detection: d}
		}
	}
	tracef("cycle %d: backend=%q regions=%d classified=%t", res.Cycle, backend, len(res.Regions), res.Classified)
	return res
}

func (inv *Invoker) detect(ctx context.Context, img image.Image) ([]Detection, string) {
	opts := DetectOptions{MinConfidence: inv.cfg.MinConfidence, Classes: inv.cfg.Classes}
	for i, b := range inv.backends {
		dets, err := b.Detector.Detect(ctx, img, opts)
		if err == nil {
			return dets, b.Name
		}
		if i < len(inv.backends)-1 {
			inv.fallbacks.Add(1)
			diagf("detector %s failed, falling back to %s: %v", b.Name, inv.backends[i+1].Name, err)
			continue
		}
		inv.detectFailures.Add(1)
		opsf("all detectors failed, publishing empty cycle: %v", err)
	}
	return nil, ""
}

// filter re-applies the confidence and class filters and clamps boxes to
// the frame, dropping any that end up empty.
func (inv *Invoker) filter(bounds image.Rectangle, dets []Detection) []Detection {
	out := make([]Detection, 0, len(dets))
	for _, d := range dets {
		if d.Confidence < inv.cfg.MinConfidence {
			continue
		}
		if len(inv.cfg.Classes) > 0 && !slices.Contains(inv.cfg.Classes, d.ClassID) {
			continue
		}
		box, ok := d.Box.Clamp(bounds.Dx(), bounds.Dy())
		if !ok {
			inv.droppedBoxes.Add(1)
			continue
		}
		d.Box = box
		out = append(out, d)
	}
	return out
}

// Stats returns the cumulative counters.
func (inv *Invoker) Stats() InvokerStats {
	s := InvokerStats{
		Cycles:           inv.cycle.Load(),
		DetectFailures:   inv.detectFailures.Load(),
		TrackerFallbacks: inv.fallbacks.Load(),
		DroppedBoxes:     inv.droppedBoxes.Load(),
		ClassifiedCycles: inv.classifiedCycles.Load(),
	}
	if inv.batcher != nil {
		s.Batcher = inv.batcher.Stats()
	}
	return s
}
