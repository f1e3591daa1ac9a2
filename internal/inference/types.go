// Package inference wraps the primary detector and the secondary region
// classifier behind capability interfaces, and turns their raw output into
// filtered detections and per-region classifications.
package inference

import (
	"context"
	"errors"
	"fmt"
	"image"
)

// ErrNoBackend is returned when an Invoker is built without detectors.
var ErrNoBackend = errors.New("inference: no detector backend configured")

// Box is an axis-aligned pixel rectangle. X2 and Y2 are exclusive.
type Box struct {
	X1, Y1, X2, Y2 int
}

// Clamp limits the box to a w×h frame and reports whether anything with
// positive area remains.
func (b Box) Clamp(w, h int) (Box, bool) {
	c := Box{
		X1: clampInt(b.X1, 0, w),
		Y1: clampInt(b.Y1, 0, h),
		X2: clampInt(b.X2, 0, w),
		Y2: clampInt(b.Y2, 0, h),
	}
	return c, c.X2 > c.X1 && c.Y2 > c.Y1
}

// Rect converts the box to an image.Rectangle.
func (b Box) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

func (b Box) String() string {
	return fmt.Sprintf("[%d,%d %d,%d]", b.X1, b.Y1, b.X2, b.Y2)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Detection is one object found by the primary detector.
type Detection struct {
	Box        Box
	ClassID    int
	Confidence float64
	// TrackID is the tracker-assigned identity, 0 when the detection came
	// from a stateless backend.
	TrackID int
}

// Classification is the secondary classifier's verdict for one region.
type Classification struct {
	Label      string
	Index      int
	Confidence float64
	// Failed marks a region whose batch or item errored in the backend.
	Failed bool
}

// Region pairs a detection with its classification. Class is nil when the
// region was not classified this cycle or the output could not be resolved.
type Region struct {
	Detection
	Class *Classification
}

// Classified reports whether the region carries a usable label.
func (r Region) Classified() bool {
	return r.Class != nil && !r.Class.Failed
}

// DetectOptions are the filters a Detector is asked to apply.
type DetectOptions struct {
	MinConfidence float64
	// Classes restricts results to these class ids; empty keeps all.
	Classes []int
}

// Detector is the primary detection capability.
type Detector interface {
	Detect(ctx context.Context, img image.Image, opts DetectOptions) ([]Detection, error)
}

// Top1 is a backend-supplied best class.
type Top1 struct {
	Index      int
	Confidence float64
}

// Output is the raw classifier result for one crop. A backend fills Top1,
// Probs, or both; Err marks a per-item failure.
type Output struct {
	Top1  *Top1
	Probs []float64
	Err   error
}

// Classifier is the secondary region classification capability. The
// returned slice must be the same length and order as crops.
type Classifier interface {
	Classify(ctx context.Context, crops []image.Image) ([]Output, error)
}

// Checker is implemented by backends that can verify their model is loaded.
// A failing check is fatal to the pipeline that owns the backend.
type Checker interface {
	Check(ctx context.Context) error
}
