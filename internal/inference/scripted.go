package inference

import (
	"context"
	"image"
	"math"
	"sync"
)

// DetectFunc adapts a function to Detector.
type DetectFunc func(ctx context.Context, img image.Image, opts DetectOptions) ([]Detection, error)

// Detect implements Detector.
func (f DetectFunc) Detect(ctx context.Context, img image.Image, opts DetectOptions) ([]Detection, error) {
	return f(ctx, img, opts)
}

// ClassifyFunc adapts a function to Classifier.
type ClassifyFunc func(ctx context.Context, crops []image.Image) ([]Output, error)

// Classify implements Classifier.
func (f ClassifyFunc) Classify(ctx context.Context, crops []image.Image) ([]Output, error) {
	return f(ctx, crops)
}

// ScriptedDetector replays a fixed sequence of per-call results. Once the
// script is exhausted the last step repeats.
type ScriptedDetector struct {
	mu    sync.Mutex
	steps []ScriptStep
	calls int
}

// ScriptStep is one scripted Detect result.
type ScriptStep struct {
	Detections []Detection
	Err        error
}

// NewScriptedDetector returns a detector that replays steps.
func NewScriptedDetector(steps ...ScriptStep) *ScriptedDetector {
	return &ScriptedDetector{steps: steps}
}

// Detect implements Detector.
func (s *ScriptedDetector) Detect(ctx context.Context, _ image.Image, _ DetectOptions) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.steps) == 0 {
		return nil, nil
	}
	step := s.steps[min(s.calls, len(s.steps))-1]
	return append([]Detection(nil), step.Detections...), step.Err
}

// Calls returns how many times Detect ran.
func (s *ScriptedDetector) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// SyntheticDetector produces a deterministic crowd that drifts across the
// frame, for running the full stack without a model server. The number of
// people rises and falls between 0 and Max over Period cycles.
type SyntheticDetector struct {
	Max    int
	Period int

	mu   sync.Mutex
	tick int
}

// Detect implements Detector.
func (s *SyntheticDetector) Detect(_ context.Context, img image.Image, opts DetectOptions) ([]Detection, error) {
	s.mu.Lock()
	s.tick++
	tick := s.tick
	s.mu.Unlock()

	period := max(s.Period, 1)
	phase := float64(tick%period) / float64(period)
	n := int(math.Round(float64(s.Max) * (0.5 - 0.5*math.Cos(2*math.Pi*phase))))

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	bw, bh := max(w/12, 8), max(h/5, 16)
	class := 0
	if len(opts.Classes) > 0 {
		class = opts.Classes[0]
	}
	dets := make([]Detection, 0, n)
	for i := 0; i < n; i++ {
		x := (i*97 + tick*3) % max(w-bw, 1)
		y := (i * 53) % max(h-bh, 1)
		dets = append(dets, Detection{
			Box:        Box{X1: x, Y1: y, X2: x + bw, Y2: y + bh},
			ClassID:    class,
			Confidence: 0.6 + 0.35*float64(i%4)/3,
			TrackID:    i + 1,
		})
	}
	return dets, nil
}

// SyntheticClassifier labels crops by their average brightness: darker
// crops get index 0, lighter ones index 1.
type SyntheticClassifier struct{}

// Classify implements Classifier.
func (SyntheticClassifier) Classify(_ context.Context, crops []image.Image) ([]Output, error) {
	outs := make([]Output, len(crops))
	for i, c := range crops {
		p := meanLuma(c)
		outs[i] = Output{Probs: []float64{p}}
	}
	return outs, nil
}

func meanLuma(img image.Image) float64 {
	b := img.Bounds()
	if b.Empty() {
		return 0
	}
	var sum float64
	step := max(b.Dx()/16, 1)
	var n int
	for y := b.Min.Y; y < b.Max.Y; y += step {
		for x := b.Min.X; x < b.Max.X; x += step {
			r, g, bl, _ := img.At(x, y).RGBA()
			sum += (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(bl)) / 0xffff
			n++
		}
	}
	return sum / float64(n)
}
