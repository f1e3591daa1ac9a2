package inference

import (
	"context"
	"fmt"
	"image"
	"sync/atomic"

	"golang.org/x/image/draw"
)

// BatcherConfig controls crop preparation and batch submission.
type BatcherConfig struct {
	// BatchSize is the maximum number of crops per Classify call.
	BatchSize int
	// InputSize resizes each crop to InputSize×InputSize. 0 keeps the
	// native crop size.
	InputSize int
	// Labels is the declared label set; index i of a resolved output maps
	// to Labels[i].
	Labels []string
	// MinConfidence drops resolved classifications scoring below it.
	MinConfidence float64
	// Strategies is the label resolution order; nil uses DefaultStrategies.
	Strategies []Strategy
}

// BatcherStats are cumulative counters.
type BatcherStats struct {
	Crops         uint64 `json:"crops"`
	Batches       uint64 `json:"batches"`
	BatchFailures uint64 `json:"batch_failures"`
	ItemFailures  uint64 `json:"item_failures"`
	Unresolved    uint64 `json:"unresolved"`
}

// Batcher crops detection regions, classifies them in fixed-size batches
// and maps each output back to its region by position.
type Batcher struct {
	cls Classifier
	cfg BatcherConfig

	crops         atomic.Uint64
	batches       atomic.Uint64
	batchFailures atomic.Uint64
	itemFailures  atomic.Uint64
	unresolved    atomic.Uint64
}

// NewBatcher returns a Batcher over cls.
func NewBatcher(cls Classifier, cfg BatcherConfig) (*Batcher, error) {
	if cls == nil {
		return nil, fmt.Errorf("batcher: nil classifier")
	}
	if len(cfg.Labels) == 0 {
		return nil, fmt.Errorf("batcher: empty label set")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.Strategies == nil {
		cfg.Strategies = DefaultStrategies()
	}
	return &Batcher{cls: cls, cfg: cfg}, nil
}

// Labels returns the declared label set.
func (b *Batcher) Labels() []string { return b.cfg.Labels }

// ExtractAndClassify returns one Region per detection whose clamped box has
// positive area, in detection order. Detections that clamp to nothing
// produce no region and no crop.
func (b *Batcher) ExtractAndClassify(ctx context.Context, img image.Image, dets []Detection) []Region {
	bounds := img.Bounds()
	regions := make([]Region, 0, len(dets))
	crops := make([]image.Image, 0, len(dets))
	for _, d := range dets {
		box, ok := d.Box.Clamp(bounds.Dx(), bounds.Dy())
		if !ok {
			continue
		}
		d.Box = box
		regions = append(regions, Region{Detection: d})
		crops = append(crops, b.crop(img, box))
	}
	b.crops.Add(uint64(len(crops)))

	for start := 0; start < len(crops); start += b.cfg.BatchSize {
		end := min(start+b.cfg.BatchSize, len(crops))
		b.classifyBatch(ctx, crops[start:end], regions[start:end])
	}
	return regions
}

// classifyBatch fills regions in place. A failing batch only affects the
// regions it carried.
func (b *Batcher) classifyBatch(ctx context.Context, crops []image.Image, regions []Region) {
	b.batches.Add(1)
	outs, err := b.cls.Classify(ctx, crops)
	if err == nil && len(outs) != len(crops) {
		err = fmt.Errorf("classifier returned %d outputs for %d crops", len(outs), len(crops))
	}
	if err != nil {
		b.batchFailures.Add(1)
		opsf("classify batch of %d failed: %v", len(crops), err)
		for i := range regions {
			regions[i].Class = &Classification{Failed: true}
		}
		return
	}

	for i, out := range outs {
		c := Resolve(out, b.cfg.Labels, b.cfg.Strategies)
		switch {
		case c == nil:
			b.unresolved.Add(1)
			diagf("unresolvable classifier output for region %s", regions[i].Box)
		case c.Failed:
			b.itemFailures.Add(1)
			diagf("classify item failed for region %s: %v", regions[i].Box, out.Err)
		case c.Confidence < b.cfg.MinConfidence:
			c = nil
		}
		regions[i].Class = c
	}
}

func (b *Batcher) crop(img image.Image, box Box) image.Image {
	r := box.Rect().Add(img.Bounds().Min)
	size := b.cfg.InputSize
	if size <= 0 {
		dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
		draw.Copy(dst, image.Point{}, img, r, draw.Src, nil)
		return dst
	}
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, r, draw.Src, nil)
	return dst
}

// Stats returns the cumulative counters.
func (b *Batcher) Stats() BatcherStats {
	return BatcherStats{
		Crops:         b.crops.Load(),
		Batches:       b.batches.Load(),
		BatchFailures: b.batchFailures.Load(),
		ItemFailures:  b.itemFailures.Load(),
		Unresolved:    b.unresolved.Load(),
	}
}
