package frames

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"sync"

	"github.com/banshee-data/vision.feed/internal/timeutil"
)

// Synthetic generates an endless scene of light and dark figures drifting
// over a grey floor. It pairs with the synthetic inference backends in
// development mode.
type Synthetic struct {
	w, h  int
	clock timeutil.Clock

	mu  sync.Mutex
	seq uint64
}

// NewSynthetic returns a w×h generator.
func NewSynthetic(w, h int, clock timeutil.Clock) *Synthetic {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Synthetic{w: w, h: h, clock: clock}
}

// Read implements Source. It never reaches end of stream.
func (s *Synthetic) Read(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	img := image.NewRGBA(image.Rect(0, 0, s.w, s.h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.Gray{Y: 96}}, image.Point{}, draw.Src)

	bw, bh := max(s.w/12, 8), max(s.h/5, 16)
	for i := 0; i < 8; i++ {
		x := (i*97 + int(seq)*3) % max(s.w-bw, 1)
		y := (i * 53) % max(s.h-bh, 1)
		shade := uint8(40)
		if i%2 == 1 {
			shade = 210
		}
		r := image.Rect(x, y, x+bw, y+bh)
		draw.Draw(img, r, &image.Uniform{C: color.Gray{Y: shade}}, image.Point{}, draw.Src)
	}
	return &Frame{Seq: seq, Image: img, CapturedAt: s.clock.Now()}, nil
}

// Close implements Source.
func (s *Synthetic) Close() error { return nil }
