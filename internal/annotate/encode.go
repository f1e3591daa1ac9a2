package annotate

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"sync"
)

// Encoder turns annotated frames into JPEG bytes. Buffers are pooled; the
// returned slice is freshly allocated and owned by the caller.
type Encoder struct {
	quality int
	pool    sync.Pool
}

// NewEncoder returns an encoder at the given JPEG quality (1-100).
// Out-of-range values fall back to 80.
func NewEncoder(quality int) *Encoder {
	if quality < 1 || quality > 100 {
		quality = 80
	}
	return &Encoder{
		quality: quality,
		pool:    sync.Pool{New: func() any { return new(bytes.Buffer) }},
	}
}

// Encode implements the frame encoding step of each cycle.
func (e *Encoder) Encode(img image.Image) ([]byte, error) {
	buf := e.pool.Get().(*bytes.Buffer)
	buf.Reset()
	defer e.pool.Put(buf)
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: e.quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return bytes.Clone(buf.Bytes()), nil
}

// Placeholder returns a light grey w×h JPEG sent to image stream consumers
// before the first frame is published.
func Placeholder(w, h int) []byte {
	img := image.NewGray(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.Gray{Y: 220}}, image.Point{}, draw.Src)
	var buf bytes.Buffer
	// Encoding a Gray image into a buffer cannot fail.
	_ = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80})
	return buf.Bytes()
}
