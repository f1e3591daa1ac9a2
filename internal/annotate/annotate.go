// Package annotate draws detection boxes and labels onto frames and encodes
// the result as JPEG for the continuous image stream.
package annotate

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/banshee-data/vision.feed/internal/inference"
)

// Annotator returns a copy of img with regions drawn on it. img is never
// modified.
type Annotator interface {
	Annotate(img image.Image, regions []inference.Region) image.Image
}

// Style selects what BoxAnnotator draws.
type Style struct {
	// Color is used for boxes without a label color.
	Color color.Color
	// Thickness is the box outline width in pixels.
	Thickness int
	// LabelColors overrides Color per classification label, matched
	// case-insensitively.
	LabelColors map[string]color.Color
	// ClassifiedOnly skips regions without a usable classification.
	ClassifiedOnly bool
	// ShowLabels writes "LABEL 93.1%" above classified boxes and the track
	// id above tracked ones.
	ShowLabels bool
}

// CountStyle draws every detection in green.
func CountStyle() Style {
	return Style{Color: color.RGBA{G: 255, A: 255}, Thickness: 2}
}

// ClassifyStyle draws only classified regions with their label.
func ClassifyStyle(labelColors map[string]color.Color) Style {
	return Style{
		Color:          color.RGBA{R: 255, G: 255, A: 255},
		Thickness:      2,
		LabelColors:    labelColors,
		ClassifiedOnly: true,
		ShowLabels:     true,
	}
}

// BoxAnnotator draws rectangles and optional labels.
type BoxAnnotator struct {
	style Style
}

// NewBoxAnnotator returns an annotator with style s.
func NewBoxAnnotator(s Style) *BoxAnnotator {
	if s.Thickness <= 0 {
		s.Thickness = 2
	}
	if s.Color == nil {
		s.Color = color.RGBA{G: 255, A: 255}
	}
	lc := make(map[string]color.Color, len(s.LabelColors))
	for k, v := range s.LabelColors {
		lc[strings.ToLower(k)] = v
	}
	s.LabelColors = lc
	return &BoxAnnotator{style: s}
}

// Annotate implements Annotator.
func (a *BoxAnnotator) Annotate(img image.Image, regions []inference.Region) image.Image {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)

	for _, r := range regions {
		if a.style.ClassifiedOnly && !r.Classified() {
			continue
		}
		col := a.colorFor(r)
		a.rect(dst, r.Box.Rect(), col)
		if text := a.label(r); text != "" {
			drawLabel(dst, r.Box.X1, r.Box.Y1, text, col)
		}
	}
	return dst
}

func (a *BoxAnnotator) colorFor(r inference.Region) color.Color {
	if r.Classified() {
		if c, ok := a.style.LabelColors[strings.ToLower(r.Class.Label)]; ok {
			return c
		}
	}
	return a.style.Color
}

func (a *BoxAnnotator) label(r inference.Region) string {
	if !a.style.ShowLabels {
		return ""
	}
	if r.Classified() {
		return fmt.Sprintf("%s %.1f%%", strings.ToUpper(r.Class.Label), r.Class.Confidence*100)
	}
	if r.TrackID > 0 {
		return fmt.Sprintf("#%d", r.TrackID)
	}
	return ""
}

// rect draws an outline of the configured thickness inside r.
func (a *BoxAnnotator) rect(dst draw.Image, r image.Rectangle, col color.Color) {
	r = r.Intersect(dst.Bounds())
	if r.Empty() {
		return
	}
	src := image.NewUniform(col)
	t := min(a.style.Thickness, r.Dx(), r.Dy())
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t),
		image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y),
		image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e, src, image.Point{}, draw.Src)
	}
}

// drawLabel writes text on a filled tab just above (x, y), or just inside
// the box when there is no room above.
func drawLabel(dst draw.Image, x, y int, text string, bg color.Color) {
	face := basicfont.Face7x13
	w := font.MeasureString(face, text).Ceil() + 4
	h := face.Metrics().Height.Ceil() + 2
	top := y - h
	if top < 0 {
		top = y
	}
	tab := image.Rect(x, top, x+w, top+h).Intersect(dst.Bounds())
	draw.Draw(dst, tab, image.NewUniform(bg), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(color.Black),
		Face: face,
		Dot:  fixed.P(x+2, top+face.Metrics().Ascent.Ceil()+1),
	}
	d.DrawString(text)
}
