package annotate

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vision.feed/internal/inference"
)

func blank(w, h int) *image.RGBA {
	return image.NewRGBA(image.Rect(0, 0, w, h))
}

func region(x1, y1, x2, y2 int, class *inference.Classification) inference.Region {
	return inference.Region{
		Detection: inference.Detection{Box: inference.Box{X1: x1, Y1: y1, X2: x2, Y2: y2}, Confidence: 0.9},
		Class:     class,
	}
}

func rgba(c color.Color) color.RGBA {
	return color.RGBAModel.Convert(c).(color.RGBA)
}

func TestBoxAnnotator_CountStyleDrawsEveryBox(t *testing.T) {
	t.Parallel()

	src := blank(100, 100)
	out := NewBoxAnnotator(CountStyle()).Annotate(src, []inference.Region{
		region(10, 10, 40, 40, nil),
		region(50, 50, 90, 90, nil),
	})

	green := color.RGBA{G: 255, A: 255}
	assert.Equal(t, green, rgba(out.At(10, 10)))
	assert.Equal(t, green, rgba(out.At(11, 25)))
	assert.Equal(t, green, rgba(out.At(89, 89)))
	assert.Equal(t, color.RGBA{}, rgba(out.At(25, 25)), "box interior must stay untouched")

	// Source frame is not modified.
	assert.Equal(t, color.RGBA{}, rgba(src.At(10, 10)))
}

func TestBoxAnnotator_ClassifiedOnly(t *testing.T) {
	t.Parallel()

	pink := color.RGBA{R: 255, G: 105, B: 180, A: 255}
	a := NewBoxAnnotator(ClassifyStyle(map[string]color.Color{"Female": pink}))
	out := a.Annotate(blank(200, 200), []inference.Region{
		region(100, 100, 150, 150, &inference.Classification{Label: "female", Confidence: 0.931}),
		region(10, 10, 40, 40, nil),
		region(60, 60, 90, 90, &inference.Classification{Failed: true}),
	})

	assert.Equal(t, pink, rgba(out.At(100, 120)))
	assert.Equal(t, color.RGBA{}, rgba(out.At(10, 20)), "unclassified region drawn")
	assert.Equal(t, color.RGBA{}, rgba(out.At(60, 70)), "failed region drawn")
}

func TestBoxAnnotator_Label(t *testing.T) {
	t.Parallel()

	a := NewBoxAnnotator(ClassifyStyle(nil))
	r := region(0, 0, 10, 10, &inference.Classification{Label: "male", Confidence: 0.9312})
	assert.Equal(t, "MALE 93.1%", a.label(r))

	tracked := region(0, 0, 10, 10, nil)
	tracked.TrackID = 7
	assert.Equal(t, "#7", a.label(tracked))

	assert.Empty(t, NewBoxAnnotator(CountStyle()).label(r))
}

func TestBoxAnnotator_BoxOnEdge(t *testing.T) {
	t.Parallel()

	// A label tab at the top edge and a box touching the border must not panic.
	a := NewBoxAnnotator(ClassifyStyle(nil))
	out := a.Annotate(blank(50, 50), []inference.Region{
		region(0, 0, 50, 50, &inference.Classification{Label: "female", Confidence: 1}),
		region(49, 49, 50, 50, &inference.Classification{Label: "male", Confidence: 1}),
	})
	assert.Equal(t, image.Rect(0, 0, 50, 50), out.Bounds())
}

func TestEncoder(t *testing.T) {
	t.Parallel()

	enc := NewEncoder(0)
	assert.Equal(t, 80, enc.quality)

	data, err := enc.Encode(blank(32, 24))
	require.NoError(t, err)
	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 32, 24), img.Bounds())

	again, err := enc.Encode(blank(8, 8))
	require.NoError(t, err)
	assert.NotEqual(t, len(data), 0)
	assert.Equal(t, []byte{0xFF, 0xD8}, data[:2], "first result must survive buffer reuse")
	assert.Equal(t, []byte{0xFF, 0xD8}, again[:2])
}

func TestPlaceholder(t *testing.T) {
	t.Parallel()

	img, err := jpeg.Decode(bytes.NewReader(Placeholder(640, 480)))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 640, 480), img.Bounds())
	y := color.GrayModel.Convert(img.At(320, 240)).(color.Gray).Y
	assert.InDelta(t, 220, int(y), 2)
}
