package inference

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// widthClassifier answers index = crop width parity so tests can check
// positional mapping, and fails the batches listed in failBatches.
type widthClassifier struct {
	mu          sync.Mutex
	sizes       []int
	failBatches map[int]bool
	short       bool
}

func (c *widthClassifier) Classify(_ context.Context, crops []image.Image) ([]Output, error) {
	c.mu.Lock()
	batch := len(c.sizes)
	c.sizes = append(c.sizes, len(crops))
	c.mu.Unlock()

	if c.failBatches[batch] {
		return nil, errors.New("backend overloaded")
	}
	outs := make([]Output, len(crops))
	for i, crop := range crops {
		outs[i] = Output{Top1: &Top1{Index: crop.Bounds().Dx() % 2, Confidence: 0.9}}
	}
	if c.short {
		outs = outs[:len(outs)-1]
	}
	return outs, nil
}

func detsWithWidths(widths ...int) []Detection {
	dets := make([]Detection, len(widths))
	for i, w := range widths {
		dets[i] = person(0, 0, w, 10, 0.9)
	}
	return dets
}

func TestBatcher_BatchesInOrder(t *testing.T) {
	t.Parallel()

	cls := &widthClassifier{}
	b, err := NewBatcher(cls, BatcherConfig{BatchSize: 6, Labels: []string{"even", "odd"}})
	require.NoError(t, err)

	widths := []int{2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	regions := b.ExtractAndClassify(context.Background(), frame(64, 64), detsWithWidths(widths...))

	require.Len(t, regions, len(widths))
	assert.Equal(t, []int{6, 6, 2}, cls.sizes)
	for i, r := range regions {
		require.NotNil(t, r.Class)
		want := []string{"even", "odd"}[widths[i]%2]
		assert.Equal(t, want, r.Class.Label, "region %d", i)
		assert.Equal(t, widths[i], r.Box.X2)
	}
	assert.Equal(t, uint64(3), b.Stats().Batches)
	assert.Equal(t, uint64(14), b.Stats().Crops)
}

func TestBatcher_FailedBatchOnlyAffectsItsRegions(t *testing.T) {
	t.Parallel()

	cls := &widthClassifier{failBatches: map[int]bool{1: true}}
	b, err := NewBatcher(cls, BatcherConfig{BatchSize: 2, Labels: []string{"even", "odd"}})
	require.NoError(t, err)

	regions := b.ExtractAndClassify(context.Background(), frame(64, 64), detsWithWidths(2, 3, 4, 5, 6))
	require.Len(t, regions, 5)

	for i, r := range regions {
		require.NotNil(t, r.Class, "region %d", i)
		if i == 2 || i == 3 {
			assert.True(t, r.Class.Failed, "region %d should be failed", i)
			assert.False(t, r.Classified())
		} else {
			assert.True(t, r.Classified(), "region %d should be classified", i)
		}
	}
	assert.Equal(t, uint64(1), b.Stats().BatchFailures)
}

func TestBatcher_LengthMismatchIsBatchFailure(t *testing.T) {
	t.Parallel()

	b, err := NewBatcher(&widthClassifier{short: true}, BatcherConfig{BatchSize: 4, Labels: []string{"a", "b"}})
	require.NoError(t, err)

	regions := b.ExtractAndClassify(context.Background(), frame(64, 64), detsWithWidths(2, 3, 4))
	for _, r := range regions {
		require.NotNil(t, r.Class)
		assert.True(t, r.Class.Failed)
	}
}

func TestBatcher_DropsEmptyCrops(t *testing.T) {
	t.Parallel()

	cls := &widthClassifier{}
	b, err := NewBatcher(cls, BatcherConfig{BatchSize: 6, Labels: []string{"even", "odd"}})
	require.NoError(t, err)

	dets := []Detection{
		person(0, 0, 4, 10, 0.9),
		person(10, 10, 10, 20, 0.9),   // zero width
		person(100, 100, 120, 120, 1), // outside
		person(0, 0, 5, 10, 0.9),
	}
	regions := b.ExtractAndClassify(context.Background(), frame(64, 64), dets)
	require.Len(t, regions, 2)
	assert.Equal(t, []int{2}, cls.sizes)
	assert.Equal(t, "even", regions[0].Class.Label)
	assert.Equal(t, "odd", regions[1].Class.Label)
}

func TestBatcher_ResizesToInputSize(t *testing.T) {
	t.Parallel()

	var got []image.Rectangle
	cls := ClassifyFunc(func(_ context.Context, crops []image.Image) ([]Output, error) {
		outs := make([]Output, len(crops))
		for i, c := range crops {
			got = append(got, c.Bounds())
			outs[i] = Output{Probs: []float64{0.2, 0.8}}
		}
		return outs, nil
	})
	b, err := NewBatcher(cls, BatcherConfig{BatchSize: 6, InputSize: 224, Labels: []string{"female", "male"}})
	require.NoError(t, err)

	regions := b.ExtractAndClassify(context.Background(), frame(640, 480), []Detection{person(10, 20, 50, 140, 0.9)})
	require.Len(t, regions, 1)
	assert.Equal(t, []image.Rectangle{image.Rect(0, 0, 224, 224)}, got)
	assert.Equal(t, "male", regions[0].Class.Label)
}

func TestBatcher_LowConfidenceIsAbsent(t *testing.T) {
	t.Parallel()

	cls := ClassifyFunc(func(_ context.Context, crops []image.Image) ([]Output, error) {
		return []Output{{Top1: &Top1{Index: 1, Confidence: 0.3}}}, nil
	})
	b, err := NewBatcher(cls, BatcherConfig{BatchSize: 6, Labels: []string{"female", "male"}, MinConfidence: 0.5})
	require.NoError(t, err)

	regions := b.ExtractAndClassify(context.Background(), frame(64, 64), []Detection{person(0, 0, 10, 10, 0.9)})
	require.Len(t, regions, 1)
	assert.Nil(t, regions[0].Class)
}

func TestResolve(t *testing.T) {
	t.Parallel()

	labels := []string{"female", "male"}
	tests := []struct {
		name string
		out  Output
		want *Classification
	}{
		{"top1", Output{Top1: &Top1{Index: 1, Confidence: 0.93}}, &Classification{Label: "male", Index: 1, Confidence: 0.93}},
		{"top1 wins over probs", Output{Top1: &Top1{Index: 0, Confidence: 0.6}, Probs: []float64{0.1, 0.9}}, &Classification{Label: "female", Index: 0, Confidence: 0.6}},
		{"binary high", Output{Probs: []float64{0.7}}, &Classification{Label: "male", Index: 1, Confidence: 0.7}},
		{"binary boundary", Output{Probs: []float64{0.5}}, &Classification{Label: "male", Index: 1, Confidence: 0.5}},
		{"binary low", Output{Probs: []float64{0.25}}, &Classification{Label: "female", Index: 0, Confidence: 0.75}},
		{"argmax", Output{Probs: []float64{0.8, 0.2}}, &Classification{Label: "female", Index: 0, Confidence: 0.8}},
		{"index outside labels", Output{Probs: []float64{0.1, 0.1, 0.8}}, nil},
		{"negative top1", Output{Top1: &Top1{Index: -1}}, nil},
		{"empty", Output{}, nil},
		{"item error", Output{Err: errors.New("bad crop")}, &Classification{Failed: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(tt.out, labels, DefaultStrategies())
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want.Label, got.Label)
			assert.Equal(t, tt.want.Index, got.Index)
			assert.Equal(t, tt.want.Failed, got.Failed)
			assert.InDelta(t, tt.want.Confidence, got.Confidence, 1e-9)
		})
	}
}

func TestStrategiesByName(t *testing.T) {
	t.Parallel()

	got, unknown := StrategiesByName([]string{"argmax", "nope", "top1"})
	require.Len(t, got, 2)
	assert.Equal(t, "argmax", got[0].Name)
	assert.Equal(t, "top1", got[1].Name)
	assert.Equal(t, []string{"nope"}, unknown)

	// argmax before top1 changes the outcome for mixed outputs.
	c := Resolve(Output{Top1: &Top1{Index: 0, Confidence: 0.6}, Probs: []float64{0.1, 0.9}}, []string{"f", "m"}, got)
	require.NotNil(t, c)
	assert.Equal(t, "m", c.Label)
}
