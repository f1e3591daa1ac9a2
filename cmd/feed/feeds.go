package main

import (
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/vision.feed/internal/annotate"
	"github.com/banshee-data/vision.feed/internal/config"
	"github.com/banshee-data/vision.feed/internal/frames"
	"github.com/banshee-data/vision.feed/internal/fsutil"
	"github.com/banshee-data/vision.feed/internal/httputil"
	"github.com/banshee-data/vision.feed/internal/inference"
	"github.com/banshee-data/vision.feed/internal/pipeline"
	"github.com/banshee-data/vision.feed/internal/publication"
	"github.com/banshee-data/vision.feed/internal/timeutil"
)

// builder turns feed configs into wired feeds.
type builder struct {
	client httputil.HTTPClient
	clock  timeutil.Clock
	fs     fsutil.FileSystem
	open   pipeline.OpenFunc
	dev    bool
}

func (b *builder) buildSet(cfg *config.Config) (*pipeline.Set, error) {
	feeds := make([]*pipeline.Feed, 0, len(cfg.Feeds))
	for i, fc := range cfg.Feeds {
		f, err := b.buildFeed(fc.GetName(i), fc)
		if err != nil {
			return nil, fmt.Errorf("feed %s: %w", fc.GetName(i), err)
		}
		feeds = append(feeds, f)
	}
	return pipeline.NewSet(feeds...)
}

// detectors returns the detector fallback chain: the tracker first when
// enabled, then stateless detection. Only the stateless backend is
// checked at startup since both use the same model.
func (b *builder) detectors(d config.DetectorConfig) ([]inference.Backend, []inference.Checker) {
	if b.dev {
		return []inference.Backend{{Name: "synthetic", Detector: &inference.SyntheticDetector{Max: 30, Period: 120}}}, nil
	}
	var backends []inference.Backend
	if d.GetTracking() {
		backends = append(backends, inference.Backend{
			Name:     "track",
			Detector: inference.NewRemoteDetector(b.client, d.GetEndpoint(), d.GetModel(), true),
		})
	}
	predict := inference.NewRemoteDetector(b.client, d.GetEndpoint(), d.GetModel(), false)
	backends = append(backends, inference.Backend{Name: "predict", Detector: predict})
	return backends, []inference.Checker{predict}
}

func (b *builder) classifier(c *config.ClassifierConfig) (inference.Classifier, inference.Checker) {
	if b.dev {
		return inference.SyntheticClassifier{}, nil
	}
	rc := inference.NewRemoteClassifier(b.client, c.GetEndpoint(), c.GetModel())
	return rc, rc
}

func (b *builder) buildFeed(name string, fc config.FeedConfig) (*pipeline.Feed, error) {
	backends, checkers := b.detectors(fc.Detector)

	var (
		batcher    *inference.Batcher
		agg        pipeline.Aggregator
		style      annotate.Style
		decimation = 1
	)
	switch fc.GetMode() {
	case config.ModeClassify:
		cc := fc.Classifier
		cls, check := b.classifier(cc)
		if check != nil {
			checkers = append(checkers, check)
		}
		strategies, _ := inference.StrategiesByName(cc.Strategies)
		if len(strategies) == 0 {
			strategies = inference.DefaultStrategies()
		}
		var err error
		batcher, err = inference.NewBatcher(cls, inference.BatcherConfig{
			BatchSize:     cc.GetBatchSize(),
			InputSize:     cc.GetInputSize(),
			Labels:        cc.GetLabels(),
			MinConfidence: cc.GetConfidence(),
			Strategies:    strategies,
		})
		if err != nil {
			return nil, err
		}
		decimation = cc.GetDecimation()
		la := pipeline.NewLabelAggregator()
		la.CountLabel = fc.GetCountLabel()
		la.PresenceLabel = fc.GetPresenceLabel()
		agg = la
		style = annotate.ClassifyStyle(nil)
	default:
		agg = pipeline.NewCountAggregator(fc.GetCountThreshold())
		style = annotate.CountStyle()
	}

	inv, err := inference.NewInvoker(backends, batcher, inference.InvokerConfig{
		MinConfidence: fc.Detector.GetConfidence(),
		Classes:       []int{fc.Detector.GetTargetClass()},
		Decimation:    decimation,
	})
	if err != nil {
		return nil, err
	}

	store := publication.NewStore(agg.Zero(), b.clock)
	p, err := pipeline.NewProducer(pipeline.Config{
		Name:   name,
		Source: fc.GetSource(),
		SourceOptions: frames.Options{
			Width:     fc.GetWidth(),
			Height:    fc.GetHeight(),
			FrameRate: int(math.Round(fc.GetFrameRate())),
			Loop:      fc.GetLoop(),
			FS:        b.fs,
			Clock:     b.clock,
		},
		FrameRate: fc.GetFrameRate(),
	}, pipeline.Deps{
		Open:       b.open,
		Invoker:    inv,
		Annotator:  annotate.NewBoxAnnotator(style),
		Encoder:    annotate.NewEncoder(fc.GetJPEGQuality()),
		Aggregator: agg,
		Store:      store,
		Clock:      b.clock,
		Checkers:   checkers,
	})
	if err != nil {
		return nil, err
	}
	return &pipeline.Feed{
		Name:            name,
		Mode:            fc.GetMode(),
		Store:           store,
		Producer:        p,
		FrameInterval:   time.Duration(float64(time.Second) / fc.GetStreamFPS()),
		MetricsInterval: fc.GetMetricsInterval(),
	}, nil
}
