// Package pipeline runs the per-feed capture/process loop: read a frame,
// infer, annotate, encode, aggregate and publish, paced to a frame-rate cap.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/vision.feed/internal/annotate"
	"github.com/banshee-data/vision.feed/internal/frames"
	"github.com/banshee-data/vision.feed/internal/inference"
	"github.com/banshee-data/vision.feed/internal/publication"
	"github.com/banshee-data/vision.feed/internal/timeutil"
)

// State is the producer lifecycle state.
type State int32

const (
	StateInit State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Stop reasons reported by Status.
const (
	ReasonRequested   = "stop requested"
	ReasonEndOfStream = "end of stream"
)

// OpenFunc opens a frame source. frames.Open is the production value.
type OpenFunc func(ctx context.Context, source string, opts frames.Options) (frames.Source, error)

// Config holds the producer's identity, source and pacing.
type Config struct {
	// Name identifies the feed in logs and status.
	Name string
	// Source is the video source identifier passed to Open.
	Source        string
	SourceOptions frames.Options

	// FrameRate caps cycles per second. Each cycle sleeps whatever is
	// left of its 1/FrameRate budget; slow cycles are not made up.
	// Zero means no cap.
	FrameRate float64

	// ReadRetry is the pause after a transient read failure. Zero means 50ms.
	ReadRetry time.Duration

	// StatsWindow is the number of recent cycles kept for timing stats.
	// Zero means 256.
	StatsWindow int
}

// Deps are the collaborators a Producer drives. Open, Invoker, Encoder,
// Aggregator and Store are required.
type Deps struct {
	Open       OpenFunc
	Invoker    *inference.Invoker
	Annotator  annotate.Annotator
	Encoder    *annotate.Encoder
	Aggregator Aggregator
	Store      *publication.Store
	Clock      timeutil.Clock
	// Checkers verify model backends before the source is opened.
	Checkers []inference.Checker
}

// Status is a point-in-time view of a producer for health endpoints.
type Status struct {
	Name       string                 `json:"name"`
	Source     string                 `json:"source"`
	State      string                 `json:"state"`
	Reason     string                 `json:"reason,omitempty"`
	Generation uint64                 `json:"generation"`
	Frames     uint64                 `json:"frames"`
	ReadErrors uint64                 `json:"read_errors"`
	Dropped    uint64                 `json:"dropped_frames"`
	Refused    uint64                 `json:"refused_publishes"`
	Inference  inference.InvokerStats `json:"inference"`
	Cycle      CycleStats             `json:"cycle"`
	StartedAt  time.Time              `json:"started_at,omitzero"`
}

// Producer is the single writer of one feed's publication store.
type Producer struct {
	cfg  Config
	deps Deps

	state      atomic.Int32
	frames     atomic.Uint64
	readErrors atomic.Uint64
	refused    atomic.Uint64
	window     *cycleWindow

	mu        sync.Mutex
	reason    string
	startedAt time.Time
	source    frames.Source
}

// NewProducer validates deps and returns a producer in StateInit.
func NewProducer(cfg Config, deps Deps) (*Producer, error) {
	switch {
	case deps.Open == nil:
		return nil, errors.New("pipeline: nil source opener")
	case deps.Invoker == nil:
		return nil, errors.New("pipeline: nil invoker")
	case deps.Encoder == nil:
		return nil, errors.New("pipeline: nil encoder")
	case deps.Aggregator == nil:
		return nil, errors.New("pipeline: nil aggregator")
	case deps.Store == nil:
		return nil, errors.New("pipeline: nil store")
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	if cfg.ReadRetry <= 0 {
		cfg.ReadRetry = 50 * time.Millisecond
	}
	if cfg.StatsWindow <= 0 {
		cfg.StatsWindow = 256
	}
	return &Producer{cfg: cfg, deps: deps, window: newCycleWindow(cfg.StatsWindow)}, nil
}

// Name returns the feed name.
func (p *Producer) Name() string { return p.cfg.Name }

// State returns the current lifecycle state.
func (p *Producer) State() State { return State(p.state.Load()) }

// Reason returns why the producer stopped, empty while it runs.
func (p *Producer) Reason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason
}

// Latencies returns the recent cycle durations in milliseconds.
func (p *Producer) Latencies() []float64 { return p.window.durations() }

func (p *Producer) setState(s State) {
	prev := State(p.state.Swap(int32(s)))
	if prev != s {
		diagf("%s: %s -> %s", p.cfg.Name, prev, s)
	}
}

// Run drives the feed until ctx is cancelled or the source ends. It returns
// an error only when the feed could not start; the producer is STOPPED on
// return in every case. The cycle in flight when ctx is cancelled runs to
// completion, but its publish is refused.
func (p *Producer) Run(ctx context.Context) error {
	p.mu.Lock()
	p.startedAt = p.deps.Clock.Now()
	p.mu.Unlock()

	src, err := p.start(ctx)
	if err != nil {
		p.finish(err.Error())
		opsf("%s: not started: %v", p.cfg.Name, err)
		return err
	}

	p.setState(StateRunning)
	stopWatch := context.AfterFunc(ctx, func() {
		if p.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
			diagf("%s: %s -> %s", p.cfg.Name, StateRunning, StateStopping)
		}
	})
	defer stopWatch()

	reason := p.loop(ctx, src)

	p.setState(StateStopping)
	if err := src.Close(); err != nil {
		opsf("%s: close source: %v", p.cfg.Name, err)
	}
	p.finish(reason)
	return nil
}

func (p *Producer) start(ctx context.Context) (frames.Source, error) {
	p.setState(StateInit)
	for _, c := range p.deps.Checkers {
		if err := c.Check(ctx); err != nil {
			return nil, fmt.Errorf("model check: %w", err)
		}
	}
	src, err := p.deps.Open(ctx, p.cfg.Source, p.cfg.SourceOptions)
	if err != nil {
		return nil, fmt.Errorf("open source %q: %w", p.cfg.Source, err)
	}
	p.mu.Lock()
	p.source = src
	p.mu.Unlock()
	diagf("%s: source %s open", p.cfg.Name, p.cfg.Source)
	return src, nil
}

func (p *Producer) finish(reason string) {
	p.deps.Store.Close()
	p.mu.Lock()
	p.reason = reason
	p.mu.Unlock()
	p.setState(StateStopped)
	diagf("%s: stopped: %s", p.cfg.Name, reason)
}

// loop runs cycles until stopped and returns the stop reason.
func (p *Producer) loop(ctx context.Context, src frames.Source) string {
	var budget time.Duration
	if p.cfg.FrameRate > 0 {
		budget = time.Duration(float64(time.Second) / p.cfg.FrameRate)
	}
	clock := p.deps.Clock

	for {
		if ctx.Err() != nil {
			return ReasonRequested
		}
		start := clock.Now()

		f, err := src.Read(ctx)
		switch {
		case errors.Is(err, frames.ErrEndOfStream):
			return ReasonEndOfStream
		case ctx.Err() != nil:
			return ReasonRequested
		case err != nil:
			p.readErrors.Add(1)
			opsf("%s: read failed, retrying in %s: %v", p.cfg.Name, p.cfg.ReadRetry, err)
			_ = clock.Sleep(ctx, p.cfg.ReadRetry)
			continue
		}

		p.cycle(ctx, f)
		elapsed := clock.Since(start)
		p.window.add(start, elapsed)

		if budget > 0 {
			if remaining := budget - elapsed; remaining > 0 {
				_ = clock.Sleep(ctx, remaining)
			}
		}
	}
}

// cycle processes one frame. Work runs on a context detached from ctx so
// a stop request lets it finish; ctx only gates the publish.
func (p *Producer) cycle(ctx context.Context, f *frames.Frame) {
	p.frames.Add(1)
	work := context.WithoutCancel(ctx)

	res := p.deps.Invoker.Infer(work, f.Image)

	var img image.Image = f.Image
	if p.deps.Annotator != nil {
		img = p.deps.Annotator.Annotate(img, res.Regions)
	}
	jpg, err := p.deps.Encoder.Encode(img)
	if err != nil {
		opsf("%s: frame %d: %v", p.cfg.Name, f.Seq, err)
		return
	}
	metrics := p.deps.Aggregator.Aggregate(res.Regions)

	gen, ok := p.deps.Store.Publish(ctx, jpg, metrics)
	if !ok {
		p.refused.Add(1)
		diagf("%s: frame %d not published, feed stopping", p.cfg.Name, f.Seq)
		return
	}
	tracef("%s: frame %d cycle %d gen %d regions %d metrics %v", p.cfg.Name, f.Seq, res.Cycle, gen, len(res.Regions), metrics)
}

// Status returns a snapshot of the producer's counters.
func (p *Producer) Status() Status {
	p.mu.Lock()
	reason, started, src := p.reason, p.startedAt, p.source
	p.mu.Unlock()

	st := Status{
		Name:       p.cfg.Name,
		Source:     p.cfg.Source,
		State:      p.State().String(),
		Reason:     reason,
		Generation: p.deps.Store.Generation(),
		Frames:     p.frames.Load(),
		ReadErrors: p.readErrors.Load(),
		Refused:    p.refused.Load(),
		Inference:  p.deps.Invoker.Stats(),
		Cycle:      p.window.stats(),
		StartedAt:  started,
	}
	if d, ok := src.(interface{ Dropped() uint64 }); ok {
		st.Dropped = d.Dropped()
	}
	return st
}
