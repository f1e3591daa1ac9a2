package frames

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/vision.feed/internal/timeutil"
)

const maxFrameBytes = 16 << 20

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// splitJPEG is a bufio.SplitFunc yielding one complete JPEG per token,
// delimited by the SOI and EOI markers. Bytes outside a SOI..EOI pair are
// discarded.
func splitJPEG(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, jpegSOI)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// Keep a trailing 0xFF: it may be the first half of a marker.
		if n := len(data) - 1; n > 0 {
			return n, nil, nil
		}
		return 0, nil, nil
	}
	end := bytes.Index(data[start+len(jpegSOI):], jpegEOI)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	stop := start + len(jpegSOI) + end + len(jpegEOI)
	return stop, data[start:stop], nil
}

// ffmpegArgs builds the command line that re-encodes the input as a stream
// of MJPEG frames on stdout.
func ffmpegArgs(kind Kind, addr string, opts Options) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	switch {
	case kind == KindDevice:
		args = append(args, "-f", "v4l2", "-video_size", fmt.Sprintf("%dx%d", opts.Width, opts.Height))
		if opts.FrameRate > 0 {
			args = append(args, "-framerate", strconv.Itoa(opts.FrameRate))
		}
	case strings.HasPrefix(addr, "rtsp://"):
		args = append(args, "-rtsp_transport", "tcp")
	case !strings.Contains(addr, "://"):
		// Local files play at their native rate so they behave like a camera.
		args = append(args, "-re")
	}
	args = append(args, "-i", addr)
	if kind != KindDevice && opts.FrameRate > 0 {
		args = append(args, "-r", strconv.Itoa(opts.FrameRate))
	}
	return append(args, "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "5", "-")
}

func openFFmpeg(ctx context.Context, kind Kind, addr string, opts Options) (Source, error) {
	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, opts.FFmpeg, ffmpegArgs(kind, addr, opts)...)
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", opts.FFmpeg, err)
	}
	diagf("started ffmpeg pid=%d for %s source %s", cmd.Process.Pid, kind, addr)

	s := newPipeSource(stdout, cmd.Wait, cancel, opts.Clock)
	s.stderr = stderr
	if err := s.awaitFirst(ctx, opts.OpenTimeout); err != nil {
		return nil, fmt.Errorf("open %s: %w", addr, err)
	}
	return s, nil
}

type packet struct {
	data []byte
	seq  uint64
	at   time.Time
}

// pipeSource reads concatenated JPEGs from r. Only the newest undelivered
// frame is kept; older ones are dropped and counted.
type pipeSource struct {
	latest  chan packet
	ready   chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc
	stderr  *tailBuffer
	dropped atomic.Uint64

	exitErr   error
	closeOnce sync.Once
}

func newPipeSource(r io.Reader, wait func() error, cancel context.CancelFunc, clock timeutil.Clock) *pipeSource {
	s := &pipeSource{
		latest: make(chan packet, 1),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go s.readLoop(r, wait, clock)
	return s
}

func (s *pipeSource) readLoop(r io.Reader, wait func() error, clock timeutil.Clock) {
	defer close(s.done)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 256<<10), maxFrameBytes)
	sc.Split(splitJPEG)
	var seq uint64
	for sc.Scan() {
		seq++
		s.offer(packet{data: bytes.Clone(sc.Bytes()), seq: seq, at: clock.Now()})
		if seq == 1 {
			close(s.ready)
		}
	}
	err := sc.Err()
	if err != nil && s.cancel != nil {
		// The writer may be blocked on a full pipe; stop it before waiting.
		s.cancel()
	}
	if wait != nil {
		if werr := wait(); err == nil {
			err = werr
		}
	}
	s.exitErr = err
}

func (s *pipeSource) offer(p packet) {
	select {
	case s.latest <- p:
		return
	default:
	}
	select {
	case <-s.latest:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.latest <- p:
	default:
		s.dropped.Add(1)
	}
}

func (s *pipeSource) awaitFirst(ctx context.Context, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-s.ready:
		return nil
	case <-s.done:
		_ = s.Close()
		return fmt.Errorf("exited before the first frame: %v%s", s.exitErr, s.stderrTail())
	case <-t.C:
		_ = s.Close()
		return fmt.Errorf("no frame within %s%s", timeout, s.stderrTail())
	case <-ctx.Done():
		_ = s.Close()
		return ctx.Err()
	}
}

func (s *pipeSource) stderrTail() string {
	if s.stderr == nil {
		return ""
	}
	if t := s.stderr.String(); t != "" {
		return ": " + t
	}
	return ""
}

// Read implements Source.
func (s *pipeSource) Read(ctx context.Context) (*Frame, error) {
	select {
	case p := <-s.latest:
		return decode(p)
	case <-s.done:
		select {
		case p := <-s.latest:
			return decode(p)
		default:
		}
		if s.exitErr != nil {
			opsf("frame pipe closed: %v%s", s.exitErr, s.stderrTail())
		}
		return nil, ErrEndOfStream
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func decode(p packet) (*Frame, error) {
	img, err := jpeg.Decode(bytes.NewReader(p.data))
	if err != nil {
		return nil, fmt.Errorf("decode frame %d: %w", p.seq, err)
	}
	return &Frame{Seq: p.seq, Image: img, CapturedAt: p.at}, nil
}

// Dropped returns how many frames were replaced before being read.
func (s *pipeSource) Dropped() uint64 { return s.dropped.Load() }

// Close stops the reader and waits for it to exit.
func (s *pipeSource) Close() error {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
	<-s.done
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
