// Package frames opens video sources and yields decoded frames one at a
// time. Sources are pull-based: the producer calls Read when it is ready
// for the next frame, and live sources keep only the newest frame.
package frames

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/vision.feed/internal/fsutil"
	"github.com/banshee-data/vision.feed/internal/timeutil"
)

// ErrEndOfStream is returned by Read once a finite source is exhausted or a
// live source has terminated. It is permanent.
var ErrEndOfStream = errors.New("frames: end of stream")

// Frame is one decoded image from a source.
type Frame struct {
	// Seq numbers frames from 1 in the order the source produced them.
	// Gaps mean a live source dropped frames the producer was too slow for.
	Seq        uint64
	Image      image.Image
	CapturedAt time.Time
}

// Source yields frames until ErrEndOfStream. Errors other than
// ErrEndOfStream are transient and the caller may retry.
type Source interface {
	Read(ctx context.Context) (*Frame, error)
	Close() error
}

// Options tune how a source identifier is opened.
type Options struct {
	// Width and Height size synthetic frames and request a capture size
	// from camera devices. Zero means 640x480.
	Width, Height int
	// FrameRate asks ffmpeg to resample to this rate. Zero keeps the
	// source rate.
	FrameRate int
	// Loop restarts directory sources from the first image.
	Loop bool
	// FFmpeg is the ffmpeg binary. Empty means "ffmpeg" on PATH.
	FFmpeg string
	// OpenTimeout bounds how long Open waits for a live source's first
	// frame. Zero means 10s.
	OpenTimeout time.Duration
	// FS reads directory sources. Nil means the OS filesystem.
	FS fsutil.FileSystem
	// Clock stamps CapturedAt. Nil means the wall clock.
	Clock timeutil.Clock
}

func (o Options) withDefaults() Options {
	if o.Width <= 0 || o.Height <= 0 {
		o.Width, o.Height = 640, 480
	}
	if o.FFmpeg == "" {
		o.FFmpeg = "ffmpeg"
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = 10 * time.Second
	}
	if o.FS == nil {
		o.FS = fsutil.OSFileSystem{}
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	return o
}

// Kind classifies a source identifier.
type Kind int

const (
	KindStream Kind = iota
	KindDevice
	KindDirectory
	KindSynthetic
)

func (k Kind) String() string {
	switch k {
	case KindDevice:
		return "device"
	case KindDirectory:
		return "directory"
	case KindSynthetic:
		return "synthetic"
	default:
		return "stream"
	}
}

// Parse classifies a source identifier and returns the address to open:
//
//	"0", "1"           camera index, opened as /dev/videoN
//	"/dev/video2"      camera device
//	"dir:/path"        directory of JPEG/PNG images, in name order
//	"synthetic"        generated frames
//	anything else      file or URL handed to ffmpeg (rtsp://, http://, .mp4)
func Parse(source string) (Kind, string, error) {
	source = strings.TrimSpace(source)
	switch {
	case source == "":
		return 0, "", fmt.Errorf("empty video source")
	case source == "synthetic":
		return KindSynthetic, "", nil
	case strings.HasPrefix(source, "dir:"):
		dir := strings.TrimPrefix(source, "dir:")
		if dir == "" {
			return 0, "", fmt.Errorf("directory source %q has no path", source)
		}
		return KindDirectory, dir, nil
	case strings.HasPrefix(source, "/dev/"):
		return KindDevice, source, nil
	}
	if n, err := strconv.Atoi(source); err == nil {
		if n < 0 {
			return 0, "", fmt.Errorf("invalid camera index %d", n)
		}
		return KindDevice, fmt.Sprintf("/dev/video%d", n), nil
	}
	return KindStream, source, nil
}

// Open resolves source and opens it. A returned error is fatal to the
// pipeline that asked for the source.
func Open(ctx context.Context, source string, opts Options) (Source, error) {
	kind, addr, err := Parse(source)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	switch kind {
	case KindSynthetic:
		return NewSynthetic(opts.Width, opts.Height, opts.Clock), nil
	case KindDirectory:
		return openDir(addr, opts)
	default:
		return openFFmpeg(ctx, kind, addr, opts)
	}
}
