package frames

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/banshee-data/vision.feed/internal/fsutil"
	"github.com/banshee-data/vision.feed/internal/timeutil"
)

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// dirSource replays the images of a directory in name order.
type dirSource struct {
	fs    fsutil.FileSystem
	clock timeutil.Clock
	dir   string
	files []string
	loop  bool

	mu  sync.Mutex
	idx int
	seq uint64
}

func openDir(dir string, opts Options) (Source, error) {
	names, err := opts.FS.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("open directory source: %w", err)
	}
	var files []string
	for _, n := range names {
		if imageExts[strings.ToLower(path.Ext(n))] {
			files = append(files, n)
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("open directory source %s: no images", dir)
	}
	diagf("directory source %s: %d images, loop=%t", dir, len(files), opts.Loop)
	return &dirSource{fs: opts.FS, clock: opts.Clock, dir: dir, files: files, loop: opts.Loop}, nil
}

// Read implements Source. An undecodable image is skipped on the next call.
func (s *dirSource) Read(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.idx >= len(s.files) {
		if !s.loop {
			s.mu.Unlock()
			return nil, ErrEndOfStream
		}
		s.idx = 0
	}
	name := s.files[s.idx]
	s.idx++
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	data, err := s.fs.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	tracef("frame %d from %s", seq, name)
	return &Frame{Seq: seq, Image: img, CapturedAt: s.clock.Now()}, nil
}

// Close implements Source.
func (s *dirSource) Close() error { return nil }
