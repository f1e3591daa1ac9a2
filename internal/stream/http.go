package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/banshee-data/vision.feed/internal/httputil"
	"github.com/banshee-data/vision.feed/internal/monitoring"
	"github.com/banshee-data/vision.feed/internal/publication"
	"github.com/banshee-data/vision.feed/internal/timeutil"
)

// Boundary separates parts of the continuous image stream.
const Boundary = "frame"

var logf = monitoring.Component("stream")

// Fanout serves HTTP consumers for any number of feeds.
type Fanout struct {
	// Clock creates consumer tickers.
	Clock timeutil.Clock
	// Stop ends every consumer when cancelled, in addition to the
	// request's own context.
	Stop context.Context
	// Registry records attached consumers. Optional.
	Registry *Registry
	// Placeholder is sent on the image stream before the first frame.
	Placeholder []byte
	// FrameInterval paces the image stream. Zero means 100ms.
	FrameInterval time.Duration
	// MetricsInterval paces change checks on the metrics stream. Zero
	// means 500ms.
	MetricsInterval time.Duration
}

func (f *Fanout) clock() timeutil.Clock {
	if f.Clock == nil {
		return timeutil.RealClock{}
	}
	return f.Clock
}

func (f *Fanout) attach(kind Kind, feed string, r *http.Request) (*Consumer, func()) {
	if f.Registry == nil {
		return &Consumer{Kind: kind, Feed: feed}, func() {}
	}
	return f.Registry.Attach(kind, feed, r.RemoteAddr)
}

func interval(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// MJPEG serves feed as multipart/x-mixed-replace JPEG parts.
func (f *Fanout) MJPEG(feed string, src SnapshotSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := mergeStop(r.Context(), f.Stop)
		defer cancel()
		c, detach := f.attach(KindMJPEG, feed, r)
		defer detach()

		mw := multipart.NewWriter(w)
		if err := mw.SetBoundary(Boundary); err != nil {
			httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+Boundary)
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		flusher, _ := w.(http.Flusher)

		ticker := f.clock().NewTicker(interval(f.FrameInterval, 100*time.Millisecond))
		defer ticker.Stop()

		err := StreamFrames(ctx, src, ticker, f.Placeholder, func(frame []byte) error {
			part, err := mw.CreatePart(textproto.MIMEHeader{
				"Content-Type":   {"image/jpeg"},
				"Content-Length": {strconv.Itoa(len(frame))},
			})
			if err != nil {
				return err
			}
			if _, err := part.Write(frame); err != nil {
				return err
			}
			if flusher != nil {
				flusher.Flush()
			}
			c.Emitted(1)
			return nil
		})
		if err != nil {
			logf("%s: image consumer %s closed: %v", feed, c.ID, err)
		}
	}
}

// Metrics serves feed as a text/event-stream of change-gated metrics.
func (f *Fanout) Metrics(feed string, src SnapshotSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			httputil.WriteJSONError(w, http.StatusInternalServerError, "streaming unsupported")
			return
		}
		ctx, cancel := mergeStop(r.Context(), f.Stop)
		defer cancel()
		c, detach := f.attach(KindSSE, feed, r)
		defer detach()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		// Send initial ping to establish connection
		if _, err := w.Write([]byte(": ping\n\n")); err != nil {
			return
		}
		flusher.Flush()

		ticker := f.clock().NewTicker(interval(f.MetricsInterval, 500*time.Millisecond))
		defer ticker.Stop()

		err := WatchMetrics(ctx, src, ticker, func(snap publication.Snapshot) error {
			payload, err := json.Marshal(snap.Metrics)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return err
			}
			flusher.Flush()
			c.Emitted(1)
			return nil
		})
		if err != nil {
			logf("%s: metrics consumer %s closed: %v", feed, c.ID, err)
		}
	}
}

// StatusFunc reports a feed's health status string: "ok" while the
// producer runs, otherwise its lower-case state.
type StatusFunc func() string

// Snapshot serves the health document for feed. Stopped feeds answer 503
// with the last published metrics.
func (f *Fanout) Snapshot(src SnapshotSource, status StatusFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := "ok"
		if status != nil {
			st = status()
		}
		code := http.StatusOK
		if st == "stopped" {
			code = http.StatusServiceUnavailable
		}
		httputil.WriteJSON(w, code, Health(src.Snapshot(), st))
	}
}
