package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vision.feed/internal/annotate"
	"github.com/banshee-data/vision.feed/internal/frames"
	"github.com/banshee-data/vision.feed/internal/fsutil"
	"github.com/banshee-data/vision.feed/internal/inference"
	"github.com/banshee-data/vision.feed/internal/pipeline"
	"github.com/banshee-data/vision.feed/internal/publication"
	"github.com/banshee-data/vision.feed/internal/stream"
)

func people(n int) []inference.Detection {
	dets := make([]inference.Detection, n)
	for i := range dets {
		dets[i] = inference.Detection{Box: inference.Box{X1: 2, Y1: 2, X2: 20, Y2: 40}, Confidence: 0.9}
	}
	return dets
}

// newFeed builds a count feed replaying a directory of frames against a
// scripted detector.
func newFeed(t *testing.T, name string, counts ...int) *pipeline.Feed {
	t.Helper()

	mfs := fsutil.NewMemoryFileSystem()
	steps := make([]inference.ScriptStep, len(counts))
	for i, n := range counts {
		mfs.WriteFile(fmt.Sprintf("/%s/%03d.jpg", name, i), annotate.Placeholder(64, 48))
		steps[i] = inference.ScriptStep{Detections: people(n)}
	}

	inv, err := inference.NewInvoker(
		[]inference.Backend{{Name: "predict", Detector: inference.NewScriptedDetector(steps...)}},
		nil, inference.InvokerConfig{MinConfidence: 0.45},
	)
	require.NoError(t, err)
	agg := pipeline.NewCountAggregator(20)
	store := publication.NewStore(agg.Zero(), nil)
	p, err := pipeline.NewProducer(
		pipeline.Config{Name: name, Source: "dir:/" + name, SourceOptions: frames.Options{FS: mfs}},
		pipeline.Deps{
			Open:       frames.Open,
			Invoker:    inv,
			Annotator:  annotate.NewBoxAnnotator(annotate.CountStyle()),
			Encoder:    annotate.NewEncoder(70),
			Aggregator: agg,
			Store:      store,
		},
	)
	require.NoError(t, err)
	return &pipeline.Feed{Name: name, Mode: "count", Store: store, Producer: p}
}

type testServer struct {
	set      *pipeline.Set
	server   *Server
	handler  http.Handler
	registry *stream.Registry
}

// newTestServer runs two feeds to completion and serves them with
// consumers that stop after their first emission.
func newTestServer(t *testing.T) *testServer {
	t.Helper()

	set, err := pipeline.NewSet(newFeed(t, "gate", 0, 3, 25), newFeed(t, "lobby", 1))
	require.NoError(t, err)
	set.Run(context.Background())

	stopped, cancel := context.WithCancel(context.Background())
	cancel()
	reg := stream.NewRegistry(nil)
	fanout := &stream.Fanout{Stop: stopped, Registry: reg, Placeholder: annotate.Placeholder(8, 8)}

	srv := NewServer(set, fanout)
	srv.AddStats("extra", func() any { return 42 })
	return &testServer{set: set, server: srv, handler: srv.Router(), registry: reg}
}

func (ts *testServer) get(path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func TestRouter_Ping(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.get("/ping")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", rec.Body.String())
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouter_Preflight(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/count_stream", nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "GET")
}

func TestRouter_Health(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		path      string
		wantCode  int
		wantCount float64
	}{
		{"/health", http.StatusServiceUnavailable, 25},
		{"/feeds/gate/health", http.StatusServiceUnavailable, 25},
		{"/feeds/lobby/health", http.StatusServiceUnavailable, 1},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := ts.get(tt.path)
			assert.Equal(t, tt.wantCode, rec.Code)
			var doc map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
			assert.Equal(t, tt.wantCount, doc["count"])
			assert.Equal(t, "stopped", doc["status"])
			assert.Equal(t, true, doc["live"])
		})
	}

	rec := ts.get("/feeds/nope/health")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown feed nope")
}

func TestRouter_CountStream(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.get("/feeds/gate/count_stream")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, ": ping\n\ndata: {\"count\":25,\"overcrowd\":true}\n\n", rec.Body.String())
	assert.Equal(t, uint64(1), ts.registry.Total())
	assert.Equal(t, 0, ts.registry.Active())
}

func TestRouter_VideoFeed(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.get("/video_feed")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "--frame\r\n"), "body starts with %q", body[:min(len(body), 20)])
	assert.Contains(t, body, "Content-Type: image/jpeg")
	assert.Contains(t, body, "\xff\xd8")
}

func TestRouter_APIFeeds(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.get("/api/feeds")
	require.Equal(t, http.StatusOK, rec.Code)
	var feeds []FeedInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &feeds))
	require.Len(t, feeds, 2)

	assert.Equal(t, "gate", feeds[0].Name)
	assert.True(t, feeds[0].Default)
	assert.Equal(t, "stopped", feeds[0].Health)
	assert.Equal(t, "STOPPED", feeds[0].Status.State)
	assert.Equal(t, pipeline.ReasonEndOfStream, feeds[0].Status.Reason)
	assert.Equal(t, uint64(3), feeds[0].Status.Generation)
	assert.Equal(t, uint64(3), feeds[0].Status.Frames)
	assert.Equal(t, 3, feeds[0].Status.Cycle.Samples)
	assert.False(t, feeds[1].Default)

	rec = ts.get("/api/feeds/lobby")
	require.Equal(t, http.StatusOK, rec.Code)
	var one FeedInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
	assert.Equal(t, uint64(1), one.Status.Generation)

	rec = ts.get("/api/feeds/gate/consumers")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestDebug_FeedsDashboard(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.get("/debug/feeds")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	body := rec.Body.String()
	assert.Contains(t, body, "Feed counters")
	assert.Contains(t, body, "Cycle latency")
	assert.Contains(t, body, "lobby")
}

func TestDebug_Index(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.get("/debug/")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "Active consumers")
	assert.Contains(t, body, "extra")
	assert.Contains(t, body, "latency.png")
}

func TestDebug_LatencyPlot(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/debug/latency.png", "/debug/latency.png?feed=lobby"} {
		rec := ts.get(path)
		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
		magic, err := io.ReadAll(io.LimitReader(rec.Body, 4))
		require.NoError(t, err)
		assert.Equal(t, []byte("\x89PNG"), magic)
	}

	rec := ts.get("/debug/latency.png?feed=nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
