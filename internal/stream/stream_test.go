package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vision.feed/internal/publication"
	"github.com/banshee-data/vision.feed/internal/timeutil"
)

// scriptedSource returns the next scripted snapshot on every call and
// repeats the last one once the script runs out.
type scriptedSource struct {
	mu    sync.Mutex
	snaps []publication.Snapshot
	next  int
}

func (s *scriptedSource) Snapshot() publication.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snaps[min(s.next, len(s.snaps)-1)]
	s.next++
	return snap
}

func metricsSnaps(counts ...int) []publication.Snapshot {
	out := make([]publication.Snapshot, len(counts))
	for i, c := range counts {
		out[i] = publication.Snapshot{
			Metrics:    publication.Metrics{"count": c, "overcrowd": c > 20},
			Generation: uint64(i + 1),
		}
	}
	return out
}

func TestGate(t *testing.T) {
	t.Parallel()

	a := publication.Metrics{"count": 1}
	b := publication.Metrics{"count": 2}
	c := publication.Metrics{"count": 3}

	var g Gate
	var passed []publication.Metrics
	for _, m := range []publication.Metrics{a, a, b, b, b, c} {
		if g.Offer(m) {
			passed = append(passed, m)
		}
	}
	if diff := cmp.Diff(passed, []publication.Metrics{a, b, c}); diff != "" {
		t.Errorf("gate mismatch (-got +want):\n%s", diff)
	}
}

func TestGate_CopiesOfferedValue(t *testing.T) {
	t.Parallel()

	var g Gate
	m := publication.Metrics{"count": 1}
	require.True(t, g.Offer(m))
	m["count"] = 2
	assert.True(t, g.Offer(publication.Metrics{"count": 2}), "gate must not alias the caller's map")
}

func TestGate_ChangedDoesNotRemember(t *testing.T) {
	t.Parallel()

	var g Gate
	m := publication.Metrics{"count": 25}
	assert.True(t, g.Changed(m))
	assert.True(t, g.Changed(m), "an unmarked value stays pending")
	g.Mark(m)
	assert.False(t, g.Changed(m))
	assert.False(t, g.Offer(m))
	assert.True(t, g.Changed(publication.Metrics{"count": 26}))
}

func TestWatchMetrics_ChangeGated(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{snaps: metricsSnaps(1, 1, 2, 2, 2, 3)}
	ticker := timeutil.NewMockTicker()
	ctx, cancel := context.WithCancel(context.Background())

	var got []int
	done := make(chan error, 1)
	go func() {
		done <- WatchMetrics(ctx, src, ticker, func(s publication.Snapshot) error {
			got = append(got, s.Metrics["count"].(int))
			return nil
		})
	}()
	for i := 0; i < 5; i++ {
		require.True(t, ticker.Tick(context.Background()))
	}
	// One more tick guarantees the sixth check has completed.
	require.True(t, ticker.Tick(context.Background()))
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestWatchMetrics_EmitErrorEnds(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{snaps: metricsSnaps(1)}
	closed := errors.New("broken pipe")
	err := WatchMetrics(context.Background(), src, timeutil.NewMockTicker(), func(publication.Snapshot) error {
		return closed
	})
	assert.ErrorIs(t, err, closed)
}

func TestStreamFrames_PlaceholderThenLatest(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{snaps: []publication.Snapshot{
		{},
		{Frame: []byte("f1"), Generation: 1},
		{Frame: []byte("f1"), Generation: 1},
		{Frame: []byte("f2"), Generation: 2},
	}}
	ticker := timeutil.NewMockTicker()
	ctx, cancel := context.WithCancel(context.Background())

	var got []string
	done := make(chan error, 1)
	go func() {
		done <- StreamFrames(ctx, src, ticker, []byte("placeholder"), func(b []byte) error {
			got = append(got, string(b))
			return nil
		})
	}()
	for i := 0; i < 4; i++ {
		require.True(t, ticker.Tick(context.Background()))
	}
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []string{"placeholder", "f1", "f1", "f2", "f2"}, got)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	doc := Health(publication.Snapshot{Metrics: publication.Metrics{"count": 4}, Generation: 9}, "ok")
	assert.Equal(t, map[string]any{"count": 4, "status": "ok", "live": true, "generation": uint64(9)}, doc)
}

func TestFanout_MetricsSSE(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(time.Unix(0, 0))
	stop, stopAll := context.WithCancel(context.Background())
	reg := NewRegistry(clock.Now)
	f := &Fanout{Clock: clock, Stop: stop, Registry: reg}
	src := &scriptedSource{snaps: metricsSnaps(0, 0, 3)}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/count_stream", nil)
	done := make(chan struct{})
	go func() {
		f.Metrics("gate", src).ServeHTTP(rec, req)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(clock.Tickers()) == 1 }, time.Second, time.Millisecond)
	mt := clock.Tickers()[0]
	for i := 0; i < 3; i++ {
		require.True(t, mt.Tick(context.Background()))
	}
	assert.Equal(t, 1, reg.Active())
	stopAll()
	<-done

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	want := ": ping\n\n" +
		"data: {\"count\":0,\"overcrowd\":false}\n\n" +
		"data: {\"count\":3,\"overcrowd\":false}\n\n"
	assert.Equal(t, want, rec.Body.String())
	assert.Equal(t, 0, reg.Active())
	assert.True(t, mt.Stopped())
}

func TestFanout_MJPEGOverHTTP(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)
	store := publication.NewStore(nil, nil)
	f := &Fanout{Registry: reg, Placeholder: []byte("placeholder"), FrameInterval: 5 * time.Millisecond}
	srv := httptest.NewServer(f.MJPEG("gate", store))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/x-mixed-replace", mediaType)
	assert.Equal(t, Boundary, params["boundary"])

	mr := multipart.NewReader(resp.Body, params["boundary"])
	part, err := mr.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", part.Header.Get("Content-Type"))
	body, err := io.ReadAll(part)
	require.NoError(t, err)
	assert.Equal(t, "placeholder", string(body))

	store.Publish(context.Background(), []byte("jpeg-1"), publication.Metrics{})
	require.Eventually(t, func() bool {
		part, err := mr.NextPart()
		if err != nil {
			return false
		}
		b, _ := io.ReadAll(part)
		return string(b) == "jpeg-1"
	}, 2*time.Second, time.Millisecond)

	consumers := reg.List("gate")
	require.Len(t, consumers, 1)
	assert.Equal(t, KindMJPEG, consumers[0].Kind)
	assert.Positive(t, consumers[0].Emitted)

	// A departing client ends its consumer.
	resp.Body.Close()
	require.Eventually(t, func() bool { return reg.Active() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestFanout_Snapshot(t *testing.T) {
	t.Parallel()

	store := publication.NewStore(publication.Metrics{"women_count": 0, "male_present": false}, nil)
	f := &Fanout{}

	status := "ok"
	h := f.Snapshot(store, func() string { return status })

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var doc map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&doc))
	assert.Equal(t, map[string]any{
		"women_count": float64(0), "male_present": false,
		"status": "ok", "live": false, "generation": float64(0),
	}, doc)

	status = "stopped"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `"status":"stopped"`))
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	reg := NewRegistry(clock.Now)

	a, detachA := reg.Attach(KindSSE, "gate", "10.0.0.2:5000")
	clock.Advance(time.Second)
	b, detachB := reg.Attach(KindMJPEG, "lobby", "")
	assert.NotEqual(t, a.ID, b.ID)

	a.Emitted(3)
	all := reg.List("")
	require.Len(t, all, 2)
	assert.Equal(t, a.ID, all[0].ID)
	assert.Equal(t, uint64(3), all[0].Emitted)
	assert.Len(t, reg.List("lobby"), 1)

	detachA()
	detachB()
	assert.Equal(t, 0, reg.Active())
	assert.Equal(t, uint64(2), reg.Total())
}
