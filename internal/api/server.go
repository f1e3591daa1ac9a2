// Package api serves the feed streams, the JSON API and the debug surface
// over HTTP.
package api

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/banshee-data/vision.feed/internal/httputil"
	"github.com/banshee-data/vision.feed/internal/pipeline"
	"github.com/banshee-data/vision.feed/internal/stream"
)

// Server routes HTTP requests to feeds.
type Server struct {
	feeds    *pipeline.Set
	fanout   *stream.Fanout
	registry *stream.Registry
	stats    map[string]func() any
}

// NewServer returns a server for feeds whose streams are served by fanout.
func NewServer(feeds *pipeline.Set, fanout *stream.Fanout) *Server {
	reg := fanout.Registry
	if reg == nil {
		reg = stream.NewRegistry(nil)
		fanout.Registry = reg
	}
	return &Server{
		feeds:    feeds,
		fanout:   fanout,
		registry: reg,
		stats:    make(map[string]func() any),
	}
}

// AddStats exposes fn under name on /debug/. Call before Router.
func (s *Server) AddStats(name string, fn func() any) {
	s.stats[name] = fn
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors)

	r.Get("/ping", PingHandler)

	// The unprefixed routes serve the default feed.
	r.Get("/video_feed", s.withFeed(s.videoFeed))
	r.Get("/count_stream", s.withFeed(s.countStream))
	r.Get("/health", s.withFeed(s.health))

	r.Route("/feeds/{feed}", func(r chi.Router) {
		r.Get("/video_feed", s.withFeed(s.videoFeed))
		r.Get("/count_stream", s.withFeed(s.countStream))
		r.Get("/health", s.withFeed(s.health))
	})

	r.Get("/api/feeds", s.listFeeds)
	r.Get("/api/feeds/{feed}", s.withFeed(s.showFeed))
	r.Get("/api/feeds/{feed}/consumers", s.withFeed(s.listConsumers))

	debugMux := http.NewServeMux()
	s.attachDebug(debugMux)
	r.Handle("/debug/*", debugMux)

	return r
}

// cors allows the dashboards served from other origins to read the feeds.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// PingHandler answers liveness probes with "pong".
func PingHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("pong"))
}

// withFeed resolves the {feed} URL parameter, or the default feed when the
// route has none, and hands it to h.
func (s *Server) withFeed(h func(*pipeline.Feed) http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "feed")
		f, ok := s.feeds.Lookup(name)
		if !ok {
			httputil.NotFound(w, "unknown feed "+name)
			return
		}
		h(f).ServeHTTP(w, r)
	}
}

// fanoutFor applies the feed's own consumer pacing.
func (s *Server) fanoutFor(f *pipeline.Feed) *stream.Fanout {
	fo := *s.fanout
	if f.FrameInterval > 0 {
		fo.FrameInterval = f.FrameInterval
	}
	if f.MetricsInterval > 0 {
		fo.MetricsInterval = f.MetricsInterval
	}
	return &fo
}

func (s *Server) videoFeed(f *pipeline.Feed) http.Handler {
	return s.fanoutFor(f).MJPEG(f.Name, f.Store)
}

func (s *Server) countStream(f *pipeline.Feed) http.Handler {
	return s.fanoutFor(f).Metrics(f.Name, f.Store)
}

func (s *Server) health(f *pipeline.Feed) http.Handler {
	return s.fanout.Snapshot(f.Store, f.Health)
}

// FeedInfo is one entry of /api/feeds.
type FeedInfo struct {
	Name      string          `json:"name"`
	Mode      string          `json:"mode"`
	Health    string          `json:"health"`
	Default   bool            `json:"default"`
	Consumers int             `json:"consumers"`
	Status    pipeline.Status `json:"status"`
}

func (s *Server) feedInfo(f *pipeline.Feed) FeedInfo {
	return FeedInfo{
		Name:      f.Name,
		Mode:      f.Mode,
		Health:    f.Health(),
		Default:   f == s.feeds.Default(),
		Consumers: len(s.registry.List(f.Name)),
		Status:    f.Producer.Status(),
	}
}

func (s *Server) listFeeds(w http.ResponseWriter, r *http.Request) {
	feeds := s.feeds.All()
	out := make([]FeedInfo, 0, len(feeds))
	for _, f := range feeds {
		out = append(out, s.feedInfo(f))
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) showFeed(f *pipeline.Feed) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, s.feedInfo(f))
	})
}

func (s *Server) listConsumers(f *pipeline.Feed) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, s.registry.List(f.Name))
	})
}

func (s *Server) statNames() []string {
	names := make([]string, 0, len(s.stats))
	for name := range s.stats {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
