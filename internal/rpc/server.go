package rpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/banshee-data/vision.feed/internal/monitoring"
	"github.com/banshee-data/vision.feed/internal/publication"
	"github.com/banshee-data/vision.feed/internal/stream"
	"github.com/banshee-data/vision.feed/internal/timeutil"
)

var logf = monitoring.Component("gRPC")

// Ensure Server implements the gRPC interface.
var _ FeedServiceServer = (*Server)(nil)

// Target is what the service reads for one feed.
type Target struct {
	// Name is the resolved feed name, used to record consumers.
	Name   string
	Source stream.SnapshotSource
	Status stream.StatusFunc
}

// Resolver maps a requested feed name to its target. The empty name
// selects the default feed.
type Resolver func(feed string) (Target, bool)

// Config holds configuration for the gRPC server.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "localhost:50051")
	ListenAddr string

	// MetricsInterval paces change checks on WatchMetrics streams.
	MetricsInterval time.Duration

	// MaxMsgSize bounds received and sent messages.
	MaxMsgSize int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      "localhost:50051",
		MetricsInterval: 500 * time.Millisecond,
		MaxMsgSize:      4 * 1024 * 1024,
	}
}

// Deps are the collaborators of a Server. Clock, Registry and Stop are
// optional.
type Deps struct {
	Resolve  Resolver
	Clock    timeutil.Clock
	Registry *stream.Registry
	// Stop ends every WatchMetrics stream when done, ahead of Stop.
	Stop context.Context
}

// Stats are the server's counters.
type Stats struct {
	Running   bool   `json:"running"`
	Snapshots uint64 `json:"snapshots"`
	Watchers  int32  `json:"watchers"`
	Sent      uint64 `json:"sent"`
}

// Server implements FeedService and owns the grpc.Server serving it.
type Server struct {
	config Config
	deps   Deps

	server   *grpc.Server
	listener net.Listener

	// stopCtx ends every WatchMetrics stream so GracefulStop can return.
	stopCtx context.Context
	stop    context.CancelFunc

	snapshots atomic.Uint64
	sent      atomic.Uint64
	watchers  atomic.Int32

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewServer creates a server; call Start or Serve to accept connections.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Resolve == nil {
		return nil, fmt.Errorf("rpc: nil resolver")
	}
	def := DefaultConfig()
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = def.MetricsInterval
	}
	if cfg.MaxMsgSize <= 0 {
		cfg.MaxMsgSize = def.MaxMsgSize
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	s := &Server{config: cfg, deps: deps}
	parent := deps.Stop
	if parent == nil {
		parent = context.Background()
	}
	s.stopCtx, s.stop = context.WithCancel(parent)
	s.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(cfg.MaxMsgSize),
		grpc.MaxSendMsgSize(cfg.MaxMsgSize),
	)
	RegisterFeedServiceServer(s.server, s)
	return s, nil
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve accepts connections on lis in the background.
func (s *Server) Serve(lis net.Listener) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("rpc: server already running")
	}
	s.listener = lis

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		logf("listening on %s", lis.Addr())
		if err := s.server.Serve(lis); err != nil && s.running.Load() {
			logf("server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop ends all streams and gracefully stops the server.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.stop()
	s.server.GracefulStop()
	s.wg.Wait()
	logf("server stopped")
}

// Stats returns the server counters.
func (s *Server) Stats() Stats {
	return Stats{
		Running:   s.running.Load(),
		Snapshots: s.snapshots.Load(),
		Watchers:  s.watchers.Load(),
		Sent:      s.sent.Load(),
	}
}

func (s *Server) target(req *wrapperspb.StringValue) (Target, error) {
	name := req.GetValue()
	t, ok := s.deps.Resolve(name)
	if !ok {
		return Target{}, status.Errorf(codes.NotFound, "unknown feed %q", name)
	}
	return t, nil
}

// Snapshot returns the health document of the requested feed.
func (s *Server) Snapshot(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	t, err := s.target(req)
	if err != nil {
		return nil, err
	}
	st := "ok"
	if t.Status != nil {
		st = t.Status()
	}
	out, err := structpb.NewStruct(stream.Health(t.Source.Snapshot(), st))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode snapshot: %v", err)
	}
	s.snapshots.Add(1)
	return out, nil
}

// WatchMetrics streams change-gated metrics until the client goes away or
// the server stops.
func (s *Server) WatchMetrics(req *wrapperspb.StringValue, ss grpc.ServerStreamingServer[structpb.Struct]) error {
	t, err := s.target(req)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ss.Context())
	defer cancel()
	unregister := context.AfterFunc(s.stopCtx, cancel)
	defer unregister()

	feed := t.Name
	if feed == "" {
		feed = req.GetValue()
	}
	c := &stream.Consumer{Kind: stream.KindGRPC, Feed: feed}
	if s.deps.Registry != nil {
		remote := ""
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			remote = p.Addr.String()
		}
		var detach func()
		c, detach = s.deps.Registry.Attach(stream.KindGRPC, feed, remote)
		defer detach()
	}
	s.watchers.Add(1)
	defer s.watchers.Add(-1)

	ticker := s.deps.Clock.NewTicker(s.config.MetricsInterval)
	defer ticker.Stop()

	err = stream.WatchMetrics(ctx, t.Source, ticker, func(snap publication.Snapshot) error {
		msg, err := structpb.NewStruct(snap.Metrics)
		if err != nil {
			return status.Errorf(codes.Internal, "encode metrics: %v", err)
		}
		if err := ss.Send(msg); err != nil {
			return err
		}
		s.sent.Add(1)
		c.Emitted(1)
		return nil
	})
	if err != nil {
		logf("WatchMetrics %q closed: %v", req.GetValue(), err)
	}
	return err
}
