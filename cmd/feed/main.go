package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/vision.feed/internal/annotate"
	"github.com/banshee-data/vision.feed/internal/api"
	"github.com/banshee-data/vision.feed/internal/config"
	"github.com/banshee-data/vision.feed/internal/emitter"
	"github.com/banshee-data/vision.feed/internal/frames"
	"github.com/banshee-data/vision.feed/internal/fsutil"
	"github.com/banshee-data/vision.feed/internal/httputil"
	"github.com/banshee-data/vision.feed/internal/inference"
	"github.com/banshee-data/vision.feed/internal/pipeline"
	"github.com/banshee-data/vision.feed/internal/rpc"
	"github.com/banshee-data/vision.feed/internal/stream"
	"github.com/banshee-data/vision.feed/internal/timeutil"
	"github.com/banshee-data/vision.feed/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to a JSON or YAML config file")
	listen      = flag.String("listen", "", "HTTP listen address (overrides config, default :8080)")
	grpcListen  = flag.String("grpc-listen", "", "gRPC listen address (overrides config, empty disables)")
	source      = flag.String("source", "synthetic", "Video source when no config file is given")
	devMode     = flag.Bool("dev", false, "Use scripted inference backends instead of remote models")
	trace       = flag.Bool("trace", false, "Log per-frame telemetry")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// shutdownTimeout bounds the HTTP server's graceful shutdown.
const shutdownTimeout = 5 * time.Second

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String())
		return
	}

	configureLogging(os.Stderr, *trace)

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("%s starting", version.String())
	if err := run(ctx, cfg, nil); err != nil {
		log.Fatalf("%v", err)
	}
	log.Printf("Graceful shutdown complete")
}

// configureLogging routes the ops and diag streams to w and the per-frame
// trace stream to w only when trace is set.
func configureLogging(w io.Writer, trace bool) {
	var traceW io.Writer
	if trace {
		traceW = w
	}
	frames.SetLogWriters(w, w, traceW)
	inference.SetLogWriters(w, w, traceW)
	pipeline.SetLogWriters(w, w, traceW)
}

// loadConfig reads -config, or builds a single-feed config from -source,
// then applies the flag overrides.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(fsutil.OSFileSystem{}, *configPath); err != nil {
			return nil, err
		}
	} else {
		// The synthetic source has no models behind it.
		cfg = config.ForSource(*source, *devMode || *source == "synthetic")
	}
	if *devMode {
		dev := true
		cfg.DevMode = &dev
	}
	if *listen != "" {
		cfg.Listen = listen
	}
	if *grpcListen != "" {
		cfg.GRPCListen = grpcListen
	}
	return cfg, cfg.Validate()
}

func resolver(set *pipeline.Set) rpc.Resolver {
	return func(name string) (rpc.Target, bool) {
		f, ok := set.Lookup(name)
		if !ok {
			return rpc.Target{}, false
		}
		return rpc.Target{Name: f.Name, Source: f.Store, Status: f.Health}, true
	}
}

// run serves cfg until ctx is cancelled. ready, when set, is called with
// the bound HTTP address once the servers accept connections.
func run(ctx context.Context, cfg *config.Config, ready func(httpAddr net.Addr)) error {
	b := &builder{
		client: httputil.NewStandardClient(nil, 10*time.Second),
		clock:  timeutil.RealClock{},
		fs:     fsutil.OSFileSystem{},
		open:   frames.Open,
		dev:    cfg.GetDevMode(),
	}
	set, err := b.buildSet(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	registry := stream.NewRegistry(nil)
	first := cfg.Feeds[0]
	fanout := &stream.Fanout{
		Stop:        ctx,
		Registry:    registry,
		Placeholder: annotate.Placeholder(first.GetWidth(), first.GetHeight()),
	}
	srv := api.NewServer(set, fanout)

	var grpcSrv *rpc.Server
	if addr := cfg.GetGRPCListen(); addr != "" {
		grpcSrv, err = rpc.NewServer(
			rpc.Config{ListenAddr: addr, MetricsInterval: first.GetMetricsInterval()},
			rpc.Deps{Resolve: resolver(set), Registry: registry, Stop: ctx},
		)
		if err != nil {
			return err
		}
		if err := grpcSrv.Start(); err != nil {
			return fmt.Errorf("failed to start gRPC server: %w", err)
		}
		defer grpcSrv.Stop()
		srv.AddStats("gRPC", func() any { return grpcSrv.Stats() })
	}

	lis, err := net.Listen("tcp", cfg.GetListen())
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	var wg sync.WaitGroup

	// Producers
	wg.Add(1)
	go func() {
		defer wg.Done()
		set.Run(ctx)
		log.Printf("producer routine stopped")
	}()

	// MQTT emitter
	if broker := cfg.MQTT.GetBroker(); broker != "" {
		ecfg := emitter.Config{
			Broker:      broker,
			ClientID:    cfg.MQTT.GetClientID(),
			TopicPrefix: cfg.MQTT.GetTopicPrefix(),
			QoS:         byte(cfg.MQTT.GetQoS()),
			Encoding:    cfg.MQTT.GetEncoding(),
			Interval:    first.GetMetricsInterval(),
		}
		client, err := emitter.Connect(ecfg)
		if err != nil {
			// Metrics stay available over HTTP and gRPC.
			log.Printf("MQTT emitter disabled: %v", err)
		} else {
			em := emitter.New(ecfg, client, nil, registry)
			srv.AddStats("MQTT", func() any { return em.Stats() })
			sources := make(map[string]stream.SnapshotSource, len(set.All()))
			for _, f := range set.All() {
				sources[f.Name] = f.Store
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				em.Run(ctx, sources)
				client.Disconnect(250) // 250ms grace period
				log.Printf("MQTT emitter stopped")
			}()
		}
	}

	// HTTP server
	server := &http.Server{Handler: srv.Router()}
	serveErr := make(chan error, 1)
	go func() {
		if err := server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	log.Printf("HTTP listening on %s", lis.Addr())
	if ready != nil {
		ready(lis.Addr())
	}

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		cancel()
	}
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		log.Printf("HTTP server shutdown error: %v", serr)
		// Force close the server if graceful shutdown fails
		if cerr := server.Close(); cerr != nil {
			log.Printf("HTTP server force close error: %v", cerr)
		}
	}

	wg.Wait()
	if err != nil {
		return fmt.Errorf("HTTP server: %w", err)
	}
	return nil
}
