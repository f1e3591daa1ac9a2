package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/vision.feed/internal/fsutil"
)

func TestLoad_ExampleConfig(t *testing.T) {
	cfg, err := Load(fsutil.OSFileSystem{}, filepath.Join("..", "..", ExampleConfigPath))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got := cfg.GetListen(); got != ":8080" {
		t.Errorf("GetListen() = %q", got)
	}
	if got := cfg.GetGRPCListen(); got != "localhost:50051" {
		t.Errorf("GetGRPCListen() = %q", got)
	}
	if len(cfg.Feeds) != 2 {
		t.Fatalf("len(Feeds) = %d, want 2", len(cfg.Feeds))
	}

	gate := cfg.Feeds[0]
	if gate.GetName(0) != "gate" || gate.GetMode() != ModeCount {
		t.Errorf("gate = %q/%q", gate.GetName(0), gate.GetMode())
	}
	if gate.GetFrameRate() != 15 || gate.GetMetricsInterval() != 500*time.Millisecond {
		t.Errorf("gate pacing = %v/%v", gate.GetFrameRate(), gate.GetMetricsInterval())
	}

	lobby := cfg.Feeds[1]
	cls := lobby.Classifier
	if cls == nil {
		t.Fatal("lobby classifier missing")
	}
	if diff := cmp.Diff(cls.GetLabels(), []string{"female", "male"}); diff != "" {
		t.Errorf("labels mismatch (-got +want):\n%s", diff)
	}
	if cls.GetDecimation() != 3 || cls.GetBatchSize() != 6 || cls.GetInputSize() != 224 {
		t.Errorf("classifier = %d/%d/%d", cls.GetDecimation(), cls.GetBatchSize(), cls.GetInputSize())
	}
	if cfg.MQTT.GetBroker() != "" || cfg.MQTT.GetQoS() != 1 {
		t.Errorf("mqtt = %q qos %d", cfg.MQTT.GetBroker(), cfg.MQTT.GetQoS())
	}
}

func TestLoad_JSONDefaults(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	mfs.WriteFile("/etc/feed.json", []byte(`{"dev_mode": true, "feeds": [{"source": "synthetic"}]}`))

	cfg, err := Load(mfs, "/etc/feed.json")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	f := cfg.Feeds[0]

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"name", f.GetName(0), "default"},
		{"mode", f.GetMode(), ModeCount},
		{"width", f.GetWidth(), 640},
		{"height", f.GetHeight(), 480},
		{"stream_fps", f.GetStreamFPS(), 10.0},
		{"metrics_interval", f.GetMetricsInterval(), 500 * time.Millisecond},
		{"jpeg_quality", f.GetJPEGQuality(), 80},
		{"count_threshold", f.GetCountThreshold(), 20},
		{"confidence", f.Detector.GetConfidence(), 0.45},
		{"target_class", f.Detector.GetTargetClass(), 0},
		{"tracking", f.Detector.GetTracking(), true},
		{"listen", cfg.GetListen(), ":8080"},
		{"grpc", cfg.GetGRPCListen(), ""},
		{"mqtt broker", cfg.MQTT.GetBroker(), ""},
		{"mqtt encoding", cfg.MQTT.GetEncoding(), "json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		content string
		wantErr string
	}{
		{"extension", "/c.toml", `x = 1`, "extension"},
		{"syntax", "/c.yaml", "feeds: [", "failed to parse"},
		{"no feeds", "/c.yaml", "listen: ':1'", "no feeds"},
		{"duplicate", "/c.json", `{"dev_mode":true,"feeds":[{"name":"a","source":"0"},{"name":"a","source":"1"}]}`, "duplicate"},
		{"no source", "/c.json", `{"dev_mode":true,"feeds":[{}]}`, "source is required"},
		{"endpoint", "/c.json", `{"feeds":[{"source":"0"}]}`, "detector endpoint"},
		{"mode", "/c.json", `{"dev_mode":true,"feeds":[{"source":"0","mode":"blur"}]}`, "mode must be"},
		{"classify needs classifier", "/c.json", `{"dev_mode":true,"feeds":[{"source":"0","mode":"classify"}]}`, "requires a classifier"},
		{"confidence", "/c.json", `{"dev_mode":true,"feeds":[{"source":"0","detector":{"confidence":1.5}}]}`, "confidence"},
		{"interval", "/c.json", `{"dev_mode":true,"feeds":[{"source":"0","metrics_interval":"soon"}]}`, "metrics_interval"},
		{"decimation", "/c.json", `{"dev_mode":true,"feeds":[{"source":"0","classifier":{"decimation":0}}]}`, "decimation"},
		{"strategy", "/c.json", `{"dev_mode":true,"feeds":[{"source":"0","classifier":{"strategies":["vote"]}}]}`, "vote"},
		{"qos", "/c.json", `{"dev_mode":true,"feeds":[{"source":"0"}],"mqtt":{"qos":3}}`, "qos"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mfs := fsutil.NewMemoryFileSystem()
			mfs.WriteFile(tt.path, []byte(tt.content))
			_, err := Load(mfs, tt.path)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Load() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_ValidationErrorsWrapErrInvalid(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	mfs.WriteFile("/c.yaml", []byte("feeds: []"))
	_, err := Load(mfs, "/c.yaml")
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("Load() error = %v, want ErrInvalid", err)
	}
}

func TestLoad_TooLarge(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.json")
	if err := os.WriteFile(path, make([]byte, maxFileSize+1), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(fsutil.OSFileSystem{}, path)
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("Load() error = %v, want too large", err)
	}
}

func TestForSource(t *testing.T) {
	cfg := ForSource("synthetic", true)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.Feeds[0].GetSource() != "synthetic" || !cfg.GetDevMode() {
		t.Errorf("ForSource() = %+v", cfg.Feeds[0])
	}
}
