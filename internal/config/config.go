// Package config loads the feed service configuration.
//
// Every scalar is a pointer so an omitted field is distinguishable from a
// zero value; the Get* accessors supply the defaults. Files may be JSON or
// YAML, chosen by extension.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/vision.feed/internal/fsutil"
	"github.com/banshee-data/vision.feed/internal/inference"
)

// ExampleConfigPath is the annotated example shipped with the repository.
const ExampleConfigPath = "config/feed.example.yaml"

// Pipeline modes.
const (
	ModeCount    = "count"
	ModeClassify = "classify"
)

// maxFileSize bounds config files.
const maxFileSize = 1 * 1024 * 1024 // 1MB

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the root configuration.
type Config struct {
	// Listen is the HTTP address for the streams and API.
	Listen *string `json:"listen,omitempty" yaml:"listen,omitempty"`
	// GRPCListen is the gRPC address; empty disables gRPC.
	GRPCListen *string `json:"grpc_listen,omitempty" yaml:"grpc_listen,omitempty"`
	// DevMode replaces remote inference with scripted backends.
	DevMode *bool `json:"dev_mode,omitempty" yaml:"dev_mode,omitempty"`

	Feeds []FeedConfig `json:"feeds" yaml:"feeds"`
	MQTT  *MQTTConfig  `json:"mqtt,omitempty" yaml:"mqtt,omitempty"`
}

// FeedConfig describes one video feed and its pipeline.
type FeedConfig struct {
	Name   *string `json:"name,omitempty" yaml:"name,omitempty"`
	Source *string `json:"source,omitempty" yaml:"source,omitempty"`
	Mode   *string `json:"mode,omitempty" yaml:"mode,omitempty"`
	Width  *int    `json:"width,omitempty" yaml:"width,omitempty"`
	Height *int    `json:"height,omitempty" yaml:"height,omitempty"`
	Loop   *bool   `json:"loop,omitempty" yaml:"loop,omitempty"`

	// FrameRate caps the producer; 0 runs as fast as inference allows.
	FrameRate *float64 `json:"frame_rate,omitempty" yaml:"frame_rate,omitempty"`
	// StreamFPS paces the continuous image stream.
	StreamFPS *float64 `json:"stream_fps,omitempty" yaml:"stream_fps,omitempty"`
	// MetricsInterval paces change checks, as a duration string.
	MetricsInterval *string `json:"metrics_interval,omitempty" yaml:"metrics_interval,omitempty"`
	JPEGQuality     *int    `json:"jpeg_quality,omitempty" yaml:"jpeg_quality,omitempty"`

	// CountThreshold: overcrowd is count > threshold (count mode).
	CountThreshold *int `json:"count_threshold,omitempty" yaml:"count_threshold,omitempty"`
	// CountLabel and PresenceLabel drive the classify mode metrics.
	CountLabel    *string `json:"count_label,omitempty" yaml:"count_label,omitempty"`
	PresenceLabel *string `json:"presence_label,omitempty" yaml:"presence_label,omitempty"`

	Detector   DetectorConfig    `json:"detector" yaml:"detector"`
	Classifier *ClassifierConfig `json:"classifier,omitempty" yaml:"classifier,omitempty"`
}

// DetectorConfig identifies the detection model.
type DetectorConfig struct {
	Endpoint    *string  `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Model       *string  `json:"model,omitempty" yaml:"model,omitempty"`
	Confidence  *float64 `json:"confidence,omitempty" yaml:"confidence,omitempty"`
	TargetClass *int     `json:"target_class,omitempty" yaml:"target_class,omitempty"`
	Tracking    *bool    `json:"tracking,omitempty" yaml:"tracking,omitempty"`
}

// ClassifierConfig identifies the classification model and batching.
type ClassifierConfig struct {
	Endpoint   *string  `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Model      *string  `json:"model,omitempty" yaml:"model,omitempty"`
	Confidence *float64 `json:"confidence,omitempty" yaml:"confidence,omitempty"`
	Labels     []string `json:"labels,omitempty" yaml:"labels,omitempty"`
	Decimation *int     `json:"decimation,omitempty" yaml:"decimation,omitempty"`
	BatchSize  *int     `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`
	InputSize  *int     `json:"input_size,omitempty" yaml:"input_size,omitempty"`
	Strategies []string `json:"strategies,omitempty" yaml:"strategies,omitempty"`
}

// MQTTConfig enables the MQTT metrics emitter when Broker is set.
type MQTTConfig struct {
	Broker      *string `json:"broker,omitempty" yaml:"broker,omitempty"`
	ClientID    *string `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	TopicPrefix *string `json:"topic_prefix,omitempty" yaml:"topic_prefix,omitempty"`
	QoS         *int    `json:"qos,omitempty" yaml:"qos,omitempty"`
	Encoding    *string `json:"encoding,omitempty" yaml:"encoding,omitempty"`
}

// Helper functions to create pointers
func ptrString(v string) *string { return &v }
func ptrBool(v bool) *bool       { return &v }

// ForSource returns a single count-mode feed reading source, used when no
// config file is given.
func ForSource(source string, dev bool) *Config {
	return &Config{
		DevMode: ptrBool(dev),
		Feeds:   []FeedConfig{{Name: ptrString("default"), Source: ptrString(source)}},
	}
}

// Load reads a JSON or YAML config file from fsys.
// Fields omitted from the file fall back to the Get* defaults.
func Load(fsys fsutil.FileSystem, path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := fsys.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := fsys.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", filepath.Base(cleanPath), err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	if len(c.Feeds) == 0 {
		return invalid("no feeds configured")
	}
	seen := make(map[string]bool, len(c.Feeds))
	for i := range c.Feeds {
		f := &c.Feeds[i]
		name := f.GetName(i)
		if seen[name] {
			return invalid("duplicate feed name %q", name)
		}
		seen[name] = true
		if err := f.validate(c.GetDevMode()); err != nil {
			return invalid("feed %q: %v", name, err)
		}
	}
	if c.MQTT != nil {
		if q := c.MQTT.GetQoS(); q < 0 || q > 2 {
			return invalid("mqtt qos must be 0, 1 or 2, got %d", q)
		}
		switch c.MQTT.GetEncoding() {
		case "json", "msgpack":
		default:
			return invalid("mqtt encoding must be json or msgpack, got %q", c.MQTT.GetEncoding())
		}
	}
	return nil
}

func (f *FeedConfig) validate(dev bool) error {
	if f.GetSource() == "" {
		return fmt.Errorf("source is required")
	}
	switch f.GetMode() {
	case ModeCount:
	case ModeClassify:
		if f.Classifier == nil {
			return fmt.Errorf("classify mode requires a classifier")
		}
	default:
		return fmt.Errorf("mode must be %q or %q, got %q", ModeCount, ModeClassify, f.GetMode())
	}
	if !dev && f.Detector.GetEndpoint() == "" {
		return fmt.Errorf("detector endpoint is required outside dev mode")
	}
	if v := f.Detector.GetConfidence(); v < 0 || v > 1 {
		return fmt.Errorf("detector confidence must be between 0 and 1, got %f", v)
	}
	if f.GetFrameRate() < 0 {
		return fmt.Errorf("frame_rate must be non-negative, got %f", f.GetFrameRate())
	}
	if f.GetStreamFPS() <= 0 {
		return fmt.Errorf("stream_fps must be positive, got %f", f.GetStreamFPS())
	}
	if f.MetricsInterval != nil && *f.MetricsInterval != "" {
		d, err := time.ParseDuration(*f.MetricsInterval)
		if err != nil {
			return fmt.Errorf("invalid metrics_interval '%s': %w", *f.MetricsInterval, err)
		}
		if d <= 0 {
			return fmt.Errorf("metrics_interval must be positive, got %s", d)
		}
	}
	if q := f.GetJPEGQuality(); q < 1 || q > 100 {
		return fmt.Errorf("jpeg_quality must be between 1 and 100, got %d", q)
	}
	if f.GetCountThreshold() < 0 {
		return fmt.Errorf("count_threshold must be non-negative, got %d", f.GetCountThreshold())
	}
	if f.Classifier != nil {
		if err := f.Classifier.validate(dev); err != nil {
			return fmt.Errorf("classifier: %w", err)
		}
	}
	return nil
}

func (c *ClassifierConfig) validate(dev bool) error {
	if !dev && c.GetEndpoint() == "" {
		return fmt.Errorf("endpoint is required outside dev mode")
	}
	if v := c.GetConfidence(); v < 0 || v > 1 {
		return fmt.Errorf("confidence must be between 0 and 1, got %f", v)
	}
	if c.GetDecimation() < 1 {
		return fmt.Errorf("decimation must be at least 1, got %d", c.GetDecimation())
	}
	if c.GetBatchSize() < 1 {
		return fmt.Errorf("batch_size must be at least 1, got %d", c.GetBatchSize())
	}
	if c.GetInputSize() < 1 {
		return fmt.Errorf("input_size must be at least 1, got %d", c.GetInputSize())
	}
	if len(c.GetLabels()) == 0 {
		return fmt.Errorf("labels must not be empty")
	}
	if _, unknown := inference.StrategiesByName(c.Strategies); len(unknown) > 0 {
		return fmt.Errorf("unknown label strategies %v", unknown)
	}
	return nil
}

// GetListen returns the HTTP listen address or the default.
func (c *Config) GetListen() string {
	if c.Listen == nil || *c.Listen == "" {
		return ":8080"
	}
	return *c.Listen
}

// GetGRPCListen returns the gRPC listen address; empty disables gRPC.
func (c *Config) GetGRPCListen() string {
	if c.GRPCListen == nil {
		return ""
	}
	return *c.GRPCListen
}

// GetDevMode returns the dev_mode value or the default.
func (c *Config) GetDevMode() bool {
	if c.DevMode == nil {
		return false
	}
	return *c.DevMode
}

// GetName returns the feed name, defaulting to "default" for the first
// feed and "feed<i>" after it.
func (f *FeedConfig) GetName(i int) string {
	if f.Name != nil && *f.Name != "" {
		return *f.Name
	}
	if i == 0 {
		return "default"
	}
	return fmt.Sprintf("feed%d", i)
}

// GetSource returns the video source identifier.
func (f *FeedConfig) GetSource() string {
	if f.Source == nil {
		return ""
	}
	return *f.Source
}

// GetMode returns the pipeline mode or the default.
func (f *FeedConfig) GetMode() string {
	if f.Mode == nil || *f.Mode == "" {
		return ModeCount
	}
	return *f.Mode
}

// GetWidth returns the decode width or the default.
func (f *FeedConfig) GetWidth() int {
	if f.Width == nil {
		return 640
	}
	return *f.Width
}

// GetHeight returns the decode height or the default.
func (f *FeedConfig) GetHeight() int {
	if f.Height == nil {
		return 480
	}
	return *f.Height
}

// GetLoop returns whether finite sources restart at the end.
func (f *FeedConfig) GetLoop() bool {
	if f.Loop == nil {
		return false
	}
	return *f.Loop
}

// GetFrameRate returns the producer rate cap; 0 means uncapped.
func (f *FeedConfig) GetFrameRate() float64 {
	if f.FrameRate == nil {
		return 0
	}
	return *f.FrameRate
}

// GetStreamFPS returns the image stream rate or the default.
func (f *FeedConfig) GetStreamFPS() float64 {
	if f.StreamFPS == nil {
		return 10
	}
	return *f.StreamFPS
}

// GetMetricsInterval parses and returns the MetricsInterval as a time.Duration.
func (f *FeedConfig) GetMetricsInterval() time.Duration {
	if f.MetricsInterval == nil || *f.MetricsInterval == "" {
		return 500 * time.Millisecond // default
	}
	d, err := time.ParseDuration(*f.MetricsInterval)
	if err != nil {
		return 500 * time.Millisecond // default on parse error
	}
	return d
}

// GetJPEGQuality returns the encode quality or the default.
func (f *FeedConfig) GetJPEGQuality() int {
	if f.JPEGQuality == nil {
		return 80
	}
	return *f.JPEGQuality
}

// GetCountThreshold returns the overcrowd threshold or the default.
func (f *FeedConfig) GetCountThreshold() int {
	if f.CountThreshold == nil {
		return 20
	}
	return *f.CountThreshold
}

// GetCountLabel returns the counted label or the default.
func (f *FeedConfig) GetCountLabel() string {
	if f.CountLabel == nil {
		return "female"
	}
	return *f.CountLabel
}

// GetPresenceLabel returns the presence label or the default.
func (f *FeedConfig) GetPresenceLabel() string {
	if f.PresenceLabel == nil {
		return "male"
	}
	return *f.PresenceLabel
}

// GetEndpoint returns the detector service base URL.
func (d *DetectorConfig) GetEndpoint() string {
	if d.Endpoint == nil {
		return ""
	}
	return *d.Endpoint
}

// GetModel returns the detector model name or the default.
func (d *DetectorConfig) GetModel() string {
	if d.Model == nil || *d.Model == "" {
		return "yolov8n"
	}
	return *d.Model
}

// GetConfidence returns the detection threshold or the default.
func (d *DetectorConfig) GetConfidence() float64 {
	if d.Confidence == nil {
		return 0.45
	}
	return *d.Confidence
}

// GetTargetClass returns the kept semantic class or the default (person).
func (d *DetectorConfig) GetTargetClass() int {
	if d.TargetClass == nil {
		return 0
	}
	return *d.TargetClass
}

// GetTracking returns whether the tracker is tried before plain detection.
func (d *DetectorConfig) GetTracking() bool {
	if d.Tracking == nil {
		return true
	}
	return *d.Tracking
}

// GetEndpoint returns the classifier service base URL.
func (c *ClassifierConfig) GetEndpoint() string {
	if c.Endpoint == nil {
		return ""
	}
	return *c.Endpoint
}

// GetModel returns the classifier model name or the default.
func (c *ClassifierConfig) GetModel() string {
	if c.Model == nil || *c.Model == "" {
		return "gender-cls"
	}
	return *c.Model
}

// GetConfidence returns the classification threshold or the default.
func (c *ClassifierConfig) GetConfidence() float64 {
	if c.Confidence == nil {
		return 0
	}
	return *c.Confidence
}

// GetLabels returns the class labels or the default pair.
func (c *ClassifierConfig) GetLabels() []string {
	if c.Labels == nil {
		return []string{"female", "male"}
	}
	return c.Labels
}

// GetDecimation returns the classify-every-N-cycles factor or the default.
func (c *ClassifierConfig) GetDecimation() int {
	if c.Decimation == nil {
		return 3
	}
	return *c.Decimation
}

// GetBatchSize returns the crops per classifier call or the default.
func (c *ClassifierConfig) GetBatchSize() int {
	if c.BatchSize == nil {
		return 6
	}
	return *c.BatchSize
}

// GetInputSize returns the classifier input edge or the default.
func (c *ClassifierConfig) GetInputSize() int {
	if c.InputSize == nil {
		return 224
	}
	return *c.InputSize
}

// GetBroker returns the broker address; empty disables MQTT.
func (m *MQTTConfig) GetBroker() string {
	if m == nil || m.Broker == nil {
		return ""
	}
	return *m.Broker
}

// GetClientID returns the MQTT client ID or the default.
func (m *MQTTConfig) GetClientID() string {
	if m == nil || m.ClientID == nil || *m.ClientID == "" {
		return "vision-feed"
	}
	return *m.ClientID
}

// GetTopicPrefix returns the topic prefix or the default.
func (m *MQTTConfig) GetTopicPrefix() string {
	if m == nil || m.TopicPrefix == nil {
		return "vision"
	}
	return *m.TopicPrefix
}

// GetQoS returns the publish QoS or the default.
func (m *MQTTConfig) GetQoS() int {
	if m == nil || m.QoS == nil {
		return 0
	}
	return *m.QoS
}

// GetEncoding returns the payload encoding or the default.
func (m *MQTTConfig) GetEncoding() string {
	if m == nil || m.Encoding == nil || *m.Encoding == "" {
		return "json"
	}
	return *m.Encoding
}
