// Package emitter publishes change-gated feed metrics to an MQTT broker.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/banshee-data/vision.feed/internal/monitoring"
	"github.com/banshee-data/vision.feed/internal/publication"
	"github.com/banshee-data/vision.feed/internal/stream"
	"github.com/banshee-data/vision.feed/internal/timeutil"
)

var logf = monitoring.Component("mqtt")

// Payload encodings.
const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

// Config holds the broker and topic settings.
type Config struct {
	// Broker is host:port or a full URL such as tcp://host:1883.
	Broker      string
	ClientID    string
	TopicPrefix string
	QoS         byte
	Encoding    string
	// Interval paces change checks per feed. Zero means 500ms.
	Interval time.Duration
	// PublishTimeout bounds the wait for each publish. Zero means 2s.
	PublishTimeout time.Duration
}

// Publisher is the part of mqtt.Client the emitter uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
}

// Connect dials the broker with automatic reconnection.
func Connect(cfg Config) (mqtt.Client, error) {
	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		logf("connected to %s as %s", broker, cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logf("connection to %s lost, reconnecting: %v", broker, err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return client, nil
}

// Encode renders metrics in the named encoding.
func Encode(encoding string, m publication.Metrics) ([]byte, error) {
	switch encoding {
	case "", EncodingJSON:
		return json.Marshal(m)
	case EncodingMsgpack:
		return msgpack.Marshal(map[string]any(m))
	default:
		return nil, fmt.Errorf("unknown encoding %q", encoding)
	}
}

// Stats contains emitter statistics.
type Stats struct {
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// Emitter is a metrics consumer that publishes every change of each feed's
// metrics as a retained message on <prefix>/<feed>/metrics.
type Emitter struct {
	cfg      Config
	client   Publisher
	clock    timeutil.Clock
	registry *stream.Registry

	mu        sync.Mutex
	published map[string]uint64
	errors    uint64
}

// New returns an emitter publishing through client. A nil clock uses the
// wall clock; registry is optional.
func New(cfg Config, client Publisher, clock timeutil.Clock, registry *stream.Registry) *Emitter {
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Emitter{
		cfg:       cfg,
		client:    client,
		clock:     clock,
		registry:  registry,
		published: make(map[string]uint64),
	}
}

// Topic returns the metrics topic of feed.
func (e *Emitter) Topic(feed string) string {
	prefix := strings.TrimSuffix(e.cfg.TopicPrefix, "/")
	if prefix == "" {
		return feed + "/metrics"
	}
	return prefix + "/" + feed + "/metrics"
}

// Run watches every feed until ctx is done. Publish failures are counted
// and logged, and the undelivered metrics are retried on the next tick.
func (e *Emitter) Run(ctx context.Context, feeds map[string]stream.SnapshotSource) {
	var wg sync.WaitGroup
	for name, src := range feeds {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.watch(ctx, name, src)
		}()
	}
	wg.Wait()
}

func (e *Emitter) watch(ctx context.Context, feed string, src stream.SnapshotSource) {
	c := &stream.Consumer{Kind: stream.KindMQTT, Feed: feed}
	if e.registry != nil {
		var detach func()
		c, detach = e.registry.Attach(stream.KindMQTT, feed, e.cfg.Broker)
		defer detach()
	}
	ticker := e.clock.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	// The gate only advances on a successful publish, so a failed value is
	// retried every tick until it lands or is superseded.
	topic := e.Topic(feed)
	var gate stream.Gate
	for {
		m := src.Snapshot().Metrics
		if gate.Changed(m) {
			if err := e.publish(topic, m); err != nil {
				e.mu.Lock()
				e.errors++
				e.mu.Unlock()
				logf("%s: %v", topic, err)
			} else {
				gate.Mark(m)
				c.Emitted(1)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}
	}
}

func (e *Emitter) publish(topic string, m publication.Metrics) error {
	payload, err := Encode(e.cfg.Encoding, m)
	if err != nil {
		return fmt.Errorf("failed to encode metrics: %w", err)
	}
	token := e.client.Publish(topic, e.cfg.QoS, true, payload)
	if !token.WaitTimeout(e.cfg.PublishTimeout) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()
	return nil
}

// Stats returns emitter statistics.
func (e *Emitter) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{Published: published, Errors: e.errors}
}
