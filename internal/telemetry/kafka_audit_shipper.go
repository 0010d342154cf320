package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
)

// ShipperConfig configures the Kafka audit shipper.
type ShipperConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	TopicEntries  string        `yaml:"topic_entries"`
	TopicEvents   string        `yaml:"topic_events"`
	TopicRequests string        `yaml:"topic_requests"`
	TLS           bool          `yaml:"tls"`
	BatchSize     int           `yaml:"batch_size"`
	FlushEvery    time.Duration `yaml:"flush_every"`
	QueueCapacity int           `yaml:"queue_capacity"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
}

// Shipper is the publish side used by the rest of the service. Publish
// never blocks the caller.
type Shipper interface {
	Publish(ev any)
}

// NopShipper drops everything. Used when no sink is configured.
type NopShipper struct{}

func (NopShipper) Publish(any) {}

// MultiShipper publishes to every configured sink.
type MultiShipper []Shipper

func (m MultiShipper) Publish(ev any) {
	for _, s := range m {
		s.Publish(ev)
	}
}

// KafkaAuditShipper fans audit telemetry out to per-kind Kafka topics
// through a bounded queue. Events are dropped rather than applying
// backpressure to the hot path.
type KafkaAuditShipper struct {
	cfg      ShipperConfig
	wEntries *kafka.Writer
	wEvents  *kafka.Writer
	wReqs    *kafka.Writer
	ch       chan any
	stop     chan struct{}
}

func NewKafkaAuditShipper(cfgIn ShipperConfig) (*KafkaAuditShipper, error) {
	cfg := cfgIn
	if !cfg.Enabled {
		return &KafkaAuditShipper{cfg: cfg, ch: make(chan any), stop: make(chan struct{})}, nil
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 2 * time.Second
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = cfg.BatchSize * 4
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	tr := &kafka.Transport{
		DialTimeout: cfg.DialTimeout,
	}
	if cfg.TLS {
		tr.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	newWriter := func(topic string) *kafka.Writer {
		if topic == "" {
			return nil
		}
		return &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			Transport:              tr,
			AllowAutoTopicCreation: false,
			Async:                  true,
			BatchTimeout:           cfg.FlushEvery,
			BatchSize:              cfg.BatchSize,
			WriteTimeout:           cfg.WriteTimeout,
		}
	}

	return &KafkaAuditShipper{
		cfg:      cfg,
		wEntries: newWriter(cfg.TopicEntries),
		wEvents:  newWriter(cfg.TopicEvents),
		wReqs:    newWriter(cfg.TopicRequests),
		ch:       make(chan any, cfg.QueueCapacity),
		stop:     make(chan struct{}),
	}, nil
}

func (s *KafkaAuditShipper) Start() {
	if !s.cfg.Enabled {
		return
	}
	go s.loop()
}

func (s *KafkaAuditShipper) Stop(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}
	close(s.stop)
	// drain briefly
	drain := time.After(500 * time.Millisecond)
	for {
		select {
		case ev := <-s.ch:
			_ = s.dispatch(ev)
		case <-drain:
			for _, w := range []*kafka.Writer{s.wEntries, s.wEvents, s.wReqs} {
				if w != nil {
					_ = w.Close()
				}
			}
			return
		}
	}
}

// Publish enqueues an event for shipping, dropping it if the queue is
// full so audit writes never wait on the broker.
func (s *KafkaAuditShipper) Publish(ev any) {
	if !s.cfg.Enabled {
		return
	}
	select {
	case s.ch <- ev:
	default:
		CountShipperDrop()
	}
}

func (s *KafkaAuditShipper) loop() {
	for {
		select {
		case ev := <-s.ch:
			_ = s.dispatch(ev)
		case <-s.stop:
			// drain remaining quickly
			for {
				select {
				case ev := <-s.ch:
					_ = s.dispatch(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *KafkaAuditShipper) dispatch(ev any) error {
	now := time.Now().UTC()
	m := map[string]any{}
	b, _ := json.Marshal(ev)
	_ = json.Unmarshal(b, &m)
	if _, ok := m["@timestamp"]; !ok {
		m["@timestamp"] = now
	}
	payload, _ := json.Marshal(m)

	key := func(fields ...string) []byte {
		for _, field := range fields {
			if v, ok := m[field]; ok && v != nil {
				if str, ok := v.(string); ok && str != "" {
					return []byte(str)
				}
			}
		}
		return nil
	}

	write := func(w *kafka.Writer, k []byte) error {
		if w == nil {
			return nil
		}
		return w.WriteMessages(context.Background(), kafka.Message{
			Key:   k,
			Value: payload,
			Time:  now,
		})
	}

	switch ev.(type) {
	case AuditEntryEvent:
		return write(s.wEntries, key("actor_id", "entry_id"))
	case SecurityEventEvent:
		return write(s.wEvents, key("actor_id", "event_id"))
	case RequestEvent:
		return write(s.wReqs, key("actor_id", "ip_bucket"))
	default:
		// route unknown to the entries topic if configured
		return write(s.wEntries, key("actor_id"))
	}
}
