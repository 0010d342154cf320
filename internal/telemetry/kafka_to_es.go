package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ComUnity/audit-service/internal/util/logger"
)

// IndexerConfig configures the Kafka-to-Elasticsearch indexer.
type IndexerConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	GroupID       string        `yaml:"group_id"` // default audit-indexer
	TopicEntries  string        `yaml:"topic_entries"`
	TopicEvents   string        `yaml:"topic_events"`
	TopicRequests string        `yaml:"topic_requests"`
	TLS           bool          `yaml:"tls"`
	MinBytes      int           `yaml:"min_bytes"` // default 10KB
	MaxBytes      int           `yaml:"max_bytes"` // default 10MB
	MaxWait       time.Duration `yaml:"max_wait"`  // default 1s

	ES ESShipperConfig `yaml:"es"`
}

// AuditIndexer consumes the audit topics and bulk-indexes their
// documents into Elasticsearch, one consumer per topic sharing a
// consumer group. It can run inside the service or as a standalone
// deployment pointed at the same group.
type AuditIndexer struct {
	cfg IndexerConfig
	es  *ESAuditShipper
	wg  sync.WaitGroup
}

func NewAuditIndexer(cfgIn IndexerConfig) *AuditIndexer {
	cfg := cfgIn
	if cfg.GroupID == "" {
		cfg.GroupID = "audit-indexer"
	}
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = 10_000
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10_000_000
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = time.Second
	}

	// The embedded shipper serves only this indexer and follows its
	// enabled flag.
	escfg := cfg.ES
	escfg.Enabled = cfg.Enabled

	return &AuditIndexer{cfg: cfg, es: NewESAuditShipper(escfg)}
}

// Start launches one consumer per configured topic. Consumers exit when
// ctx is canceled.
func (ix *AuditIndexer) Start(ctx context.Context) {
	if !ix.cfg.Enabled {
		return
	}
	ix.es.Start()

	for _, b := range []struct{ topic, kind string }{
		{ix.cfg.TopicEntries, "entries"},
		{ix.cfg.TopicEvents, "events"},
		{ix.cfg.TopicRequests, "requests"},
	} {
		if b.topic == "" {
			continue
		}
		ix.wg.Add(1)
		go ix.consume(ctx, b.topic, b.kind)
	}
}

// Stop waits for the consumers to exit and flushes the shipper. The
// context passed to Start must already be canceled.
func (ix *AuditIndexer) Stop(ctx context.Context) {
	if !ix.cfg.Enabled {
		return
	}
	done := make(chan struct{})
	go func() { ix.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	}
	ix.es.Stop(ctx)
}

func (ix *AuditIndexer) consume(ctx context.Context, topic, kind string) {
	defer ix.wg.Done()
	reader := kafka.NewReader(ix.readerConfig(topic))
	defer reader.Close()

	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("Indexer read failed", "topic", topic, "error", err)
			select {
			case <-time.After(500 * time.Millisecond):
			case <-ctx.Done():
				return
			}
			continue
		}

		var doc map[string]any
		if err := json.Unmarshal(m.Value, &doc); err != nil {
			logger.Warn("Indexer skipping malformed document",
				"topic", topic, "offset", m.Offset, "error", err)
			continue
		}
		ix.es.Publish(indexedDoc{kind: kind, doc: doc})
		CountIndexedDoc(kind)
	}
}

func (ix *AuditIndexer) readerConfig(topic string) kafka.ReaderConfig {
	rc := kafka.ReaderConfig{
		Brokers:  ix.cfg.Brokers,
		GroupID:  ix.cfg.GroupID,
		Topic:    topic,
		MinBytes: ix.cfg.MinBytes,
		MaxBytes: ix.cfg.MaxBytes,
		MaxWait:  ix.cfg.MaxWait,
	}
	if ix.cfg.TLS {
		rc.Dialer = &kafka.Dialer{
			Timeout:   10 * time.Second,
			DualStack: true,
			TLS:       &tls.Config{MinVersion: tls.VersionTLS12},
		}
	}
	return rc
}
