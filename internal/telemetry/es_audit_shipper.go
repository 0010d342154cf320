package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// ESShipperConfig configures the Elasticsearch bulk shipper.
type ESShipperConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Endpoint    string        `yaml:"endpoint"`
	APIKey      string        `yaml:"api_key"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	IndexPrefix string        `yaml:"index_prefix"` // default audit-service
	FlushSize   int           `yaml:"flush_size"`   // default 500
	FlushEvery  time.Duration `yaml:"flush_every"`  // default 2s
	Timeout     time.Duration `yaml:"timeout"`      // default 5s
}

// indexedDoc is a pre-decoded document bound to an index family. The
// Kafka indexer produces these; direct publishes are typed events.
type indexedDoc struct {
	kind string
	doc  map[string]any
}

// ESAuditShipper bulk-indexes audit telemetry into daily per-kind
// Elasticsearch indices through a bounded queue. Documents are dropped
// rather than applying backpressure to the hot path.
type ESAuditShipper struct {
	cfg  ESShipperConfig
	http *http.Client
	ch   chan any
	stop chan struct{}
	wg   sync.WaitGroup
}

func NewESAuditShipper(cfgIn ESShipperConfig) *ESAuditShipper {
	cfg := cfgIn
	if cfg.IndexPrefix == "" {
		cfg.IndexPrefix = "audit-service"
	}
	if cfg.FlushSize <= 0 {
		cfg.FlushSize = 500
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &ESAuditShipper{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		ch:   make(chan any, cfg.FlushSize*4),
		stop: make(chan struct{}),
	}
}

func (s *ESAuditShipper) Start() {
	if !s.cfg.Enabled {
		return
	}
	s.wg.Add(1)
	go s.loop()
}

func (s *ESAuditShipper) Stop(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}
	close(s.stop)
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Publish enqueues a document for indexing, dropping it if the queue is
// full so audit writes never wait on the cluster.
func (s *ESAuditShipper) Publish(ev any) {
	if !s.cfg.Enabled {
		return
	}
	select {
	case s.ch <- ev:
	default:
		CountShipperDrop()
	}
}

func (s *ESAuditShipper) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FlushEvery)
	defer ticker.Stop()

	batch := make([]any, 0, s.cfg.FlushSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.bulkIndex(batch)
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-s.ch:
			batch = append(batch, ev)
			if len(batch) >= s.cfg.FlushSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.stop:
			for {
				select {
				case ev := <-s.ch:
					batch = append(batch, ev)
				default:
					flush()
					return
				}
			}
		}
	}
}

// document resolves the index family and body for one queued event.
func document(ev any) (string, map[string]any) {
	if d, ok := ev.(indexedDoc); ok {
		return d.kind, d.doc
	}
	kind := "entries"
	switch ev.(type) {
	case SecurityEventEvent:
		kind = "events"
	case RequestEvent:
		kind = "requests"
	}
	m := map[string]any{}
	b, _ := json.Marshal(ev)
	_ = json.Unmarshal(b, &m)
	return kind, m
}

func (s *ESAuditShipper) bulkIndex(batch []any) {
	now := time.Now().UTC()
	var buf bytes.Buffer
	for _, ev := range batch {
		kind, doc := document(ev)
		if doc == nil {
			continue
		}
		if _, ok := doc["@timestamp"]; !ok {
			doc["@timestamp"] = now
		}
		index := fmt.Sprintf("%s-%s-%04d.%02d.%02d",
			s.cfg.IndexPrefix, kind, now.Year(), int(now.Month()), now.Day())

		meta, _ := json.Marshal(map[string]any{"index": map[string]any{"_index": index}})
		buf.Write(meta)
		buf.WriteByte('\n')
		body, _ := json.Marshal(doc)
		buf.Write(body)
		buf.WriteByte('\n')
	}
	if buf.Len() == 0 {
		return
	}

	req, err := http.NewRequest(http.MethodPost, s.cfg.Endpoint+"/_bulk", &buf)
	if err != nil {
		CountESBulkRequest("error")
		return
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "ApiKey "+s.cfg.APIKey)
	} else if s.cfg.Username != "" || s.cfg.Password != "" {
		req.SetBasicAuth(s.cfg.Username, s.cfg.Password)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		CountESBulkRequest("error")
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		CountESBulkRequest("error")
		return
	}
	CountESBulkRequest("ok")
}
