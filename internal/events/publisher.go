// Package events publishes pipeline lifecycle events to NATS JetStream
// so downstream consumers (extraction workers, dashboards) can react to
// ingestion without polling the store.
package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/scholar-graph-pipeline/internal/jsonx"
)

const (
	// StreamName holds every pipeline subject.
	StreamName = "PIPELINE"

	subjectIngestCompleted = "ingest.completed"
	subjectPaperIngested   = "papers.ingested"
	subjectSchedulePrefix  = "schedule"
)

// Config controls the NATS connection and stream.
type Config struct {
	// URL of the NATS server. Empty disables publishing entirely.
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
	// Retention for the PIPELINE stream.
	MaxAge time.Duration
}

// DefaultConfig returns settings for a local NATS server.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		MaxReconnects: 10,
		ReconnectWait: 2 * time.Second,
		MaxAge:        7 * 24 * time.Hour,
	}
}

// PaperIngested announces one newly stored paper.
type PaperIngested struct {
	PaperID    string `json:"paper_id"`
	Title      string `json:"title"`
	Source     string `json:"source"`
	DOI        string `json:"doi,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
	IngestedAt string `json:"ingested_at"`
}

// IngestCompleted summarizes one finished ingestion run.
type IngestCompleted struct {
	Source            string `json:"source"`
	Query             string `json:"query,omitempty"`
	TotalFetched      int    `json:"total_fetched"`
	NewPapers         int    `json:"new_papers"`
	UpdatedPapers     int    `json:"updated_papers"`
	DuplicatesSkipped int    `json:"duplicates_skipped"`
	ErrorCount        int    `json:"error_count"`
	DurationMs        int64  `json:"duration_ms"`
	Timestamp         string `json:"timestamp"`
}

// ScheduleEvent records a schedule lifecycle change.
type ScheduleEvent struct {
	Name      string `json:"name"`
	Action    string `json:"action"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Publisher writes pipeline events to JetStream. A nil Publisher is
// valid and drops every event, so callers wire it unconditionally and
// deployments without NATS simply skip Connect.
type Publisher struct {
	cfg    Config
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger

	mu        sync.Mutex
	published int64
	failed    int64
}

// NewPublisher creates an unconnected publisher. Returns nil when no
// URL is configured.
func NewPublisher(cfg Config, logger *zap.Logger) *Publisher {
	if cfg.URL == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = def.MaxReconnects
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = def.ReconnectWait
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	return &Publisher{cfg: cfg, logger: logger.Named("events")}
}

// Connect dials NATS and ensures the PIPELINE stream exists.
func (p *Publisher) Connect() error {
	if p == nil {
		return nil
	}

	conn, err := nats.Connect(p.cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(p.cfg.MaxReconnects),
		nats.ReconnectWait(p.cfg.ReconnectWait),
	)
	if err != nil {
		return fmt.Errorf("events: connect to %s: %w", p.cfg.URL, err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return fmt.Errorf("events: jetstream context: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{"papers.>", "ingest.>", "schedule.>"},
		Storage:  nats.FileStorage,
		MaxAge:   p.cfg.MaxAge,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		p.logger.Warn("Failed to create event stream", zap.Error(err))
	}

	p.conn = conn
	p.js = js
	p.logger.Info("Connected to event bus", zap.String("url", p.cfg.URL))
	return nil
}

// Close drains the connection so queued events flush before shutdown.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
	p.conn = nil
	p.js = nil
}

// PublishPaperIngested emits papers.ingested.<source>.
func (p *Publisher) PublishPaperIngested(ctx context.Context, event PaperIngested) error {
	if event.IngestedAt == "" {
		event.IngestedAt = time.Now().UTC().Format(time.RFC3339)
	}
	subject := subjectPaperIngested + "." + SubjectToken(event.Source)
	return p.publish(ctx, subject, event)
}

// PublishIngestCompleted emits ingest.completed.
func (p *Publisher) PublishIngestCompleted(ctx context.Context, event IngestCompleted) error {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	return p.publish(ctx, subjectIngestCompleted, event)
}

// PublishScheduleEvent emits schedule.<action>.<name>.
func (p *Publisher) PublishScheduleEvent(ctx context.Context, event ScheduleEvent) error {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	subject := subjectSchedulePrefix + "." + SubjectToken(event.Action) + "." + SubjectToken(event.Name)
	return p.publish(ctx, subject, event)
}

func (p *Publisher) publish(ctx context.Context, subject string, event any) error {
	if p == nil || p.js == nil {
		return nil
	}

	data, err := jsonx.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", subject, err)
	}

	if _, err := p.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		p.count(&p.failed)
		p.logger.Warn("Event publish failed",
			zap.String("subject", subject),
			zap.Error(err))
		return fmt.Errorf("events: publish %s: %w", subject, err)
	}
	p.count(&p.published)
	return nil
}

func (p *Publisher) count(field *int64) {
	p.mu.Lock()
	*field++
	p.mu.Unlock()
}

// Stats reports publish counters.
func (p *Publisher) Stats() map[string]interface{} {
	if p == nil {
		return map[string]interface{}{"enabled": false}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]interface{}{
		"enabled":   true,
		"connected": p.conn != nil && p.conn.IsConnected(),
		"published": p.published,
		"failed":    p.failed,
	}
}

// SubjectToken lowercases s and replaces characters NATS subjects
// reserve, so arbitrary names and sources are safe inside a subject.
func SubjectToken(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "unknown"
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
