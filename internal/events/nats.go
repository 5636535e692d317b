package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/openwind/constraintbuilder/internal/config"
)

// statusKey holds the latest event in the KV bucket.
const statusKey = "latest"

// NATSPublisher publishes events on JetStream subjects below the configured
// subject and mirrors the latest one into a KV bucket.
type NATSPublisher struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	kv      jetstream.KeyValue
	subject string
}

// NewNATSPublisher connects to cfg.NATSURL.
func NewNATSPublisher(ctx context.Context, cfg config.EventsConfig) (*NATSPublisher, error) {
	if cfg.NATSURL == "" {
		return nil, fmt.Errorf("events: nats_url is required")
	}
	conn, err := nats.Connect(cfg.NATSURL, nats.Name("constraintbuilder"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	p := &NATSPublisher{conn: conn, js: js, subject: cfg.Subject}

	if err := p.initStream(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	if err := p.initKVBucket(ctx, cfg.KVBucket); err != nil {
		conn.Close()
		return nil, err
	}
	slog.Info("NATS event publisher initialized",
		"url", cfg.NATSURL,
		"subject", cfg.Subject,
		"kv_bucket", cfg.KVBucket)
	return p, nil
}

func (p *NATSPublisher) initStream(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := p.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "CONSTRAINTBUILDER_EVENTS",
		Subjects:  []string{p.subject + ".>"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    30 * 24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to create event stream: %w", err)
	}
	return nil
}

func (p *NATSPublisher) initKVBucket(ctx context.Context, bucket string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	kv, err := p.js.KeyValue(ctx, bucket)
	if err == nil {
		p.kv = kv
		return nil
	}
	kv, err = p.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Latest constraint build status",
		History:     1,
	})
	if err != nil {
		return fmt.Errorf("failed to create KV bucket: %w", err)
	}
	p.kv = kv
	slog.Info("Created KV bucket for build status", "bucket", bucket)
	return nil
}

// Subject returns the subject an event type is published on.
func (p *NATSPublisher) Subject(eventType string) string {
	return p.subject + "." + eventType
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := p.js.Publish(ctx, p.Subject(e.Type), data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	if _, err := p.kv.Put(ctx, statusKey, data); err != nil {
		return fmt.Errorf("failed to store build status: %w", err)
	}
	slog.Debug("Published build event", "type", e.Type, "run_id", e.RunID)
	return nil
}

// Latest returns the most recent event stored in the KV bucket.
func (p *NATSPublisher) Latest(ctx context.Context) (*Event, error) {
	entry, err := p.kv.Get(ctx, statusKey)
	if err != nil {
		return nil, fmt.Errorf("failed to get build status: %w", err)
	}
	var e Event
	if err := json.Unmarshal(entry.Value(), &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal build status: %w", err)
	}
	return &e, nil
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}
