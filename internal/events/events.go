// Package events announces build lifecycle events to the admin collaborator.
package events

import (
	"context"
	"errors"
	"time"
)

// Event types.
const (
	TypeBuildStarted   = "build.started"
	TypeStageCompleted = "stage.completed"
	TypeBuildCompleted = "build.completed"
	TypeBuildFailed    = "build.failed"
	TypeBuildStopped   = "build.stopped"
)

// Event is one lifecycle notification.
type Event struct {
	Type      string         `json:"type"`
	RunID     string         `json:"run_id"`
	Bucket    string         `json:"bucket,omitempty"`
	Prefix    string         `json:"prefix,omitempty"`
	Stage     string         `json:"stage,omitempty"`
	Error     string         `json:"error,omitempty"`
	Counts    map[string]int `json:"counts,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher delivers events. Implementations must be safe for use by one
// goroutine at a time; the pipeline publishes from its coordinator only.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }
func (NoopPublisher) Close() error                         { return nil }

// Fanout publishes to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, p := range f {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, e Event) error

func (f PublisherFunc) Publish(ctx context.Context, e Event) error { return f(ctx, e) }
func (PublisherFunc) Close() error                                 { return nil }
