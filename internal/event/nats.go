// internal/event/nats.go
// Package event provides NATS JetStream implementation for event publishing.
// It streams node health transitions and resolution outcomes to support
// dashboards and audit trails.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/tezmeta/tezmeta-go/internal/model"
)

// Publisher interface defines the event publishing operations required
// by the tezmeta service.
type Publisher interface {
	// Node pool events
	PublishNodeStatusChanged(ctx context.Context, change model.NodeStatusChange) error

	// Resolution events
	PublishResolutionCompleted(ctx context.Context, record model.ResolutionRecord) error

	// Close closes the publisher connection
	Close() error
}

// noop is a no-op implementation of Publisher for when NATS is not
// configured. It allows the service to run without event streaming.
type noop struct{}

// NewNoop returns a publisher that drops every event.
func NewNoop() Publisher { return &noop{} }

// Close implements Publisher.
func (n *noop) Close() error { return nil }

// PublishNodeStatusChanged implements Publisher.
func (n *noop) PublishNodeStatusChanged(ctx context.Context, change model.NodeStatusChange) error {
	return nil
}

// PublishResolutionCompleted implements Publisher.
func (n *noop) PublishResolutionCompleted(ctx context.Context, record model.ResolutionRecord) error {
	return nil
}

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc *nats.Conn            // NATS connection
	js nats.JetStreamContext // JetStream context for stream operations
}

// Stream and subject layout
const (
	nodesStream       = "TZM_NODES"
	resolutionsStream = "TZM_RESOLUTIONS"

	subjectNodeStatus = "tzm.nodes.status"
	subjectResolution = "tzm.resolutions.completed"
)

// NewPublisherFromEnv creates a new publisher based on environment
// configuration. It reads TZM_NATS_URL; if NATS is not configured or
// the connection fails, it returns a no-op publisher.
func NewPublisherFromEnv() Publisher {
	url := os.Getenv("TZM_NATS_URL")
	if url == "" {
		return &noop{}
	}

	nc, err := nats.Connect(url)
	if err != nil {
		slog.Warn("NATS connect failed, using noop publisher", "error", err)
		return &noop{}
	}

	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	if err := initStreams(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	return &natsPub{nc: nc, js: js}
}

// initStreams ensures the required JetStream streams exist.
func initStreams(js nats.JetStreamContext) error {
	streams := []*nats.StreamConfig{
		{
			Name:     nodesStream,
			Subjects: []string{subjectNodeStatus},
			MaxAge:   24 * time.Hour,
		},
		{
			Name:     resolutionsStream,
			Subjects: []string{subjectResolution},
			MaxAge:   7 * 24 * time.Hour,
		},
	}
	for _, cfg := range streams {
		if _, err := js.AddStream(cfg); err != nil && err != nats.ErrStreamNameAlreadyInUse {
			return fmt.Errorf("add stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// envelope is the common wire form of published events.
type envelope struct {
	ID   string      `json:"id"`
	Type string      `json:"type"`
	At   time.Time   `json:"at"`
	Data interface{} `json:"data"`
}

// publish serializes and publishes one event envelope.
func (p *natsPub) publish(subject, eventType string, data interface{}) error {
	body, err := json.Marshal(envelope{
		ID:   uuid.NewString(),
		Type: eventType,
		At:   time.Now().UTC(),
		Data: data,
	})
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	if _, err := p.js.Publish(subject, body); err != nil {
		return fmt.Errorf("publish %s event: %w", eventType, err)
	}
	return nil
}

// PublishNodeStatusChanged implements Publisher.
func (p *natsPub) PublishNodeStatusChanged(ctx context.Context, change model.NodeStatusChange) error {
	return p.publish(subjectNodeStatus, "node.status.changed", change)
}

// PublishResolutionCompleted implements Publisher.
func (p *natsPub) PublishResolutionCompleted(ctx context.Context, record model.ResolutionRecord) error {
	return p.publish(subjectResolution, "resolution.completed", record)
}

// Close implements Publisher.
func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}
