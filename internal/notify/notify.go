// Package notify publishes orchestration state-change events for external
// observers (dashboards, watchers).
//
// The engine publishes through the Sink interface after every persisted
// transition; delivery is best effort and never blocks orchestration.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Event describes one persisted orchestration state change.
type Event struct {
	Project     string    `json:"project"`
	ExecutionID string    `json:"execution_id"`
	Status      string    `json:"status"`
	Phase       string    `json:"phase"`
	Action      string    `json:"action"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Sink receives orchestration events.
type Sink interface {
	// Publish emits one event. Implementations must not block indefinitely.
	Publish(ctx context.Context, event Event) error

	// Close releases the sink's resources.
	Close() error
}

// NopSink discards all events.
type NopSink struct{}

// Publish implements Sink.
func (NopSink) Publish(context.Context, Event) error { return nil }

// Close implements Sink.
func (NopSink) Close() error { return nil }

// Publisher is the subset of nats.Conn the NATS sink uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes events to per-project NATS subjects:
// <prefix>.<project>.
type NATSSink struct {
	conn          Publisher
	subjectPrefix string
	closer        func() error
}

// NewNATSSink connects to NATS and returns a sink publishing under prefix.
func NewNATSSink(url, prefix string) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	sink := NewNATSSinkWithConn(nc, prefix)
	sink.closer = func() error {
		nc.Close()
		return nil
	}
	return sink, nil
}

// NewNATSSinkWithConn wraps an existing publisher. The caller keeps
// ownership of the connection.
func NewNATSSinkWithConn(conn Publisher, prefix string) *NATSSink {
	if prefix == "" {
		prefix = "specflow.orchestration"
	}
	return &NATSSink{conn: conn, subjectPrefix: prefix}
}

// Publish implements Sink.
func (s *NATSSink) Publish(_ context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	subject := s.subjectPrefix + "." + event.Project
	if err := s.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Close implements Sink.
func (s *NATSSink) Close() error {
	if s.closer != nil {
		return s.closer()
	}
	return nil
}
