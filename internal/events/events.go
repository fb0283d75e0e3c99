// Package events publishes forgeloop lifecycle events.
//
// Events are JSON documents published to NATS subjects of the form
// forgeloop.{kind}:
//
//	forgeloop.operation.started
//	forgeloop.operation.completed
//	forgeloop.solution.recorded
//	forgeloop.reflection.completed
//	forgeloop.insight.created
//
// Publishing is best effort. Callers log a failed publish and carry on.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Kind identifies an event type and forms the subject suffix.
type Kind string

const (
	OperationStarted    Kind = "operation.started"
	OperationCompleted  Kind = "operation.completed"
	SolutionRecorded    Kind = "solution.recorded"
	ReflectionCompleted Kind = "reflection.completed"
	InsightCreated      Kind = "insight.created"
)

// SubjectPrefix prefixes every published subject.
const SubjectPrefix = "forgeloop."

// Event is the published envelope.
type Event struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	TraceID   string    `json:"trace_id,omitempty"`
	Payload   any       `json:"payload,omitempty"`
}

// New builds an event of kind carrying payload, stamped with the trace in ctx.
func New(ctx context.Context, kind Kind, payload any) Event {
	ev := Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		ev.TraceID = sc.TraceID().String()
	}
	return ev
}

// Subject returns the NATS subject for kind.
func Subject(kind Kind) string {
	return SubjectPrefix + string(kind)
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// NATSPublisher publishes events as JSON over a NATS connection.
type NATSPublisher struct {
	nc     *nats.Conn
	owned  bool
	logger *zap.Logger
}

// NewNATSPublisher wraps an existing connection. The caller keeps ownership of nc.
func NewNATSPublisher(nc *nats.Conn, logger *zap.Logger) *NATSPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{nc: nc, logger: logger}
}

// Connect dials url and returns a publisher that owns the connection.
func Connect(url string, logger *zap.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("forgeloop"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return &NATSPublisher{nc: nc, owned: true, logger: logger}, nil
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(Subject(ev.Kind), data); err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Kind, err)
	}
	p.logger.Debug("event published", zap.String("subject", Subject(ev.Kind)), zap.String("event_id", ev.ID))
	return nil
}

// Close flushes pending messages and closes the connection if the publisher owns it.
func (p *NATSPublisher) Close() error {
	if !p.owned {
		return nil
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return fmt.Errorf("drain nats connection: %w", err)
	}
	return nil
}

// Emit publishes an event built from kind and payload, logging instead of
// returning a failure. A nil publisher is a no-op.
func Emit(ctx context.Context, p Publisher, logger *zap.Logger, kind Kind, payload any) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, New(ctx, kind, payload)); err != nil && logger != nil {
		logger.Warn("event publish failed", zap.String("kind", string(kind)), zap.Error(err))
	}
}

// Recorder keeps published events in memory for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns the kinds of the recorded events in publish order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]Kind, 0, len(r.events))
	for _, ev := range r.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}
