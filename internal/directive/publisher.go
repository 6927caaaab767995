package directive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fyrsmithlabs/protocold/internal/protocol"
)

// Event names published alongside directives.
const (
	EventStarted   = "started"
	EventAdvanced  = "advanced"
	EventBlocked   = "blocked"
	EventHalted    = "halted"
	EventResumed   = "resumed"
	EventBranch    = "branch"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventAbandoned = "abandoned"
)

// Event is a lifecycle notification for one instance.
type Event struct {
	Kind      string          `json:"protocol_kind"`
	SessionID string          `json:"session_id"`
	Event     string          `json:"event"`
	Phase     string          `json:"phase,omitempty"`
	Version   int64           `json:"state_version"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	At        time.Time       `json:"at"`
}

// Publisher delivers directives and lifecycle events. Publishing happens
// after the state is saved; a failed publish never rolls back state.
type Publisher interface {
	PublishDirective(ctx context.Context, d *Directive) error
	PublishEvent(ctx context.Context, e Event) error
}

// NopPublisher discards everything.
type NopPublisher struct{}

func (NopPublisher) PublishDirective(context.Context, *Directive) error { return nil }
func (NopPublisher) PublishEvent(context.Context, Event) error          { return nil }

// DirectiveSubject returns the subject a directive for key is published on:
//
//	protocol.{kind}.{session_id}.directive
func DirectiveSubject(key protocol.Key) string {
	return EventSubject(key, "directive")
}

// EventSubject returns protocol.{kind}.{session_id}.{event}. Child sessions
// contain dots, so subscribers should match with ">" rather than "*".
func EventSubject(key protocol.Key, event string) string {
	return fmt.Sprintf("protocol.%s.%s.%s", key.Kind, key.SessionID, event)
}

// NATSPublisher publishes JSON payloads on a NATS connection.
type NATSPublisher struct {
	nc *nats.Conn
}

// NewNATSPublisher creates a publisher over nc.
func NewNATSPublisher(nc *nats.Conn) *NATSPublisher {
	return &NATSPublisher{nc: nc}
}

func (p *NATSPublisher) PublishDirective(_ context.Context, d *Directive) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal directive: %w", err)
	}
	subject := DirectiveSubject(protocol.Key{Kind: d.Kind, SessionID: d.SessionID})
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish directive: %w", err)
	}
	return nil
}

func (p *NATSPublisher) PublishEvent(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	subject := EventSubject(protocol.Key{Kind: e.Kind, SessionID: e.SessionID}, e.Event)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

var (
	_ Publisher = NopPublisher{}
	_ Publisher = (*NATSPublisher)(nil)
)
