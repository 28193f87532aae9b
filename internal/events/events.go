package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	TypeExecutionResult  = "execution.result"
	TypeOrderUpdate      = "order.update"
	TypeFill             = "order.fill"
	TypeEmergencyStop    = "session.emergency_stop"
	TypeSessionResumed   = "session.resumed"
	TypeAccountViolation = "account.violation"
	TypeAccountStatus    = "account.status"
	TypeAccountFlatten   = "account.flatten"
	TypeStrategyStatus   = "strategy.status"
	TypeRotationAction   = "rotation.action"
)

// Event is the payload shape shared by every published notification.
type Event struct {
	Type      string    `json:"type"`
	SubjectID string    `json:"subject_id"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

func New(eventType, subjectID string, data any) Event {
	return Event{Type: eventType, SubjectID: subjectID, Data: data, Timestamp: time.Now().UTC()}
}

// Publisher delivers events to dashboards and loggers. Implementations must not block for long.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// LogPublisher writes every event to the structured log.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, evt Event) error {
	log.Info().
		Str("component", "events").
		Str("event_type", evt.Type).
		Str("subject_id", evt.SubjectID).
		Interface("data", evt.Data).
		Time("event_time", evt.Timestamp).
		Msg("event published")
	return nil
}

// RedisPublisher publishes JSON-encoded events on "<prefix>:<type>" channels.
type RedisPublisher struct {
	Client *redis.Client
	Prefix string
}

func NewRedisPublisher(opt *redis.Options, prefix string) *RedisPublisher {
	return &RedisPublisher{Client: redis.NewClient(opt), Prefix: prefix}
}

func (p *RedisPublisher) Channel(eventType string) string {
	if p.Prefix == "" {
		return eventType
	}
	return p.Prefix + ":" + eventType
}

func (p *RedisPublisher) Publish(ctx context.Context, evt Event) error {
	raw, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", evt.Type, err)
	}
	if err := p.Client.Publish(ctx, p.Channel(evt.Type), raw).Err(); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", evt.Type, err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.Client.Close()
}

// Multi fans an event out to every publisher and returns the first error.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, evt Event) error {
	var first error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, evt); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Memory keeps published events in order; used by the simulation and tests.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func (m *Memory) Publish(_ context.Context, evt Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// OfType returns the recorded events with the given type.
func (m *Memory) OfType(eventType string) []Event {
	var out []Event
	for _, evt := range m.Events() {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}

// Emit publishes and logs failures instead of returning them; callers on the
// trading path never fail because a dashboard is unreachable.
func Emit(ctx context.Context, p Publisher, evt Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, evt); err != nil {
		log.Warn().Err(err).Str("event_type", evt.Type).Str("subject_id", evt.SubjectID).Msg("failed to publish event")
	}
}
