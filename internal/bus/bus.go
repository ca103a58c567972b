// Package bus implements the in-process event bus of §4.1: bounded
// per-subscriber queues, non-blocking publish with per-subscriber drop on
// full, and poison-pill shutdown.
//
// Adapted from internal/application/observer/manager.go: the Register/
// Unregister/panic-recovery/Filter idiom is kept, but the original's
// unbounded per-event goroutine fan-out is replaced with one buffered
// channel and one consumer goroutine per subscriber.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/smilemakc/cascaded/internal/infrastructure/logger"
)

// EventType is the lifecycle event discriminator (dot notation, as in the
// original observer package).
type EventType string

const (
	EventCascadeStarted        EventType = "cascade.started"
	EventCascadeCompleted      EventType = "cascade.completed"
	EventCascadeError          EventType = "cascade.error"
	EventCellStarted           EventType = "cell.started"
	EventCellCompleted         EventType = "cell.completed"
	EventCellFailed            EventType = "cell.failed"
	EventCellSkipped           EventType = "cell.skipped"
	EventTurnStarted           EventType = "turn.started"
	EventToolCall              EventType = "tool.call"
	EventToolResult            EventType = "tool.result"
	EventCheckpointSuspended   EventType = "checkpoint.suspended"
	EventCheckpointResumed     EventType = "checkpoint.resumed"
	EventCostUpdate            EventType = "cost_update"
	EventWardResult            EventType = "ward_result"
	EventCandidateCompleted    EventType = "candidate.completed"
)

// Event is an immutable published record: {type, session_id, timestamp, data}.
type Event struct {
	Type      EventType
	SessionID string
	CellName  string
	Timestamp time.Time
	Data      map[string]any
}

// Subscriber receives events from its own bounded queue.
type Subscriber interface {
	Name() string
	OnEvent(ctx context.Context, event Event) error
	// Filter returns nil to receive all events.
	Filter() Filter
}

// Filter decides whether an event should be delivered to a subscriber.
type Filter interface {
	Match(event Event) bool
}

// SessionFilter matches events for one session_id only.
type SessionFilter struct{ SessionID string }

func (f *SessionFilter) Match(e Event) bool { return e.SessionID == f.SessionID }

// TypeFilter matches a fixed set of event types.
type TypeFilter struct{ Types map[EventType]bool }

// NewTypeFilter builds a TypeFilter from a variadic list.
func NewTypeFilter(types ...EventType) *TypeFilter {
	m := make(map[EventType]bool, len(types))
	for _, t := range types {
		m[t] = true
	}
	return &TypeFilter{Types: m}
}

func (f *TypeFilter) Match(e Event) bool { return f.Types[e.Type] }

// subscription owns one bounded queue and its consumer goroutine.
type subscription struct {
	sub   Subscriber
	queue chan Event
	done  chan struct{}
}

// Bus is the bounded-queue publish/subscribe hub.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription
	queueCapacity int
	logger        *logger.Logger

	droppedMu sync.Mutex
	dropped   map[string]int64 // subscriber name -> drop count, for observability
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the structured logger used for panic recovery and drop
// warnings.
func WithLogger(l *logger.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithQueueCapacity sets the default per-subscriber queue capacity.
func WithQueueCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueCapacity = n
		}
	}
}

// New creates a Bus with bounded per-subscriber queues.
func New(opts ...Option) *Bus {
	b := &Bus{
		subscriptions: make(map[string]*subscription),
		queueCapacity: 256,
		dropped:       make(map[string]int64),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a subscriber under sub.Name() and starts its consumer
// goroutine; the caller removes it later with Unsubscribe(sub.Name()). ctx
// governs the lifetime of the consumer goroutine.
func (b *Bus) Subscribe(ctx context.Context, sub Subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscriptions[sub.Name()]; exists {
		return fmt.Errorf("subscriber %q already registered", sub.Name())
	}

	s := &subscription{
		sub:   sub,
		queue: make(chan Event, b.queueCapacity),
		done:  make(chan struct{}),
	}
	b.subscriptions[sub.Name()] = s

	go b.consume(ctx, s)
	return nil
}

// Unsubscribe removes a subscriber and stops its consumer goroutine. Any
// events still queued are dropped (poison-pill shutdown semantics — the
// subscriber must tolerate missing events).
func (b *Bus) Unsubscribe(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.subscriptions[name]
	if !ok {
		return fmt.Errorf("subscriber %q not found", name)
	}
	close(s.done)
	delete(b.subscriptions, name)
	return nil
}

// Publish delivers an event to all matching subscribers, non-blocking: if a
// subscriber's queue is full, the event is dropped for that subscriber only
// (§4.1, §5 ordering guarantees — no event is guaranteed to reach every
// subscriber).
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subscriptions))
	for _, s := range b.subscriptions {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if filter := s.sub.Filter(); filter != nil && !filter.Match(event) {
			continue
		}
		select {
		case s.queue <- event:
		default:
			b.recordDrop(s.sub.Name())
		}
	}
}

func (b *Bus) recordDrop(name string) {
	b.droppedMu.Lock()
	b.dropped[name]++
	b.droppedMu.Unlock()
	if b.logger != nil {
		b.logger.Warn("event dropped: subscriber queue full", "subscriber", name)
	}
}

// DroppedCount returns the number of events dropped for a subscriber so far.
func (b *Bus) DroppedCount(name string) int64 {
	b.droppedMu.Lock()
	defer b.droppedMu.Unlock()
	return b.dropped[name]
}

// consume drains one subscriber's queue until its context is cancelled or
// it is unsubscribed.
func (b *Bus) consume(ctx context.Context, s *subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case event := <-s.queue:
			b.deliver(ctx, s, event)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, s *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			if b.logger != nil {
				b.logger.ErrorContext(ctx, "subscriber panic recovered",
					"subscriber", s.sub.Name(), "event_type", string(event.Type), "panic", r)
			}
		}
	}()

	if err := s.sub.OnEvent(ctx, event); err != nil {
		if b.logger != nil {
			b.logger.ErrorContext(ctx, "subscriber event handling failed",
				"subscriber", s.sub.Name(), "event_type", string(event.Type), "error", err)
		}
	}
}

// Count returns the number of registered subscribers.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscriptions)
}
