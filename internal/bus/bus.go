// Package bus is an in-process pub/sub message bus decoupling the run
// orchestrator from the streamer and dashboard, ported from the teacher's
// internal/bus/bus.go almost unchanged — topic-prefix matching, a bounded
// per-subscriber buffer, and non-blocking publish with drop-count
// telemetry — retargeted from task-lifecycle topics to run-event topics.
package bus

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/clibridge/agentbridge/internal/eventmodel"
)

const defaultBufferSize = 256

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Run event topics, published once per normalized engine event plus a few
// lifecycle markers the orchestrator raises itself.
const (
	TopicRunStarted   = "run.started"
	TopicRunEvent     = "run.event"
	TopicRunFinished  = "run.finished"
	TopicRunAbandoned = "run.abandoned"
)

// RunEventPayload is the Payload carried by every TopicRunEvent message:
// one normalized engine event plus the run it belongs to. Exported here
// (rather than in internal/executor, which publishes it, or
// internal/streamer, which consumes it) so neither needs to import the
// other just to agree on a wire shape.
type RunEventPayload struct {
	RunID string
	Event eventmodel.Event
}

// Subscription is an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu              sync.RWMutex
	subs            map[int]*Subscription
	nextID          int
	logger          *slog.Logger
	droppedEvents   atomic.Int64
	lastDropWarning atomic.Int64
}

// New creates a Bus with no logger.
func New() *Bus {
	return NewWithLogger(nil)
}

// NewWithLogger creates a Bus that logs when dropped events cross an
// exponential threshold.
func NewWithLogger(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]*Subscription),
		logger: logger,
	}
}

// Subscribe returns a subscription matching topics by prefix; an empty
// prefix matches everything. The channel is buffered; a slow consumer
// misses events rather than blocking publishers.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes and closes a subscription.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers an event to every matching subscriber, non-blocking.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
				newCount := b.droppedEvents.Add(1)
				b.maybeLogDropWarning(newCount, topic)
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// DroppedEventCount returns the total number of events dropped for full
// subscriber buffers.
func (b *Bus) DroppedEventCount() int64 {
	return b.droppedEvents.Load()
}

func dropThreshold(count int64) int64 {
	threshold := int64(1)
	for threshold*10 <= count {
		threshold *= 10
	}
	return threshold
}

func (b *Bus) maybeLogDropWarning(newCount int64, topic string) {
	if b.logger == nil {
		return
	}
	threshold := dropThreshold(newCount)
	if newCount != threshold {
		return
	}
	lastWarned := b.lastDropWarning.Load()
	if threshold <= lastWarned {
		return
	}
	if b.lastDropWarning.CompareAndSwap(lastWarned, threshold) {
		b.logger.Warn("bus_dropped_events_reached_threshold",
			slog.Int64("count", newCount),
			slog.String("topic", topic),
		)
	}
}
