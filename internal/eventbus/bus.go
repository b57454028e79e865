// Package eventbus is the daemon's in-process pub/sub core. The hub server
// (including its SLA and health sweeps), the config watcher, and the
// council and verification engines emit through here instead of writing to
// connections directly, so a TASK_VERIFIED or ACCOUNT_HEALTH can fan out
// to every subscribed connection without the emitter knowing who, if
// anyone, is listening.
//
// The shape (a registration table guarded by a mutex, matching logic
// keyed by event type) follows the teacher's internal/eventbus/bus.go.
// That package also published every dispatch to a NATS JetStream context;
// this one does not: nats-io/nats.go is imported there but never declared
// in go.mod, and the spec calls for an in-process bus, not an external
// broker.
package eventbus

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hubd/hubd/internal/model"
)

const defaultRingSize = 1000

// defaultQueueSize bounds each subscriber's pending delivery queue before
// backpressure kicks in.
const defaultQueueSize = 256

// droppedMarkerType is the synthetic event queued at the tail of a
// subscriber's queue each time an Emit finds that queue full.
const droppedMarkerType = "EVENTS_DROPPED"

// Subscription is an opaque handle returned by Subscribe; pass it to
// Unsubscribe to remove the registration.
type Subscription uint64

type subscriber struct {
	patterns []string
	queue    chan model.EventRecord
}

// Bus is the in-process event bus. The zero value is not usable; call New.
type Bus struct {
	mu   sync.RWMutex
	subs map[Subscription]*subscriber
	next Subscription

	ringMu  sync.Mutex
	ring    []model.EventRecord
	ringCap int
}

// New creates a Bus with the given ring buffer capacity. A cap <= 0 uses
// the default of 1000.
func New(ringCap int) *Bus {
	if ringCap <= 0 {
		ringCap = defaultRingSize
	}
	return &Bus{
		subs:    make(map[Subscription]*subscriber),
		ringCap: ringCap,
	}
}

// Emit assigns the event an id and timestamp, appends it to the bounded
// ring, and delivers it to every subscriber whose patterns match. Emit
// never blocks: when a subscriber's queue is full, its oldest pending
// event is removed, the new event is not queued for that subscriber, and
// an EVENTS_DROPPED marker is queued at the tail instead. Each overflowing
// Emit queues its own marker, so repeated overflow leaves several markers
// pending.
func (b *Bus) Emit(eventType string, fields map[string]interface{}) model.EventRecord {
	rec := model.EventRecord{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Type:      eventType,
		Fields:    fields,
	}

	b.ringMu.Lock()
	b.ring = append(b.ring, rec)
	if len(b.ring) > b.ringCap {
		b.ring = b.ring[len(b.ring)-b.ringCap:]
	}
	b.ringMu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if matchesAny(s.patterns, eventType) {
			deliver(s, rec)
		}
	}
	return rec
}

// deliver pushes rec onto s's queue, preserving emit order for that
// subscriber. If the queue is full it drops the oldest pending entry to
// make room, then queues an EVENTS_DROPPED marker in place of rec (which
// is not delivered to s) rather than growing unbounded or blocking the
// emitter.
func deliver(s *subscriber, rec model.EventRecord) {
	select {
	case s.queue <- rec:
		return
	default:
	}

	select {
	case <-s.queue:
	default:
	}

	marker := model.EventRecord{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Type:      droppedMarkerType,
	}

	select {
	case s.queue <- marker:
	default:
		// Still full after eviction; the subscriber is far enough behind
		// that it will catch the next marker instead.
	}
}

// Subscribe registers patterns for delivery and returns a handle plus the
// channel to read deliveries from. A pattern is either an exact event
// type or a "prefix*" wildcard; "*" alone matches everything.
func (b *Bus) Subscribe(patterns []string) (Subscription, <-chan model.EventRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	id := b.next
	s := &subscriber{
		patterns: append([]string(nil), patterns...),
		queue:    make(chan model.EventRecord, defaultQueueSize),
	}
	b.subs[id] = s
	return id, s.queue
}

// Unsubscribe removes a subscription. Safe to call more than once; the
// connection layer calls this on close regardless of whether it ever
// subscribed.
func (b *Bus) Unsubscribe(id Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[id]; ok {
		close(s.queue)
		delete(b.subs, id)
	}
}

// Recent returns up to n most-recent events from the ring, oldest first.
func (b *Bus) Recent(n int) []model.EventRecord {
	b.ringMu.Lock()
	defer b.ringMu.Unlock()
	if n <= 0 || n > len(b.ring) {
		n = len(b.ring)
	}
	start := len(b.ring) - n
	out := make([]model.EventRecord, n)
	copy(out, b.ring[start:])
	return out
}

func matchesAny(patterns []string, eventType string) bool {
	for _, p := range patterns {
		if matches(p, eventType) {
			return true
		}
	}
	return false
}

// matches implements the bus's pattern language: "*" matches everything,
// "prefix*" matches any type starting with prefix, anything else is an
// exact match.
func matches(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(eventType, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == eventType
}
