// Package observability implements the Observability Streamer (C9): an
// in-process fan-out of analysis lifecycle events to live subscribers, plus
// a bounded per-thread ring buffer for polling clients.
package observability

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fraudcore/engine/internal/model"
)

// subscriberBufferSize bounds how far a slow subscriber can lag before it
// is disconnected, matching the teacher's SSE subscriber channel capacity.
const subscriberBufferSize = 64

// Broker fans ObservabilityEvents out to subscribers of a thread_id and
// retains a bounded history per thread for Poll/History. Grounded on
// internal/server/broker.go's subscriber-map-plus-bounded-channel shape;
// the Postgres LISTEN/NOTIFY transport that broker used to receive events
// from is dropped here because delivery is in-process only — Emit is
// called directly by the components that produce events (C6-C8) instead
// of going through a database round trip.
type Broker struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[uuid.UUID]map[chan model.ObservabilityEvent]struct{}
	history     map[uuid.UUID][]model.ObservabilityEvent
	historyLimit int

	nextEventID atomic.Uint64
}

// NewBroker constructs a Broker. historyLimit bounds the retained ring
// buffer per thread (OBS_HISTORY_LIMIT); a non-positive value means
// unbounded.
func NewBroker(historyLimit int, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		logger:       logger,
		subscribers:  make(map[uuid.UUID]map[chan model.ObservabilityEvent]struct{}),
		history:      make(map[uuid.UUID][]model.ObservabilityEvent),
		historyLimit: historyLimit,
	}
}

// Emit assigns a globally monotonic EventID, appends the event to its
// thread's ring buffer, and fans it out to that thread's live subscribers.
// Events from a single producer for a given thread are delivered to any
// subscriber in producer order (spec.md §4.9); there is no ordering
// guarantee across threads.
func (b *Broker) Emit(event model.ObservabilityEvent) model.ObservabilityEvent {
	event.EventID = b.nextEventID.Add(1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	hist := append(b.history[event.ThreadID], event)
	if b.historyLimit > 0 && len(hist) > b.historyLimit {
		hist = hist[len(hist)-b.historyLimit:]
	}
	b.history[event.ThreadID] = hist

	targets := make([]chan model.ObservabilityEvent, 0, len(b.subscribers[event.ThreadID]))
	for ch := range b.subscribers[event.ThreadID] {
		targets = append(targets, ch)
	}
	b.mu.Unlock()

	for _, ch := range targets {
		b.deliver(event.ThreadID, ch, event)
	}
	return event
}

// Subscribe opens a push-delivery stream for thread_id's events. The
// returned func disconnects the subscriber and closes its channel; callers
// must call it to release resources once they stop reading.
func (b *Broker) Subscribe(threadID uuid.UUID) (<-chan model.ObservabilityEvent, func()) {
	ch := make(chan model.ObservabilityEvent, subscriberBufferSize)

	b.mu.Lock()
	if b.subscribers[threadID] == nil {
		b.subscribers[threadID] = make(map[chan model.ObservabilityEvent]struct{})
	}
	b.subscribers[threadID][ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() { b.unsubscribe(threadID, ch) }
}

func (b *Broker) unsubscribe(threadID uuid.UUID, ch chan model.ObservabilityEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.subscribers[threadID]
	if !ok {
		return
	}
	if _, present := subs[ch]; !present {
		return
	}
	delete(subs, ch)
	close(ch)
}

// deliver sends event to ch without blocking the producer. A subscriber
// whose buffer is full is disconnected and sent one terminal Error event
// (spec.md §4.9: "drops that subscriber on overflow with a terminal Error
// event") rather than merely dropping the one message the teacher's
// broadcastToOrg does. Because the buffer is full, the oldest buffered
// event is discarded to make room for the terminal one.
func (b *Broker) deliver(threadID uuid.UUID, ch chan model.ObservabilityEvent, event model.ObservabilityEvent) {
	select {
	case ch <- event:
		return
	default:
	}

	b.mu.Lock()
	if subs, ok := b.subscribers[threadID]; ok {
		delete(subs, ch)
	}
	b.mu.Unlock()

	b.logger.Warn("observability: dropped slow subscriber", "thread_id", threadID, "buffer_cap", cap(ch))

	terminal := model.ObservabilityEvent{
		EventID:   event.EventID,
		ThreadID:  threadID,
		Kind:      model.EventError,
		Timestamp: time.Now().UTC(),
		Payload:   map[string]any{"reason": "subscriber buffer overflow"},
	}
	select {
	case ch <- terminal:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- terminal:
		default:
		}
	}
	close(ch)
}
