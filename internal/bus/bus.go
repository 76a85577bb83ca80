// Package bus is the single fan-out hub for alarm events: every event is
// persisted, broadcast to WebSocket subscribers, and handed to an optional
// callback, in that order, from one dispatcher goroutine so producers never
// block on slow outputs.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gridwatch/gridwatch/internal/models"
	"github.com/gridwatch/gridwatch/internal/telemetry"
)

// DefaultDepth bounds the in-memory event queue.
const DefaultDepth = 1024

// Persister stores events durably. Errors are logged, never propagated to
// producers.
type Persister interface {
	Process(ctx context.Context, event *models.AlarmEvent) error
}

// Broadcaster pushes events to connected UI clients.
type Broadcaster interface {
	BroadcastEvent(event *models.AlarmEvent)
}

// Callback is the optional user hook invoked after persistence and
// broadcast.
type Callback func(event *models.AlarmEvent)

// Bus queues published events and dispatches them in publish order. When
// the queue is full the oldest resolved event is evicted first; a firing
// event is evicted only when nothing else remains, and loudly.
type Bus struct {
	persister   Persister
	broadcaster Broadcaster
	callback    Callback
	depth       int

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*models.AlarmEvent
	closed bool
	done   chan struct{}
}

// New constructs a bus. A non-positive depth falls back to DefaultDepth;
// broadcaster and callback may be nil.
func New(persister Persister, broadcaster Broadcaster, callback Callback, depth int) *Bus {
	if depth <= 0 {
		depth = DefaultDepth
	}
	b := &Bus{
		persister:   persister,
		broadcaster: broadcaster,
		callback:    callback,
		depth:       depth,
		done:        make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Start launches the dispatcher.
func (b *Bus) Start() {
	go b.dispatch()
}

// Publish enqueues one event. Never blocks; on overflow the oldest
// non-firing event is dropped.
func (b *Bus) Publish(event *models.AlarmEvent) {
	if event == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		log.Warn().Str("fingerprint", event.Fingerprint).Msg("Event published after bus shutdown, dropped")
		return
	}

	if len(b.queue) >= b.depth {
		b.evictLocked()
	}
	b.queue = append(b.queue, event)
	b.cond.Signal()
}

// evictLocked makes room for one event. Caller holds b.mu.
func (b *Bus) evictLocked() {
	for i, queued := range b.queue {
		if queued.Status != models.StatusFiring {
			log.Warn().Str("fingerprint", queued.Fingerprint).Msg("Event queue full, oldest non-firing event dropped")
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			telemetry.EventsDropped.Inc()
			return
		}
	}
	// Queue is all firing events; dropping one loses an alarm.
	log.Error().Str("fingerprint", b.queue[0].Fingerprint).Msg("Event queue full of firing events, oldest dropped")
	b.queue = b.queue[1:]
	telemetry.EventsDropped.Inc()
}

// Shutdown stops accepting events, lets the dispatcher drain the queue,
// and waits for it to exit.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.cond.Signal()
	b.mu.Unlock()

	<-b.done
	log.Info().Msg("Event bus stopped")
}

// Depth returns the number of queued events.
func (b *Bus) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.queue) == 0 && b.closed {
			b.mu.Unlock()
			return
		}
		event := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()

		b.deliver(event)
	}
}

// deliver runs the three outputs in order. A failing output never stops
// the following ones.
func (b *Bus) deliver(event *models.AlarmEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := b.persister.Process(ctx, event); err != nil {
		log.Error().Err(err).Str("fingerprint", event.Fingerprint).Str("status", string(event.Status)).Msg("Event persistence failed")
	}
	cancel()

	if b.broadcaster != nil {
		b.broadcaster.BroadcastEvent(event)
	}
	if b.callback != nil {
		b.callback(event)
	}
}
