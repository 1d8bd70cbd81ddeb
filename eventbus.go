package buildat

import (
	"context"
	"sync"
)

// EventBus delivers events from producers to subscribing module containers
// in emit order, fanning out per event type. It never dispatches inline:
// emit only enqueues, and a caller drains the queue explicitly by calling
// HandleEvents — normally the Host's main loop, once per tick.
type EventBus struct {
	registry *TypeRegistry
	logger   Logger

	queueMu sync.Mutex
	queue   []Event

	subsMu sync.Mutex
	subs   map[EventType][]*Container // insertion order, no duplicates
}

// NewEventBus creates an EventBus backed by the given type registry.
func NewEventBus(registry *TypeRegistry, logger Logger) *EventBus {
	if logger == nil {
		logger = NopLogger{}
	}
	return &EventBus{
		registry: registry,
		logger:   logger,
		subs:     make(map[EventType][]*Container),
	}
}

// Type allocates or returns the existing id for name.
func (b *EventBus) Type(name string) EventType { return b.registry.Type(name) }

// Name reverse-looks-up a type's name, for diagnostics.
func (b *EventBus) Name(t EventType) string { return b.registry.Name(t) }

// subscribe records that container wants events of type t. Duplicate
// subscriptions are discarded with a warning log, matching sub_event's
// idempotence law (spec.md §8).
func (b *EventBus) subscribe(container *Container, t EventType, moduleName string) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	for _, existing := range b.subs[t] {
		if existing == container {
			b.logger.Warn("sub_event: already subscribed", "module", moduleName, "type", b.registry.Name(t))
			return
		}
	}
	b.subs[t] = append(b.subs[t], container)
}

// unsubscribeAll removes container from every subscription list. Used by
// the unload protocol (spec.md §4.2 step 2).
func (b *EventBus) unsubscribeAll(container *Container) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	for t, list := range b.subs {
		filtered := list[:0:0]
		for _, c := range list {
			if c != container {
				filtered = append(filtered, c)
			}
		}
		b.subs[t] = filtered
	}
}

// snapshotSubs returns a stable copy of the current subscriber list for t,
// taken once per event as dispatchPass reaches it, so that a handler
// unsubscribing or destroying another module mid-dispatch cannot corrupt
// that event's delivery list.
func (b *EventBus) snapshotSubs(t EventType) []*Container {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	list := b.subs[t]
	if len(list) == 0 {
		return nil
	}
	out := make([]*Container, len(list))
	copy(out, list)
	return out
}

// Emit appends event to the FIFO queue. It never dispatches inline; the
// event is delivered on the next HandleEvents drain.
func (b *EventBus) Emit(evt Event) {
	b.queueMu.Lock()
	b.queue = append(b.queue, evt)
	b.queueMu.Unlock()
}

// drainOnce swaps the current queue out (so concurrent Emit calls keep
// appending to a fresh queue) and returns what was collected.
func (b *EventBus) drainOnce() []Event {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	if len(b.queue) == 0 {
		return nil
	}
	batch := b.queue
	b.queue = nil
	return batch
}

// dispatchPass delivers one drained batch of events to their subscribers,
// using the dispatch function supplied by the Host (which holds the
// container mutex and invokes Module.Event). It returns after the whole
// batch has been delivered; events emitted by handlers during this pass are
// picked up by the next HandleEvents loop iteration, not this one — that is
// what lets HandleEvents process them "in the same call" while keeping each
// pass's subscriber snapshot stable.
func (b *EventBus) dispatchPass(ctx context.Context, batch []Event, dispatch func(ctx context.Context, c *Container, evt Event)) {
	for _, evt := range batch {
		subs := b.snapshotSubs(evt.Type)
		for _, c := range subs {
			dispatch(ctx, c, evt)
		}
	}
}
