package eventstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/salescommand/backbone/pkg/logger"
)

// Handler is a function that handles an event.
type Handler func(ctx context.Context, event *Event) error

// PublishResult is the outcome of one handler invocation during fan-out.
type PublishResult struct {
	Subscriber string
	Err        error
}

// subscription pairs a handler with the subscriber name used for logging.
type subscription struct {
	name    string
	handler Handler
}

// Bus is the in-process pub/sub dispatcher. It is a lifecycle-managed value
// constructed at startup and injected into every component that publishes or
// subscribes; there is no ambient global instance.
//
// Delivery is at-least-once within the process lifetime. Durability comes
// from the event store: projections track consumption via processed_by and
// catch up with RebuildFromEvents after a crash.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]subscription
	global      []subscription
	log         *logger.Logger
}

// NewBus creates a new event bus.
func NewBus(log *logger.Logger) *Bus {
	return &Bus{
		subscribers: make(map[EventType][]subscription),
		log:         log,
	}
}

// Subscribe registers a handler for a specific event type.
func (b *Bus) Subscribe(eventType EventType, name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{name: name, handler: handler})
	b.log.Debug().
		EventType(string(eventType)).
		Str("subscriber", name).
		Msg("Subscribed to event type")
}

// SubscribeAll registers a handler for every event (auditing, relays).
func (b *Bus) SubscribeAll(name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.global = append(b.global, subscription{name: name, handler: handler})
	b.log.Debug().Str("subscriber", name).Msg("Subscribed to all events")
}

// Publish dispatches the event to all type-specific and global subscribers
// concurrently and waits for them to finish. A failing handler never aborts
// the others; its error is captured in the result slice and logged. Results
// are returned in subscription order (type-specific first, then global).
func (b *Bus) Publish(ctx context.Context, event *Event) []PublishResult {
	b.mu.RLock()
	subs := make([]subscription, 0, len(b.subscribers[event.Type])+len(b.global))
	subs = append(subs, b.subscribers[event.Type]...)
	subs = append(subs, b.global...)
	b.mu.RUnlock()

	if len(subs) == 0 {
		b.log.Debug().EventType(string(event.Type)).Msg("No subscribers for event")
		return nil
	}

	results := make([]PublishResult, len(subs))
	var wg sync.WaitGroup
	wg.Add(len(subs))

	for i, sub := range subs {
		go func(i int, sub subscription) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[i] = PublishResult{Subscriber: sub.name, Err: fmt.Errorf("handler panic: %v", r)}
				}
			}()
			results[i] = PublishResult{Subscriber: sub.name, Err: sub.handler(ctx, event)}
		}(i, sub)
	}
	wg.Wait()

	for _, res := range results {
		if res.Err != nil {
			b.log.Error().
				Err(res.Err).
				EventID(event.ID).
				EventType(string(event.Type)).
				Str("subscriber", res.Subscriber).
				Msg("Event handler failed")
		}
	}

	return results
}

// SubscriberCount returns the number of type-specific subscribers for the
// given event type, or the total across all types when eventType is empty.
// Global subscribers are not included.
func (b *Bus) SubscriberCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if eventType != "" {
		return len(b.subscribers[eventType])
	}
	total := 0
	for _, subs := range b.subscribers {
		total += len(subs)
	}
	return total
}
