package eventstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/salescommand/backbone/pkg/logger"
	"github.com/salescommand/backbone/pkg/testing/helpers"
)

func testBus() *Bus {
	return NewBus(logger.Global())
}

func testEvent(eventType EventType) *Event {
	return NewEvent(eventType, AggregateOpportunity, "opportunity-1", map[string]interface{}{"id": int64(1)})
}

func TestPublishDispatchesToTypeSubscribers(t *testing.T) {
	bus := testBus()

	var calls int64
	bus.Subscribe(EventTypeOdooOpportunitySynced, "a", func(ctx context.Context, e *Event) error {
		atomic.AddInt64(&calls, 1)
		return nil
	})
	bus.Subscribe(EventTypeOdooUserSynced, "b", func(ctx context.Context, e *Event) error {
		atomic.AddInt64(&calls, 100)
		return nil
	})

	results := bus.Publish(context.Background(), testEvent(EventTypeOdooOpportunitySynced))

	helpers.AssertEqual(t, 1, len(results))
	helpers.AssertEqual(t, int64(1), atomic.LoadInt64(&calls), "only the matching subscriber runs")
	helpers.AssertNil(t, results[0].Err)
}

func TestPublishIncludesGlobalSubscribers(t *testing.T) {
	bus := testBus()

	var typed, global int64
	bus.Subscribe(EventTypeOdooUserSynced, "typed", func(ctx context.Context, e *Event) error {
		atomic.AddInt64(&typed, 1)
		return nil
	})
	bus.SubscribeAll("audit", func(ctx context.Context, e *Event) error {
		atomic.AddInt64(&global, 1)
		return nil
	})

	bus.Publish(context.Background(), testEvent(EventTypeOdooUserSynced))
	bus.Publish(context.Background(), testEvent(EventTypeOdooAccountSynced))

	helpers.AssertEqual(t, int64(1), atomic.LoadInt64(&typed))
	helpers.AssertEqual(t, int64(2), atomic.LoadInt64(&global), "global subscriber sees every event")
}

func TestPublishResultsInSubscriptionOrder(t *testing.T) {
	bus := testBus()

	bus.Subscribe(EventTypeOdooUserSynced, "first", func(ctx context.Context, e *Event) error { return nil })
	bus.Subscribe(EventTypeOdooUserSynced, "second", func(ctx context.Context, e *Event) error { return nil })
	bus.SubscribeAll("relay", func(ctx context.Context, e *Event) error { return nil })

	results := bus.Publish(context.Background(), testEvent(EventTypeOdooUserSynced))

	helpers.AssertEqual(t, 3, len(results))
	helpers.AssertEqual(t, "first", results[0].Subscriber)
	helpers.AssertEqual(t, "second", results[1].Subscriber)
	helpers.AssertEqual(t, "relay", results[2].Subscriber)
}

func TestPublishFailureDoesNotAbortOtherHandlers(t *testing.T) {
	bus := testBus()

	var succeeded int64
	bus.Subscribe(EventTypeOdooUserSynced, "failing", func(ctx context.Context, e *Event) error {
		return errors.New("boom")
	})
	bus.Subscribe(EventTypeOdooUserSynced, "ok", func(ctx context.Context, e *Event) error {
		atomic.AddInt64(&succeeded, 1)
		return nil
	})

	results := bus.Publish(context.Background(), testEvent(EventTypeOdooUserSynced))

	helpers.AssertEqual(t, 2, len(results))
	helpers.AssertNotNil(t, results[0].Err)
	helpers.AssertNil(t, results[1].Err)
	helpers.AssertEqual(t, int64(1), atomic.LoadInt64(&succeeded))
}

func TestPublishRecoversPanickingHandler(t *testing.T) {
	bus := testBus()

	bus.Subscribe(EventTypeOdooUserSynced, "panicking", func(ctx context.Context, e *Event) error {
		panic("handler exploded")
	})
	bus.Subscribe(EventTypeOdooUserSynced, "ok", func(ctx context.Context, e *Event) error { return nil })

	results := bus.Publish(context.Background(), testEvent(EventTypeOdooUserSynced))

	helpers.AssertEqual(t, 2, len(results))
	helpers.AssertNotNil(t, results[0].Err)
	helpers.AssertNil(t, results[1].Err)
}

func TestPublishNoSubscribers(t *testing.T) {
	bus := testBus()
	results := bus.Publish(context.Background(), testEvent(EventTypeOdooInvoiceSynced))
	helpers.AssertEqual(t, 0, len(results))
}

func TestSubscriberCount(t *testing.T) {
	bus := testBus()

	bus.Subscribe(EventTypeOdooUserSynced, "a", func(ctx context.Context, e *Event) error { return nil })
	bus.Subscribe(EventTypeOdooUserSynced, "b", func(ctx context.Context, e *Event) error { return nil })
	bus.Subscribe(EventTypeOdooAccountSynced, "c", func(ctx context.Context, e *Event) error { return nil })
	bus.SubscribeAll("global", func(ctx context.Context, e *Event) error { return nil })

	helpers.AssertEqual(t, 2, bus.SubscriberCount(EventTypeOdooUserSynced))
	helpers.AssertEqual(t, 1, bus.SubscriberCount(EventTypeOdooAccountSynced))
	helpers.AssertEqual(t, 0, bus.SubscriberCount(EventTypeOdooInvoiceSynced))
	helpers.AssertEqual(t, 3, bus.SubscriberCount(""))
}

func TestConcurrentPublishIsSafe(t *testing.T) {
	bus := testBus()

	var calls int64
	bus.Subscribe(EventTypeOdooUserSynced, "counter", func(ctx context.Context, e *Event) error {
		atomic.AddInt64(&calls, 1)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(context.Background(), testEvent(EventTypeOdooUserSynced))
		}()
	}
	wg.Wait()

	helpers.AssertEqual(t, int64(20), atomic.LoadInt64(&calls))
}
