package projection

import (
	"context"
	"time"

	"github.com/salescommand/backbone/internal/eventstore"
	"github.com/salescommand/backbone/pkg/errors"
	"github.com/salescommand/backbone/pkg/logger"
)

// Projection is a materialized view handler. Handle must be idempotent: the
// same event history must produce the same view regardless of prior state.
type Projection interface {
	Name() string
	SubscribesTo() []eventstore.EventType
	Handle(ctx context.Context, event *eventstore.Event) error
}

// Truncator is implemented by projections that need a clean slate before a
// full re-denormalization rebuild.
type Truncator interface {
	Truncate(ctx context.Context) error
}

// eventSource is the slice of the event store the runtime needs.
type eventSource interface {
	GetAllSince(ctx context.Context, since time.Time, limit int64) ([]*eventstore.Event, error)
	MarkProcessed(ctx context.Context, eventID, projectionName string) error
	CountSubscribed(ctx context.Context, types []eventstore.EventType) (int64, error)
	CountProcessed(ctx context.Context, types []eventstore.EventType, projectionName string) (int64, error)
}

// RebuildResult reports the outcome of a rebuild pass.
type RebuildResult struct {
	Processed int `json:"processed"`
	Errors    int `json:"errors"`
}

// RebuildStatus reports how far behind the event log a projection is.
type RebuildStatus struct {
	ProcessedEvents int64 `json:"processed_events"`
	TotalEvents     int64 `json:"total_events"`
	Behind          int64 `json:"behind"`
	IsUpToDate      bool  `json:"is_up_to_date"`
}

// rebuildBatchLimit bounds one GetAllSince drain during rebuilds.
const rebuildBatchLimit = 10000

// Runtime wires projections to the event bus and drives rebuilds from the
// event log. Processed-by marks are written only after a handler succeeds, so
// a failed event stays unmarked and is retried on the next rebuild pass.
type Runtime struct {
	store       eventSource
	bus         *eventstore.Bus
	projections []Projection
	log         *logger.Logger
}

// NewRuntime creates a projection runtime for the given projections.
func NewRuntime(store eventSource, bus *eventstore.Bus, log *logger.Logger, projections ...Projection) *Runtime {
	return &Runtime{
		store:       store,
		bus:         bus,
		projections: projections,
		log:         log,
	}
}

// Wire subscribes every projection to its event types.
func (r *Runtime) Wire() {
	for _, p := range r.projections {
		p := p
		for _, eventType := range p.SubscribesTo() {
			r.bus.Subscribe(eventType, p.Name(), func(ctx context.Context, event *eventstore.Event) error {
				return r.dispatch(ctx, p, event)
			})
		}
		r.log.Info().
			Projection(p.Name()).
			Int("event_types", len(p.SubscribesTo())).
			Msg("Projection wired")
	}
}

// dispatch runs one event through a projection and marks it processed on
// success.
func (r *Runtime) dispatch(ctx context.Context, p Projection, event *eventstore.Event) error {
	if err := p.Handle(ctx, event); err != nil {
		return errors.Wrapf(err, errors.ErrCodeProjection, "%s failed on %s", p.Name(), event.ID)
	}
	if err := r.store.MarkProcessed(ctx, event.ID, p.Name()); err != nil {
		return err
	}
	return nil
}

// Projections returns the wired projections.
func (r *Runtime) Projections() []Projection {
	return r.projections
}

// Projection returns the wired projection with the given name.
func (r *Runtime) Projection(name string) (Projection, error) {
	for _, p := range r.projections {
		if p.Name() == name {
			return p, nil
		}
	}
	return nil, errors.Newf(errors.ErrCodeNotFound, "projection %q not found", name)
}

// Rebuild drains the event log in timestamp order through one projection.
// When since is nil the full log is replayed; projections that implement
// Truncator are cleared first.
func (r *Runtime) Rebuild(ctx context.Context, p Projection, since *time.Time) (*RebuildResult, error) {
	from := time.Time{}
	if since != nil {
		from = *since
	} else if t, ok := p.(Truncator); ok {
		if err := t.Truncate(ctx); err != nil {
			return nil, errors.Wrapf(err, errors.ErrCodeProjection, "%s truncate failed", p.Name())
		}
	}

	subscribed := make(map[eventstore.EventType]bool, len(p.SubscribesTo()))
	for _, t := range p.SubscribesTo() {
		subscribed[t] = true
	}

	result := &RebuildResult{}
	for {
		events, err := r.store.GetAllSince(ctx, from, rebuildBatchLimit)
		if err != nil {
			return result, err
		}
		if len(events) == 0 {
			break
		}

		for _, event := range events {
			if !subscribed[event.Type] {
				continue
			}
			if err := r.dispatch(ctx, p, event); err != nil {
				r.log.Error().
					Err(err).
					Projection(p.Name()).
					EventID(event.ID).
					Msg("Rebuild handler failed")
				result.Errors++
				continue
			}
			result.Processed++
		}

		if len(events) < rebuildBatchLimit {
			break
		}
		// Resume at the last drained timestamp (GetAllSince is inclusive).
		// Events sharing that timestamp are re-handled, which idempotent
		// projections tolerate.
		from = events[len(events)-1].Timestamp
	}

	r.log.Info().
		Projection(p.Name()).
		Int("processed", result.Processed).
		Int("errors", result.Errors).
		Msg("Projection rebuilt")

	return result, nil
}

// RebuildAll rebuilds every projection in registration order.
func (r *Runtime) RebuildAll(ctx context.Context, since *time.Time) (map[string]*RebuildResult, error) {
	results := make(map[string]*RebuildResult, len(r.projections))
	for _, p := range r.projections {
		result, err := r.Rebuild(ctx, p, since)
		if err != nil {
			return results, err
		}
		results[p.Name()] = result
	}
	return results, nil
}

// Status reports how far behind the event log a projection is.
func (r *Runtime) Status(ctx context.Context, p Projection) (*RebuildStatus, error) {
	types := p.SubscribesTo()

	total, err := r.store.CountSubscribed(ctx, types)
	if err != nil {
		return nil, err
	}
	processed, err := r.store.CountProcessed(ctx, types, p.Name())
	if err != nil {
		return nil, err
	}

	behind := total - processed
	if behind < 0 {
		behind = 0
	}

	return &RebuildStatus{
		ProcessedEvents: processed,
		TotalEvents:     total,
		Behind:          behind,
		IsUpToDate:      behind == 0,
	}, nil
}
