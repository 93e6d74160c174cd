package sync

import (
	"context"
	"fmt"
	"sync"

	"github.com/salescommand/backbone/internal/eventstore"
	"github.com/salescommand/backbone/pkg/errors"
	"github.com/salescommand/backbone/pkg/logger"
)

// rawStore is the raw persistence surface the handler needs.
type rawStore interface {
	Upsert(ctx context.Context, entityType string, sourceID int64, payload map[string]interface{}, syncJobID string) (*UpsertResult, error)
	LatestSourceIDs(ctx context.Context, entityType string) ([]int64, error)
	MarkDeleted(ctx context.Context, entityType string, sourceID int64) error
}

// eventAppender appends events to the immutable log.
type eventAppender interface {
	Append(ctx context.Context, event *eventstore.Event) (string, error)
}

// eventPublisher fans events out to projections.
type eventPublisher interface {
	Publish(ctx context.Context, event *eventstore.Event) []eventstore.PublishResult
}

// entityEvent binds an entity type to its synced event variant.
type entityEvent struct {
	eventType       eventstore.EventType
	aggregateType   eventstore.AggregateType
	aggregatePrefix string
	sourceIDKey     string
}

var entityEvents = map[string]entityEvent{
	EntityUser:        {eventstore.EventTypeOdooUserSynced, eventstore.AggregateUser, "user", "odoo_employee_id"},
	EntityOpportunity: {eventstore.EventTypeOdooOpportunitySynced, eventstore.AggregateOpportunity, "opportunity", "id"},
	EntityAccount:     {eventstore.EventTypeOdooAccountSynced, eventstore.AggregateAccount, "account", "id"},
	EntityActivity:    {eventstore.EventTypeOdooActivitySynced, eventstore.AggregateActivity, "activity", "id"},
	EntityInvoice:     {eventstore.EventTypeOdooInvoiceSynced, eventstore.AggregateInvoice, "invoice", "id"},
}

// metadataSource tags every event produced by the sync pipeline.
const metadataSource = "odoo_sync"

// Handler orchestrates one sync job: fetch, normalize, diff, append, publish.
type Handler struct {
	connector Connector
	mapper    *Mapper
	raw       rawStore
	events    eventAppender
	bus       eventPublisher
	workers   int
	// reconcile enables source-absence soft deletion. Only valid for full
	// fetches; incremental (modified-since) fetches would see false absences.
	reconcile bool
	log       *logger.Logger
}

// NewHandler creates a sync command handler.
func NewHandler(connector Connector, mapper *Mapper, raw rawStore, events eventAppender, bus eventPublisher, workers int, reconcile bool, log *logger.Logger) *Handler {
	if workers < 1 {
		workers = 1
	}
	return &Handler{
		connector: connector,
		mapper:    mapper,
		raw:       raw,
		events:    events,
		bus:       bus,
		workers:   workers,
		reconcile: reconcile,
		log:       log,
	}
}

// HandleSyncCommand executes a full sync for the given job. Entity types are
// processed sequentially in dependency order; records within an entity type
// are processed by a bounded worker pool. Per-record faults are counted and
// logged without aborting the job; connector-level faults abort it.
func (h *Handler) HandleSyncCommand(ctx context.Context, jobID string) (map[string]int, error) {
	log := h.log.With().JobID(jobID).Logger()
	log.Info().Msg("Starting sync")

	if _, err := h.connector.TestConnection(ctx); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConnection, "remote source unreachable")
	}
	if err := h.connector.Authenticate(ctx); err != nil {
		return nil, err
	}
	defer h.connector.Close()

	stats := newJobStats()

	for _, entityType := range EntityOrder {
		if err := ctx.Err(); err != nil {
			return stats.snapshot(), errors.Wrap(err, errors.ErrCodeTimeout, "sync job deadline exceeded")
		}

		seen, err := h.syncEntity(ctx, jobID, entityType, stats, log)
		if err != nil {
			return stats.snapshot(), err
		}

		if h.reconcile && entityType == EntityOpportunity {
			if err := h.reconcileDeleted(ctx, jobID, seen, stats, log); err != nil {
				log.Error().Err(err).Msg("Opportunity reconciliation failed")
				stats.addError()
			}
		}
	}

	snapshot := stats.snapshot()
	log.Info().
		Int("total_events", snapshot["total_events"]).
		Int("errors", snapshot["errors"]).
		Msg("Sync complete")

	return snapshot, nil
}

// syncEntity streams all pages for one entity type through the worker pool.
// Returns the set of source ids seen in the fetch.
func (h *Handler) syncEntity(ctx context.Context, jobID, entityType string, stats *jobStats, log *logger.Logger) (map[int64]bool, error) {
	spec := entityEvents[entityType]
	seen := make(map[int64]bool)
	var seenMu sync.Mutex

	sem := make(chan struct{}, h.workers)
	var wg sync.WaitGroup

	cursor := 0
	for {
		page, err := h.connector.FetchPage(ctx, entityType, cursor)
		if err != nil {
			wg.Wait()
			return seen, err
		}

		for _, raw := range page.Records {
			wg.Add(1)
			sem <- struct{}{}
			go func(raw Record) {
				defer wg.Done()
				defer func() { <-sem }()

				sourceID, ok := h.processRecord(ctx, jobID, entityType, spec, raw, stats, log)
				if ok {
					seenMu.Lock()
					seen[sourceID] = true
					seenMu.Unlock()
				}
			}(raw)
		}

		if page.Exhausted {
			break
		}
		cursor = page.Next
	}

	wg.Wait()
	return seen, nil
}

// processRecord normalizes and persists one record, emitting an event when
// the payload drifted from the last stored version. Returns the record's
// source id and whether it had a usable source id; that flag stays true when
// the raw upsert or the event append fails, so the record still counts as
// seen for absence reconciliation.
func (h *Handler) processRecord(ctx context.Context, jobID, entityType string, spec entityEvent, raw Record, stats *jobStats, log *logger.Logger) (int64, bool) {
	mapped, err := h.mapper.Map(entityType, raw)
	if err != nil {
		log.Warn().Err(err).Str("entity_type", entityType).Msg("Record mapping failed")
		stats.addError()
		return 0, false
	}

	sourceID := eventstore.CoerceInt64(mapped[spec.sourceIDKey])
	if sourceID == 0 {
		log.Warn().Str("entity_type", entityType).Msg("Record has no source id, skipped")
		stats.addError()
		return 0, false
	}

	result, err := h.raw.Upsert(ctx, entityType, sourceID, mapped, jobID)
	if err != nil {
		log.Error().Err(err).Str("entity_type", entityType).Int64("source_id", sourceID).Msg("Raw upsert failed")
		stats.addError()
		return sourceID, true
	}

	if !result.Changed {
		return sourceID, true
	}

	event := eventstore.NewEvent(
		spec.eventType,
		spec.aggregateType,
		fmt.Sprintf("%s-%d", spec.aggregatePrefix, sourceID),
		mapped,
	).WithMetadata(eventstore.Metadata{
		Source:        metadataSource,
		CorrelationID: jobID,
	})

	if _, err := h.events.Append(ctx, event); err != nil {
		log.Error().Err(err).EventType(string(spec.eventType)).Int64("source_id", sourceID).Msg("Event append failed")
		stats.addError()
		return sourceID, true
	}

	h.bus.Publish(ctx, event)
	stats.add(entityType)
	return sourceID, true
}

// reconcileDeleted emits OpportunityDeleted for opportunities previously seen
// in the source but absent from this full fetch.
func (h *Handler) reconcileDeleted(ctx context.Context, jobID string, seen map[int64]bool, stats *jobStats, log *logger.Logger) error {
	known, err := h.raw.LatestSourceIDs(ctx, EntityOpportunity)
	if err != nil {
		return err
	}

	for _, sourceID := range known {
		if seen[sourceID] {
			continue
		}

		if err := h.raw.MarkDeleted(ctx, EntityOpportunity, sourceID); err != nil {
			log.Error().Err(err).Int64("source_id", sourceID).Msg("Failed to mark raw record deleted")
			stats.addError()
			continue
		}

		event := eventstore.NewEvent(
			eventstore.EventTypeOpportunityDeleted,
			eventstore.AggregateOpportunity,
			fmt.Sprintf("opportunity-%d", sourceID),
			map[string]interface{}{
				"id":     sourceID,
				"reason": "removed_from_source",
			},
		).WithMetadata(eventstore.Metadata{
			Source:        metadataSource,
			CorrelationID: jobID,
		})

		if _, err := h.events.Append(ctx, event); err != nil {
			log.Error().Err(err).Int64("source_id", sourceID).Msg("Deletion event append failed")
			stats.addError()
			continue
		}

		h.bus.Publish(ctx, event)
		stats.add("deleted_opportunities")

		log.Info().Int64("source_id", sourceID).Msg("Opportunity removed from source, soft-deleted")
	}

	return nil
}

// jobStats accumulates per-entity counts under a mutex; the worker pool
// updates it concurrently.
type jobStats struct {
	mu     sync.Mutex
	counts map[string]int
}

func newJobStats() *jobStats {
	return &jobStats{counts: map[string]int{}}
}

func (s *jobStats) add(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[key]++
	s.counts["total_events"]++
}

func (s *jobStats) addError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts["errors"]++
}

func (s *jobStats) snapshot() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}
