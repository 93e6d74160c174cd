package sync

import (
	"context"

	"github.com/salescommand/backbone/pkg/config"
	"github.com/salescommand/backbone/pkg/logger"
	"github.com/salescommand/backbone/pkg/tracer"
)

// Service owns the sync job lifecycle: it enforces the single-running-job
// invariant, runs the command handler in a background task under the job
// deadline, and records the outcome on the job document.
type Service struct {
	jobs    *JobStore
	handler *Handler
	cfg     *config.SyncConfig
	tr      *tracer.Tracer
	log     *logger.Logger
}

// NewService creates a sync service.
func NewService(jobs *JobStore, handler *Handler, cfg *config.SyncConfig, tr *tracer.Tracer, log *logger.Logger) *Service {
	return &Service{
		jobs:    jobs,
		handler: handler,
		cfg:     cfg,
		tr:      tr,
		log:     log,
	}
}

// Trigger starts a new sync job and returns immediately. A second trigger
// while a job is running returns a SYNC_ALREADY_RUNNING conflict.
func (s *Service) Trigger(ctx context.Context, triggeredBy string, source TriggerSource) (*Job, error) {
	job, err := s.jobs.Start(ctx, triggeredBy, source)
	if err != nil {
		return nil, err
	}

	go s.run(job.ID)

	return job, nil
}

// run executes the sync job under its deadline and records the outcome.
func (s *Service) run(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobDeadline)
	defer cancel()

	ctx, span := s.tr.StartSpan(ctx, "sync.job", tracer.SyncJobID(jobID))
	defer span.End()

	stats, err := s.handler.HandleSyncCommand(ctx, jobID)

	// Outcome bookkeeping must survive the job deadline.
	finishCtx := context.Background()
	if err != nil {
		tracer.RecordError(ctx, err)
		if ferr := s.jobs.Fail(finishCtx, jobID, stats, err.Error()); ferr != nil {
			s.log.Error().Err(ferr).JobID(jobID).Msg("Failed to record job failure")
		}
		return
	}

	if cerr := s.jobs.Complete(finishCtx, jobID, stats); cerr != nil {
		s.log.Error().Err(cerr).JobID(jobID).Msg("Failed to record job completion")
	}
}

// Status returns the job document for the given id.
func (s *Service) Status(ctx context.Context, jobID string) (*Job, error) {
	return s.jobs.Get(ctx, jobID)
}

// LatestStatus returns the most recently started job.
func (s *Service) LatestStatus(ctx context.Context) (*Job, error) {
	return s.jobs.Latest(ctx)
}
