package sync

import (
	"context"
	"time"

	"github.com/salescommand/backbone/pkg/errors"
	"github.com/salescommand/backbone/pkg/logger"
)

// Scheduler triggers periodic background syncs. The single-running-job
// invariant in the job store prevents overlapping runs; a tick that lands
// while a job is still running is skipped.
type Scheduler struct {
	service  *Service
	interval time.Duration
	log      *logger.Logger
	stop     chan struct{}
	done     chan struct{}
}

// NewScheduler creates a scheduler for the given sync service.
func NewScheduler(service *Service, interval time.Duration, log *logger.Logger) *Scheduler {
	return &Scheduler{
		service:  service,
		interval: interval,
		log:      log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the schedule loop until Stop is called.
func (s *Scheduler) Start() {
	go s.loop()
	s.log.Info().Dur("interval", s.interval).Msg("Background sync scheduler started")
}

func (s *Scheduler) loop() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	job, err := s.service.Trigger(ctx, "scheduler", TriggerScheduled)
	if err != nil {
		if errors.Is(err, errors.ErrCodeSyncRunning) {
			s.log.Debug().Msg("Previous sync still running, tick skipped")
			return
		}
		s.log.Error().Err(err).Msg("Scheduled sync trigger failed")
		return
	}

	s.log.Info().JobID(job.ID).Msg("Scheduled sync triggered")
}

// Stop halts the schedule loop and waits for it to exit.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
	s.log.Info().Msg("Background sync scheduler stopped")
}
