package queue

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler enqueues repeatable jobs on fixed intervals or cron expressions.
// Entries enqueue as singletons so a stalled worker does not pile up
// duplicate ticks.
type Scheduler struct {
	cron   *cron.Cron
	queue  Queue
	logger zerolog.Logger
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(q Queue, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		queue:  q,
		logger: logger,
	}
}

// Every schedules a label on a fixed interval.
func (s *Scheduler) Every(interval time.Duration, label string) {
	s.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		s.enqueue(label)
	}))
}

// Cron schedules a label on a standard five-field cron expression.
func (s *Scheduler) Cron(spec, label string) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.enqueue(label)
	})
	return err
}

func (s *Scheduler) enqueue(label string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := s.queue.EnqueueSingleton(ctx, label, nil)
	if err != nil {
		s.logger.Error().Err(err).Str("label", label).Msg("failed to enqueue scheduled job")
		return
	}
	if id == "" {
		s.logger.Debug().Str("label", label).Msg("scheduled job already pending, skipped")
	}
}

// Start begins firing schedule entries.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop waits for any running entry to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
