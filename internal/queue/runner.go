package queue

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/bundlepay/server/internal/config"
	"github.com/bundlepay/server/internal/metrics"
)

// staleClaimAge is how long a claim may sit in processing before the
// housekeeping loop assumes its worker died and requeues it. It must exceed
// the longest job timeout or a slow job would run twice.
const staleClaimAge = time.Hour

// Runner owns one worker per registered label plus the housekeeping loop
// that recovers stale claims and reports backlog depth.
type Runner struct {
	queue    Queue
	cfg      config.QueueConfig
	retry    RetryPolicy
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	workers  []*Worker
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewRunner creates an empty runner. Register handlers with Handle before
// calling Start.
func NewRunner(q Queue, cfg config.QueueConfig, logger zerolog.Logger, m *metrics.Metrics) *Runner {
	return &Runner{
		queue:    q,
		cfg:      cfg,
		retry:    RetryPolicyFromConfig(cfg.Retry),
		logger:   logger,
		metrics:  m,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Handle registers the handler for a label and builds its worker with the
// configured concurrency and timeouts.
func (r *Runner) Handle(label string, handler HandlerFunc) {
	r.workers = append(r.workers, NewWorker(WorkerOptions{
		Queue:        r.queue,
		Label:        label,
		Handler:      handler,
		Concurrency:  r.concurrencyFor(label),
		JobTimeout:   DefaultJobTimeouts[label],
		PollInterval: r.cfg.PollInterval.Duration,
		Retry:        r.retry,
		Logger:       r.logger,
		Metrics:      r.metrics,
	}))
}

func (r *Runner) concurrencyFor(label string) int {
	if n, ok := r.cfg.Concurrency[label]; ok && n > 0 {
		return n
	}
	if n, ok := DefaultConcurrency[label]; ok {
		return n
	}
	return 1
}

// Start launches every registered worker and the housekeeping loop.
func (r *Runner) Start(ctx context.Context) {
	for _, w := range r.workers {
		w.Start(ctx)
	}
	go r.housekeeping(ctx)
}

// Stop drains the workers and stops housekeeping.
func (r *Runner) Stop() {
	close(r.stopChan)
	<-r.doneChan
	for _, w := range r.workers {
		w.Stop()
	}
}

func (r *Runner) housekeeping(ctx context.Context) {
	defer close(r.doneChan)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			if n, err := r.queue.RequeueStale(ctx, time.Now().Add(-staleClaimAge)); err != nil {
				r.logger.Error().Err(err).Msg("failed to requeue stale jobs")
			} else if n > 0 {
				r.logger.Warn().Int("count", n).Msg("requeued stale job claims")
			}

			if r.metrics != nil {
				counts, err := r.queue.PendingByLabel(ctx)
				if err != nil {
					r.logger.Error().Err(err).Msg("failed to count pending jobs")
					continue
				}
				for _, w := range r.workers {
					r.metrics.SetQueueDepth(w.label, float64(counts[w.label]))
				}
			}
		}
	}
}
