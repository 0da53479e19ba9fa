package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bundlepay/server/internal/config"
	"github.com/bundlepay/server/internal/metrics"
)

// HandlerFunc processes one job. A nil return completes the job; an error
// schedules a retry unless it wraps ErrPermanent.
type HandlerFunc func(ctx context.Context, job Job) error

// RetryPolicy holds exponential backoff settings for failed jobs.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRetryPolicy backs off from one second to five minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: time.Second,
		MaxInterval:     5 * time.Minute,
		Multiplier:      2.0,
	}
}

// RetryPolicyFromConfig builds a policy from configuration, filling unset
// fields from the defaults.
func RetryPolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	p := DefaultRetryPolicy()
	if cfg.InitialInterval.Duration > 0 {
		p.InitialInterval = cfg.InitialInterval.Duration
	}
	if cfg.MaxInterval.Duration > 0 {
		p.MaxInterval = cfg.MaxInterval.Duration
	}
	if cfg.Multiplier > 0 {
		p.Multiplier = cfg.Multiplier
	}
	return p
}

// Worker polls one label and dispatches due jobs to a bounded set of
// goroutines.
type Worker struct {
	queue        Queue
	label        string
	handler      HandlerFunc
	concurrency  int
	jobTimeout   time.Duration
	pollInterval time.Duration
	retry        RetryPolicy
	logger       zerolog.Logger
	metrics      *metrics.Metrics
	stopChan     chan struct{}
	doneChan     chan struct{}
	sem          chan struct{}
	wg           sync.WaitGroup
}

// WorkerOptions configures a label worker.
type WorkerOptions struct {
	Queue        Queue
	Label        string
	Handler      HandlerFunc
	Concurrency  int           // Parallel jobs for this label (default: 1)
	JobTimeout   time.Duration // Per-job handler deadline (default: 5m)
	PollInterval time.Duration // Dequeue poll tick (default: 1s)
	Retry        RetryPolicy
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
}

// NewWorker creates a worker for one label.
func NewWorker(opts WorkerOptions) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 5 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Retry.InitialInterval <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}

	return &Worker{
		queue:        opts.Queue,
		label:        opts.Label,
		handler:      opts.Handler,
		concurrency:  opts.Concurrency,
		jobTimeout:   opts.JobTimeout,
		pollInterval: opts.PollInterval,
		retry:        opts.Retry,
		logger:       opts.Logger.With().Str("label", opts.Label).Logger(),
		metrics:      opts.Metrics,
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
		sem:          make(chan struct{}, opts.Concurrency),
	}
}

// Start begins polling for jobs.
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop drains in-flight jobs and returns once the worker has exited.
func (w *Worker) Stop() {
	close(w.stopChan)
	<-w.doneChan
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.doneChan)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.logger.Info().
		Int("concurrency", w.concurrency).
		Dur("pollInterval", w.pollInterval).
		Msg("queue worker started")

	for {
		select {
		case <-w.stopChan:
			w.logger.Info().Msg("queue worker stopping")
			return
		case <-ticker.C:
			w.processQueue(ctx)
		}
	}
}

// processQueue claims due jobs and hands them to the worker pool. Claims
// happen on the dispatch goroutine so a job dequeued twice across ticks is
// still run once.
func (w *Worker) processQueue(ctx context.Context) {
	jobs, err := w.queue.Dequeue(ctx, w.label, w.concurrency)
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to dequeue jobs")
		return
	}

	for _, job := range jobs {
		select {
		case w.sem <- struct{}{}:
		case <-w.stopChan:
			return
		}

		if err := w.queue.MarkProcessing(ctx, job.ID); err != nil {
			<-w.sem
			if !errors.Is(err, ErrNotFound) {
				w.logger.Error().Err(err).Str("jobID", job.ID).Msg("failed to claim job")
			}
			continue
		}
		job.Attempts++

		w.wg.Add(1)
		go func(job Job) {
			defer w.wg.Done()
			defer func() { <-w.sem }()
			w.runJob(ctx, job)
		}(job)
	}
}

// runJob executes one claimed job and records its outcome.
func (w *Worker) runJob(ctx context.Context, job Job) {
	startTime := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	err := w.handler(reqCtx, job)
	cancel()

	duration := time.Since(startTime)

	if err == nil {
		if markErr := w.queue.MarkSuccess(ctx, job.ID); markErr != nil {
			w.logger.Error().Err(markErr).Str("jobID", job.ID).Msg("failed to mark job successful")
		}
		if w.metrics != nil {
			w.metrics.ObserveJob(w.label, "success", duration)
		}
		w.logger.Debug().
			Str("jobID", job.ID).
			Int("attempts", job.Attempts).
			Dur("duration", duration).
			Msg("job completed")
		return
	}

	if errors.Is(err, ErrPermanent) {
		if markErr := w.queue.FailPermanently(ctx, job.ID, err.Error()); markErr != nil {
			w.logger.Error().Err(markErr).Str("jobID", job.ID).Msg("failed to mark job failed")
		}
		if w.metrics != nil {
			w.metrics.ObserveJob(w.label, "dlq", duration)
		}
		w.logger.Warn().
			Str("jobID", job.ID).
			Int("attempts", job.Attempts).
			Err(err).
			Msg("job failed permanently")
		return
	}

	backoff := w.calculateBackoff(job.Attempts)
	nextAttemptAt := time.Now().Add(backoff)
	if markErr := w.queue.MarkFailed(ctx, job.ID, err.Error(), nextAttemptAt); markErr != nil {
		w.logger.Error().Err(markErr).Str("jobID", job.ID).Msg("failed to mark job failed")
		return
	}

	if job.Attempts >= job.MaxAttempts {
		if w.metrics != nil {
			w.metrics.ObserveJob(w.label, "dlq", duration)
		}
		w.logger.Warn().
			Str("jobID", job.ID).
			Int("attempts", job.Attempts).
			Err(err).
			Msg("job failed after all retries")
	} else {
		if w.metrics != nil {
			w.metrics.ObserveJob(w.label, "retry", duration)
		}
		w.logger.Warn().
			Str("jobID", job.ID).
			Int("attempts", job.Attempts).
			Time("nextAttempt", nextAttemptAt).
			Err(err).
			Msg("job failed, scheduled for retry")
	}
}

// calculateBackoff returns the backoff duration for the given attempt number.
func (w *Worker) calculateBackoff(attempt int) time.Duration {
	backoff := w.retry.InitialInterval

	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * w.retry.Multiplier)
		if backoff > w.retry.MaxInterval {
			backoff = w.retry.MaxInterval
			break
		}
	}

	return backoff
}
