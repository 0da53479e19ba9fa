package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Job states. Pending jobs are eligible for dispatch once next_attempt_at
// passes; failed jobs stay on record as the dead letter set.
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusFailed     = "failed"
)

var (
	// ErrNotFound is returned when a job id does not exist, or a claim lost
	// the race against another dispatcher.
	ErrNotFound = errors.New("queue: job not found")

	// ErrPermanent marks a handler error that must not be retried. Wrap it
	// to send a job straight to the dead letter set.
	ErrPermanent = errors.New("queue: permanent job failure")
)

// Job is one unit of asynchronous work.
type Job struct {
	ID            string
	Label         string
	Payload       json.RawMessage
	Status        string
	Attempts      int
	MaxAttempts   int
	LastError     string
	LastAttemptAt time.Time
	NextAttemptAt time.Time
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

// Queue is the persistent job broker the pipeline runs on.
type Queue interface {
	// Enqueue adds a job ready for immediate dispatch.
	Enqueue(ctx context.Context, label string, payload interface{}) (string, error)

	// EnqueueDelayed adds a job that becomes eligible after the delay.
	EnqueueDelayed(ctx context.Context, label string, payload interface{}, delay time.Duration) (string, error)

	// EnqueueSingleton adds a job only when no pending job with the same
	// label exists. Returns an empty id when skipped.
	EnqueueSingleton(ctx context.Context, label string, payload interface{}) (string, error)

	// Dequeue returns pending jobs of one label that are due, oldest first.
	// Jobs stay pending until claimed with MarkProcessing.
	Dequeue(ctx context.Context, label string, limit int) ([]Job, error)

	// MarkProcessing claims a pending job and counts the attempt. Returns
	// ErrNotFound when the job is gone or already claimed.
	MarkProcessing(ctx context.Context, jobID string) error

	// MarkSuccess removes a completed job.
	MarkSuccess(ctx context.Context, jobID string) error

	// MarkFailed records a failed attempt and schedules the retry, or moves
	// the job to the dead letter set when its attempts are exhausted.
	MarkFailed(ctx context.Context, jobID, errMsg string, nextAttemptAt time.Time) error

	// FailPermanently moves a job to the dead letter set regardless of its
	// remaining attempts.
	FailPermanently(ctx context.Context, jobID, errMsg string) error

	// RequeueStale returns jobs stuck in processing since before the cutoff
	// back to pending, recovering work lost to a crashed worker.
	RequeueStale(ctx context.Context, cutoff time.Time) (int, error)

	// PendingByLabel reports the current backlog per label.
	PendingByLabel(ctx context.Context) (map[string]int, error)
}

// marshalPayload renders an enqueue payload, defaulting to an empty object.
func marshalPayload(payload interface{}) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage(`{}`), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
