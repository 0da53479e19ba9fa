package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process Queue for tests and local development. Jobs
// do not survive restarts.
type MemoryQueue struct {
	mu          sync.RWMutex
	jobs        map[string]Job
	maxAttempts map[string]int
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{jobs: make(map[string]Job)}
}

func (m *MemoryQueue) maxAttemptsFor(label string) int {
	if n, ok := m.maxAttempts[label]; ok && n > 0 {
		return n
	}
	if n, ok := DefaultMaxAttempts[label]; ok {
		return n
	}
	return 5
}

func (m *MemoryQueue) insert(label string, payload interface{}, nextAttemptAt time.Time, singleton bool) (string, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return "", fmt.Errorf("marshal job payload: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if singleton {
		for _, job := range m.jobs {
			if job.Label == label && job.Status == JobStatusPending {
				return "", nil
			}
		}
	}

	job := Job{
		ID:            uuid.NewString(),
		Label:         label,
		Payload:       raw,
		Status:        JobStatusPending,
		MaxAttempts:   m.maxAttemptsFor(label),
		NextAttemptAt: nextAttemptAt,
		CreatedAt:     time.Now().UTC(),
	}
	m.jobs[job.ID] = job
	return job.ID, nil
}

// Enqueue adds a job ready for immediate dispatch.
func (m *MemoryQueue) Enqueue(ctx context.Context, label string, payload interface{}) (string, error) {
	return m.insert(label, payload, time.Now().UTC(), false)
}

// EnqueueDelayed adds a job that becomes eligible after the delay.
func (m *MemoryQueue) EnqueueDelayed(ctx context.Context, label string, payload interface{}, delay time.Duration) (string, error) {
	return m.insert(label, payload, time.Now().UTC().Add(delay), false)
}

// EnqueueSingleton adds a job only when no pending job with the same label
// exists.
func (m *MemoryQueue) EnqueueSingleton(ctx context.Context, label string, payload interface{}) (string, error) {
	return m.insert(label, payload, time.Now().UTC(), true)
}

// Dequeue returns due pending jobs of one label, oldest first.
func (m *MemoryQueue) Dequeue(ctx context.Context, label string, limit int) ([]Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	var ready []Job
	for _, job := range m.jobs {
		if job.Label == label && job.Status == JobStatusPending && !job.NextAttemptAt.After(now) {
			ready = append(ready, job)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		return ready[i].NextAttemptAt.Before(ready[j].NextAttemptAt)
	})
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	return ready, nil
}

// MarkProcessing claims a pending job and counts the attempt.
func (m *MemoryQueue) MarkProcessing(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok || job.Status != JobStatusPending {
		return ErrNotFound
	}
	job.Status = JobStatusProcessing
	job.LastAttemptAt = time.Now().UTC()
	job.Attempts++
	m.jobs[jobID] = job
	return nil
}

// MarkSuccess removes a completed job.
func (m *MemoryQueue) MarkSuccess(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[jobID]; !ok {
		return ErrNotFound
	}
	delete(m.jobs, jobID)
	return nil
}

// MarkFailed records a failed attempt and schedules the retry, or moves the
// job to the dead letter set when its attempts are exhausted.
func (m *MemoryQueue) MarkFailed(ctx context.Context, jobID, errMsg string, nextAttemptAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	job.LastError = errMsg
	job.LastAttemptAt = now
	if job.Attempts >= job.MaxAttempts {
		job.Status = JobStatusFailed
		job.CompletedAt = &now
	} else {
		job.Status = JobStatusPending
		job.NextAttemptAt = nextAttemptAt
	}
	m.jobs[jobID] = job
	return nil
}

// FailPermanently moves a job to the dead letter set.
func (m *MemoryQueue) FailPermanently(ctx context.Context, jobID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	job.Status = JobStatusFailed
	job.LastError = errMsg
	job.LastAttemptAt = now
	job.CompletedAt = &now
	m.jobs[jobID] = job
	return nil
}

// RequeueStale returns jobs stuck in processing since before the cutoff back
// to pending.
func (m *MemoryQueue) RequeueStale(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int
	now := time.Now().UTC()
	for id, job := range m.jobs {
		if job.Status == JobStatusProcessing && job.LastAttemptAt.Before(cutoff) {
			job.Status = JobStatusPending
			job.NextAttemptAt = now
			m.jobs[id] = job
			n++
		}
	}
	return n, nil
}

// PendingByLabel reports the current backlog per label.
func (m *MemoryQueue) PendingByLabel(ctx context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int)
	for _, job := range m.jobs {
		if job.Status == JobStatusPending {
			counts[job.Label]++
		}
	}
	return counts, nil
}

// Job returns a job by id, for tests and the admin surface.
func (m *MemoryQueue) Job(jobID string) (Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[jobID]
	return job, ok
}
