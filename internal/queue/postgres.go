package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bundlepay/server/internal/dbpool"
)

// jobColumns is the column list used by every job query.
const jobColumns = `id, label, payload, status, attempts, max_attempts, last_error, last_attempt_at, next_attempt_at, created_at, completed_at`

// PostgresQueue is the durable Queue implementation. Jobs survive restarts
// and a crashed worker's claims are recovered by RequeueStale.
type PostgresQueue struct {
	db          *sql.DB
	tableName   string
	maxAttempts map[string]int
}

// NewPostgresQueue binds the queue to the writer pool and creates the job
// table if missing.
func NewPostgresQueue(pool *dbpool.SharedPool, maxAttempts map[string]int) (*PostgresQueue, error) {
	q := &PostgresQueue{
		db:          pool.DB(),
		tableName:   "job_queue",
		maxAttempts: maxAttempts,
	}
	if err := q.createTable(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *PostgresQueue) createTable() error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			label TEXT NOT NULL,
			payload JSONB NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 5,
			last_error TEXT NOT NULL DEFAULT '',
			last_attempt_at TIMESTAMPTZ,
			next_attempt_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_job_queue_ready ON %s (label, status, next_attempt_at);
	`, q.tableName, q.tableName)

	if _, err := q.db.Exec(schema); err != nil {
		return fmt.Errorf("create job queue table: %w", err)
	}
	return nil
}

// maxAttemptsFor resolves the retry budget for a label.
func (q *PostgresQueue) maxAttemptsFor(label string) int {
	if n, ok := q.maxAttempts[label]; ok && n > 0 {
		return n
	}
	if n, ok := DefaultMaxAttempts[label]; ok {
		return n
	}
	return 5
}

func (q *PostgresQueue) insert(ctx context.Context, label string, payload interface{}, nextAttemptAt time.Time, singleton bool) (string, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return "", fmt.Errorf("marshal job payload: %w", err)
	}

	id := uuid.NewString()
	now := time.Now().UTC()

	var query string
	if singleton {
		query = fmt.Sprintf(`
			INSERT INTO %s (id, label, payload, status, attempts, max_attempts, next_attempt_at, created_at)
			SELECT $1, $2, $3, $4, 0, $5, $6, $7
			WHERE NOT EXISTS (SELECT 1 FROM %s WHERE label = $2 AND status = $4)`,
			q.tableName, q.tableName)
	} else {
		query = fmt.Sprintf(`
			INSERT INTO %s (id, label, payload, status, attempts, max_attempts, next_attempt_at, created_at)
			VALUES ($1, $2, $3, $4, 0, $5, $6, $7)`, q.tableName)
	}

	res, err := q.db.ExecContext(ctx, query,
		id, label, []byte(raw), JobStatusPending, q.maxAttemptsFor(label), nextAttemptAt, now)
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	if n == 0 {
		return "", nil
	}
	return id, nil
}

// Enqueue adds a job ready for immediate dispatch.
func (q *PostgresQueue) Enqueue(ctx context.Context, label string, payload interface{}) (string, error) {
	return q.insert(ctx, label, payload, time.Now().UTC(), false)
}

// EnqueueDelayed adds a job that becomes eligible after the delay.
func (q *PostgresQueue) EnqueueDelayed(ctx context.Context, label string, payload interface{}, delay time.Duration) (string, error) {
	return q.insert(ctx, label, payload, time.Now().UTC().Add(delay), false)
}

// EnqueueSingleton adds a job only when no pending job with the same label
// exists.
func (q *PostgresQueue) EnqueueSingleton(ctx context.Context, label string, payload interface{}) (string, error) {
	return q.insert(ctx, label, payload, time.Now().UTC(), true)
}

func scanJob(sc interface{ Scan(...interface{}) error }) (Job, error) {
	var (
		job           Job
		payload       []byte
		lastAttemptAt sql.NullTime
		completedAt   sql.NullTime
	)
	err := sc.Scan(
		&job.ID, &job.Label, &payload, &job.Status, &job.Attempts, &job.MaxAttempts,
		&job.LastError, &lastAttemptAt, &job.NextAttemptAt, &job.CreatedAt, &completedAt)
	if err != nil {
		return Job{}, err
	}
	job.Payload = payload
	if lastAttemptAt.Valid {
		job.LastAttemptAt = lastAttemptAt.Time
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return job, nil
}

// Dequeue returns due pending jobs of one label, oldest first.
func (q *PostgresQueue) Dequeue(ctx context.Context, label string, limit int) ([]Job, error) {
	rows, err := q.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE label = $1 AND status = $2 AND next_attempt_at <= $3
		ORDER BY next_attempt_at ASC
		LIMIT $4`, jobColumns, q.tableName),
		label, JobStatusPending, time.Now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkProcessing claims a pending job and counts the attempt.
func (q *PostgresQueue) MarkProcessing(ctx context.Context, jobID string) error {
	res, err := q.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = $1, last_attempt_at = $2, attempts = attempts + 1
		WHERE id = $3 AND status = $4`, q.tableName),
		JobStatusProcessing, time.Now().UTC(), jobID, JobStatusPending)
	if err != nil {
		return fmt.Errorf("claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim job: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkSuccess removes a completed job.
func (q *PostgresQueue) MarkSuccess(ctx context.Context, jobID string) error {
	res, err := q.db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE id = $1`, q.tableName), jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed records a failed attempt and schedules the retry, or moves the
// job to the dead letter set when its attempts are exhausted.
func (q *PostgresQueue) MarkFailed(ctx context.Context, jobID, errMsg string, nextAttemptAt time.Time) error {
	var attempts, maxAttempts int
	err := q.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT attempts, max_attempts FROM %s WHERE id = $1`, q.tableName),
		jobID).Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("query job: %w", err)
	}

	now := time.Now().UTC()
	var query string
	var args []interface{}
	if attempts >= maxAttempts {
		query = fmt.Sprintf(`
			UPDATE %s
			SET status = $1, last_error = $2, last_attempt_at = $3, completed_at = $4
			WHERE id = $5`, q.tableName)
		args = []interface{}{JobStatusFailed, errMsg, now, now, jobID}
	} else {
		query = fmt.Sprintf(`
			UPDATE %s
			SET status = $1, last_error = $2, last_attempt_at = $3, next_attempt_at = $4
			WHERE id = $5`, q.tableName)
		args = []interface{}{JobStatusPending, errMsg, now, nextAttemptAt, jobID}
	}

	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailPermanently moves a job to the dead letter set.
func (q *PostgresQueue) FailPermanently(ctx context.Context, jobID, errMsg string) error {
	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = $1, last_error = $2, last_attempt_at = $3, completed_at = $4
		WHERE id = $5`, q.tableName),
		JobStatusFailed, errMsg, now, now, jobID)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueStale returns jobs stuck in processing since before the cutoff back
// to pending.
func (q *PostgresQueue) RequeueStale(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := q.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = $1, next_attempt_at = $2
		WHERE status = $3 AND last_attempt_at < $4`, q.tableName),
		JobStatusPending, time.Now().UTC(), JobStatusProcessing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	return int(n), nil
}

// PendingByLabel reports the current backlog per label.
func (q *PostgresQueue) PendingByLabel(ctx context.Context) (map[string]int, error) {
	rows, err := q.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT label, COUNT(*) FROM %s WHERE status = $1 GROUP BY label`, q.tableName),
		JobStatusPending)
	if err != nil {
		return nil, fmt.Errorf("count pending jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var label string
		var n int
		if err := rows.Scan(&label, &n); err != nil {
			return nil, fmt.Errorf("scan pending count: %w", err)
		}
		counts[label] = n
	}
	return counts, rows.Err()
}
