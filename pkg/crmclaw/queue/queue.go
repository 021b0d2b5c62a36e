// Package queue implements the durable dispatch queue that hands jobs to
// the worker pool. Entries live in the same SQLite database as the jobs
// they point at, keyed by job ID, so a job has at most one in-flight
// entry and the queue survives restarts. Delivery is at-least-once.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	statusQueued   = "queued"
	statusInflight = "inflight"
	statusDone     = "done"
	statusFailed   = "failed"
)

// tsFormat is fixed-width so the not_before string comparison in Claim
// follows chronological order.
const tsFormat = "2006-01-02T15:04:05.000000000Z"

const (
	DefaultMaxAttempts     = 3
	DefaultBackoffBase     = 30 * time.Second
	DefaultRetention       = 100
	DefaultInflightTimeout = 15 * time.Minute
)

// Entry is one claimed dispatch.
type Entry struct {
	JobID   string
	Attempt int
}

// Config carries the retry and retention tunables.
type Config struct {
	MaxAttempts int
	BackoffBase time.Duration
	Retention   int

	// InflightTimeout is how long a claimed entry may stay inflight
	// before it is considered orphaned by a dead worker.
	InflightTimeout time.Duration
}

// Queue coordinates dispatch of queued jobs to workers.
type Queue struct {
	db              *sql.DB
	maxAttempts     int
	backoffBase     time.Duration
	retention       int
	inflightTimeout time.Duration
	logger          *slog.Logger

	clock func() time.Time
}

// New creates a queue on the given database. The dispatch_queue table is
// part of the store schema.
func New(db *sql.DB, cfg Config, logger *slog.Logger) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.InflightTimeout <= 0 {
		cfg.InflightTimeout = DefaultInflightTimeout
	}
	return &Queue{
		db:              db,
		maxAttempts:     cfg.MaxAttempts,
		backoffBase:     cfg.BackoffBase,
		retention:       cfg.Retention,
		inflightTimeout: cfg.InflightTimeout,
		logger:          logger.With("component", "queue"),
		clock:           time.Now,
	}
}

// SetClock overrides the time source for tests.
func (q *Queue) SetClock(fn func() time.Time) { q.clock = fn }

// Enqueue makes a job eligible for dispatch. A job that already has a
// live (queued or inflight) entry is left alone; a terminal entry is
// reset so the job runs again with a fresh attempt budget.
func (q *Queue) Enqueue(ctx context.Context, jobID string) error {
	now := q.clock().UTC().Format(tsFormat)
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO dispatch_queue (job_id, status, attempts, not_before, last_error, created_at, updated_at)
		VALUES (?, ?, 0, ?, '', ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			status = excluded.status,
			attempts = 0,
			not_before = excluded.not_before,
			last_error = '',
			updated_at = excluded.updated_at
		WHERE dispatch_queue.status IN (?, ?)`,
		jobID, statusQueued, now, now, now, statusDone, statusFailed)
	if err != nil {
		return fmt.Errorf("enqueueing job %s: %w", jobID, err)
	}
	q.logger.Debug("job enqueued", "job_id", jobID)
	return nil
}

// Claim atomically takes the oldest due entry for processing. Returns
// (nil, nil) when nothing is due.
func (q *Queue) Claim(ctx context.Context) (*Entry, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting claim: %w", err)
	}
	defer tx.Rollback()

	now := q.clock().UTC().Format(tsFormat)

	var entry Entry
	err = tx.QueryRowContext(ctx, `
		SELECT job_id, attempts FROM dispatch_queue
		WHERE status = ? AND not_before <= ?
		ORDER BY created_at
		LIMIT 1`, statusQueued, now).Scan(&entry.JobID, &entry.Attempt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting due entry: %w", err)
	}

	entry.Attempt++
	_, err = tx.ExecContext(ctx, `
		UPDATE dispatch_queue SET status = ?, attempts = ?, updated_at = ?
		WHERE job_id = ? AND status = ?`,
		statusInflight, entry.Attempt, now, entry.JobID, statusQueued)
	if err != nil {
		return nil, fmt.Errorf("claiming job %s: %w", entry.JobID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return &entry, nil
}

// Ack marks a claimed entry as successfully processed.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	now := q.clock().UTC().Format(tsFormat)
	_, err := q.db.ExecContext(ctx, `
		UPDATE dispatch_queue SET status = ?, updated_at = ? WHERE job_id = ?`,
		statusDone, now, jobID)
	if err != nil {
		return fmt.Errorf("acking job %s: %w", jobID, err)
	}
	return nil
}

// Nack records a processing failure. If attempts remain, the entry goes
// back to queued with an exponential delay; otherwise it is marked
// failed and exhausted=true is returned so the caller can give up on the
// job and tell the user.
func (q *Queue) Nack(ctx context.Context, jobID string, cause error) (exhausted bool, err error) {
	var attempts int
	row := q.db.QueryRowContext(ctx,
		`SELECT attempts FROM dispatch_queue WHERE job_id = ?`, jobID)
	if err := row.Scan(&attempts); err != nil {
		return false, fmt.Errorf("loading attempts for job %s: %w", jobID, err)
	}

	now := q.clock().UTC()
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}

	if attempts >= q.maxAttempts {
		_, err := q.db.ExecContext(ctx, `
			UPDATE dispatch_queue SET status = ?, last_error = ?, updated_at = ?
			WHERE job_id = ?`,
			statusFailed, lastError, now.Format(tsFormat), jobID)
		if err != nil {
			return false, fmt.Errorf("failing job %s: %w", jobID, err)
		}
		q.logger.Warn("dispatch attempts exhausted", "job_id", jobID, "attempts", attempts)
		return true, nil
	}

	delay := q.backoff(attempts)
	_, err = q.db.ExecContext(ctx, `
		UPDATE dispatch_queue SET status = ?, not_before = ?, last_error = ?, updated_at = ?
		WHERE job_id = ?`,
		statusQueued, now.Add(delay).Format(tsFormat), lastError,
		now.Format(tsFormat), jobID)
	if err != nil {
		return false, fmt.Errorf("requeueing job %s: %w", jobID, err)
	}
	q.logger.Info("dispatch retry scheduled",
		"job_id", jobID, "attempt", attempts, "delay", delay)
	return false, nil
}

// backoff returns the delay before the next attempt: base doubled per
// completed attempt.
func (q *Queue) backoff(attempts int) time.Duration {
	delay := q.backoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
	}
	return delay
}

// Reclaim returns inflight entries older than the inflight timeout to
// queued so a process crash mid-job does not strand the delivery.
// Attempts are kept: a job that repeatedly kills its worker still
// exhausts its budget. Returns how many entries were reclaimed.
func (q *Queue) Reclaim(ctx context.Context) (int64, error) {
	now := q.clock().UTC()
	cutoff := now.Add(-q.inflightTimeout).Format(tsFormat)
	res, err := q.db.ExecContext(ctx, `
		UPDATE dispatch_queue SET status = ?, not_before = ?, updated_at = ?
		WHERE status = ? AND updated_at <= ?`,
		statusQueued, now.Format(tsFormat), now.Format(tsFormat),
		statusInflight, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaiming stalled entries: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.logger.Warn("stalled inflight entries requeued", "count", n)
	}
	return n, nil
}

// Depth reports how many entries are currently queued or inflight.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM dispatch_queue WHERE status IN (?, ?)`,
		statusQueued, statusInflight).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting queue depth: %w", err)
	}
	return n, nil
}

// Prune removes terminal entries beyond the retention count, oldest
// first, and returns how many were dropped.
func (q *Queue) Prune(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM dispatch_queue
		WHERE status IN (?, ?)
		AND job_id NOT IN (
			SELECT job_id FROM dispatch_queue
			WHERE status IN (?, ?)
			ORDER BY updated_at DESC
			LIMIT ?
		)`,
		statusDone, statusFailed, statusDone, statusFailed, q.retention)
	if err != nil {
		return 0, fmt.Errorf("pruning queue: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.logger.Debug("queue pruned", "removed", n)
	}
	return n, nil
}
