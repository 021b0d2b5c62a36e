// jobs.go implements the job ledger: durable work items, their state
// machine, and the append-only activity log.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	StatusQueued          JobStatus = "queued"
	StatusRunning         JobStatus = "running"
	StatusWaitingForInput JobStatus = "waiting_for_input"
	StatusPaused          JobStatus = "paused"
	StatusCompleted       JobStatus = "completed"
	StatusFailed          JobStatus = "failed"
)

// Job is one unit of work: a user request and its processing lifecycle.
type Job struct {
	ID        string
	AccountID string
	OrgID     string
	UserID    string
	Status    JobStatus
	Type      string
	Title     string
	// Message is the full user request text.
	Message string
	// Transcript is the serialized conversation (see agent.Transcript).
	Transcript []byte
	// ChannelID and ThreadTS reference the originating conversation thread.
	ChannelID string
	ThreadTS  string
	// PendingQuestion is set while the job waits for user input.
	PendingQuestion string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
	DurationMS      int64
	Turns           int
	ToolCalls       int
}

// JobLogEntry is one append-only log line tied to a job.
type JobLogEntry struct {
	ID        int64
	JobID     string
	Level     string
	Message   string
	CreatedAt time.Time
}

// JobArtifact is a write-once output reference tied to a job.
type JobArtifact struct {
	ID          string
	JobID       string
	Name        string
	ContentType string
	Body        []byte
	CreatedAt   time.Time
}

const jobColumns = `id, account_id, org_id, user_id, status, type, title, message,
	transcript, channel_id, thread_ts, pending_question,
	created_at, updated_at, completed_at, duration_ms, turns, tool_calls`

// CreateJob inserts a new job in status queued. ID and timestamps are
// filled in when empty.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = StatusQueued
	}
	if job.Type == "" {
		job.Type = "chat"
	}
	ts := now()
	job.CreatedAt = parseTime(ts)
	job.UpdatedAt = job.CreatedAt

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, account_id, org_id, user_id, status, type, title, message,
			transcript, channel_id, thread_ts, pending_question, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?)`,
		job.ID, job.AccountID, job.OrgID, job.UserID, string(job.Status), job.Type,
		job.Title, job.Message, string(job.Transcript), job.ChannelID, job.ThreadTS, ts, ts)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	s.logger.Info("job created",
		"job_id", job.ID,
		"org_id", job.OrgID,
		"type", job.Type,
	)
	return nil
}

// GetJob loads a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// LatestJobForThread returns the most recent job anchored to the given
// conversation thread, or ErrNotFound. Used for thread affinity in org
// resolution.
func (s *Store) LatestJobForThread(ctx context.Context, channelID, threadTS string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE channel_id = ? AND thread_ts = ?
		 ORDER BY created_at DESC LIMIT 1`, channelID, threadTS)
	return scanJob(row)
}

// ActiveJobCountForOrg counts jobs in queued or running for the org.
func (s *Store) ActiveJobCountForOrg(ctx context.Context, orgID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE org_id = ? AND status IN (?, ?)`,
		orgID, string(StatusQueued), string(StatusRunning)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return n, nil
}

// MarkJobRunning transitions queued → running.
func (s *Store) MarkJobRunning(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusRunning,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(StatusRunning), now(), id, string(StatusQueued))
}

// MarkJobCompleted transitions running → completed, recording the
// completion timestamp and wall-clock duration.
func (s *Store) MarkJobCompleted(ctx context.Context, id string) error {
	ts := now()
	return s.transition(ctx, id, StatusCompleted, `
		UPDATE jobs SET status = ?, updated_at = ?, completed_at = ?,
			duration_ms = CAST((julianday(?) - julianday(created_at)) * 86400000 AS INTEGER)
		WHERE id = ? AND status = ?`,
		string(StatusCompleted), ts, ts, ts, id, string(StatusRunning))
}

// MarkJobFailed transitions running → failed.
func (s *Store) MarkJobFailed(ctx context.Context, id string) error {
	ts := now()
	return s.transition(ctx, id, StatusFailed, `
		UPDATE jobs SET status = ?, updated_at = ?, completed_at = ?,
			duration_ms = CAST((julianday(?) - julianday(created_at)) * 86400000 AS INTEGER)
		WHERE id = ? AND status = ?`,
		string(StatusFailed), ts, ts, ts, id, string(StatusRunning))
}

// MarkJobWaiting transitions running → waiting_for_input, storing the
// question the agent needs answered.
func (s *Store) MarkJobWaiting(ctx context.Context, id, question string) error {
	return s.transition(ctx, id, StatusWaitingForInput, `
		UPDATE jobs SET status = ?, updated_at = ?, pending_question = ?
		WHERE id = ? AND status = ?`,
		string(StatusWaitingForInput), now(), question, id, string(StatusRunning))
}

// RequeueJob moves a running job back to queued. This is the worker's
// at-least-once retry path after a mid-flight failure; user-facing APIs
// never expose it.
func (s *Store) RequeueJob(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusQueued,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(StatusQueued), now(), id, string(StatusRunning))
}

// RespondJob is the "respond" control action: waiting_for_input/paused →
// running, clearing the pending question and recording the user's answer
// as the message the resumed run picks up. A log entry records the action.
func (s *Store) RespondJob(ctx context.Context, id, answer string) error {
	err := s.transition(ctx, id, StatusRunning, `
		UPDATE jobs SET status = ?, updated_at = ?, pending_question = '', message = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(StatusRunning), now(), answer, id,
		string(StatusWaitingForInput), string(StatusPaused))
	if err != nil {
		return err
	}
	return s.AppendJobLog(ctx, id, "info", "user responded; job resumed")
}

// RetryJob is the "retry" control action: failed → queued, clearing the
// completion timestamp, duration, and any pending-question marker.
// A log entry records the action.
func (s *Store) RetryJob(ctx context.Context, id string) error {
	err := s.transition(ctx, id, StatusQueued, `
		UPDATE jobs SET status = ?, updated_at = ?, completed_at = NULL,
			duration_ms = 0, pending_question = ''
		WHERE id = ? AND status = ?`,
		string(StatusQueued), now(), id, string(StatusFailed))
	if err != nil {
		return err
	}
	return s.AppendJobLog(ctx, id, "info", "user requested retry; job requeued")
}

// SaveTranscript persists the serialized conversation. Called after every
// agent turn as a crash-safety checkpoint.
func (s *Store) SaveTranscript(ctx context.Context, id string, transcript []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET transcript = ?, updated_at = ? WHERE id = ?`,
		string(transcript), now(), id)
	if err != nil {
		return fmt.Errorf("save transcript: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateJobCounters records turn/tool-call counts for observability.
func (s *Store) UpdateJobCounters(ctx context.Context, id string, turns, toolCalls int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET turns = ?, tool_calls = ?, updated_at = ? WHERE id = ?`,
		turns, toolCalls, now(), id)
	if err != nil {
		return fmt.Errorf("update job counters: %w", err)
	}
	return nil
}

// AppendJobLog appends one log line for a job. Log entries are never
// mutated or deleted.
func (s *Store) AppendJobLog(ctx context.Context, jobID, level, message string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_logs (job_id, level, message, created_at) VALUES (?, ?, ?, ?)`,
		jobID, level, message, now())
	if err != nil {
		return fmt.Errorf("append job log: %w", err)
	}
	return nil
}

// ListJobLogs returns all log entries for a job, oldest first.
func (s *Store) ListJobLogs(ctx context.Context, jobID string) ([]JobLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, level, message, created_at FROM job_logs
		 WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job logs: %w", err)
	}
	defer rows.Close()

	var out []JobLogEntry
	for rows.Next() {
		var e JobLogEntry
		var ts string
		if err := rows.Scan(&e.ID, &e.JobID, &e.Level, &e.Message, &ts); err != nil {
			return nil, fmt.Errorf("scan job log: %w", err)
		}
		e.CreatedAt = parseTime(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// AddJobArtifact stores a write-once output artifact for a job.
func (s *Store) AddJobArtifact(ctx context.Context, a *JobArtifact) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.ContentType == "" {
		a.ContentType = "text/plain"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_artifacts (id, job_id, name, content_type, body, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.JobID, a.Name, a.ContentType, a.Body, now())
	if err != nil {
		return fmt.Errorf("add job artifact: %w", err)
	}
	return nil
}

// transition runs a guarded status update. Zero rows affected means either
// the job does not exist (ErrNotFound) or it is in a state the transition
// does not accept (ErrConflict).
func (s *Store) transition(ctx context.Context, id string, to JobStatus, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition job to %s: %w", to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition job to %s: %w", to, err)
	}
	if n == 0 {
		var current string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("transition job to %s: %w", to, err)
		}
		return fmt.Errorf("job %s is %s, cannot move to %s: %w", id, current, to, ErrConflict)
	}

	s.logger.Debug("job transitioned", "job_id", id, "to", string(to))
	return nil
}

// scanJob reads one job row.
func scanJob(row *sql.Row) (*Job, error) {
	var j Job
	var status, transcript, created, updated string
	var completed sql.NullString
	err := row.Scan(&j.ID, &j.AccountID, &j.OrgID, &j.UserID, &status, &j.Type,
		&j.Title, &j.Message, &transcript, &j.ChannelID, &j.ThreadTS,
		&j.PendingQuestion, &created, &updated, &completed,
		&j.DurationMS, &j.Turns, &j.ToolCalls)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.Status = JobStatus(status)
	j.Transcript = []byte(transcript)
	j.CreatedAt = parseTime(created)
	j.UpdatedAt = parseTime(updated)
	if completed.Valid && strings.TrimSpace(completed.String) != "" {
		t := parseTime(completed.String)
		j.CompletedAt = &t
	}
	return &j, nil
}
