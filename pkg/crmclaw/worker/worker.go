// Package worker runs the fixed pool that drains the dispatch queue and
// drives the agent loop. The pool owns every job-failure decision: the
// loop reports errors, the pool decides between a retry with backoff and
// a terminal failure, and it is the only place that tells the user a job
// died.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/crmclaw/pkg/crmclaw/agent"
	"github.com/jholhewres/crmclaw/pkg/crmclaw/queue"
	"github.com/jholhewres/crmclaw/pkg/crmclaw/store"
)

const (
	DefaultWorkers      = 3
	DefaultPollInterval = 2 * time.Second
)

// Config carries the pool tunables.
type Config struct {
	Workers      int
	PollInterval time.Duration
}

// Runner drives one job to completion. Implemented by agent.Loop.
type Runner interface {
	Run(ctx context.Context, jobID string) error
}

// JobStore is the slice of the ledger the pool settles jobs against.
// Implemented by store.Store.
type JobStore interface {
	GetJob(ctx context.Context, id string) (*store.Job, error)
	MarkJobRunning(ctx context.Context, id string) error
	MarkJobFailed(ctx context.Context, id string) error
	RequeueJob(ctx context.Context, id string) error
	AppendJobLog(ctx context.Context, jobID, level, message string) error
}

// Pool is a fixed set of workers processing dispatched jobs.
type Pool struct {
	queue   *queue.Queue
	store   JobStore
	loop    Runner
	replier agent.Replier
	workers int
	poll    time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewPool wires a worker pool.
func NewPool(q *queue.Queue, st JobStore, loop Runner, replier agent.Replier, cfg Config, logger *slog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Pool{
		queue:   q,
		store:   st,
		loop:    loop,
		replier: replier,
		workers: cfg.Workers,
		poll:    cfg.PollInterval,
		logger:  logger.With("component", "worker"),
	}
}

// Start launches the workers. They run until ctx is cancelled; call Wait
// to block for drain.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	p.logger.Info("worker pool started", "workers", p.workers)
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.With("worker", id)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		entry, err := p.queue.Claim(ctx)
		if err != nil {
			logger.Error("claim failed", "error", err)
			p.sleep(ctx)
			continue
		}
		if entry == nil {
			p.sleep(ctx)
			continue
		}
		p.process(ctx, entry, logger)
	}
}

func (p *Pool) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.poll):
	}
}

// process runs one claimed job through the loop and settles the queue
// entry according to the outcome.
func (p *Pool) process(ctx context.Context, entry *queue.Entry, logger *slog.Logger) {
	logger = logger.With("job_id", entry.JobID, "attempt", entry.Attempt)

	if err := p.markRunning(ctx, entry.JobID); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			logger.Warn("claimed job no longer exists, dropping", "error", err)
			p.ack(ctx, entry.JobID, logger)
		case errors.Is(err, store.ErrConflict):
			logger.Warn("job not runnable, dropping dispatch", "error", err)
			p.ack(ctx, entry.JobID, logger)
		default:
			// Transient store trouble; only a confirmed terminal or
			// missing job may be acked away.
			logger.Warn("job claim transition failed, keeping delivery", "error", err)
			if exhausted, nerr := p.queue.Nack(ctx, entry.JobID, err); nerr != nil {
				logger.Error("nack failed", "error", nerr)
			} else if exhausted {
				p.fail(ctx, entry.JobID, err, logger)
			}
		}
		return
	}

	logger.Info("job started")
	runErr := p.loop.Run(ctx, entry.JobID)
	if runErr == nil {
		p.ack(ctx, entry.JobID, logger)
		return
	}

	logger.Error("job run failed", "error", runErr)
	if err := p.store.AppendJobLog(ctx, entry.JobID, "error", runErr.Error()); err != nil {
		logger.Warn("recording failure in job log failed", "error", err)
	}

	exhausted, err := p.queue.Nack(ctx, entry.JobID, runErr)
	if err != nil {
		logger.Error("nack failed", "error", err)
		return
	}
	if !exhausted {
		// Back to queued so the retry claim finds a legal state.
		if err := p.store.RequeueJob(ctx, entry.JobID); err != nil {
			logger.Warn("requeueing job state failed", "error", err)
		}
		return
	}

	p.fail(ctx, entry.JobID, runErr, logger)
}

// markRunning handles the job-side transition for a claim. A job left in
// running by a previous crashed attempt is taken over as-is.
func (p *Pool) markRunning(ctx context.Context, jobID string) error {
	err := p.store.MarkJobRunning(ctx, jobID)
	if !errors.Is(err, store.ErrConflict) {
		return err
	}
	job, gerr := p.store.GetJob(ctx, jobID)
	if gerr != nil {
		return gerr
	}
	if job.Status == store.StatusRunning {
		return nil
	}
	return fmt.Errorf("job is %s: %w", job.Status, store.ErrConflict)
}

// fail moves the job to its terminal failed state and notifies the
// thread. This is the single place a user hears about a failed job.
func (p *Pool) fail(ctx context.Context, jobID string, cause error, logger *slog.Logger) {
	if err := p.store.MarkJobFailed(ctx, jobID); err != nil {
		logger.Error("marking job failed", "error", err)
	}
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		logger.Error("loading failed job for notification", "error", err)
		return
	}
	if job.ChannelID == "" {
		return
	}
	msg := "Sorry, I couldn't finish that request. It failed after several attempts; " +
		"you can retry it or rephrase. Last error: " + cause.Error()
	if err := p.replier.PostReply(ctx, job.ChannelID, job.ThreadTS, msg); err != nil {
		logger.Error("failure notification undelivered", "error", err)
	}
}

func (p *Pool) ack(ctx context.Context, jobID string, logger *slog.Logger) {
	if err := p.queue.Ack(ctx, jobID); err != nil {
		logger.Error("ack failed", "error", err)
	}
}
