package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/crmclaw/pkg/crmclaw/queue"
	"github.com/jholhewres/crmclaw/pkg/crmclaw/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRunner scripts loop outcomes per call and optionally completes the
// job the way the real loop would.
type fakeRunner struct {
	mu       sync.Mutex
	store    *store.Store
	errs     []error
	complete bool
	runs     []string
}

func (f *fakeRunner) Run(ctx context.Context, jobID string) error {
	f.mu.Lock()
	n := len(f.runs)
	f.runs = append(f.runs, jobID)
	f.mu.Unlock()
	if n < len(f.errs) && f.errs[n] != nil {
		return f.errs[n]
	}
	if f.complete {
		return f.store.MarkJobCompleted(ctx, jobID)
	}
	return nil
}

func (f *fakeRunner) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

type fakeReplier struct {
	mu    sync.Mutex
	posts []string
}

func (r *fakeReplier) PostReply(_ context.Context, _, _, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.posts = append(r.posts, text)
	return nil
}

func (r *fakeReplier) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.posts...)
}

type fixture struct {
	store   *store.Store
	queue   *queue.Queue
	runner  *fakeRunner
	replier *fakeReplier
	pool    *Pool
	job     *store.Job
}

func newFixture(t *testing.T, qcfg queue.Config) *fixture {
	t.Helper()
	logger := testLogger()

	st, err := store.Open(filepath.Join(t.TempDir(), "crmclaw.db"), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	q := queue.New(st.DB(), qcfg, logger)
	runner := &fakeRunner{store: st, complete: true}
	replier := &fakeReplier{}
	pool := NewPool(q, st, runner, replier, Config{Workers: 1, PollInterval: 10 * time.Millisecond}, logger)

	job := &store.Job{
		AccountID: "acct-1",
		OrgID:     "org-1",
		Message:   "count the leads",
		ChannelID: "C1",
		ThreadTS:  "171.001",
	}
	if err := st.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	return &fixture{store: st, queue: q, runner: runner, replier: replier, pool: pool, job: job}
}

// processOnce claims and processes a single entry synchronously, the same
// path the pooled workers take.
func (f *fixture) processOnce(t *testing.T) bool {
	t.Helper()
	entry, err := f.queue.Claim(context.Background())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if entry == nil {
		return false
	}
	f.pool.process(context.Background(), entry, testLogger())
	return true
}

func TestProcessSuccessAcks(t *testing.T) {
	f := newFixture(t, queue.Config{})
	ctx := context.Background()

	if err := f.queue.Enqueue(ctx, f.job.ID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !f.processOnce(t) {
		t.Fatal("nothing claimed")
	}

	job, _ := f.store.GetJob(ctx, f.job.ID)
	if job.Status != store.StatusCompleted {
		t.Errorf("status = %s, want completed", job.Status)
	}
	depth, _ := f.queue.Depth(ctx)
	if depth != 0 {
		t.Errorf("depth = %d after success, want 0", depth)
	}
	if len(f.replier.all()) != 0 {
		t.Errorf("unexpected notifications: %v", f.replier.all())
	}
}

func TestProcessFailureSchedulesRetry(t *testing.T) {
	f := newFixture(t, queue.Config{MaxAttempts: 3, BackoffBase: time.Millisecond})
	ctx := context.Background()

	f.runner.complete = false
	f.runner.errs = []error{fmt.Errorf("org unreachable")}

	if err := f.queue.Enqueue(ctx, f.job.ID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !f.processOnce(t) {
		t.Fatal("nothing claimed")
	}

	// Job state returns to queued so the retry claim is legal, and the
	// queue holds a live entry for the next attempt.
	job, _ := f.store.GetJob(ctx, f.job.ID)
	if job.Status != store.StatusQueued {
		t.Errorf("status = %s, want queued", job.Status)
	}
	depth, _ := f.queue.Depth(ctx)
	if depth != 1 {
		t.Errorf("depth = %d, want 1 live retry entry", depth)
	}
	if len(f.replier.all()) != 0 {
		t.Errorf("user notified before exhaustion: %v", f.replier.all())
	}

	logs, err := f.store.ListJobLogs(ctx, f.job.ID)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	var found bool
	for _, entry := range logs {
		if entry.Level == "error" && strings.Contains(entry.Message, "org unreachable") {
			found = true
		}
	}
	if !found {
		t.Error("run error missing from the job log")
	}
}

func TestProcessExhaustionFailsAndNotifies(t *testing.T) {
	f := newFixture(t, queue.Config{MaxAttempts: 2, BackoffBase: time.Millisecond})
	ctx := context.Background()

	f.runner.complete = false
	f.runner.errs = []error{fmt.Errorf("boom one"), fmt.Errorf("boom two")}

	if err := f.queue.Enqueue(ctx, f.job.ID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !f.processOnce(t) {
		t.Fatal("first attempt not claimed")
	}
	time.Sleep(5 * time.Millisecond)
	if !f.processOnce(t) {
		t.Fatal("retry not claimed")
	}

	if got := f.runner.runCount(); got != 2 {
		t.Errorf("runner ran %d times, want 2", got)
	}
	job, _ := f.store.GetJob(ctx, f.job.ID)
	if job.Status != store.StatusFailed {
		t.Errorf("status = %s, want failed", job.Status)
	}
	posts := f.replier.all()
	if len(posts) != 1 || !strings.Contains(posts[0], "boom two") {
		t.Errorf("posts = %v, want one notification carrying the last error", posts)
	}
	depth, _ := f.queue.Depth(ctx)
	if depth != 0 {
		t.Errorf("depth = %d after exhaustion, want 0", depth)
	}
}

func TestProcessDropsVanishedJob(t *testing.T) {
	f := newFixture(t, queue.Config{})
	ctx := context.Background()

	if err := f.queue.Enqueue(ctx, "no-such-job"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !f.processOnce(t) {
		t.Fatal("nothing claimed")
	}
	if got := f.runner.runCount(); got != 0 {
		t.Errorf("runner ran %d times for a vanished job", got)
	}
	depth, _ := f.queue.Depth(ctx)
	if depth != 0 {
		t.Errorf("depth = %d, want dispatch acked away", depth)
	}
}

func TestProcessDropsTerminalJob(t *testing.T) {
	f := newFixture(t, queue.Config{})
	ctx := context.Background()

	if err := f.store.MarkJobRunning(ctx, f.job.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if err := f.store.MarkJobCompleted(ctx, f.job.ID); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if err := f.queue.Enqueue(ctx, f.job.ID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !f.processOnce(t) {
		t.Fatal("nothing claimed")
	}
	if got := f.runner.runCount(); got != 0 {
		t.Errorf("runner ran %d times for a completed job", got)
	}
}

// flakyStore injects transient ledger errors around the real store.
type flakyStore struct {
	*store.Store
	markFailures int
}

func (s *flakyStore) MarkJobRunning(ctx context.Context, id string) error {
	if s.markFailures > 0 {
		s.markFailures--
		return fmt.Errorf("database is locked")
	}
	return s.Store.MarkJobRunning(ctx, id)
}

func TestProcessKeepsDeliveryOnTransientStoreError(t *testing.T) {
	// A busy database during the claim transition must not ack the
	// dispatch away; only terminal or missing jobs may be dropped.
	f := newFixture(t, queue.Config{MaxAttempts: 3, BackoffBase: time.Millisecond})
	ctx := context.Background()

	flaky := &flakyStore{Store: f.store, markFailures: 1}
	pool := NewPool(f.queue, flaky, f.runner, f.replier,
		Config{Workers: 1, PollInterval: 10 * time.Millisecond}, testLogger())

	if err := f.queue.Enqueue(ctx, f.job.ID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	entry, err := f.queue.Claim(ctx)
	if err != nil || entry == nil {
		t.Fatalf("claim = %+v, %v", entry, err)
	}
	pool.process(ctx, entry, testLogger())

	if got := f.runner.runCount(); got != 0 {
		t.Errorf("runner ran %d times during the store outage", got)
	}
	depth, _ := f.queue.Depth(ctx)
	if depth != 1 {
		t.Fatalf("depth = %d, want delivery kept alive", depth)
	}

	// After the backoff the retry goes through normally.
	time.Sleep(5 * time.Millisecond)
	entry, err = f.queue.Claim(ctx)
	if err != nil || entry == nil {
		t.Fatalf("retry claim = %+v, %v", entry, err)
	}
	pool.process(ctx, entry, testLogger())

	job, _ := f.store.GetJob(ctx, f.job.ID)
	if job.Status != store.StatusCompleted {
		t.Errorf("status = %s, want completed", job.Status)
	}
	depth, _ = f.queue.Depth(ctx)
	if depth != 0 {
		t.Errorf("depth = %d after recovery, want 0", depth)
	}
}

func TestProcessTakesOverRunningJob(t *testing.T) {
	// A job left in running by a crashed attempt, or resumed by a respond
	// action, is claimed and run as-is.
	f := newFixture(t, queue.Config{})
	ctx := context.Background()

	if err := f.store.MarkJobRunning(ctx, f.job.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if err := f.queue.Enqueue(ctx, f.job.ID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !f.processOnce(t) {
		t.Fatal("nothing claimed")
	}
	if got := f.runner.runCount(); got != 1 {
		t.Fatalf("runner ran %d times, want 1", got)
	}
	job, _ := f.store.GetJob(ctx, f.job.ID)
	if job.Status != store.StatusCompleted {
		t.Errorf("status = %s, want completed", job.Status)
	}
}

func TestPoolStartAndDrain(t *testing.T) {
	f := newFixture(t, queue.Config{})
	ctx, cancel := context.WithCancel(context.Background())

	if err := f.queue.Enqueue(ctx, f.job.ID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	f.pool.Start(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for f.runner.runCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	f.pool.Wait()

	if f.runner.runCount() == 0 {
		t.Fatal("pool never picked up the job")
	}
	job, _ := f.store.GetJob(context.Background(), f.job.ID)
	if job.Status != store.StatusCompleted {
		t.Errorf("status = %s, want completed", job.Status)
	}
}
