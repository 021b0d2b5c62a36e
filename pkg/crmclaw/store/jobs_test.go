package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := Open(filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func makeJob(t *testing.T, st *Store, orgID string) *Job {
	t.Helper()
	job := &Job{
		AccountID: "acct-1",
		OrgID:     orgID,
		UserID:    "U123",
		Title:     "count invoices",
		Message:   "how many invoices were created this month?",
		ChannelID: "C456",
		ThreadTS:  "1724800000.000100",
	}
	if err := st.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	return job
}

func TestJobLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	job := makeJob(t, st, "org-1")

	if job.ID == "" {
		t.Fatal("CreateJob did not assign an ID")
	}
	if job.Status != StatusQueued {
		t.Fatalf("new job status = %s, want queued", job.Status)
	}

	if err := st.MarkJobRunning(ctx, job.ID); err != nil {
		t.Fatalf("MarkJobRunning failed: %v", err)
	}
	if err := st.MarkJobCompleted(ctx, job.ID); err != nil {
		t.Fatalf("MarkJobCompleted failed: %v", err)
	}

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("completed job has no completion timestamp")
	}
}

func TestJobIllegalTransitions(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	t.Run("complete from queued", func(t *testing.T) {
		job := makeJob(t, st, "org-1")
		if err := st.MarkJobCompleted(ctx, job.ID); !errors.Is(err, ErrConflict) {
			t.Errorf("completing a queued job: err = %v, want ErrConflict", err)
		}
	})

	t.Run("run twice", func(t *testing.T) {
		job := makeJob(t, st, "org-1")
		if err := st.MarkJobRunning(ctx, job.ID); err != nil {
			t.Fatalf("MarkJobRunning failed: %v", err)
		}
		if err := st.MarkJobRunning(ctx, job.ID); !errors.Is(err, ErrConflict) {
			t.Errorf("running a running job: err = %v, want ErrConflict", err)
		}
	})

	t.Run("retry a completed job", func(t *testing.T) {
		job := makeJob(t, st, "org-1")
		st.MarkJobRunning(ctx, job.ID)
		st.MarkJobCompleted(ctx, job.ID)
		if err := st.RetryJob(ctx, job.ID); !errors.Is(err, ErrConflict) {
			t.Errorf("retrying a completed job: err = %v, want ErrConflict", err)
		}
	})

	t.Run("respond to a running job", func(t *testing.T) {
		job := makeJob(t, st, "org-1")
		st.MarkJobRunning(ctx, job.ID)
		if err := st.RespondJob(ctx, job.ID, "yes"); !errors.Is(err, ErrConflict) {
			t.Errorf("responding to a running job: err = %v, want ErrConflict", err)
		}
	})

	t.Run("unknown job", func(t *testing.T) {
		if err := st.MarkJobRunning(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("running unknown job: err = %v, want ErrNotFound", err)
		}
	})
}

func TestJobRetryResetsCompletionState(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	job := makeJob(t, st, "org-1")

	st.MarkJobRunning(ctx, job.ID)
	if err := st.MarkJobFailed(ctx, job.ID); err != nil {
		t.Fatalf("MarkJobFailed failed: %v", err)
	}

	if err := st.RetryJob(ctx, job.ID); err != nil {
		t.Fatalf("RetryJob failed: %v", err)
	}

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Status != StatusQueued {
		t.Errorf("status = %s, want queued", got.Status)
	}
	if got.CompletedAt != nil {
		t.Error("retry did not clear the completion timestamp")
	}
	if got.DurationMS != 0 {
		t.Errorf("retry did not clear duration, got %d", got.DurationMS)
	}

	logs, err := st.ListJobLogs(ctx, job.ID)
	if err != nil {
		t.Fatalf("ListJobLogs failed: %v", err)
	}
	if len(logs) == 0 {
		t.Fatal("retry left no log entry")
	}
}

func TestJobWaitingAndRespond(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	job := makeJob(t, st, "org-1")

	st.MarkJobRunning(ctx, job.ID)
	if err := st.MarkJobWaiting(ctx, job.ID, "sandbox or staging?"); err != nil {
		t.Fatalf("MarkJobWaiting failed: %v", err)
	}

	got, _ := st.GetJob(ctx, job.ID)
	if got.Status != StatusWaitingForInput {
		t.Fatalf("status = %s, want waiting_for_input", got.Status)
	}
	if got.PendingQuestion != "sandbox or staging?" {
		t.Errorf("pending question = %q", got.PendingQuestion)
	}

	if err := st.RespondJob(ctx, job.ID, "staging please"); err != nil {
		t.Fatalf("RespondJob failed: %v", err)
	}
	got, _ = st.GetJob(ctx, job.ID)
	if got.Status != StatusRunning {
		t.Errorf("status after respond = %s, want running", got.Status)
	}
	if got.PendingQuestion != "" {
		t.Errorf("respond did not clear pending question: %q", got.PendingQuestion)
	}
	if got.Message != "staging please" {
		t.Errorf("respond did not record the answer, message = %q", got.Message)
	}
}

func TestSaveTranscriptAndCounters(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	job := makeJob(t, st, "org-1")

	transcript := []byte(`{"turns":[{"kind":"user","text":"hi"}]}`)
	if err := st.SaveTranscript(ctx, job.ID, transcript); err != nil {
		t.Fatalf("SaveTranscript failed: %v", err)
	}
	if err := st.UpdateJobCounters(ctx, job.ID, 3, 5); err != nil {
		t.Fatalf("UpdateJobCounters failed: %v", err)
	}

	got, _ := st.GetJob(ctx, job.ID)
	if string(got.Transcript) != string(transcript) {
		t.Errorf("transcript = %s", got.Transcript)
	}
	if got.Turns != 3 || got.ToolCalls != 5 {
		t.Errorf("counters = (%d, %d), want (3, 5)", got.Turns, got.ToolCalls)
	}
}

func TestLatestJobForThread(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first := makeJob(t, st, "org-1")
	second := &Job{
		AccountID: "acct-1",
		OrgID:     "org-2",
		UserID:    "U123",
		Title:     "follow-up",
		Message:   "and last month?",
		ChannelID: first.ChannelID,
		ThreadTS:  first.ThreadTS,
	}
	if err := st.CreateJob(ctx, second); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	got, err := st.LatestJobForThread(ctx, first.ChannelID, first.ThreadTS)
	if err != nil {
		t.Fatalf("LatestJobForThread failed: %v", err)
	}
	if got.ID != second.ID {
		t.Errorf("got job %s, want the newer %s", got.ID, second.ID)
	}

	if _, err := st.LatestJobForThread(ctx, "C999", "1.2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown thread: err = %v, want ErrNotFound", err)
	}
}

func TestActiveJobCountForOrg(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	a := makeJob(t, st, "org-1")
	makeJob(t, st, "org-1")
	done := makeJob(t, st, "org-1")
	st.MarkJobRunning(ctx, a.ID)
	st.MarkJobRunning(ctx, done.ID)
	st.MarkJobCompleted(ctx, done.ID)

	n, err := st.ActiveJobCountForOrg(ctx, "org-1")
	if err != nil {
		t.Fatalf("ActiveJobCountForOrg failed: %v", err)
	}
	if n != 2 {
		t.Errorf("active jobs = %d, want 2", n)
	}
}

func TestJobArtifacts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	job := makeJob(t, st, "org-1")

	artifact := &JobArtifact{
		JobID: job.ID,
		Name:  "InvoiceHelper.cls",
		Body:  []byte("public class InvoiceHelper {}"),
	}
	if err := st.AddJobArtifact(ctx, artifact); err != nil {
		t.Fatalf("AddJobArtifact failed: %v", err)
	}
	if artifact.ID == "" {
		t.Error("AddJobArtifact did not assign an ID")
	}
}

func TestTimestampsAreFixedWidth(t *testing.T) {
	// The job queries order by timestamp strings, so every stored value
	// must be the same width regardless of trailing fractional zeros.
	for i := 0; i < 200; i++ {
		ts := now()
		if len(ts) != len(tsFormat) {
			t.Fatalf("timestamp %q has width %d, want %d", ts, len(ts), len(tsFormat))
		}
		if parseTime(ts).IsZero() {
			t.Fatalf("timestamp %q does not parse", ts)
		}
	}
}
