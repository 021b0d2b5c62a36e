package resolver

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/jholhewres/crmclaw/pkg/crmclaw/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func org(id, name string, class store.OrgClass) store.Org {
	return store.Org{
		ID:          id,
		AccountID:   "acct-1",
		Name:        name,
		Class:       class,
		InstanceURL: "https://" + id + ".example.com",
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "crmclaw.db"), testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSingleOrgAlwaysWins(t *testing.T) {
	r := NewWithStrategies(testLogger(), singleOrg{})
	orgs := []store.Org{org("o1", "Acme Production", store.ClassProduction)}

	got := r.Resolve(context.Background(), Request{Message: "anything at all"}, orgs)
	if got == nil || got.ID != "o1" {
		t.Fatalf("Resolve = %+v, want o1", got)
	}

	orgs = append(orgs, org("o2", "Acme Sandbox", store.ClassSandbox))
	if got := r.Resolve(context.Background(), Request{Message: "anything"}, orgs); got != nil {
		t.Fatalf("single-org strategy matched with two orgs: %+v", got)
	}
}

func TestThreadAffinity(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	orgs := []store.Org{
		org("o1", "Production", store.ClassProduction),
		org("o2", "Staging", store.ClassSandbox),
	}
	for i := range orgs {
		if err := st.ConnectOrg(ctx, &orgs[i]); err != nil {
			t.Fatalf("connect org: %v", err)
		}
	}
	job := &store.Job{
		AccountID: "acct-1",
		OrgID:     "o2",
		Message:   "earlier request",
		ChannelID: "C1",
		ThreadTS:  "171.001",
	}
	if err := st.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	r := NewWithStrategies(testLogger(), threadAffinity{store: st})

	got := r.Resolve(ctx, Request{ChannelID: "C1", ThreadTS: "171.001", Message: "and now?"}, orgs)
	if got == nil || got.ID != "o2" {
		t.Fatalf("Resolve = %+v, want thread org o2", got)
	}

	// No thread, or a thread with no history, defers onward.
	if got := r.Resolve(ctx, Request{ChannelID: "C1", Message: "x"}, orgs); got != nil {
		t.Errorf("matched without a thread: %+v", got)
	}
	if got := r.Resolve(ctx, Request{ChannelID: "C1", ThreadTS: "999.999", Message: "x"}, orgs); got != nil {
		t.Errorf("matched an unknown thread: %+v", got)
	}

	// The thread's org was disconnected since.
	disconnected := []store.Org{orgs[0]}
	if got := r.Resolve(ctx, Request{ChannelID: "C1", ThreadTS: "171.001", Message: "x"}, disconnected); got != nil {
		t.Errorf("matched a disconnected org: %+v", got)
	}
}

func TestNameMatch(t *testing.T) {
	r := NewWithStrategies(testLogger(), nameMatch{})
	orgs := []store.Org{
		org("o1", "Acme Production", store.ClassProduction),
		org("o2", "Staging Sandbox", store.ClassSandbox),
	}

	tests := []struct {
		name    string
		message string
		wantID  string
	}{
		{"full name", "how many leads in acme production?", "o1"},
		{"single token", "deploy this to staging please", "o2"},
		{"case insensitive", "check STAGING for me", "o2"},
		{"no reference", "how many leads do we have", ""},
		{"short tokens ignored", "is it up?", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Resolve(context.Background(), Request{Message: tt.message}, orgs)
			switch {
			case tt.wantID == "" && got != nil:
				t.Errorf("Resolve(%q) = %s, want chooser", tt.message, got.ID)
			case tt.wantID != "" && (got == nil || got.ID != tt.wantID):
				t.Errorf("Resolve(%q) = %+v, want %s", tt.message, got, tt.wantID)
			}
		})
	}
}

func TestNameMatchAmbiguousStopsChain(t *testing.T) {
	// A fallthrough strategy that would match anything: the ambiguous
	// verdict from name matching must prevent it from running.
	orgs := []store.Org{
		org("o1", "Acme Production", store.ClassProduction),
		org("o2", "Acme Sandbox", store.ClassSandbox),
	}
	r := NewWithStrategies(testLogger(), nameMatch{}, matchFirst{})

	got := r.Resolve(context.Background(), Request{Message: "compare acme production with acme sandbox"}, orgs)
	if got != nil {
		t.Fatalf("ambiguous name match did not stop the chain: %+v", got)
	}
}

// matchFirst is a test strategy that always matches the first org.
type matchFirst struct{}

func (matchFirst) Name() string { return "match_first" }

func (matchFirst) Resolve(_ context.Context, _ Request, orgs []store.Org) Result {
	return Result{Outcome: Matched, Org: &orgs[0]}
}

func TestIntentMatch(t *testing.T) {
	r := NewWithStrategies(testLogger(), intentMatch{})
	orgs := []store.Org{
		org("o1", "Production", store.ClassProduction),
		org("o2", "Dev Sandbox", store.ClassSandbox),
	}

	tests := []struct {
		name    string
		message string
		wantID  string
	}{
		{"development intent", "create a trigger on Account", "o2"},
		{"read intent", "how many open opportunities this quarter", "o1"},
		{"no intent", "hello there", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Resolve(context.Background(), Request{Message: tt.message}, orgs)
			switch {
			case tt.wantID == "" && got != nil:
				t.Errorf("Resolve(%q) = %s, want chooser", tt.message, got.ID)
			case tt.wantID != "" && (got == nil || got.ID != tt.wantID):
				t.Errorf("Resolve(%q) = %+v, want %s", tt.message, got, tt.wantID)
			}
		})
	}
}

func TestIntentMatchNeedsSoleCandidate(t *testing.T) {
	r := NewWithStrategies(testLogger(), intentMatch{})
	orgs := []store.Org{
		org("o1", "Dev One", store.ClassSandbox),
		org("o2", "Dev Two", store.ClassScratch),
	}
	if got := r.Resolve(context.Background(), Request{Message: "deploy the fix"}, orgs); got != nil {
		t.Fatalf("intent matched with two development orgs: %+v", got)
	}
}

func TestDefaultChainExhaustion(t *testing.T) {
	st := newTestStore(t)
	r := New(st, testLogger())
	orgs := []store.Org{
		org("o1", "Alpha", store.ClassProduction),
		org("o2", "Beta", store.ClassProduction),
	}
	if got := r.Resolve(context.Background(), Request{AccountID: "acct-1", Message: "hi"}, orgs); got != nil {
		t.Fatalf("exhausted chain still matched: %+v", got)
	}
}
