package slack

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/jholhewres/crmclaw/pkg/crmclaw/queue"
	"github.com/jholhewres/crmclaw/pkg/crmclaw/resolver"
	"github.com/jholhewres/crmclaw/pkg/crmclaw/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGateway(t *testing.T) (*Gateway, *store.Store, *queue.Queue) {
	t.Helper()
	logger := testLogger()

	st, err := store.Open(filepath.Join(t.TempDir(), "crmclaw.db"), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	q := queue.New(st.DB(), queue.Config{}, logger)
	res := resolver.New(st, logger)
	client := NewClient("xoxb-test", logger)
	verifier := NewVerifier("shhh", 0)
	g := NewGateway(verifier, NewDeduper(), st, q, res, client, "acct-1", logger)
	return g, st, q
}

func signedRequest(t *testing.T, target string, body []byte) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, target, strings.NewReader(string(body)))
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	r.Header.Set("X-Slack-Request-Timestamp", ts)
	r.Header.Set("X-Slack-Signature", sign("shhh", ts, body))
	return r
}

func TestHandleEventsURLVerification(t *testing.T) {
	g, _, _ := newTestGateway(t)

	body := []byte(`{"type":"url_verification","challenge":"chal-123"}`)
	w := httptest.NewRecorder()
	g.HandleEvents(w, signedRequest(t, "/slack/events", body))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Body.String() != "chal-123" {
		t.Errorf("body = %q, want the challenge echoed", w.Body.String())
	}
}

func TestHandleEventsRejectsUnsignedRequest(t *testing.T) {
	g, _, _ := newTestGateway(t)

	r := httptest.NewRequest(http.MethodPost, "/slack/events", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	g.HandleEvents(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestHandleEventsRejectsTamperedRequest(t *testing.T) {
	g, _, _ := newTestGateway(t)

	r := signedRequest(t, "/slack/events", []byte(`{"type":"event_callback"}`))
	r.Body = io.NopCloser(strings.NewReader(`{"type":"event_callback","evil":true}`))
	w := httptest.NewRecorder()
	g.HandleEvents(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func makeEnvelope(t *testing.T, eventID, evType, user, botID, subtype, text, channel, ts, threadTS string) *eventEnvelope {
	t.Helper()
	raw := map[string]any{
		"type":     "event_callback",
		"event_id": eventID,
		"event": map[string]any{
			"type":      evType,
			"subtype":   subtype,
			"user":      user,
			"bot_id":    botID,
			"text":      text,
			"channel":   channel,
			"ts":        ts,
			"thread_ts": threadTS,
		},
	}
	data, _ := json.Marshal(raw)
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("building envelope: %v", err)
	}
	return &env
}

func TestProcessEventCreatesJob(t *testing.T) {
	g, st, q := newTestGateway(t)
	ctx := context.Background()

	org := &store.Org{
		ID: "org-1", AccountID: "acct-1", Name: "Staging",
		Class: store.ClassSandbox, InstanceURL: "https://staging.example.com",
	}
	if err := st.ConnectOrg(ctx, org); err != nil {
		t.Fatalf("connect org: %v", err)
	}

	env := makeEnvelope(t, "ev-1", "app_mention", "U123", "", "",
		"<@UBOT> how many leads do we have?", "C1", "171.001", "")
	g.processEvent(ctx, env)

	job, err := st.LatestJobForThread(ctx, "C1", "171.001")
	if err != nil {
		t.Fatalf("no job created: %v", err)
	}
	if job.Message != "how many leads do we have?" {
		t.Errorf("message = %q, mention not stripped", job.Message)
	}
	if job.OrgID != "org-1" || job.UserID != "U123" {
		t.Errorf("job = %+v", job)
	}
	if job.ThreadTS != "171.001" {
		t.Errorf("thread_ts = %q, want the event ts as anchor", job.ThreadTS)
	}

	depth, _ := q.Depth(ctx)
	if depth != 1 {
		t.Errorf("queue depth = %d, want 1", depth)
	}
}

func TestProcessEventDeduplicatesDeliveries(t *testing.T) {
	g, st, _ := newTestGateway(t)
	ctx := context.Background()

	org := &store.Org{ID: "org-1", AccountID: "acct-1", Name: "Staging", Class: store.ClassSandbox}
	if err := st.ConnectOrg(ctx, org); err != nil {
		t.Fatalf("connect org: %v", err)
	}

	env := makeEnvelope(t, "ev-dup", "message", "U123", "", "", "count leads", "C1", "171.002", "")
	g.processEvent(ctx, env)
	g.processEvent(ctx, env)

	first, err := st.LatestJobForThread(ctx, "C1", "171.002")
	if err != nil {
		t.Fatalf("no job created: %v", err)
	}
	// A redelivery must not create a second job in the thread.
	count, err := st.ActiveJobCountForOrg(ctx, "org-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("active jobs = %d, want 1 (duplicate delivery ignored); first = %s", count, first.ID)
	}
}

func TestProcessEventSkipsBotAndSubtypedMessages(t *testing.T) {
	g, st, _ := newTestGateway(t)
	ctx := context.Background()

	org := &store.Org{ID: "org-1", AccountID: "acct-1", Name: "Staging", Class: store.ClassSandbox}
	if err := st.ConnectOrg(ctx, org); err != nil {
		t.Fatalf("connect org: %v", err)
	}

	cases := []*eventEnvelope{
		makeEnvelope(t, "ev-b1", "message", "", "B999", "", "bot echo", "C1", "171.003", ""),
		makeEnvelope(t, "ev-b2", "message", "U123", "", "message_changed", "edited", "C1", "171.004", ""),
		makeEnvelope(t, "ev-b3", "reaction_added", "U123", "", "", "x", "C1", "171.005", ""),
		makeEnvelope(t, "ev-b4", "message", "U123", "", "", "   ", "C1", "171.006", ""),
	}
	for _, env := range cases {
		g.processEvent(ctx, env)
	}

	count, err := st.ActiveJobCountForOrg(ctx, "org-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("active jobs = %d, want 0", count)
	}
}

func TestStripMention(t *testing.T) {
	tests := []struct{ in, want string }{
		{"<@U0BOT> count the leads", " count the leads"},
		{"count the leads", "count the leads"},
		{"  <@U0BOT>hi", "hi"},
		{"<@broken no close", "<@broken no close"},
	}
	for _, tt := range tests {
		if got := stripMention(tt.in); got != tt.want {
			t.Errorf("stripMention(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMakeTitle(t *testing.T) {
	if got := makeTitle("count   the\nleads"); got != "count the leads" {
		t.Errorf("makeTitle = %q", got)
	}
	long := strings.Repeat("lead ", 30)
	got := makeTitle(long)
	if len(got) != maxTitleLen+3 || !strings.HasSuffix(got, "...") {
		t.Errorf("long title = %q (len %d)", got, len(got))
	}

	// Truncation must not split a multi-byte rune.
	accented := makeTitle(strings.Repeat("é", maxTitleLen+5))
	if !utf8.ValidString(accented) {
		t.Errorf("accented title is not valid UTF-8: %q", accented)
	}
	if utf8.RuneCountInString(accented) != maxTitleLen+3 {
		t.Errorf("accented title rune count = %d, want %d", utf8.RuneCountInString(accented), maxTitleLen+3)
	}
}

func TestContinuationRoundTrip(t *testing.T) {
	c := Continuation{
		OrgID:    "org-1",
		Message:  "deploy the fix",
		Channel:  "C1",
		ThreadTS: "171.001",
		UserID:   "U123",
	}
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Continuation
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back != c {
		t.Errorf("round trip = %+v, want %+v", back, c)
	}
}
