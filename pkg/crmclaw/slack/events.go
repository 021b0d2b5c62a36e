package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jholhewres/crmclaw/pkg/crmclaw/queue"
	"github.com/jholhewres/crmclaw/pkg/crmclaw/resolver"
	"github.com/jholhewres/crmclaw/pkg/crmclaw/store"
)

// maxEventBody caps webhook request bodies.
const maxEventBody = 1 << 20

// processTimeout bounds the detached handling of one acknowledged
// event (resolution, job creation, chooser posting — not the job run).
const processTimeout = 30 * time.Second

// maxTitleLen is how much of the message becomes the job title.
const maxTitleLen = 60

// Gateway handles the signed webhook surface: event deliveries and
// interactive (chooser) callbacks.
type Gateway struct {
	verifier  *Verifier
	dedup     *Deduper
	store     *store.Store
	queue     *queue.Queue
	resolver  *resolver.Resolver
	client    *Client
	accountID string
	logger    *slog.Logger
}

// NewGateway wires the webhook gateway.
func NewGateway(verifier *Verifier, dedup *Deduper, st *store.Store, q *queue.Queue, res *resolver.Resolver, client *Client, accountID string, logger *slog.Logger) *Gateway {
	return &Gateway{
		verifier:  verifier,
		dedup:     dedup,
		store:     st,
		queue:     q,
		resolver:  res,
		client:    client,
		accountID: accountID,
		logger:    logger.With("component", "gateway"),
	}
}

// Dedup exposes the event dedup set so the maintenance scheduler can
// reset it.
func (g *Gateway) Dedup() *Deduper { return g.dedup }

// eventEnvelope is the outer webhook payload.
type eventEnvelope struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	EventID   string `json:"event_id"`
	Event     struct {
		Type     string `json:"type"`
		Subtype  string `json:"subtype"`
		User     string `json:"user"`
		BotID    string `json:"bot_id"`
		Text     string `json:"text"`
		Channel  string `json:"channel"`
		TS       string `json:"ts"`
		ThreadTS string `json:"thread_ts"`
	} `json:"event"`
}

// HandleEvents processes POST deliveries from the events webhook. The
// delivery is verified, acknowledged with 200 immediately, and handled
// detached — the sender retries anything not answered within seconds.
func (g *Gateway) HandleEvents(w http.ResponseWriter, r *http.Request) {
	body, ok := g.verifiedBody(w, r)
	if !ok {
		return
	}

	var env eventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		g.logger.Warn("unparseable event payload", "error", err)
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	// Endpoint ownership handshake.
	if env.Type == "url_verification" {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, env.Challenge)
		return
	}

	w.WriteHeader(http.StatusOK)

	go g.detached("event", func(ctx context.Context) {
		g.processEvent(ctx, &env)
	})
}

// detached runs fn on its own context with panic containment, so an
// acknowledged delivery can never take the HTTP handler down with it.
func (g *Gateway) detached(kind string, fn func(ctx context.Context)) {
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("panic while processing delivery", "kind", kind, "panic", rec)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
	defer cancel()
	fn(ctx)
}

func (g *Gateway) processEvent(ctx context.Context, env *eventEnvelope) {
	if env.Type != "event_callback" {
		return
	}
	if g.dedup.Seen(env.EventID) {
		g.logger.Debug("duplicate event delivery ignored", "event_id", env.EventID)
		return
	}

	ev := env.Event
	// Only human messages become jobs: skip the bot's own posts, edits,
	// joins, and other subtyped noise.
	if ev.Type != "message" && ev.Type != "app_mention" {
		return
	}
	if ev.BotID != "" || ev.Subtype != "" {
		return
	}
	text := strings.TrimSpace(stripMention(ev.Text))
	if text == "" {
		return
	}

	threadTS := ev.ThreadTS
	if threadTS == "" {
		// A top-level message anchors its own thread.
		threadTS = ev.TS
	}

	orgs, err := g.store.ListOrgs(ctx, g.accountID)
	if err != nil {
		g.logger.Error("listing orgs", "error", err)
		return
	}
	if len(orgs) == 0 {
		g.post(ctx, ev.Channel, threadTS,
			"No orgs are connected yet. Run `crmclaw setup` to connect one.")
		return
	}

	org := g.resolver.Resolve(ctx, resolver.Request{
		AccountID: g.accountID,
		Message:   text,
		ChannelID: ev.Channel,
		ThreadTS:  threadTS,
	}, orgs)

	if org == nil {
		if err := g.client.PostChooser(ctx, ev.Channel, threadTS, text, ev.User, orgs); err != nil {
			g.logger.Error("posting org chooser", "error", err)
		}
		return
	}

	g.startJob(ctx, org, text, ev.Channel, threadTS, ev.User)
}

// startJob creates the job and hands it to the dispatch queue.
func (g *Gateway) startJob(ctx context.Context, org *store.Org, text, channelID, threadTS, userID string) {
	job := &store.Job{
		AccountID: g.accountID,
		OrgID:     org.ID,
		UserID:    userID,
		Title:     makeTitle(text),
		Message:   text,
		ChannelID: channelID,
		ThreadTS:  threadTS,
	}
	if err := g.store.CreateJob(ctx, job); err != nil {
		g.logger.Error("creating job", "error", err)
		g.post(ctx, channelID, threadTS, "Sorry, I couldn't start on that. Please try again.")
		return
	}
	if err := g.store.AppendJobLog(ctx, job.ID, "info",
		fmt.Sprintf("job created for org %s from chat", org.Name)); err != nil {
		g.logger.Warn("job log append failed", "job_id", job.ID, "error", err)
	}
	if err := g.queue.Enqueue(ctx, job.ID); err != nil {
		g.logger.Error("enqueueing job", "job_id", job.ID, "error", err)
		g.post(ctx, channelID, threadTS, "Sorry, I couldn't start on that. Please try again.")
		return
	}
	g.logger.Info("job accepted", "job_id", job.ID, "org", org.Name)
}

// verifiedBody reads and signature-checks the request, writing the
// rejection response itself when verification fails.
func (g *Gateway) verifiedBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return nil, false
	}
	err = g.verifier.Verify(
		r.Header.Get("X-Slack-Request-Timestamp"),
		r.Header.Get("X-Slack-Signature"),
		body,
	)
	if err != nil {
		g.logger.Warn("webhook verification failed", "error", err, "remote", r.RemoteAddr)
		http.Error(w, "verification failed", http.StatusUnauthorized)
		return nil, false
	}
	return body, true
}

func (g *Gateway) post(ctx context.Context, channelID, threadTS, text string) {
	if err := g.client.PostReply(ctx, channelID, threadTS, text); err != nil {
		g.logger.Error("posting reply", "error", err)
	}
}

// stripMention removes a leading <@UXXXX> bot mention from app_mention
// text.
func stripMention(text string) string {
	t := strings.TrimSpace(text)
	if strings.HasPrefix(t, "<@") {
		if end := strings.Index(t, ">"); end > 0 {
			return t[end+1:]
		}
	}
	return t
}

func makeTitle(text string) string {
	t := strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(t) > maxTitleLen {
		// Cut on runes, not bytes, so non-ASCII messages keep a valid title.
		return string([]rune(t)[:maxTitleLen]) + "..."
	}
	return t
}
