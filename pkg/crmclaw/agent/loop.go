package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jholhewres/crmclaw/pkg/crmclaw/cache"
	"github.com/jholhewres/crmclaw/pkg/crmclaw/crm"
	"github.com/jholhewres/crmclaw/pkg/crmclaw/store"
	"github.com/jholhewres/crmclaw/pkg/crmclaw/tools"
)

// DefaultMaxTurns bounds a single run of the loop. Hitting the cap is a
// graceful stop, not a failure.
const DefaultMaxTurns = 10

// Replier delivers the agent's messages back to the conversation thread
// the job came from.
type Replier interface {
	PostReply(ctx context.Context, channelID, threadTS, text string) error
}

// ConnectFunc opens an authenticated platform client for an org. The
// default implementation exchanges the org's stored credentials; tests
// substitute a stub.
type ConnectFunc func(ctx context.Context, org *store.Org) (*crm.Client, error)

// Config carries the tunable bounds of the loop.
type Config struct {
	MaxTurns       int
	LLMCallTimeout time.Duration
}

// Loop drives one job to completion: it replays the transcript, calls
// the model, executes requested tools, and posts the final answer.
type Loop struct {
	store    *store.Store
	cache    *cache.Cache
	registry *tools.Registry
	llm      LLMCaller
	replier  Replier
	connect  ConnectFunc
	maxTurns int
	logger   *slog.Logger
}

// NewLoop wires a loop from its collaborators.
func NewLoop(st *store.Store, c *cache.Cache, registry *tools.Registry, llm LLMCaller, replier Replier, cfg Config, logger *slog.Logger) *Loop {
	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	l := &Loop{
		store:    st,
		cache:    c,
		registry: registry,
		llm:      llm,
		replier:  replier,
		maxTurns: maxTurns,
		logger:   logger.With("component", "agent"),
	}
	l.connect = func(ctx context.Context, org *store.Org) (*crm.Client, error) {
		client, err := crm.Connect(ctx, crm.Credentials{
			InstanceURL:  org.InstanceURL,
			AuthURL:      org.AuthURL,
			ClientID:     org.ClientID,
			ClientSecret: org.ClientSecret,
			AccessToken:  org.AccessToken,
			RefreshToken: org.RefreshToken,
		}, logger)
		if err != nil {
			return nil, err
		}
		// Persist a refreshed token so the next job skips the exchange.
		if tok := client.AccessToken(); tok != "" && tok != org.AccessToken {
			if uerr := l.store.UpdateOrgTokens(ctx, org.ID, tok, org.RefreshToken); uerr != nil {
				logger.Warn("persisting refreshed org token failed", "org_id", org.ID, "error", uerr)
			}
		}
		return client, nil
	}
	return l
}

// SetConnectFunc replaces the org connector. Used by tests and the local
// chat command.
func (l *Loop) SetConnectFunc(fn ConnectFunc) {
	l.connect = fn
}

// Run executes the job identified by id until the model produces a final
// text answer or the turn cap is reached. Run never moves the job to a
// terminal failure state; returning an error leaves that decision to the
// caller, which owns retries and user notification.
func (l *Loop) Run(ctx context.Context, jobID string) error {
	job, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("loading job: %w", err)
	}
	org, err := l.store.GetOrg(ctx, job.OrgID)
	if err != nil {
		return fmt.Errorf("loading org %s: %w", job.OrgID, err)
	}

	logger := l.logger.With("job_id", job.ID, "org", org.Name)

	client, err := l.connect(ctx, org)
	if err != nil {
		return fmt.Errorf("connecting to org %s: %w", org.Name, err)
	}

	transcript, err := ParseTranscript(job.Transcript)
	if err != nil {
		return err
	}
	if transcript.LastUserText() != job.Message {
		transcript.AddUser(job.Message)
	}

	summary := BuildOrgSummary(ctx, l.cache, client, org.ID, logger)
	systemPrompt := buildSystemPrompt(org, summary)
	defs := append(l.registry.DefinitionsFor(org.Class), askUserDefinition())

	env := &tools.Env{
		Org:    org,
		CRM:    client,
		Cache:  l.cache,
		Store:  l.store,
		JobID:  job.ID,
		Logger: logger,
	}

	turns := 0
	toolCalls := 0
	for turns < l.maxTurns {
		turns++

		resp, err := l.llm.CompleteWithTools(ctx, transcript.Messages(systemPrompt), defs)
		if err != nil {
			l.saveProgress(ctx, job.ID, transcript, turns, toolCalls)
			return fmt.Errorf("model call on turn %d: %w", turns, err)
		}

		if question, ok := askUserQuestion(resp.ToolCalls); ok {
			transcript.AddToolCalls(resp.ToolCalls)
			transcript.AddToolResults(ackAskUser(resp.ToolCalls))
			l.saveProgress(ctx, job.ID, transcript, turns, toolCalls)
			return l.park(ctx, job, question, logger)
		}

		if len(resp.ToolCalls) > 0 {
			transcript.AddToolCalls(resp.ToolCalls)
			results := l.registry.Execute(ctx, env, resp.ToolCalls)
			transcript.AddToolResults(results)
			toolCalls += len(resp.ToolCalls)
			l.saveProgress(ctx, job.ID, transcript, turns, toolCalls)
			continue
		}

		if resp.Content != "" {
			transcript.AddAssistant(resp.Content)
			l.saveProgress(ctx, job.ID, transcript, turns, toolCalls)
			return l.finish(ctx, job, resp.Content, logger)
		}

		l.saveProgress(ctx, job.ID, transcript, turns, toolCalls)
		return fmt.Errorf("model returned neither content nor tool calls on turn %d", turns)
	}

	// Turn cap reached: stop gracefully with an apology instead of
	// failing. Progress so far is in the transcript and job log.
	logger.Warn("turn cap reached", "turns", turns, "tool_calls", toolCalls)
	apology := "Sorry, this request turned out to be more involved than I can handle in one go. " +
		"I've stopped here — try breaking it into smaller steps."
	transcript.AddAssistant(apology)
	l.saveProgress(ctx, job.ID, transcript, turns, toolCalls)
	return l.finish(ctx, job, apology, logger)
}

// finish posts the final text and marks the job completed. Delivery
// failure outranks completion: the user never silently loses an answer.
func (l *Loop) finish(ctx context.Context, job *store.Job, text string, logger *slog.Logger) error {
	if job.ChannelID != "" {
		if err := l.replier.PostReply(ctx, job.ChannelID, job.ThreadTS, text); err != nil {
			return fmt.Errorf("delivering reply: %w", err)
		}
	}
	if err := l.store.MarkJobCompleted(ctx, job.ID); err != nil {
		return fmt.Errorf("completing job: %w", err)
	}
	logger.Info("job completed")
	return nil
}

// park suspends the job on a question for the user: the question is
// posted into the thread and the job moves to waiting_for_input until a
// respond action resumes it.
func (l *Loop) park(ctx context.Context, job *store.Job, question string, logger *slog.Logger) error {
	if job.ChannelID != "" {
		if err := l.replier.PostReply(ctx, job.ChannelID, job.ThreadTS, question); err != nil {
			return fmt.Errorf("delivering question: %w", err)
		}
	}
	if err := l.store.MarkJobWaiting(ctx, job.ID, question); err != nil {
		return fmt.Errorf("parking job on question: %w", err)
	}
	logger.Info("job waiting for user input")
	return nil
}

// askUserName is the loop-intercepted tool that parks the job on a
// question instead of executing against the org.
const askUserName = "ask_user"

func askUserDefinition() tools.Definition {
	return tools.Definition{
		Type: "function",
		Function: tools.FunctionDef{
			Name: askUserName,
			Description: "Ask the requesting user a clarifying question and pause until they answer. " +
				"Use only when you cannot proceed without their input.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"question": {"type": "string", "description": "The question to ask the user."}
				},
				"required": ["question"]
			}`),
		},
	}
}

// askUserQuestion reports whether the batch is a single ask_user call
// and extracts its question.
func askUserQuestion(calls []tools.Call) (string, bool) {
	if len(calls) != 1 || calls[0].Function.Name != askUserName {
		return "", false
	}
	var args struct {
		Question string `json:"question"`
	}
	if err := json.Unmarshal([]byte(calls[0].Function.Arguments), &args); err != nil || args.Question == "" {
		return "", false
	}
	return args.Question, true
}

func ackAskUser(calls []tools.Call) []tools.Result {
	return []tools.Result{{
		CallID:  calls[0].ID,
		Name:    askUserName,
		Content: "Question relayed to the user. The conversation resumes when they answer.",
	}}
}

// saveProgress checkpoints the transcript and counters after every turn
// so a crash mid-run loses at most one turn of context.
func (l *Loop) saveProgress(ctx context.Context, jobID string, transcript *Transcript, turns, toolCalls int) {
	data, err := transcript.Marshal()
	if err != nil {
		l.logger.Warn("transcript marshal failed", "job_id", jobID, "error", err)
		return
	}
	if err := l.store.SaveTranscript(ctx, jobID, data); err != nil {
		l.logger.Warn("transcript checkpoint failed", "job_id", jobID, "error", err)
	}
	if err := l.store.UpdateJobCounters(ctx, jobID, turns, toolCalls); err != nil {
		l.logger.Warn("counter update failed", "job_id", jobID, "error", err)
	}
}

func buildSystemPrompt(org *store.Org, summary string) string {
	base := fmt.Sprintf(`You are crmclaw, an assistant that helps a team inspect and build on their business platform org directly from chat.

Connected org: %s (%s)

%s
Guidelines:
- Answer from the org summary above when it already covers the question; use tools to look deeper.
- Prefer targeted queries over broad dumps. Query results are capped samples; report the total count.
- Be concise. Answers are posted into a chat thread.`, org.Name, org.Class, summaryBlock(summary))

	if org.Class.IsProduction() {
		return base + `
- This is a PRODUCTION org. You have read-only access: no tools that create or modify metadata are available, and you must not suggest workarounds to change production.`
	}
	return base + `
- Before creating or updating any class, trigger, or component, describe the intended change and ask for confirmation with the ask_user tool. Only call a write tool after the user has agreed.
- After a deployment, run the relevant tests and report the outcome.`
}

func summaryBlock(summary string) string {
	if summary == "" {
		return "Org summary: unavailable right now; rely on the list tools.\n"
	}
	return "Org summary:\n" + summary
}
