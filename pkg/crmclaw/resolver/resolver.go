// Package resolver decides which connected org an inbound message
// concerns. Resolution is an ordered chain of independent strategies —
// single org, thread affinity, name matching, intent inference — each
// returning matched, ambiguous, or no-match. An ambiguous outcome stops
// the chain; exhausting it without a match means the caller must present
// the interactive org chooser. Resolution never hard-fails.
package resolver

import (
	"context"
	"log/slog"
	"strings"

	"github.com/jholhewres/crmclaw/pkg/crmclaw/store"
)

// Outcome is one strategy's verdict.
type Outcome int

const (
	// NoMatch hands resolution to the next strategy.
	NoMatch Outcome = iota
	// Matched selects exactly one org and ends the chain.
	Matched
	// Ambiguous ends the chain and forces the interactive chooser.
	Ambiguous
)

// Request carries everything a strategy may inspect.
type Request struct {
	AccountID string
	Message   string
	ChannelID string
	ThreadTS  string
}

// Result is one strategy's output.
type Result struct {
	Outcome Outcome
	Org     *store.Org
}

// Strategy is one independent resolution heuristic.
type Strategy interface {
	Name() string
	Resolve(ctx context.Context, req Request, orgs []store.Org) Result
}

// Resolver runs the strategy chain in precedence order.
type Resolver struct {
	strategies []Strategy
	logger     *slog.Logger
}

// New creates the default chain: single org, thread affinity, name match,
// intent inference.
func New(st *store.Store, logger *slog.Logger) *Resolver {
	return &Resolver{
		strategies: []Strategy{
			singleOrg{},
			threadAffinity{store: st},
			nameMatch{},
			intentMatch{},
		},
		logger: logger.With("component", "resolver"),
	}
}

// NewWithStrategies creates a resolver with an explicit chain. Tests use
// this to exercise strategies in isolation.
func NewWithStrategies(logger *slog.Logger, strategies ...Strategy) *Resolver {
	return &Resolver{strategies: strategies, logger: logger.With("component", "resolver")}
}

// Resolve picks the target org, or returns nil when the interactive
// chooser is required. It never returns an error for ambiguity — worst
// case is the chooser.
func (r *Resolver) Resolve(ctx context.Context, req Request, orgs []store.Org) *store.Org {
	for _, s := range r.strategies {
		result := s.Resolve(ctx, req, orgs)
		switch result.Outcome {
		case Matched:
			r.logger.Debug("org resolved",
				"strategy", s.Name(),
				"org_id", result.Org.ID,
				"org_name", result.Org.Name,
			)
			return result.Org
		case Ambiguous:
			r.logger.Debug("org resolution ambiguous, deferring to chooser", "strategy", s.Name())
			return nil
		}
	}
	r.logger.Debug("org resolution exhausted all strategies, deferring to chooser")
	return nil
}

// ── Strategy: single connected org ──

type singleOrg struct{}

func (singleOrg) Name() string { return "single_org" }

func (singleOrg) Resolve(_ context.Context, _ Request, orgs []store.Org) Result {
	if len(orgs) == 1 {
		return Result{Outcome: Matched, Org: &orgs[0]}
	}
	return Result{Outcome: NoMatch}
}

// ── Strategy: thread affinity ──
// A thread that already produced a job keeps talking to the same org.

type threadAffinity struct {
	store *store.Store
}

func (threadAffinity) Name() string { return "thread_affinity" }

func (t threadAffinity) Resolve(ctx context.Context, req Request, orgs []store.Org) Result {
	if req.ThreadTS == "" {
		return Result{Outcome: NoMatch}
	}
	job, err := t.store.LatestJobForThread(ctx, req.ChannelID, req.ThreadTS)
	if err != nil {
		return Result{Outcome: NoMatch}
	}
	for i := range orgs {
		if orgs[i].ID == job.OrgID {
			return Result{Outcome: Matched, Org: &orgs[i]}
		}
	}
	// The thread's org has since been disconnected.
	return Result{Outcome: NoMatch}
}

// ── Strategy: name matching ──

// nameStopWords are org name tokens too generic to identify an org.
var nameStopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true,
	"inc": true, "llc": true, "corp": true, "company": true, "team": true,
}

type nameMatch struct{}

func (nameMatch) Name() string { return "name_match" }

func (nameMatch) Resolve(_ context.Context, req Request, orgs []store.Org) Result {
	message := strings.ToLower(req.Message)

	var matches []*store.Org
	for i := range orgs {
		if orgNameMatches(message, orgs[i].Name) {
			matches = append(matches, &orgs[i])
		}
	}

	switch len(matches) {
	case 1:
		return Result{Outcome: Matched, Org: matches[0]}
	case 0:
		return Result{Outcome: NoMatch}
	default:
		// More than one org named in the message: intent inference would
		// only guess, so go straight to the chooser.
		return Result{Outcome: Ambiguous}
	}
}

// orgNameMatches reports whether the lowercased message references the org
// by full name or by any significant name token.
func orgNameMatches(message, orgName string) bool {
	name := strings.ToLower(orgName)
	if name != "" && strings.Contains(message, name) {
		return true
	}
	for _, token := range splitNameTokens(name) {
		if len(token) < 3 || nameStopWords[token] {
			continue
		}
		if strings.Contains(message, token) {
			return true
		}
	}
	return false
}

// splitNameTokens splits an org name on whitespace and punctuation.
func splitNameTokens(name string) []string {
	return strings.FieldsFunc(name, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return false
		}
		return true
	})
}

// ── Strategy: intent inference ──

// developmentKeywords suggest the message wants to change something.
var developmentKeywords = []string{
	"create", "update", "deploy", "test", "refactor", "build", "fix",
	"write", "debug", "implement", "modify", "develop",
}

// readKeywords suggest the message wants to inspect live data.
var readKeywords = []string{
	"how many", "report", "count", "list", "show me", "total",
	"dashboard", "pipeline", "revenue",
}

type intentMatch struct{}

func (intentMatch) Name() string { return "intent_match" }

func (intentMatch) Resolve(_ context.Context, req Request, orgs []store.Org) Result {
	message := strings.ToLower(req.Message)

	if containsAny(message, developmentKeywords) {
		if org := soleOrgWhere(orgs, func(o *store.Org) bool { return !o.Class.IsProduction() }); org != nil {
			return Result{Outcome: Matched, Org: org}
		}
	}
	if containsAny(message, readKeywords) {
		if org := soleOrgWhere(orgs, func(o *store.Org) bool { return o.Class.IsProduction() }); org != nil {
			return Result{Outcome: Matched, Org: org}
		}
	}
	return Result{Outcome: NoMatch}
}

func containsAny(message string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(message, kw) {
			return true
		}
	}
	return false
}

// soleOrgWhere returns the org when exactly one satisfies the predicate.
func soleOrgWhere(orgs []store.Org, pred func(*store.Org) bool) *store.Org {
	var found *store.Org
	for i := range orgs {
		if pred(&orgs[i]) {
			if found != nil {
				return nil
			}
			found = &orgs[i]
		}
	}
	return found
}
