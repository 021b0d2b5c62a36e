// Package tools declares the callable tool surface the reasoning model may
// request, and dispatches tool calls to their handlers.
//
// Capability gating happens twice: the registry filters which definitions
// are offered based on the org class (production orgs only see all-mode
// tools), and execution re-checks the mode as defense in depth. Mutating
// tools additionally call assertWritableOrg, which refuses production orgs
// unconditionally — independent of which tools were offered.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jholhewres/crmclaw/pkg/crmclaw/cache"
	"github.com/jholhewres/crmclaw/pkg/crmclaw/crm"
	"github.com/jholhewres/crmclaw/pkg/crmclaw/store"
)

// Mode declares which org classes may use a tool.
type Mode int

const (
	// ModeAll tools are offered to every org class.
	ModeAll Mode = iota
	// ModeDevelopment tools are offered only to non-production orgs.
	ModeDevelopment
)

// ErrWriteBlocked is returned when a mutating tool targets a production org.
var ErrWriteBlocked = errors.New("write blocked: org is production")

// Definition is the OpenAI-compatible tool definition exposed to the model.
// The parameter schema is a compatibility surface: renaming a required
// field breaks the model's learned calling conventions.
type Definition struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef describes a callable function exposed to the model.
type FunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Call represents a tool invocation requested by the model.
type Call struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall holds the function name and serialized arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Result is the uniform outcome of one tool execution: textual content
// plus an error flag. Errors are values fed back into the reasoning loop,
// never raised out of it.
type Result struct {
	CallID  string
	Name    string
	Content string
	IsError bool
}

// Env is the execution context shared by every tool in one agent turn.
type Env struct {
	Org    *store.Org
	CRM    *crm.Client
	Cache  *cache.Cache
	Store  *store.Store
	JobID  string
	Logger *slog.Logger
}

// Tool is one named, schema-described operation.
type Tool interface {
	Name() string
	Mode() Mode
	Definition() Definition
	// Execute returns textual content for the model, or an error that is
	// converted into an error-flagged Result.
	Execute(ctx context.Context, env *Env, args map[string]any) (string, error)
}

// assertWritableOrg refuses any mutation against a production org. Called
// at the start of every mutating tool, regardless of tool filtering state.
func assertWritableOrg(org *store.Org) error {
	if org.Class.IsProduction() {
		return fmt.Errorf("org %q is production: %w", org.Name, ErrWriteBlocked)
	}
	return nil
}

// Registry maps tool names to handlers and applies the capability gate.
type Registry struct {
	order  []string
	tools  map[string]Tool
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logger.With("component", "tools"),
	}
}

// DefaultRegistry returns the full crmclaw tool catalog.
func DefaultRegistry(logger *slog.Logger) *Registry {
	r := NewRegistry(logger)
	r.Register(&queryTool{})
	r.Register(&describeTool{})
	r.Register(&listObjectsTool{})
	r.Register(&listFlowsTool{})
	r.Register(&listClassesTool{})
	r.Register(&listComponentsTool{})
	r.Register(newSourceTool(crm.KindClass, "get_class_source", "Fetch the full source body of a named code class."))
	r.Register(newSourceTool(crm.KindTrigger, "get_trigger_source", "Fetch the full source body of a named trigger."))
	r.Register(newSourceTool(crm.KindFlow, "get_flow_source", "Fetch the definition of a named automation flow."))
	r.Register(newSourceTool(crm.KindComponent, "get_component_source", "Fetch the source of a named UI component bundle."))
	r.Register(&runTestsTool{})
	r.Register(newWriteTool(crm.KindClass, false))
	r.Register(newWriteTool(crm.KindClass, true))
	r.Register(newWriteTool(crm.KindTrigger, false))
	r.Register(newWriteTool(crm.KindTrigger, true))
	return r
}

// Register adds a tool. A tool with the same name is overwritten.
func (r *Registry) Register(t Tool) {
	name := t.Name()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
	r.logger.Debug("tool registered", "name", name)
}

// Names returns all registered tool names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// DefinitionsFor returns the tool catalog offered to an org class: every
// tool for non-production classes, only all-mode tools for production.
// This filtering is the primary enforcement of the capability gate.
func (r *Registry) DefinitionsFor(class store.OrgClass) []Definition {
	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		if class.IsProduction() && t.Mode() == ModeDevelopment {
			continue
		}
		defs = append(defs, t.Definition())
	}
	return defs
}

// Execute dispatches a batch of tool calls requested in a single model
// turn. Calls run sequentially — no two tool calls for the same job ever
// run concurrently — and results are returned in input order. Unknown
// names and handler failures become error-flagged results.
func (r *Registry) Execute(ctx context.Context, env *Env, calls []Call) []Result {
	results := make([]Result, 0, len(calls))
	for _, call := range calls {
		results = append(results, r.executeOne(ctx, env, call))
	}
	return results
}

func (r *Registry) executeOne(ctx context.Context, env *Env, call Call) Result {
	name := call.Function.Name

	tool, ok := r.tools[name]
	if !ok {
		return errorResult(call, fmt.Sprintf("unknown tool %q", name))
	}

	// Secondary gate: a development-mode tool must never execute without a
	// write-capable org context, even if filtering was bypassed.
	if tool.Mode() == ModeDevelopment && env.Org.Class.IsProduction() {
		r.logger.Warn("development tool blocked on production org",
			"tool", name,
			"org_id", env.Org.ID,
		)
		return errorResult(call, fmt.Sprintf("tool %q is not available for production orgs", name))
	}

	args := map[string]any{}
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return errorResult(call, fmt.Sprintf("invalid arguments for %q: %v", name, err))
		}
	}

	r.logger.Debug("executing tool", "tool", name, "job_id", env.JobID)
	content, err := tool.Execute(ctx, env, args)
	if err != nil {
		r.logJobActivity(ctx, env, "warn", fmt.Sprintf("tool %s failed: %v", name, err))
		return errorResult(call, err.Error())
	}

	r.logJobActivity(ctx, env, "info", fmt.Sprintf("tool %s executed", name))
	return Result{CallID: call.ID, Name: name, Content: content}
}

// logJobActivity appends to the job log for observability. Best effort.
func (r *Registry) logJobActivity(ctx context.Context, env *Env, level, message string) {
	if env.Store == nil || env.JobID == "" {
		return
	}
	if err := env.Store.AppendJobLog(ctx, env.JobID, level, message); err != nil {
		r.logger.Warn("job log append failed", "job_id", env.JobID, "error", err)
	}
}

func errorResult(call Call, message string) Result {
	return Result{
		CallID:  call.ID,
		Name:    call.Function.Name,
		Content: message,
		IsError: true,
	}
}

// stringArg extracts a required string argument.
func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("argument %q must be a non-empty string", key)
	}
	return s, nil
}
