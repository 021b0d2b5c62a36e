// read_tools.go implements the read-only tool set: query execution,
// object describes, cached inventory listings, and deep component reads.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jholhewres/crmclaw/pkg/crmclaw/cache"
	"github.com/jholhewres/crmclaw/pkg/crmclaw/crm"
)

// maxSampleRows caps how many result rows are shown to the model.
const maxSampleRows = 20

// ── run_query ──

type queryTool struct{}

func (queryTool) Name() string { return "run_query" }
func (queryTool) Mode() Mode   { return ModeAll }

func (queryTool) Definition() Definition {
	return Definition{
		Type: "function",
		Function: FunctionDef{
			Name: "run_query",
			Description: "Run a read-only SELECT query against the org. " +
				"A row limit is enforced automatically; results include the total match count and sample rows.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"query": {"type": "string", "description": "The SELECT query to execute."}
				},
				"required": ["query"]
			}`),
		},
	}
}

func (queryTool) Execute(ctx context.Context, env *Env, args map[string]any) (string, error) {
	q, err := stringArg(args, "query")
	if err != nil {
		return "", err
	}

	result, err := env.CRM.Query(ctx, q)
	if err != nil {
		return "", err
	}

	sample := result.Records
	if len(sample) > maxSampleRows {
		sample = sample[:maxSampleRows]
	}
	rows, err := json.MarshalIndent(sample, "", "  ")
	if err != nil {
		return "", fmt.Errorf("formatting rows: %w", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Total matches: %d\n", result.TotalSize)
	fmt.Fprintf(&sb, "Sample rows (%d of %d returned):\n", len(sample), len(result.Records))
	sb.Write(rows)
	return sb.String(), nil
}

// ── describe_object ──

type describeTool struct{}

func (describeTool) Name() string { return "describe_object" }
func (describeTool) Mode() Mode   { return ModeAll }

func (describeTool) Definition() Definition {
	return Definition{
		Type: "function",
		Function: FunctionDef{
			Name:        "describe_object",
			Description: "Return field, relationship and picklist metadata for a named schema object.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"object": {"type": "string", "description": "API name of the object, e.g. Account."}
				},
				"required": ["object"]
			}`),
		},
	}
}

func (describeTool) Execute(ctx context.Context, env *Env, args map[string]any) (string, error) {
	object, err := stringArg(args, "object")
	if err != nil {
		return "", err
	}
	desc, err := env.CRM.Describe(ctx, object)
	if err != nil {
		return "", err
	}
	out, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("formatting describe: %w", err)
	}
	return string(out), nil
}

// ── inventory tools (served from the inventory cache) ──

// fetchInventory reads one inventory section through the cache.
func fetchInventory(ctx context.Context, env *Env, section string, fetch func(context.Context) (any, error)) (string, error) {
	payload, err := env.Cache.GetOrFetch(ctx, env.Org.ID, cache.InventoryKey(section), cache.TierInventory,
		func(ctx context.Context) ([]byte, error) {
			items, err := fetch(ctx)
			if err != nil {
				return nil, err
			}
			return json.MarshalIndent(items, "", "  ")
		})
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

// noParams is the schema for tools without arguments.
var noParams = json.RawMessage(`{"type": "object", "properties": {}}`)

type listObjectsTool struct{}

func (listObjectsTool) Name() string { return "list_objects" }
func (listObjectsTool) Mode() Mode   { return ModeAll }

func (listObjectsTool) Definition() Definition {
	return Definition{Type: "function", Function: FunctionDef{
		Name:        "list_objects",
		Description: "List all schema objects in the org (name, label, custom flag).",
		Parameters:  noParams,
	}}
}

func (listObjectsTool) Execute(ctx context.Context, env *Env, _ map[string]any) (string, error) {
	return fetchInventory(ctx, env, "objects", func(ctx context.Context) (any, error) {
		return env.CRM.ListObjects(ctx)
	})
}

type listFlowsTool struct{}

func (listFlowsTool) Name() string { return "list_flows" }
func (listFlowsTool) Mode() Mode   { return ModeAll }

func (listFlowsTool) Definition() Definition {
	return Definition{Type: "function", Function: FunctionDef{
		Name:        "list_flows",
		Description: "List the automation flows in the org with their status.",
		Parameters:  noParams,
	}}
}

func (listFlowsTool) Execute(ctx context.Context, env *Env, _ map[string]any) (string, error) {
	return fetchInventory(ctx, env, "flows", func(ctx context.Context) (any, error) {
		return env.CRM.ListFlows(ctx)
	})
}

type listClassesTool struct{}

func (listClassesTool) Name() string { return "list_classes" }
func (listClassesTool) Mode() Mode   { return ModeAll }

func (listClassesTool) Definition() Definition {
	return Definition{Type: "function", Function: FunctionDef{
		Name:        "list_classes",
		Description: "List the code classes in the org.",
		Parameters:  noParams,
	}}
}

func (listClassesTool) Execute(ctx context.Context, env *Env, _ map[string]any) (string, error) {
	return fetchInventory(ctx, env, "classes", func(ctx context.Context) (any, error) {
		return env.CRM.ListClasses(ctx)
	})
}

type listComponentsTool struct{}

func (listComponentsTool) Name() string { return "list_components" }
func (listComponentsTool) Mode() Mode   { return ModeAll }

func (listComponentsTool) Definition() Definition {
	return Definition{Type: "function", Function: FunctionDef{
		Name:        "list_components",
		Description: "List the UI component bundles in the org.",
		Parameters:  noParams,
	}}
}

func (listComponentsTool) Execute(ctx context.Context, env *Env, _ map[string]any) (string, error) {
	return fetchInventory(ctx, env, "components", func(ctx context.Context) (any, error) {
		return env.CRM.ListComponents(ctx)
	})
}

// ── deep-read tools (served from the component cache) ──

type sourceTool struct {
	kind        crm.ComponentKind
	name        string
	description string
}

func newSourceTool(kind crm.ComponentKind, name, description string) *sourceTool {
	return &sourceTool{kind: kind, name: name, description: description}
}

func (t *sourceTool) Name() string { return t.name }
func (t *sourceTool) Mode() Mode   { return ModeAll }

func (t *sourceTool) Definition() Definition {
	return Definition{Type: "function", Function: FunctionDef{
		Name:        t.name,
		Description: t.description,
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"name": {"type": "string", "description": "API name of the component."}
			},
			"required": ["name"]
		}`),
	}}
}

func (t *sourceTool) Execute(ctx context.Context, env *Env, args map[string]any) (string, error) {
	name, err := stringArg(args, "name")
	if err != nil {
		return "", err
	}
	if !crm.ValidIdentifier(name) {
		return "", fmt.Errorf("invalid %s name %q: names may contain only letters, digits and underscores and must not start with a digit", t.kind, name)
	}

	payload, err := env.Cache.GetOrFetch(ctx, env.Org.ID, cache.ComponentKey(string(t.kind), name), cache.TierComponent,
		func(ctx context.Context) ([]byte, error) {
			source, err := env.CRM.ComponentSource(ctx, t.kind, name)
			if err != nil {
				return nil, err
			}
			return []byte(source), nil
		})
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

// ── run_tests ──

type runTestsTool struct{}

func (runTestsTool) Name() string { return "run_tests" }
func (runTestsTool) Mode() Mode   { return ModeDevelopment }

func (runTestsTool) Definition() Definition {
	return Definition{Type: "function", Function: FunctionDef{
		Name: "run_tests",
		Description: "Run named test classes synchronously in the org. " +
			"Returns pass/fail counts, failure messages, and coverage percentages.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"classes": {
					"type": "array",
					"items": {"type": "string"},
					"description": "Test class names to run."
				}
			},
			"required": ["classes"]
		}`),
	}}
}

func (runTestsTool) Execute(ctx context.Context, env *Env, args map[string]any) (string, error) {
	raw, ok := args["classes"].([]any)
	if !ok || len(raw) == 0 {
		return "", fmt.Errorf("argument \"classes\" must be a non-empty array of test class names")
	}
	classes := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok || s == "" {
			return "", fmt.Errorf("argument \"classes\" must contain only non-empty strings")
		}
		classes = append(classes, s)
	}

	result, err := env.CRM.RunTests(ctx, classes)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Tests run: %d, failures: %d\n", result.TestsRun, result.Failures)
	for _, f := range result.FailureList {
		fmt.Fprintf(&sb, "FAIL %s.%s: %s\n", f.Class, f.Method, f.Message)
	}
	for _, cov := range result.Coverage {
		fmt.Fprintf(&sb, "Coverage %s: %.1f%%\n", cov.Name, cov.Percent)
	}

	// Failing tests are a tool-level error so the model sees and reacts to
	// them — not a loop-level failure.
	if result.Failures > 0 {
		return "", fmt.Errorf("%d of %d tests failed:\n%s", result.Failures, result.TestsRun, sb.String())
	}
	return sb.String(), nil
}
