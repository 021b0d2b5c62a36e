// write_tools.go implements the mutating tool set: create/update of code
// classes and triggers. Every mutation asserts the org is writable,
// returns compile failures as tool errors the model can react to, and
// invalidates the affected cache entries after a successful write.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jholhewres/crmclaw/pkg/crmclaw/crm"
	"github.com/jholhewres/crmclaw/pkg/crmclaw/store"
)

type writeTool struct {
	kind     crm.ComponentKind
	isUpdate bool
	toolName string
}

func newWriteTool(kind crm.ComponentKind, isUpdate bool) *writeTool {
	verb := "create"
	if isUpdate {
		verb = "update"
	}
	return &writeTool{
		kind:     kind,
		isUpdate: isUpdate,
		toolName: fmt.Sprintf("%s_%s", verb, kind),
	}
}

func (t *writeTool) Name() string { return t.toolName }
func (t *writeTool) Mode() Mode   { return ModeDevelopment }

func (t *writeTool) Definition() Definition {
	verb := "Create a new"
	if t.isUpdate {
		verb = "Replace the body of an existing"
	}
	return Definition{Type: "function", Function: FunctionDef{
		Name: t.toolName,
		Description: fmt.Sprintf("%s %s in the org. Requires prior user confirmation of the intended change. "+
			"Compile errors are returned for correction.", verb, t.kind),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"name": {"type": "string", "description": "API name of the component."},
				"body": {"type": "string", "description": "Full source body."}
			},
			"required": ["name", "body"]
		}`),
	}}
}

func (t *writeTool) Execute(ctx context.Context, env *Env, args map[string]any) (string, error) {
	if err := assertWritableOrg(env.Org); err != nil {
		return "", err
	}

	name, err := stringArg(args, "name")
	if err != nil {
		return "", err
	}
	body, err := stringArg(args, "body")
	if err != nil {
		return "", err
	}
	if !crm.ValidIdentifier(name) {
		return "", fmt.Errorf("invalid %s name %q: names may contain only letters, digits and underscores and must not start with a digit", t.kind, name)
	}

	var compileErrs []crm.CompileError
	if t.isUpdate {
		compileErrs, err = env.CRM.UpdateComponent(ctx, t.kind, name, body)
	} else {
		compileErrs, err = env.CRM.CreateComponent(ctx, t.kind, name, body)
	}
	if err != nil {
		return "", err
	}
	if len(compileErrs) > 0 {
		var sb strings.Builder
		fmt.Fprintf(&sb, "%s %s rejected by the org:\n", t.kind, name)
		for _, ce := range compileErrs {
			sb.WriteString("  " + ce.String() + "\n")
		}
		return "", fmt.Errorf("%s", sb.String())
	}

	// The remote accepted the write: the cached source and its inventory
	// section are stale now.
	if err := env.Cache.InvalidateComponent(ctx, env.Org.ID, string(t.kind), name); err != nil {
		env.Logger.Warn("cache invalidation after write failed",
			"kind", string(t.kind), "name", name, "error", err)
	}

	// Keep the written source as a job artifact for the audit trail.
	if env.Store != nil && env.JobID != "" {
		artifact := &store.JobArtifact{
			JobID:       env.JobID,
			Name:        fmt.Sprintf("%s_%s", t.kind, name),
			ContentType: "text/plain",
			Body:        []byte(body),
		}
		if err := env.Store.AddJobArtifact(ctx, artifact); err != nil {
			env.Logger.Warn("artifact write failed", "job_id", env.JobID, "error", err)
		}
	}

	verb := "created"
	if t.isUpdate {
		verb = "updated"
	}
	return fmt.Sprintf("%s %q %s successfully.", t.kind, name, verb), nil
}
