// metadata.go implements describes, inventory listings, component source
// reads, guarded create/update calls, and synchronous test runs.
package crm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ComponentKind names a writable/readable component type.
type ComponentKind string

const (
	KindClass     ComponentKind = "class"
	KindTrigger   ComponentKind = "trigger"
	KindFlow      ComponentKind = "flow"
	KindComponent ComponentKind = "component"
)

// toolingObject maps a component kind to its tooling API record type.
var toolingObject = map[ComponentKind]string{
	KindClass:     "ApexClass",
	KindTrigger:   "ApexTrigger",
	KindFlow:      "Flow",
	KindComponent: "AuraDefinitionBundle",
}

// FieldDescribe is one field in an object describe.
type FieldDescribe struct {
	Name           string   `json:"name"`
	Label          string   `json:"label"`
	Type           string   `json:"type"`
	PicklistValues []string `json:"picklistValues,omitempty"`
	ReferenceTo    []string `json:"referenceTo,omitempty"`
}

// RelationshipDescribe is one child relationship in an object describe.
type RelationshipDescribe struct {
	Name        string `json:"relationshipName"`
	ChildObject string `json:"childSObject"`
	Field       string `json:"field"`
}

// ObjectDescribe is the field/relationship/picklist metadata of one object.
type ObjectDescribe struct {
	Name          string                 `json:"name"`
	Label         string                 `json:"label"`
	Custom        bool                   `json:"custom"`
	Fields        []FieldDescribe        `json:"fields"`
	Relationships []RelationshipDescribe `json:"childRelationships"`
}

// ObjectSummary is one entry in the object inventory.
type ObjectSummary struct {
	Name   string `json:"name"`
	Label  string `json:"label"`
	Custom bool   `json:"custom"`
}

// MetadataSummary is one entry in a metadata inventory (flows, classes,
// components, permission sets).
type MetadataSummary struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

// Describe returns field/relationship/picklist metadata for a named object.
func (c *Client) Describe(ctx context.Context, object string) (*ObjectDescribe, error) {
	if !ValidIdentifier(object) {
		return nil, fmt.Errorf("invalid object name %q", object)
	}

	// Raw describe payload; picklist values arrive as value objects.
	var raw struct {
		Name   string `json:"name"`
		Label  string `json:"label"`
		Custom bool   `json:"custom"`
		Fields []struct {
			Name           string   `json:"name"`
			Label          string   `json:"label"`
			Type           string   `json:"type"`
			ReferenceTo    []string `json:"referenceTo"`
			PicklistValues []struct {
				Value  string `json:"value"`
				Active bool   `json:"active"`
			} `json:"picklistValues"`
		} `json:"fields"`
		ChildRelationships []RelationshipDescribe `json:"childRelationships"`
	}
	path := fmt.Sprintf("/services/data/%s/sobjects/%s/describe", apiVersion, object)
	if err := c.get(ctx, path, nil, &raw); err != nil {
		return nil, err
	}

	desc := &ObjectDescribe{
		Name:          raw.Name,
		Label:         raw.Label,
		Custom:        raw.Custom,
		Relationships: raw.ChildRelationships,
	}
	for _, f := range raw.Fields {
		fd := FieldDescribe{Name: f.Name, Label: f.Label, Type: f.Type, ReferenceTo: f.ReferenceTo}
		for _, pv := range f.PicklistValues {
			if pv.Active {
				fd.PicklistValues = append(fd.PicklistValues, pv.Value)
			}
		}
		desc.Fields = append(desc.Fields, fd)
	}
	return desc, nil
}

// ListObjects returns the schema object inventory.
func (c *Client) ListObjects(ctx context.Context) ([]ObjectSummary, error) {
	var raw struct {
		SObjects []ObjectSummary `json:"sobjects"`
	}
	if err := c.get(ctx, "/services/data/"+apiVersion+"/sobjects", nil, &raw); err != nil {
		return nil, err
	}
	return raw.SObjects, nil
}

// ListFlows returns the active automation inventory.
func (c *Client) ListFlows(ctx context.Context) ([]MetadataSummary, error) {
	return c.listMetadata(ctx,
		"SELECT Id, MasterLabel, Status FROM Flow ORDER BY MasterLabel",
		"MasterLabel")
}

// ListClasses returns the code class inventory.
func (c *Client) ListClasses(ctx context.Context) ([]MetadataSummary, error) {
	return c.listMetadata(ctx,
		"SELECT Id, Name, Status FROM ApexClass ORDER BY Name",
		"Name")
}

// ListComponents returns the UI component inventory.
func (c *Client) ListComponents(ctx context.Context) ([]MetadataSummary, error) {
	return c.listMetadata(ctx,
		"SELECT Id, DeveloperName FROM AuraDefinitionBundle ORDER BY DeveloperName",
		"DeveloperName")
}

// ListPermissionSets returns the permission artifact inventory.
func (c *Client) ListPermissionSets(ctx context.Context) ([]MetadataSummary, error) {
	return c.listMetadata(ctx,
		"SELECT Id, Name FROM PermissionSet WHERE IsOwnedByProfile = false ORDER BY Name",
		"Name")
}

func (c *Client) listMetadata(ctx context.Context, q, nameField string) ([]MetadataSummary, error) {
	result, err := c.toolingQuery(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]MetadataSummary, 0, len(result.Records))
	for _, rec := range result.Records {
		m := MetadataSummary{}
		if v, ok := rec["Id"].(string); ok {
			m.ID = v
		}
		if v, ok := rec[nameField].(string); ok {
			m.Name = v
		}
		if v, ok := rec["Status"].(string); ok {
			m.Status = v
		}
		out = append(out, m)
	}
	return out, nil
}

// ComponentSource fetches the full source body of one component. The name
// is validated against the identifier pattern before being interpolated
// into the lookup query. A missing component yields a descriptive error.
func (c *Client) ComponentSource(ctx context.Context, kind ComponentKind, name string) (string, error) {
	if !ValidIdentifier(name) {
		return "", fmt.Errorf("invalid %s name %q: names may contain only letters, digits and underscores and must not start with a digit", kind, name)
	}
	obj, ok := toolingObject[kind]
	if !ok {
		return "", fmt.Errorf("unknown component kind %q", kind)
	}

	nameField := "Name"
	bodyField := "Body"
	switch kind {
	case KindFlow:
		nameField, bodyField = "MasterLabel", "Metadata"
	case KindComponent:
		nameField, bodyField = "DeveloperName", "Source"
	}

	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s = '%s' LIMIT 1", bodyField, obj, nameField, name)
	result, err := c.toolingQuery(ctx, q)
	if err != nil {
		return "", err
	}
	if len(result.Records) == 0 {
		return "", fmt.Errorf("%s %q not found in org", kind, name)
	}

	body := result.Records[0][bodyField]
	switch v := body.(type) {
	case string:
		return v, nil
	case nil:
		return "", fmt.Errorf("%s %q has no source body", kind, name)
	default:
		// Flow metadata arrives as a JSON object; return it verbatim.
		return fmt.Sprintf("%v", v), nil
	}
}

// CompileError is one structured compile/validation failure from a write.
type CompileError struct {
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Problem string `json:"problem"`
}

func (e CompileError) String() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d, col %d: %s", e.Line, e.Column, e.Problem)
	}
	return e.Problem
}

// CreateComponent creates a new class or trigger. Compile/validation
// failures are returned as structured errors with a nil error value so
// callers can feed them back into the reasoning loop.
func (c *Client) CreateComponent(ctx context.Context, kind ComponentKind, name, body string) ([]CompileError, error) {
	if !ValidIdentifier(name) {
		return nil, fmt.Errorf("invalid %s name %q: names may contain only letters, digits and underscores and must not start with a digit", kind, name)
	}
	obj, ok := toolingObject[kind]
	if !ok {
		return nil, fmt.Errorf("unknown component kind %q", kind)
	}

	payload := map[string]any{"Name": name, "Body": body}
	path := fmt.Sprintf("/services/data/%s/tooling/sobjects/%s", apiVersion, obj)

	var out struct {
		ID      string `json:"id"`
		Success bool   `json:"success"`
	}
	err := c.send(ctx, http.MethodPost, path, payload, &out)
	if err != nil {
		if errs := compileErrorsFrom(err); errs != nil {
			return errs, nil
		}
		return nil, err
	}

	c.logger.Info("component created", "kind", string(kind), "name", name, "id", out.ID)
	return nil, nil
}

// UpdateComponent replaces the body of an existing class or trigger.
// Compile/validation failures are returned as structured errors.
func (c *Client) UpdateComponent(ctx context.Context, kind ComponentKind, name, body string) ([]CompileError, error) {
	if !ValidIdentifier(name) {
		return nil, fmt.Errorf("invalid %s name %q: names may contain only letters, digits and underscores and must not start with a digit", kind, name)
	}
	obj, ok := toolingObject[kind]
	if !ok {
		return nil, fmt.Errorf("unknown component kind %q", kind)
	}

	// Resolve the record ID first; a missing component is a hard error.
	q := fmt.Sprintf("SELECT Id FROM %s WHERE Name = '%s' LIMIT 1", obj, name)
	result, err := c.toolingQuery(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(result.Records) == 0 {
		return nil, fmt.Errorf("%s %q not found in org", kind, name)
	}
	id, _ := result.Records[0]["Id"].(string)

	path := fmt.Sprintf("/services/data/%s/tooling/sobjects/%s/%s", apiVersion, obj, url.PathEscape(id))
	err = c.send(ctx, http.MethodPatch, path, map[string]any{"Body": body}, nil)
	if err != nil {
		if errs := compileErrorsFrom(err); errs != nil {
			return errs, nil
		}
		return nil, err
	}

	c.logger.Info("component updated", "kind", string(kind), "name", name)
	return nil, nil
}

// compileErrorsFrom extracts structured compile problems from a platform
// error, or nil when the failure is not a compile/validation rejection.
func compileErrorsFrom(err error) []CompileError {
	var pe *PlatformError
	if !errors.As(err, &pe) || pe.StatusCode != http.StatusBadRequest {
		return nil
	}
	problem := pe.Message
	line, col := 0, 0
	// The platform encodes position as "Name: line 4, column 12: ..." in
	// the message; best-effort parse, fall back to the raw message.
	if n, _ := fmt.Sscanf(problem, "line %d, column %d", &line, &col); n == 2 {
		if idx := strings.Index(problem, ":"); idx >= 0 {
			problem = strings.TrimSpace(problem[idx+1:])
		}
	}
	return []CompileError{{Line: line, Column: col, Problem: problem}}
}

// TestFailure is one failed test method.
type TestFailure struct {
	Class   string `json:"name"`
	Method  string `json:"methodName"`
	Message string `json:"message"`
}

// CoverageEntry is coverage for one class after a test run.
type CoverageEntry struct {
	Name    string  `json:"name"`
	Percent float64 `json:"percent"`
}

// TestRunResult is the outcome of a synchronous test run.
type TestRunResult struct {
	TestsRun    int             `json:"numTestsRun"`
	Failures    int             `json:"numFailures"`
	FailureList []TestFailure   `json:"failures"`
	Coverage    []CoverageEntry `json:"coverage"`
}

// RunTests runs the named test classes synchronously and returns pass/fail
// counts, per-failure messages, and coverage percentages.
func (c *Client) RunTests(ctx context.Context, classes []string) (*TestRunResult, error) {
	for _, name := range classes {
		if !ValidIdentifier(name) {
			return nil, fmt.Errorf("invalid test class name %q", name)
		}
	}

	payload := map[string]any{"tests": make([]map[string]string, 0, len(classes))}
	tests := payload["tests"].([]map[string]string)
	for _, name := range classes {
		tests = append(tests, map[string]string{"className": name})
	}
	payload["tests"] = tests

	var raw struct {
		NumTestsRun int `json:"numTestsRun"`
		NumFailures int `json:"numFailures"`
		Failures    []struct {
			Name       string `json:"name"`
			MethodName string `json:"methodName"`
			Message    string `json:"message"`
		} `json:"failures"`
		CodeCoverage []struct {
			Name               string `json:"name"`
			NumLocations       int    `json:"numLocations"`
			NumLocationsNotCov int    `json:"numLocationsNotCovered"`
		} `json:"codeCoverage"`
	}
	path := fmt.Sprintf("/services/data/%s/tooling/runTestsSynchronous", apiVersion)
	if err := c.send(ctx, http.MethodPost, path, payload, &raw); err != nil {
		return nil, err
	}

	result := &TestRunResult{TestsRun: raw.NumTestsRun, Failures: raw.NumFailures}
	for _, f := range raw.Failures {
		result.FailureList = append(result.FailureList, TestFailure{
			Class: f.Name, Method: f.MethodName, Message: f.Message,
		})
	}
	for _, cov := range raw.CodeCoverage {
		pct := 100.0
		if cov.NumLocations > 0 {
			pct = 100.0 * float64(cov.NumLocations-cov.NumLocationsNotCov) / float64(cov.NumLocations)
		}
		result.Coverage = append(result.Coverage, CoverageEntry{Name: cov.Name, Percent: pct})
	}
	return result, nil
}
