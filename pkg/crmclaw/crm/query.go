// query.go implements read-only query execution with enforced row limits.
package crm

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

const (
	// DefaultRowLimit is appended to queries that carry no LIMIT clause.
	DefaultRowLimit = 200

	// MaxRowLimit is the hard ceiling; larger explicit limits are clamped.
	MaxRowLimit = 2000
)

// limitClauseRe matches a trailing LIMIT clause, capturing the value.
var limitClauseRe = regexp.MustCompile(`(?i)\blimit\s+(\d+)\s*$`)

// identifierRe matches safe object/component names: letters, digits and
// underscore, not leading with a digit. Anything else is rejected before
// being interpolated into a constructed query.
var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether name is safe to use in a constructed query.
func ValidIdentifier(name string) bool {
	return identifierRe.MatchString(name)
}

// PrepareQuery validates that q is a read-only selection and enforces the
// row limit policy: a missing LIMIT gets the default appended, an explicit
// LIMIT above the ceiling is clamped, and anything at or under the ceiling
// is preserved.
func PrepareQuery(q string) (string, error) {
	q = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(q), ";"))
	if q == "" {
		return "", fmt.Errorf("empty query")
	}
	if !strings.HasPrefix(strings.ToLower(q), "select ") {
		return "", fmt.Errorf("only read-only SELECT queries are allowed")
	}

	if m := limitClauseRe.FindStringSubmatch(q); m != nil {
		limit, err := strconv.Atoi(m[1])
		if err != nil || limit <= 0 {
			return "", fmt.Errorf("invalid LIMIT value %q", m[1])
		}
		if limit > MaxRowLimit {
			q = limitClauseRe.ReplaceAllString(q, fmt.Sprintf("LIMIT %d", MaxRowLimit))
		}
		return q, nil
	}

	return fmt.Sprintf("%s LIMIT %d", q, DefaultRowLimit), nil
}

// QueryResult is the outcome of one query execution.
type QueryResult struct {
	TotalSize int              `json:"totalSize"`
	Done      bool             `json:"done"`
	Records   []map[string]any `json:"records"`
}

// Query validates and executes a read-only query. Internal bookkeeping
// fields ("attributes") are stripped from every record.
func (c *Client) Query(ctx context.Context, q string) (*QueryResult, error) {
	prepared, err := PrepareQuery(q)
	if err != nil {
		return nil, err
	}

	var result QueryResult
	params := url.Values{"q": {prepared}}
	if err := c.get(ctx, "/services/data/"+apiVersion+"/query", params, &result); err != nil {
		return nil, err
	}

	for _, rec := range result.Records {
		delete(rec, "attributes")
	}

	c.logger.Debug("query executed", "total", result.TotalSize, "returned", len(result.Records))
	return &result, nil
}

// toolingQuery runs a query against the tooling API (metadata records).
func (c *Client) toolingQuery(ctx context.Context, q string) (*QueryResult, error) {
	var result QueryResult
	params := url.Values{"q": {q}}
	if err := c.get(ctx, "/services/data/"+apiVersion+"/tooling/query", params, &result); err != nil {
		return nil, err
	}
	for _, rec := range result.Records {
		delete(rec, "attributes")
	}
	return &result, nil
}
