package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jholhewres/crmclaw/pkg/crmclaw/cache"
	"github.com/jholhewres/crmclaw/pkg/crmclaw/crm"
	"github.com/jholhewres/crmclaw/pkg/crmclaw/store"
	"github.com/jholhewres/crmclaw/pkg/crmclaw/tools"
)

func TestOrgSummaryAndObjectListingKeepSeparateCaches(t *testing.T) {
	// The summary's custom-object view filters and reshapes the listing;
	// the list_objects tool serves the full one. They must not share a
	// cache entry, or standard objects vanish from the tool output.
	ctx := context.Background()
	logger := testLogger()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sobjects") {
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"sobjects": []map[string]any{
				{"name": "Account", "label": "Account", "custom": false},
				{"name": "Invoice__c", "label": "Invoice", "custom": true},
			},
		})
	}))
	defer srv.Close()

	st, err := store.Open(filepath.Join(t.TempDir(), "crmclaw.db"), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	c := cache.New(st, time.Hour, time.Hour, logger)
	// Seed the other summary sections so only the objects fetch reaches
	// the server.
	empty, _ := json.Marshal([]crm.MetadataSummary{})
	for _, section := range []string{"flows", "classes", "permission_sets"} {
		if _, err := c.GetOrFetch(ctx, "org-1", cache.InventoryKey(section), cache.TierInventory,
			func(context.Context) ([]byte, error) { return empty, nil }); err != nil {
			t.Fatalf("seed cache: %v", err)
		}
	}

	client, err := crm.Connect(ctx, crm.Credentials{InstanceURL: srv.URL, AccessToken: "tok"}, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	summary := BuildOrgSummary(ctx, c, client, "org-1", logger)
	if !strings.Contains(summary, "Invoice__c") {
		t.Errorf("summary missing the custom object:\n%s", summary)
	}
	if strings.Contains(summary, "Account") {
		t.Errorf("summary lists a standard object:\n%s", summary)
	}

	org := &store.Org{ID: "org-1", Name: "Staging", Class: store.ClassSandbox}
	env := &tools.Env{Org: org, CRM: client, Cache: c, Logger: logger}
	results := tools.DefaultRegistry(logger).Execute(ctx, env, []tools.Call{{
		ID:       "c1",
		Type:     "function",
		Function: tools.FunctionCall{Name: "list_objects", Arguments: "{}"},
	}})
	if len(results) != 1 || results[0].IsError {
		t.Fatalf("list_objects results = %+v", results)
	}
	for _, want := range []string{"Account", "Invoice__c", "label"} {
		if !strings.Contains(results[0].Content, want) {
			t.Errorf("list_objects output missing %q:\n%s", want, results[0].Content)
		}
	}
}
