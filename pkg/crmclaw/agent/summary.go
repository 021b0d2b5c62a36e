package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jholhewres/crmclaw/pkg/crmclaw/cache"
	"github.com/jholhewres/crmclaw/pkg/crmclaw/crm"
)

// maxSummaryItems caps how many names each inventory section contributes
// to the system prompt. The full listing stays available through the
// list tools.
const maxSummaryItems = 40

// summarySection is one inventory listing folded into the org summary.
type summarySection struct {
	title string
	key   string
	fetch func(ctx context.Context) ([]crm.MetadataSummary, error)
}

// BuildOrgSummary assembles a compact description of the org's metadata
// for the system prompt, served from the inventory cache tier. A section
// whose fetch fails is skipped with a warning rather than failing the
// whole job; the agent just starts with less context.
func BuildOrgSummary(ctx context.Context, c *cache.Cache, client *crm.Client, orgID string, logger *slog.Logger) string {
	sections := []summarySection{
		// The filtered view gets its own key; "objects" belongs to the
		// full listing the list_objects tool serves.
		{"Custom objects", "custom_objects", func(ctx context.Context) ([]crm.MetadataSummary, error) {
			objs, err := client.ListObjects(ctx)
			if err != nil {
				return nil, err
			}
			items := make([]crm.MetadataSummary, 0, len(objs))
			for _, o := range objs {
				if o.Custom {
					items = append(items, crm.MetadataSummary{Name: o.Name})
				}
			}
			return items, nil
		}},
		{"Flows", "flows", client.ListFlows},
		{"Apex classes", "classes", client.ListClasses},
		{"Permission sets", "permission_sets", client.ListPermissionSets},
	}

	var b strings.Builder
	for _, s := range sections {
		raw, err := c.GetOrFetch(ctx, orgID, cache.InventoryKey(s.key), cache.TierInventory, func(ctx context.Context) ([]byte, error) {
			items, err := s.fetch(ctx)
			if err != nil {
				return nil, err
			}
			return json.Marshal(items)
		})
		if err != nil {
			logger.Warn("org summary section unavailable", "section", s.key, "error", err)
			continue
		}
		var items []crm.MetadataSummary
		if err := json.Unmarshal(raw, &items); err != nil {
			logger.Warn("org summary section unreadable", "section", s.key, "error", err)
			continue
		}
		b.WriteString(formatSection(s.title, items))
	}
	return b.String()
}

func formatSection(title string, items []crm.MetadataSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%d):", title, len(items))
	if len(items) == 0 {
		b.WriteString(" none\n")
		return b.String()
	}
	b.WriteString(" ")
	shown := items
	if len(shown) > maxSummaryItems {
		shown = shown[:maxSummaryItems]
	}
	names := make([]string, len(shown))
	for i, it := range shown {
		names[i] = it.Name
	}
	b.WriteString(strings.Join(names, ", "))
	if len(items) > maxSummaryItems {
		fmt.Fprintf(&b, ", ... and %d more", len(items)-maxSummaryItems)
	}
	b.WriteString("\n")
	return b.String()
}
