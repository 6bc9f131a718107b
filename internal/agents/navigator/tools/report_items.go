package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackzampolin/docnav/internal/agents/navigator"
	"github.com/jackzampolin/docnav/internal/providers"
	"github.com/jackzampolin/docnav/internal/types"
)

// Items whose vertical center falls outside [MinCenterY, MaxCenterY] sit in
// the page header (top 4%) or footer (bottom 8%) and are dropped.
const (
	MinCenterY = 40
	MaxCenterY = 920
)

func reportItemsTool() providers.Tool {
	return providers.Tool{
		Type: "function",
		Function: providers.ToolFunction{
			Name:        navigator.ReportItemsTool,
			Description: "Reports the 2D bounding boxes of detected items (Notes or TOC Links) on a specific page.",
			Parameters: mustMarshal(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"page_number": map[string]any{
						"type":        "integer",
						"minimum":     1,
						"description": "The page number being analyzed.",
					},
					"items": map[string]any{
						"type":        "array",
						"description": "List of detected items.",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"text_content": map[string]any{
									"type":        "string",
									"description": "The text content inside the box.",
								},
								"target_reference": map[string]any{
									"type":        "string",
									"description": "The Note Number (e.g. '4', '2e') or Page Number.",
								},
								"type": map[string]any{
									"type":        "string",
									"enum":        []string{types.ItemNoteRef, types.ItemTOCLink},
									"description": "The type of item.",
								},
								"box_2d": map[string]any{
									"type":        "array",
									"items":       map[string]any{"type": "integer"},
									"minItems":    4,
									"maxItems":    4,
									"description": "The 2D bounding box [ymin, xmin, ymax, xmax] normalized to 0-1000.",
								},
							},
							"required": []string{"text_content", "target_reference", "type", "box_2d"},
						},
					},
				},
				"required": []string{"page_number", "items"},
			}),
		},
	}
}

// groupedItem returns the first item whose text holds more than one value.
func groupedItem(items []navigator.NavigationItem) (navigator.NavigationItem, bool) {
	for _, item := range items {
		if strings.ContainsAny(item.TextContent, ",;") {
			return item, true
		}
	}
	return navigator.NavigationItem{}, false
}

// filterItems clamps every box and drops header and footer noise.
func filterItems(items []navigator.NavigationItem) (kept []navigator.NavigationItem, dropped int) {
	for _, item := range items {
		item.Box2D = item.Box2D.Clamp()
		if c := item.Box2D.CenterY(); c < MinCenterY || c > MaxCenterY {
			dropped++
			continue
		}
		kept = append(kept, item)
	}
	return kept, dropped
}

// reportItems handles report_navigation_items. A grouped reference such as
// "3, 10" rejects the whole call and leaves the page's hotspots untouched.
func (t *NavigatorTools) reportItems(ctx context.Context, session providers.Session, a navigator.ReportItemsArgs) string {
	page := a.PageNumber

	if bad, ok := groupedItem(a.Items); ok {
		t.run.Log(types.LogWarning, fmt.Sprintf("AI attempted to group items: %q. Requesting split...", bad.TextContent))
		return jsonError(fmt.Sprintf(
			"Validation Failed: Item '%s' contains multiple values. You MUST split grouped numbers into separate bounding boxes. Resubmit.",
			bad.TextContent))
	}

	kept, dropped := filterItems(a.Items)
	if dropped > 0 {
		t.logger.Debug("dropped header/footer items", "page", page, "dropped", dropped)
	}

	refined := t.verify(ctx, session, page, kept)

	offset := t.run.PageOffset()
	hotspots := make([]types.LinkHotspot, 0, len(refined))
	for _, item := range refined {
		h := types.LinkHotspot{
			PageNumber:       page,
			NoteNumber:       item.TargetReference,
			Box:              item.Box2D,
			VerificationText: item.TextContent,
			Label:            item.Type,
		}
		h.TargetPage = resolveTarget(h, offset, t.run.LookupNote)
		hotspots = append(hotspots, h)
	}
	t.run.ReplacePageHotspots(page, hotspots)

	t.logger.Info("navigation items processed", "page", page, "count", len(hotspots), "dropped", dropped)
	return jsonResult(navigator.StatusProcessed, map[string]any{"count": len(hotspots)})
}
