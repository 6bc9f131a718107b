package tools

import (
	"fmt"

	"github.com/jackzampolin/docnav/internal/agent/observability"
	"github.com/jackzampolin/docnav/internal/agents/navigator"
	"github.com/jackzampolin/docnav/internal/providers"
	"github.com/jackzampolin/docnav/internal/types"
)

func mapStructureTool() providers.Tool {
	return providers.Tool{
		Type: "function",
		Function: providers.ToolFunction{
			Name:        navigator.MapStructureTool,
			Description: "Maps the document sections to their ACTUAL PHYSICAL PDF PAGE INDICES based on text analysis.",
			Parameters: mustMarshal(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"toc_physical_page": map[string]any{
						"type":        "integer",
						"description": "The physical page index where the Table of Contents is found.",
					},
					"financial_position_physical_page": map[string]any{
						"type":        "integer",
						"description": "The physical page index where the 'Statement of Financial Position' (Neraca) actually starts.",
					},
					"financial_position_printed_page_number": map[string]any{
						"type":        "integer",
						"description": "The PRINTED page number (footer) of the Financial Position page. Used to calculate offset.",
					},
					"notes_start_physical_page": map[string]any{
						"type":        "integer",
						"description": "The physical page index where 'Notes to Financial Statements' begins.",
					},
					"notes_end_physical_page": map[string]any{
						"type":        "integer",
						"description": "The physical page index where the Notes section ends.",
					},
				},
				"required": []string{
					"toc_physical_page",
					"financial_position_physical_page",
					"financial_position_printed_page_number",
					"notes_start_physical_page",
				},
			}),
		},
	}
}

// mapStructure records the document landmarks, the page offset and the
// section links they imply.
func (t *NavigatorTools) mapStructure(a navigator.StructureArgs) string {
	sm := a.StructureMap()
	t.run.SetStructure(sm)
	offset := t.run.PageOffset()

	if sm.HasOffset() {
		t.run.Log(types.LogSystem, fmt.Sprintf("Page Offset Calculated: %d", offset),
			observability.WithDetails(fmt.Sprintf("(Physical %d - Printed %d)", sm.FinPosPage, sm.FinPosPrintedPage)))
	}

	var links []types.SectionLink
	if sm.TOCPage > 0 {
		links = append(links, types.SectionLink{Title: "Table of Contents", Page: sm.TOCPage, Type: types.SectionTOC})
	}
	if sm.FinPosPage > 0 {
		links = append(links, types.SectionLink{
			Title:       "Financial Position",
			Page:        sm.FinPosPage,
			Type:        types.SectionStatement,
			PrintedPage: sm.FinPosPrintedPage,
		})
	}
	if sm.NotesStart > 0 {
		links = append(links, types.SectionLink{Title: "Notes to Financials", Page: sm.NotesStart, Type: types.SectionNotes})
	}
	t.run.AddSectionLinks(links...)

	t.run.Log(types.LogSuccess, "Structure Mapped",
		observability.WithDetails(fmt.Sprintf("TOC: Pg%d, Financials: Pg%d, Offset: %d", sm.TOCPage, sm.FinPosPage, offset)))
	t.logger.Info("structure mapped", "toc", sm.TOCPage, "fin_pos", sm.FinPosPage, "notes_start", sm.NotesStart, "notes_end", sm.NotesEnd, "offset", offset)

	return jsonResult(navigator.StatusSuccess, map[string]any{"page_offset": offset})
}
