package tools

import (
	"fmt"
	"strings"

	"github.com/jackzampolin/docnav/internal/agent/observability"
	"github.com/jackzampolin/docnav/internal/agents/navigator"
	"github.com/jackzampolin/docnav/internal/providers"
	"github.com/jackzampolin/docnav/internal/types"
)

func indexNotesTool() providers.Tool {
	return providers.Tool{
		Type: "function",
		Function: providers.ToolFunction{
			Name:        navigator.IndexNotesTool,
			Description: "Scans the text of the 'Notes to Financial Statements' section to map Note Numbers to their Physical Page Indices.",
			Parameters: mustMarshal(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"notes_mapping": map[string]any{
						"type":        "array",
						"description": "List of mappings from Note Number to Physical Page.",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"note_number": map[string]any{
									"type":        "string",
									"description": "The Note Number (e.g. '2e', '4', '33').",
								},
								"physical_page_index": map[string]any{
									"type":        "integer",
									"description": "The physical PDF page index where this Note is defined.",
								},
							},
						},
					},
				},
				"required": []string{"notes_mapping"},
			}),
		},
	}
}

// indexNotes fills the note index and adds a NoteReference for each note
// number not seen before. Calling it twice with the same mapping adds nothing
// the second time.
func (t *NavigatorTools) indexNotes(a navigator.IndexNotesArgs) string {
	added := 0
	for _, m := range a.NotesMapping {
		num := strings.TrimSpace(m.NoteNumber)
		if num == "" || m.PhysicalPageIndex == 0 {
			continue
		}
		page := m.PhysicalPageIndex
		t.run.IndexNote(observability.NormalizeNoteKey(num), page)
		if t.run.AddNote(types.NoteReference{
			ID:             "note_" + num,
			NoteNumber:     num,
			Title:          "Note " + num,
			Description:    fmt.Sprintf("Defined on Page %d", page),
			DefinitionPage: page,
			FoundOnPage:    page,
		}) {
			added++
		}
	}

	t.run.Log(types.LogSuccess, fmt.Sprintf("Indexed %d Notes", added), observability.WithDetails("Map created from Note Text."))
	t.logger.Info("notes indexed", "added", added, "mappings", len(a.NotesMapping), "index_size", t.run.NoteIndexSize())

	return jsonResult(navigator.StatusSuccess, map[string]any{"added": added})
}
