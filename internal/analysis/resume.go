package analysis

import (
	"github.com/jackzampolin/docnav/internal/agent/observability"
	"github.com/jackzampolin/docnav/internal/types"
)

// restore rebuilds the derived run state that a snapshot does not carry
// directly: the structure map and page offset from the section links, and
// the note index from the notes.
func restore(run *observability.Run, snap types.Snapshot) {
	var sm types.StructureMap
	for _, l := range snap.SectionLinks {
		switch l.Type {
		case types.SectionTOC:
			if sm.TOCPage == 0 {
				sm.TOCPage = l.Page
			}
		case types.SectionStatement:
			if sm.FinPosPage == 0 {
				sm.FinPosPage = l.Page
				sm.FinPosPrintedPage = l.PrintedPage
			}
		case types.SectionNotes:
			if sm.NotesStart == 0 {
				sm.NotesStart = l.Page
			}
		}
	}
	if sm.NotesStart > 0 {
		sm.NotesEnd = sm.NotesStart + 20
	}
	run.SetStructure(sm)

	for _, n := range snap.Notes {
		if n.NoteNumber != "" && n.DefinitionPage != 0 {
			run.IndexNote(observability.NormalizeNoteKey(n.NoteNumber), n.DefinitionPage)
		}
	}
}
