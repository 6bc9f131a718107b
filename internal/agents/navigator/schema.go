package navigator

import "github.com/jackzampolin/docnav/internal/types"

// SchemaVersion versions the tool wire contract below. Bump it when a tool
// name, argument or result field changes.
const SchemaVersion = "1"

// Tool names
const (
	MapStructureTool = "map_document_structure_from_text"
	IndexNotesTool   = "index_document_notes"
	ReportItemsTool  = "report_navigation_items"
)

// StructureArgs are the arguments of map_document_structure_from_text.
type StructureArgs struct {
	TOCPhysicalPage                    int `json:"toc_physical_page"`
	FinancialPositionPhysicalPage      int `json:"financial_position_physical_page"`
	FinancialPositionPrintedPageNumber int `json:"financial_position_printed_page_number"`
	NotesStartPhysicalPage             int `json:"notes_start_physical_page"`
	NotesEndPhysicalPage               int `json:"notes_end_physical_page,omitempty"`
}

// StructureMap converts the arguments, defaulting the notes end to
// 20 pages past the notes start.
func (a StructureArgs) StructureMap() types.StructureMap {
	sm := types.StructureMap{
		TOCPage:           a.TOCPhysicalPage,
		FinPosPage:        a.FinancialPositionPhysicalPage,
		FinPosPrintedPage: a.FinancialPositionPrintedPageNumber,
		NotesStart:        a.NotesStartPhysicalPage,
		NotesEnd:          a.NotesEndPhysicalPage,
	}
	if sm.NotesEnd == 0 {
		sm.NotesEnd = sm.NotesStart + 20
	}
	return sm
}

// NoteMapping maps one note number to the page that defines it.
type NoteMapping struct {
	NoteNumber        string `json:"note_number"`
	PhysicalPageIndex int    `json:"physical_page_index"`
}

// IndexNotesArgs are the arguments of index_document_notes.
type IndexNotesArgs struct {
	NotesMapping []NoteMapping `json:"notes_mapping"`
}

// NavigationItem is one detected box on a page.
type NavigationItem struct {
	TextContent     string    `json:"text_content"`
	TargetReference string    `json:"target_reference"`
	Type            string    `json:"type"`
	Box2D           types.Box `json:"box_2d"`
}

// ReportItemsArgs are the arguments of report_navigation_items.
type ReportItemsArgs struct {
	PageNumber int              `json:"page_number"`
	Items      []NavigationItem `json:"items"`
}

// Result statuses
const (
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusProcessed = "processed"
)
