// Package types provides shared types used across multiple packages.
// This package has no dependencies on other docnav packages to avoid import cycles.
package types

// TaskStatus is the lifecycle state of an AgentTask.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	// TaskVerified is a stronger terminal state than TaskCompleted, used for
	// phases and pages that passed a secondary check.
	TaskVerified TaskStatus = "verified"
)

// AgentTask tracks one phase or one scanned page.
type AgentTask struct {
	ID     string     `json:"id" yaml:"id"`
	Label  string     `json:"label" yaml:"label"`
	Status TaskStatus `json:"status" yaml:"status"`
}

// LogType classifies an audit log entry.
type LogType string

const (
	LogThought LogType = "THOUGHT"
	LogAction  LogType = "ACTION"
	LogTool    LogType = "TOOL"
	LogSystem  LogType = "SYSTEM"
	LogSuccess LogType = "SUCCESS"
	LogError   LogType = "ERROR"
	LogWarning LogType = "WARNING"
)

// AgentLogEntry is one entry of the append-only audit trail.
type AgentLogEntry struct {
	ID             string  `json:"id" yaml:"id"`
	Timestamp      int64   `json:"timestamp" yaml:"timestamp"` // Unix milliseconds
	Type           LogType `json:"type" yaml:"type"`
	Message        string  `json:"message" yaml:"message"`
	Details        string  `json:"details,omitempty" yaml:"details,omitempty"`
	CodeBlock      string  `json:"codeBlock,omitempty" yaml:"codeBlock,omitempty"`
	Output         string  `json:"output,omitempty" yaml:"output,omitempty"`
	VisualEvidence string  `json:"visualEvidence,omitempty" yaml:"visualEvidence,omitempty"` // base64 JPEG
	IsThinking     bool    `json:"isThinking,omitempty" yaml:"isThinking,omitempty"`
}

// StructureMap holds the physical page landmarks found in Phase 1.
// FinPosPage and FinPosPrintedPage are both set when the page offset is computable.
type StructureMap struct {
	TOCPage           int `json:"tocPage"`
	FinPosPage        int `json:"finPosPage"`
	FinPosPrintedPage int `json:"finPosPrintedPage"`
	NotesStart        int `json:"notesStart"`
	NotesEnd          int `json:"notesEnd"`
}

// HasOffset reports whether both offset inputs are present.
func (s StructureMap) HasOffset() bool {
	return s.FinPosPage > 0 && s.FinPosPrintedPage > 0
}

// Offset returns the physical minus printed page offset, or 0 when not computable.
func (s StructureMap) Offset() int {
	if !s.HasOffset() {
		return 0
	}
	return s.FinPosPage - s.FinPosPrintedPage
}

// NoteReference is a note definition discovered in Phase 2.
type NoteReference struct {
	ID             string `json:"id" yaml:"id"`
	NoteNumber     string `json:"noteNumber" yaml:"noteNumber"`
	Title          string `json:"title" yaml:"title"`
	Description    string `json:"description" yaml:"description"`
	DefinitionPage int    `json:"definitionPage" yaml:"definitionPage"`
	FoundOnPage    int    `json:"foundOnPage,omitempty" yaml:"foundOnPage,omitempty"`
}

// Box is a normalized bounding box [ymin, xmin, ymax, xmax] on a 0-1000 scale.
type Box [4]int

// BoxScale is the upper bound of normalized box coordinates.
const BoxScale = 1000

// Clamp returns the box with every coordinate limited to [0, BoxScale].
func (b Box) Clamp() Box {
	var out Box
	for i, v := range b {
		switch {
		case v < 0:
			out[i] = 0
		case v > BoxScale:
			out[i] = BoxScale
		default:
			out[i] = v
		}
	}
	return out
}

// CenterY returns the vertical center of the box.
func (b Box) CenterY() float64 {
	return float64(b[0]+b[2]) / 2
}

// Navigation item kinds reported by the vision phase.
const (
	ItemNoteRef = "NOTE_REF"
	ItemTOCLink = "TOC_LINK"
)

// LinkHotspot is a clickable region on a page that points at a target page.
// TargetPage is nil until resolution succeeds.
type LinkHotspot struct {
	PageNumber       int    `json:"pageNumber" yaml:"pageNumber"`
	NoteNumber       string `json:"noteNumber" yaml:"noteNumber"`
	Box              Box    `json:"box" yaml:"box"`
	VerificationText string `json:"verificationText,omitempty" yaml:"verificationText,omitempty"`
	Label            string `json:"label" yaml:"label"`
	TargetPage       *int   `json:"targetPage,omitempty" yaml:"targetPage,omitempty"`
}

// SectionType classifies a structural landmark.
type SectionType string

const (
	SectionTOC       SectionType = "TOC"
	SectionStatement SectionType = "STATEMENT"
	SectionNotes     SectionType = "SECTION"
)

// SectionLink is one structural landmark found in Phase 1.
// PrintedPage is set on the STATEMENT link so a snapshot can re-derive the page offset.
type SectionLink struct {
	Title       string      `json:"title" yaml:"title"`
	Page        int         `json:"page" yaml:"page"`
	Type        SectionType `json:"type" yaml:"type"`
	PrintedPage int         `json:"printedPage,omitempty" yaml:"printedPage,omitempty"`
}

// TokenUsage accumulates model usage across a run.
type TokenUsage struct {
	PromptTokens     int `json:"promptTokens" yaml:"promptTokens"`
	CandidatesTokens int `json:"candidatesTokens" yaml:"candidatesTokens"`
	TotalTokens      int `json:"totalTokens" yaml:"totalTokens"`
	TotalCalls       int `json:"totalCalls" yaml:"totalCalls"`
}

// Add returns a new TokenUsage with the given token counts added.
// TotalCalls is tracked separately and left unchanged.
func (t TokenUsage) Add(prompt, candidates, total int) TokenUsage {
	return TokenUsage{
		PromptTokens:     t.PromptTokens + prompt,
		CandidatesTokens: t.CandidatesTokens + candidates,
		TotalTokens:      t.TotalTokens + total,
		TotalCalls:       t.TotalCalls,
	}
}

// Snapshot is the full externally visible state of a run. It is published to
// progress callbacks after every mutation and doubles as the resume payload.
type Snapshot struct {
	Logs         []AgentLogEntry `json:"logs" yaml:"logs"`
	Tasks        []AgentTask     `json:"tasks" yaml:"tasks"`
	Hotspots     []LinkHotspot   `json:"hotspots" yaml:"hotspots"`
	Notes        []NoteReference `json:"notes" yaml:"notes"`
	SectionLinks []SectionLink   `json:"sectionLinks" yaml:"sectionLinks"`
	TokenUsage   TokenUsage      `json:"tokenUsage" yaml:"tokenUsage"`
}

// Task returns the task with the given id, if present.
func (s *Snapshot) Task(id string) (AgentTask, bool) {
	for _, t := range s.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return AgentTask{}, false
}

// ProcessedDocument is the final result of an analysis run.
type ProcessedDocument struct {
	FileName           string          `json:"fileName" yaml:"fileName"`
	FileURL            string          `json:"fileUrl" yaml:"fileUrl"`
	Notes              []NoteReference `json:"notes" yaml:"notes"`
	Hotspots           []LinkHotspot   `json:"hotspots" yaml:"hotspots"`
	SectionLinks       []SectionLink   `json:"sectionLinks" yaml:"sectionLinks"`
	AnalysisSummary    string          `json:"analysisSummary" yaml:"analysisSummary"`
	TOCPages           []int           `json:"tocPages" yaml:"tocPages"`
	AIModel            string          `json:"aiModel" yaml:"aiModel"`
	ExtractionStrategy string          `json:"extractionStrategy" yaml:"extractionStrategy"`
	PageOffset         int             `json:"pageOffset" yaml:"pageOffset"`
	TokenUsage         TokenUsage      `json:"tokenUsage" yaml:"tokenUsage"`
}
