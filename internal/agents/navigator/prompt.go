// Package navigator holds the prompts and wire schema of the document
// navigation agent.
package navigator

import (
	_ "embed"
	"log/slog"

	"github.com/jackzampolin/docnav/internal/prompts"
)

//go:embed system.tmpl
var systemPromptTmpl string

//go:embed structure.tmpl
var structurePromptTmpl string

//go:embed notes.tmpl
var notesPromptTmpl string

//go:embed toc_page.tmpl
var tocPagePromptTmpl string

//go:embed financial_page.tmpl
var financialPagePromptTmpl string

//go:embed verify.tmpl
var verifyPromptTmpl string

// Prompt keys
const (
	SystemPromptKey        = "agents.navigator.system"
	StructurePromptKey     = "agents.navigator.structure"
	NotesPromptKey         = "agents.navigator.notes"
	TOCPagePromptKey       = "agents.navigator.toc_page"
	FinancialPagePromptKey = "agents.navigator.financial_page"
	VerifyPromptKey        = "agents.navigator.verify"
)

// RegisterPrompts registers the navigator prompts with the resolver.
func RegisterPrompts(r *prompts.Resolver) {
	r.Register(prompts.EmbeddedPrompt{
		Key:         SystemPromptKey,
		Text:        systemPromptTmpl,
		Description: "Navigator system prompt - three-phase structure, note index and vision workflow",
	})
	r.Register(prompts.EmbeddedPrompt{
		Key:         StructurePromptKey,
		Text:        structurePromptTmpl,
		Description: "Phase 1 - find TOC, financial position and notes pages from extracted text",
	})
	r.Register(prompts.EmbeddedPrompt{
		Key:         NotesPromptKey,
		Text:        notesPromptTmpl,
		Description: "Phase 2 - map note numbers to the pages that define them",
	})
	r.Register(prompts.EmbeddedPrompt{
		Key:         TOCPagePromptKey,
		Text:        tocPagePromptTmpl,
		Description: "Phase 3 - detect page numbers on a table of contents image",
	})
	r.Register(prompts.EmbeddedPrompt{
		Key:         FinancialPagePromptKey,
		Text:        financialPagePromptTmpl,
		Description: "Phase 3 - detect note references on a financial statement image",
	})
	r.Register(prompts.EmbeddedPrompt{
		Key:         VerifyPromptKey,
		Text:        verifyPromptTmpl,
		Description: "Verification - confirm or correct drawn boxes",
	})
}

// Prompts renders navigator prompts through a resolver, so user overrides apply.
type Prompts struct {
	resolver *prompts.Resolver
}

// NewPrompts wraps r, registering the embedded defaults. A nil r uses the
// defaults only.
func NewPrompts(r *prompts.Resolver) *Prompts {
	if r == nil {
		r = prompts.NewResolver("", slog.Default())
	}
	RegisterPrompts(r)
	return &Prompts{resolver: r}
}

// SystemData contains the data for the system prompt.
type SystemData struct {
	TextScanLimit int
}

// StructureData contains the data for the Phase 1 prompt.
type StructureData struct {
	Pages int
}

// NotesData contains the data for the Phase 2 prompt.
type NotesData struct {
	Start int
	End   int
}

// PageData contains the data for per-page prompts.
type PageData struct {
	Page int
}

func (p *Prompts) System(data SystemData) (string, error) {
	return p.resolver.Render(SystemPromptKey, data)
}

func (p *Prompts) Structure(data StructureData) (string, error) {
	return p.resolver.Render(StructurePromptKey, data)
}

func (p *Prompts) Notes(data NotesData) (string, error) {
	return p.resolver.Render(NotesPromptKey, data)
}

// Page renders the vision prompt for a TOC page or a financial statement page.
func (p *Prompts) Page(page int, isTOC bool) (string, error) {
	key := FinancialPagePromptKey
	if isTOC {
		key = TOCPagePromptKey
	}
	return p.resolver.Render(key, PageData{Page: page})
}

func (p *Prompts) Verify(page int) (string, error) {
	return p.resolver.Render(VerifyPromptKey, PageData{Page: page})
}
