// Package export writes an analyzed report back out as a navigable PDF: the
// landmarks, note definitions and every resolved reference become entries
// of the document outline.
package export

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"gopkg.in/yaml.v3"

	"github.com/jackzampolin/docnav/internal/types"
)

// Options configures Write.
type Options struct {
	// Config is the pdfcpu configuration. Defaults to relaxed validation.
	Config *model.Configuration
	Logger *slog.Logger
}

// Result summarizes a written PDF.
type Result struct {
	Output    string `json:"output" yaml:"output"`
	Pages     int    `json:"pages" yaml:"pages"`
	Bookmarks int    `json:"bookmarks" yaml:"bookmarks"`
	Skipped   int    `json:"skipped" yaml:"skipped"`
}

// Write copies the PDF at in to out with an outline built from doc.
// Existing bookmarks are replaced.
func Write(in, out string, doc *types.ProcessedDocument, opts Options) (*Result, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	conf := opts.Config
	if conf == nil {
		conf = model.NewDefaultConfiguration()
		conf.ValidationMode = model.ValidationRelaxed
	}

	pages, err := api.PageCountFile(in)
	if err != nil {
		return nil, fmt.Errorf("failed to get page count for %s: %w", in, err)
	}

	outline, skipped := Outline(doc, pages)
	if len(outline) == 0 {
		return nil, fmt.Errorf("nothing to export: no landmarks, notes or resolved references")
	}

	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	if err := api.AddBookmarksFile(in, out, outline, true, conf); err != nil {
		return nil, fmt.Errorf("failed to add bookmarks: %w", err)
	}

	res := &Result{Output: out, Pages: pages, Bookmarks: countBookmarks(outline), Skipped: skipped}
	opts.Logger.Info("exported linked pdf", "output", out, "bookmarks", res.Bookmarks, "skipped", skipped)
	return res, nil
}

// Outline builds the bookmark tree for a document of pageCount pages:
// section landmarks first, note definitions nested under the notes
// section, then a "References" group with one entry per resolved hotspot.
// Entries pointing outside the document are dropped and counted.
func Outline(doc *types.ProcessedDocument, pageCount int) ([]pdfcpu.Bookmark, int) {
	skipped := 0
	valid := func(p int) bool {
		if p >= 1 && p <= pageCount {
			return true
		}
		skipped++
		return false
	}

	var noteMarks []pdfcpu.Bookmark
	for _, n := range doc.Notes {
		if !valid(n.DefinitionPage) {
			continue
		}
		title := n.Title
		if title == "" {
			title = "Note " + n.NoteNumber
		}
		noteMarks = append(noteMarks, pdfcpu.Bookmark{Title: title, PageFrom: n.DefinitionPage})
	}
	sortByPage(noteMarks)

	var outline []pdfcpu.Bookmark
	notesPlaced := false
	for _, l := range doc.SectionLinks {
		if !valid(l.Page) {
			continue
		}
		bm := pdfcpu.Bookmark{Title: l.Title, PageFrom: l.Page}
		if l.Type == types.SectionNotes && !notesPlaced {
			bm.Kids = noteMarks
			notesPlaced = true
		}
		outline = append(outline, bm)
	}
	if !notesPlaced && len(noteMarks) > 0 {
		outline = append(outline, pdfcpu.Bookmark{Title: "Notes", PageFrom: noteMarks[0].PageFrom, Kids: noteMarks})
	}

	lookup := noteLookup(doc.Notes)
	var refs []pdfcpu.Bookmark
	for _, h := range doc.Hotspots {
		target, ok := targetPage(h, lookup)
		if !ok || !valid(target) || !valid(h.PageNumber) {
			continue
		}
		refs = append(refs, pdfcpu.Bookmark{Title: referenceTitle(h, target), PageFrom: target})
	}
	if len(refs) > 0 {
		outline = append(outline, pdfcpu.Bookmark{Title: "References", PageFrom: refs[0].PageFrom, Kids: refs})
	}

	sortByPage(outline)
	return outline, skipped
}

// targetPage prefers the resolved target and falls back to matching the
// note number against the note definitions.
func targetPage(h types.LinkHotspot, lookup map[string]int) (int, bool) {
	if h.TargetPage != nil {
		return *h.TargetPage, true
	}
	if h.Label == types.ItemTOCLink {
		return 0, false
	}
	p, ok := lookup[normalizeID(h.NoteNumber)]
	return p, ok
}

func noteLookup(notes []types.NoteReference) map[string]int {
	m := make(map[string]int, 2*len(notes))
	for _, n := range notes {
		if n.DefinitionPage == 0 {
			continue
		}
		m[normalizeID(n.NoteNumber)] = n.DefinitionPage
		if n.ID != "" {
			m[normalizeID(n.ID)] = n.DefinitionPage
		}
	}
	return m
}

func referenceTitle(h types.LinkHotspot, target int) string {
	what := "Note " + h.NoteNumber
	if h.Label == types.ItemTOCLink {
		what = "Page " + h.NoteNumber
	}
	return fmt.Sprintf("Pg %d: %s -> Pg %d", h.PageNumber, what, target)
}

// normalizeID lowercases s and keeps only letters and digits.
func normalizeID(s string) string {
	var b strings.Builder
	for _, c := range strings.ToLower(s) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			b.WriteRune(c)
		}
	}
	return b.String()
}

func sortByPage(bms []pdfcpu.Bookmark) {
	sort.SliceStable(bms, func(i, j int) bool { return bms[i].PageFrom < bms[j].PageFrom })
}

func countBookmarks(bms []pdfcpu.Bookmark) int {
	n := 0
	for _, bm := range bms {
		n += 1 + countBookmarks(bm.Kids)
	}
	return n
}

// LoadDocument reads a processed document saved as JSON, or as YAML when
// the file ends in .yaml or .yml.
func LoadDocument(path string) (*types.ProcessedDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read result: %w", err)
	}
	var doc types.ProcessedDocument
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &doc)
	default:
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse result %s: %w", path, err)
	}
	return &doc, nil
}
