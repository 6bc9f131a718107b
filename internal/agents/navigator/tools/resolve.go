package tools

import (
	"strings"

	"github.com/jackzampolin/docnav/internal/agent/observability"
	"github.com/jackzampolin/docnav/internal/types"
)

// resolveTarget maps a hotspot to the physical page it links to, or nil.
// TOC links carry a printed page number shifted by offset; note references
// are looked up in the note index, first as written and then with
// punctuation stripped.
func resolveTarget(h types.LinkHotspot, offset int, lookup func(string) (int, bool)) *int {
	switch h.Label {
	case types.ItemTOCLink:
		printed, ok := leadingInt(h.NoteNumber)
		if !ok {
			return nil
		}
		page := printed + offset
		return &page
	case types.ItemNoteRef:
		if page, ok := lookup(observability.NormalizeNoteKey(h.NoteNumber)); ok && page != 0 {
			return &page
		}
		if page, ok := lookup(observability.AlnumKey(h.NoteNumber)); ok && page != 0 {
			return &page
		}
	}
	return nil
}

// leadingInt parses the integer at the start of s, ignoring surrounding
// space and any trailing text ("12", "12.", "12 - Laporan").
func leadingInt(s string) (int, bool) {
	s = strings.TrimSpace(s)
	neg := false
	if s != "" && (s[0] == '-' || s[0] == '+') {
		neg = s[0] == '-'
		s = s[1:]
	}
	n, digits := 0, 0
	for digits < len(s) && s[digits] >= '0' && s[digits] <= '9' {
		n = n*10 + int(s[digits]-'0')
		digits++
	}
	if digits == 0 {
		return 0, false
	}
	if neg {
		n = -n
	}
	return n, true
}
