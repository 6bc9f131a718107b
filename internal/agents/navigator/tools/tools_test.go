package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackzampolin/docnav/internal/agent/observability"
	"github.com/jackzampolin/docnav/internal/agents/navigator"
	"github.com/jackzampolin/docnav/internal/pdf"
	"github.com/jackzampolin/docnav/internal/providers"
	"github.com/jackzampolin/docnav/internal/retry"
	"github.com/jackzampolin/docnav/internal/types"
)

func newTestTools(fake *pdf.Fake) (*NavigatorTools, *observability.Run) {
	run := observability.NewRun(observability.Options{})
	return New(Config{
		Run:   run,
		PDF:   fake,
		Path:  "report.pdf",
		Retry: retry.Policy{MaxRetries: 1, InitialDelay: time.Millisecond},
	}), run
}

func args(t *testing.T, raw string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("bad test arguments: %v", err)
	}
	return m
}

func decodeResult(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		t.Fatalf("result is not JSON: %q", s)
	}
	return m
}

func countLogs(s types.Snapshot, kind types.LogType) int {
	n := 0
	for _, e := range s.Logs {
		if e.Type == kind {
			n++
		}
	}
	return n
}

func verifiedSession() *providers.MockSession {
	return providers.NewMockSession(func(providers.MockRequest) providers.MockReply {
		return providers.MockReply{Text: "VERIFIED", Usage: &providers.Usage{PromptTokens: 10, CompletionTokens: 1, TotalTokens: 11}}
	})
}

func TestGetTools(t *testing.T) {
	tools, _ := newTestTools(pdf.NewFake(1))
	defs := tools.GetTools()
	want := []string{navigator.MapStructureTool, navigator.IndexNotesTool, navigator.ReportItemsTool}
	if len(defs) != len(want) {
		t.Fatalf("got %d tools, want %d", len(defs), len(want))
	}
	for i, d := range defs {
		if d.Function.Name != want[i] {
			t.Errorf("tool %d = %q, want %q", i, d.Function.Name, want[i])
		}
		if d.Type != "function" || d.Function.Description == "" {
			t.Errorf("tool %s incomplete: %+v", d.Function.Name, d)
		}
		if _, ok := compiledSchemas[d.Function.Name]; !ok {
			t.Errorf("no compiled schema for %s", d.Function.Name)
		}
	}
}

func TestMapStructure(t *testing.T) {
	t.Run("with offset", func(t *testing.T) {
		tools, run := newTestTools(pdf.NewFake(100))
		out, err := tools.ExecuteTool(context.Background(), nil, navigator.MapStructureTool, args(t, `{
			"toc_physical_page": 3,
			"financial_position_physical_page": 12,
			"financial_position_printed_page_number": 10,
			"notes_start_physical_page": 40
		}`))
		if err != nil {
			t.Fatalf("ExecuteTool() error = %v", err)
		}
		res := decodeResult(t, out)
		if res["status"] != "success" || res["page_offset"] != float64(2) {
			t.Errorf("result = %v", res)
		}
		if run.PageOffset() != 2 {
			t.Errorf("PageOffset = %d, want 2", run.PageOffset())
		}
		if sm := run.Structure(); sm.NotesEnd != 60 {
			t.Errorf("NotesEnd = %d, want default 60", sm.NotesEnd)
		}

		snap := run.Snapshot()
		if len(snap.SectionLinks) != 3 {
			t.Fatalf("got %d section links, want 3", len(snap.SectionLinks))
		}
		st := snap.SectionLinks[1]
		if st.Type != types.SectionStatement || st.Page != 12 || st.PrintedPage != 10 {
			t.Errorf("statement link = %+v", st)
		}
		if countLogs(snap, types.LogSystem) != 1 {
			t.Error("expected a SYSTEM log for the offset")
		}
		last := snap.Logs[len(snap.Logs)-1]
		if last.Message != "Structure Mapped" || last.Details != "TOC: Pg3, Financials: Pg12, Offset: 2" {
			t.Errorf("last log = %+v", last)
		}
	})

	t.Run("without printed page", func(t *testing.T) {
		tools, run := newTestTools(pdf.NewFake(100))
		out, _ := tools.ExecuteTool(context.Background(), nil, navigator.MapStructureTool, args(t, `{
			"toc_physical_page": 0,
			"financial_position_physical_page": 12,
			"financial_position_printed_page_number": 0,
			"notes_start_physical_page": 0,
			"notes_end_physical_page": 0
		}`))
		if decodeResult(t, out)["status"] != "success" {
			t.Errorf("result = %s", out)
		}
		if run.PageOffset() != 0 {
			t.Errorf("PageOffset = %d, want 0", run.PageOffset())
		}
		snap := run.Snapshot()
		if countLogs(snap, types.LogSystem) != 0 {
			t.Error("no offset log expected")
		}
		if len(snap.SectionLinks) != 1 {
			t.Errorf("got %d section links, want 1", len(snap.SectionLinks))
		}
	})

	t.Run("schema violation", func(t *testing.T) {
		tools, run := newTestTools(pdf.NewFake(100))
		out, err := tools.ExecuteTool(context.Background(), nil, navigator.MapStructureTool, args(t, `{"toc_physical_page": "three"}`))
		if err != nil {
			t.Fatalf("ExecuteTool() error = %v", err)
		}
		res := decodeResult(t, out)
		if res["status"] != "error" || !strings.Contains(res["message"].(string), "Invalid arguments") {
			t.Errorf("result = %v", res)
		}
		snap := run.Snapshot()
		if len(snap.SectionLinks) != 0 || run.Structure() != (types.StructureMap{}) {
			t.Error("rejected call must not change state")
		}
		if countLogs(snap, types.LogWarning) != 1 {
			t.Error("expected a WARNING for the rejection")
		}
	})
}

func TestIndexNotesIdempotent(t *testing.T) {
	tools, run := newTestTools(pdf.NewFake(100))
	call := `{"notes_mapping": [
		{"note_number": "2e", "physical_page_index": 41},
		{"note_number": "4", "physical_page_index": 45},
		{"note_number": "", "physical_page_index": 50},
		{"note_number": "9", "physical_page_index": 0}
	]}`

	out, _ := tools.ExecuteTool(context.Background(), nil, navigator.IndexNotesTool, args(t, call))
	if res := decodeResult(t, out); res["added"] != float64(2) {
		t.Errorf("first call result = %v", res)
	}
	out, _ = tools.ExecuteTool(context.Background(), nil, navigator.IndexNotesTool, args(t, call))
	if res := decodeResult(t, out); res["added"] != float64(0) {
		t.Errorf("second call result = %v", res)
	}

	snap := run.Snapshot()
	if len(snap.Notes) != 2 {
		t.Fatalf("got %d notes, want 2", len(snap.Notes))
	}
	n := snap.Notes[0]
	if n.ID != "note_2e" || n.Title != "Note 2e" || n.Description != "Defined on Page 41" || n.DefinitionPage != 41 {
		t.Errorf("note = %+v", n)
	}
	if page, ok := run.LookupNote("2e"); !ok || page != 41 {
		t.Errorf("LookupNote(2e) = %d, %v", page, ok)
	}
	if run.NoteIndexSize() != 2 {
		t.Errorf("NoteIndexSize = %d, want 2", run.NoteIndexSize())
	}
	if snap.Logs[len(snap.Logs)-1].Message != "Indexed 0 Notes" {
		t.Errorf("last log = %q", snap.Logs[len(snap.Logs)-1].Message)
	}
}

func TestReportItemsRejectsGroupedReferences(t *testing.T) {
	fake := pdf.NewFake(100)
	tools, run := newTestTools(fake)
	run.ReplacePageHotspots(12, []types.LinkHotspot{{PageNumber: 12, NoteNumber: "4", Label: types.ItemNoteRef}})
	before := run.Snapshot().Hotspots

	session := verifiedSession()
	out, err := tools.ExecuteTool(context.Background(), session, navigator.ReportItemsTool, args(t, `{
		"page_number": 12,
		"items": [
			{"text_content": "4", "target_reference": "4", "type": "NOTE_REF", "box_2d": [100, 800, 120, 830]},
			{"text_content": "3, 10", "target_reference": "3", "type": "NOTE_REF", "box_2d": [200, 800, 220, 830]}
		]
	}`))
	if err != nil {
		t.Fatalf("ExecuteTool() error = %v", err)
	}
	res := decodeResult(t, out)
	want := "Validation Failed: Item '3, 10' contains multiple values. You MUST split grouped numbers into separate bounding boxes. Resubmit."
	if res["status"] != "error" || res["message"] != want {
		t.Errorf("result = %v", res)
	}

	after := run.Snapshot().Hotspots
	if len(after) != len(before) || after[0].NoteNumber != before[0].NoteNumber {
		t.Errorf("hotspots changed: %+v", after)
	}
	if len(fake.DebugRenders()) != 0 || session.RequestCount() != 0 {
		t.Error("rejected report must not be verified")
	}
	if countLogs(run.Snapshot(), types.LogWarning) != 1 {
		t.Error("expected a WARNING for the grouped item")
	}
}

func TestReportItemsProcessesAndResolves(t *testing.T) {
	fake := pdf.NewFake(100)
	tools, run := newTestTools(fake)
	run.SetStructure(types.StructureMap{FinPosPage: 12, FinPosPrintedPage: 10})
	run.IndexNote("2e", 41)
	run.IndexNote("4", 45)

	session := verifiedSession()
	out, err := tools.ExecuteTool(context.Background(), session, navigator.ReportItemsTool, args(t, `{
		"page_number": 12,
		"items": [
			{"text_content": "2e", "target_reference": "2e", "type": "NOTE_REF", "box_2d": [-5, 800, 120, 1005]},
			{"text_content": "4.", "target_reference": "4.", "type": "NOTE_REF", "box_2d": [300, 800, 320, 830]},
			{"text_content": "99", "target_reference": "99", "type": "NOTE_REF", "box_2d": [400, 800, 420, 830]},
			{"text_content": "15", "target_reference": "15", "type": "TOC_LINK", "box_2d": [500, 800, 520, 830]},
			{"text_content": "PT Header", "target_reference": "1", "type": "TOC_LINK", "box_2d": [10, 100, 30, 300]},
			{"text_content": "Footer 12", "target_reference": "12", "type": "TOC_LINK", "box_2d": [940, 100, 960, 300]}
		]
	}`))
	if err != nil {
		t.Fatalf("ExecuteTool() error = %v", err)
	}
	if res := decodeResult(t, out); res["status"] != "processed" || res["count"] != float64(4) {
		t.Errorf("result = %v", res)
	}

	snap := run.Snapshot()
	if len(snap.Hotspots) != 4 {
		t.Fatalf("got %d hotspots, want 4", len(snap.Hotspots))
	}
	h := snap.Hotspots
	if h[0].Box != (types.Box{0, 800, 120, 1000}) {
		t.Errorf("box not clamped: %v", h[0].Box)
	}
	if h[0].TargetPage == nil || *h[0].TargetPage != 41 {
		t.Errorf("2e target = %v", h[0].TargetPage)
	}
	if h[1].TargetPage == nil || *h[1].TargetPage != 45 {
		t.Errorf("4. target (alnum fallback) = %v", h[1].TargetPage)
	}
	if h[2].TargetPage != nil {
		t.Errorf("unknown note should stay unresolved, got %d", *h[2].TargetPage)
	}
	if h[3].TargetPage == nil || *h[3].TargetPage != 17 {
		t.Errorf("TOC 15 + offset 2 = %v", h[3].TargetPage)
	}

	if got := fake.DebugRenders(); len(got) != 1 || got[0] != 12 {
		t.Errorf("debug renders = %v", got)
	}
	reqs := session.Requests()
	if len(reqs) != 1 || !reqs[0].HasImage() || !strings.Contains(reqs[0].Text(), "PERFECTLY aligned") {
		t.Errorf("verification request = %+v", reqs)
	}
	var action *types.AgentLogEntry
	for i := range snap.Logs {
		if snap.Logs[i].Type == types.LogAction {
			action = &snap.Logs[i]
		}
	}
	if action == nil || action.Message != "Verifying 4 items on Page 12..." || action.VisualEvidence == "" {
		t.Errorf("ACTION log = %+v", action)
	}
	if last := snap.Logs[len(snap.Logs)-1]; last.Message != "Verified" {
		t.Errorf("last log = %q", last.Message)
	}
	if snap.TokenUsage.TotalCalls != 1 || snap.TokenUsage.TotalTokens != 11 {
		t.Errorf("TokenUsage = %+v", snap.TokenUsage)
	}
}

func TestReportItemsReplacesPage(t *testing.T) {
	tools, run := newTestTools(pdf.NewFake(100))
	run.ReplacePageHotspots(3, []types.LinkHotspot{{PageNumber: 3, NoteNumber: "5", Label: types.ItemTOCLink}})
	session := verifiedSession()

	report := func(raw string) {
		if _, err := tools.ExecuteTool(context.Background(), session, navigator.ReportItemsTool, args(t, raw)); err != nil {
			t.Fatalf("ExecuteTool() error = %v", err)
		}
	}
	report(`{"page_number": 12, "items": [
		{"text_content": "4", "target_reference": "4", "type": "NOTE_REF", "box_2d": [100, 800, 120, 830]},
		{"text_content": "5", "target_reference": "5", "type": "NOTE_REF", "box_2d": [200, 800, 220, 830]}
	]}`)
	report(`{"page_number": 12, "items": [
		{"text_content": "6", "target_reference": "6", "type": "NOTE_REF", "box_2d": [300, 800, 320, 830]}
	]}`)

	snap := run.Snapshot()
	if len(snap.Hotspots) != 2 {
		t.Fatalf("got %d hotspots, want 2", len(snap.Hotspots))
	}
	if snap.Hotspots[0].PageNumber != 3 || snap.Hotspots[1].NoteNumber != "6" {
		t.Errorf("hotspots = %+v", snap.Hotspots)
	}
}

func TestVerification(t *testing.T) {
	report := `{"page_number": 12, "items": [
		{"text_content": "4", "target_reference": "4", "type": "NOTE_REF", "box_2d": [100, 800, 120, 830]}
	]}`

	t.Run("model corrects boxes", func(t *testing.T) {
		tools, run := newTestTools(pdf.NewFake(100))
		correction := providers.NewToolCall("fix", navigator.ReportItemsTool, map[string]any{
			"page_number": 12,
			"items": []map[string]any{
				{"text_content": "4", "target_reference": "4", "type": "NOTE_REF", "box_2d": []int{102, 805, 118, 1200}},
				{"text_content": "5", "target_reference": "5", "type": "NOTE_REF", "box_2d": []int{130, 805, 148, 828}},
			},
		})
		session := providers.NewScriptedSession(providers.MockReply{ToolCalls: []providers.ToolCall{correction}})

		out, _ := tools.ExecuteTool(context.Background(), session, navigator.ReportItemsTool, args(t, report))
		if res := decodeResult(t, out); res["count"] != float64(2) {
			t.Errorf("result = %v", res)
		}
		snap := run.Snapshot()
		if len(snap.Hotspots) != 2 || snap.Hotspots[0].Box != (types.Box{102, 805, 118, 1000}) {
			t.Errorf("hotspots = %+v", snap.Hotspots)
		}
		if last := snap.Logs[len(snap.Logs)-1]; last.Message != "Refined 2 items" || last.Details != "Correction applied by AI." {
			t.Errorf("last log = %+v", last)
		}
		if session.RequestCount() != 1 {
			t.Errorf("verification must not recurse: %d requests", session.RequestCount())
		}
	})

	t.Run("api failure keeps candidates", func(t *testing.T) {
		tools, run := newTestTools(pdf.NewFake(100))
		session := providers.NewScriptedSession(providers.MockReply{Err: errors.New("internal server error")})

		out, _ := tools.ExecuteTool(context.Background(), session, navigator.ReportItemsTool, args(t, report))
		if res := decodeResult(t, out); res["status"] != "processed" || res["count"] != float64(1) {
			t.Errorf("result = %v", res)
		}
		snap := run.Snapshot()
		last := snap.Logs[len(snap.Logs)-1]
		if last.Type != types.LogWarning || last.Message != "Verification step skipped due to API error" {
			t.Errorf("last log = %+v", last)
		}
		if snap.TokenUsage.TotalCalls != 1 {
			t.Errorf("TotalCalls = %d, want 1", snap.TokenUsage.TotalCalls)
		}
	})

	t.Run("render failure keeps candidates", func(t *testing.T) {
		fake := pdf.NewFake(100)
		fake.DebugErr = errors.New("pdftoppm missing")
		tools, run := newTestTools(fake)
		session := verifiedSession()

		out, _ := tools.ExecuteTool(context.Background(), session, navigator.ReportItemsTool, args(t, report))
		if res := decodeResult(t, out); res["count"] != float64(1) {
			t.Errorf("result = %v", res)
		}
		if session.RequestCount() != 0 {
			t.Error("no verification request expected without a snapshot")
		}
		if countLogs(run.Snapshot(), types.LogWarning) != 1 {
			t.Error("expected a WARNING")
		}
	})

	t.Run("rate limit retried", func(t *testing.T) {
		tools, run := newTestTools(pdf.NewFake(100))
		session := providers.NewScriptedSession(
			providers.MockReply{Err: &providers.RateLimitError{Message: "quota", StatusCode: 429}},
			providers.MockReply{Text: "VERIFIED"},
		)
		if _, err := tools.ExecuteTool(context.Background(), session, navigator.ReportItemsTool, args(t, report)); err != nil {
			t.Fatalf("ExecuteTool() error = %v", err)
		}
		snap := run.Snapshot()
		if countLogs(snap, types.LogWarning) != 1 {
			t.Errorf("expected one retry WARNING, got %d", countLogs(snap, types.LogWarning))
		}
		if last := snap.Logs[len(snap.Logs)-1]; last.Message != "Verified" {
			t.Errorf("last log = %q", last.Message)
		}
	})
}

func TestUnknownTool(t *testing.T) {
	tools, _ := newTestTools(pdf.NewFake(1))
	out, err := tools.ExecuteTool(context.Background(), nil, "delete_everything", map[string]any{})
	if err != nil {
		t.Fatalf("ExecuteTool() error = %v", err)
	}
	if res := decodeResult(t, out); res["status"] != "error" {
		t.Errorf("result = %v", res)
	}
}

func TestResolveTarget(t *testing.T) {
	index := map[string]int{"2e": 41, "4": 45, "zero": 0}
	lookup := func(k string) (int, bool) {
		p, ok := index[k]
		return p, ok
	}
	tests := []struct {
		name   string
		label  string
		ref    string
		offset int
		want   int // 0 means unresolved
	}{
		{"toc plain", types.ItemTOCLink, "15", 2, 17},
		{"toc trailing text", types.ItemTOCLink, " 7 - Laporan", 2, 9},
		{"toc negative offset", types.ItemTOCLink, "10", -3, 7},
		{"toc not a number", types.ItemTOCLink, "iv", 2, 0},
		{"note exact", types.ItemNoteRef, "2e", 0, 41},
		{"note case and space", types.ItemNoteRef, " 2E ", 0, 41},
		{"note alnum fallback", types.ItemNoteRef, "(4)", 0, 45},
		{"note zero page", types.ItemNoteRef, "zero", 0, 0},
		{"note unknown", types.ItemNoteRef, "77", 0, 0},
		{"other label", "HEADER", "4", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolveTarget(types.LinkHotspot{Label: tt.label, NoteNumber: tt.ref}, tt.offset, lookup)
			switch {
			case tt.want == 0 && got != nil:
				t.Errorf("resolveTarget() = %d, want unresolved", *got)
			case tt.want != 0 && (got == nil || *got != tt.want):
				t.Errorf("resolveTarget() = %v, want %d", got, tt.want)
			}
		})
	}
}
