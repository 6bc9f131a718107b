package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackzampolin/docnav/internal/agent"
	"github.com/jackzampolin/docnav/internal/agent/observability"
	"github.com/jackzampolin/docnav/internal/agents/navigator"
	"github.com/jackzampolin/docnav/internal/pdf"
	"github.com/jackzampolin/docnav/internal/providers"
	"github.com/jackzampolin/docnav/internal/retry"
	"github.com/jackzampolin/docnav/internal/testutil"
	"github.com/jackzampolin/docnav/internal/types"
)

var pagePromptRe = regexp.MustCompile(`^(Table of Contents|Financial Statement) \(Page (\d+)\)`)

// fakeModel plays the reasoning model: it answers each phase prompt with
// the matching tool call and verifies every snapshot it is shown.
type fakeModel struct {
	mu sync.Mutex

	structure map[string]any
	notes     []map[string]any
	items     map[int][]map[string]any // page -> reported items

	// groupFirst makes the first report for these pages contain a grouped item.
	groupFirst map[int]bool
	grouped    map[int]bool

	// onPage is called (without the lock) when a page prompt arrives.
	onPage func(page int)
	// failPage returns this error for every request about the page.
	failPage map[int]error

	phaseCalls  map[string]int
	toolResults []string
}

func scenarioModel() *fakeModel {
	return &fakeModel{
		structure: map[string]any{
			"toc_physical_page":                      2,
			"financial_position_physical_page":       30,
			"financial_position_printed_page_number": 28,
			"notes_start_physical_page":              40,
			"notes_end_physical_page":                95,
		},
		notes: []map[string]any{
			{"note_number": "4", "physical_page_index": 41},
			{"note_number": "12", "physical_page_index": 55},
		},
		items: map[int][]map[string]any{
			2:  {{"text_content": "12", "target_reference": "12", "type": "TOC_LINK", "box_2d": []int{200, 850, 220, 880}}},
			30: {{"text_content": "4", "target_reference": "4", "type": "NOTE_REF", "box_2d": []int{300, 800, 320, 830}}},
		},
		groupFirst: map[int]bool{},
		grouped:    map[int]bool{},
		failPage:   map[int]error{},
		phaseCalls: map[string]int{},
	}
}

var testUsage = &providers.Usage{PromptTokens: 100, CompletionTokens: 10, TotalTokens: 110}

func (m *fakeModel) report(page int, items []map[string]any) providers.ToolCall {
	return providers.NewToolCall("report-"+strconv.Itoa(page), navigator.ReportItemsTool, map[string]any{
		"page_number": page,
		"items":       items,
	})
}

func (m *fakeModel) respond(req providers.MockRequest) providers.MockReply {
	if req.ToolCall != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.toolResults = append(m.toolResults, req.ToolResult)
		if strings.Contains(req.ToolResult, "Validation Failed") {
			var a navigator.ReportItemsArgs
			_ = json.Unmarshal([]byte(req.ToolCall.Function.Arguments), &a)
			return providers.MockReply{ToolCalls: []providers.ToolCall{m.report(a.PageNumber, m.items[a.PageNumber])}, Usage: testUsage}
		}
		return providers.MockReply{Text: "Done.", Usage: testUsage}
	}

	text := req.Text()
	switch {
	case strings.Contains(text, "TASK 1"):
		m.mu.Lock()
		defer m.mu.Unlock()
		m.phaseCalls["structure"]++
		return providers.MockReply{
			Thought:   "The balance sheet is on page 30.",
			ToolCalls: []providers.ToolCall{providers.NewToolCall("s", navigator.MapStructureTool, m.structure)},
			Usage:     testUsage,
		}
	case strings.Contains(text, "TASK 2"):
		m.mu.Lock()
		defer m.mu.Unlock()
		m.phaseCalls["notes"]++
		return providers.MockReply{
			ToolCalls: []providers.ToolCall{providers.NewToolCall("n", navigator.IndexNotesTool, map[string]any{"notes_mapping": m.notes})},
			Usage:     testUsage,
		}
	case strings.Contains(text, "PERFECTLY aligned"):
		return providers.MockReply{Text: "VERIFIED", Usage: testUsage}
	}

	match := pagePromptRe.FindStringSubmatch(text)
	if match == nil {
		return providers.MockReply{Text: "I am not sure what to do."}
	}
	page, _ := strconv.Atoi(match[2])
	if m.onPage != nil {
		m.onPage(page)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.phaseCalls["page"]++
	if err, ok := m.failPage[page]; ok {
		return providers.MockReply{Err: err}
	}
	items := m.items[page]
	if len(items) == 0 {
		return providers.MockReply{Text: "No references on this page.", Usage: testUsage}
	}
	if m.groupFirst[page] && !m.grouped[page] {
		m.grouped[page] = true
		bad := []map[string]any{{"text_content": "3, 10", "target_reference": "3", "type": "NOTE_REF", "box_2d": []int{400, 800, 420, 860}}}
		return providers.MockReply{ToolCalls: []providers.ToolCall{m.report(page, bad)}, Usage: testUsage}
	}
	return providers.MockReply{ToolCalls: []providers.ToolCall{m.report(page, items)}, Usage: testUsage}
}

func (m *fakeModel) calls(phase string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phaseCalls[phase]
}

type harness struct {
	analyzer *Analyzer
	pdf      *pdf.Fake
	session  *providers.MockSession
	model    *fakeModel

	mu      sync.Mutex
	updates int
}

func newHarness(t *testing.T, pages int, model *fakeModel, onUpdate func(types.Snapshot)) *harness {
	t.Helper()
	h := &harness{pdf: pdf.NewFake(pages), model: model}
	h.session = providers.NewMockSession(model.respond)
	a, err := New(Config{
		PDF: h.pdf,
		Sessions: func(system string, tools []providers.Tool) (providers.Session, error) {
			if !strings.Contains(system, "Document Navigation Agent") || len(tools) != 3 {
				t.Errorf("unexpected session setup: %d tools", len(tools))
			}
			return h.session, nil
		},
		Model: "gemini-2.5-flash",
		Retry: retry.Policy{MaxRetries: 1, InitialDelay: time.Millisecond},
		OnUpdate: func(s types.Snapshot) {
			h.mu.Lock()
			h.updates++
			h.mu.Unlock()
			if onUpdate != nil {
				onUpdate(s)
			}
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.analyzer = a
	return h
}

func taskStatus(s types.Snapshot, id string) types.TaskStatus {
	t, ok := s.Task(id)
	if !ok {
		return ""
	}
	return t.Status
}

func hotspotsOn(s []types.LinkHotspot, page int) []types.LinkHotspot {
	var out []types.LinkHotspot
	for _, h := range s {
		if h.PageNumber == page {
			out = append(out, h)
		}
	}
	return out
}

func TestRunScenario(t *testing.T) {
	h := newHarness(t, 100, scenarioModel(), nil)

	doc, snap, err := h.analyzer.Run(context.Background(), "/reports/annual-2023.pdf", nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if doc.PageOffset != 2 {
		t.Errorf("PageOffset = %d, want 2", doc.PageOffset)
	}
	toc := hotspotsOn(doc.Hotspots, 2)
	if len(toc) != 1 || toc[0].TargetPage == nil || *toc[0].TargetPage != 14 {
		t.Errorf("TOC hotspots = %+v", toc)
	}
	fin := hotspotsOn(doc.Hotspots, 30)
	if len(fin) != 1 || fin[0].TargetPage == nil || *fin[0].TargetPage != 41 {
		t.Errorf("page 30 hotspots = %+v", fin)
	}

	if doc.FileName != "annual-2023.pdf" || doc.FileURL != "file:///reports/annual-2023.pdf" {
		t.Errorf("file = %q %q", doc.FileName, doc.FileURL)
	}
	if doc.ExtractionStrategy != "Tri-Phase with Verification" || doc.AIModel != "gemini-2.5-flash" {
		t.Errorf("doc = %+v", doc)
	}
	if doc.AnalysisSummary != "Analysis complete. Indexed 2 notes." {
		t.Errorf("AnalysisSummary = %q", doc.AnalysisSummary)
	}
	if !reflect.DeepEqual(doc.TOCPages, []int{2}) {
		t.Errorf("TOCPages = %v", doc.TOCPages)
	}

	if got := h.pdf.Extracts(); !reflect.DeepEqual(got, [][2]int{{1, 50}, {40, 100}}) {
		t.Errorf("extracts = %v", got)
	}
	renders := h.pdf.Renders()
	if len(renders) != 6 {
		t.Errorf("rendered %v, want pages 2 and 30-34", renders)
	}
	if h.session.ForkCount() != 6 {
		t.Errorf("ForkCount = %d, want 6", h.session.ForkCount())
	}

	if taskStatus(snap, TaskTextScan) != types.TaskCompleted || taskStatus(snap, TaskNoteIndexing) != types.TaskVerified {
		t.Errorf("phase tasks = %+v", snap.Tasks)
	}
	for _, p := range []int{2, 30, 31, 32, 33, 34} {
		if taskStatus(snap, PageTaskID(p)) != types.TaskVerified {
			t.Errorf("vis_%d = %q, want verified", p, taskStatus(snap, PageTaskID(p)))
		}
	}
	if task, _ := snap.Task(PageTaskID(2)); task.Label != "TOC Mapped" {
		t.Errorf("vis_2 label = %q", task.Label)
	}

	last := snap.Logs[len(snap.Logs)-1]
	if last.Message != "Analysis Complete" || last.Details != "Found 2 navigation points. Offset: 2." {
		t.Errorf("last log = %+v", last)
	}
	if snap.TokenUsage.TotalCalls != doc.TokenUsage.TotalCalls || doc.TokenUsage.TotalCalls == 0 {
		t.Errorf("TokenUsage = %+v", doc.TokenUsage)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.updates == 0 {
		t.Error("expected progress updates")
	}
}

func TestRunRejectionScenario(t *testing.T) {
	model := scenarioModel()
	model.items[30] = []map[string]any{
		{"text_content": "3", "target_reference": "3", "type": "NOTE_REF", "box_2d": []int{400, 800, 420, 815}},
		{"text_content": "10", "target_reference": "10", "type": "NOTE_REF", "box_2d": []int{400, 820, 420, 840}},
	}
	model.groupFirst[30] = true

	var mu sync.Mutex
	rejectedBeforeCommit := -1
	h := newHarness(t, 100, model, func(s types.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if rejectedBeforeCommit < 0 && len(hotspotsOn(s.Hotspots, 30)) > 0 {
			rejectedBeforeCommit = 0
			model.mu.Lock()
			defer model.mu.Unlock()
			for _, r := range model.toolResults {
				if strings.Contains(r, "MUST split grouped numbers") {
					rejectedBeforeCommit++
				}
			}
		}
	})
	doc, _, err := h.analyzer.Run(context.Background(), "report.pdf", nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if rejectedBeforeCommit < 1 {
		t.Errorf("page 30 hotspots were committed before the rejection reached the model")
	}
	fin := hotspotsOn(doc.Hotspots, 30)
	if len(fin) != 2 || fin[0].NoteNumber != "3" || fin[1].NoteNumber != "10" {
		t.Errorf("page 30 hotspots = %+v", fin)
	}
	for _, hs := range doc.Hotspots {
		if strings.ContainsAny(hs.VerificationText, ",;") {
			t.Errorf("grouped hotspot committed: %+v", hs)
		}
	}
}

func TestRunResume(t *testing.T) {
	resume := &types.Snapshot{
		Tasks: []types.AgentTask{
			{ID: TaskTextScan, Label: "Structure & Index Ready", Status: types.TaskCompleted},
			{ID: TaskNoteIndexing, Label: "Notes Indexed", Status: types.TaskVerified},
			{ID: PageTaskID(2), Label: "TOC Mapped", Status: types.TaskVerified},
			{ID: PageTaskID(31), Label: "Scanning Financials (Pg 31)", Status: types.TaskFailed},
		},
		SectionLinks: []types.SectionLink{
			{Title: "Table of Contents", Page: 2, Type: types.SectionTOC},
			{Title: "Financial Position", Page: 30, Type: types.SectionStatement, PrintedPage: 28},
			{Title: "Notes to Financials", Page: 40, Type: types.SectionNotes},
		},
		Notes: []types.NoteReference{
			{ID: "note_4", NoteNumber: "4", DefinitionPage: 41},
			{ID: "note_12", NoteNumber: "12", DefinitionPage: 55},
		},
		Hotspots:   []types.LinkHotspot{{PageNumber: 2, NoteNumber: "12", Label: types.ItemTOCLink}},
		TokenUsage: types.TokenUsage{TotalCalls: 5, TotalTokens: 900},
	}
	model := scenarioModel()
	h := newHarness(t, 100, model, nil)

	doc, snap, err := h.analyzer.Run(context.Background(), "report.pdf", resume)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if model.calls("structure") != 0 || model.calls("notes") != 0 {
		t.Errorf("phase 1/2 re-ran: %v", model.phaseCalls)
	}
	if len(h.pdf.Extracts()) != 0 {
		t.Errorf("no text extraction expected, got %v", h.pdf.Extracts())
	}

	var skipped []string
	for _, l := range snap.Logs {
		if strings.HasPrefix(l.Message, "Skipping Phase") {
			skipped = append(skipped, l.Message)
		}
	}
	if !reflect.DeepEqual(skipped, []string{"Skipping Phase 1 (Structure already mapped).", "Skipping Phase 2 (Notes already indexed)."}) {
		t.Errorf("skip logs = %v", skipped)
	}

	if got := h.pdf.Renders(); len(got) != 5 {
		t.Errorf("rendered %v, want pages 30-34 only", got)
	}
	fin := hotspotsOn(doc.Hotspots, 30)
	if len(fin) != 1 || fin[0].TargetPage == nil || *fin[0].TargetPage != 41 {
		t.Errorf("page 30 hotspots = %+v", fin)
	}
	if doc.PageOffset != 2 {
		t.Errorf("PageOffset = %d, want 2 from the statement link", doc.PageOffset)
	}
	if taskStatus(snap, PageTaskID(31)) != types.TaskVerified {
		t.Errorf("vis_31 = %q", taskStatus(snap, PageTaskID(31)))
	}
	if snap.TokenUsage.TotalCalls <= 5 || snap.TokenUsage.TotalTokens <= 900 {
		t.Errorf("usage should continue from the snapshot: %+v", snap.TokenUsage)
	}
	if len(hotspotsOn(doc.Hotspots, 2)) != 1 {
		t.Error("hotspots from the snapshot should survive")
	}
}

func TestRestoreMatchesFreshIndex(t *testing.T) {
	notes := []types.NoteReference{
		{NoteNumber: "2e", DefinitionPage: 41},
		{NoteNumber: "4", DefinitionPage: 45},
		{NoteNumber: "30", DefinitionPage: 90},
	}

	fresh := observability.NewRun(observability.Options{})
	for _, n := range notes {
		fresh.IndexNote(observability.NormalizeNoteKey(n.NoteNumber), n.DefinitionPage)
	}

	resumed := observability.NewRun(observability.Options{})
	restore(resumed, types.Snapshot{
		Notes: notes,
		SectionLinks: []types.SectionLink{
			{Page: 30, Type: types.SectionStatement, PrintedPage: 28},
			{Page: 40, Type: types.SectionNotes},
		},
	})

	if fresh.NoteIndexSize() != resumed.NoteIndexSize() {
		t.Fatalf("index size %d != %d", resumed.NoteIndexSize(), fresh.NoteIndexSize())
	}
	for _, n := range notes {
		want, _ := fresh.LookupNote(n.NoteNumber)
		got, ok := resumed.LookupNote(n.NoteNumber)
		if !ok || got != want {
			t.Errorf("note %s: got %d, want %d", n.NoteNumber, got, want)
		}
	}
	sm := resumed.Structure()
	if sm.FinPosPage != 30 || sm.NotesStart != 40 || sm.NotesEnd != 60 || resumed.PageOffset() != 2 {
		t.Errorf("structure = %+v, offset %d", sm, resumed.PageOffset())
	}
}

func TestRunRateLimitPauseAndResume(t *testing.T) {
	model := scenarioModel()
	model.failPage[31] = &providers.RateLimitError{Message: "quota exceeded", StatusCode: 429}
	h := newHarness(t, 100, model, nil)

	_, snap, err := h.analyzer.Run(context.Background(), "report.pdf", nil)
	if !errors.Is(err, agent.ErrRateLimitExceeded) {
		t.Fatalf("Run() error = %v, want ErrRateLimitExceeded", err)
	}
	for _, task := range snap.Tasks {
		if task.Status == types.TaskRunning {
			t.Errorf("task %s still running after pause", task.ID)
		}
	}
	if taskStatus(snap, PageTaskID(31)) != types.TaskFailed {
		t.Errorf("vis_31 = %q, want failed", taskStatus(snap, PageTaskID(31)))
	}
	if taskStatus(snap, PageTaskID(32)) != "" {
		t.Error("second batch must not start after a pause")
	}
	var sawPause bool
	for _, l := range snap.Logs {
		if l.Type == types.LogError && l.Message == "Rate Limit Exceeded. Pausing analysis..." {
			sawPause = true
		}
		if l.Message == "Analysis Failed" {
			t.Error("a pause is not a failure")
		}
	}
	if !sawPause {
		t.Error("expected the rate limit ERROR log")
	}

	// Persist, reload and resume with the quota restored.
	path := t.TempDir() + "/snapshot.json"
	if err := SaveSnapshot(path, snap); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}
	loaded, err := LoadSnapshot(path)
	if err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}

	healthy := scenarioModel()
	h2 := newHarness(t, 100, healthy, nil)
	doc, final, err := h2.analyzer.Run(context.Background(), "report.pdf", loaded)
	if err != nil {
		t.Fatalf("resumed Run() error = %v", err)
	}
	if healthy.calls("structure") != 0 || healthy.calls("notes") != 0 {
		t.Errorf("phase 1/2 re-ran on resume: %v", healthy.phaseCalls)
	}
	if got := h2.pdf.Renders(); len(got) != 4 {
		t.Errorf("resumed run rendered %v, want 31-34", got)
	}
	for _, p := range []int{2, 30, 31, 32, 33, 34} {
		if taskStatus(final, PageTaskID(p)) != types.TaskVerified {
			t.Errorf("vis_%d = %q after resume", p, taskStatus(final, PageTaskID(p)))
		}
	}
	if len(doc.Hotspots) != 2 {
		t.Errorf("hotspots = %+v", doc.Hotspots)
	}
}

func TestRunCancelDuringPhase3(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	model := scenarioModel()
	var once sync.Once
	model.onPage = func(int) { once.Do(cancel) }
	h := newHarness(t, 100, model, nil)

	_, snap, err := h.analyzer.Run(ctx, "report.pdf", nil)
	if !errors.Is(err, agent.ErrAborted) {
		t.Fatalf("Run() error = %v, want ErrAborted", err)
	}

	for _, p := range []int{2, 30, 31} {
		switch s := taskStatus(snap, PageTaskID(p)); s {
		case types.TaskVerified, types.TaskPending, "":
		default:
			t.Errorf("vis_%d left in state %q", p, s)
		}
	}
	for _, p := range []int{32, 33, 34} {
		if s := taskStatus(snap, PageTaskID(p)); s != "" {
			t.Errorf("vis_%d = %q, the next batch must not start", p, s)
		}
	}
	for _, r := range h.pdf.Renders() {
		if r > 31 {
			t.Errorf("page %d rendered after cancellation", r)
		}
	}
	if taskStatus(snap, TaskTextScan) != types.TaskCompleted || taskStatus(snap, TaskNoteIndexing) != types.TaskVerified {
		t.Error("committed phase state must not be rolled back")
	}
}

// execPDF runs a long subprocess bound to ctx for the chosen operation and
// calls started once it is running, like the poppler provider does.
type execPDF struct {
	*pdf.Fake
	slow    string
	started func()
}

func (p *execPDF) sleep(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "sleep", "5")
	if err := cmd.Start(); err != nil {
		return err
	}
	p.started()
	return cmd.Wait()
}

func (p *execPDF) ExtractText(ctx context.Context, path string, start, end int) (string, error) {
	if p.slow == "extract" {
		if err := p.sleep(ctx); err != nil {
			return "", fmt.Errorf("failed to read pages %d-%d: pdftotext: %w", start, end, err)
		}
	}
	return p.Fake.ExtractText(ctx, path, start, end)
}

func (p *execPDF) RenderPage(ctx context.Context, path string, page int, scale float64) (*pdf.Image, error) {
	if p.slow == "render" {
		if err := p.sleep(ctx); err != nil {
			return nil, fmt.Errorf("pdftoppm failed for page %d: %w", page, err)
		}
	}
	return p.Fake.RenderPage(ctx, path, page, scale)
}

func TestRunCancelDuringSubprocess(t *testing.T) {
	testutil.RequireBinary(t, "sleep")

	tests := []struct {
		slow  string
		tasks []string
	}{
		{"extract", []string{TaskTextScan}},
		{"render", []string{PageTaskID(2), PageTaskID(30), PageTaskID(31)}},
	}
	for _, tt := range tests {
		t.Run(tt.slow, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			h := newHarness(t, 100, scenarioModel(), nil)
			var once sync.Once
			h.analyzer.cfg.PDF = &execPDF{Fake: h.pdf, slow: tt.slow, started: func() { once.Do(cancel) }}

			start := time.Now()
			_, snap, err := h.analyzer.Run(ctx, "report.pdf", nil)
			if !errors.Is(err, agent.ErrAborted) {
				t.Fatalf("Run() error = %v, want ErrAborted", err)
			}
			if elapsed := time.Since(start); elapsed > 4*time.Second {
				t.Errorf("Run() took %v, subprocess was not killed", elapsed)
			}
			for _, id := range tt.tasks {
				if s := taskStatus(snap, id); s != types.TaskPending {
					t.Errorf("%s = %q, want pending", id, s)
				}
			}
			for _, l := range snap.Logs {
				if l.Type == types.LogError {
					t.Errorf("unexpected ERROR log %q", l.Message)
				}
			}
			if last := snap.Logs[len(snap.Logs)-1]; last.Message != "Analysis aborted by user." {
				t.Errorf("last log = %q", last.Message)
			}
		})
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := newHarness(t, 100, scenarioModel(), nil)

	_, snap, err := h.analyzer.Run(ctx, "report.pdf", nil)
	if !errors.Is(err, agent.ErrAborted) {
		t.Fatalf("Run() error = %v, want ErrAborted", err)
	}
	if h.session.RequestCount() != 0 {
		t.Errorf("RequestCount = %d, want 0", h.session.RequestCount())
	}
	if len(snap.Tasks) != 0 {
		t.Errorf("tasks = %+v", snap.Tasks)
	}
}

func TestRunFallbackPages(t *testing.T) {
	model := scenarioModel()
	model.structure = map[string]any{
		"toc_physical_page":                      0,
		"financial_position_physical_page":       0,
		"financial_position_printed_page_number": 0,
		"notes_start_physical_page":              0,
	}
	h := newHarness(t, 3, model, nil)

	_, snap, err := h.analyzer.Run(context.Background(), "short.pdf", nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if model.calls("notes") != 0 {
		t.Error("phase 2 must not run without a notes section")
	}
	if got := h.pdf.Renders(); len(got) != 3 {
		t.Errorf("rendered %v, want fallback pages 1-3", got)
	}
	var warned bool
	for _, l := range snap.Logs {
		if l.Type == types.LogWarning && strings.HasPrefix(l.Message, "Could not find financial pages") {
			warned = true
		}
	}
	if !warned {
		t.Error("expected the fallback WARNING")
	}
	if got := h.pdf.Extracts(); len(got) != 1 || got[0] != [2]int{1, 3} {
		t.Errorf("extracts = %v", got)
	}
}

func TestRunAllPagesAlreadyAnalyzed(t *testing.T) {
	resume := &types.Snapshot{
		Tasks: []types.AgentTask{
			{ID: TaskTextScan, Status: types.TaskCompleted},
			{ID: TaskNoteIndexing, Status: types.TaskVerified},
		},
		SectionLinks: []types.SectionLink{
			{Page: 30, Type: types.SectionStatement, PrintedPage: 28},
			{Page: 32, Type: types.SectionNotes},
		},
		Notes: []types.NoteReference{{NoteNumber: "4", DefinitionPage: 41}},
	}
	for _, p := range []int{30, 31} {
		resume.Tasks = append(resume.Tasks, types.AgentTask{ID: PageTaskID(p), Status: types.TaskVerified})
	}
	h := newHarness(t, 100, scenarioModel(), nil)

	_, snap, err := h.analyzer.Run(context.Background(), "report.pdf", resume)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if h.session.RequestCount() != 0 {
		t.Errorf("RequestCount = %d, want 0", h.session.RequestCount())
	}
	var found bool
	for _, l := range snap.Logs {
		if l.Message == "All target pages already analyzed." {
			found = true
		}
	}
	if !found {
		t.Error("expected the already-analyzed log")
	}
}

func TestRunFatalError(t *testing.T) {
	h := newHarness(t, 100, scenarioModel(), nil)
	boom := errors.New("pdftoppm: exit status 1")
	h.pdf.RenderErr = boom

	_, snap, err := h.analyzer.Run(context.Background(), "report.pdf", nil)
	if !errors.Is(err, boom) {
		t.Fatalf("Run() error = %v, want wrapped %v", err, boom)
	}
	if errors.Is(err, agent.ErrAborted) || errors.Is(err, agent.ErrRateLimitExceeded) {
		t.Error("render failure is fatal")
	}
	last := snap.Logs[len(snap.Logs)-1]
	if last.Type != types.LogError || last.Message != "Analysis Failed" {
		t.Errorf("last log = %+v", last)
	}
	for _, task := range snap.Tasks {
		if task.Status == types.TaskRunning {
			t.Errorf("task %s still running", task.ID)
		}
	}
}

func TestCandidatePages(t *testing.T) {
	tests := []struct {
		name string
		sm   types.StructureMap
		want []int
	}{
		{"toc and statements", types.StructureMap{TOCPage: 2, FinPosPage: 30, NotesStart: 40}, []int{2, 30, 31, 32, 33, 34}},
		{"bounded by notes", types.StructureMap{TOCPage: 2, FinPosPage: 30, NotesStart: 32}, []int{2, 30, 31}},
		{"toc inside window", types.StructureMap{TOCPage: 31, FinPosPage: 30, NotesStart: 40}, []int{30, 31, 32, 33, 34}},
		{"no notes section", types.StructureMap{TOCPage: 2, FinPosPage: 10}, []int{2}},
		{"nothing found", types.StructureMap{}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := candidatePages(tt.sm, DefaultVisualWindow); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("candidatePages() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error without a pdf provider")
	}
	if _, err := New(Config{PDF: pdf.NewFake(1)}); err == nil {
		t.Error("expected error without a session factory")
	}
}
