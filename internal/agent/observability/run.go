// Package observability owns the mutable state of one analysis run and
// publishes an immutable snapshot of it after every change.
package observability

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jackzampolin/docnav/internal/types"
)

// Options configures a Run.
type Options struct {
	// Initial seeds the run from a saved snapshot.
	Initial *types.Snapshot

	// OnUpdate receives a snapshot after every mutation. It is called with
	// the run lock held and must not call back into the Run.
	OnUpdate func(types.Snapshot)

	// OnLog receives each log entry as it is appended.
	OnLog func(types.AgentLogEntry)

	Logger *slog.Logger

	// Now and NewID are overridable for tests.
	Now   func() time.Time
	NewID func() string
}

// Run is the single owner of a run's collections. Slices are replaced on
// every write, so a published snapshot is never mutated afterwards.
type Run struct {
	mu sync.Mutex

	snap types.Snapshot

	structure types.StructureMap
	offset    int
	noteIndex map[string]int

	onUpdate func(types.Snapshot)
	onLog    func(types.AgentLogEntry)
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// NewRun creates a run context.
func NewRun(opts Options) *Run {
	r := &Run{
		noteIndex: make(map[string]int),
		onUpdate:  opts.OnUpdate,
		onLog:     opts.OnLog,
		logger:    opts.Logger,
		now:       opts.Now,
		newID:     opts.NewID,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.newID == nil {
		r.newID = func() string { return uuid.New().String() }
	}
	if opts.Initial != nil {
		s := *opts.Initial
		r.snap = types.Snapshot{
			Logs:         append([]types.AgentLogEntry(nil), s.Logs...),
			Tasks:        append([]types.AgentTask(nil), s.Tasks...),
			Hotspots:     append([]types.LinkHotspot(nil), s.Hotspots...),
			Notes:        append([]types.NoteReference(nil), s.Notes...),
			SectionLinks: append([]types.SectionLink(nil), s.SectionLinks...),
			TokenUsage:   s.TokenUsage,
		}
	}
	return r
}

// publish must be called with r.mu held.
func (r *Run) publish() {
	if r.onUpdate != nil {
		r.onUpdate(r.snap)
	}
}

// Snapshot returns the current state.
func (r *Run) Snapshot() types.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}

// LogOption sets optional fields on a new log entry.
type LogOption func(*types.AgentLogEntry)

func WithDetails(s string) LogOption { return func(e *types.AgentLogEntry) { e.Details = s } }
func WithCode(s string) LogOption { return func(e *types.AgentLogEntry) { e.CodeBlock = s } }
func WithOutput(s string) LogOption { return func(e *types.AgentLogEntry) { e.Output = s } }
func WithEvidence(b64 string) LogOption { return func(e *types.AgentLogEntry) { e.VisualEvidence = b64 } }

// Log appends an entry and returns its id.
func (r *Run) Log(kind types.LogType, message string, opts ...LogOption) string {
	entry := types.AgentLogEntry{
		Type:    kind,
		Message: message,
	}
	for _, o := range opts {
		o(&entry)
	}

	r.mu.Lock()
	entry.ID = r.newID()
	entry.Timestamp = r.now().UnixMilli()
	logs := make([]types.AgentLogEntry, len(r.snap.Logs), len(r.snap.Logs)+1)
	copy(logs, r.snap.Logs)
	r.snap.Logs = append(logs, entry)
	if r.onLog != nil {
		r.onLog(entry)
	}
	r.publish()
	r.mu.Unlock()

	r.logger.Debug("run log", "type", kind, "message", message)
	return entry.ID
}

// UpdateLog applies fn to the entry with the given id. Unknown ids are ignored.
func (r *Run) UpdateLog(id string, fn func(*types.AgentLogEntry)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.snap.Logs) - 1; i >= 0; i-- {
		if r.snap.Logs[i].ID != id {
			continue
		}
		logs := append([]types.AgentLogEntry(nil), r.snap.Logs...)
		fn(&logs[i])
		logs[i].ID = id
		r.snap.Logs = logs
		r.publish()
		return
	}
}

// AppendThought adds delta to a THOUGHT entry's output and marks it thinking.
func (r *Run) AppendThought(id, delta string) {
	r.UpdateLog(id, func(e *types.AgentLogEntry) {
		e.Output += delta
		e.IsThinking = true
	})
}

// FinishThought clears the thinking flag of a THOUGHT entry.
func (r *Run) FinishThought(id string) {
	r.UpdateLog(id, func(e *types.AgentLogEntry) {
		e.IsThinking = false
	})
}

// SetTask creates or updates the task with id.
func (r *Run) SetTask(id, label string, status types.TaskStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tasks := append([]types.AgentTask(nil), r.snap.Tasks...)
	for i := range tasks {
		if tasks[i].ID == id {
			tasks[i].Label = label
			tasks[i].Status = status
			r.snap.Tasks = tasks
			r.publish()
			return
		}
	}
	r.snap.Tasks = append(tasks, types.AgentTask{ID: id, Label: label, Status: status})
	r.publish()
}

// Task returns the task with id.
func (r *Run) Task(id string) (types.AgentTask, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap.Task(id)
}

// RestoreTask puts a task back to a previous state, or marks it pending when
// prev is nil.
func (r *Run) RestoreTask(id string, prev *types.AgentTask) {
	if prev != nil {
		r.SetTask(prev.ID, prev.Label, prev.Status)
		return
	}
	r.mu.Lock()
	t, ok := r.snap.Task(id)
	r.mu.Unlock()
	if ok {
		r.SetTask(id, t.Label, types.TaskPending)
	}
}

// FailRunningTasks marks every running task failed.
func (r *Run) FailRunningTasks() {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := false
	tasks := append([]types.AgentTask(nil), r.snap.Tasks...)
	for i := range tasks {
		if tasks[i].Status == types.TaskRunning {
			tasks[i].Status = types.TaskFailed
			changed = true
		}
	}
	if changed {
		r.snap.Tasks = tasks
		r.publish()
	}
}

// RecordCall increments the call counter.
func (r *Run) RecordCall() {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.snap.TokenUsage
	u.TotalCalls++
	r.snap.TokenUsage = u
	r.publish()
}

// AddUsage merges token counts into the running total.
func (r *Run) AddUsage(prompt, candidates, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.TokenUsage = r.snap.TokenUsage.Add(prompt, candidates, total)
	r.publish()
}

// SetStructure records the document landmarks and, when computable, the page offset.
func (r *Run) SetStructure(sm types.StructureMap) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.structure = sm
	if sm.HasOffset() {
		r.offset = sm.Offset()
	}
}

// Structure returns the document landmarks.
func (r *Run) Structure() types.StructureMap {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.structure
}

// PageOffset returns physical minus printed page number.
func (r *Run) PageOffset() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offset
}

// IndexNote maps a normalized note key to its definition page.
func (r *Run) IndexNote(key string, page int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.noteIndex[key] = page
}

// LookupNote resolves a note key to a page.
func (r *Run) LookupNote(key string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.noteIndex[key]
	return p, ok
}

// NoteIndexSize returns the number of indexed note keys.
func (r *Run) NoteIndexSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.noteIndex)
}

// AddNote appends a note unless one with the same number exists.
func (r *Run) AddNote(n types.NoteReference) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.snap.Notes {
		if existing.NoteNumber == n.NoteNumber {
			return false
		}
	}
	notes := make([]types.NoteReference, len(r.snap.Notes), len(r.snap.Notes)+1)
	copy(notes, r.snap.Notes)
	r.snap.Notes = append(notes, n)
	r.publish()
	return true
}

// AddSectionLinks appends structural links.
func (r *Run) AddSectionLinks(links ...types.SectionLink) {
	if len(links) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.SectionLink, 0, len(r.snap.SectionLinks)+len(links))
	out = append(out, r.snap.SectionLinks...)
	r.snap.SectionLinks = append(out, links...)
	r.publish()
}

// ReplacePageHotspots swaps every hotspot on page for hs.
func (r *Run) ReplacePageHotspots(page int, hs []types.LinkHotspot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.LinkHotspot, 0, len(r.snap.Hotspots)+len(hs))
	for _, h := range r.snap.Hotspots {
		if h.PageNumber != page {
			out = append(out, h)
		}
	}
	out = append(out, hs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].PageNumber < out[j].PageNumber })
	r.snap.Hotspots = out
	r.publish()
}

// NormalizeNoteKey lowercases and trims a note reference.
func NormalizeNoteKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// AlnumKey keeps only letters and digits of a normalized key.
func AlnumKey(s string) string {
	var b strings.Builder
	for _, c := range NormalizeNoteKey(s) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			b.WriteRune(c)
		}
	}
	return b.String()
}
