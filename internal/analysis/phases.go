package analysis

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/jackzampolin/docnav/internal/agent"
	"github.com/jackzampolin/docnav/internal/agents/navigator"
	"github.com/jackzampolin/docnav/internal/providers"
	"github.com/jackzampolin/docnav/internal/types"
)

// withTask marks task id running under label, runs fn, and on success moves
// the task to done/doneLabel. An aborted fn puts the task back the way it was
// so no half-finished state survives. Other failures leave the task running
// for the caller to fail.
func withTask(ctx context.Context, st *runState, id, label string, done types.TaskStatus, doneLabel string, fn func() error) error {
	prev, existed := st.run.Task(id)
	st.run.SetTask(id, label, types.TaskRunning)

	err := fn()
	// A subprocess killed by a cancelled ctx reports its own error.
	if err != nil && ctx.Err() != nil {
		err = agent.ErrAborted
	}
	if errors.Is(err, agent.ErrAborted) {
		if existed {
			st.run.RestoreTask(id, &prev)
		} else {
			st.run.RestoreTask(id, nil)
		}
		return err
	}
	if err != nil {
		return err
	}
	st.run.SetTask(id, doneLabel, done)
	return nil
}

// mapStructure is Phase 1: find the landmarks and the page offset from the
// text of the first pages.
func (a *Analyzer) mapStructure(ctx context.Context, st *runState) error {
	if t, ok := st.run.Task(TaskTextScan); ok && t.Status == types.TaskCompleted && st.run.Structure().FinPosPage > 0 {
		st.run.Log(types.LogSystem, "Skipping Phase 1 (Structure already mapped).")
		return nil
	}
	if ctx.Err() != nil {
		return agent.ErrAborted
	}

	return withTask(ctx, st, TaskTextScan, "Phase 1: Text Analysis & Structure", types.TaskCompleted, "Structure & Index Ready", func() error {
		limit := min(a.cfg.TextScanLimit, st.totalPages)
		text, err := a.cfg.PDF.ExtractText(ctx, st.path, 1, limit)
		if err != nil {
			return fmt.Errorf("extract structure text: %w", err)
		}
		st.run.Log(types.LogSystem, fmt.Sprintf("Extracted text from first %d pages.", limit))

		prompt, err := a.cfg.Prompts.Structure(navigator.StructureData{Pages: limit})
		if err != nil {
			return err
		}
		_, err = st.loop.Round(ctx, st.session,
			[]providers.Part{providers.TextPart(prompt), providers.TextPart(text)},
			"Structural Text Analysis")
		return err
	})
}

// indexNotes is Phase 2: map note numbers to the pages defining them.
func (a *Analyzer) indexNotes(ctx context.Context, st *runState) error {
	sm := st.run.Structure()
	if sm.NotesStart <= 0 {
		st.logger.Info("no notes section found, skipping note indexing")
		return nil
	}
	if t, ok := st.run.Task(TaskNoteIndexing); ok && t.Status == types.TaskVerified && st.run.NoteIndexSize() > 0 {
		st.run.Log(types.LogSystem, "Skipping Phase 2 (Notes already indexed).")
		return nil
	}
	if ctx.Err() != nil {
		return agent.ErrAborted
	}

	return withTask(ctx, st, TaskNoteIndexing, "Phase 2: Indexing Notes...", types.TaskVerified, "Notes Indexed", func() error {
		start, end := sm.NotesStart, st.totalPages
		text, err := a.cfg.PDF.ExtractText(ctx, st.path, start, end)
		if err != nil {
			return fmt.Errorf("extract notes text: %w", err)
		}
		st.run.Log(types.LogSystem, fmt.Sprintf("Extracted Note Text (Page %d - %d) for Indexing.", start, end))

		prompt, err := a.cfg.Prompts.Notes(navigator.NotesData{Start: start, End: end})
		if err != nil {
			return err
		}
		_, err = st.loop.Round(ctx, st.session,
			[]providers.Part{providers.TextPart(prompt), providers.TextPart(text)},
			"Note Indexing Analysis")
		return err
	})
}

// candidatePages lists the pages worth scanning: the TOC page and up to
// window statement pages starting at the financial position page, stopping
// before the notes. Without a notes page no statement page qualifies.
func candidatePages(sm types.StructureMap, window int) []int {
	seen := make(map[int]bool)
	var pages []int
	add := func(p int) {
		if !seen[p] {
			seen[p] = true
			pages = append(pages, p)
		}
	}
	if sm.TOCPage > 0 {
		add(sm.TOCPage)
	}
	if sm.FinPosPage > 0 {
		for i := 0; i < window; i++ {
			p := sm.FinPosPage + i
			if p >= sm.NotesStart {
				break
			}
			add(p)
		}
	}
	sort.Ints(pages)
	return pages
}

// scanPages is Phase 3: find reference boxes on page images, a batch of pages
// at a time, each page on its own fork of the conversation.
func (a *Analyzer) scanPages(ctx context.Context, st *runState) error {
	sm := st.run.Structure()
	candidates := candidatePages(sm, a.cfg.VisualWindow)

	var queue []int
	for _, p := range candidates {
		if t, ok := st.run.Task(PageTaskID(p)); ok && t.Status == types.TaskVerified {
			continue
		}
		queue = append(queue, p)
	}

	switch {
	case len(queue) == 0 && len(candidates) > 0:
		st.run.Log(types.LogSuccess, "All target pages already analyzed.")
		return nil
	case len(queue) == 0:
		st.run.Log(types.LogWarning, fmt.Sprintf("Could not find financial pages. Fallback to scanning pages 1-%d.", DefaultFallbackPages))
		for p := 1; p <= min(DefaultFallbackPages, st.totalPages); p++ {
			queue = append(queue, p)
		}
	}

	st.logger.Info("scanning pages", "pages", queue, "batch_size", a.cfg.VisualBatchSize)
	for i := 0; i < len(queue); i += a.cfg.VisualBatchSize {
		if ctx.Err() != nil {
			return agent.ErrAborted
		}
		batch := queue[i:min(i+a.cfg.VisualBatchSize, len(queue))]

		var g errgroup.Group
		for _, page := range batch {
			session := st.session.Fork()
			g.Go(func() error {
				return a.scanPage(ctx, st, session, page, page == sm.TOCPage)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

func (a *Analyzer) scanPage(ctx context.Context, st *runState, session providers.Session, page int, isTOC bool) error {
	label, doneLabel := fmt.Sprintf("Scanning Financials (Pg %d)", page), "Financials Scanned"
	if isTOC {
		label, doneLabel = fmt.Sprintf("Mapping TOC (Pg %d)", page), "TOC Mapped"
	}

	return withTask(ctx, st, PageTaskID(page), label, types.TaskVerified, doneLabel, func() error {
		img, err := a.cfg.PDF.RenderPage(ctx, st.path, page, a.cfg.RenderScale)
		if err != nil {
			return fmt.Errorf("render page %d: %w", page, err)
		}
		prompt, err := a.cfg.Prompts.Page(page, isTOC)
		if err != nil {
			return err
		}
		_, err = st.loop.Round(ctx, session,
			[]providers.Part{providers.TextPart(prompt), providers.ImagePart(img.JPEG)},
			fmt.Sprintf("Visual Analysis of Page %d", page))
		return err
	})
}
