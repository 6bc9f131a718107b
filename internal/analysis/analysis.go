// Package analysis runs the three-phase navigation analysis of a financial
// report: map its structure from text, index the note definitions, then scan
// page images for references and link them to their targets.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"

	"github.com/jackzampolin/docnav/internal/agent"
	"github.com/jackzampolin/docnav/internal/agent/observability"
	"github.com/jackzampolin/docnav/internal/agents/navigator"
	navtools "github.com/jackzampolin/docnav/internal/agents/navigator/tools"
	"github.com/jackzampolin/docnav/internal/pdf"
	"github.com/jackzampolin/docnav/internal/providers"
	"github.com/jackzampolin/docnav/internal/retry"
	"github.com/jackzampolin/docnav/internal/types"
)

const (
	DefaultTextScanLimit   = 50
	DefaultVisualBatchSize = 3
	DefaultVisualWindow    = 5
	DefaultFallbackPages   = 5

	// ExtractionStrategy names the approach in the final document.
	ExtractionStrategy = "Tri-Phase with Verification"
)

// Task ids
const (
	TaskTextScan     = "text_scan"
	TaskNoteIndexing = "note_indexing"
)

// PageTaskID returns the task id of a scanned page.
func PageTaskID(page int) string {
	return fmt.Sprintf("vis_%d", page)
}

// SessionFactory starts a model conversation with a system prompt and tools.
type SessionFactory func(systemPrompt string, tools []providers.Tool) (providers.Session, error)

// Config configures an Analyzer.
type Config struct {
	PDF      pdf.Provider
	Sessions SessionFactory

	// Prompts defaults to the embedded navigator prompts.
	Prompts *navigator.Prompts

	// Model is reported in the result.
	Model string

	Retry               retry.Policy
	MaxLoops            int
	ExecuteAllToolCalls bool

	TextScanLimit   int     // pages of text read in Phase 1 (default: 50)
	VisualBatchSize int     // pages scanned concurrently in Phase 3 (default: 3)
	VisualWindow    int     // statement pages scanned from the financial position page (default: 5)
	RenderScale     float64 // page raster scale in Phase 3 (default: 3)

	// OnUpdate receives a snapshot after every state change.
	OnUpdate func(types.Snapshot)
	// OnLog receives each log entry as it is appended.
	OnLog func(types.AgentLogEntry)

	Logger *slog.Logger
}

// Analyzer runs analyses. It holds no per-run state and may be reused.
type Analyzer struct {
	cfg    Config
	logger *slog.Logger
}

// New creates an Analyzer, filling in defaults.
func New(cfg Config) (*Analyzer, error) {
	if cfg.PDF == nil {
		return nil, fmt.Errorf("pdf provider is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session factory is required")
	}
	if cfg.Prompts == nil {
		cfg.Prompts = navigator.NewPrompts(nil)
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.InitialDelay == 0 {
		cfg.Retry = retry.Default()
	}
	if cfg.TextScanLimit <= 0 {
		cfg.TextScanLimit = DefaultTextScanLimit
	}
	if cfg.VisualBatchSize <= 0 {
		cfg.VisualBatchSize = DefaultVisualBatchSize
	}
	if cfg.VisualWindow <= 0 {
		cfg.VisualWindow = DefaultVisualWindow
	}
	if cfg.RenderScale <= 0 {
		cfg.RenderScale = pdf.DefaultRenderScale
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Analyzer{cfg: cfg, logger: cfg.Logger}, nil
}

// runState is everything one analysis run shares across its phases.
type runState struct {
	path       string
	totalPages int
	run        *observability.Run
	loop       *agent.Loop
	session    providers.Session
	logger     *slog.Logger
}

// Run analyzes the PDF at path. Pass a snapshot from an earlier, paused run
// as resume to continue it; nil starts fresh.
//
// The returned snapshot is the run's final state and is valid on error too.
// agent.ErrAborted and agent.ErrRateLimitExceeded are returned unwrapped and
// mean the run can be resumed from the snapshot.
func (a *Analyzer) Run(ctx context.Context, path string, resume *types.Snapshot) (*types.ProcessedDocument, types.Snapshot, error) {
	run := observability.NewRun(observability.Options{
		Initial:  resume,
		OnUpdate: a.cfg.OnUpdate,
		OnLog:    a.cfg.OnLog,
		Logger:   a.logger,
	})
	logger := a.logger.With("file", filepath.Base(path))

	if resume != nil {
		restore(run, *resume)
		logger.Info("resuming analysis", "offset", run.PageOffset(), "notes", run.NoteIndexSize())
	}

	doc, err := a.execute(ctx, path, run, logger)
	switch {
	case err == nil:
		return doc, run.Snapshot(), nil
	case errors.Is(err, agent.ErrAborted), ctx.Err() != nil:
		logger.Info("analysis aborted")
		run.Log(types.LogSystem, "Analysis aborted by user.")
		return nil, run.Snapshot(), agent.ErrAborted
	case errors.Is(err, agent.ErrRateLimitExceeded):
		logger.Warn("analysis paused on rate limit", "error", err)
		run.FailRunningTasks()
		return nil, run.Snapshot(), err
	default:
		logger.Error("analysis failed", "error", err)
		run.FailRunningTasks()
		run.Log(types.LogError, "Analysis Failed", observability.WithDetails(err.Error()))
		return nil, run.Snapshot(), fmt.Errorf("analysis failed: %w", err)
	}
}

func (a *Analyzer) execute(ctx context.Context, path string, run *observability.Run, logger *slog.Logger) (*types.ProcessedDocument, error) {
	total, err := a.cfg.PDF.PageCount(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("count pages: %w", err)
	}
	if total < 1 {
		return nil, fmt.Errorf("document has no pages")
	}

	tools := navtools.New(navtools.Config{
		Run:     run,
		PDF:     a.cfg.PDF,
		Path:    path,
		Prompts: a.cfg.Prompts,
		Retry:   a.cfg.Retry,
		Logger:  logger,
	})
	system, err := a.cfg.Prompts.System(navigator.SystemData{TextScanLimit: a.cfg.TextScanLimit})
	if err != nil {
		return nil, err
	}
	session, err := a.cfg.Sessions(system, tools.GetTools())
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}

	st := &runState{
		path:       path,
		totalPages: total,
		run:        run,
		session:    session,
		logger:     logger,
		loop: agent.New(agent.Config{
			Tools:               tools,
			Run:                 run,
			Retry:               a.cfg.Retry,
			MaxLoops:            a.cfg.MaxLoops,
			ExecuteAllToolCalls: a.cfg.ExecuteAllToolCalls,
			Logger:              logger,
		}),
	}
	logger.Info("starting analysis", "pages", total, "model", a.cfg.Model)

	if err := a.mapStructure(ctx, st); err != nil {
		return nil, err
	}
	if err := a.indexNotes(ctx, st); err != nil {
		return nil, err
	}
	if err := a.scanPages(ctx, st); err != nil {
		return nil, err
	}

	return a.finish(path, run), nil
}

func (a *Analyzer) finish(path string, run *observability.Run) *types.ProcessedDocument {
	snap := run.Snapshot()
	offset := run.PageOffset()
	sm := run.Structure()

	run.Log(types.LogSuccess, "Analysis Complete",
		observability.WithDetails(fmt.Sprintf("Found %d navigation points. Offset: %d.", len(snap.Hotspots), offset)))

	return &types.ProcessedDocument{
		FileName:           filepath.Base(path),
		FileURL:            fileURL(path),
		Notes:              snap.Notes,
		Hotspots:           snap.Hotspots,
		SectionLinks:       snap.SectionLinks,
		AnalysisSummary:    fmt.Sprintf("Analysis complete. Indexed %d notes.", len(snap.Notes)),
		TOCPages:           []int{sm.TOCPage},
		AIModel:            a.cfg.Model,
		ExtractionStrategy: ExtractionStrategy,
		PageOffset:         offset,
		TokenUsage:         run.Snapshot().TokenUsage,
	}
}

func fileURL(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}
