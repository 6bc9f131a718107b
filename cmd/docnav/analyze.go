package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jackzampolin/docnav/internal/agent"
	"github.com/jackzampolin/docnav/internal/agents/navigator"
	"github.com/jackzampolin/docnav/internal/analysis"
	"github.com/jackzampolin/docnav/internal/config"
	"github.com/jackzampolin/docnav/internal/output"
	"github.com/jackzampolin/docnav/internal/pdf"
	"github.com/jackzampolin/docnav/internal/providers"
	"github.com/jackzampolin/docnav/internal/types"
)

var (
	analyzeResume      string
	analyzeModel       string
	analyzeSnapshotOut string
	analyzeResultOut   string
	analyzeEvents      bool
	analyzeParallel    int
)

// Per-document outcomes.
const (
	statusComplete = "complete"
	statusPaused   = "paused"
	statusAborted  = "aborted"
	statusFailed   = "failed"
	statusSkipped  = "skipped"
)

// runStatus is printed instead of a result when a single run stops early.
type runStatus struct {
	Status    string                       `json:"status" yaml:"status"`
	Reason    string                       `json:"reason" yaml:"reason"`
	Snapshot  string                       `json:"snapshot" yaml:"snapshot"`
	Resume    string                       `json:"resume" yaml:"resume"`
	Usage     types.TokenUsage             `json:"tokenUsage" yaml:"tokenUsage"`
	RateLimit *providers.RateLimiterStatus `json:"rateLimit,omitempty" yaml:"rateLimit,omitempty"`
}

// batchItem is one document's line in a multi-document report.
type batchItem struct {
	File     string           `json:"file" yaml:"file"`
	Status   string           `json:"status" yaml:"status"`
	Result   string           `json:"result,omitempty" yaml:"result,omitempty"`
	Snapshot string           `json:"snapshot,omitempty" yaml:"snapshot,omitempty"`
	Notes    int              `json:"notes" yaml:"notes"`
	Hotspots int              `json:"hotspots" yaml:"hotspots"`
	Error    string           `json:"error,omitempty" yaml:"error,omitempty"`
	Resume   string           `json:"resume,omitempty" yaml:"resume,omitempty"`
	Usage    types.TokenUsage `json:"tokenUsage" yaml:"tokenUsage"`
}

// batchReport is printed when more than one document is analyzed.
type batchReport struct {
	Documents []batchItem                  `json:"documents" yaml:"documents"`
	RateLimit *providers.RateLimiterStatus `json:"rateLimit,omitempty" yaml:"rateLimit,omitempty"`
}

// fileRun is one document to analyze and where its state goes.
type fileRun struct {
	path         string
	snapshotPath string
	resultPath   string
	resume       *types.Snapshot
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <file.pdf> [file.pdf...]",
	Short: "Analyze financial reports and resolve their navigation links",
	Long: `Analyze one or more financial report PDFs.

The result (notes, hotspots, section links, page offset) is printed and also
saved under ~/.docnav/runs for 'docnav export'.

If the model's rate limit is exhausted or the run is interrupted with Ctrl-C,
the run state is written to a snapshot and the command exits as paused.
Pass the snapshot to --resume to continue where it stopped.

With several files each document gets its own session, snapshot and result,
and a per-document status report is printed. --parallel sets how many
documents run at once; all of them share the configured rate limit.

Examples:
  docnav analyze report.pdf
  docnav analyze report.pdf --events -o json
  docnav analyze report.pdf --resume ~/.docnav/runs/report.snapshot.json
  docnav analyze q1.pdf q2.pdf q3.pdf --parallel 2`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		batch := len(args) > 1
		if batch && (analyzeResume != "" || analyzeSnapshotOut != "" || analyzeResultOut != "") {
			return fmt.Errorf("--resume, --snapshot-out and --result-out take a single file")
		}
		for _, path := range args {
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("cannot read %s: %w", path, err)
			}
		}

		e, err := loadEnv()
		if err != nil {
			return err
		}
		if err := e.home.EnsureExists(); err != nil {
			return err
		}

		cfg := e.config.Get()
		oc := cfg.OpenAIConfig(e.logger)
		if analyzeModel != "" {
			oc.Model = analyzeModel
		}
		if oc.APIKey == "" {
			return fmt.Errorf("no API key configured: set GEMINI_API_KEY or llm.api_key")
		}
		if oc.Limiter != nil {
			e.config.OnChange(config.ApplyRateLimit(oc.Limiter, e.logger))
			e.config.WatchConfig()
		}
		client := providers.NewOpenAIClient(oc)

		poppler := pdf.NewPoppler(e.logger)
		if cfg.Analysis.DebugScale > 0 {
			poppler.DebugScale = cfg.Analysis.DebugScale
		}

		newAnalyzer := func(name string) (*analysis.Analyzer, error) {
			return analysis.New(analysis.Config{
				PDF: poppler,
				Sessions: func(system string, tools []providers.Tool) (providers.Session, error) {
					s, err := client.NewSession(system, tools)
					if err != nil {
						return nil, err
					}
					return s, nil
				},
				Prompts:             navigator.NewPrompts(e.promptResolver()),
				Model:               client.Model(),
				Retry:               cfg.RetryPolicy(),
				MaxLoops:            cfg.Analysis.MaxLoops,
				ExecuteAllToolCalls: cfg.Analysis.ExecuteAllToolCalls,
				TextScanLimit:       cfg.Analysis.TextScanLimit,
				VisualBatchSize:     cfg.Analysis.VisualBatchSize,
				VisualWindow:        cfg.Analysis.VisualWindow,
				RenderScale:         cfg.Analysis.RenderScale,
				OnLog:               logPrinter(analyzeEvents, name),
				Logger:              e.logger,
			})
		}

		runs := make([]fileRun, 0, len(args))
		for _, path := range args {
			fr := fileRun{
				path:         path,
				snapshotPath: e.home.SnapshotPath(path),
				resultPath:   e.home.ResultPath(path),
			}
			if analyzeSnapshotOut != "" {
				fr.snapshotPath = analyzeSnapshotOut
			}
			if analyzeResultOut != "" {
				fr.resultPath = analyzeResultOut
			}
			runs = append(runs, fr)
		}

		if !batch {
			fr := runs[0]
			if analyzeResume != "" {
				fr.resume, err = analysis.LoadSnapshot(analyzeResume)
				if err != nil {
					return err
				}
			}
			analyzer, err := newAnalyzer("")
			if err != nil {
				return err
			}
			item, doc, err := analyzeFile(ctx, e, analyzer, fr)
			logLimiter(e, oc.Limiter)
			switch item.Status {
			case statusComplete:
				return output.Print(doc)
			case statusAborted, statusPaused:
				status := pausedStatus(item.Status, item.Error, fr.path, fr.snapshotPath, item.Usage)
				if item.Status == statusPaused {
					status.RateLimit = limiterStatus(oc.Limiter)
				}
				return output.Print(status)
			default:
				return err
			}
		}

		report := analyzeBatch(ctx, e, runs, analyzeParallel, newAnalyzer)
		logLimiter(e, oc.Limiter)
		report.RateLimit = limiterStatus(oc.Limiter)

		if err := output.Print(report); err != nil {
			return err
		}
		failed := 0
		for _, item := range report.Documents {
			if item.Status == statusFailed {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d documents failed", failed, len(report.Documents))
		}
		return nil
	},
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeResume, "resume", "", "resume from a saved snapshot (single file)")
	analyzeCmd.Flags().StringVar(&analyzeModel, "model", "", "model name (overrides llm.model)")
	analyzeCmd.Flags().StringVar(&analyzeSnapshotOut, "snapshot-out", "", "where to write the run snapshot (default: ~/.docnav/runs/<name>.snapshot.json)")
	analyzeCmd.Flags().StringVar(&analyzeResultOut, "result-out", "", "where to write the result (default: ~/.docnav/runs/<name>.result.json)")
	analyzeCmd.Flags().BoolVar(&analyzeEvents, "events", false, "stream analysis log entries to stderr")
	analyzeCmd.Flags().IntVar(&analyzeParallel, "parallel", 1, "documents analyzed at once when several files are given")
}

// analyzeBatch runs each document with its own analyzer, at most parallel
// at a time. Documents not started before ctx is cancelled are skipped.
func analyzeBatch(ctx context.Context, e *env, runs []fileRun, parallel int, newAnalyzer func(name string) (*analysis.Analyzer, error)) batchReport {
	report := batchReport{Documents: make([]batchItem, len(runs))}
	g := new(errgroup.Group)
	g.SetLimit(max(parallel, 1))
	for i, fr := range runs {
		g.Go(func() error {
			if ctx.Err() != nil {
				report.Documents[i] = batchItem{File: fr.path, Status: statusSkipped}
				return nil
			}
			analyzer, err := newAnalyzer(filepath.Base(fr.path))
			if err != nil {
				report.Documents[i] = batchItem{File: fr.path, Status: statusFailed, Error: err.Error()}
				return nil
			}
			report.Documents[i], _, _ = analyzeFile(ctx, e, analyzer, fr)
			return nil
		})
	}
	_ = g.Wait()
	return report
}

// analyzeFile runs one document and persists its snapshot, plus its result
// when the run completes. The returned error is set only for failures.
func analyzeFile(ctx context.Context, e *env, analyzer *analysis.Analyzer, fr fileRun) (batchItem, *types.ProcessedDocument, error) {
	item := batchItem{File: fr.path, Snapshot: fr.snapshotPath}
	logger := e.logger.With("file", filepath.Base(fr.path))

	start := time.Now()
	doc, snap, err := analyzer.Run(ctx, fr.path, fr.resume)
	item.Usage = snap.TokenUsage
	if err != nil {
		if serr := analysis.SaveSnapshot(fr.snapshotPath, snap); serr != nil {
			logger.Error("failed to save snapshot", "path", fr.snapshotPath, "error", serr)
		}
		item.Resume = fmt.Sprintf("docnav analyze %s --resume %s", fr.path, fr.snapshotPath)
		switch {
		case errors.Is(err, agent.ErrAborted):
			item.Status, item.Error = statusAborted, "interrupted by user"
		case errors.Is(err, agent.ErrRateLimitExceeded):
			item.Status, item.Error = statusPaused, err.Error()
		default:
			item.Status, item.Error = statusFailed, err.Error()
			return item, nil, err
		}
		return item, nil, nil
	}

	if err := writeJSON(fr.resultPath, doc); err != nil {
		item.Status, item.Error = statusFailed, err.Error()
		return item, nil, err
	}
	if err := analysis.SaveSnapshot(fr.snapshotPath, snap); err != nil {
		item.Status, item.Error = statusFailed, err.Error()
		return item, nil, err
	}
	item.Status = statusComplete
	item.Result = fr.resultPath
	item.Notes = len(doc.Notes)
	item.Hotspots = len(doc.Hotspots)

	logger.Info("analysis complete",
		"hotspots", len(doc.Hotspots),
		"notes", len(doc.Notes),
		"calls", doc.TokenUsage.TotalCalls,
		"tokens", doc.TokenUsage.TotalTokens,
		"result", fr.resultPath,
		"elapsed", time.Since(start).Round(time.Second))
	return item, doc, nil
}

func pausedStatus(status, reason, path, snapshotPath string, usage types.TokenUsage) runStatus {
	return runStatus{
		Status:   status,
		Reason:   reason,
		Snapshot: snapshotPath,
		Resume:   fmt.Sprintf("docnav analyze %s --resume %s", path, snapshotPath),
		Usage:    usage,
	}
}

func limiterStatus(l *providers.RateLimiter) *providers.RateLimiterStatus {
	if l == nil {
		return nil
	}
	s := l.Status()
	return &s
}

func logLimiter(e *env, l *providers.RateLimiter) {
	if l == nil {
		return
	}
	s := l.Status()
	e.logger.Debug("rate limiter",
		"limit", s.TokensLimit,
		"available", s.TokensAvailable,
		"consumed", s.TotalConsumed,
		"waited", s.TotalWaited,
		"last_429", s.Last429Time)
}

// logPrinter streams audit log entries to stderr when enabled. A non-empty
// name prefixes each line so interleaved documents stay readable.
func logPrinter(enabled bool, name string) func(types.AgentLogEntry) {
	if !enabled {
		return nil
	}
	prefix := ""
	if name != "" {
		prefix = name + " "
	}
	return func(entry types.AgentLogEntry) {
		line := fmt.Sprintf("%s[%s] %s", prefix, entry.Type, entry.Message)
		if entry.Details != "" {
			line += " | " + strings.ReplaceAll(entry.Details, "\n", " ")
		}
		fmt.Fprintln(os.Stderr, line)
	}
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
