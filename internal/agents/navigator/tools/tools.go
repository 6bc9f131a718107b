// Package tools implements the navigator's tool router: the three tools the
// model calls to map structure, index notes and report boxes on page images.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackzampolin/docnav/internal/agent/observability"
	"github.com/jackzampolin/docnav/internal/agents/navigator"
	"github.com/jackzampolin/docnav/internal/pdf"
	"github.com/jackzampolin/docnav/internal/providers"
	"github.com/jackzampolin/docnav/internal/retry"
	"github.com/jackzampolin/docnav/internal/types"
)

// NavigatorTools implements agent.Tools for the navigation agent. One
// instance serves every phase and every concurrent page of a run; all state
// lives in the run.
type NavigatorTools struct {
	run     *observability.Run
	pdf     pdf.Provider
	path    string
	prompts *navigator.Prompts
	retry   retry.Policy
	logger  *slog.Logger
}

// Config configures the navigator tools.
type Config struct {
	Run *observability.Run

	// PDF renders verification snapshots of the document at Path.
	PDF  pdf.Provider
	Path string

	// Prompts renders the verification prompt. Defaults to the embedded prompts.
	Prompts *navigator.Prompts

	// Retry wraps the verification call. Zero value means retry.Default().
	Retry retry.Policy

	Logger *slog.Logger
}

// New creates a new navigator tools instance.
func New(cfg Config) *NavigatorTools {
	p := cfg.Retry
	if p.MaxRetries == 0 && p.InitialDelay == 0 {
		p = retry.Default()
	}
	if cfg.Prompts == nil {
		cfg.Prompts = navigator.NewPrompts(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &NavigatorTools{
		run:     cfg.Run,
		pdf:     cfg.PDF,
		path:    cfg.Path,
		prompts: cfg.Prompts,
		retry:   p,
		logger:  cfg.Logger,
	}
}

// GetTools returns the tool definitions for the model.
func (t *NavigatorTools) GetTools() []providers.Tool {
	return []providers.Tool{
		mapStructureTool(),
		indexNotesTool(),
		reportItemsTool(),
	}
}

// ExecuteTool validates the arguments against the tool's schema and runs it.
// Schema violations and domain rejections come back as error results for
// the model to correct; the returned error is reserved for cancellation.
func (t *NavigatorTools) ExecuteTool(ctx context.Context, session providers.Session, name string, args map[string]any) (string, error) {
	if err := validateArgs(name, args); err != nil {
		t.logger.Debug("rejected tool arguments", "tool", name, "error", err)
		t.run.Log(types.LogWarning, fmt.Sprintf("Rejected arguments for %s", name), observability.WithDetails(err.Error()))
		return jsonError(fmt.Sprintf("Invalid arguments for %s: %v. Fix the arguments and call the tool again.", name, err)), nil
	}

	switch name {
	case navigator.MapStructureTool:
		var a navigator.StructureArgs
		if err := decodeArgs(args, &a); err != nil {
			return jsonError(err.Error()), nil
		}
		return t.mapStructure(a), nil
	case navigator.IndexNotesTool:
		var a navigator.IndexNotesArgs
		if err := decodeArgs(args, &a); err != nil {
			return jsonError(err.Error()), nil
		}
		return t.indexNotes(a), nil
	case navigator.ReportItemsTool:
		var a navigator.ReportItemsArgs
		if err := decodeArgs(args, &a); err != nil {
			return jsonError(err.Error()), nil
		}
		return t.reportItems(ctx, session, a), nil
	default:
		return jsonError(fmt.Sprintf("Unknown tool: %s", name)), nil
	}
}

// decodeArgs converts loosely typed arguments into a wire struct.
func decodeArgs(args map[string]any, out any) error {
	b, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to encode arguments: %w", err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("failed to decode arguments: %w", err)
	}
	return nil
}

// Helper functions for JSON responses
func jsonResult(status string, data map[string]any) string {
	if data == nil {
		data = make(map[string]any)
	}
	data["status"] = status
	b, _ := json.Marshal(data)
	return string(b)
}

func jsonError(msg string) string {
	return jsonResult(navigator.StatusError, map[string]any{"message": msg})
}

// mustMarshal marshals a value to JSON, panicking on error.
func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
