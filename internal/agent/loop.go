// Package agent drives one reasoning round against a model session: send a
// prompt, stream the reply, dispatch tool calls and feed their results back.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackzampolin/docnav/internal/agent/observability"
	"github.com/jackzampolin/docnav/internal/providers"
	"github.com/jackzampolin/docnav/internal/retry"
	"github.com/jackzampolin/docnav/internal/types"
)

// DefaultMaxLoops bounds the tool exchanges of one round.
const DefaultMaxLoops = 3

// Config configures a Loop.
type Config struct {
	// Tools handles every tool call of the round.
	Tools Tools

	// Run receives logs, usage and call counts.
	Run *observability.Run

	// Retry wraps every model call. Zero value means retry.Default().
	Retry retry.Policy

	// MaxLoops limits tool exchanges per round (default: 3).
	MaxLoops int

	// ExecuteAllToolCalls runs every call of a turn in emission order
	// instead of only the first one.
	ExecuteAllToolCalls bool

	Logger *slog.Logger
}

// Loop runs reasoning rounds. It is safe for concurrent use as long as each
// goroutine uses its own session.
type Loop struct {
	tools      Tools
	run        *observability.Run
	retry      retry.Policy
	maxLoops   int
	executeAll bool
	logger     *slog.Logger
}

// New creates a Loop.
func New(cfg Config) *Loop {
	p := cfg.Retry
	if p.MaxRetries == 0 && p.InitialDelay == 0 {
		p = retry.Default()
	}
	maxLoops := cfg.MaxLoops
	if maxLoops <= 0 {
		maxLoops = DefaultMaxLoops
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		tools:      cfg.Tools,
		run:        cfg.Run,
		retry:      p,
		maxLoops:   maxLoops,
		executeAll: cfg.ExecuteAllToolCalls,
		logger:     logger,
	}
}

// Round sends parts on session and follows the tool calls the model makes
// until it stops calling tools or MaxLoops is reached.
//
// Cancellation is checked before the round and before each dispatch. A stream
// that has started is always read to the end.
func (l *Loop) Round(ctx context.Context, session providers.Session, parts []providers.Part, label string) (*RoundResult, error) {
	if ctx.Err() != nil {
		return nil, ErrAborted
	}
	start := time.Now()
	res := &RoundResult{Label: label}
	var text strings.Builder

	thoughtID := l.run.Log(types.LogThought, "Analyzing: "+label)
	pending, err := l.exchange(ctx, thoughtID, &text, res, func(sendCtx context.Context) (providers.Stream, error) {
		return session.Send(sendCtx, parts)
	})
	if err != nil {
		return nil, err
	}

	loops := 0
	for len(pending) > 0 && loops < l.maxLoops {
		if ctx.Err() != nil {
			return nil, ErrAborted
		}
		loops++

		call := pending[0]
		rest := pending[1:]
		if !l.executeAll && len(rest) > 0 {
			l.logger.Debug("dropping extra tool calls", "round", label, "executed", call.Function.Name, "dropped", len(rest))
			res.Dropped += len(rest)
			rest = nil
		}

		result, err := l.dispatch(ctx, session, call)
		if err != nil {
			return nil, err
		}
		res.ToolCalls++

		thoughtID = l.run.Log(types.LogThought, "Analyzing tool response...")
		next, err := l.exchange(ctx, thoughtID, &text, res, func(sendCtx context.Context) (providers.Stream, error) {
			return session.SendToolResult(sendCtx, call, result)
		})
		if err != nil {
			return nil, err
		}
		pending = append(rest, next...)
	}
	if len(pending) > 0 {
		l.logger.Warn("tool loop limit reached", "round", label, "max_loops", l.maxLoops, "unexecuted", len(pending))
		res.Dropped += len(pending)
	}

	res.Text = text.String()
	res.ExecutionTime = time.Since(start)
	l.logger.Debug("round complete", "round", label, "tool_calls", res.ToolCalls, "dropped", res.Dropped, "duration", res.ExecutionTime)
	return res, nil
}

// exchange opens one model turn through the retry policy and consumes its
// stream. It returns the tool calls the turn emitted.
func (l *Loop) exchange(ctx context.Context, thoughtID string, text *strings.Builder, res *RoundResult, open func(context.Context) (providers.Stream, error)) ([]providers.ToolCall, error) {
	l.run.RecordCall()
	res.Calls++

	// In-flight requests are not torn down by cancellation.
	sendCtx := context.WithoutCancel(ctx)
	policy := l.retry.WithOnRetry(func(n int, delay time.Duration, err error) {
		l.run.Log(types.LogWarning,
			fmt.Sprintf("Rate limit hit. Retrying in %s...", delay),
			observability.WithDetails(fmt.Sprintf("Retry %d of %d: %v", n, l.retry.MaxRetries, err)))
	})
	stream, err := retry.DoValue(ctx, policy, func() (providers.Stream, error) {
		return open(sendCtx)
	})
	if err != nil {
		l.run.FinishThought(thoughtID)
		return nil, l.classify(ctx, err)
	}
	defer stream.Close()

	var calls []providers.ToolCall
	for stream.Next() {
		ev := stream.Event()
		switch ev.Kind {
		case providers.EventUsage:
			if ev.Usage != nil {
				l.run.AddUsage(ev.Usage.PromptTokens, ev.Usage.CompletionTokens, ev.Usage.TotalTokens)
			}
		case providers.EventThoughtDelta:
			l.run.AppendThought(thoughtID, ev.Text)
		case providers.EventTextDelta:
			text.WriteString(ev.Text)
		case providers.EventToolCall:
			if ev.ToolCall != nil {
				calls = append(calls, *ev.ToolCall)
			}
		}
	}
	l.run.FinishThought(thoughtID)
	if err := stream.Err(); err != nil {
		return nil, l.classify(ctx, err)
	}
	return calls, nil
}

// classify maps a model call failure onto the error taxonomy, logging it first.
func (l *Loop) classify(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		// Cancelled while backing off.
		return ErrAborted
	case providers.IsRateLimit(err):
		l.run.Log(types.LogError, "Rate Limit Exceeded. Pausing analysis...",
			observability.WithDetails("You can resume this session."))
		return fmt.Errorf("%w: %w", ErrRateLimitExceeded, err)
	default:
		l.run.Log(types.LogError, "Model call failed", observability.WithDetails(err.Error()))
		return fmt.Errorf("model call failed: %w", err)
	}
}

// dispatch executes one tool call. Tool failures are returned to the model
// as an error result; only cancellation stops the round.
func (l *Loop) dispatch(ctx context.Context, session providers.Session, call providers.ToolCall) (string, error) {
	name := call.Function.Name
	args := make(map[string]any)
	var parseErr error
	if call.Function.Arguments != "" {
		parseErr = json.Unmarshal([]byte(call.Function.Arguments), &args)
	}

	toolID := l.run.Log(types.LogTool, "Calling: "+name, observability.WithCode(prettyArgs(call.Function.Arguments)))

	var result string
	switch {
	case parseErr != nil:
		result = errorResult(fmt.Sprintf("Tool arguments are not valid JSON: %v", parseErr))
	default:
		var err error
		result, err = l.tools.ExecuteTool(ctx, session, name, args)
		if err != nil {
			if errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled) {
				return "", ErrAborted
			}
			l.logger.Warn("tool execution failed", "tool", name, "error", err)
			l.run.Log(types.LogWarning, "Tool execution failed: "+name, observability.WithDetails(err.Error()))
			result = errorResult(fmt.Sprintf("Tool execution failed: %v", err))
		}
	}

	l.run.UpdateLog(toolID, func(e *types.AgentLogEntry) { e.Output = result })
	return result, nil
}

func prettyArgs(raw string) string {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return raw
	}
	return string(b)
}

func errorResult(msg string) string {
	b, _ := json.Marshal(map[string]string{"status": "error", "message": msg})
	return string(b)
}
