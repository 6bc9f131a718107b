package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackzampolin/docnav/internal/agent/observability"
	"github.com/jackzampolin/docnav/internal/agents/navigator"
	"github.com/jackzampolin/docnav/internal/providers"
	"github.com/jackzampolin/docnav/internal/retry"
	"github.com/jackzampolin/docnav/internal/types"
)

// verify shows the model its own boxes drawn on the page and gives it one
// chance to correct them. It never fails: any problem keeps the candidates.
func (t *NavigatorTools) verify(ctx context.Context, session providers.Session, page int, items []navigator.NavigationItem) []navigator.NavigationItem {
	boxes := make([]types.Box, len(items))
	for i, item := range items {
		boxes[i] = item.Box2D
	}

	snap, err := t.pdf.RenderDebugSnapshot(ctx, t.path, page, boxes)
	if err != nil {
		t.skipVerification(page, fmt.Errorf("render debug snapshot: %w", err))
		return items
	}

	t.run.Log(types.LogAction, fmt.Sprintf("Verifying %d items on Page %d...", len(items), page),
		observability.WithDetails("Self-Correction Loop Initiated"),
		observability.WithEvidence(base64.StdEncoding.EncodeToString(snap.JPEG)))

	prompt, err := t.prompts.Verify(page)
	if err != nil {
		t.skipVerification(page, err)
		return items
	}

	corrected, reply, err := t.askForCorrection(ctx, session, prompt, snap.JPEG)
	if err != nil {
		t.skipVerification(page, err)
		return items
	}
	if corrected != nil {
		refined := make([]navigator.NavigationItem, len(corrected.Items))
		for i, item := range corrected.Items {
			item.Box2D = item.Box2D.Clamp()
			refined[i] = item
		}
		t.run.Log(types.LogSuccess, fmt.Sprintf("Refined %d items", len(refined)), observability.WithDetails("Correction applied by AI."))
		return refined
	}

	t.logger.Debug("verification reply", "page", page, "reply", strings.TrimSpace(reply))
	t.run.Log(types.LogSuccess, "Verified", observability.WithDetails("Using initial findings."))
	return items
}

// askForCorrection sends the snapshot and reads the reply. It returns the
// corrected report if the model called report_navigation_items.
func (t *NavigatorTools) askForCorrection(ctx context.Context, session providers.Session, prompt string, jpeg []byte) (*navigator.ReportItemsArgs, string, error) {
	parts := []providers.Part{providers.TextPart(prompt), providers.ImagePart(jpeg)}

	t.run.RecordCall()
	sendCtx := context.WithoutCancel(ctx)
	policy := t.retry.WithOnRetry(func(n int, delay time.Duration, err error) {
		t.run.Log(types.LogWarning,
			fmt.Sprintf("Rate limit hit. Retrying in %s...", delay),
			observability.WithDetails(fmt.Sprintf("Retry %d of %d: %v", n, t.retry.MaxRetries, err)))
	})
	stream, err := retry.DoValue(ctx, policy, func() (providers.Stream, error) {
		return session.Send(sendCtx, parts)
	})
	if err != nil {
		return nil, "", err
	}
	defer stream.Close()

	var text strings.Builder
	var call *providers.ToolCall
	for stream.Next() {
		ev := stream.Event()
		switch ev.Kind {
		case providers.EventUsage:
			if ev.Usage != nil {
				t.run.AddUsage(ev.Usage.PromptTokens, ev.Usage.CompletionTokens, ev.Usage.TotalTokens)
			}
		case providers.EventTextDelta:
			text.WriteString(ev.Text)
		case providers.EventToolCall:
			if call == nil && ev.ToolCall != nil && ev.ToolCall.Function.Name == navigator.ReportItemsTool {
				c := *ev.ToolCall
				call = &c
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, text.String(), err
	}
	if call == nil {
		return nil, text.String(), nil
	}

	var corrected navigator.ReportItemsArgs
	if err := json.Unmarshal([]byte(call.Function.Arguments), &corrected); err != nil {
		return nil, text.String(), fmt.Errorf("decode corrected items: %w", err)
	}
	return &corrected, text.String(), nil
}

func (t *NavigatorTools) skipVerification(page int, err error) {
	t.logger.Warn("verification skipped", "page", page, "error", err)
	t.run.Log(types.LogWarning, "Verification step skipped due to API error", observability.WithDetails(err.Error()))
}
