package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/ssestream"
)

const (
	// DefaultBaseURL is Gemini's OpenAI-compatible endpoint.
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"
	DefaultModel   = "gemini-2.5-flash"
)

// Synthetic tool replies keep the wire conversation valid when a call is not
// answered directly: chat-completions rejects a user turn that follows
// unanswered tool calls.
const (
	skippedToolResult  = `{"status":"skipped","message":"This call was not executed in this turn."}`
	deferredToolResult = `{"status":"deferred","message":"The result of this call follows in a later message."}`
)

// OpenAIConfig holds configuration for an OpenAI-compatible chat client.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string        // DefaultBaseURL when empty
	Model      string        // DefaultModel when empty
	Timeout    time.Duration // HTTP timeout, 300s when zero
	HTTPClient *http.Client  // Optional (tests)
	Limiter    *RateLimiter  // Optional client-side throttle
	Logger     *slog.Logger

	// DeferSiblingCalls answers the other calls of a turn with a deferred
	// placeholder instead of skipped, for callers that run every call and
	// deliver the later results as follow-up messages.
	DeferSiblingCalls bool
}

// OpenAIClient creates streaming chat sessions against an OpenAI-compatible endpoint.
type OpenAIClient struct {
	client        openai.Client
	model         string
	limiter       *RateLimiter
	deferSiblings bool
	logger        *slog.Logger
}

// NewOpenAIClient creates a new client. SDK-level retries are disabled;
// retrying is left to the caller so every retry is visible in the audit log.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 300 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	client := openai.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	)

	return &OpenAIClient{
		client:        client,
		model:         cfg.Model,
		limiter:       cfg.Limiter,
		deferSiblings: cfg.DeferSiblingCalls,
		logger:        cfg.Logger,
	}
}

// Model returns the configured model name.
func (c *OpenAIClient) Model() string {
	return c.model
}

// NewSession starts a conversation with the given system prompt and tools.
func (c *OpenAIClient) NewSession(systemPrompt string, tools []Tool) (*OpenAISession, error) {
	params, err := toolParams(tools)
	if err != nil {
		return nil, err
	}
	var history []openai.ChatCompletionMessageParamUnion
	if systemPrompt != "" {
		history = append(history, openai.SystemMessage(systemPrompt))
	}
	return &OpenAISession{
		client:  c,
		tools:   params,
		history: history,
	}, nil
}

func toolParams(tools []Tool) ([]openai.ChatCompletionToolUnionParam, error) {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		if len(t.Function.Parameters) > 0 {
			if err := json.Unmarshal(t.Function.Parameters, &schema); err != nil {
				return nil, fmt.Errorf("tool %s: invalid parameters schema: %w", t.Function.Name, err)
			}
		}
		def := openai.FunctionDefinitionParam{
			Name:       t.Function.Name,
			Parameters: openai.FunctionParameters(schema),
		}
		if t.Function.Description != "" {
			def.Description = openai.String(t.Function.Description)
		}
		out = append(out, openai.ChatCompletionFunctionTool(def))
	}
	return out, nil
}

// OpenAISession implements Session over streaming chat completions.
type OpenAISession struct {
	client *OpenAIClient
	tools  []openai.ChatCompletionToolUnionParam

	mu      sync.Mutex
	history []openai.ChatCompletionMessageParamUnion
	pending []string // tool call ids of the last reply not yet answered
}

// Send implements Session.
func (s *OpenAISession) Send(ctx context.Context, parts []Part) (Stream, error) {
	content := make([]openai.ChatCompletionContentPartUnionParam, 0, len(parts))
	for _, p := range parts {
		switch {
		case len(p.Image) > 0:
			content = append(content, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
				URL: dataURL(p),
			}))
		case p.Text != "":
			content = append(content, openai.TextContentPart(p.Text))
		}
	}
	if len(content) == 0 {
		return nil, fmt.Errorf("send: no content parts")
	}

	s.mu.Lock()
	tail := s.closePendingLocked("", "")
	tail = append(tail, openai.UserMessage(content))
	s.mu.Unlock()

	return s.open(ctx, tail)
}

// SendToolResult implements Session. A result for a call that was already
// answered (for example by a deferred placeholder) is delivered as user text.
func (s *OpenAISession) SendToolResult(ctx context.Context, call ToolCall, result string) (Stream, error) {
	s.mu.Lock()
	isPending := false
	for _, id := range s.pending {
		if id == call.ID {
			isPending = true
			break
		}
	}
	var tail []openai.ChatCompletionMessageParamUnion
	if isPending {
		tail = s.closePendingLocked(call.ID, result)
	} else {
		tail = s.closePendingLocked("", "")
		tail = append(tail, openai.UserMessage(fmt.Sprintf(
			"Result of tool call %s (id %s):\n%s", call.Function.Name, call.ID, result)))
	}
	s.mu.Unlock()

	return s.open(ctx, tail)
}

// closePendingLocked builds tool messages for every pending call in emission
// order. The call matching id gets result; the rest get a synthetic reply.
func (s *OpenAISession) closePendingLocked(id, result string) []openai.ChatCompletionMessageParamUnion {
	if len(s.pending) == 0 {
		return nil
	}
	filler := deferredToolResult
	if id != "" && !s.client.deferSiblings {
		filler = skippedToolResult
	}
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(s.pending))
	for _, pid := range s.pending {
		content := filler
		if pid == id {
			content = result
		}
		msgs = append(msgs, openai.ToolMessage(content, pid))
	}
	return msgs
}

// Fork implements Session.
func (s *OpenAISession) Fork() Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	return &OpenAISession{
		client:  s.client,
		tools:   s.tools,
		history: append([]openai.ChatCompletionMessageParamUnion(nil), s.history...),
		pending: append([]string(nil), s.pending...),
	}
}

// open sends history+tail. tail is committed only once the upstream accepted
// the request, so a retried call never duplicates turns.
func (s *OpenAISession) open(ctx context.Context, tail []openai.ChatCompletionMessageParamUnion) (Stream, error) {
	c := s.client
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(s.history)+len(tail))
	messages = append(messages, s.history...)
	messages = append(messages, tail...)
	s.mu.Unlock()

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    messages,
		Temperature: openai.Float(0),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if len(s.tools) > 0 {
		params.Tools = s.tools
	}

	c.logger.Debug("opening chat completion stream", "model", c.model, "messages", len(messages))

	raw := c.client.Chat.Completions.NewStreaming(ctx, params)
	primed := raw.Next()
	if !primed {
		if err := raw.Err(); err != nil {
			_ = raw.Close()
			mapped := mapOpenAIError(err)
			if rle, ok := IsRateLimitError(mapped); ok && c.limiter != nil {
				c.limiter.Record429(rle.RetryAfter)
			}
			return nil, mapped
		}
	}

	s.mu.Lock()
	s.history = append(s.history, tail...)
	s.pending = nil
	s.mu.Unlock()

	return &openAIStream{session: s, raw: raw, primed: primed}, nil
}

func (s *OpenAISession) commitReply(msg openai.ChatCompletionMessage, callIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, msg.ToParam())
	s.pending = callIDs
}

func dataURL(p Part) string {
	mime := p.MIMEType
	if mime == "" {
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(p.Image)
}

// openAIStream adapts an SSE chunk stream to Stream. Tool calls are emitted
// once the reply is complete, since their arguments arrive in fragments.
type openAIStream struct {
	session *OpenAISession
	raw     *ssestream.Stream[openai.ChatCompletionChunk]
	acc     openai.ChatCompletionAccumulator
	primed  bool

	queue []Event
	cur   Event
	usage *Usage
	done  bool
	err   error
}

func (s *openAIStream) Next() bool {
	for {
		if len(s.queue) > 0 {
			s.cur = s.queue[0]
			s.queue = s.queue[1:]
			return true
		}
		if s.done {
			return false
		}
		if s.primed {
			s.primed = false
			s.consume(s.raw.Current())
			continue
		}
		if s.raw.Next() {
			s.consume(s.raw.Current())
			continue
		}
		s.done = true
		if err := s.raw.Err(); err != nil {
			s.err = mapOpenAIError(err)
			return false
		}
		s.finish()
	}
}

func (s *openAIStream) consume(chunk openai.ChatCompletionChunk) {
	s.acc.AddChunk(chunk)
	for _, choice := range chunk.Choices {
		if r := reasoningDelta(choice.Delta); r != "" {
			s.queue = append(s.queue, Event{Kind: EventThoughtDelta, Text: r})
		}
		if choice.Delta.Content != "" {
			s.queue = append(s.queue, Event{Kind: EventTextDelta, Text: choice.Delta.Content})
		}
	}
	if chunk.Usage.TotalTokens > 0 {
		s.usage = &Usage{
			PromptTokens:     int(chunk.Usage.PromptTokens),
			CompletionTokens: int(chunk.Usage.CompletionTokens),
			TotalTokens:      int(chunk.Usage.TotalTokens),
		}
	}
}

func (s *openAIStream) finish() {
	var ids []string
	if len(s.acc.Choices) > 0 {
		msg := s.acc.Choices[0].Message
		for _, tc := range msg.ToolCalls {
			call := ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: ToolCallFunction{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			}
			ids = append(ids, tc.ID)
			s.queue = append(s.queue, Event{Kind: EventToolCall, ToolCall: &call})
		}
		s.session.commitReply(msg, ids)
	}
	if s.usage != nil {
		s.queue = append(s.queue, Event{Kind: EventUsage, Usage: s.usage})
	}
}

func (s *openAIStream) Event() Event { return s.cur }

func (s *openAIStream) Err() error { return s.err }

func (s *openAIStream) Close() error { return s.raw.Close() }

// reasoningDelta extracts thinking text that OpenAI-compatible gateways put
// in non-standard delta fields.
func reasoningDelta(d openai.ChatCompletionChunkChoiceDelta) string {
	for _, key := range []string{"reasoning_content", "reasoning"} {
		f, ok := d.JSON.ExtraFields[key]
		if !ok {
			continue
		}
		var text string
		if err := json.Unmarshal([]byte(f.Raw()), &text); err == nil && text != "" {
			return text
		}
	}
	return ""
}

var _ Session = (*OpenAISession)(nil)
