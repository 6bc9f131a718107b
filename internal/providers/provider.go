package providers

import (
	"context"
	"encoding/json"
)

// Session is one multi-turn conversation with a reasoning model.
// History is owned by the session; callers only see streamed events.
type Session interface {
	// Send appends a user turn made of parts and streams the model reply.
	Send(ctx context.Context, parts []Part) (Stream, error)

	// SendToolResult answers a tool call and streams the model reply.
	SendToolResult(ctx context.Context, call ToolCall, result string) (Stream, error)

	// Fork returns an independent session that starts from a copy of this
	// session's history. Turns on the fork never reach the parent.
	Fork() Session
}

// Stream iterates over the events of one model reply.
//
//	for s.Next() {
//	    ev := s.Event()
//	    ...
//	}
//	if err := s.Err(); err != nil { ... }
type Stream interface {
	Next() bool
	Event() Event
	Err() error
	Close() error
}

// EventKind tags a streamed event.
type EventKind string

const (
	EventThoughtDelta EventKind = "thought-delta"
	EventTextDelta    EventKind = "text-delta"
	EventToolCall     EventKind = "tool-call"
	EventUsage        EventKind = "usage"
)

// Event is one streamed item. Exactly one payload field is set, matching Kind.
type Event struct {
	Kind     EventKind
	Text     string
	ToolCall *ToolCall
	Usage    *Usage
}

// Usage is the token accounting reported for a reply.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Part is one piece of a user turn: text or an inline image.
type Part struct {
	Text     string `json:"text,omitempty"`
	Image    []byte `json:"-"`
	MIMEType string `json:"mime_type,omitempty"` // defaults to image/jpeg
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Text: text}
}

// ImagePart builds a JPEG image part.
func ImagePart(jpeg []byte) Part {
	return Part{Image: jpeg, MIMEType: "image/jpeg"}
}

// Tool defines a function/tool that the LLM can call.
type Tool struct {
	Type     string       `json:"type"` // "function"
	Function ToolFunction `json:"function"`
}

// ToolFunction describes a callable function.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"` // JSON Schema
}

// ToolCall represents a tool invocation from the LLM.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"` // "function"
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction is the name and raw JSON arguments of a call.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON string
}

// Drain consumes s to completion and returns its events.
// The stream is closed before returning.
func Drain(s Stream) ([]Event, error) {
	defer s.Close()
	var events []Event
	for s.Next() {
		events = append(events, s.Event())
	}
	return events, s.Err()
}
