package providers

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
)

// MockRequest records one call made to a MockSession or one of its forks.
type MockRequest struct {
	Fork       int // 0 for the root session, n for the nth fork
	Parts      []Part
	ToolCall   *ToolCall // set for SendToolResult
	ToolResult string
}

// Text joins the text parts of the request, or returns the tool result.
func (r MockRequest) Text() string {
	if r.ToolCall != nil {
		return r.ToolResult
	}
	var b strings.Builder
	for _, p := range r.Parts {
		if p.Text != "" {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// HasImage reports whether any part carries an image.
func (r MockRequest) HasImage() bool {
	for _, p := range r.Parts {
		if len(p.Image) > 0 {
			return true
		}
	}
	return false
}

// MockReply is a scripted model reply.
type MockReply struct {
	Thought   string
	Text      string
	ToolCalls []ToolCall
	Usage     *Usage
	Err       error // returned from Send/SendToolResult instead of a stream
	StreamErr error // returned from the stream after its events
}

// MockResponder chooses the reply for a request.
type MockResponder func(req MockRequest) MockReply

type mockShared struct {
	mu       sync.Mutex
	respond  MockResponder
	requests []MockRequest
	forks    int
}

// MockSession is a Session for testing. Forks share the responder and the
// request log with their parent.
type MockSession struct {
	shared *mockShared
	fork   int
}

// NewMockSession creates a mock session driven by respond.
func NewMockSession(respond MockResponder) *MockSession {
	return &MockSession{shared: &mockShared{respond: respond}}
}

// NewScriptedSession replies with the given replies in order, across all
// forks. Once exhausted it replies with empty turns.
func NewScriptedSession(replies ...MockReply) *MockSession {
	var mu sync.Mutex
	return NewMockSession(func(MockRequest) MockReply {
		mu.Lock()
		defer mu.Unlock()
		if len(replies) == 0 {
			return MockReply{}
		}
		r := replies[0]
		replies = replies[1:]
		return r
	})
}

// Send implements Session.
func (m *MockSession) Send(ctx context.Context, parts []Part) (Stream, error) {
	return m.do(ctx, MockRequest{Fork: m.fork, Parts: append([]Part(nil), parts...)})
}

// SendToolResult implements Session.
func (m *MockSession) SendToolResult(ctx context.Context, call ToolCall, result string) (Stream, error) {
	c := call
	return m.do(ctx, MockRequest{Fork: m.fork, ToolCall: &c, ToolResult: result})
}

// Fork implements Session.
func (m *MockSession) Fork() Session {
	m.shared.mu.Lock()
	defer m.shared.mu.Unlock()
	m.shared.forks++
	return &MockSession{shared: m.shared, fork: m.shared.forks}
}

func (m *MockSession) do(ctx context.Context, req MockRequest) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.shared.mu.Lock()
	m.shared.requests = append(m.shared.requests, req)
	respond := m.shared.respond
	m.shared.mu.Unlock()

	reply := respond(req)
	if reply.Err != nil {
		return nil, reply.Err
	}

	var events []Event
	if reply.Thought != "" {
		events = append(events, Event{Kind: EventThoughtDelta, Text: reply.Thought})
	}
	if reply.Text != "" {
		events = append(events, Event{Kind: EventTextDelta, Text: reply.Text})
	}
	for i := range reply.ToolCalls {
		tc := reply.ToolCalls[i]
		events = append(events, Event{Kind: EventToolCall, ToolCall: &tc})
	}
	if reply.Usage != nil {
		u := *reply.Usage
		events = append(events, Event{Kind: EventUsage, Usage: &u})
	}
	return &sliceStream{events: events, err: reply.StreamErr}, nil
}

// Requests returns a copy of every request made so far, in arrival order.
func (m *MockSession) Requests() []MockRequest {
	m.shared.mu.Lock()
	defer m.shared.mu.Unlock()
	return append([]MockRequest(nil), m.shared.requests...)
}

// RequestCount returns the number of requests made.
func (m *MockSession) RequestCount() int {
	m.shared.mu.Lock()
	defer m.shared.mu.Unlock()
	return len(m.shared.requests)
}

// ForkCount returns how many forks were created.
func (m *MockSession) ForkCount() int {
	m.shared.mu.Lock()
	defer m.shared.mu.Unlock()
	return m.shared.forks
}

// NewToolCall builds a tool call with args marshalled to JSON.
func NewToolCall(id, name string, args any) ToolCall {
	b, err := json.Marshal(args)
	if err != nil {
		panic(err)
	}
	return ToolCall{
		ID:       id,
		Type:     "function",
		Function: ToolCallFunction{Name: name, Arguments: string(b)},
	}
}

type sliceStream struct {
	events []Event
	idx    int
	cur    Event
	err    error
}

func (s *sliceStream) Next() bool {
	if s.idx >= len(s.events) {
		return false
	}
	s.cur = s.events[s.idx]
	s.idx++
	return true
}

func (s *sliceStream) Event() Event { return s.cur }

func (s *sliceStream) Err() error {
	if s.idx < len(s.events) {
		return nil
	}
	return s.err
}

func (s *sliceStream) Close() error { return nil }

// Verify interface
var _ Session = (*MockSession)(nil)
