// Package llmtest provides a scriptable llm.Provider for TurnDriver tests,
// in the teacher's style of hand-written fakes rather than a mocking
// framework.
package llmtest

import (
	"context"

	"github.com/agentcore/core/internal/llm"
)

// Script is one queued response: a sequence of events culminating in
// StreamEnd. Steps are consumed in order across successive Model calls.
type Script struct {
	Events []llm.StreamEvent
}

// MockProvider replays a fixed sequence of Scripts, one per call to Model.
// Calling Model more times than there are Scripts repeats the last one.
type MockProvider struct {
	Scripts []Script
	calls   int
	Info_   llm.ModelInfo

	// Requests records every Request passed to Model, for assertions.
	Requests []llm.Request
}

func (m *MockProvider) Name() string        { return "mock" }
func (m *MockProvider) Info() llm.ModelInfo { return m.Info_ }

func (m *MockProvider) Model(ctx context.Context, req llm.Request) (llm.ProviderStream, error) {
	m.Requests = append(m.Requests, req)
	idx := m.calls
	if idx >= len(m.Scripts) {
		idx = len(m.Scripts) - 1
	}
	m.calls++

	var script Script
	if idx >= 0 && idx < len(m.Scripts) {
		script = m.Scripts[idx]
	}

	return &replayStream{ctx: ctx, events: script.Events}, nil
}

type replayStream struct {
	ctx    context.Context
	events []llm.StreamEvent
	pos    int
}

func (s *replayStream) Recv(ctx context.Context) (llm.StreamEvent, bool) {
	if s.pos >= len(s.events) {
		return llm.StreamEvent{}, false
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, true
}

func (s *replayStream) Close() error { return nil }

// MockFactory resolves every profile name to the same MockProvider.
type MockFactory struct {
	Provider llm.Provider
}

func (f *MockFactory) GetProvider(profile string) (llm.Provider, error) {
	return f.Provider, nil
}

// TextEvents builds the minimal event sequence for S1-style plain-text
// completions: one TextDelta then StreamEnd{stop}.
func TextEvents(text string, usage llm.Usage) []llm.StreamEvent {
	return []llm.StreamEvent{
		{Kind: llm.EventTextDelta, Delta: text},
		{Kind: llm.EventUsageUpdate, Usage: usage},
		{Kind: llm.EventStreamEnd, FinishReason: llm.FinishStop, Usage: usage},
	}
}

// ToolCallEvents builds a step that emits the given tool calls and ends.
func ToolCallEvents(calls []llm.ToolCall, usage llm.Usage) []llm.StreamEvent {
	var events []llm.StreamEvent
	for _, c := range calls {
		tc := c
		events = append(events,
			llm.StreamEvent{Kind: llm.EventToolCallStart, ToolCallID: tc.ID, ToolCallName: tc.Name},
			llm.StreamEvent{Kind: llm.EventToolCallEnd, ToolCallID: tc.ID, ToolCall: &tc},
		)
	}
	events = append(events,
		llm.StreamEvent{Kind: llm.EventUsageUpdate, Usage: usage},
		llm.StreamEvent{Kind: llm.EventStreamEnd, FinishReason: llm.FinishToolUse, Usage: usage},
	)
	return events
}

// RetryThenSucceed builds a two-call sequence: the first errors retryable,
// the second succeeds with text.
func RetryThenSucceed(text string, usage llm.Usage) []Script {
	return []Script{
		{Events: []llm.StreamEvent{
			{Kind: llm.EventStreamEnd, FinishReason: llm.FinishError, Err: context.DeadlineExceeded, Retryable: true},
		}},
		{Events: TextEvents(text, usage)},
	}
}
