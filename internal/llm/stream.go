package llm

import "context"

// EventKind enumerates the observable ProviderStream event sequence from
// spec.md §4.4:
//
//	(ThinkingDelta* TextDelta*)* (ToolCallStart ToolCallArgsDelta* ToolCallEnd)* UsageUpdate* StreamEnd
type EventKind string

const (
	EventThinkingDelta EventKind = "ThinkingDelta"
	EventTextDelta     EventKind = "TextDelta"
	EventToolCallStart EventKind = "ToolCallStart"
	EventToolCallArgs  EventKind = "ToolCallArgsDelta"
	EventToolCallEnd   EventKind = "ToolCallEnd"
	EventUsageUpdate   EventKind = "UsageUpdate"
	EventStreamEnd     EventKind = "StreamEnd"
)

// FinishReason classifies why a stream ended.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolUse   FinishReason = "tool_use"
	FinishMaxTokens FinishReason = "max_tokens"
	FinishError     FinishReason = "error"
	FinishCancelled FinishReason = "cancelled"
)

// StreamEvent is one item of the ordered sequence a ProviderStream emits.
// Only the fields relevant to Kind are populated.
type StreamEvent struct {
	Kind EventKind

	// ThinkingDelta / TextDelta
	Delta string

	// ToolCallStart / ToolCallArgsDelta / ToolCallEnd correlate by ID;
	// ArgsDelta accumulates into the final ToolCall.Arguments on End.
	ToolCallID   string
	ToolCallName string
	ArgsDelta    string
	ToolCall     *ToolCall // populated on ToolCallEnd

	Usage Usage

	FinishReason FinishReason
	Err          error // non-nil on StreamEnd when the step failed
	Retryable    bool  // valid alongside Err: retryable transport/rate-limit failure
}

// ProviderStream is a single opened request's event source. Callers read
// until a StreamEnd event or ctx cancellation; Close releases resources and
// must be safe to call after StreamEnd or on early abandonment.
type ProviderStream interface {
	Recv(ctx context.Context) (StreamEvent, bool)
	Close() error
}

// Provider opens a ProviderStream for a Request. Implementations translate
// vendor-specific transport errors into StreamEnd{Err, Retryable}; they must
// never panic across the interface boundary and must honor ctx cancellation
// within a bounded time (best-effort <= 1s per spec.md §4.4).
type Provider interface {
	Name() string
	Model(ctx context.Context, req Request) (ProviderStream, error)
	Info() ModelInfo
}

// ProviderFactory resolves a named routing profile (e.g. "fast",
// "reasoning-heavy") to a concrete Provider, grounded in the teacher's
// llm.ProviderFactory used throughout subagent spawning.
type ProviderFactory interface {
	GetProvider(profile string) (Provider, error)
}
