// Package llm defines the provider-agnostic message, tool, and streaming
// contract TurnDriver speaks against. Concrete vendor wire formats live in
// the llm/anthropic, llm/openai, and llm/gemini subpackages; nothing in
// this package or in TurnDriver depends on them directly.
package llm

// Role identifies who produced a Message, per spec.md §3.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleSystem     Role = "system"
	RoleToolResult Role = "tool_result"
)

// PartKind enumerates the kinds of content a Message part may carry.
type PartKind string

const (
	PartText       PartKind = "text"
	PartThinking   PartKind = "thinking"
	PartToolCall   PartKind = "tool_call"
	PartToolResult PartKind = "tool_result"
	PartImageRef   PartKind = "image_ref"
)

// Part is one piece of a Message's content sequence.
type Part struct {
	Kind       PartKind
	Text       string
	ToolCall   *ToolCall
	ToolResult *ToolResult
	ImageRef   string
}

// Message is append-only within a Thread; once emitted it is never mutated.
type Message struct {
	Role  Role
	Parts []Part
}

// Text concatenates all text parts, a convenience for callers that don't
// care about the rest of the content sequence.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Kind == PartText {
			out += p.Text
		}
	}
	return out
}

// ToolCalls returns the tool_call parts of the message, in order.
func (m Message) ToolCalls() []ToolCall {
	var out []ToolCall
	for _, p := range m.Parts {
		if p.Kind == PartToolCall && p.ToolCall != nil {
			out = append(out, *p.ToolCall)
		}
	}
	return out
}

// ToolCall is a model-emitted invocation request.
type ToolCall struct {
	ID         string
	Name       string
	Arguments  map[string]any
	OriginStep int
}

// ResultKind classifies a ToolResult payload.
type ResultKind string

const (
	ResultText  ResultKind = "text"
	ResultJSON  ResultKind = "json"
	ResultError ResultKind = "error"
)

// ToolResult answers a ToolCall by id.
type ToolResult struct {
	ID         string
	Payload    string
	Kind       ResultKind
	Truncated  bool
	StderrTail string
}

// ToolDef is what's sent to the provider describing a callable tool.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Usage is the per-request token tally; UsageUpdate events carry it and it
// accumulates monotonically within a step.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Add returns the element-wise sum of two usages.
func (u Usage) Add(o Usage) Usage {
	return Usage{InputTokens: u.InputTokens + o.InputTokens, OutputTokens: u.OutputTokens + o.OutputTokens}
}

// Request is what TurnDriver hands a ProviderStream to open a step.
type Request struct {
	SystemPrompt string
	Messages     []Message
	Tools        []ToolDef
	Model        string
	MaxTokens    int
}

// ModelInfo is minimal provider/model metadata used for routing decisions.
type ModelInfo struct {
	Provider        string
	Model           string
	ContextWindow   int
	MaxOutputTokens int
}
