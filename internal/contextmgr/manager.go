// Package contextmgr implements the ContextManager component: token
// accounting, micro-compaction, and full compaction, per spec.md §4.5.
// The teacher has no direct compaction analogue (its prompt assembly in
// internal/executor/xmlcontext.go builds one-shot XML prompts with no
// window pressure), so this is built from the specification directly,
// reusing only the teacher's prompt-assembly idiom of rendering thread
// state into the next provider Request.
package contextmgr

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentcore/core/internal/llm"
)

// Thread is the ordered, append-only message sequence for a session.
type Thread struct {
	Messages []llm.Message
}

// Append adds a message; Thread is append-only per spec.md §3.
func (t *Thread) Append(m llm.Message) { t.Messages = append(t.Messages, m) }

// Config tunes accounting and compaction thresholds.
type Config struct {
	ContextWindow         int
	MaxOutputTokens       int
	PerMessageCeiling     int     // default ~8000 tokens, per spec.md §4.5
	AutoCompactThreshold  float64 // default 0.85
	RetainedTailUserTurns int     // default 3
	CompactInstructions   string
	SummaryProvider       llm.Provider // used for full compaction; nil disables it
}

// DefaultConfig returns spec.md's source-observed defaults.
func DefaultConfig() Config {
	return Config{
		PerMessageCeiling:     8000,
		AutoCompactThreshold:  0.85,
		RetainedTailUserTurns: 3,
		CompactInstructions:   "Summarize the conversation so far, preserving any open tasks, decisions, and file paths mentioned.",
	}
}

// Manager tracks token usage for one thread and performs compaction.
type Manager struct {
	cfg Config
}

// New creates a ContextManager with the given config.
func New(cfg Config) *Manager { return &Manager{cfg: cfg} }

// EstimateTokens is a deterministic word/character heuristic, explicitly
// sanctioned as acceptable by spec.md §4.5 in place of a real tokenizer.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	words := len(strings.Fields(s))
	// Blend a word count with a char/4 estimate to avoid pathological
	// under-counting of long unbroken strings (base64 blobs, etc.).
	charEstimate := len(s) / 4
	if charEstimate > words {
		return charEstimate
	}
	return words
}

func messageTokens(m llm.Message) int {
	total := 0
	for _, p := range m.Parts {
		total += EstimateTokens(p.Text)
	}
	return total
}

// ThreadTokens returns the running token estimate for a thread.
func (mgr *Manager) ThreadTokens(t *Thread) int {
	total := 0
	for _, m := range t.Messages {
		total += messageTokens(m)
	}
	return total
}

// MicroCompact replaces any individual message exceeding the per-message
// ceiling with an elided stub in place, preserving tool_call/tool_result id
// correspondence (the stub keeps the same Parts structure, just shortened
// text).
func (mgr *Manager) MicroCompact(t *Thread) (changed bool) {
	ceiling := mgr.cfg.PerMessageCeiling
	if ceiling <= 0 {
		ceiling = 8000
	}
	for i, m := range t.Messages {
		if messageTokens(m) <= ceiling {
			continue
		}
		t.Messages[i] = elide(m)
		changed = true
	}
	return changed
}

func elide(m llm.Message) llm.Message {
	out := llm.Message{Role: m.Role}
	for _, p := range m.Parts {
		if p.Kind != llm.PartText && p.Kind != llm.PartThinking {
			out.Parts = append(out.Parts, p) // never touch tool_call/tool_result parts
			continue
		}
		n := len(p.Text)
		head, tail := p.Text, ""
		if n > 400 {
			head = p.Text[:200]
			tail = p.Text[n-200:]
		}
		stub := fmt.Sprintf("[elided: kind=%s, bytes=%d] %s ... %s", p.Kind, n, head, tail)
		out.Parts = append(out.Parts, llm.Part{Kind: p.Kind, Text: stub})
	}
	return out
}

// NeedsFullCompaction reports whether aggregate usage has crossed the
// auto-compact threshold for the configured window.
func (mgr *Manager) NeedsFullCompaction(t *Thread) bool {
	if mgr.cfg.ContextWindow <= 0 {
		return false
	}
	threshold := mgr.cfg.AutoCompactThreshold
	if threshold <= 0 {
		threshold = 0.85
	}
	return float64(mgr.ThreadTokens(t)) >= threshold*float64(mgr.cfg.ContextWindow)
}

// pendingToolCallIDs returns tool_call ids in the thread with no matching
// tool_result message yet.
func pendingToolCallIDs(messages []llm.Message) map[string]bool {
	pending := map[string]bool{}
	for _, m := range messages {
		for _, p := range m.Parts {
			if p.Kind == llm.PartToolCall && p.ToolCall != nil {
				pending[p.ToolCall.ID] = true
			}
			if p.Kind == llm.PartToolResult && p.ToolResult != nil {
				delete(pending, p.ToolResult.ID)
			}
		}
	}
	return pending
}

// retainedTailStart picks the index of the first message to keep uncompacted:
// the most recent RetainedTailUserTurns user turns, extended backward as
// needed so no pending tool_call/tool_result pair is split across the
// boundary, and never past the very first message.
func retainedTailStart(messages []llm.Message, k int) int {
	if k <= 0 {
		k = 1
	}
	userTurnsSeen := 0
	start := len(messages)
	for i := len(messages) - 1; i >= 0; i-- {
		start = i
		if messages[i].Role == llm.RoleUser {
			userTurnsSeen++
			if userTurnsSeen >= k {
				break
			}
		}
	}

	// Extend backward while the prefix being dropped still owns a pending
	// tool_call whose result lives in the tail (split would break id
	// correspondence) — i.e. walk start back to the nearest assistant
	// message that began the still-open tool-call group.
	for start > 0 {
		prefix := messages[:start]
		tail := messages[start:]
		pendingInPrefix := pendingToolCallIDs(prefix)
		if !tailReferencesAny(tail, pendingInPrefix) {
			break
		}
		start--
	}
	return start
}

func tailReferencesAny(tail []llm.Message, ids map[string]bool) bool {
	if len(ids) == 0 {
		return false
	}
	for _, m := range tail {
		for _, p := range m.Parts {
			if p.Kind == llm.PartToolResult && p.ToolResult != nil && ids[p.ToolResult.ID] {
				return true
			}
		}
	}
	return false
}

// FullCompact replaces everything before the retained tail with a single
// system-role summary message, per spec.md §4.5's algorithm. It never
// removes the current (last) user turn and preserves tool_call/result
// correspondence in the remaining thread.
func (mgr *Manager) FullCompact(ctx context.Context, t *Thread) error {
	if len(t.Messages) == 0 {
		return nil
	}
	if mgr.cfg.SummaryProvider == nil {
		return fmt.Errorf("contextmgr: full compaction requested but no summary provider configured")
	}

	start := retainedTailStart(t.Messages, mgr.cfg.RetainedTailUserTurns)
	if start <= 0 {
		return nil // nothing to compact
	}

	prefix := t.Messages[:start]
	tail := t.Messages[start:]

	summary, err := mgr.summarize(ctx, prefix)
	if err != nil {
		return fmt.Errorf("contextmgr: summarization failed: %w", err)
	}

	summaryMsg := llm.Message{Role: llm.RoleSystem, Parts: []llm.Part{{Kind: llm.PartText, Text: summary}}}
	t.Messages = append([]llm.Message{summaryMsg}, tail...)
	return nil
}

func (mgr *Manager) summarize(ctx context.Context, prefix []llm.Message) (string, error) {
	stream, err := mgr.cfg.SummaryProvider.Model(ctx, llm.Request{
		SystemPrompt: mgr.cfg.CompactInstructions,
		Messages:     prefix,
		MaxTokens:    1024,
	})
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var out string
	for {
		ev, ok := stream.Recv(ctx)
		if !ok {
			break
		}
		if ev.Kind == llm.EventTextDelta {
			out += ev.Delta
		}
		if ev.Kind == llm.EventStreamEnd {
			if ev.Err != nil {
				return "", ev.Err
			}
			break
		}
	}
	return out, nil
}
