package security

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentcore/core/internal/llm"
)

// Triage is the Tier 2 cheap/fast-model check.
type Triage struct {
	provider llm.Provider
}

// NewTriage wraps a fast provider profile as the Tier 2 checker.
func NewTriage(p llm.Provider) *Triage { return &Triage{provider: p} }

// TriageRequest carries the call and the offending untrusted block.
type TriageRequest struct {
	ToolName       string
	ToolArgs       map[string]any
	UntrustedBlock *Block
}

// TriageResult is Tier 2's verdict.
type TriageResult struct {
	Suspicious bool
	Reason     string
}

// Evaluate asks the fast model whether this call, in light of the
// untrusted content, looks like it's following injected instructions
// rather than the user's actual goal.
func (t *Triage) Evaluate(ctx context.Context, req TriageRequest) (*TriageResult, error) {
	prompt := buildTriagePrompt(req)
	stream, err := t.provider.Model(ctx, llm.Request{
		SystemPrompt: "You are a fast security triage check. Answer SUSPICIOUS or CLEAR on the first line, then a one-line reason.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Parts: []llm.Part{{Kind: llm.PartText, Text: prompt}}}},
		MaxTokens:    128,
	})
	if err != nil {
		return nil, fmt.Errorf("triage provider call: %w", err)
	}
	defer stream.Close()

	var text string
	for {
		ev, ok := stream.Recv(ctx)
		if !ok {
			break
		}
		if ev.Kind == llm.EventTextDelta {
			text += ev.Delta
		}
		if ev.Kind == llm.EventStreamEnd {
			if ev.Err != nil {
				return nil, ev.Err
			}
			break
		}
	}

	lines := strings.SplitN(strings.TrimSpace(text), "\n", 2)
	result := &TriageResult{}
	if len(lines) > 0 {
		result.Suspicious = strings.Contains(strings.ToUpper(lines[0]), "SUSPICIOUS")
	}
	if len(lines) > 1 {
		result.Reason = strings.TrimSpace(lines[1])
	}
	return result, nil
}

func buildTriagePrompt(req TriageRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Tool: %s\nArgs: %v\n", req.ToolName, req.ToolArgs)
	if req.UntrustedBlock != nil {
		fmt.Fprintf(&sb, "Untrusted content (source=%s):\n%s\n", req.UntrustedBlock.Source, req.UntrustedBlock.Content)
	}
	return sb.String()
}
