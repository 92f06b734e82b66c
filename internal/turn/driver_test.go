package turn

import (
	"context"
	"testing"
	"time"

	"github.com/agentcore/core/internal/contextmgr"
	"github.com/agentcore/core/internal/hooks"
	"github.com/agentcore/core/internal/llm"
	"github.com/agentcore/core/internal/llm/llmtest"
	"github.com/agentcore/core/internal/permission"
	"github.com/agentcore/core/internal/subagent"
	"github.com/agentcore/core/internal/tools"
)

func newTestRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	r := tools.New()
	must(t, r.Register(tools.Descriptor{Name: "grep", Permission: tools.ReadOnly}, func(ctx context.Context, args map[string]any) (any, error) {
		return "match found", nil
	}))
	must(t, r.Register(tools.Descriptor{Name: "write", Permission: tools.NeedsApproval, Editing: true}, func(ctx context.Context, args map[string]any) (any, error) {
		return "wrote file", nil
	}))
	return r
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func newDriver(t *testing.T, provider llm.Provider, trustCfg permission.Config) (*Driver, *tools.Registry) {
	t.Helper()
	registry := newTestRegistry(t)
	gate := permission.New()
	hookRunner := hooks.New(nil, nil)
	ctxMgr := contextmgr.New(contextmgr.DefaultConfig())
	factory := &llmtest.MockFactory{Provider: provider}
	d := New(registry, gate, hookRunner, ctxMgr, factory, Deps{}, nil)
	_ = trustCfg
	return d, registry
}

// S1 — simple echo: model replies with plain text, no tool calls.
func TestRunSimpleEchoNoToolCalls(t *testing.T) {
	provider := &llmtest.MockProvider{Scripts: []llmtest.Script{
		{Events: llmtest.TextEvents("hi", llm.Usage{InputTokens: 5, OutputTokens: 2})},
	}}
	d, _ := newDriver(t, provider, permission.Config{Mode: permission.Full})
	thread := &contextmgr.Thread{}

	outcome, err := d.Run(context.Background(), thread, "hello", RunConfig{Trust: permission.Config{Mode: permission.Full}})
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Status != Completed {
		t.Fatalf("expected Completed, got %v", outcome.Status)
	}
	if outcome.Text != "hi" {
		t.Fatalf("expected assistant text %q, got %q", "hi", outcome.Text)
	}
	if len(thread.Messages) != 2 {
		t.Fatalf("expected user+assistant messages, got %d", len(thread.Messages))
	}
	if thread.Messages[1].Text() != "hi" {
		t.Fatalf("unexpected assistant message: %+v", thread.Messages[1])
	}
}

// S2 — read-only fan-out: three grep calls in one step complete and are
// recorded in model-emitted order regardless of completion order.
func TestRunReadOnlyCallsPreserveModelOrder(t *testing.T) {
	calls := []llm.ToolCall{
		{ID: "1", Name: "grep"},
		{ID: "2", Name: "grep"},
		{ID: "3", Name: "grep"},
	}
	provider := &llmtest.MockProvider{Scripts: []llmtest.Script{
		{Events: llmtest.ToolCallEvents(calls, llm.Usage{InputTokens: 10})},
		{Events: llmtest.TextEvents("done", llm.Usage{InputTokens: 12, OutputTokens: 3})},
	}}
	d, _ := newDriver(t, provider, permission.Config{Mode: permission.Full})
	thread := &contextmgr.Thread{}

	outcome, err := d.Run(context.Background(), thread, "search for foo", RunConfig{Trust: permission.Config{Mode: permission.Full}})
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Status != Completed {
		t.Fatalf("expected Completed, got %v", outcome.Status)
	}

	var ids []string
	for _, m := range thread.Messages {
		if m.Role != llm.RoleToolResult {
			continue
		}
		for _, p := range m.Parts {
			if p.ToolResult != nil {
				ids = append(ids, p.ToolResult.ID)
			}
		}
	}
	if len(ids) != 3 || ids[0] != "1" || ids[1] != "2" || ids[2] != "3" {
		t.Fatalf("expected tool results in model order [1 2 3], got %v", ids)
	}
}

// S3 — approval loop: Limited trust with no allow_paths match on a write
// call results in Ask -> deny (no approver configured auto-denies) ->
// structured error result, and the model gets another step to react.
func TestRunApprovalDeniedProducesErrorResultAndContinues(t *testing.T) {
	writeCall := []llm.ToolCall{{ID: "w1", Name: "write", Arguments: map[string]any{"path": "outside/path.txt"}}}
	provider := &llmtest.MockProvider{Scripts: []llmtest.Script{
		{Events: llmtest.ToolCallEvents(writeCall, llm.Usage{})},
		{Events: llmtest.TextEvents("acknowledged the denial", llm.Usage{})},
	}}
	d, _ := newDriver(t, provider, permission.Config{})
	thread := &contextmgr.Thread{}

	cfg := RunConfig{Trust: permission.Config{Mode: permission.Limited, AllowPaths: []string{"src/"}}}
	outcome, err := d.Run(context.Background(), thread, "write to outside/path.txt", cfg)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Status != Completed {
		t.Fatalf("expected Completed, got %v", outcome.Status)
	}

	var found bool
	for _, m := range thread.Messages {
		for _, p := range m.Parts {
			if p.ToolResult != nil && p.ToolResult.ID == "w1" {
				found = true
				if p.ToolResult.Kind != llm.ResultError {
					t.Fatalf("expected error result kind for denied call, got %v", p.ToolResult.Kind)
				}
			}
		}
	}
	if !found {
		t.Fatal("expected a tool result for the denied write call")
	}
	if len(provider.Requests) != 2 {
		t.Fatalf("expected the model to get a second step after denial, got %d requests", len(provider.Requests))
	}
}

// Testable property 10: provider attempts per step <= max_retries + 1.
func TestRunRetriesTransientFailureThenSucceeds(t *testing.T) {
	provider := &llmtest.MockProvider{Scripts: llmtest.RetryThenSucceed("recovered", llm.Usage{InputTokens: 3, OutputTokens: 1})}
	d, _ := newDriver(t, provider, permission.Config{Mode: permission.Full})
	thread := &contextmgr.Thread{}

	cfg := RunConfig{Trust: permission.Config{Mode: permission.Full}, MaxRetries: 2, RetryInitial: time.Millisecond, RetryMax: 5 * time.Millisecond}
	outcome, err := d.Run(context.Background(), thread, "hello", cfg)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Status != Completed || outcome.Text != "recovered" {
		t.Fatalf("expected recovery after retry, got %+v", outcome)
	}
	if len(provider.Requests) != 2 {
		t.Fatalf("expected exactly 2 provider attempts (1 failure + 1 success), got %d", len(provider.Requests))
	}
}

func TestRunExhaustsRetriesAndFails(t *testing.T) {
	failing := llm.StreamEvent{Kind: llm.EventStreamEnd, FinishReason: llm.FinishError, Err: context.DeadlineExceeded, Retryable: true}
	provider := &llmtest.MockProvider{Scripts: []llmtest.Script{
		{Events: []llm.StreamEvent{failing}},
		{Events: []llm.StreamEvent{failing}},
	}}
	d, _ := newDriver(t, provider, permission.Config{Mode: permission.Full})
	thread := &contextmgr.Thread{}

	cfg := RunConfig{Trust: permission.Config{Mode: permission.Full}, MaxRetries: 1, RetryInitial: time.Millisecond, RetryMax: time.Millisecond}
	outcome, err := d.Run(context.Background(), thread, "hello", cfg)
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
	if outcome.Status != FailedFatal {
		t.Fatalf("expected FailedFatal, got %v", outcome.Status)
	}
	if len(provider.Requests) != 2 {
		t.Fatalf("expected max_retries+1 = 2 attempts, got %d", len(provider.Requests))
	}
}

// pre_tool_use hooks that block synthesize an error result and skip execution.
func TestRunPreToolUseBlockingHookSkipsExecution(t *testing.T) {
	registry := newTestRegistry(t)
	gate := permission.New()
	hookRunner := hooks.New([]hooks.Config{
		{Event: hooks.PreToolUse, Kind: hooks.KindCommand, Command: "exit 1", Block: true, Timeout: time.Second},
	}, nil)
	ctxMgr := contextmgr.New(contextmgr.DefaultConfig())

	writeCall := []llm.ToolCall{{ID: "w1", Name: "write", Arguments: map[string]any{"path": "src/a.go"}}}
	provider := &llmtest.MockProvider{Scripts: []llmtest.Script{
		{Events: llmtest.ToolCallEvents(writeCall, llm.Usage{})},
		{Events: llmtest.TextEvents("ok", llm.Usage{})},
	}}
	factory := &llmtest.MockFactory{Provider: provider}
	d := New(registry, gate, hookRunner, ctxMgr, factory, Deps{}, nil)
	thread := &contextmgr.Thread{}

	cfg := RunConfig{Trust: permission.Config{Mode: permission.Full}}
	if _, err := d.Run(context.Background(), thread, "edit a file", cfg); err != nil {
		t.Fatal(err)
	}

	for _, m := range thread.Messages {
		for _, p := range m.Parts {
			if p.ToolResult != nil && p.ToolResult.ID == "w1" {
				if p.ToolResult.Kind != llm.ResultError {
					t.Fatalf("expected blocked call to produce an error result, got %v", p.ToolResult.Kind)
				}
				return
			}
		}
	}
	t.Fatal("expected a tool result for the blocked call")
}

// RunChildTurn drives a spawned agent through subagent.Manager using Driver
// itself as the TurnRunner, exercising the dependency-inversion seam.
func TestDriverImplementsTurnRunnerForSubagentManager(t *testing.T) {
	provider := &llmtest.MockProvider{Scripts: []llmtest.Script{
		{Events: llmtest.TextEvents("child done", llm.Usage{})},
	}}
	d, _ := newDriver(t, provider, permission.Config{Mode: permission.Full})

	mgr := subagent.New(d, 5, 5)
	h, err := mgr.Spawn(context.Background(), "worker", "do a small task", subagent.ParentContext{}, subagent.RoleDefaults{}, subagent.SharedContext{})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if mgr.Status(h.ID) == subagent.Completed {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected subagent to complete, got status %v", mgr.Status(h.ID))
}
