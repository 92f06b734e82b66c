package hooks

import (
	"context"
	"testing"
	"time"
)

func TestMatchPatternSuffixGlob(t *testing.T) {
	if !matchPattern("*.rs,*.go", "src/main.go") {
		t.Fatal("expected *.go to match main.go")
	}
	if matchPattern("*.rs", "src/main.go") {
		t.Fatal("did not expect *.rs to match main.go")
	}
}

func TestMatchPatternSubstring(t *testing.T) {
	if !matchPattern("src/", "src/main.go") {
		t.Fatal("expected substring match on src/")
	}
}

func TestRunCommandHookBlocksOnNonZeroExit(t *testing.T) {
	r := New([]Config{{
		Event:   PreToolUse,
		Kind:    KindCommand,
		Command: "exit 1",
		Block:   true,
	}}, nil)

	out := r.Run(context.Background(), PreToolUse, Payload{ToolName: "bash"})
	if !out.Blocked {
		t.Fatal("expected hook failure to block")
	}
}

func TestRunCommandHookNonBlockingDoesNotBlock(t *testing.T) {
	r := New([]Config{{
		Event:   PostToolUse,
		Kind:    KindCommand,
		Command: "exit 1",
		Block:   false,
	}}, nil)

	out := r.Run(context.Background(), PostToolUse, Payload{ToolName: "bash"})
	if out.Blocked {
		t.Fatal("non-blocking hook must never set Blocked")
	}
}

func TestExitCodeTwoIsFeedbackOnlyForTeammateIdleAndTaskCompleted(t *testing.T) {
	r := New([]Config{{
		Event:   TaskCompleted,
		Kind:    KindCommand,
		Command: "echo not satisfied >&2; exit 2",
		Block:   true,
	}}, nil)

	out := r.Run(context.Background(), TaskCompleted, Payload{})
	if out.Blocked {
		t.Fatal("exit code 2 on task_completed must be feedback, not a block")
	}
	if out.Feedback == "" {
		t.Fatal("expected feedback text from exit code 2")
	}
}

func TestExitCodeTwoOnPreToolUseIsPlainFailure(t *testing.T) {
	r := New([]Config{{
		Event:   PreToolUse,
		Kind:    KindCommand,
		Command: "exit 2",
		Block:   true,
	}}, nil)

	out := r.Run(context.Background(), PreToolUse, Payload{})
	if !out.Blocked {
		t.Fatal("exit code 2 on pre_tool_use is a plain failure and should block")
	}
}

func TestPromptHookWithoutRunnerFailsClosed(t *testing.T) {
	r := New([]Config{{
		Event: PreToolUse,
		Kind:  KindPrompt,
		Block: true,
	}}, nil)

	out := r.Run(context.Background(), PreToolUse, Payload{})
	if !out.Blocked {
		t.Fatal("prompt hook with no fallback must fail closed")
	}
}

func TestToolNameFilterExcludesNonMatchingCalls(t *testing.T) {
	r := New([]Config{{
		Event:          PreToolUse,
		Kind:           KindCommand,
		ToolNameFilter: "write",
		Command:        "exit 1",
		Block:          true,
	}}, nil)

	out := r.Run(context.Background(), PreToolUse, Payload{ToolName: "bash"})
	if out.Blocked {
		t.Fatal("hook filtered to a different tool name must not run")
	}
}

func TestAfterEditMatchPatternFiltersByFile(t *testing.T) {
	r := New([]Config{{
		Event:        AfterEdit,
		Kind:         KindCommand,
		MatchPattern: "*.rs",
		Command:      "exit 1",
		Block:        true,
	}}, nil)

	out := r.Run(context.Background(), AfterEdit, Payload{File: "main.go"})
	if out.Blocked {
		t.Fatal("*.rs hook must not fire for a .go file")
	}

	out2 := r.Run(context.Background(), AfterEdit, Payload{File: "lib.rs"})
	if !out2.Blocked {
		t.Fatal("*.rs hook must fire for a .rs file")
	}
}

func TestCommandHookTimeout(t *testing.T) {
	r := New([]Config{{
		Event:   PreToolUse,
		Kind:    KindCommand,
		Command: "sleep 5",
		Timeout: 50 * time.Millisecond,
		Block:   true,
	}}, nil)

	out := r.Run(context.Background(), PreToolUse, Payload{})
	if len(out.Results) != 1 || !out.Results[0].TimedOut {
		t.Fatalf("expected timed-out result, got %+v", out.Results)
	}
}
