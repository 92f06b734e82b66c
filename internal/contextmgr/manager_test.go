package contextmgr

import (
	"context"
	"testing"

	"github.com/agentcore/core/internal/llm"
	"github.com/agentcore/core/internal/llm/llmtest"
)

func textMsg(role llm.Role, text string) llm.Message {
	return llm.Message{Role: role, Parts: []llm.Part{{Kind: llm.PartText, Text: text}}}
}

func TestMicroCompactElidesOversizedMessage(t *testing.T) {
	mgr := New(Config{PerMessageCeiling: 5})
	thread := &Thread{Messages: []llm.Message{
		textMsg(llm.RoleUser, "short"),
		textMsg(llm.RoleAssistant, "this message has way more than five words in it for sure"),
	}}

	changed := mgr.MicroCompact(thread)
	if !changed {
		t.Fatal("expected micro-compaction to trigger")
	}
	if thread.Messages[0].Text() != "short" {
		t.Errorf("short message should be untouched, got %q", thread.Messages[0].Text())
	}
	got := thread.Messages[1].Text()
	if got == "this message has way more than five words in it for sure" {
		t.Error("oversized message should have been elided")
	}
}

func TestMicroCompactNeverTouchesToolParts(t *testing.T) {
	mgr := New(Config{PerMessageCeiling: 1})
	bigText := "one two three four five six seven eight nine ten eleven twelve"
	msg := llm.Message{Role: llm.RoleAssistant, Parts: []llm.Part{
		{Kind: llm.PartText, Text: bigText},
		{Kind: llm.PartToolCall, ToolCall: &llm.ToolCall{ID: "tc1", Name: "grep"}},
	}}
	thread := &Thread{Messages: []llm.Message{msg}}
	mgr.MicroCompact(thread)

	found := false
	for _, p := range thread.Messages[0].Parts {
		if p.Kind == llm.PartToolCall {
			found = true
			if p.ToolCall.ID != "tc1" {
				t.Error("tool_call part must survive micro-compaction untouched")
			}
		}
	}
	if !found {
		t.Fatal("expected tool_call part to remain")
	}
}

func TestNeedsFullCompactionThreshold(t *testing.T) {
	mgr := New(Config{ContextWindow: 100, AutoCompactThreshold: 0.85})
	thread := &Thread{Messages: []llm.Message{textMsg(llm.RoleUser, wordsN(90))}}
	if !mgr.NeedsFullCompaction(thread) {
		t.Fatal("expected threshold crossed")
	}

	thread2 := &Thread{Messages: []llm.Message{textMsg(llm.RoleUser, wordsN(10))}}
	if mgr.NeedsFullCompaction(thread2) {
		t.Fatal("expected threshold not crossed")
	}
}

func wordsN(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		s += "w "
	}
	return s
}

func TestFullCompactPreservesToolCallCorrespondenceAndCurrentTurn(t *testing.T) {
	mock := &llmtest.MockProvider{Scripts: []llmtest.Script{{Events: llmtest.TextEvents("summary of earlier turns", llm.Usage{})}}}
	mgr := New(Config{RetainedTailUserTurns: 1, SummaryProvider: mock})

	thread := &Thread{Messages: []llm.Message{
		textMsg(llm.RoleUser, "turn one"),
		textMsg(llm.RoleAssistant, "reply one"),
		textMsg(llm.RoleUser, "turn two, please run grep"),
		{Role: llm.RoleAssistant, Parts: []llm.Part{
			{Kind: llm.PartToolCall, ToolCall: &llm.ToolCall{ID: "tc1", Name: "grep"}},
		}},
		{Role: llm.RoleToolResult, Parts: []llm.Part{
			{Kind: llm.PartToolResult, ToolResult: &llm.ToolResult{ID: "tc1", Payload: "match", Kind: llm.ResultText}},
		}},
	}}

	if err := mgr.FullCompact(context.Background(), thread); err != nil {
		t.Fatal(err)
	}

	if thread.Messages[0].Role != llm.RoleSystem {
		t.Fatalf("expected leading summary message, got role %v", thread.Messages[0].Role)
	}

	var lastUser llm.Message
	for _, m := range thread.Messages {
		if m.Role == llm.RoleUser {
			lastUser = m
		}
	}
	if lastUser.Text() != "turn two, please run grep" {
		t.Error("current user turn must survive compaction")
	}

	// tool_call/tool_result pair must both be present or both absent.
	var hasCall, hasResult bool
	for _, m := range thread.Messages {
		for _, p := range m.Parts {
			if p.Kind == llm.PartToolCall && p.ToolCall.ID == "tc1" {
				hasCall = true
			}
			if p.Kind == llm.PartToolResult && p.ToolResult.ID == "tc1" {
				hasResult = true
			}
		}
	}
	if hasCall != hasResult {
		t.Fatalf("tool_call/tool_result correspondence broken: call=%v result=%v", hasCall, hasResult)
	}
}
