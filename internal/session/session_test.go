package session

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewFileSinkWritesHeaderAndAssignsID(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir, "test-workflow", map[string]string{"input1": "value1"})
	if err != nil {
		t.Fatalf("create sink error: %v", err)
	}
	if sink.ID() == "" {
		t.Fatal("expected a non-empty session id")
	}
	if err := sink.Close(StatusComplete, "ok", ""); err != nil {
		t.Fatalf("close error: %v", err)
	}

	files, _ := os.ReadDir(dir)
	if len(files) != 1 || filepath.Ext(files[0].Name()) != ".jsonl" {
		t.Fatalf("expected exactly one .jsonl file, got %v", files)
	}
}

func TestAppendIsDurableAndReloadable(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir, "wf", nil)
	if err != nil {
		t.Fatal(err)
	}
	id := sink.ID()

	if err := sink.Append(Event{Kind: UserSubmitted, Content: "hello"}); err != nil {
		t.Fatal(err)
	}
	if err := sink.Append(Event{Kind: ToolCallEnd, Tool: "write", Content: "wrote main.go"}); err != nil {
		t.Fatal(err)
	}
	if err := sink.Close(StatusComplete, "done", ""); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(dir, id)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if len(loaded.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(loaded.Events))
	}
	if loaded.Events[0].Kind != UserSubmitted || loaded.Events[0].Content != "hello" {
		t.Errorf("unexpected first event: %+v", loaded.Events[0])
	}
	if loaded.Status != StatusComplete {
		t.Errorf("expected status complete, got %s", loaded.Status)
	}
}

func TestSequenceIDsAreMonotonic(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir, "wf", nil)
	if err != nil {
		t.Fatal(err)
	}
	id := sink.ID()
	for i := 0; i < 5; i++ {
		if err := sink.Append(Event{Kind: TextDelta, Content: "chunk"}); err != nil {
			t.Fatal(err)
		}
	}
	sink.Close(StatusComplete, "", "")

	loaded, err := Load(dir, id)
	if err != nil {
		t.Fatal(err)
	}
	for i, e := range loaded.Events {
		if e.SeqID != uint64(i+1) {
			t.Errorf("event %d: expected seq %d, got %d", i, i+1, e.SeqID)
		}
	}
}

func TestLoadLegacyJSONFallback(t *testing.T) {
	dir := t.TempDir()
	legacy := `{
		"id": "legacy-test",
		"workflow_name": "legacy-workflow",
		"inputs": {"input1": "value1"},
		"status": "complete",
		"events": [
			{"seq": 1, "kind": "user_submitted", "content": "hi"},
			{"seq": 2, "kind": "turn_complete"}
		],
		"created_at": "2024-01-01T00:00:00Z",
		"updated_at": "2024-01-01T00:00:02Z"
	}`
	if err := os.WriteFile(filepath.Join(dir, "legacy-test.json"), []byte(legacy), 0o644); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(dir, "legacy-test")
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if loaded.WorkflowName != "legacy-workflow" {
		t.Errorf("expected legacy-workflow, got %s", loaded.WorkflowName)
	}
	if len(loaded.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(loaded.Events))
	}
}

func TestLoadHandlesLargeEventLines(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir, "wf", nil)
	if err != nil {
		t.Fatal(err)
	}
	id := sink.ID()

	large := string(make([]byte, 15*1024*1024))
	if err := sink.Append(Event{Kind: ToolResult, Content: large}); err != nil {
		t.Fatal(err)
	}
	sink.Close(StatusComplete, "", "")

	loaded, err := Load(dir, id)
	if err != nil {
		t.Fatalf("load error (should handle large lines): %v", err)
	}
	if len(loaded.Events) != 1 || len(loaded.Events[0].Content) != len(large) {
		t.Fatalf("large event content did not round-trip")
	}
}

func TestSharedContextBriefCollectsRecentChangesAndSummary(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir, "wf", nil)
	if err != nil {
		t.Fatal(err)
	}
	id := sink.ID()

	sink.Append(Event{Kind: ToolCallEnd, Tool: "write", Content: "wrote a.go"})
	sink.Append(Event{Kind: ToolCallEnd, Tool: "bash", Content: "ran ls"})
	sink.Append(Event{Kind: CompactContext, Content: "summary text"})
	sink.Close(StatusComplete, "", "")

	loaded, err := Load(dir, id)
	if err != nil {
		t.Fatal(err)
	}
	brief := loaded.SharedContextBrief("/proj", "")
	if len(brief.RecentChanges) != 1 || brief.RecentChanges[0] != "wrote a.go" {
		t.Errorf("expected only the write tool call counted as a change, got %v", brief.RecentChanges)
	}
	if brief.ConversationSummary != "summary text" {
		t.Errorf("expected conversation summary from compact_context event, got %q", brief.ConversationSummary)
	}
	if brief.ProjectRoot != "/proj" {
		t.Errorf("expected project root to be threaded through")
	}
}
