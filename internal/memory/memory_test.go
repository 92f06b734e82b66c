package memory

import (
	"context"
	"testing"
)

func TestMockEmbedder(t *testing.T) {
	embedder := NewMockEmbedder(384)

	embeddings, err := embedder.Embed(context.Background(), []string{"hello", "world"})
	if err != nil {
		t.Fatalf("embed failed: %v", err)
	}

	if len(embeddings) != 2 {
		t.Errorf("expected 2 embeddings, got %d", len(embeddings))
	}

	if len(embeddings[0]) != 384 {
		t.Errorf("expected dimension 384, got %d", len(embeddings[0]))
	}

	// Same input should produce same embedding (deterministic)
	embeddings2, _ := embedder.Embed(context.Background(), []string{"hello"})
	for i := 0; i < len(embeddings[0]); i++ {
		if embeddings[0][i] != embeddings2[0][i] {
			t.Error("mock embedder should be deterministic")
			break
		}
	}
}

func TestInMemoryStore_RememberRecall(t *testing.T) {
	store := NewInMemoryStore(NewMockEmbedder(128))
	ctx := context.Background()

	if err := store.Remember(ctx, "The user prefers dark mode and vim keybindings", MemoryMetadata{
		Source:     "explicit",
		Importance: 0.8,
		Tags:       []string{"preferences"},
	}); err != nil {
		t.Fatalf("remember failed: %v", err)
	}
	if err := store.Remember(ctx, "We decided to use PostgreSQL for the database", MemoryMetadata{
		Source:     "session:123",
		Importance: 0.7,
	}); err != nil {
		t.Fatalf("remember failed: %v", err)
	}

	results, err := store.Recall(ctx, "user preferences", RecallOpts{Limit: 10})
	if err != nil {
		t.Fatalf("recall failed: %v", err)
	}
	if len(results) < 1 {
		t.Error("expected at least 1 result")
	}
	for _, r := range results {
		if r.ID == "" {
			t.Error("result should have ID")
		}
		if r.Content == "" {
			t.Error("result should have content")
		}
	}
}

func TestInMemoryStore_Forget(t *testing.T) {
	store := NewInMemoryStore(NewMockEmbedder(128))
	ctx := context.Background()

	if err := store.Remember(ctx, "Test memory to forget", MemoryMetadata{Source: "test"}); err != nil {
		t.Fatalf("remember failed: %v", err)
	}

	results, err := store.Recall(ctx, "forget", RecallOpts{Limit: 1})
	if err != nil {
		t.Fatalf("recall failed: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least 1 result")
	}
	id := results[0].ID

	if err := store.Forget(ctx, id); err != nil {
		t.Fatalf("forget failed: %v", err)
	}

	results, err = store.Recall(ctx, "forget", RecallOpts{Limit: 1})
	if err != nil {
		t.Fatalf("recall failed: %v", err)
	}
	for _, r := range results {
		if r.ID == id {
			t.Error("memory should have been forgotten")
		}
	}
}
