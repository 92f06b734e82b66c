package tools

import (
	"context"
	"testing"
)

func echoHandler(ctx context.Context, args map[string]any) (any, error) {
	return args["x"], nil
}

func TestRegisterDuplicateIsError(t *testing.T) {
	r := New()
	d := Descriptor{Name: "grep", Permission: ReadOnly}
	if err := r.Register(d, echoHandler); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if err := r.Register(d, echoHandler); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestRoleFilterAllowedIntersectDisallowed(t *testing.T) {
	r := New()
	for _, name := range []string{"grep", "write", "bash"} {
		if err := r.Register(Descriptor{Name: name, Permission: ReadOnly}, echoHandler); err != nil {
			t.Fatal(err)
		}
	}

	cases := []struct {
		name   string
		filter RoleFilter
		want   []string
	}{
		{"empty allowed means all", RoleFilter{}, []string{"bash", "grep", "write"}},
		{"allowed whitelist", RoleFilter{Allowed: []string{"grep", "write"}}, []string{"grep", "write"}},
		{"disallowed blacklist", RoleFilter{Disallowed: []string{"bash"}}, []string{"grep", "write"}},
		{"allowed minus disallowed", RoleFilter{Allowed: []string{"grep", "write"}, Disallowed: []string{"write"}}, []string{"grep"}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := r.VisibleTools(c.filter)
			if len(got) != len(c.want) {
				t.Fatalf("got %d tools, want %d: %+v", len(got), len(c.want), got)
			}
			for i, d := range got {
				if d.Name != c.want[i] {
					t.Errorf("index %d: got %q want %q", i, d.Name, c.want[i])
				}
			}
		})
	}
}

func TestDeferredExpansionIsOneWay(t *testing.T) {
	r := New()
	d := Descriptor{Name: "rare_tool", Permission: ReadOnly, Deferred: DeferredHidden}
	if err := r.Register(d, echoHandler); err != nil {
		t.Fatal(err)
	}

	if got := r.VisibleTools(RoleFilter{}); len(got) != 0 {
		t.Fatalf("hidden tool should not be visible, got %+v", got)
	}

	r.MarkExpanded("rare_tool")
	if got := r.VisibleTools(RoleFilter{}); len(got) != 1 {
		t.Fatalf("expanded tool should be visible, got %+v", got)
	}

	// Resolve still works while hidden.
	if _, _, err := r.Resolve("rare_tool"); err != nil {
		t.Fatalf("hidden tool should still resolve: %v", err)
	}
}

func TestExtractPathsDefaultsToProjectRoot(t *testing.T) {
	r := New()
	if err := r.Register(Descriptor{Name: "noop", Permission: ReadOnly}, echoHandler); err != nil {
		t.Fatal(err)
	}
	paths := r.ExtractPaths("noop", nil, "/proj")
	if len(paths) != 1 || paths[0] != "/proj" {
		t.Fatalf("expected default project root path, got %v", paths)
	}
}

func TestToolSearchFindsHiddenByFragment(t *testing.T) {
	r := New()
	if err := r.Register(Descriptor{Name: "web_fetch", Description: "fetch a URL", Permission: ReadOnly, Deferred: DeferredHidden}, echoHandler); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterToolSearch(); err != nil {
		t.Fatal(err)
	}
	_, h, err := r.Resolve("tool_search")
	if err != nil {
		t.Fatal(err)
	}
	res, err := h(context.Background(), map[string]any{"query": "fetch"})
	if err != nil {
		t.Fatal(err)
	}
	names, ok := res.([]string)
	if !ok || len(names) != 1 || names[0] != "web_fetch" {
		t.Fatalf("expected [web_fetch], got %v", res)
	}
}
