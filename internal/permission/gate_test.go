package permission

import (
	"testing"

	"github.com/agentcore/core/internal/tools"
)

func writeCall(paths ...string) Call {
	return Call{Name: "write", Permission: tools.NeedsApproval, Editing: true, Paths: paths}
}

func otherMutCall(paths ...string) Call {
	return Call{Name: "bash", Permission: tools.NeedsApproval, Editing: false, Paths: paths}
}

func TestDecisionTableRows(t *testing.T) {
	cfg := Config{AllowTools: []string{"write", "bash"}, AllowPaths: []string{"src"}}

	cases := []struct {
		mode TrustMode
		call Call
		want Decision
	}{
		{Off, writeCall("src/a.go"), Ask},
		{Off, otherMutCall("src/a.go"), Ask},
		{Limited, writeCall("src/a.go"), Allow},
		{Limited, otherMutCall("src/a.go"), Allow},
		{AutoEdit, writeCall("outside/a.go"), Allow}, // editing tool always allowed in AutoEdit
		{AutoEdit, otherMutCall("outside/a.go"), Ask},
		{Full, writeCall("outside/a.go"), Allow},
		{Full, otherMutCall("outside/a.go"), Allow},
	}

	g := New()
	for _, c := range cases {
		got := g.Decide(c.call, Config{Mode: c.mode, AllowTools: cfg.AllowTools, AllowPaths: cfg.AllowPaths})
		if got != c.want {
			t.Errorf("mode=%v call=%s paths=%v: got %v want %v", c.mode, c.call.Name, c.call.Paths, got, c.want)
		}
	}
}

func TestReadOnlyAlwaysAllowed(t *testing.T) {
	g := New()
	call := Call{Name: "grep", Permission: tools.ReadOnly}
	for _, mode := range []TrustMode{Off, Limited, AutoEdit, Full} {
		if got := g.Decide(call, Config{Mode: mode}); got != Allow {
			t.Errorf("mode=%v: read-only tool should always Allow, got %v", mode, got)
		}
	}
}

func TestDenyPrecedence(t *testing.T) {
	g := New()
	cfg := Config{DenyTools: []string{"write"}}
	for _, mode := range []TrustMode{Off, Limited, AutoEdit, Full} {
		cfg.Mode = mode
		if got := g.Decide(writeCall("src/a.go"), cfg); got != Deny {
			t.Errorf("mode=%v: deny_tools should win, got %v", mode, got)
		}
	}

	g2 := New()
	cfg2 := Config{DenyPaths: []string{"secrets"}}
	for _, mode := range []TrustMode{Off, Limited, AutoEdit, Full} {
		cfg2.Mode = mode
		if got := g2.Decide(writeCall("secrets/key.pem"), cfg2); got != Deny {
			t.Errorf("mode=%v: deny_paths should win, got %v", mode, got)
		}
	}
}

func TestTrustMonotonicity(t *testing.T) {
	rank := func(d Decision) int {
		switch d {
		case Deny:
			return 0
		case Ask:
			return 1
		case Allow:
			return 2
		}
		return -1
	}

	calls := []Call{
		writeCall("src/a.go"),
		otherMutCall("src/a.go"),
		writeCall("outside/a.go"),
		otherMutCall("outside/a.go"),
	}
	cfg := Config{AllowTools: []string{"write", "bash"}, AllowPaths: []string{"src"}}

	for _, call := range calls {
		prev := -1
		for _, mode := range []TrustMode{Off, Limited, AutoEdit, Full} {
			g := New()
			cfg.Mode = mode
			got := g.Decide(call, cfg)
			if rank(got) < prev {
				t.Errorf("call=%s: trust monotonicity violated at mode=%v: %v", call.Name, mode, got)
			}
			prev = rank(got)
		}
	}
}

func TestAlwaysAskOverridesEverything(t *testing.T) {
	g := New()
	cfg := Config{Mode: Full, AlwaysAsk: []string{"bash"}}
	if got := g.Decide(otherMutCall("src/a.go"), cfg); got != Ask {
		t.Errorf("always_ask should force Ask even under Full trust, got %v", got)
	}
}

func TestRememberApprovalsCachesAllow(t *testing.T) {
	g := New()
	cfg := Config{Mode: Limited, AllowTools: []string{"write"}, AllowPaths: []string{"src"}, RememberApprovals: true}
	call := writeCall("src/a.go")

	if got := g.Decide(call, cfg); got != Allow {
		t.Fatalf("expected Allow, got %v", got)
	}

	// Even if the config is tightened afterward, the cached grant for this
	// exact (tool, paths) pair should still return Allow within the session.
	tightened := cfg
	tightened.AllowTools = nil
	if got := g.Decide(call, tightened); got != Allow {
		t.Errorf("expected cached Allow to persist, got %v", got)
	}
}
