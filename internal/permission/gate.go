// Package permission implements PermissionGate: the trust-mode decision
// table from spec.md §4.3 over mutating tool calls. It has no direct
// teacher analogue (the teacher's older registry.go does a flat
// allow/deny policy check per call, not a four-mode table) and is built
// directly from the specification's contract, per DESIGN.md.
package permission

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentcore/core/internal/tools"
)

// TrustMode is the session-wide policy governing default approval of
// NeedsApproval tools.
type TrustMode int

const (
	Off TrustMode = iota
	Limited
	AutoEdit
	Full
)

// Decision is PermissionGate's verdict for one call.
type Decision string

const (
	Allow Decision = "allow"
	Ask   Decision = "ask"
	Deny  Decision = "deny"
)

// Config carries the trust mode and allow/deny lists from spec.md §3/§4.3.
type Config struct {
	Mode              TrustMode
	AllowTools        []string
	AllowPaths        []string
	DenyTools         []string
	DenyPaths         []string
	AlwaysAsk         []string
	RememberApprovals bool
}

// Call is the minimal view of a tool invocation PermissionGate needs:
// its name, permission class, whether it's an editing tool, and the
// paths it touches (from ToolRegistry.ExtractPaths).
type Call struct {
	Name       string
	Permission tools.Permission
	Editing    bool
	Paths      []string
}

// Gate decides Allow/Ask/Deny and caches session-scoped "always" grants.
type Gate struct {
	mu    sync.Mutex
	cache map[string]Decision
}

// New creates a PermissionGate.
func New() *Gate {
	return &Gate{cache: make(map[string]Decision)}
}

// Decide implements the table in spec.md §4.3. Deny-precedence and
// trust-monotonicity (testable properties 4 and 5) both hold by
// construction: deny lists are checked first regardless of mode, and
// each mode's row is a strict widening of the previous mode's.
func (g *Gate) Decide(call Call, cfg Config) Decision {
	if toolDenied(call, cfg) || pathsDenied(call, cfg) {
		return Deny
	}

	if containsAny(cfg.AlwaysAsk, call.Name) {
		return Ask
	}

	if d, ok := g.cachedDecision(call, cfg); ok {
		return d
	}

	if call.Permission == tools.ReadOnly {
		return Allow
	}

	explicitlyAllowed := toolExplicitlyAllowed(call, cfg)

	var decision Decision
	switch cfg.Mode {
	case Off:
		// Per spec.md §4.3's table, Off asks regardless of allow lists.
		decision = Ask
	case Limited:
		if explicitlyAllowed {
			decision = Allow
		} else {
			decision = Ask
		}
	case AutoEdit:
		switch {
		case explicitlyAllowed:
			decision = Allow
		case call.Editing:
			decision = Allow
		default:
			decision = Ask
		}
	case Full:
		decision = Allow
	default:
		decision = Ask
	}

	if decision == Allow && cfg.RememberApprovals {
		g.remember(call, cfg, decision)
	}
	return decision
}

// Remember records a user-granted "always allow" for the session, keyed by
// tool name and normalized touched paths.
func (g *Gate) Remember(call Call, cfg Config) {
	g.remember(call, cfg, Allow)
}

func (g *Gate) remember(call Call, cfg Config, d Decision) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cache[cacheKey(call)] = d
}

func (g *Gate) cachedDecision(call Call, cfg Config) (Decision, bool) {
	if !cfg.RememberApprovals {
		return "", false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.cache[cacheKey(call)]
	return d, ok
}

func cacheKey(call Call) string {
	paths := append([]string(nil), call.Paths...)
	for i, p := range paths {
		paths[i] = canonical(p)
	}
	return call.Name + "|" + strings.Join(paths, ",")
}

func canonical(p string) string {
	c := filepath.Clean(p)
	return c
}

func containsAny(list []string, name string) bool {
	for _, x := range list {
		if x == name {
			return true
		}
	}
	return false
}

func toolDenied(call Call, cfg Config) bool {
	return containsAny(cfg.DenyTools, call.Name)
}

func pathsDenied(call Call, cfg Config) bool {
	for _, p := range call.Paths {
		cp := canonical(p)
		for _, deny := range cfg.DenyPaths {
			if pathMatches(cp, canonical(deny)) {
				return true
			}
		}
	}
	return false
}

func toolExplicitlyAllowed(call Call, cfg Config) bool {
	if !containsAny(cfg.AllowTools, call.Name) {
		return false
	}
	if len(call.Paths) == 0 {
		return true
	}
	for _, p := range call.Paths {
		cp := canonical(p)
		matched := false
		for _, allow := range cfg.AllowPaths {
			if pathMatches(cp, canonical(allow)) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// pathMatches uses prefix semantics after canonicalization, per spec.md §4.3.
func pathMatches(path, prefix string) bool {
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, strings.TrimSuffix(prefix, string(filepath.Separator))+string(filepath.Separator))
}
