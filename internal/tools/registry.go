// Package tools implements the ToolRegistry component: descriptor storage,
// role/permission filtering, and deferred-tool expansion, generalized from
// the teacher's older policy-gated tool registry
// (src/internal/tools/registry.go) into spec.md §4.2's contract.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Permission classifies a tool for PermissionGate and for the turn loop's
// ReadOnly/NeedsApproval dispatch partition.
type Permission string

const (
	ReadOnly      Permission = "read_only"
	NeedsApproval Permission = "needs_approval"
)

// Deferred tracks a tool's visibility state. Hidden tools are omitted from
// the provider's tool list but remain resolvable; the Hidden->Expanded
// transition is one-way for the session.
type Deferred int

const (
	DeferredNo Deferred = iota
	DeferredHidden
	DeferredExpanded
)

// Descriptor is the {name, description, parameter_schema, permission,
// deferred} tuple from spec.md §3. ExtractPaths is the "path-extraction
// function" §4.3 refers to; a nil ExtractPaths means the tool is treated as
// touching the project root.
type Descriptor struct {
	Name         string
	Description  string
	Parameters   map[string]any
	Permission   Permission
	Deferred     Deferred
	ExtractPaths func(args map[string]any) []string

	// Editing marks a NeedsApproval tool as a file-editing tool (write,
	// edit, apply_patch, multi_edit, or another file-mutating fs op) for
	// PermissionGate's AutoEdit trust mode row, per spec.md §4.3.
	Editing bool
}

// Handler executes a tool call and returns its payload.
type Handler func(ctx context.Context, args map[string]any) (any, error)

type entry struct {
	descriptor Descriptor
	handler    Handler
}

// Registry holds tool registrations for the process lifetime. Registration
// is a rare write; resolution and listing are frequent reads, so the hot
// path (visible_tools during prompt assembly) takes a snapshot rather than
// holding a lock across iteration, per spec.md §9.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry

	expandedMu sync.Mutex
	expanded   map[string]bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries:  make(map[string]entry),
		expanded: make(map[string]bool),
	}
}

// Register adds a tool. Re-registering an existing name is a program error
// (spec.md §4.2: "Duplicate registration is a program error").
func (r *Registry) Register(d Descriptor, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[d.Name]; exists {
		return fmt.Errorf("tool registry: duplicate registration of %q", d.Name)
	}
	r.entries[d.Name] = entry{descriptor: d, handler: h}
	return nil
}

// ErrNotFound is returned by Resolve when no tool with that name exists.
var ErrNotFound = fmt.Errorf("tool not found")

// Resolve looks up a tool's descriptor and handler by name.
func (r *Registry) Resolve(name string) (Descriptor, Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Descriptor{}, nil, ErrNotFound
	}
	return e.descriptor, e.handler, nil
}

// RoleFilter composes an allow-list with a deny-list; precedence is
// allowed ∩ ¬disallowed. An empty Allowed means "all tools".
type RoleFilter struct {
	Allowed    []string
	Disallowed []string
}

func (f RoleFilter) permits(name string) bool {
	if len(f.Disallowed) > 0 {
		for _, d := range f.Disallowed {
			if d == name {
				return false
			}
		}
	}
	if len(f.Allowed) == 0 {
		return true
	}
	for _, a := range f.Allowed {
		if a == name {
			return true
		}
	}
	return false
}

// VisibleTools returns the descriptors the provider's tool list should
// include for this role filter: role-permitted, and not currently hidden
// under deferred expansion (Hidden tools are resolvable but omitted here).
func (r *Registry) VisibleTools(filter RoleFilter) []Descriptor {
	r.mu.RLock()
	snapshot := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		snapshot = append(snapshot, e.descriptor)
	}
	r.mu.RUnlock()

	r.expandedMu.Lock()
	expanded := make(map[string]bool, len(r.expanded))
	for k, v := range r.expanded {
		expanded[k] = v
	}
	r.expandedMu.Unlock()

	var out []Descriptor
	for _, d := range snapshot {
		if !filter.permits(d.Name) {
			continue
		}
		if d.Deferred == DeferredHidden && !expanded[d.Name] {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MarkExpanded flips a hidden tool to expanded for the remainder of the
// session. One-way: calling it again, or on a tool that was never hidden,
// is a no-op.
func (r *Registry) MarkExpanded(name string) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok || e.descriptor.Deferred != DeferredHidden {
		return
	}
	r.expandedMu.Lock()
	defer r.expandedMu.Unlock()
	r.expanded[name] = true
}

// IsExpanded reports whether a previously hidden tool has been expanded.
func (r *Registry) IsExpanded(name string) bool {
	r.expandedMu.Lock()
	defer r.expandedMu.Unlock()
	return r.expanded[name]
}

// ExtractPaths returns the touched paths for a call, defaulting to the
// project root when the tool declares no extractor, per spec.md §4.3.
func (r *Registry) ExtractPaths(name string, args map[string]any, projectRoot string) []string {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok || e.descriptor.ExtractPaths == nil {
		return []string{projectRoot}
	}
	paths := e.descriptor.ExtractPaths(args)
	if len(paths) == 0 {
		return []string{projectRoot}
	}
	return paths
}

// DeferredThreshold is the default tool count above which newly-registered
// non-essential tools should be marked Hidden, per spec.md §4.2.
const DeferredThreshold = 15

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// toolSearchName is the reserved built-in discovery tool for hidden tools.
const toolSearchName = "tool_search"

// RegisterToolSearch installs the built-in fuzzy-match discovery tool over
// every currently-hidden descriptor. It must be called after the bulk of a
// session's tools are registered.
func (r *Registry) RegisterToolSearch() error {
	d := Descriptor{
		Name:        toolSearchName,
		Description: "Search hidden tools by name or description fragment.",
		Permission:  ReadOnly,
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"query": map[string]any{"type": "string"}},
			"required":   []string{"query"},
		},
	}
	return r.Register(d, func(ctx context.Context, args map[string]any) (any, error) {
		q, _ := args["query"].(string)
		q = strings.ToLower(strings.TrimSpace(q))
		r.mu.RLock()
		defer r.mu.RUnlock()
		var matches []string
		for _, e := range r.entries {
			if e.descriptor.Deferred != DeferredHidden {
				continue
			}
			hay := strings.ToLower(e.descriptor.Name + " " + e.descriptor.Description)
			if q == "" || strings.Contains(hay, q) {
				matches = append(matches, e.descriptor.Name)
			}
		}
		sort.Strings(matches)
		return matches, nil
	})
}
