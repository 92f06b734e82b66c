// Package turn implements TurnDriver: the component that runs one
// conversational turn end to end — prompt assembly, provider streaming,
// tool-call orchestration, retry, compaction, and event emission — per
// spec.md §4.1.
//
// Grounded on internal/executor/executor.go's COMMIT/EXECUTE step loop
// (the model for the per-step retry/dispatch structure) and
// internal/executor/tools.go's executeToolsParallel (the ordering-preserving
// concurrent dispatch that becomes the ReadOnly fan-out primitive).
package turn

import (
	"time"

	"github.com/agentcore/core/internal/credentials"
	"github.com/agentcore/core/internal/permission"
	"github.com/agentcore/core/internal/security"
)

// RunConfig is the per-turn configuration a caller (CLI, subagent manager)
// supplies to Driver.Run, per spec.md §4.1's run_turn(thread, user_input,
// run_config) contract.
type RunConfig struct {
	SystemPrompt    string
	Model           string
	Profile         string // routing profile passed to llm.ProviderFactory when Model is empty
	MaxSteps        int
	ReadOnly        bool
	AllowedTools    []string
	DisallowedTools []string

	Trust permission.Config

	// RoutingEnabled turns on the keyword-tier classifier from spec.md
	// §4.1.b. When false, Model/Profile are used as given.
	RoutingEnabled bool
	RoutingTiers   TierModels

	Fanout       int           // ReadOnly concurrency limit, default 8 per spec.md §5
	MaxRetries   int           // default 3
	RetryInitial time.Duration // default 500ms
	RetryMax     time.Duration // default 20s
	MaxTokens    int

	ProjectRoot string // fallback "touched path" for tools with no ExtractPaths
}

// TierModels maps a routing tier to a concrete model name.
type TierModels struct {
	Low    string
	Medium string
	High   string
}

// DefaultRunConfig returns spec.md's source-observed defaults layered onto
// an otherwise-empty RunConfig.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		MaxSteps:     25,
		Fanout:       8,
		MaxRetries:   3,
		RetryInitial: 500 * time.Millisecond,
		RetryMax:     20 * time.Second,
		MaxTokens:    4096,
	}
}

// Deps bundles the outbound ports and sibling components Driver needs.
// Everything except Registry, Gate, Hooks, Context, and Providers is
// optional and degrades to a no-op when nil.
type Deps struct {
	Approvals   ApprovalRequester  // required when a turn can reach Ask; nil auto-denies
	Credentials credentials.Port   // optional: 429 rotation, spec.md §4.1.d
	Verifier    *security.Verifier // optional: SPEC_FULL.md §C.1 taint tiering
	Sink        EventSink          // optional: durable append, spec.md §6
}
