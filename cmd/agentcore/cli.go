// Package main defines the CLI structure using kong.
package main

import "github.com/alecthomas/kong"

// CLI is the agentcore entry point: run a single turn end to end, wired
// against a real ProviderStream, ToolRegistry, PermissionGate, HookRunner,
// ContextManager, and SubagentManager.
type CLI struct {
	Run     RunCmd     `cmd:"" help:"Run a single turn" default:"1"`
	Version VersionCmd `cmd:"" help:"Show version information"`
}

// RunCmd drives one turn against a prompt.
type RunCmd struct {
	Prompt      string `arg:"" help:"User prompt for the turn"`
	Config      string `short:"c" help:"Config file path" default:"agentcore.toml"`
	Workspace   string `short:"w" help:"Project root tools operate against"`
	Profile     string `short:"p" help:"Routing profile to use for this turn"`
	SessionDir  string `help:"Directory session JSONL logs are written to" default:".agentcore/sessions"`
	TrustMode   string `help:"Override trust.mode for this run"`
	Interactive bool   `short:"i" help:"After the first turn, keep reading further prompts from stdin"`
}

// VersionCmd prints build metadata.
type VersionCmd struct{}

func kongVars() kong.Vars {
	return kong.Vars{"version": version}
}
