// Package hooks implements HookRunner: lifecycle hook resolution and
// invocation with the block/feedback exit-code semantics of spec.md §4.7.
//
// Grounded on internal/supervision/supervisor.go's two-stage pattern: a
// cheap static check before an expensive call (there, Reconcile before
// Supervise; here, pattern/glob matching before spawning a subprocess or
// LLM-mediated hook), and its human-in-the-loop channel handling for the
// prompt/agent hook kinds.
package hooks

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/agentcore/core/internal/logging"
)

// Event is a lifecycle point hooks can be configured against.
type Event string

const (
	UserPromptSubmit  Event = "user_prompt_submit"
	PreToolUse        Event = "pre_tool_use"
	PostToolUse       Event = "post_tool_use"
	PostToolUseFailed Event = "post_tool_use_failure"
	AfterEdit         Event = "after_edit"
	AfterTurn         Event = "after_turn"
	TeammateIdle      Event = "teammate_idle"
	TaskCompleted     Event = "task_completed"
)

// Kind is how a hook is carried out.
type Kind string

const (
	KindCommand Kind = "command"
	KindPrompt  Kind = "prompt"
	KindAgent   Kind = "agent"
)

// Config is one configured hook.
type Config struct {
	Event          Event
	Kind           Kind
	MatchPattern   string // suffix glob (*.rs), substring (src/), or comma-list
	ToolNameFilter string
	Command        string
	Timeout        time.Duration
	Block          bool

	// PromptRunner/AgentRunner back Kind=Prompt/Kind=Agent hooks. Nil means
	// "no fallback configured", which fails closed per spec.md §4.7.
	PromptRunner func(ctx context.Context, payload Payload) (Result, error)
	AgentRunner  func(ctx context.Context, payload Payload) (Result, error)
}

// Payload is what's handed to a hook invocation.
type Payload struct {
	ToolName string
	Args     map[string]any
	File     string // for after_edit, the edited path
	Extra    map[string]string
}

// Result is the outcome of one hook invocation, per spec.md §4.7.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Kind     Kind
}

// Outcome is HookRunner's digest of running every matching hook for an
// event: whether execution should be blocked, and any feedback text to
// surface back into the agent loop.
type Outcome struct {
	Blocked  bool
	Feedback string
	Results  []Result
}

// Runner resolves and executes hooks. hooks is swapped wholesale under mu
// when a watched definitions file changes, so Run never observes a
// half-updated list.
type Runner struct {
	mu     sync.RWMutex
	hooks  []Config
	logger *logging.Logger
}

// New creates a HookRunner over a fixed hook list.
func New(hooks []Config, logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.New().WithComponent("hooks")
	}
	return &Runner{hooks: hooks, logger: logger}
}

// fileHook is the on-disk shape of one entry in a hook definitions file,
// mirroring Config's exported fields (PromptRunner/AgentRunner have no
// serializable form and stay nil for file-loaded hooks).
type fileHook struct {
	Event          string `yaml:"event"`
	Kind           string `yaml:"kind"`
	MatchPattern   string `yaml:"match_pattern"`
	ToolNameFilter string `yaml:"tool_name_filter"`
	Command        string `yaml:"command"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Block          bool   `yaml:"block"`
}

// LoadFile parses a YAML hook definitions file, separate from the main
// agentcore.toml config, so hook sets can be authored and hot-reloaded
// independently of the rest of the configuration.
func LoadFile(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hooks: read %s: %w", path, err)
	}
	var parsed struct {
		Hooks []fileHook `yaml:"hooks"`
	}
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("hooks: parse %s: %w", path, err)
	}
	out := make([]Config, 0, len(parsed.Hooks))
	for _, h := range parsed.Hooks {
		out = append(out, Config{
			Event:          Event(h.Event),
			Kind:           Kind(h.Kind),
			MatchPattern:   h.MatchPattern,
			ToolNameFilter: h.ToolNameFilter,
			Command:        h.Command,
			Timeout:        time.Duration(h.TimeoutSeconds) * time.Second,
			Block:          h.Block,
		})
	}
	return out, nil
}

// WatchFile reloads the runner's hook set from path whenever it changes on
// disk, until ctx is cancelled. A malformed reload is logged and skipped,
// leaving the previous hook set in effect.
func (r *Runner) WatchFile(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("hooks: watch %s: %w", path, err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("hooks: watch %s: %w", path, err)
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				hooks, err := LoadFile(path)
				if err != nil {
					r.logger.Warn("hook reload failed", map[string]interface{}{"path": path, "error": err.Error()})
					continue
				}
				r.replace(hooks)
				r.logger.Info("hooks reloaded", map[string]interface{}{"path": path, "count": len(hooks)})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("hook watch error", map[string]interface{}{"error": err.Error()})
			}
		}
	}()
	return nil
}

func (r *Runner) replace(hooks []Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = hooks
}

// matching returns the hooks registered for an event whose filters pass.
func (r *Runner) matching(event Event, payload Payload) []Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Config
	for _, h := range r.hooks {
		if h.Event != event {
			continue
		}
		if h.ToolNameFilter != "" && h.ToolNameFilter != payload.ToolName {
			continue
		}
		if h.MatchPattern != "" && payload.File != "" && !matchPattern(h.MatchPattern, payload.File) {
			continue
		}
		out = append(out, h)
	}
	return out
}

// matchPattern supports suffix globs (*.rs), substring (src/), and
// comma-lists of either, per spec.md §4.7.
func matchPattern(pattern, file string) bool {
	for _, p := range strings.Split(pattern, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.HasPrefix(p, "*.") {
			if filepath.Ext(file) == p[1:] {
				return true
			}
			continue
		}
		if strings.Contains(file, p) {
			return true
		}
	}
	return false
}

// Run invokes every hook matching event, applying block/feedback semantics.
// Exit code 2 is interpreted as "feedback, keep working" only for
// TeammateIdle and TaskCompleted; everywhere else a non-zero exit is a
// plain failure (spec.md §4.7 / §9).
func (r *Runner) Run(ctx context.Context, event Event, payload Payload) Outcome {
	var out Outcome
	for _, h := range r.matching(event, payload) {
		res, err := r.invoke(ctx, h, payload)
		if err != nil {
			r.logger.Warn("hook invocation error", map[string]interface{}{"event": string(event), "error": err.Error()})
			if h.Block {
				out.Blocked = true
				out.Feedback = err.Error()
			}
			continue
		}
		out.Results = append(out.Results, res)

		if feedbackEligible(event) && res.ExitCode == 2 {
			out.Feedback = res.Stderr
			continue
		}
		if res.ExitCode != 0 && h.Block {
			out.Blocked = true
			out.Feedback = res.Stderr
		}
	}
	return out
}

func feedbackEligible(event Event) bool {
	return event == TeammateIdle || event == TaskCompleted
}

func (r *Runner) invoke(ctx context.Context, h Config, payload Payload) (Result, error) {
	switch h.Kind {
	case KindCommand:
		return r.invokeCommand(ctx, h, payload)
	case KindPrompt:
		if h.PromptRunner == nil {
			return failClosed(KindPrompt), nil
		}
		return h.PromptRunner(ctx, payload)
	case KindAgent:
		if h.AgentRunner == nil {
			return failClosed(KindAgent), nil
		}
		return h.AgentRunner(ctx, payload)
	default:
		return Result{}, nil
	}
}

// failClosed realizes spec.md §4.7's "prompt and agent kinds without a
// fallback command fail closed" rule.
func failClosed(kind Kind) Result {
	return Result{ExitCode: 1, Stderr: "no fallback configured for " + string(kind) + " hook", Kind: kind}
}

func (r *Runner) invokeCommand(ctx context.Context, h Config, payload Payload) (Result, error) {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	command := expandPlaceholders(h.Command, payload)
	cmd := exec.CommandContext(cmdCtx, "sh", "-c", command)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String(), Kind: KindCommand}

	if cmdCtx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.ExitCode = -1
		return res, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if err != nil {
		return res, err
	}
	return res, nil
}

func expandPlaceholders(command string, payload Payload) string {
	command = strings.ReplaceAll(command, "{file}", payload.File)
	command = strings.ReplaceAll(command, "{tool}", payload.ToolName)
	return command
}
