// Package main is the entry point for the agentcore turn-driving CLI: it
// wires ToolRegistry, PermissionGate, HookRunner, ContextManager,
// SubagentManager and TurnDriver together over a real provider and runs
// one or more turns against a project root.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/agentcore/core/internal/builtin"
	"github.com/agentcore/core/internal/config"
	"github.com/agentcore/core/internal/contextmgr"
	"github.com/agentcore/core/internal/credentials"
	"github.com/agentcore/core/internal/hooks"
	"github.com/agentcore/core/internal/llm"
	"github.com/agentcore/core/internal/llm/anthropic"
	"github.com/agentcore/core/internal/llm/gemini"
	"github.com/agentcore/core/internal/llm/openai"
	"github.com/agentcore/core/internal/logging"
	"github.com/agentcore/core/internal/memory"
	"github.com/agentcore/core/internal/permission"
	"github.com/agentcore/core/internal/security"
	"github.com/agentcore/core/internal/session"
	"github.com/agentcore/core/internal/skills"
	"github.com/agentcore/core/internal/subagent"
	"github.com/agentcore/core/internal/tools"
	"github.com/agentcore/core/internal/turn"
)

// Build-time variables (set via ldflags)
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	_ = godotenv.Load()

	var cli CLI
	parser := kong.Must(&cli, kongVars(), kong.Name("agentcore"),
		kong.Description("Run turns against the agent execution core."))
	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	switch ctx.Command() {
	case "run <prompt>":
		runCommand(cli.Run)
	case "version":
		fmt.Printf("agentcore version %s (commit: %s, built: %s)\n", version, commit, buildTime)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", ctx.Command())
		os.Exit(1)
	}
}

func runCommand(cmd RunCmd) {
	logger := logging.New().WithComponent("agentcore")

	cfg, err := config.LoadFile(cmd.Config)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
			os.Exit(1)
		}
		cfg = config.Default()
	}

	creds, _, err := credentials.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to load credentials.toml: %v\n", err)
	}
	creds.Apply()

	root := cmd.Workspace
	if root == "" {
		root = cfg.Agent.Workspace
	}
	if root == "" {
		root, _ = os.Getwd()
	}
	root, err = filepath.Abs(root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error resolving workspace: %v\n", err)
		os.Exit(1)
	}

	registry := tools.New()
	if err := builtin.Register(registry, root); err != nil {
		fmt.Fprintf(os.Stderr, "error registering builtin tools: %v\n", err)
		os.Exit(1)
	}
	if err := registry.RegisterToolSearch(); err != nil {
		fmt.Fprintf(os.Stderr, "error registering tool_search: %v\n", err)
		os.Exit(1)
	}

	factory := newProviderFactory(cfg, creds)
	provider, err := factory.GetProvider(cmd.Profile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error resolving provider: %v\n", err)
		os.Exit(1)
	}

	ctxMgrCfg := contextmgr.DefaultConfig()
	ctxMgrCfg.ContextWindow = provider.Info().ContextWindow
	ctxMgrCfg.SummaryProvider = provider
	ctxMgr := contextmgr.New(ctxMgrCfg)

	gate := permission.New()
	hookConfigs := buildHooks(cfg.Hooks)
	if cfg.HooksFile != "" {
		if fileHooks, err := hooks.LoadFile(cfg.HooksFile); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load hooks file %s: %v\n", cfg.HooksFile, err)
		} else {
			hookConfigs = append(hookConfigs, fileHooks...)
		}
	}
	hookRunner := hooks.New(hookConfigs, logger.WithComponent("hooks"))
	if cfg.HooksFile != "" {
		if err := hookRunner.WatchFile(context.Background(), cfg.HooksFile); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to watch hooks file %s: %v\n", cfg.HooksFile, err)
		}
	}

	sink, err := session.NewFileSink(cmd.SessionDir, "agentcore-cli", map[string]string{"prompt": cmd.Prompt})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating session sink: %v\n", err)
		os.Exit(1)
	}

	var verifier *security.Verifier
	if cfg.Security.Mode != "" {
		mode := security.ModeDefault
		if cfg.Security.Mode == "paranoid" {
			mode = security.ModeParanoid
		}
		userTrust := security.TrustUntrusted
		switch cfg.Security.UserTrust {
		case "trusted":
			userTrust = security.TrustTrusted
		case "vetted":
			userTrust = security.TrustVetted
		}
		verifier = security.NewVerifier(security.Config{
			Mode: mode, UserTrust: userTrust,
			SupervisorProvider: provider, Logger: logger.WithComponent("security"),
		}, sink.ID())
	}

	deps := turn.Deps{
		Approvals:   stdinApprover{},
		Credentials: creds,
		Verifier:    verifier,
		Sink:        sink,
	}
	driver := turn.New(registry, gate, hookRunner, ctxMgr, factory, deps, logger.WithComponent("turn"))

	subagents := subagent.New(driver, 8, 3)
	if cfg.Events.NatsURL != "" {
		if nc, err := nats.Connect(cfg.Events.NatsURL); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to connect to nats at %s: %v\n", cfg.Events.NatsURL, err)
		} else {
			defer nc.Close()
			subject := cfg.Events.Subject
			if subject == "" {
				subject = "agentcore.subagent.status"
			}
			subagents.WithStatusBus(nc, subject)
		}
	}
	_ = subagents // available to tools that spawn children; no such tool is registered yet

	mem := openMemoryBackend(cfg, provider)
	defer func() { _ = mem.store.Close() }()

	runCfg := buildRunConfig(cfg, cmd, root)
	runCfg.SystemPrompt = buildSystemPrompt(cfg)

	events := make(chan session.Event, 64)
	done := make(chan struct{})
	go printEvents(events, done)

	thread := &contextmgr.Thread{}
	background := context.Background()
	outcome := runOneTurn(background, driver, thread, withRecalledMemory(background, mem.store, cmd.Prompt), runCfg, events)
	mem.remember(background, sink.ID(), cmd.Prompt, outcome.Text)

	if cmd.Interactive {
		reader := bufio.NewReader(os.Stdin)
		for {
			fmt.Print("\n> ")
			line, readErr := reader.ReadString('\n')
			line = strings.TrimSpace(line)
			if readErr != nil || line == "exit" || line == "quit" {
				break
			}
			if line == "" {
				continue
			}
			outcome := runOneTurn(background, driver, thread, withRecalledMemory(background, mem.store, line), runCfg, events)
			mem.remember(background, sink.ID(), line, outcome.Text)
		}
	}

	close(events)
	<-done

	if err := sink.Close(session.StatusComplete, "", ""); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to close session: %v\n", err)
	}
}

// memoryBackend bundles the durable memory Store with the LLM-backed
// observation extractor, when the backend supports it, so each turn's
// output can be distilled into findings/insights/lessons rather than
// remembered as a raw prompt string.
type memoryBackend struct {
	store     memory.Store
	extractor *memory.ObservationExtractor
	obsStore  *memory.BleveObservationStore
}

// openMemoryBackend opens the configured durable memory backend (Bleve,
// under storage.path) or falls back to a process-lifetime in-memory store
// when storage.persist_memory is off. provider drives observation
// extraction when the backend is Bleve-based.
func openMemoryBackend(cfg *config.Config, provider llm.Provider) memoryBackend {
	if cfg.Storage.PersistMemory && cfg.Storage.Path != "" {
		base := expandHome(cfg.Storage.Path)
		store, err := memory.NewBleveStore(memory.BleveStoreConfig{BasePath: filepath.Join(base, "memory")})
		if err == nil {
			return memoryBackend{
				store:     store,
				extractor: memory.NewObservationExtractor(provider),
				obsStore:  memory.NewBleveObservationStore(store),
			}
		}
		fmt.Fprintf(os.Stderr, "warning: falling back to in-memory store: %v\n", err)
	}
	return memoryBackend{store: memory.NewInMemoryStore(nil)}
}

// remember distills turnOutput into findings/insights/lessons when the
// backend supports extraction, otherwise falls back to storing prompt
// verbatim.
func (m memoryBackend) remember(ctx context.Context, sessionID, prompt, turnOutput string) {
	if m.extractor != nil && m.obsStore != nil {
		obs, err := m.extractor.Extract(ctx, sessionID, "user_turn", turnOutput)
		if err == nil && obs != nil {
			if err := m.obsStore.StoreObservation(ctx, obs); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to store observation: %v\n", err)
			}
			return
		}
	}
	if err := m.store.Remember(ctx, prompt, memory.MemoryMetadata{Source: "session:" + sessionID}); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to record memory: %v\n", err)
	}
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// withRecalledMemory prepends any memories relevant to prompt so the model
// sees lessons/findings carried over from earlier sessions, per the
// SharedContext brief's MemoryExcerpt concept.
func withRecalledMemory(ctx context.Context, store memory.Store, prompt string) string {
	results, err := store.Recall(ctx, prompt, memory.RecallOpts{Limit: 5, MinScore: 0.2})
	if err != nil || len(results) == 0 {
		return prompt
	}
	var b strings.Builder
	b.WriteString("Relevant memory from earlier sessions:\n")
	for _, r := range results {
		fmt.Fprintf(&b, "- %s\n", r.Content)
	}
	b.WriteString("\n")
	b.WriteString(prompt)
	return b.String()
}

// buildSystemPrompt assembles the base system prompt plus a summary of
// every discoverable Agent Skill, so the model knows what's available
// before deciding whether to read a skill's full instructions.
func buildSystemPrompt(cfg *config.Config) string {
	var b strings.Builder
	b.WriteString("You are agentcore, a terminal coding assistant.\n")
	for _, dir := range cfg.Skills.Paths {
		refs, err := skills.Discover(expandHome(dir))
		if err != nil {
			continue
		}
		for _, ref := range refs {
			fmt.Fprintf(&b, "Skill %q available at %s: %s\n", ref.Name, ref.Path, ref.Description)
		}
	}
	return b.String()
}

func runOneTurn(ctx context.Context, driver *turn.Driver, thread *contextmgr.Thread, prompt string, cfg turn.RunConfig, events chan<- session.Event) turn.Outcome {
	outcome, err := driver.RunStreaming(ctx, thread, prompt, cfg, events)
	if err != nil {
		fmt.Fprintf(os.Stderr, "\nturn failed: %v\n", err)
		return outcome
	}
	switch outcome.Status {
	case turn.Cancelled:
		fmt.Fprintln(os.Stderr, "\nturn cancelled")
	case turn.FailedFatal:
		fmt.Fprintf(os.Stderr, "\nturn failed: %s\n", outcome.Reason)
	}
	return outcome
}

func printEvents(events <-chan session.Event, done chan<- struct{}) {
	defer close(done)
	for ev := range events {
		switch ev.Kind {
		case session.TextDelta:
			fmt.Print(ev.Content)
		case session.ToolCallStart:
			fmt.Fprintf(os.Stderr, "\n[tool] %s...\n", ev.Tool)
		case session.ApprovalRequest:
			fmt.Fprintf(os.Stderr, "[approval requested] %s\n", ev.Tool)
		case session.Retrying:
			attempt := 0
			if ev.Meta != nil {
				attempt = ev.Meta.Attempt
			}
			fmt.Fprintf(os.Stderr, "[retrying, attempt %d]\n", attempt)
		case session.TurnComplete:
			fmt.Println()
		}
	}
}

// stdinApprover asks on stdin/stderr for each Ask-tier tool call, in the
// teacher's style of a plain blocking terminal prompt rather than a TUI.
type stdinApprover struct{}

func (stdinApprover) RequestApproval(ctx context.Context, pending turn.PendingApproval) (turn.ApprovalDecision, error) {
	fmt.Fprintf(os.Stderr, "\nApprove %s on %v? [y/N/a=always] ", pending.Call.Name, pending.Call.Paths)
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	line = strings.ToLower(strings.TrimSpace(line))
	switch line {
	case "y", "yes":
		return turn.ApprovalDecision{Accept: true}, nil
	case "a", "always":
		return turn.ApprovalDecision{Accept: true, Always: true}, nil
	default:
		return turn.ApprovalDecision{Accept: false}, nil
	}
}

func buildRunConfig(cfg *config.Config, cmd RunCmd, root string) turn.RunConfig {
	rc := turn.DefaultRunConfig()
	rc.ProjectRoot = root
	rc.Profile = cmd.Profile

	if cfg.Turn.MaxSteps > 0 {
		rc.MaxSteps = cfg.Turn.MaxSteps
	}
	if cfg.Turn.Fanout > 0 {
		rc.Fanout = cfg.Turn.Fanout
	}
	if cfg.Turn.MaxRetries > 0 {
		rc.MaxRetries = cfg.Turn.MaxRetries
	}
	if cfg.Turn.RetryInitialMs > 0 {
		rc.RetryInitial = time.Duration(cfg.Turn.RetryInitialMs) * time.Millisecond
	}
	if cfg.Turn.RetryMaxMs > 0 {
		rc.RetryMax = time.Duration(cfg.Turn.RetryMaxMs) * time.Millisecond
	}
	if cfg.Turn.MaxTokens > 0 {
		rc.MaxTokens = cfg.Turn.MaxTokens
	}
	rc.AllowedTools = cfg.Turn.AllowedTools
	rc.DisallowedTools = cfg.Turn.DisallowedTools

	rc.RoutingEnabled = cfg.Routing.Enabled
	rc.RoutingTiers = turn.TierModels{Low: cfg.Routing.Low, Medium: cfg.Routing.Medium, High: cfg.Routing.High}

	mode := cmd.TrustMode
	if mode == "" {
		mode = cfg.Trust.Mode
	}
	rc.Trust = permission.Config{
		Mode:              parseTrustMode(mode),
		AllowTools:        cfg.Trust.AllowTools,
		AllowPaths:        cfg.Trust.AllowPaths,
		DenyTools:         cfg.Trust.DenyTools,
		DenyPaths:         cfg.Trust.DenyPaths,
		AlwaysAsk:         cfg.Trust.AlwaysAsk,
		RememberApprovals: cfg.Trust.RememberApprovals,
	}
	return rc
}

func parseTrustMode(s string) permission.TrustMode {
	switch strings.ToLower(s) {
	case "limited":
		return permission.Limited
	case "auto_edit", "autoedit", "auto-edit":
		return permission.AutoEdit
	case "full":
		return permission.Full
	default:
		return permission.Off
	}
}

func buildHooks(configured []config.HookConfig) []hooks.Config {
	out := make([]hooks.Config, 0, len(configured))
	for _, h := range configured {
		out = append(out, hooks.Config{
			Event:          hooks.Event(h.Event),
			Kind:           hooks.Kind(h.Kind),
			MatchPattern:   h.MatchPattern,
			ToolNameFilter: h.ToolNameFilter,
			Command:        h.Command,
			Timeout:        time.Duration(h.TimeoutSeconds) * time.Second,
			Block:          h.Block,
		})
	}
	return out
}

// providerFactory resolves a routing profile to a concrete llm.Provider,
// built from the configured Profiles map (falling back to the default
// LLM config), grounded on the teacher's llm.NewProvider dispatch.
type providerFactory struct {
	cfg   *config.Config
	creds *credentials.Credentials
}

func newProviderFactory(cfg *config.Config, creds *credentials.Credentials) *providerFactory {
	return &providerFactory{cfg: cfg, creds: creds}
}

func (f *providerFactory) GetProvider(profile string) (llm.Provider, error) {
	llmCfg := f.cfg.GetProfile(profile)
	if llmCfg.Model == "" {
		return nil, fmt.Errorf("no model configured for profile %q", profile)
	}
	providerName := llmCfg.Provider
	if providerName == "" {
		providerName = inferProviderFromModel(llmCfg.Model)
	}
	apiKey := f.cfg.GetProfileAPIKey(profile)
	if apiKey == "" {
		if envKey, ok := f.creds.Get(providerName); ok {
			apiKey = envKey
		} else if envVar := config.DefaultAPIKeyEnv(providerName); envVar != "" {
			apiKey = os.Getenv(envVar)
		}
	}

	switch providerName {
	case credentials.Anthropic:
		return anthropic.New(llmCfg.Model, apiKey), nil
	case credentials.OpenAI:
		return openai.New(llmCfg.Model, apiKey), nil
	case credentials.Google:
		return gemini.New(llmCfg.Model, apiKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider %q for model %q", providerName, llmCfg.Model)
	}
}

func inferProviderFromModel(model string) string {
	switch {
	case strings.HasPrefix(model, "claude"):
		return credentials.Anthropic
	case strings.HasPrefix(model, "gpt") || strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3"):
		return credentials.OpenAI
	case strings.HasPrefix(model, "gemini"):
		return credentials.Google
	default:
		return ""
	}
}
