package turn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentcore/core/internal/contextmgr"
	"github.com/agentcore/core/internal/coreerr"
	"github.com/agentcore/core/internal/hooks"
	"github.com/agentcore/core/internal/llm"
	"github.com/agentcore/core/internal/logging"
	"github.com/agentcore/core/internal/permission"
	"github.com/agentcore/core/internal/session"
	"github.com/agentcore/core/internal/tools"
)

var tracer = otel.Tracer("github.com/agentcore/core/internal/turn")

// Status is the terminal classification of a run_turn call, per spec.md §4.1.
type Status string

const (
	Completed   Status = "completed"
	Cancelled   Status = "cancelled"
	FailedFatal Status = "failed_fatal"
)

// Outcome is what Driver.Run returns.
type Outcome struct {
	Status Status
	Usage  llm.Usage
	Reason string // populated on FailedFatal
	Text   string // the final assistant message's text, if any
}

// PendingApproval is what's handed to an ApprovalRequester for an Ask
// decision.
type PendingApproval struct {
	Call     permission.Call
	ToolCall llm.ToolCall
}

// ApprovalDecision is the UI's answer to a PendingApproval.
type ApprovalDecision struct {
	Accept bool
	Always bool
}

// ApprovalRequester is the bound callback spec.md §6 describes: the UI
// consumes ApprovalRequest events and posts ApprovalResolved back through
// it. A nil Deps.Approvals auto-denies every Ask, fail-safe.
type ApprovalRequester interface {
	RequestApproval(ctx context.Context, pending PendingApproval) (ApprovalDecision, error)
}

// EventSink is the narrow slice of session.Sink Driver needs: durable,
// idempotent per-event append, per spec.md §6's SessionSink port.
type EventSink interface {
	Append(event session.Event) error
}

// Driver runs turns against a ToolRegistry, PermissionGate, HookRunner, and
// ContextManager, per spec.md §4.1.
type Driver struct {
	Registry  *tools.Registry
	Gate      *permission.Gate
	Hooks     *hooks.Runner
	Context   *contextmgr.Manager
	Providers llm.ProviderFactory
	Deps      Deps
	Logger    *logging.Logger
}

// New creates a Driver. Registry, Gate, Hooks, Context, and Providers are
// required; Deps fields are individually optional.
func New(registry *tools.Registry, gate *permission.Gate, hookRunner *hooks.Runner, ctxMgr *contextmgr.Manager, providers llm.ProviderFactory, deps Deps, logger *logging.Logger) *Driver {
	if logger == nil {
		logger = logging.New().WithComponent("turn")
	}
	return &Driver{Registry: registry, Gate: gate, Hooks: hookRunner, Context: ctxMgr, Providers: providers, Deps: deps, Logger: logger}
}

// Run executes one full turn: steps 1-3 of spec.md §4.1's algorithm. Run
// streams no live events: they go to Deps.Sink only. RunStreaming attaches
// a bounded outbound channel and blocks sending to it when the channel is
// full, applying spec.md §5's backpressure rule.
func (d *Driver) Run(ctx context.Context, thread *contextmgr.Thread, userInput string, cfg RunConfig) (Outcome, error) {
	return d.run(ctx, thread, userInput, cfg, nil)
}

// RunStreaming is Run with a live event channel attached.
func (d *Driver) RunStreaming(ctx context.Context, thread *contextmgr.Thread, userInput string, cfg RunConfig, events chan<- session.Event) (Outcome, error) {
	return d.run(ctx, thread, userInput, cfg, events)
}

func (d *Driver) run(ctx context.Context, thread *contextmgr.Thread, userInput string, cfg RunConfig, events chan<- session.Event) (Outcome, error) {
	cfg = applyDefaults(cfg)

	ctx, span := tracer.Start(ctx, "turn.run")
	defer span.End()

	thread.Append(llm.Message{Role: llm.RoleUser, Parts: []llm.Part{{Kind: llm.PartText, Text: userInput}}})
	d.emit(ctx, events, session.Event{Kind: session.UserSubmitted, Content: userInput})
	d.runHook(ctx, hooks.UserPromptSubmit, hooks.Payload{Extra: map[string]string{"input": userInput}})

	var turnUsage llm.Usage
	var lastText string

	for step := 0; step < cfg.MaxSteps; step++ {
		stepOutcome, text, usage, err := d.runStep(ctx, thread, cfg, events, step)
		turnUsage = turnUsage.Add(usage)
		if text != "" {
			lastText = text
		}
		if err != nil {
			if coreerr.Is(err, coreerr.Cancelled) {
				return Outcome{Status: Cancelled, Usage: turnUsage}, nil
			}
			return Outcome{Status: FailedFatal, Usage: turnUsage, Reason: err.Error()}, err
		}
		d.emit(ctx, events, session.Event{Kind: session.Usage, Meta: &session.Meta{TokensIn: turnUsage.InputTokens, TokensOut: turnUsage.OutputTokens}})
		if stepOutcome == stepDone {
			break
		}
	}

	if ctx.Err() != nil {
		return Outcome{Status: Cancelled, Usage: turnUsage}, nil
	}

	afterTurn := d.runHook(ctx, hooks.AfterTurn, hooks.Payload{})
	if afterTurn.Blocked {
		d.Logger.Warn("after_turn hook blocked, turn still reported complete", map[string]interface{}{"feedback": afterTurn.Feedback})
	}
	d.emit(ctx, events, session.Event{Kind: session.TurnComplete})
	return Outcome{Status: Completed, Usage: turnUsage, Text: lastText}, nil
}

type stepResult int

const (
	stepContinue stepResult = iota
	stepDone
)

// runStep implements one iteration of spec.md §4.1's step loop: request
// assembly (2a), routing (2b), provider streaming with retry (2c/2d),
// termination check (2e), and tool dispatch (2f/2g).
func (d *Driver) runStep(ctx context.Context, thread *contextmgr.Thread, cfg RunConfig, events chan<- session.Event, step int) (stepResult, string, llm.Usage, error) {
	ctx, span := tracer.Start(ctx, "turn.step", trace.WithAttributes(attribute.Int("turn.step", step)))
	defer span.End()

	d.assembleContext(ctx, thread, cfg, events)

	model := cfg.Model
	if cfg.RoutingEnabled && model == "" {
		tier := ClassifyTier(threadLastUserText(thread))
		model = tier.Model(cfg.RoutingTiers)
		d.emit(ctx, events, session.Event{Kind: session.RoutedModel, Content: string(tier), Meta: &session.Meta{Model: model}})
	}

	provider, err := d.Providers.GetProvider(cfg.Profile)
	if err != nil {
		return stepDone, "", llm.Usage{}, coreerr.Wrap(coreerr.ProviderFatal, "resolve provider", err)
	}

	filter := tools.RoleFilter{Allowed: cfg.AllowedTools, Disallowed: cfg.DisallowedTools}
	visible := d.Registry.VisibleTools(filter)
	if cfg.ReadOnly {
		visible = onlyReadOnly(visible)
	}
	req := llm.Request{
		SystemPrompt: cfg.SystemPrompt,
		Messages:     thread.Messages,
		Tools:        toolDefs(visible),
		Model:        model,
		MaxTokens:    cfg.MaxTokens,
	}

	assistantText, thinkingText, calls, usage, finish, err := d.streamWithRetry(ctx, provider, req, cfg, events)
	if err != nil {
		return stepDone, "", usage, err
	}

	assistantMsg := llm.Message{Role: llm.RoleAssistant}
	if thinkingText != "" {
		assistantMsg.Parts = append(assistantMsg.Parts, llm.Part{Kind: llm.PartThinking, Text: thinkingText})
	}
	if assistantText != "" {
		assistantMsg.Parts = append(assistantMsg.Parts, llm.Part{Kind: llm.PartText, Text: assistantText})
	}
	for _, c := range calls {
		cc := c
		assistantMsg.Parts = append(assistantMsg.Parts, llm.Part{Kind: llm.PartToolCall, ToolCall: &cc})
	}

	if len(calls) == 0 {
		thread.Append(assistantMsg)
		d.Logger.Debug("step finished with no tool calls", map[string]interface{}{"finish_reason": string(finish)})
		return stepDone, assistantText, usage, nil
	}

	results, err := d.dispatchToolCalls(ctx, calls, cfg, events)
	if err != nil {
		return stepDone, "", usage, err
	}

	thread.Append(assistantMsg)
	for _, r := range results {
		rr := r
		thread.Append(llm.Message{Role: llm.RoleToolResult, Parts: []llm.Part{{Kind: llm.PartToolResult, ToolResult: &rr}}})
	}

	return stepContinue, assistantText, usage, nil
}

func (d *Driver) assembleContext(ctx context.Context, thread *contextmgr.Thread, cfg RunConfig, events chan<- session.Event) {
	if d.Context == nil {
		return
	}
	if d.Context.MicroCompact(thread) {
		d.Logger.Debug("micro-compacted oversized message", nil)
	}
	if d.Context.NeedsFullCompaction(thread) {
		if err := d.Context.FullCompact(ctx, thread); err != nil {
			d.Logger.Warn("full compaction failed, continuing with uncompacted thread", map[string]interface{}{"error": err.Error()})
			return
		}
		d.emit(ctx, events, session.Event{Kind: session.CompactContext, Content: threadSummaryText(thread)})
	}
}

// streamWithRetry opens the provider stream and consumes it, retrying
// retryable StreamEnd failures with the min(initial*2^attempt,max) backoff
// policy from spec.md §4.1.d, expressed via backoff/v5's ExponentialBackOff
// with randomization disabled so the sequence is exactly deterministic
// (testable property 10).
func (d *Driver) streamWithRetry(ctx context.Context, provider llm.Provider, req llm.Request, cfg RunConfig, events chan<- session.Event) (text, thinking string, calls []llm.ToolCall, usage llm.Usage, finish llm.FinishReason, err error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.RetryInitial
	bo.MaxInterval = cfg.RetryMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.Reset()

	for attempt := 0; ; attempt++ {
		text, thinking, calls, usage, finish, retryable, streamErr := d.consumeStream(ctx, provider, req, events)
		if streamErr == nil {
			return text, thinking, calls, usage, finish, nil
		}
		if !retryable || attempt >= cfg.MaxRetries {
			if coreerr.Is(streamErr, coreerr.Cancelled) {
				return "", "", nil, usage, llm.FinishCancelled, streamErr
			}
			return "", "", nil, usage, finish, coreerr.Wrap(coreerr.ProviderFatal, "provider stream failed after retries", streamErr)
		}

		if d.Deps.Credentials != nil {
			if _, rotated, rotErr := d.Deps.Credentials.RotateOnRateLimit(ctx, provider.Name()); rotErr == nil && rotated {
				d.Logger.Info("rotated credentials after rate limit", map[string]interface{}{"provider": provider.Name()})
			}
		}

		delay := bo.NextBackOff()
		d.emit(ctx, events, session.Event{Kind: session.Retrying, Meta: &session.Meta{Attempt: attempt + 1}})
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", "", nil, usage, llm.FinishCancelled, coreerr.New(coreerr.Cancelled, "cancelled during retry backoff")
		}
	}
}

func (d *Driver) consumeStream(ctx context.Context, provider llm.Provider, req llm.Request, events chan<- session.Event) (text, thinking string, calls []llm.ToolCall, usage llm.Usage, finish llm.FinishReason, retryable bool, err error) {
	stream, openErr := provider.Model(ctx, req)
	if openErr != nil {
		return "", "", nil, usage, llm.FinishError, false, openErr
	}
	defer stream.Close()

	for {
		ev, ok := stream.Recv(ctx)
		if !ok {
			return text, thinking, calls, usage, finish, false, nil
		}
		switch ev.Kind {
		case llm.EventThinkingDelta:
			thinking += ev.Delta
			d.emit(ctx, events, session.Event{Kind: session.ThinkingDelta, Content: ev.Delta})
		case llm.EventTextDelta:
			text += ev.Delta
			d.emit(ctx, events, session.Event{Kind: session.TextDelta, Content: ev.Delta})
		case llm.EventToolCallStart:
			d.emit(ctx, events, session.Event{Kind: session.ToolCallStart, Tool: ev.ToolCallName, ToolCallID: ev.ToolCallID})
		case llm.EventToolCallArgs:
			d.emit(ctx, events, session.Event{Kind: session.ToolCallArgsDelta, ToolCallID: ev.ToolCallID, Content: ev.ArgsDelta})
		case llm.EventToolCallEnd:
			if ev.ToolCall != nil {
				calls = append(calls, *ev.ToolCall)
			}
			d.emit(ctx, events, session.Event{Kind: session.ToolCallEnd, ToolCallID: ev.ToolCallID})
		case llm.EventUsageUpdate:
			usage = ev.Usage
		case llm.EventStreamEnd:
			finish = ev.FinishReason
			if ev.Usage != (llm.Usage{}) {
				usage = ev.Usage
			}
			if ev.Err != nil {
				return text, thinking, calls, usage, finish, ev.Retryable, ev.Err
			}
			return text, thinking, calls, usage, finish, false, nil
		}
		if ctx.Err() != nil {
			return text, thinking, calls, usage, finish, false, coreerr.New(coreerr.Cancelled, "turn cancelled mid-stream")
		}
	}
}

// onlyReadOnly narrows a visible-tools list to ReadOnly tools, for
// RunConfig.ReadOnly agents (e.g. read-only subagent roles).
func onlyReadOnly(descriptors []tools.Descriptor) []tools.Descriptor {
	out := make([]tools.Descriptor, 0, len(descriptors))
	for _, d := range descriptors {
		if d.Permission == tools.ReadOnly {
			out = append(out, d)
		}
	}
	return out
}

func toolDefs(descriptors []tools.Descriptor) []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, len(descriptors))
	for _, d := range descriptors {
		defs = append(defs, llm.ToolDef{Name: d.Name, Description: d.Description, Parameters: d.Parameters})
	}
	return defs
}

func threadLastUserText(thread *contextmgr.Thread) string {
	for i := len(thread.Messages) - 1; i >= 0; i-- {
		if thread.Messages[i].Role == llm.RoleUser {
			return thread.Messages[i].Text()
		}
	}
	return ""
}

func threadSummaryText(thread *contextmgr.Thread) string {
	if len(thread.Messages) == 0 {
		return ""
	}
	return thread.Messages[0].Text()
}

func (d *Driver) runHook(ctx context.Context, event hooks.Event, payload hooks.Payload) hooks.Outcome {
	if d.Hooks == nil {
		return hooks.Outcome{}
	}
	return d.Hooks.Run(ctx, event, payload)
}

func (d *Driver) emit(ctx context.Context, events chan<- session.Event, ev session.Event) {
	if d.Deps.Sink != nil {
		if err := d.Deps.Sink.Append(ev); err != nil {
			d.Logger.Warn("session sink append failed", map[string]interface{}{"error": err.Error()})
		}
	} else if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if events == nil {
		return
	}
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

func applyDefaults(cfg RunConfig) RunConfig {
	d := DefaultRunConfig()
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = d.MaxSteps
	}
	if cfg.Fanout <= 0 {
		cfg.Fanout = d.Fanout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = d.MaxRetries
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = d.RetryInitial
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = d.RetryMax
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = d.MaxTokens
	}
	return cfg
}

// dispatchToolCalls implements spec.md §4.1.f / §5's ReadOnly-fan-out,
// NeedsApproval-barrier dispatch: RO calls run concurrently up to Fanout,
// results preserve model-emitted order; the first MUT call in a step forces
// all prior RO calls to have completed before it starts, and nothing else
// starts until it finishes.
func (d *Driver) dispatchToolCalls(ctx context.Context, calls []llm.ToolCall, cfg RunConfig, events chan<- session.Event) ([]llm.ToolResult, error) {
	results := make([]llm.ToolResult, len(calls))

	var ro, mut []int
	for i, c := range calls {
		if perm, err := d.permissionOf(c.Name); err == nil && perm == tools.ReadOnly {
			ro = append(ro, i)
		} else {
			mut = append(mut, i)
		}
	}

	if len(ro) > 0 {
		if err := d.dispatchReadOnly(ctx, calls, ro, results, cfg, events); err != nil {
			return nil, err
		}
	}

	for _, i := range mut {
		if ctx.Err() != nil {
			return nil, coreerr.New(coreerr.Cancelled, "turn cancelled before mutating call")
		}
		res, err := d.dispatchMutating(ctx, calls[i], cfg, events)
		if err != nil {
			return nil, err
		}
		results[i] = res
	}

	return results, nil
}

func (d *Driver) permissionOf(name string) (tools.Permission, error) {
	desc, _, err := d.Registry.Resolve(name)
	if err != nil {
		return "", err
	}
	return desc.Permission, nil
}

func (d *Driver) dispatchReadOnly(ctx context.Context, calls []llm.ToolCall, idxs []int, results []llm.ToolResult, cfg RunConfig, events chan<- session.Event) error {
	sem := make(chan struct{}, cfg.Fanout)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, i := range idxs {
		i := i
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			res, err := d.executeTool(ctx, calls[i])
			d.emit(ctx, events, session.Event{Kind: session.ToolResult, Tool: calls[i].Name, ToolCallID: calls[i].ID, Success: boolPtr(res.Kind != llm.ResultError), Content: res.Payload})
			mu.Lock()
			defer mu.Unlock()
			if err != nil && firstErr == nil {
				firstErr = err
			}
			results[i] = res
		}()
	}
	wg.Wait()
	return firstErr
}

// dispatchMutating runs the full pre_tool_use -> permission -> taint ->
// execute -> post_tool_use pipeline for one NeedsApproval call.
func (d *Driver) dispatchMutating(ctx context.Context, call llm.ToolCall, cfg RunConfig, events chan<- session.Event) (result llm.ToolResult, err error) {
	defer func() {
		if err == nil {
			d.emit(ctx, events, session.Event{Kind: session.ToolResult, Tool: call.Name, ToolCallID: call.ID, Success: boolPtr(result.Kind != llm.ResultError), Content: result.Payload})
		}
	}()

	desc, _, resolveErr := d.Registry.Resolve(call.Name)
	if resolveErr != nil {
		return errorResult(call.ID, "unknown tool: "+call.Name), nil
	}

	pre := d.runHook(ctx, hooks.PreToolUse, hooks.Payload{ToolName: call.Name, Args: call.Arguments})
	if pre.Blocked {
		return errorResult(call.ID, "blocked by pre_tool_use hook: "+pre.Feedback), nil
	}

	paths := d.Registry.ExtractPaths(call.Name, call.Arguments, cfg.ProjectRoot)
	permCall := permission.Call{Name: call.Name, Permission: desc.Permission, Editing: desc.Editing, Paths: paths}
	decision := d.Gate.Decide(permCall, cfg.Trust)

	switch decision {
	case permission.Deny:
		d.runHook(ctx, hooks.PostToolUseFailed, hooks.Payload{ToolName: call.Name, Args: call.Arguments})
		return errorResult(call.ID, "permission denied"), nil
	case permission.Ask:
		d.emit(ctx, events, session.Event{Kind: session.ApprovalRequest, Tool: call.Name, ToolCallID: call.ID})
		decisionResult, err := d.requestApproval(ctx, PendingApproval{Call: permCall, ToolCall: call})
		if err != nil {
			return llm.ToolResult{}, err
		}
		d.emit(ctx, events, session.Event{Kind: session.ApprovalResolved, Tool: call.Name, ToolCallID: call.ID, Success: boolPtr(decisionResult.Accept)})
		if !decisionResult.Accept {
			d.runHook(ctx, hooks.PostToolUseFailed, hooks.Payload{ToolName: call.Name, Args: call.Arguments})
			return errorResult(call.ID, "permission denied by approver"), nil
		}
		if decisionResult.Always {
			d.Gate.Remember(permCall, cfg.Trust)
		}
	}

	if verdict, denied := d.checkTaint(ctx, call); denied {
		d.runHook(ctx, hooks.PostToolUseFailed, hooks.Payload{ToolName: call.Name, Args: call.Arguments})
		return errorResult(call.ID, "denied by security verifier: "+verdict), nil
	}

	res, execErr := d.executeTool(ctx, call)
	if execErr != nil {
		d.runHook(ctx, hooks.PostToolUseFailed, hooks.Payload{ToolName: call.Name, Args: call.Arguments})
		return res, nil
	}
	d.runHook(ctx, hooks.PostToolUse, hooks.Payload{ToolName: call.Name, Args: call.Arguments})

	if desc.Editing {
		for _, p := range paths {
			d.runHook(ctx, hooks.AfterEdit, hooks.Payload{ToolName: call.Name, File: p})
		}
	}
	return res, nil
}

func (d *Driver) checkTaint(ctx context.Context, call llm.ToolCall) (string, bool) {
	if d.Deps.Verifier == nil {
		return "", false
	}
	result, err := d.Deps.Verifier.VerifyToolCall(ctx, call.Name, call.Arguments, "")
	if err != nil || result == nil {
		return "", false
	}
	if !result.Allowed {
		return result.DenyReason, true
	}
	return "", false
}

func (d *Driver) requestApproval(ctx context.Context, pending PendingApproval) (ApprovalDecision, error) {
	if d.Deps.Approvals == nil {
		return ApprovalDecision{Accept: false}, nil
	}
	select {
	case <-ctx.Done():
		return ApprovalDecision{}, coreerr.New(coreerr.Cancelled, "cancelled awaiting approval")
	default:
	}
	return d.Deps.Approvals.RequestApproval(ctx, pending)
}

func (d *Driver) executeTool(ctx context.Context, call llm.ToolCall) (llm.ToolResult, error) {
	descriptor, handler, err := d.Registry.Resolve(call.Name)
	if err != nil {
		return errorResult(call.ID, "unknown tool: "+call.Name), nil
	}
	start := time.Now()
	payload, err := handler(ctx, call.Arguments)
	d.Logger.ToolResult(call.Name, time.Since(start), err)
	if err != nil {
		return errorResult(call.ID, err.Error()), nil
	}
	if descriptor.Deferred == tools.DeferredHidden {
		d.Registry.MarkExpanded(call.Name)
	}
	return successResult(call.ID, payload), nil
}

// boolPtr is a small helper since session.Event.Success is *bool (nil means
// "not applicable", distinct from a false result).
func boolPtr(b bool) *bool { return &b }

func errorResult(id, msg string) llm.ToolResult {
	return llm.ToolResult{ID: id, Kind: llm.ResultError, Payload: msg}
}

func successResult(id string, payload any) llm.ToolResult {
	switch v := payload.(type) {
	case string:
		return llm.ToolResult{ID: id, Kind: llm.ResultText, Payload: v}
	default:
		return llm.ToolResult{ID: id, Kind: llm.ResultJSON, Payload: fmt.Sprint(v)}
	}
}
