// Package subagent implements SubagentManager: spawn/send_input/wait/close/
// resume/status lifecycle for child agents, per spec.md §4.6.
//
// Grounded on src/internal/subagent/runner.go's isolated-environment spawn
// shape (a fresh provider + registry + policy per child) and on
// internal/executor/subagent.go's parent/child role-layering and
// SharedContext-briefing idiom, generalized here from the teacher's
// synchronous SpawnOne/SpawnParallel into the async handle-based state
// machine spec.md §4.6 requires.
package subagent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/agentcore/core/internal/coreerr"
)

// Status is a SubagentHandle's position in the lifecycle state machine.
type Status int

const (
	PendingInit Status = iota
	Running
	Completed
	Errored
	Shutdown
	NotFound
)

func (s Status) String() string {
	switch s {
	case PendingInit:
		return "pending_init"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Errored:
		return "errored"
	case Shutdown:
		return "shutdown"
	default:
		return "not_found"
	}
}

func (s Status) Terminal() bool {
	return s == Completed || s == Errored || s == Shutdown
}

// RunConfig is the layered configuration a child agent runs a turn loop
// under, built by overlaying role defaults on the parent's config.
type RunConfig struct {
	SystemPrompt    string
	Model           string
	MaxSteps        int
	ReadOnly        bool
	AllowedTools    []string
	DisallowedTools []string
}

// RoleDefaults describes how a named role overrides parent RunConfig fields
// when spawning.
type RoleDefaults struct {
	Role                 string
	SystemPromptOverride string
	Model                string
	MaxSteps             int
	ReadOnly             bool
	AllowedTools         []string
	DisallowedTools      []string
}

// layer overlays non-zero role fields onto a copy of the parent config.
func layer(parent RunConfig, role RoleDefaults) RunConfig {
	cfg := parent
	if role.SystemPromptOverride != "" {
		cfg.SystemPrompt = role.SystemPromptOverride
	}
	if role.Model != "" {
		cfg.Model = role.Model
	}
	if role.MaxSteps > 0 {
		cfg.MaxSteps = role.MaxSteps
	}
	if role.ReadOnly {
		cfg.ReadOnly = true
	}
	if len(role.AllowedTools) > 0 {
		cfg.AllowedTools = role.AllowedTools
	}
	if len(role.DisallowedTools) > 0 {
		cfg.DisallowedTools = role.DisallowedTools
	}
	return cfg
}

// ParentContext is what a spawning turn hands the manager about itself.
type ParentContext struct {
	Depth  int
	Config RunConfig
}

// SharedContext is the read-mostly bundle rendered into a child's briefing.
type SharedContext struct {
	RecentChanges       []string
	ActiveTodos         []string
	ConversationSummary string
	ProjectRoot         string
	MemoryExcerpt       string
}

// Render produces a bounded text briefing, ≤60 lines, per spec.md §3.
func (s SharedContext) Render() string {
	var b strings.Builder
	lines := 0
	emit := func(format string, args ...interface{}) {
		if lines >= 60 {
			return
		}
		fmt.Fprintf(&b, format, args...)
		lines++
	}

	emit("# Context from parent session\n")
	if s.ProjectRoot != "" {
		emit("Project root: %s\n", s.ProjectRoot)
	}
	if s.ConversationSummary != "" {
		emit("Summary so far: %s\n", s.ConversationSummary)
	}
	if len(s.ActiveTodos) > 0 {
		emit("Active todos:\n")
		for _, t := range s.ActiveTodos {
			emit("- %s\n", t)
		}
	}
	changes := s.RecentChanges
	if len(changes) > 20 {
		changes = changes[len(changes)-20:]
	}
	if len(changes) > 0 {
		emit("Recent changes:\n")
		for _, c := range changes {
			emit("- %s\n", c)
		}
	}
	if s.MemoryExcerpt != "" {
		emit("Memory excerpt: %s\n", s.MemoryExcerpt)
	}
	return b.String()
}

// Outcome is what a child's turn-running task reports back to its handle.
type Outcome struct {
	Summary string
	Err     error
}

// TurnRunner is the narrow interface into a turn-running component that
// SubagentManager depends on. Kept as an interface (rather than importing
// a concrete turn package) because TurnDriver depends on SubagentManager to
// spawn children — a direct reverse import would cycle.
type TurnRunner interface {
	// RunChildTurn drives a full child conversation: the initial message,
	// then any further messages delivered via inbox, until the child's
	// task naturally concludes or ctx is cancelled.
	RunChildTurn(ctx context.Context, cfg RunConfig, initialMessage string, inbox <-chan string) Outcome
}

// Handle tracks one spawned child agent.
type Handle struct {
	ID       string
	Nickname string
	Role     string
	Depth    int

	mgr *Manager

	mu      sync.Mutex
	status  Status
	summary string
	errMsg  string

	inbox   chan string
	cancel  context.CancelFunc
	watcher *watcher
}

func (h *Handle) snapshot() (Status, string, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, h.summary, h.errMsg
}

// setStatus is the single writer for a handle's status; all transitions
// funnel through here so the manager satisfies the "single writer per
// handle" concurrency rule.
func (h *Handle) setStatus(s Status, summary, errMsg string) {
	h.mu.Lock()
	h.status = s
	if summary != "" {
		h.summary = summary
	}
	if errMsg != "" {
		h.errMsg = errMsg
	}
	h.mu.Unlock()
	h.watcher.publish(s)
	if h.mgr != nil {
		if h.mgr.OnStatus != nil {
			h.mgr.OnStatus(h.ID, s)
		}
		h.mgr.statusBus.publish(h.ID, s)
	}
}

// watcher is a single-writer, many-reader status broadcaster for one handle.
type watcher struct {
	mu   sync.Mutex
	subs []chan Status
	last Status
}

func newWatcher(initial Status) *watcher {
	return &watcher{last: initial}
}

func (w *watcher) publish(s Status) {
	w.mu.Lock()
	w.last = s
	subs := w.subs
	w.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- s:
		default:
		}
	}
}

func (w *watcher) subscribe() <-chan Status {
	ch := make(chan Status, 4)
	w.mu.Lock()
	w.subs = append(w.subs, ch)
	last := w.last
	w.mu.Unlock()
	ch <- last
	return ch
}

var nicknamePool = []string{
	"maple", "cedar", "willow", "birch", "aspen", "juniper", "hazel", "linden",
	"rowan", "spruce", "cypress", "sequoia", "poplar", "elm", "sorrel", "fern",
}

// Manager owns every live handle for a session.
type Manager struct {
	mu         sync.Mutex
	handles    map[string]*Handle
	maxThreads int
	maxDepth   int
	runner     TurnRunner
	nickIdx    int
	statusBus  statusBus

	// OnStatus, if set, is invoked (outside the manager lock) on every
	// status transition, tagged with the child id, so a parent turn loop
	// can forward it into its own event stream per spec.md §4.6's
	// "merged event stream tagged with the child id".
	OnStatus func(id string, s Status)
}

// New creates a SubagentManager bound to a fixed thread/depth budget.
// nextNickname's starting offset is seeded from a fresh uuid rather than
// always 0, so nickname assignment doesn't repeat "maple, cedar, ..." in
// the same order across every process restart.
func New(runner TurnRunner, maxThreads, maxDepth int) *Manager {
	return &Manager{
		handles:    make(map[string]*Handle),
		maxThreads: maxThreads,
		maxDepth:   maxDepth,
		runner:     runner,
		nickIdx:    int(uuid.New()[0]) % len(nicknamePool),
	}
}

// statusBus optionally republishes every SubAgentStatusChanged/
// SubAgentCompleted transition onto a NATS subject, so external tooling
// (dashboards, sibling agent instances) can observe subagent lifecycle
// without polling Status. A zero-value statusBus is a no-op publisher.
type statusBus struct {
	nc      *nats.Conn
	subject string
}

// WithStatusBus attaches a NATS connection that every status transition
// gets published to, under subject. Passing a nil conn restores the
// no-op default.
func (m *Manager) WithStatusBus(nc *nats.Conn, subject string) *Manager {
	m.statusBus = statusBus{nc: nc, subject: subject}
	return m
}

func (b statusBus) publish(id string, s Status) {
	if b.nc == nil {
		return
	}
	payload := fmt.Sprintf(`{"id":%q,"status":%q}`, id, s.String())
	_ = b.nc.Publish(b.subject, []byte(payload))
}

func (m *Manager) activeNonTerminalLocked() int {
	n := 0
	for _, h := range m.handles {
		st, _, _ := h.snapshot()
		if !st.Terminal() {
			n++
		}
	}
	return n
}

func (m *Manager) nextNickname() string {
	n := nicknamePool[m.nickIdx%len(nicknamePool)]
	m.nickIdx++
	if m.nickIdx > len(nicknamePool) {
		n = fmt.Sprintf("%s-%d", n, m.nickIdx/len(nicknamePool))
	}
	return n
}

// ConvergenceSentinel is the fixed completion token a converging subagent
// emits to signal it is done refining, per SPEC_FULL.md §C.3.
const ConvergenceSentinel = "CONVERGED"

// SpawnOptions configures non-default spawn behavior.
type SpawnOptions struct {
	// ConvergeWithin, when > 0, runs the child in iterative-refinement
	// mode instead of a single turn: the prior turn's output is folded
	// into the next turn's input until the model emits ConvergenceSentinel
	// or the iteration cap is reached. This is a usage mode of TurnRunner,
	// not a separate component, per SPEC_FULL.md §C.3.
	ConvergeWithin int
}

// Spawn creates and starts a child agent, per spec.md §4.6.
func (m *Manager) Spawn(ctx context.Context, role, message string, parent ParentContext, roleDefaults RoleDefaults, shared SharedContext) (*Handle, error) {
	return m.SpawnWithOptions(ctx, role, message, parent, roleDefaults, shared, SpawnOptions{})
}

// SpawnWithOptions is Spawn with convergence-mode support.
func (m *Manager) SpawnWithOptions(ctx context.Context, role, message string, parent ParentContext, roleDefaults RoleDefaults, shared SharedContext, opts SpawnOptions) (*Handle, error) {
	m.mu.Lock()
	if m.activeNonTerminalLocked() >= m.maxThreads {
		m.mu.Unlock()
		return nil, coreerr.New(coreerr.Quota, "TooManyThreads")
	}
	depth := parent.Depth + 1
	if depth > m.maxDepth {
		m.mu.Unlock()
		return nil, coreerr.New(coreerr.Quota, "TooDeep")
	}
	id := uuid.New().String()
	nickname := m.nextNickname()
	m.mu.Unlock()

	cfg := layer(parent.Config, roleDefaults)

	childCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		ID:       id,
		Nickname: nickname,
		Role:     role,
		Depth:    depth,
		mgr:      m,
		status:   PendingInit,
		inbox:    make(chan string, 16),
		cancel:   cancel,
		watcher:  newWatcher(PendingInit),
	}

	m.mu.Lock()
	m.handles[id] = h
	m.mu.Unlock()

	briefing := shared.Render()
	initial := message
	if briefing != "" {
		initial = briefing + "\n---\n" + message
	}

	h.setStatus(Running, "", "")
	go m.runChild(childCtx, h, cfg, initial, opts.ConvergeWithin)

	return h, nil
}

func (m *Manager) runChild(ctx context.Context, h *Handle, cfg RunConfig, initial string, convergeWithin int) {
	defer func() {
		if r := recover(); r != nil {
			h.setStatus(Errored, "", "internal")
		}
	}()

	var outcome Outcome
	if convergeWithin > 0 {
		outcome = m.runConverging(ctx, cfg, initial, h.inbox, convergeWithin)
	} else {
		outcome = m.runner.RunChildTurn(ctx, cfg, initial, h.inbox)
	}

	if ctx.Err() != nil {
		h.setStatus(Shutdown, "", "")
		return
	}
	if outcome.Err != nil {
		h.setStatus(Errored, "", outcome.Err.Error())
		return
	}
	h.setStatus(Completed, outcome.Summary, "")
}

// runConverging repeats single-shot turns (each with no further inbox
// input — the feedback loop is the prior output folded into the next
// prompt, not a user message) until the model emits ConvergenceSentinel or
// the iteration cap is reached.
func (m *Manager) runConverging(ctx context.Context, cfg RunConfig, initial string, inbox <-chan string, within int) Outcome {
	prompt := initial
	var last string
	closedInbox := make(chan string)
	close(closedInbox)

	for i := 0; i < within; i++ {
		outcome := m.runner.RunChildTurn(ctx, cfg, prompt, closedInbox)
		if ctx.Err() != nil {
			return Outcome{}
		}
		if outcome.Err != nil {
			return outcome
		}
		trimmed := strings.TrimSpace(outcome.Summary)
		if trimmed == ConvergenceSentinel {
			return Outcome{Summary: last}
		}
		last = outcome.Summary
		prompt = fmt.Sprintf("Prior iteration output:\n%s\n\nContinue refining, or reply exactly %q if converged.", last, ConvergenceSentinel)
	}
	return Outcome{Summary: last}
}

// Handle looks up a live handle by id.
func (m *Manager) Handle(id string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[id]
	return h, ok
}

// SendInput delivers a follow-up message to a Running agent.
func (m *Manager) SendInput(id, text string) error {
	h, ok := m.Handle(id)
	if !ok {
		return coreerr.New(coreerr.Integrity, "unknown subagent id "+id)
	}
	st, _, _ := h.snapshot()
	if st != Running {
		return coreerr.New(coreerr.Integrity, "subagent "+id+" is not running")
	}
	select {
	case h.inbox <- text:
		return nil
	default:
		return coreerr.New(coreerr.Integrity, "subagent "+id+" inbox full")
	}
}

// Wait blocks until every listed id reaches a terminal status or timeout
// elapses, returning the ids that resolved.
func (m *Manager) Wait(ctx context.Context, ids []string, timeout time.Duration) ([]string, error) {
	deadline := time.Now().Add(timeout)
	if timeout <= 0 {
		deadline = time.Time{}
	}

	pending := make(map[string]*Handle, len(ids))
	for _, id := range ids {
		h, ok := m.Handle(id)
		if !ok {
			continue
		}
		pending[id] = h
	}

	var resolved []string
	for {
		for id, h := range pending {
			st, _, _ := h.snapshot()
			if st.Terminal() {
				resolved = append(resolved, id)
				delete(pending, id)
			}
		}
		if len(pending) == 0 {
			break
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return resolved, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
	sort.Strings(resolved)
	return resolved, nil
}

// Close requests cooperative shutdown, cancelling the child if it does not
// self-terminate within the grace window; a cancelled child reports
// Shutdown. The handle stays registered, so Status keeps reporting it.
func (m *Manager) Close(id string, grace time.Duration) error {
	h, ok := m.Handle(id)
	if !ok {
		return coreerr.New(coreerr.Integrity, "unknown subagent id "+id)
	}
	st, _, _ := h.snapshot()
	if st.Terminal() {
		return nil
	}

	if grace <= 0 {
		grace = 2 * time.Second
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		st, _, _ := h.snapshot()
		if st.Terminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	h.cancel()
	return nil
}

// Resume transitions a Completed/Errored handle back to Running with a
// fresh task carrying the prior thread's context via newInput.
func (m *Manager) Resume(ctx context.Context, id, newInput string, cfg RunConfig) error {
	h, ok := m.Handle(id)
	if !ok {
		return coreerr.New(coreerr.Integrity, "unknown subagent id "+id)
	}
	st, _, _ := h.snapshot()
	if !st.Terminal() || st == Shutdown {
		return coreerr.New(coreerr.Integrity, "subagent "+id+" is not resumable from status "+st.String())
	}

	childCtx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.cancel = cancel
	h.inbox = make(chan string, 16)
	h.mu.Unlock()

	h.setStatus(Running, "", "")
	go m.runChild(childCtx, h, cfg, newInput, 0)
	return nil
}

// Status returns the current status of a handle, or NotFound.
func (m *Manager) Status(id string) Status {
	h, ok := m.Handle(id)
	if !ok {
		return NotFound
	}
	st, _, _ := h.snapshot()
	return st
}

// SubscribeStatus returns a channel that receives every status transition
// for id, starting with its current status.
func (m *Manager) SubscribeStatus(id string) (<-chan Status, error) {
	h, ok := m.Handle(id)
	if !ok {
		return nil, coreerr.New(coreerr.Integrity, "unknown subagent id "+id)
	}
	return h.watcher.subscribe(), nil
}

// ActiveCount reports the number of non-terminal handles, for testing and
// observability.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeNonTerminalLocked()
}
