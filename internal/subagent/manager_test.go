package subagent

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/agentcore/core/internal/coreerr"
)

// blockingRunner runs until its context is cancelled or an inbox message
// arrives, then completes. Useful for exercising cap/close/status behavior
// without a real turn loop.
type blockingRunner struct {
	completeOnInput bool
}

func (r *blockingRunner) RunChildTurn(ctx context.Context, cfg RunConfig, initial string, inbox <-chan string) Outcome {
	select {
	case <-ctx.Done():
		return Outcome{}
	case <-inbox:
		return Outcome{Summary: "done"}
	}
}

type instantRunner struct{}

func (instantRunner) RunChildTurn(ctx context.Context, cfg RunConfig, initial string, inbox <-chan string) Outcome {
	return Outcome{Summary: "ok: " + initial}
}

type failingRunner struct{}

func (failingRunner) RunChildTurn(ctx context.Context, cfg RunConfig, initial string, inbox <-chan string) Outcome {
	return Outcome{Err: fmt.Errorf("boom")}
}

func waitStatus(t *testing.T, m *Manager, id string, want Status, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if m.Status(id) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("subagent %s did not reach status %v, got %v", id, want, m.Status(id))
}

func TestSpawnRespectsMaxThreads(t *testing.T) {
	m := New(&blockingRunner{}, 2, 5)
	ctx := context.Background()
	parent := ParentContext{Depth: 0}

	h1, err := m.Spawn(ctx, "worker", "task1", parent, RoleDefaults{}, SharedContext{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = m.Spawn(ctx, "worker", "task2", parent, RoleDefaults{}, SharedContext{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = m.Spawn(ctx, "worker", "task3", parent, RoleDefaults{}, SharedContext{})
	if !coreerr.Is(err, coreerr.Quota) {
		t.Fatalf("expected quota error on third spawn, got %v", err)
	}

	if err := m.SendInput(h1.ID, "go"); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, m, h1.ID, Completed, time.Second)

	// a fourth spawn should now succeed since a slot freed up
	if _, err := m.Spawn(ctx, "worker", "task4", parent, RoleDefaults{}, SharedContext{}); err != nil {
		t.Fatalf("expected spawn to succeed after a slot freed, got %v", err)
	}
}

func TestSpawnRejectsOverMaxDepth(t *testing.T) {
	m := New(instantRunner{}, 10, 2)
	parent := ParentContext{Depth: 2}
	_, err := m.Spawn(context.Background(), "worker", "task", parent, RoleDefaults{}, SharedContext{})
	if !coreerr.Is(err, coreerr.Quota) {
		t.Fatalf("expected TooDeep quota error, got %v", err)
	}
}

func TestSpawnCompletesAndCarriesSummary(t *testing.T) {
	m := New(instantRunner{}, 5, 5)
	h, err := m.Spawn(context.Background(), "worker", "do the thing", ParentContext{}, RoleDefaults{}, SharedContext{})
	if err != nil {
		t.Fatal(err)
	}
	waitStatus(t, m, h.ID, Completed, time.Second)
	_, summary, _ := h.snapshot()
	if summary == "" {
		t.Fatal("expected a completion summary")
	}
}

func TestSpawnErroredDoesNotPoisonSiblings(t *testing.T) {
	m := New(failingRunner{}, 5, 5)
	h1, _ := m.Spawn(context.Background(), "worker", "task1", ParentContext{}, RoleDefaults{}, SharedContext{})
	waitStatus(t, m, h1.ID, Errored, time.Second)

	m2 := New(instantRunner{}, 5, 5)
	h2, err := m2.Spawn(context.Background(), "worker", "task2", ParentContext{}, RoleDefaults{}, SharedContext{})
	if err != nil {
		t.Fatal(err)
	}
	waitStatus(t, m2, h2.ID, Completed, time.Second)
}

func TestSendInputToTerminalHandleErrors(t *testing.T) {
	m := New(instantRunner{}, 5, 5)
	h, _ := m.Spawn(context.Background(), "worker", "task", ParentContext{}, RoleDefaults{}, SharedContext{})
	waitStatus(t, m, h.ID, Completed, time.Second)

	if err := m.SendInput(h.ID, "more"); err == nil {
		t.Fatal("expected error sending input to a terminal handle")
	}
}

func TestWaitReturnsOnTimeout(t *testing.T) {
	m := New(&blockingRunner{}, 5, 5)
	h, _ := m.Spawn(context.Background(), "worker", "task", ParentContext{}, RoleDefaults{}, SharedContext{})

	resolved, err := m.Wait(context.Background(), []string{h.ID}, 30*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if len(resolved) != 0 {
		t.Fatalf("expected no resolved ids before timeout, got %v", resolved)
	}
}

func TestCloseTransitionsToShutdown(t *testing.T) {
	m := New(&blockingRunner{}, 5, 5)
	h, _ := m.Spawn(context.Background(), "worker", "task", ParentContext{}, RoleDefaults{}, SharedContext{})

	if err := m.Close(h.ID, 20*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, m, h.ID, Shutdown, time.Second)
}

func TestResumeFromCompletedGoesBackToRunning(t *testing.T) {
	m := New(instantRunner{}, 5, 5)
	h, _ := m.Spawn(context.Background(), "worker", "task", ParentContext{}, RoleDefaults{}, SharedContext{})
	waitStatus(t, m, h.ID, Completed, time.Second)

	if err := m.Resume(context.Background(), h.ID, "again", RunConfig{}); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, m, h.ID, Completed, time.Second)
}

func TestStatusOfUnknownIDIsNotFound(t *testing.T) {
	m := New(instantRunner{}, 5, 5)
	if m.Status("nonexistent") != NotFound {
		t.Fatal("expected NotFound for unknown id")
	}
}

func TestSharedContextRenderRespectsLineBudgetAndRecentChangesCap(t *testing.T) {
	var changes []string
	for i := 0; i < 30; i++ {
		changes = append(changes, fmt.Sprintf("change-%d", i))
	}
	sc := SharedContext{RecentChanges: changes, ProjectRoot: "/proj"}
	rendered := sc.Render()
	if len(rendered) == 0 {
		t.Fatal("expected non-empty briefing")
	}
	lineCount := 0
	for _, c := range rendered {
		if c == '\n' {
			lineCount++
		}
	}
	if lineCount > 60 {
		t.Fatalf("briefing exceeds 60 lines: %d", lineCount)
	}
}

type convergingRunner struct {
	mu    int
	calls []string
}

func (r *convergingRunner) RunChildTurn(ctx context.Context, cfg RunConfig, initial string, inbox <-chan string) Outcome {
	r.calls = append(r.calls, initial)
	if len(r.calls) >= 3 {
		return Outcome{Summary: ConvergenceSentinel}
	}
	return Outcome{Summary: fmt.Sprintf("draft %d", len(r.calls))}
}

func TestSpawnWithConvergeWithinStopsOnSentinel(t *testing.T) {
	runner := &convergingRunner{}
	m := New(runner, 5, 5)
	h, err := m.SpawnWithOptions(context.Background(), "worker", "refine this", ParentContext{}, RoleDefaults{}, SharedContext{}, SpawnOptions{ConvergeWithin: 10})
	if err != nil {
		t.Fatal(err)
	}
	waitStatus(t, m, h.ID, Completed, time.Second)

	if len(runner.calls) != 3 {
		t.Fatalf("expected convergence after 3 iterations, got %d calls", len(runner.calls))
	}
	_, summary, _ := h.snapshot()
	if summary != "draft 2" {
		t.Fatalf("expected the last pre-sentinel output as the summary, got %q", summary)
	}
}

func TestSpawnWithConvergeWithinStopsAtCapWithoutSentinel(t *testing.T) {
	runner := &instantRunnerNeverConverges{}
	m := New(runner, 5, 5)
	h, err := m.SpawnWithOptions(context.Background(), "worker", "refine this", ParentContext{}, RoleDefaults{}, SharedContext{}, SpawnOptions{ConvergeWithin: 2})
	if err != nil {
		t.Fatal(err)
	}
	waitStatus(t, m, h.ID, Completed, time.Second)

	if runner.calls != 2 {
		t.Fatalf("expected exactly the iteration cap worth of calls, got %d", runner.calls)
	}
}

type instantRunnerNeverConverges struct{ calls int }

func (r *instantRunnerNeverConverges) RunChildTurn(ctx context.Context, cfg RunConfig, initial string, inbox <-chan string) Outcome {
	r.calls++
	return Outcome{Summary: "still working"}
}

func TestSubscribeStatusReceivesTransitions(t *testing.T) {
	m := New(&blockingRunner{}, 5, 5)
	h, _ := m.Spawn(context.Background(), "worker", "task", ParentContext{}, RoleDefaults{}, SharedContext{})

	ch, err := m.SubscribeStatus(h.ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SendInput(h.ID, "go"); err != nil {
		t.Fatal(err)
	}

	seenCompleted := false
	timeout := time.After(time.Second)
	for !seenCompleted {
		select {
		case s := <-ch:
			if s == Completed {
				seenCompleted = true
			}
		case <-timeout:
			t.Fatal("did not observe Completed transition")
		}
	}
}
