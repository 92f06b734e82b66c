package turn

import (
	"context"

	"github.com/agentcore/core/internal/contextmgr"
	"github.com/agentcore/core/internal/subagent"
)

// RunChildTurn implements subagent.TurnRunner: it drives a fresh thread for
// a spawned agent, running one turn for the initial message and one more for
// each send_input already waiting in the inbox when a turn ends, and returns
// once no message is waiting, the inbox closes, or ctx is cancelled. This is
// the dependency-inversion seam subagent.Manager depends
// on instead of importing this package directly.
func (d *Driver) RunChildTurn(ctx context.Context, cfg subagent.RunConfig, initial string, inbox <-chan string) subagent.Outcome {
	thread := &contextmgr.Thread{}
	runCfg := runConfigFromSubagent(cfg)

	message := initial
	var lastOutcome Outcome
	for {
		outcome, err := d.Run(ctx, thread, message, runCfg)
		if err != nil {
			return subagent.Outcome{Err: err}
		}
		lastOutcome = outcome
		if outcome.Status == Cancelled {
			return subagent.Outcome{Summary: outcome.Text}
		}

		select {
		case <-ctx.Done():
			return subagent.Outcome{Summary: lastOutcome.Text}
		case next, ok := <-inbox:
			if !ok {
				return subagent.Outcome{Summary: lastOutcome.Text}
			}
			message = next
		default:
			return subagent.Outcome{Summary: lastOutcome.Text}
		}
	}
}

func runConfigFromSubagent(cfg subagent.RunConfig) RunConfig {
	rc := DefaultRunConfig()
	rc.SystemPrompt = cfg.SystemPrompt
	rc.Model = cfg.Model
	if cfg.MaxSteps > 0 {
		rc.MaxSteps = cfg.MaxSteps
	}
	rc.AllowedTools = cfg.AllowedTools
	rc.DisallowedTools = cfg.DisallowedTools
	rc.ReadOnly = cfg.ReadOnly
	return rc
}
