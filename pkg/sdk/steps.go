package sdk

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnhandledBranch is returned by a compiled decision when the page matched none of its branches.
var ErrUnhandledBranch = errors.New("unhandled branch")

// BlockFunc is the signature of every compiled block.
type BlockFunc func(ctx context.Context, page Page, rc *RunContext) (any, error)

// Step pairs a block label with the function that runs it.
type Step struct {
	Label string
	Block BlockFunc
}

// AgentStep returns a step that hands the block to the live agent.
// Used for blocks that have not been compiled yet.
func AgentStep(label, prompt string) Step {
	return Step{
		Label: label,
		Block: func(ctx context.Context, page Page, rc *RunContext) (any, error) {
			return page.RunAgent(ctx, RunAgent{Prompt: rc.Render(prompt), CacheKey: label})
		},
	}
}

// RunSteps runs steps in order, recording each output under its label.
// It returns how many steps ran and stops at the first error.
func RunSteps(ctx context.Context, page Page, rc *RunContext, steps []Step) (int, error) {
	ran := 0
	for _, step := range steps {
		if step.Block == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return ran, err
		}
		out, err := step.Block(ctx, page, rc)
		if err != nil {
			return ran, fmt.Errorf("block %q: %w", step.Label, err)
		}
		rc.SetOutput(step.Label, out)
		ran++
	}
	return ran, nil
}
