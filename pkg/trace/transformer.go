// Package trace normalizes a completed workflow run into the per-block form the code emitter consumes.
package trace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/aretw0/scriptforge/internal/logging"
	"github.com/aretw0/scriptforge/pkg/domain"
	"github.com/aretw0/scriptforge/pkg/ports"
)

// DefaultMaxDepth bounds how deep nested runs are followed.
const DefaultMaxDepth = 5

// Transformer joins a run's executed blocks with its workflow definition.
type Transformer struct {
	runs     ports.RunSource
	logger   *slog.Logger
	maxDepth int
}

// Option configures a Transformer.
type Option func(*Transformer)

// WithLogger sets the logger used for skipped nested runs.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transformer) {
		t.logger = logger
	}
}

// WithMaxDepth bounds nested-run recursion. Values below zero are ignored.
func WithMaxDepth(depth int) Option {
	return func(t *Transformer) {
		if depth >= 0 {
			t.maxDepth = depth
		}
	}
}

// New creates a Transformer reading from runs.
func New(runs ports.RunSource, opts ...Option) *Transformer {
	t := &Transformer{
		runs:     runs,
		logger:   logging.NewNop(),
		maxDepth: DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Transform loads runID and its workflow and returns the normalized trace.
// A missing run or workflow aborts. Nested runs that fail to load are logged and skipped,
// except for cycles, which return domain.ErrRunCycle.
func (t *Transformer) Transform(ctx context.Context, runID string) (*domain.Trace, error) {
	run, err := t.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	wf, err := t.runs.GetWorkflow(ctx, run.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %s: %w", run.WorkflowID, err)
	}

	tr := &domain.Trace{
		RunID:            run.ID,
		WorkflowID:       wf.ID,
		CacheKeyTemplate: wf.CacheKey,
		Parameters:       append([]domain.Parameter(nil), wf.Parameters...),
		Bindings:         maps.Clone(run.Parameters),
		Actions:          make(map[string][]domain.ActionRecord),
	}
	if tr.Bindings == nil {
		tr.Bindings = make(map[string]any)
	}

	ancestors := map[string]bool{run.ID: true}
	blocks, err := t.join(ctx, run, wf, tr.Actions, ancestors, 0)
	if err != nil {
		return nil, err
	}
	tr.Blocks = blocks
	return tr, nil
}

func (t *Transformer) join(ctx context.Context, run *domain.WorkflowRun, wf *domain.Workflow, actions map[string][]domain.ActionRecord, ancestors map[string]bool, depth int) ([]domain.BlockIR, error) {
	executed := make(map[string][]domain.ExecutedBlock)
	for _, ex := range run.Blocks {
		executed[ex.Label] = append(executed[ex.Label], ex)
	}

	var out []domain.BlockIR
	for _, decl := range wf.Blocks {
		matches := executed[decl.Label]
		if len(matches) == 0 {
			t.logger.Debug("dropping unexecuted block", "run_id", run.ID, "block", decl.Label)
			continue
		}
		ex := matches[0]
		executed[decl.Label] = matches[1:]

		ir, err := t.merge(ctx, run, decl, ex)
		if err != nil {
			return nil, err
		}
		if ir.TaskID != "" {
			actions[ir.TaskID] = ir.Actions
		}
		out = append(out, ir)

		if ex.ChildRunID == "" {
			continue
		}
		nested, err := t.nested(ctx, ex.ChildRunID, actions, ancestors, depth+1)
		if errors.Is(err, domain.ErrRunCycle) {
			return nil, err
		}
		if err != nil {
			t.logger.Warn("skipping nested run", "run_id", run.ID, "child_run_id", ex.ChildRunID, "block", decl.Label, "err", err)
			continue
		}
		for _, b := range nested {
			b.Label = NestedLabel(decl.Label, b.Label)
			out = append(out, b)
		}
	}
	return out, nil
}

// NestedLabel qualifies the label of a block spliced from a nested run with the label of
// the block that triggered the run, so parent and child labels never collide.
func NestedLabel(trigger, label string) string {
	return trigger + "/" + label
}

func (t *Transformer) nested(ctx context.Context, childID string, actions map[string][]domain.ActionRecord, ancestors map[string]bool, depth int) ([]domain.BlockIR, error) {
	if ancestors[childID] {
		return nil, fmt.Errorf("run %s: %w", childID, domain.ErrRunCycle)
	}
	if depth > t.maxDepth {
		return nil, fmt.Errorf("nested run %s exceeds max depth %d", childID, t.maxDepth)
	}

	child, err := t.runs.GetRun(ctx, childID)
	if err != nil {
		return nil, err
	}
	wf, err := t.runs.GetWorkflow(ctx, child.WorkflowID)
	if err != nil {
		return nil, err
	}

	scoped := maps.Clone(ancestors)
	scoped[childID] = true
	return t.join(ctx, child, wf, actions, scoped, depth)
}

// merge fills empty templated fields from execution data; templated values always win.
func (t *Transformer) merge(ctx context.Context, run *domain.WorkflowRun, decl domain.DeclaredBlock, ex domain.ExecutedBlock) (domain.BlockIR, error) {
	ir := domain.BlockIR{
		Label:            decl.Label,
		Type:             decl.Type,
		Goal:             decl.Goal,
		URL:              decl.URL,
		Origin:           run.ID,
		TaskID:           ex.TaskID,
		ExtractionSchema: decl.ExtractionSchema,
		Branches:         append([]domain.Branch(nil), decl.Branches...),
	}
	if ir.Type == "" {
		ir.Type = ex.Type
	}
	if ir.Goal == "" {
		ir.Goal = ex.Goal
	}
	if ir.URL == "" {
		ir.URL = ex.URL
	}

	if task, ok := run.Tasks[ex.TaskID]; ok {
		if ir.Goal == "" {
			ir.Goal = task.Goal
		}
		if ir.URL == "" {
			ir.URL = task.URL
		}
		if len(ir.ExtractionSchema) == 0 {
			ir.ExtractionSchema = task.ExtractionSchema
		}
	}

	if ex.TaskID == "" {
		return ir, nil
	}
	actions, err := t.runs.GetActions(ctx, ex.TaskID)
	if err != nil {
		return ir, fmt.Errorf("failed to load actions of task %s: %w", ex.TaskID, err)
	}
	ir.Actions = actions
	return ir, nil
}
