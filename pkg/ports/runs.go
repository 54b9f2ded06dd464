package ports

import (
	"context"

	"github.com/aretw0/scriptforge/pkg/domain"
)

// RunSource exposes what the page-interaction engine recorded.
type RunSource interface {
	// GetRun returns a completed run or domain.ErrRunNotFound.
	GetRun(ctx context.Context, runID string) (*domain.WorkflowRun, error)

	// GetWorkflow returns a workflow definition or domain.ErrWorkflowNotFound.
	GetWorkflow(ctx context.Context, workflowID string) (*domain.Workflow, error)

	// GetActions returns the actions of a task in execution order.
	GetActions(ctx context.Context, taskID string) ([]domain.ActionRecord, error)
}
