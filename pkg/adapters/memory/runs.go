package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/aretw0/scriptforge/pkg/domain"
	"gopkg.in/yaml.v3"
)

// Fixture is the on-disk form of recorded runs, as produced by `scriptforge compile --trace`.
type Fixture struct {
	Workflows []domain.Workflow                `yaml:"workflows"`
	Runs      []domain.WorkflowRun             `yaml:"runs"`
	Actions   map[string][]domain.ActionRecord `yaml:"actions"`
}

// RunSource implements ports.RunSource over in-memory records.
type RunSource struct {
	mu        sync.RWMutex
	workflows map[string]domain.Workflow
	runs      map[string]domain.WorkflowRun
	actions   map[string][]domain.ActionRecord
}

// NewRunSource creates an empty run source.
func NewRunSource() *RunSource {
	return &RunSource{
		workflows: make(map[string]domain.Workflow),
		runs:      make(map[string]domain.WorkflowRun),
		actions:   make(map[string][]domain.ActionRecord),
	}
}

// LoadFixture parses a YAML (or JSON) fixture into a RunSource.
func LoadFixture(data []byte) (*RunSource, error) {
	var fx Fixture
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("failed to parse run fixture: %w", err)
	}

	src := NewRunSource()
	for _, wf := range fx.Workflows {
		if wf.ID == "" {
			return nil, fmt.Errorf("workflow missing id")
		}
		src.AddWorkflow(wf)
	}
	for _, run := range fx.Runs {
		if run.ID == "" {
			return nil, fmt.Errorf("run missing id")
		}
		src.AddRun(run)
	}
	for taskID, actions := range fx.Actions {
		src.AddActions(taskID, actions...)
	}
	return src, nil
}

// AddWorkflow registers a workflow definition.
func (s *RunSource) AddWorkflow(wf domain.Workflow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[wf.ID] = wf
}

// AddRun registers a completed run.
func (s *RunSource) AddRun(run domain.WorkflowRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
}

// AddActions appends actions to a task, setting their task id.
func (s *RunSource) AddActions(taskID string, actions ...domain.ActionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range actions {
		a.TaskID = taskID
		s.actions[taskID] = append(s.actions[taskID], a)
	}
}

// RunIDs returns the ids of the registered runs.
func (s *RunSource) RunIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// GetRun returns a run.
func (s *RunSource) GetRun(ctx context.Context, runID string) (*domain.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	run.Blocks = slices.Clone(run.Blocks)
	return &run, nil
}

// GetWorkflow returns a workflow definition.
func (s *RunSource) GetWorkflow(ctx context.Context, workflowID string) (*domain.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return nil, domain.ErrWorkflowNotFound
	}
	wf.Blocks = slices.Clone(wf.Blocks)
	wf.Parameters = slices.Clone(wf.Parameters)
	return &wf, nil
}

// GetActions returns the actions of a task in recorded order.
func (s *RunSource) GetActions(ctx context.Context, taskID string) ([]domain.ActionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.actions[taskID]), nil
}
