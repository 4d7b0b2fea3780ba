package workflowmgr

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lumenforge/agentflow/internal/types"
)

const defaultStepTimeout = 300000 * time.Millisecond

// buildPlan realizes an intent's step templates into concrete
// WorkflowSteps with generated ids and step-id (not index) dependencies,
// each inheriting the workflow's priority, per spec.md §4.D.
func buildPlan(rule intentRule, priority int) []types.WorkflowStep {
	ids := make([]string, len(rule.plan))
	for i := range rule.plan {
		ids[i] = uuid.NewString()
	}

	steps := make([]types.WorkflowStep, len(rule.plan))
	for i, spec := range rule.plan {
		deps := make([]string, len(spec.Dependencies))
		for j, depIdx := range spec.Dependencies {
			deps[j] = ids[depIdx]
		}
		steps[i] = types.WorkflowStep{
			ID:           ids[i],
			AgentClass:   spec.AgentClass,
			TaskType:     spec.TaskType,
			Dependencies: deps,
			Priority:     priority,
			Timeout:      defaultStepTimeout,
		}
	}
	return steps
}

// stepByID finds a step within a workflow's plan.
func stepByID(wf *types.Workflow, stepID string) (*types.WorkflowStep, error) {
	for i := range wf.Steps {
		if wf.Steps[i].ID == stepID {
			return &wf.Steps[i], nil
		}
	}
	return nil, fmt.Errorf("step %s not found in workflow %s", stepID, wf.ID)
}

// stepReady reports whether every one of step's dependencies already has
// a result recorded.
func stepReady(wf *types.Workflow, step types.WorkflowStep) bool {
	for _, dep := range step.Dependencies {
		if _, ok := wf.Results[dep]; !ok {
			return false
		}
	}
	return true
}
