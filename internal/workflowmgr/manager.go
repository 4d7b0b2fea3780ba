// Package workflowmgr implements the Workflow Manager of spec.md §4.D:
// instruction parsing, DAG-of-steps planning, step-by-step execution
// driven by task completions, cancellation, and cleanup — the
// mutex-guarded map + metrics + tracer shape of the teacher's
// CancellationManager, generalized from tracking cancellable workflow
// executions to owning the full workflow lifecycle.
package workflowmgr

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/lumenforge/agentflow/internal/broker"
	"github.com/lumenforge/agentflow/internal/engine"
	"github.com/lumenforge/agentflow/internal/store"
	"github.com/lumenforge/agentflow/internal/types"
)

// DefaultRetentionPeriod bounds how long a terminal workflow stays in
// memory before CleanupCompleted drops it.
const DefaultRetentionPeriod = time.Hour

// Manager owns the in-process workflow table and drives step-by-step
// execution from the engine's completion events.
type Manager struct {
	mu        sync.Mutex
	workflows map[string]*types.Workflow

	engine  *engine.Engine
	broker  *broker.Broker
	archive atomic.Pointer[store.Store]
	tracer  trace.Tracer
	log     *slog.Logger

	started       metric.Int64Counter
	completed     metric.Int64Counter
	failed        metric.Int64Counter
	cancellations metric.Int64Counter
}

// New builds a Manager driving task submission through eng and announcing
// user-facing failures on b.
func New(eng *engine.Engine, b *broker.Broker) *Manager {
	meter := otel.Meter("agentflow")
	started, _ := meter.Int64Counter("agentflow_workflow_started_total")
	completedCtr, _ := meter.Int64Counter("agentflow_workflow_completed_total")
	failedCtr, _ := meter.Int64Counter("agentflow_workflow_failed_total")
	cancellations, _ := meter.Int64Counter("agentflow_workflow_cancellations_total")

	return &Manager{
		workflows:     make(map[string]*types.Workflow),
		engine:        eng,
		broker:        b,
		tracer:        otel.Tracer("agentflow-workflowmgr"),
		log:           slog.Default().With("component", "workflowmgr"),
		started:       started,
		completed:     completedCtr,
		failed:        failedCtr,
		cancellations: cancellations,
	}
}

// SetArchive attaches a BoltDB-backed execution archive. Once set, every
// workflow that reaches a terminal state is persisted to it for operator
// inspection (SPEC_FULL.md's "Execution history" supplement). Safe to call
// before or after Run starts.
func (m *Manager) SetArchive(s *store.Store) {
	m.archive.Store(s)
}

// archiveWorkflow persists a terminal workflow's final state, if an
// archive is attached. Archive failures are logged, never propagated,
// matching spec.md §4.A's parse/write failure handling.
func (m *Manager) archiveWorkflow(ctx context.Context, wf types.Workflow) {
	a := m.archive.Load()
	if a == nil {
		return
	}
	if err := a.Archive(ctx, wf); err != nil {
		m.log.Warn("workflowmgr: archive workflow failed", "workflow_id", wf.ID, "error", err)
	}
}

// Process classifies instr's text into an intent, plans its DAG of steps,
// registers the workflow, and submits every dependency-free step.
func (m *Manager) Process(ctx context.Context, instr types.UserInstruction) (string, error) {
	ctx, span := m.tracer.Start(ctx, "workflowmgr.process", trace.WithAttributes(
		attribute.String("instruction_id", instr.ID),
	))
	defer span.End()

	rule := classifyIntent(instr.Text)
	steps := buildPlan(rule, instr.Priority)

	wf := &types.Workflow{
		ID:            uuid.NewString(),
		InstructionID: instr.ID,
		UserID:        instr.UserID,
		Status:        types.WorkflowPending,
		Steps:         steps,
		Results:       make(map[string]map[string]interface{}),
		StepTasks:     make(map[string]string),
		CreatedAt:     time.Now(),
	}

	m.mu.Lock()
	m.workflows[wf.ID] = wf
	m.mu.Unlock()

	m.started.Add(ctx, 1, metric.WithAttributes(attribute.String("intent", rule.name)))

	wf.Status = types.WorkflowProcessing
	if err := m.advance(ctx, wf); err != nil {
		return "", err
	}
	return wf.ID, nil
}

// advance submits every step whose dependencies are already satisfied and
// that hasn't already been dispatched.
func (m *Manager) advance(ctx context.Context, wf *types.Workflow) error {
	for _, step := range wf.Steps {
		m.mu.Lock()
		_, alreadyDispatched := wf.StepTasks[step.ID]
		_, alreadyResulted := wf.Results[step.ID]
		ready := !alreadyDispatched && !alreadyResulted && stepReady(wf, step)
		m.mu.Unlock()

		if !ready {
			continue
		}

		taskID, err := m.engine.SubmitTask(ctx, types.TaskDefinition{
			AgentClass:   step.AgentClass,
			Type:         step.TaskType,
			Payload:      step.Payload,
			Priority:     step.Priority,
			Dependencies: stepDepsToTaskDeps(wf, step),
			Timeout:      step.Timeout,
		})
		if err != nil {
			m.failWorkflow(ctx, wf, step.ID, err.Error())
			return err
		}

		m.mu.Lock()
		wf.StepTasks[step.ID] = taskID
		m.mu.Unlock()
	}
	return nil
}

// stepDepsToTaskDeps maps a step's step-id dependencies to the task ids
// already dispatched for them, since the Engine resolves dependencies by
// task id, not step id.
func stepDepsToTaskDeps(wf *types.Workflow, step types.WorkflowStep) []string {
	var out []string
	for _, dep := range step.Dependencies {
		if taskID, ok := wf.StepTasks[dep]; ok {
			out = append(out, taskID)
		}
	}
	return out
}

// OnTaskCompletion consumes one engine.TaskCompletionEvent, merges the
// result into the owning workflow, and advances or fails it.
func (m *Manager) OnTaskCompletion(ctx context.Context, ev engine.TaskCompletionEvent) {
	wf, step := m.findByTaskID(ev.TaskID)
	if wf == nil {
		return
	}

	if ev.Result.Status != types.ResultSuccess {
		m.failWorkflow(ctx, wf, step.ID, ev.Result.Error)
		return
	}

	m.mu.Lock()
	wf.Results[step.ID] = ev.Result.Result
	allDone := len(wf.Results) == len(wf.Steps)
	m.mu.Unlock()

	if allDone {
		m.completeWorkflow(ctx, wf)
		return
	}
	_ = m.advance(ctx, wf)
}

func (m *Manager) findByTaskID(taskID string) (*types.Workflow, types.WorkflowStep) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, wf := range m.workflows {
		for stepID, t := range wf.StepTasks {
			if t == taskID {
				step, err := stepByID(wf, stepID)
				if err != nil {
					return nil, types.WorkflowStep{}
				}
				return wf, *step
			}
		}
	}
	return nil, types.WorkflowStep{}
}

func (m *Manager) completeWorkflow(ctx context.Context, wf *types.Workflow) {
	m.mu.Lock()
	wf.Status = types.WorkflowCompleted
	now := time.Now()
	wf.CompletedAt = &now
	wfCopy := *wf
	m.mu.Unlock()
	m.completed.Add(ctx, 1)
	m.archiveWorkflow(ctx, wfCopy)
}

// failWorkflow marks wf failed, cancels every non-terminal step's task
// (already-completed results are retained, per spec.md §5), and emits a
// user-facing notification.
func (m *Manager) failWorkflow(ctx context.Context, wf *types.Workflow, failedStepID, reason string) {
	m.mu.Lock()
	wf.Status = types.WorkflowFailed
	wf.Errors = append(wf.Errors, reason)
	now := time.Now()
	wf.CompletedAt = &now
	stepTasks := make(map[string]string, len(wf.StepTasks))
	for k, v := range wf.StepTasks {
		if _, done := wf.Results[k]; !done {
			stepTasks[k] = v
		}
	}
	wfCopy := *wf
	m.mu.Unlock()

	m.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("step", failedStepID)))
	m.archiveWorkflow(ctx, wfCopy)

	for _, taskID := range stepTasks {
		_ = m.engine.Cancel(ctx, taskID)
	}

	if m.broker != nil {
		err := m.broker.Publish(ctx, types.ChannelSystemEvents, types.SystemEvent{
			Type:     types.EventUserNotification,
			Severity: "high",
			Message:  "workflow processing failed: " + reason,
			Data:     map[string]interface{}{"workflowId": wf.ID, "stepId": failedStepID},
		})
		if err != nil {
			m.log.Warn("workflowmgr: notify failure publish failed", "error", err)
		}
	}
}

// CancelWorkflow transitions wf to cancelled and cancels every
// non-terminal step's dispatched task.
func (m *Manager) CancelWorkflow(ctx context.Context, workflowID string) error {
	m.mu.Lock()
	wf, ok := m.workflows[workflowID]
	if !ok {
		m.mu.Unlock()
		return types.NewError(types.ErrWorkflowNotFound, "workflow %s not found", workflowID)
	}
	if wf.Status == types.WorkflowCompleted || wf.Status == types.WorkflowFailed || wf.Status == types.WorkflowCancelled {
		m.mu.Unlock()
		return types.NewError(types.ErrWorkflowNotRetry, "workflow %s already terminal", workflowID)
	}
	wf.Status = types.WorkflowCancelled
	now := time.Now()
	wf.CompletedAt = &now
	stepTasks := make(map[string]string, len(wf.StepTasks))
	for k, v := range wf.StepTasks {
		if _, done := wf.Results[k]; !done {
			stepTasks[k] = v
		}
	}
	m.mu.Unlock()

	m.cancellations.Add(ctx, 1)
	for _, taskID := range stepTasks {
		_ = m.engine.Cancel(ctx, taskID)
	}
	return nil
}

// GetWorkflow returns a copy of a workflow's current state.
func (m *Manager) GetWorkflow(workflowID string) (types.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[workflowID]
	if !ok {
		return types.Workflow{}, types.NewError(types.ErrWorkflowNotFound, "workflow %s not found", workflowID)
	}
	return *wf, nil
}

// ListActive returns every workflow not yet in a terminal state.
func (m *Manager) ListActive() []types.Workflow {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Workflow
	for _, wf := range m.workflows {
		if wf.Status == types.WorkflowPending || wf.Status == types.WorkflowProcessing {
			out = append(out, *wf)
		}
	}
	return out
}

// CleanupCompleted drops terminal workflows older than retention, per
// spec.md §4.D, in the shape of the teacher's CancellationManager.Cleanup.
func (m *Manager) CleanupCompleted(retention time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	cleaned := 0
	for id, wf := range m.workflows {
		if wf.Status != types.WorkflowCompleted && wf.Status != types.WorkflowFailed && wf.Status != types.WorkflowCancelled {
			continue
		}
		if wf.CompletedAt != nil && now.Sub(*wf.CompletedAt) > retention {
			delete(m.workflows, id)
			cleaned++
		}
	}
	return cleaned
}

// StartCleanupLoop runs CleanupCompleted on interval until ctx is done —
// the teacher's StartCleanupLoop shape.
func (m *Manager) StartCleanupLoop(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.CleanupCompleted(retention); n > 0 {
				m.log.Info("workflowmgr: cleaned up completed workflows", "count", n)
			}
		}
	}
}

// Run drains the engine's completion channel and feeds OnTaskCompletion
// until ctx is done, matching spec.md §9's preference for message-passing
// over an in-process event emitter.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.engine.Completions():
			if !ok {
				return
			}
			m.OnTaskCompletion(ctx, ev)
		}
	}
}
