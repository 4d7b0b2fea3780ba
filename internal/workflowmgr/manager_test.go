package workflowmgr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/lumenforge/agentflow/internal/engine"
	"github.com/lumenforge/agentflow/internal/registry"
	"github.com/lumenforge/agentflow/internal/store"
	"github.com/lumenforge/agentflow/internal/types"
)

func newTestManager(t *testing.T, classes ...types.AgentClass) (*Manager, *engine.Engine, *registry.Registry) {
	t.Helper()
	reg := registry.New(nil)
	eng := engine.New(nil, reg)
	ctx := context.Background()
	for _, class := range classes {
		require.NoError(t, reg.Register(ctx, types.AgentRegistration{
			AgentID:    string(class) + "-agent",
			AgentClass: class,
		}))
	}
	return New(eng, nil), eng, reg
}

// complete finds the task dispatched for stepID and drives its completion
// through the manager, the way engine.Completions() would in production.
func complete(t *testing.T, m *Manager, eng *engine.Engine, workflowID, stepID string, result types.TaskResult) {
	t.Helper()
	wf, err := m.GetWorkflow(workflowID)
	require.NoError(t, err)
	taskID, ok := wf.StepTasks[stepID]
	require.True(t, ok, "step %s has no dispatched task yet", stepID)
	result.TaskID = taskID
	m.OnTaskCompletion(context.Background(), engine.TaskCompletionEvent{TaskID: taskID, Result: result})
}

func TestProcessSummaryWorkflow(t *testing.T) {
	m, eng, _ := newTestManager(t, types.ClassIngestion, types.ClassAnalysis)
	ctx := context.Background()

	wfID, err := m.Process(ctx, types.UserInstruction{ID: "i1", Text: "please summarize this document"})
	require.NoError(t, err)

	wf, err := m.GetWorkflow(wfID)
	require.NoError(t, err)
	require.Len(t, wf.Steps, 2)
	require.Equal(t, "extract_text", wf.Steps[0].TaskType)
	require.Equal(t, "generate_summary", wf.Steps[1].TaskType)

	complete(t, m, eng, wfID, wf.Steps[0].ID, types.TaskResult{Status: types.ResultSuccess, Result: map[string]interface{}{"text": "..."}, CompletedAt: time.Now()})

	wf, err = m.GetWorkflow(wfID)
	require.NoError(t, err)
	require.Equal(t, types.WorkflowProcessing, wf.Status)

	complete(t, m, eng, wfID, wf.Steps[1].ID, types.TaskResult{Status: types.ResultSuccess, Result: map[string]interface{}{"summary": "..."}, CompletedAt: time.Now()})

	wf, err = m.GetWorkflow(wfID)
	require.NoError(t, err)
	require.Equal(t, types.WorkflowCompleted, wf.Status)
	require.Len(t, wf.Results, 2)
}

func TestProcessExtractKnowledgeWorkflow(t *testing.T) {
	m, eng, _ := newTestManager(t, types.ClassIngestion, types.ClassExtraction)
	ctx := context.Background()

	wfID, err := m.Process(ctx, types.UserInstruction{ID: "i2", Text: "extract the key concepts and definitions"})
	require.NoError(t, err)

	wf, _ := m.GetWorkflow(wfID)
	require.Equal(t, "extract_text", wf.Steps[0].TaskType)
	require.Equal(t, "extract_knowledge", wf.Steps[1].TaskType)

	complete(t, m, eng, wfID, wf.Steps[0].ID, types.TaskResult{Status: types.ResultSuccess, CompletedAt: time.Now()})
	complete(t, m, eng, wfID, wf.Steps[1].ID, types.TaskResult{Status: types.ResultSuccess, CompletedAt: time.Now()})

	wf, err = m.GetWorkflow(wfID)
	require.NoError(t, err)
	require.Equal(t, types.WorkflowCompleted, wf.Status)
}

// TestProcessStudyMaterialsWorkflowANDGating exercises the one intent whose
// final step depends on two predecessors (analysis AND extraction), both of
// which depend on the same first step.
func TestProcessStudyMaterialsWorkflowANDGating(t *testing.T) {
	m, eng, _ := newTestManager(t, types.ClassIngestion, types.ClassAnalysis, types.ClassExtraction, types.ClassPedagogy)
	ctx := context.Background()

	wfID, err := m.Process(ctx, types.UserInstruction{ID: "i3", Text: "generate flashcards and a quiz for this chapter"})
	require.NoError(t, err)

	wf, _ := m.GetWorkflow(wfID)
	require.Len(t, wf.Steps, 4)
	extractTextStep := wf.Steps[0]
	analyzeStep := wf.Steps[1]
	extractConceptsStep := wf.Steps[2]
	studyMaterialsStep := wf.Steps[3]
	require.Equal(t, "generate_study_materials", studyMaterialsStep.TaskType)
	require.ElementsMatch(t, []string{analyzeStep.ID, extractConceptsStep.ID}, studyMaterialsStep.Dependencies)

	complete(t, m, eng, wfID, extractTextStep.ID, types.TaskResult{Status: types.ResultSuccess, CompletedAt: time.Now()})

	// Only analysis finishes first — pedagogy must not be dispatched yet.
	complete(t, m, eng, wfID, analyzeStep.ID, types.TaskResult{Status: types.ResultSuccess, CompletedAt: time.Now()})
	wf, _ = m.GetWorkflow(wfID)
	_, dispatched := wf.StepTasks[studyMaterialsStep.ID]
	require.False(t, dispatched, "pedagogy step must wait for both analysis and extraction")

	complete(t, m, eng, wfID, extractConceptsStep.ID, types.TaskResult{Status: types.ResultSuccess, CompletedAt: time.Now()})
	wf, _ = m.GetWorkflow(wfID)
	_, dispatched = wf.StepTasks[studyMaterialsStep.ID]
	require.True(t, dispatched, "pedagogy step should dispatch once both predecessors complete")

	complete(t, m, eng, wfID, studyMaterialsStep.ID, types.TaskResult{Status: types.ResultSuccess, CompletedAt: time.Now()})
	wf, err = m.GetWorkflow(wfID)
	require.NoError(t, err)
	require.Equal(t, types.WorkflowCompleted, wf.Status)
}

func TestProcessDefaultIntentFallsBackToProcessDocument(t *testing.T) {
	m, _, _ := newTestManager(t, types.ClassIngestion)
	wfID, err := m.Process(context.Background(), types.UserInstruction{ID: "i4", Text: "do something unusual with this file"})
	require.NoError(t, err)

	wf, err := m.GetWorkflow(wfID)
	require.NoError(t, err)
	require.Len(t, wf.Steps, 1)
	require.Equal(t, "process_document", wf.Steps[0].TaskType)
}

func TestWorkflowFailsWhenAStepFailsNonRetryably(t *testing.T) {
	m, eng, _ := newTestManager(t, types.ClassIngestion, types.ClassAnalysis)
	ctx := context.Background()

	wfID, err := m.Process(ctx, types.UserInstruction{ID: "i5", Text: "summarize this"})
	require.NoError(t, err)
	wf, _ := m.GetWorkflow(wfID)

	complete(t, m, eng, wfID, wf.Steps[0].ID, types.TaskResult{Status: types.ResultError, Error: "invalid payload: malformed", CompletedAt: time.Now()})

	wf, err = m.GetWorkflow(wfID)
	require.NoError(t, err)
	require.Equal(t, types.WorkflowFailed, wf.Status)
	require.NotEmpty(t, wf.Errors)
}

func TestCancelWorkflowCancelsInFlightStep(t *testing.T) {
	m, _, _ := newTestManager(t, types.ClassIngestion, types.ClassAnalysis)
	ctx := context.Background()

	wfID, err := m.Process(ctx, types.UserInstruction{ID: "i6", Text: "summarize this"})
	require.NoError(t, err)

	require.NoError(t, m.CancelWorkflow(ctx, wfID))
	wf, err := m.GetWorkflow(wfID)
	require.NoError(t, err)
	require.Equal(t, types.WorkflowCancelled, wf.Status)

	err = m.CancelWorkflow(ctx, wfID)
	require.Error(t, err)
	kind, _ := types.KindOf(err)
	require.Equal(t, types.ErrWorkflowNotRetry, kind)
}

func TestCancelUnknownWorkflow(t *testing.T) {
	m, _, _ := newTestManager(t, types.ClassIngestion)
	err := m.CancelWorkflow(context.Background(), "never-existed")
	require.Error(t, err)
	kind, _ := types.KindOf(err)
	require.Equal(t, types.ErrWorkflowNotFound, kind)
}

func TestCleanupCompletedDropsOldTerminalWorkflows(t *testing.T) {
	m, eng, _ := newTestManager(t, types.ClassIngestion, types.ClassAnalysis)
	ctx := context.Background()

	wfID, err := m.Process(ctx, types.UserInstruction{ID: "i7", Text: "summarize this"})
	require.NoError(t, err)
	wf, _ := m.GetWorkflow(wfID)
	complete(t, m, eng, wfID, wf.Steps[0].ID, types.TaskResult{Status: types.ResultSuccess, CompletedAt: time.Now()})
	complete(t, m, eng, wfID, wf.Steps[1].ID, types.TaskResult{Status: types.ResultSuccess, CompletedAt: time.Now()})

	m.mu.Lock()
	completedAt := time.Now().Add(-2 * time.Hour)
	m.workflows[wfID].CompletedAt = &completedAt
	m.mu.Unlock()

	n := m.CleanupCompleted(time.Hour)
	require.Equal(t, 1, n)
	_, err = m.GetWorkflow(wfID)
	require.Error(t, err)
}

func TestCompletedWorkflowIsArchived(t *testing.T) {
	m, eng, _ := newTestManager(t, types.ClassIngestion, types.ClassAnalysis)
	ctx := context.Background()

	archive, err := store.Open(t.TempDir(), otel.Meter("workflowmgr-test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = archive.Close() })
	m.SetArchive(archive)

	wfID, err := m.Process(ctx, types.UserInstruction{ID: "i8", Text: "summarize this"})
	require.NoError(t, err)
	wf, _ := m.GetWorkflow(wfID)
	complete(t, m, eng, wfID, wf.Steps[0].ID, types.TaskResult{Status: types.ResultSuccess, CompletedAt: time.Now()})
	complete(t, m, eng, wfID, wf.Steps[1].ID, types.TaskResult{Status: types.ResultSuccess, CompletedAt: time.Now()})

	archived, found, err := archive.Get(ctx, wfID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, types.WorkflowCompleted, archived.Status)
}

func TestFailedWorkflowIsArchived(t *testing.T) {
	m, eng, _ := newTestManager(t, types.ClassIngestion, types.ClassAnalysis)
	ctx := context.Background()

	archive, err := store.Open(t.TempDir(), otel.Meter("workflowmgr-test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = archive.Close() })
	m.SetArchive(archive)

	wfID, err := m.Process(ctx, types.UserInstruction{ID: "i9", Text: "summarize this"})
	require.NoError(t, err)
	wf, _ := m.GetWorkflow(wfID)
	complete(t, m, eng, wfID, wf.Steps[0].ID, types.TaskResult{Status: types.ResultError, Error: "invalid payload: malformed", CompletedAt: time.Now()})

	archived, found, err := archive.Get(ctx, wfID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, types.WorkflowFailed, archived.Status)
}
