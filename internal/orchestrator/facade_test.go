package orchestrator

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/lumenforge/agentflow/internal/broker"
	"github.com/lumenforge/agentflow/internal/types"
)

func newTestFacade(t *testing.T) *Facade {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	f := New()
	ctx := context.Background()
	require.NoError(t, f.Initialize(ctx, Options{Broker: broker.Options{Addr: mr.Addr()}}))
	t.Cleanup(func() { _ = f.Shutdown(context.Background()) })
	return f
}

func TestMethodsRefuseBeforeInitialize(t *testing.T) {
	f := New()
	_, err := f.SubmitTask(context.Background(), types.TaskDefinition{AgentClass: types.ClassAnalysis})
	require.Error(t, err)
	kind, ok := types.KindOf(err)
	require.True(t, ok)
	require.Equal(t, types.ErrNotInitialized, kind)
}

func TestInitializeRegistersSelfAsOrchestrator(t *testing.T) {
	f := newTestFacade(t)
	health, err := f.GetAgentHealth()
	require.NoError(t, err)
	require.Len(t, health[types.ClassOrchestrator], 1)
	require.Equal(t, types.AgentActive, health[types.ClassOrchestrator][0].Status)
}

func TestSubmitTaskRejectsOrchestratorClass(t *testing.T) {
	f := newTestFacade(t)
	_, err := f.SubmitTask(context.Background(), types.TaskDefinition{AgentClass: types.ClassOrchestrator})
	require.Error(t, err)
	kind, _ := types.KindOf(err)
	require.Equal(t, types.ErrAgentUnavailable, kind)
}

func TestSubmitTaskNoAvailableAgentsSurfacesThroughFacade(t *testing.T) {
	f := newTestFacade(t)
	_, err := f.SubmitTask(context.Background(), types.TaskDefinition{AgentClass: types.ClassAnalysis})
	require.Error(t, err)
	kind, _ := types.KindOf(err)
	require.Equal(t, types.ErrNoAvailableAgents, kind)
}

func TestProcessUserInstructionThroughFacade(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()
	require.NoError(t, f.registry.Register(ctx, types.AgentRegistration{AgentID: "i1", AgentClass: types.ClassIngestion}))

	wfID, err := f.ProcessUserInstruction(ctx, types.UserInstruction{ID: "u1", Text: "process this file"})
	require.NoError(t, err)
	require.NotEmpty(t, wfID)

	wf, err := f.GetWorkflowStatus(wfID)
	require.NoError(t, err)
	require.Equal(t, types.WorkflowProcessing, wf.Status)
}

func TestGetSystemHealthReportsBrokerUp(t *testing.T) {
	f := newTestFacade(t)
	health, err := f.GetSystemHealth(context.Background())
	require.NoError(t, err)
	require.True(t, health.BrokerHealthy)
	require.Equal(t, 1, health.RegisteredAgents)
}

func TestShutdownUnregistersSelf(t *testing.T) {
	f := newTestFacade(t)
	require.NoError(t, f.Shutdown(context.Background()))

	_, stillRegistered := f.registry.Get(f.selfAgentID)
	require.False(t, stillRegistered)

	_, err := f.GetAgentHealth()
	require.Error(t, err)
	kind, _ := types.KindOf(err)
	require.Equal(t, types.ErrNotInitialized, kind)
}

func TestDoubleInitializeIsNoop(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	f := New()
	ctx := context.Background()
	require.NoError(t, f.Initialize(ctx, Options{Broker: broker.Options{Addr: mr.Addr()}}))
	firstID := f.selfAgentID
	require.NoError(t, f.Initialize(ctx, Options{Broker: broker.Options{Addr: mr.Addr()}}))
	require.Equal(t, firstID, f.selfAgentID)
	_ = f.Shutdown(ctx)
}

func TestGetQueueStatusAllClasses(t *testing.T) {
	f := newTestFacade(t)
	status, err := f.GetQueueStatus("")
	require.NoError(t, err)
	require.Len(t, status, 6)
}
