// Package orchestrator implements the Orchestrator Facade of spec.md §4.E:
// the single entry point composing the Agent Registry, Task Distribution
// Engine and Workflow Manager, with an initialize/shutdown lifecycle and
// self-registration as a first-class orchestrator-class agent — grounded
// on the teacher's main.go bootstrap sequence (init logging → init tracer
// → init metrics → construct dependent components → serve → graceful
// shutdown), generalized from an HTTP-server lifecycle to a library-facade
// one.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/lumenforge/agentflow/internal/broker"
	"github.com/lumenforge/agentflow/internal/engine"
	"github.com/lumenforge/agentflow/internal/registry"
	"github.com/lumenforge/agentflow/internal/store"
	"github.com/lumenforge/agentflow/internal/types"
	"github.com/lumenforge/agentflow/internal/workflowmgr"
)

// selfCapabilities are the capabilities the facade registers itself with
// on initialize, per spec.md §4.E.
var selfCapabilities = []string{
	"task_coordination",
	"workflow_management",
	"agent_monitoring",
	"error_handling",
}

// Options configures a Facade's dependent components.
type Options struct {
	Broker broker.Options
}

// Facade is the single entry point described by spec.md §4.E. Every API
// method refuses to run before Initialize succeeds; the WorkflowManager,
// SetArchive and Meter accessors do not check readiness.
type Facade struct {
	mu          sync.RWMutex
	initialized bool
	selfAgentID string

	broker   *broker.Broker
	registry *registry.Registry
	engine   *engine.Engine
	workflow *workflowmgr.Manager

	lifecycleCancel context.CancelFunc
	tracer          trace.Tracer
	log             *slog.Logger
}

// New constructs an uninitialized Facade. Call Initialize before using it.
func New() *Facade {
	return &Facade{
		tracer: otel.Tracer("agentflow-orchestrator"),
		log:    slog.Default().With("component", "orchestrator"),
	}
}

// Initialize connects the broker, wires the registry/engine/workflow
// manager, registers the facade itself as an orchestrator-class agent, and
// starts the registry's liveness sweep, the engine's taskProgress consumer,
// and the workflow manager's completion consumer and cleanup loop.
func (f *Facade) Initialize(ctx context.Context, opts Options) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initialized {
		return nil
	}

	b, err := broker.New(ctx, opts.Broker)
	if err != nil {
		return types.NewError(types.ErrBrokerUnavailable, "broker connect failed: %v", err)
	}

	reg := registry.New(b)
	eng := engine.New(b, reg)
	wf := workflowmgr.New(eng, b)

	f.selfAgentID = "orchestrator-" + uuid.NewString()
	if err := reg.Register(ctx, types.AgentRegistration{
		AgentID:      f.selfAgentID,
		AgentClass:   types.ClassOrchestrator,
		Capabilities: selfCapabilities,
		Status:       types.AgentActive,
	}); err != nil {
		_ = b.Close()
		return err
	}

	lifecycleCtx, cancel := context.WithCancel(context.Background())
	go reg.StartLivenessSweep(lifecycleCtx)
	go reg.Run(lifecycleCtx)
	go eng.Run(lifecycleCtx)
	go wf.Run(lifecycleCtx)
	go wf.StartCleanupLoop(lifecycleCtx, 10*time.Minute, workflowmgr.DefaultRetentionPeriod)

	f.broker = b
	f.registry = reg
	f.engine = eng
	f.workflow = wf
	f.lifecycleCancel = cancel
	f.initialized = true

	f.log.Info("orchestrator: initialized", "self_agent_id", f.selfAgentID)
	return nil
}

// Shutdown cancels processing tasks, unregisters self, stops the
// background loops and closes the broker client, per spec.md §4.E.
func (f *Facade) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.initialized {
		return nil
	}

	f.engine.Shutdown(ctx)
	if err := f.registry.Unregister(ctx, f.selfAgentID); err != nil {
		f.log.Warn("orchestrator: self-unregister failed", "error", err)
	}
	f.lifecycleCancel()
	err := f.broker.Close()

	f.initialized = false
	f.log.Info("orchestrator: shutdown complete")
	return err
}

func (f *Facade) ready() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.initialized {
		return types.NewError(types.ErrNotInitialized, "orchestrator facade used before initialize")
	}
	return nil
}

// ProcessUserInstruction classifies and plans instr, dispatching its first
// dependency-free steps.
func (f *Facade) ProcessUserInstruction(ctx context.Context, instr types.UserInstruction) (string, error) {
	if err := f.ready(); err != nil {
		return "", err
	}
	return f.workflow.Process(ctx, instr)
}

// GetWorkflowStatus returns a copy of a workflow's current state.
func (f *Facade) GetWorkflowStatus(workflowID string) (types.Workflow, error) {
	if err := f.ready(); err != nil {
		return types.Workflow{}, err
	}
	return f.workflow.GetWorkflow(workflowID)
}

// CancelWorkflow cancels a non-terminal workflow and its in-flight steps.
func (f *Facade) CancelWorkflow(ctx context.Context, workflowID string) error {
	if err := f.ready(); err != nil {
		return err
	}
	return f.workflow.CancelWorkflow(ctx, workflowID)
}

// GetActiveWorkflows returns every workflow not yet in a terminal state.
func (f *Facade) GetActiveWorkflows() ([]types.Workflow, error) {
	if err := f.ready(); err != nil {
		return nil, err
	}
	return f.workflow.ListActive(), nil
}

// SubmitTask submits a single task directly to the engine, bypassing
// workflow planning.
func (f *Facade) SubmitTask(ctx context.Context, def types.TaskDefinition) (string, error) {
	if err := f.ready(); err != nil {
		return "", err
	}
	if def.AgentClass == types.ClassOrchestrator {
		// The orchestrator's self-registration exists for visibility only;
		// it must never be handed dispatchable work (spec.md §9).
		return "", types.NewError(types.ErrAgentUnavailable, "tasks cannot target the orchestrator class directly")
	}
	return f.engine.SubmitTask(ctx, def)
}

// SubmitBatchTasks submits each definition in order, returning the task ids
// assigned to those that succeeded and the first error encountered, if any.
func (f *Facade) SubmitBatchTasks(ctx context.Context, defs []types.TaskDefinition) ([]string, error) {
	if err := f.ready(); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(defs))
	for _, def := range defs {
		id, err := f.SubmitTask(ctx, def)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// GetTaskStatus returns one task's lifecycle status.
func (f *Facade) GetTaskStatus(taskID string) (string, error) {
	if err := f.ready(); err != nil {
		return "", err
	}
	return f.engine.GetTaskStatus(taskID)
}

// CancelTask cancels one pending or processing task.
func (f *Facade) CancelTask(ctx context.Context, taskID string) error {
	if err := f.ready(); err != nil {
		return err
	}
	return f.engine.Cancel(ctx, taskID)
}

// GetQueueStatus returns one class's queue snapshot, or every class's when
// class is empty.
func (f *Facade) GetQueueStatus(class types.AgentClass) (map[types.AgentClass]types.TaskQueueState, error) {
	if err := f.ready(); err != nil {
		return nil, err
	}
	return f.engine.GetQueueStatus(class), nil
}

// GetTaskMetrics returns one class's rolling metrics, or every class's when
// class is empty.
func (f *Facade) GetTaskMetrics(class types.AgentClass) (map[types.AgentClass]types.TaskMetrics, error) {
	if err := f.ready(); err != nil {
		return nil, err
	}
	return f.engine.GetTaskMetrics(class), nil
}

// GetAgentHealth returns every registered agent, grouped by class.
func (f *Facade) GetAgentHealth() (map[types.AgentClass][]types.AgentRegistration, error) {
	if err := f.ready(); err != nil {
		return nil, err
	}
	out := make(map[types.AgentClass][]types.AgentRegistration)
	for _, class := range []types.AgentClass{
		types.ClassOrchestrator, types.ClassIngestion, types.ClassAnalysis,
		types.ClassExtraction, types.ClassPedagogy, types.ClassSynthesis,
	} {
		out[class] = f.registry.ListByClass(class)
	}
	return out, nil
}

// SystemHealth is the aggregate status surfaced by GetSystemHealth.
type SystemHealth struct {
	BrokerHealthy    bool                                      `json:"brokerHealthy"`
	RegisteredAgents int                                       `json:"registeredAgents"`
	QueueStatus      map[types.AgentClass]types.TaskQueueState `json:"queueStatus"`
}

// WorkflowManager exposes the facade's Workflow Manager for components that
// sit alongside it, such as internal/scheduler's recurring re-submission.
func (f *Facade) WorkflowManager() *workflowmgr.Manager {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.workflow
}

// SetArchive attaches a BoltDB-backed execution archive to the facade's
// workflow manager, so every workflow that reaches a terminal state gets
// persisted for operator inspection.
func (f *Facade) SetArchive(s *store.Store) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	f.workflow.SetArchive(s)
}

// Meter returns the global meter backing this facade's instruments, for
// components such as internal/store that record their own metrics.
func (f *Facade) Meter() metric.Meter {
	return otel.Meter("agentflow")
}

// GetSystemHealth aggregates broker health, registry size, and queue state
// into one snapshot.
func (f *Facade) GetSystemHealth(ctx context.Context) (SystemHealth, error) {
	if err := f.ready(); err != nil {
		return SystemHealth{}, err
	}
	return SystemHealth{
		BrokerHealthy:    f.broker.IsHealthy(ctx),
		RegisteredAgents: f.registry.Count(),
		QueueStatus:      f.engine.GetQueueStatus(""),
	}, nil
}
