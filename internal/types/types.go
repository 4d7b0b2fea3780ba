// Package types holds the wire and in-process data model shared by the
// broker, registry, engine, and workflow manager.
package types

import "time"

// AgentClass is the closed enum partitioning the queue space.
type AgentClass string

const (
	ClassOrchestrator AgentClass = "orchestrator"
	ClassIngestion    AgentClass = "ingestion"
	ClassAnalysis     AgentClass = "analysis"
	ClassExtraction   AgentClass = "extraction"
	ClassPedagogy     AgentClass = "pedagogy"
	ClassSynthesis    AgentClass = "synthesis"
)

// ValidClasses lists every known agent class, in the priority order
// spec.md §4.C assigns them.
var ValidClasses = []AgentClass{
	ClassOrchestrator, ClassIngestion, ClassAnalysis,
	ClassExtraction, ClassPedagogy, ClassSynthesis,
}

func (c AgentClass) Valid() bool {
	for _, v := range ValidClasses {
		if v == c {
			return true
		}
	}
	return false
}

// AgentStatus is the lifecycle state of a registered agent.
type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentInactive AgentStatus = "inactive"
	AgentBusy     AgentStatus = "busy"
	AgentError    AgentStatus = "error"
)

// AgentRegistration is the record tracked by the Agent Registry.
type AgentRegistration struct {
	AgentID       string                 `json:"agentId"`
	AgentClass    AgentClass             `json:"agentClass"`
	Capabilities  []string               `json:"capabilities"`
	Status        AgentStatus            `json:"status"`
	LastHeartbeat int64                  `json:"lastHeartbeat"` // wall-clock ms
	Metadata      map[string]interface{} `json:"metadata,omitempty"`

	// Sequence breaks round-robin ties deterministically by insertion order.
	Sequence uint64 `json:"-"`
}

// RetryPolicy governs classified retry with exponential backoff.
type RetryPolicy struct {
	MaxRetries        int     `json:"maxRetries"`
	BackoffMultiplier float64 `json:"backoffMultiplier"`
	InitialDelay      int64   `json:"initialDelay"` // ms
}

// DefaultRetryPolicy matches spec.md §6's configuration defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BackoffMultiplier: 2, InitialDelay: 1000}
}

// TaskDefinition is the unit submitted to the Task Distribution Engine.
type TaskDefinition struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"`
	AgentClass   AgentClass             `json:"agentClass"`
	Payload      map[string]interface{} `json:"payload"`
	Priority     int                    `json:"priority"`
	Dependencies []string               `json:"dependencies,omitempty"`
	Timeout      time.Duration          `json:"timeout"`
	RetryPolicy  RetryPolicy            `json:"retryPolicy"`

	// RetryCount is mutated internally as the engine re-submits after a
	// classified-retryable failure.
	RetryCount int `json:"retryCount"`
}

// TaskResultStatus is the terminal or near-terminal state of a task.
type TaskResultStatus string

const (
	ResultSuccess TaskResultStatus = "success"
	ResultError   TaskResultStatus = "error"
	ResultTimeout TaskResultStatus = "timeout"
)

// TaskResult is the outcome reported by (or synthesized on behalf of) a
// worker agent.
type TaskResult struct {
	TaskID        string                 `json:"taskId"`
	AgentID       string                 `json:"agentId"`
	Status        TaskResultStatus       `json:"status"`
	Result        map[string]interface{} `json:"result,omitempty"`
	Error         string                 `json:"error,omitempty"`
	ExecutionTime time.Duration          `json:"executionTime"`
	CompletedAt   time.Time              `json:"completedAt"`
}

// DependencyStatus is the monotonic status of a TaskDependencyRecord.
type DependencyStatus string

const (
	DepWaiting    DependencyStatus = "waiting"
	DepReady      DependencyStatus = "ready"
	DepProcessing DependencyStatus = "processing"
	DepCompleted  DependencyStatus = "completed"
	DepFailed     DependencyStatus = "failed"
)

// TaskDependencyRecord tracks one task's dependency-satisfaction state.
type TaskDependencyRecord struct {
	TaskID    string
	DependsOn []string
	Status    DependencyStatus
}

// TaskQueueState is the per-class queue bookkeeping of spec.md §3.
type TaskQueueState struct {
	Class          AgentClass
	MaxConcurrency int
	DefaultPrio    int
	CurrentTasks   int
	TotalTasks     int
	CompletedTasks int
	FailedTasks    int
}

// TaskMetrics is the per-class rolling metrics snapshot of spec.md §3.
type TaskMetrics struct {
	Class                AgentClass
	TotalTasks           int
	CompletedTasks       int
	FailedTasks          int
	AverageExecutionTime time.Duration
	Throughput           float64 // tasks/min over trailing 60s
	ErrorRate            float64
}

// WorkflowStatus is the lifecycle state of a Workflow.
type WorkflowStatus string

const (
	WorkflowPending    WorkflowStatus = "pending"
	WorkflowProcessing WorkflowStatus = "processing"
	WorkflowCompleted  WorkflowStatus = "completed"
	WorkflowFailed     WorkflowStatus = "failed"
	WorkflowCancelled  WorkflowStatus = "cancelled"
)

// WorkflowStep is one node of the plan's DAG.
type WorkflowStep struct {
	ID           string                 `json:"id"`
	AgentClass   AgentClass             `json:"agentClass"`
	TaskType     string                 `json:"taskType"`
	Payload      map[string]interface{} `json:"payload"`
	Dependencies []string               `json:"dependencies,omitempty"`
	Priority     int                    `json:"priority"`
	Timeout      time.Duration          `json:"timeout"`
}

// Workflow is the user-facing unit of work.
type Workflow struct {
	ID            string                            `json:"id"`
	InstructionID string                            `json:"instructionId"`
	UserID        string                            `json:"userId"`
	Status        WorkflowStatus                    `json:"status"`
	Steps         []WorkflowStep                    `json:"steps"`
	Results       map[string]map[string]interface{} `json:"results"`
	Errors        []string                          `json:"errors,omitempty"`
	RetryCount    int                                `json:"retryCount"`
	CreatedAt     time.Time                          `json:"createdAt"`
	CompletedAt   *time.Time                         `json:"completedAt,omitempty"`

	// StepTasks maps a step id to the task id currently (or most recently)
	// dispatched for it, the one-to-one mapping spec.md §4.D requires.
	StepTasks map[string]string `json:"stepTasks,omitempty"`
}

// MessageKind is the wire-level discriminator for an AgentMessage.
type MessageKind string

const (
	MessageTask   MessageKind = "task"
	MessageStatus MessageKind = "status"
	MessageResult MessageKind = "result"
	MessageError  MessageKind = "error"
)

// AgentMessage is the wire envelope enqueued on a class queue.
type AgentMessage struct {
	ID         string                 `json:"id"`
	Type       MessageKind            `json:"type"`
	AgentType  AgentClass             `json:"agentType"`
	Payload    map[string]interface{} `json:"payload"`
	Timestamp  int64                  `json:"timestamp"`
	Priority   *int                   `json:"priority,omitempty"`
	RetryCount *int                   `json:"retryCount,omitempty"`
	MaxRetries *int                   `json:"maxRetries,omitempty"`
}

// UserInstruction is the free-form input to the Workflow Manager.
type UserInstruction struct {
	ID         string                 `json:"id"`
	UserID     string                 `json:"userId"`
	DocumentID string                 `json:"documentId"`
	Text       string                 `json:"text"`
	Options    map[string]interface{} `json:"options,omitempty"`
	Priority   int                    `json:"priority,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Pub/Sub channel names, per spec.md §6.
const (
	ChannelAgentStatus   = "agentStatus"
	ChannelTaskProgress  = "taskProgress"
	ChannelSystemEvents  = "systemEvents"
)

// AgentStatusEvent is published on ChannelAgentStatus.
type AgentStatusEvent struct {
	AgentID   string                 `json:"agentId"`
	Status    AgentStatus            `json:"status"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// TaskProgressEvent is published on ChannelTaskProgress. Presence of
// Result or Error signals completion; otherwise it is a progress tick.
type TaskProgressEvent struct {
	TaskID   string                 `json:"taskId"`
	AgentID  string                 `json:"agentId"`
	Progress map[string]interface{} `json:"progress,omitempty"`
	Result   map[string]interface{} `json:"result,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// SystemEventType is the tag on ChannelSystemEvents payloads.
type SystemEventType string

const (
	EventAgentRegistered   SystemEventType = "agent_registered"
	EventAgentUnregistered SystemEventType = "agent_unregistered"
	EventUserNotification  SystemEventType = "userNotification"
	EventSystemAlert       SystemEventType = "systemAlert"
)

// SystemEvent is the tagged payload published on ChannelSystemEvents.
type SystemEvent struct {
	Type     SystemEventType        `json:"type"`
	Severity string                 `json:"severity,omitempty"`
	Message  string                 `json:"message,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

// NowMillis returns the current wall-clock time in milliseconds.
func NowMillis() int64 { return time.Now().UnixMilli() }
