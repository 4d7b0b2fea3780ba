package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/lumenforge/agentflow/internal/types"
)

func (e *Engine) scheduleTimeout(taskID string, def types.TaskDefinition) {
	timer := time.AfterFunc(def.Timeout, func() { e.onTimeout(taskID) })
	e.mu.Lock()
	e.timeouts[taskID] = timer
	e.mu.Unlock()
}

func (e *Engine) clearTimeout(taskID string) {
	if timer, ok := e.timeouts[taskID]; ok {
		timer.Stop()
		delete(e.timeouts, taskID)
	}
}

// onTimeout fires when a processing task's scheduled deadline elapses: it
// fire-and-forgets a cancel message to the worker and synthesizes a
// timeout result, per spec.md §4.C.
func (e *Engine) onTimeout(taskID string) {
	ctx := context.Background()

	e.mu.Lock()
	entry, ok := e.processing[taskID]
	e.mu.Unlock()
	if !ok {
		return
	}

	cancelMsg := types.AgentMessage{
		ID:        entry.Task.ID + "-cancel",
		Type:      types.MessageTask,
		AgentType: entry.Task.AgentClass,
		Payload:   map[string]interface{}{"action": "cancel", "taskId": taskID},
		Timestamp: types.NowMillis(),
	}
	if e.broker != nil {
		if err := e.broker.Enqueue(ctx, entry.Task.AgentClass, cancelMsg); err != nil {
			e.log.Warn("engine: cancel-on-timeout enqueue failed", "task_id", taskID, "error", err)
		}
	}

	result := types.TaskResult{
		TaskID:        taskID,
		AgentID:       entry.AgentID,
		Status:        types.ResultTimeout,
		Error:         "task execution timed out",
		ExecutionTime: time.Since(entry.StartTime),
		CompletedAt:   time.Now(),
	}
	e.completeTask(ctx, taskID, result)
}

// ProcessTaskProgress handles a taskProgress Pub/Sub event: presence of a
// result or error signals completion; otherwise it's a progress tick and
// is ignored here (progress is observational only — spec.md §6).
func (e *Engine) ProcessTaskProgress(ctx context.Context, ev types.TaskProgressEvent) {
	if ev.Error == "" && ev.Result == nil {
		return
	}

	e.mu.Lock()
	entry, ok := e.processing[ev.TaskID]
	e.mu.Unlock()
	if !ok {
		e.log.Debug("engine: progress event for unknown/already-terminal task", "task_id", ev.TaskID)
		return
	}

	if ev.Error != "" {
		e.handleFailure(ctx, ev.TaskID, types.TaskResult{
			TaskID:        ev.TaskID,
			AgentID:       ev.AgentID,
			Status:        types.ResultError,
			Error:         ev.Error,
			ExecutionTime: time.Since(entry.StartTime),
			CompletedAt:   time.Now(),
		})
		return
	}

	e.completeTask(ctx, ev.TaskID, types.TaskResult{
		TaskID:        ev.TaskID,
		AgentID:       ev.AgentID,
		Status:        types.ResultSuccess,
		Result:        ev.Result,
		ExecutionTime: time.Since(entry.StartTime),
		CompletedAt:   time.Now(),
	})
}

// handleFailure classifies a failed result, either scheduling a backed-off
// re-submission (spec.md §4.C retry policy) or finalizing the task as a
// terminal failure.
func (e *Engine) handleFailure(ctx context.Context, taskID string, result types.TaskResult) {
	e.mu.Lock()
	entry, ok := e.processing[taskID]
	e.mu.Unlock()
	if !ok {
		return
	}
	task := entry.Task

	if classifyRetryable(result.Error) && task.RetryCount < task.RetryPolicy.MaxRetries {
		delay := backoffDelay(task.RetryPolicy, task.RetryCount)
		task.RetryCount++

		e.mu.Lock()
		e.clearTimeout(taskID)
		delete(e.processing, taskID)
		e.queues[task.AgentClass].CurrentTasks--
		e.pending[taskID] = &task
		e.mu.Unlock()

		e.taskRetries.Add(ctx, 1, metric.WithAttributes(
			attribute.String("class", string(task.AgentClass)),
			attribute.Int("retry_count", task.RetryCount),
		))
		e.log.Info("engine: scheduling retry", "task_id", taskID, "retry_count", task.RetryCount, "delay", delay)

		timer := time.AfterFunc(delay, func() { e.tryProcess(context.Background(), taskID) })
		e.mu.Lock()
		e.retryTimers[taskID] = timer
		e.mu.Unlock()
		return
	}

	e.taskFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("class", string(task.AgentClass))))
	e.emitSystemIssue(ctx, "task_failure", "medium", fmt.Sprintf("task %s exhausted retries: %s", taskID, result.Error))
	e.completeTask(ctx, taskID, result)
}

// completeTask is the completion pipeline of spec.md §4.C: clear timeout,
// move pending/processing→completed, update queue counters, mark the
// dependency record, update metrics, free the agent, walk dependents, attempt
// the next pending admission, and emit the in-process completion event —
// in that order, so external observers never see inconsistent
// intermediate state.
func (e *Engine) completeTask(ctx context.Context, taskID string, result types.TaskResult) {
	_, span := e.tracer.Start(ctx, "engine.complete_task", trace.WithAttributes(
		attribute.String("task_id", taskID),
		attribute.String("status", string(result.Status)),
	))
	defer span.End()

	e.mu.Lock()
	e.clearTimeout(taskID)

	var class types.AgentClass
	var agentID string
	if entry, ok := e.processing[taskID]; ok {
		class = entry.Task.AgentClass
		agentID = entry.AgentID
		delete(e.processing, taskID)
		e.queues[class].CurrentTasks--
	} else if def, ok := e.pending[taskID]; ok {
		class = def.AgentClass
		delete(e.pending, taskID)
	}

	e.completed[taskID] = &result
	if qs, ok := e.queues[class]; ok {
		if result.Status == types.ResultSuccess {
			qs.CompletedTasks++
		} else {
			qs.FailedTasks++
		}
	}

	var dependents []string
	if dep, ok := e.dependencies[taskID]; ok {
		if result.Status == types.ResultSuccess {
			dep.Status = types.DepCompleted
		} else {
			dep.Status = types.DepFailed
		}
	}
	dependents = append(dependents, e.dependents[taskID]...)
	e.mu.Unlock()

	e.taskDuration.Record(ctx, float64(result.ExecutionTime.Milliseconds()), metric.WithAttributes(
		attribute.String("class", string(class)),
	))
	e.classStats[class].recordCompletion(result)
	if cb, ok := e.breakers[class]; ok {
		cb.RecordResult(result.Status == types.ResultSuccess)
	}

	if agentID != "" && e.registry != nil {
		_ = e.registry.UpdateStatus(ctx, agentID, types.AgentActive, map[string]interface{}{
			"currentTask":       nil,
			"lastCompletedTask": taskID,
		})
	}

	for _, depTaskID := range dependents {
		e.checkDependencies(ctx, depTaskID)
	}

	e.processNextPending(ctx, class)
	e.emitCompletion(TaskCompletionEvent{TaskID: taskID, Result: result})
}

// processNextPending admits as many dependency-ready pending tasks of
// class as the freed concurrency allows, highest priority first, and
// raises the backlog watchdog alert of spec.md §4.C.
func (e *Engine) processNextPending(ctx context.Context, class types.AgentClass) {
	e.mu.Lock()
	cfg := e.classConfig[class]
	var ready []*types.TaskDefinition
	pendingCount := 0
	for id, def := range e.pending {
		if def.AgentClass != class {
			continue
		}
		pendingCount++
		// A dependency record in DepWaiting hasn't cleared checkDependencies
		// yet; DepReady/DepProcessing means it already has (the latter
		// happens when a retry puts an already-admitted task back here).
		if dep, ok := e.dependencies[id]; ok && dep.Status == types.DepWaiting {
			continue
		}
		ready = append(ready, def)
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].Priority > ready[j].Priority })
	e.mu.Unlock()

	threshold := 2 * cfg.MaxConcurrency
	if pendingCount > 3*cfg.MaxConcurrency {
		severity := "medium"
		if pendingCount > 2*threshold {
			severity = "high"
		}
		e.emitQueueBacklog(ctx, class, pendingCount, severity)
	}

	for _, def := range ready {
		e.tryProcess(ctx, def.ID)
	}
}

func (e *Engine) emitSystemIssue(ctx context.Context, kind, severity, message string) {
	if e.broker == nil {
		return
	}
	err := e.broker.Publish(ctx, types.ChannelSystemEvents, types.SystemEvent{
		Type:     types.EventSystemAlert,
		Severity: severity,
		Message:  message,
		Data:     map[string]interface{}{"kind": kind},
	})
	if err != nil {
		e.log.Warn("engine: publish systemIssue failed", "error", err)
	}
}

func (e *Engine) emitQueueBacklog(ctx context.Context, class types.AgentClass, count int, severity string) {
	if e.broker == nil {
		return
	}
	err := e.broker.Publish(ctx, types.ChannelSystemEvents, types.SystemEvent{
		Type:     types.EventSystemAlert,
		Severity: severity,
		Message:  fmt.Sprintf("queue backlog for class %s", class),
		Data:     map[string]interface{}{"kind": "queueBacklog", "class": string(class), "pending": count},
	})
	if err != nil {
		e.log.Warn("engine: publish queueBacklog failed", "error", err)
	}
}

// Cancel implements spec.md §4.C cancellation semantics.
func (e *Engine) Cancel(ctx context.Context, taskID string) error {
	e.mu.Lock()
	if _, ok := e.pending[taskID]; ok {
		delete(e.pending, taskID)
		e.mu.Unlock()
		return nil
	}

	entry, processing := e.processing[taskID]
	if processing {
		class := entry.Task.AgentClass
		e.clearTimeout(taskID)
		delete(e.processing, taskID)
		e.queues[class].CurrentTasks--
		e.mu.Unlock()

		cancelMsg := types.AgentMessage{
			ID:        taskID + "-cancel",
			Type:      types.MessageTask,
			AgentType: class,
			Payload:   map[string]interface{}{"action": "cancel", "taskId": taskID},
			Timestamp: types.NowMillis(),
		}
		if e.broker != nil {
			_ = e.broker.Enqueue(ctx, class, cancelMsg)
		}
		return nil
	}

	if _, ok := e.completed[taskID]; ok {
		e.mu.Unlock()
		return types.NewError(types.ErrTaskAlreadyTerminal, "task %s not found or already completed", taskID)
	}
	e.mu.Unlock()
	return types.NewError(types.ErrTaskNotFound, "task %s not found or already completed", taskID)
}

// GetTaskStatus reports one of {pending, processing, completed, failed,
// timeout}.
func (e *Engine) GetTaskStatus(taskID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.pending[taskID]; ok {
		return "pending", nil
	}
	if _, ok := e.processing[taskID]; ok {
		return "processing", nil
	}
	if result, ok := e.completed[taskID]; ok {
		switch result.Status {
		case types.ResultSuccess:
			return "completed", nil
		case types.ResultTimeout:
			return "timeout", nil
		default:
			return "failed", nil
		}
	}
	return "", types.NewError(types.ErrTaskNotFound, "task %s not found", taskID)
}

// GetQueueStatus returns a snapshot of one class's queue state, or every
// class's when class is empty.
func (e *Engine) GetQueueStatus(class types.AgentClass) map[types.AgentClass]types.TaskQueueState {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[types.AgentClass]types.TaskQueueState)
	if class != "" {
		if qs, ok := e.queues[class]; ok {
			out[class] = *qs
		}
		return out
	}
	for c, qs := range e.queues {
		out[c] = *qs
	}
	return out
}

// GetTaskMetrics returns a snapshot of one class's rolling metrics, or
// every class's when class is empty.
func (e *Engine) GetTaskMetrics(class types.AgentClass) map[types.AgentClass]types.TaskMetrics {
	out := make(map[types.AgentClass]types.TaskMetrics)
	if class != "" {
		if cm, ok := e.classStats[class]; ok {
			out[class] = cm.snapshot(class)
		}
		return out
	}
	for c, cm := range e.classStats {
		out[c] = cm.snapshot(c)
	}
	return out
}

// Shutdown cancels every processing task, per spec.md §3's invariant that
// remaining processing tasks are cancelled on shutdown.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.processing))
	for id := range e.processing {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		_ = e.Cancel(ctx, id)
	}
}
