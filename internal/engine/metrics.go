package engine

import (
	"sync"
	"time"

	"github.com/lumenforge/agentflow/internal/types"
)

// throughputWindow is the trailing window spec.md §3 defines for
// TaskMetrics.Throughput.
const throughputWindow = 60 * time.Second

// classMetrics accumulates the per-class rolling figures of spec.md §3.
// Throughput is computed from completion timestamps (the Open Question
// fix SPEC_FULL.md §5 calls for), not from the executionTime duration
// field the distilled spec's source actually compared against a
// wall-clock cutoff.
type classMetrics struct {
	mu                   sync.Mutex
	totalTasks           int
	completedTasks       int
	failedTasks          int
	sumExecutionTime     time.Duration
	completionTimestamps []time.Time
}

func newClassMetrics() *classMetrics {
	return &classMetrics{}
}

func (m *classMetrics) recordSubmission() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalTasks++
}

func (m *classMetrics) recordCompletion(result types.TaskResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if result.Status == types.ResultSuccess {
		m.completedTasks++
	} else {
		m.failedTasks++
	}
	m.sumExecutionTime += result.ExecutionTime
	m.completionTimestamps = append(m.completionTimestamps, time.Now())
	m.trimLocked()
}

func (m *classMetrics) trimLocked() {
	cutoff := time.Now().Add(-throughputWindow)
	i := 0
	for ; i < len(m.completionTimestamps); i++ {
		if m.completionTimestamps[i].After(cutoff) {
			break
		}
	}
	m.completionTimestamps = m.completionTimestamps[i:]
}

func (m *classMetrics) snapshot(class types.AgentClass) types.TaskMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trimLocked()

	completedAndFailed := m.completedTasks + m.failedTasks
	var avg time.Duration
	if completedAndFailed > 0 {
		avg = m.sumExecutionTime / time.Duration(completedAndFailed)
	}
	var errorRate float64
	if completedAndFailed > 0 {
		errorRate = float64(m.failedTasks) / float64(completedAndFailed)
	}

	return types.TaskMetrics{
		Class:                class,
		TotalTasks:           m.totalTasks,
		CompletedTasks:       m.completedTasks,
		FailedTasks:          m.failedTasks,
		AverageExecutionTime: avg,
		Throughput:           float64(len(m.completionTimestamps)),
		ErrorRate:            errorRate,
	}
}
