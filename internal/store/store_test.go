package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/lumenforge/agentflow/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), otel.Meter("agentflow-store-test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestArchiveAndGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	completedAt := time.Now()

	wf := types.Workflow{
		ID:            "wf-1",
		InstructionID: "instr-1",
		Status:        types.WorkflowCompleted,
		CreatedAt:     completedAt.Add(-time.Minute),
		CompletedAt:   &completedAt,
	}
	require.NoError(t, s.Archive(ctx, wf))

	got, found, err := s.Get(ctx, "wf-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, types.WorkflowCompleted, got.Status)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, found, err := s.Get(context.Background(), "never-archived")
	require.NoError(t, err)
	require.False(t, found)
}

func TestListByInstructionFiltersByTimeRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 3; i++ {
		completedAt := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.Archive(ctx, types.Workflow{
			ID:            "wf-" + string(rune('a'+i)),
			InstructionID: "instr-shared",
			Status:        types.WorkflowCompleted,
			CreatedAt:     completedAt,
			CompletedAt:   &completedAt,
		}))
	}

	all, err := s.ListByInstruction(ctx, "instr-shared", base.Add(-time.Second), base.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, all, 3)

	narrow, err := s.ListByInstruction(ctx, "instr-shared", base.Add(30*time.Second), base.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, narrow, 2)
}

func TestStatsReportsExecutionCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	completedAt := time.Now()
	require.NoError(t, s.Archive(ctx, types.Workflow{ID: "wf-stats", CreatedAt: completedAt, CompletedAt: &completedAt}))

	stats := s.Stats()
	require.Equal(t, 1, stats["executions_count"])
}
