package scheduler

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/lumenforge/agentflow/internal/engine"
	"github.com/lumenforge/agentflow/internal/registry"
	"github.com/lumenforge/agentflow/internal/types"
	"github.com/lumenforge/agentflow/internal/workflowmgr"
)

func newTestScheduler(t *testing.T) (*Scheduler, *workflowmgr.Manager) {
	t.Helper()
	reg := registry.New(nil)
	// An available ingestion agent lets a re-submitted instruction dispatch
	// its first step instead of failing with NoAvailableAgents.
	require.NoError(t, reg.Register(context.Background(), types.AgentRegistration{
		AgentID:    "ingestion-agent",
		AgentClass: types.ClassIngestion,
	}))
	eng := engine.New(nil, reg)
	wf := workflowmgr.New(eng, nil)

	s, err := Open(t.TempDir(), wf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s, wf
}

func TestAddScheduleRegistersCronEntry(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	err := s.AddSchedule(ctx, ScheduleConfig{
		Name:        "daily-digest",
		CronExpr:    "0 0 9 * * *",
		Instruction: types.UserInstruction{ID: "digest", Text: "summarize this"},
		Enabled:     true,
	})
	require.NoError(t, err)

	stats := s.Stats()
	require.Equal(t, 1, stats["cron_entries"])
}

func TestAddScheduleRejectsInvalidCronExpr(t *testing.T) {
	s, _ := newTestScheduler(t)
	err := s.AddSchedule(context.Background(), ScheduleConfig{Name: "bad", CronExpr: "not-a-cron"})
	require.Error(t, err)
}

func TestListAndRemoveSchedule(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	require.NoError(t, s.AddSchedule(ctx, ScheduleConfig{
		Name: "weekly-report", CronExpr: "0 0 8 * * 1",
		Instruction: types.UserInstruction{ID: "weekly", Text: "summarize this"}, Enabled: true,
	}))

	schedules, err := s.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	require.Equal(t, "weekly-report", schedules[0].Name)

	require.NoError(t, s.RemoveSchedule(ctx, "weekly-report"))
	schedules, err = s.ListSchedules(ctx)
	require.NoError(t, err)
	require.Empty(t, schedules)

	stats := s.Stats()
	require.Equal(t, 0, stats["cron_entries"])
}

func TestRestoreSchedulesSkipsDisabled(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	// Persist an enabled and a disabled schedule directly, without going
	// through AddSchedule, to simulate records left over from a prior run
	// that RestoreSchedules must re-register from scratch.
	require.NoError(t, s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSchedules)
		enabled, _ := json.Marshal(ScheduleConfig{
			Name: "enabled-one", CronExpr: "0 */5 * * * *",
			Instruction: types.UserInstruction{ID: "e1", Text: "summarize this"}, Enabled: true,
		})
		disabled, _ := json.Marshal(ScheduleConfig{
			Name: "disabled-one", CronExpr: "0 */5 * * * *",
			Instruction: types.UserInstruction{ID: "d1", Text: "summarize this"}, Enabled: false,
		})
		if err := bucket.Put([]byte("enabled-one"), enabled); err != nil {
			return err
		}
		return bucket.Put([]byte("disabled-one"), disabled)
	}))

	require.NoError(t, s.RestoreSchedules(ctx))

	s.mu.RLock()
	_, enabledRestored := s.entries["enabled-one"]
	_, disabledRestored := s.entries["disabled-one"]
	s.mu.RUnlock()
	require.True(t, enabledRestored)
	require.False(t, disabledRestored)
}

func TestRunReSubmitsInstruction(t *testing.T) {
	s, wf := newTestScheduler(t)
	ctx := context.Background()

	s.run(ctx, ScheduleConfig{
		Name:        "manual-trigger",
		Instruction: types.UserInstruction{ID: "manual", Text: "summarize this"},
	})

	active := wf.ListActive()
	require.Len(t, active, 1)
}
