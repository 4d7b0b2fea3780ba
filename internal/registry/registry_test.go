package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/lumenforge/agentflow/internal/broker"
	"github.com/lumenforge/agentflow/internal/types"
)

func TestRegisterAndGet(t *testing.T) {
	r := New(nil)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, types.AgentRegistration{AgentID: "a1", AgentClass: types.ClassAnalysis}))
	reg, ok := r.Get("a1")
	require.True(t, ok)
	require.Equal(t, types.AgentActive, reg.Status)
	require.NotZero(t, reg.Sequence)
}

func TestRegisterRejectsUnknownClass(t *testing.T) {
	r := New(nil)
	err := r.Register(context.Background(), types.AgentRegistration{AgentID: "a1", AgentClass: "bogus"})
	require.Error(t, err)
	kind, ok := types.KindOf(err)
	require.True(t, ok)
	require.Equal(t, types.ErrAgentUnavailable, kind)
}

func TestUnregisterUnknownAgent(t *testing.T) {
	r := New(nil)
	err := r.Unregister(context.Background(), "ghost")
	require.Error(t, err)
	kind, _ := types.KindOf(err)
	require.Equal(t, types.ErrAgentNotFound, kind)
}

func TestDistributeTaskRoundRobinIsDeterministic(t *testing.T) {
	r := New(nil)
	ctx := context.Background()
	for _, id := range []string{"a1", "a2", "a3"} {
		require.NoError(t, r.Register(ctx, types.AgentRegistration{AgentID: id, AgentClass: types.ClassIngestion}))
	}

	var order []string
	for i := 0; i < 6; i++ {
		pick, err := r.DistributeTask(types.ClassIngestion)
		require.NoError(t, err)
		order = append(order, pick.AgentID)
	}
	require.Equal(t, []string{"a1", "a2", "a3", "a1", "a2", "a3"}, order)
}

func TestDistributeTaskNoAvailableAgents(t *testing.T) {
	r := New(nil)
	_, err := r.DistributeTask(types.ClassSynthesis)
	require.Error(t, err)
	kind, _ := types.KindOf(err)
	require.Equal(t, types.ErrNoAvailableAgents, kind)
}

func TestSweepOnceEvictsStaleHeartbeats(t *testing.T) {
	r := New(nil)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, types.AgentRegistration{AgentID: "stale", AgentClass: types.ClassPedagogy}))

	r.mu.Lock()
	r.agents["stale"].LastHeartbeat = types.NowMillis() - (HeartbeatTTL + time.Second).Milliseconds()
	r.mu.Unlock()

	n := r.SweepOnce(ctx)
	require.Equal(t, 1, n)

	_, ok := r.Get("stale")
	require.False(t, ok)

	_, err := r.DistributeTask(types.ClassPedagogy)
	require.Error(t, err)
	kind, _ := types.KindOf(err)
	require.Equal(t, types.ErrNoAvailableAgents, kind)
}

func TestRunRefreshesLocalStateFromAgentStatusChannel(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b, err := broker.New(ctx, broker.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	r := New(b)
	require.NoError(t, r.Register(ctx, types.AgentRegistration{AgentID: "a1", AgentClass: types.ClassAnalysis}))

	go r.Run(ctx)
	time.Sleep(50 * time.Millisecond) // let the subscription register before publishing

	require.NoError(t, b.Publish(ctx, types.ChannelAgentStatus, types.AgentStatusEvent{
		AgentID:   "a1",
		Status:    types.AgentBusy,
		Timestamp: types.NowMillis(),
	}))

	select {
	case ev := <-r.StatusChanges():
		require.Equal(t, "a1", ev.AgentID)
		require.Equal(t, types.AgentBusy, ev.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for agentStatusChanged notification")
	}

	require.Eventually(t, func() bool {
		reg, ok := r.Get("a1")
		return ok && reg.Status == types.AgentBusy
	}, 2*time.Second, 10*time.Millisecond)
}

func TestListAvailableOrderedBySequence(t *testing.T) {
	r := New(nil)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, types.AgentRegistration{AgentID: "second", AgentClass: types.ClassExtraction}))
	require.NoError(t, r.Register(ctx, types.AgentRegistration{AgentID: "third", AgentClass: types.ClassExtraction}))

	avail := r.ListAvailable(types.ClassExtraction)
	require.Len(t, avail, 2)
	require.True(t, avail[0].Sequence < avail[1].Sequence)
}
