package broker

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/lumenforge/agentflow/internal/resilience"
	"github.com/lumenforge/agentflow/internal/types"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	b := &Broker{
		cmd:      redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		enqLimit: resilience.NewHybridRateLimiter(10000, 100000, 10000, time.Microsecond),
		tracer:   otel.Tracer("agentflow-broker-test"),
		log:      slog.Default(),
	}
	t.Cleanup(func() { b.enqLimit.Stop() })
	return b
}

func TestSetGetRoundTrip(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	type payload struct {
		Name string `json:"name"`
	}
	require.NoError(t, b.Set(ctx, "agent-1", payload{Name: "scout"}, SetOptions{TTL: TTLRegistry, Prefix: PrefixRegistry}))

	var out payload
	found, err := b.Get(ctx, "agent-1", PrefixRegistry, &out)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "scout", out.Name)

	require.NoError(t, b.Del(ctx, "agent-1", PrefixRegistry))
	found, err = b.Get(ctx, "agent-1", PrefixRegistry, &out)
	require.NoError(t, err)
	require.False(t, found)
}

func TestEnqueueDequeuePriorityBeforeFIFO(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	low, high := 1, 9
	require.NoError(t, b.Enqueue(ctx, types.ClassAnalysis, types.AgentMessage{ID: "fifo-1", Type: types.MessageTask}))
	require.NoError(t, b.Enqueue(ctx, types.ClassAnalysis, types.AgentMessage{ID: "prio-low", Type: types.MessageTask, Priority: &low}))
	require.NoError(t, b.Enqueue(ctx, types.ClassAnalysis, types.AgentMessage{ID: "prio-high", Type: types.MessageTask, Priority: &high}))

	msg, err := b.Dequeue(ctx, types.ClassAnalysis, 0)
	require.NoError(t, err)
	require.Equal(t, "prio-high", msg.ID)

	msg, err = b.Dequeue(ctx, types.ClassAnalysis, 0)
	require.NoError(t, err)
	require.Equal(t, "prio-low", msg.ID)

	msg, err = b.Dequeue(ctx, types.ClassAnalysis, 0)
	require.NoError(t, err)
	require.Equal(t, "fifo-1", msg.ID)

	msg, err = b.Dequeue(ctx, types.ClassAnalysis, 0)
	require.NoError(t, err)
	require.Nil(t, msg)
}

func TestQueueLengthCountsBothLanes(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	prio := 5

	require.NoError(t, b.Enqueue(ctx, types.ClassIngestion, types.AgentMessage{ID: "a", Priority: &prio}))
	require.NoError(t, b.Enqueue(ctx, types.ClassIngestion, types.AgentMessage{ID: "b"}))

	n, err := b.QueueLength(ctx, types.ClassIngestion)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestMoveToDeadLetter(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.MoveToDeadLetter(ctx, types.ClassExtraction, types.AgentMessage{ID: "doomed"}, "max retries exceeded"))
	n, err := b.DeadLetterLength(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestAcquireReleaseLock(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	ok, err := b.AcquireLock(ctx, "workflow-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.AcquireLock(ctx, "workflow-1", time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "a held lock must not be re-acquirable")

	require.NoError(t, b.ReleaseLock(ctx, "workflow-1"))
	ok, err = b.AcquireLock(ctx, "workflow-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "lock must be acquirable again after release")
}

func TestPublishSubscribe(t *testing.T) {
	b := newTestBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub := b.Subscribe(ctx, types.ChannelSystemEvents)
	defer sub.Close()
	time.Sleep(50 * time.Millisecond) // let the subscription register before publishing

	event := types.SystemEvent{Type: types.EventSystemAlert, Severity: "warning", Message: "queue backlog"}
	require.NoError(t, b.Publish(ctx, types.ChannelSystemEvents, event))

	select {
	case msg := <-sub.Messages():
		var got types.SystemEvent
		require.NoError(t, DecodePayload(msg.Payload, &got))
		require.Equal(t, event.Type, got.Type)
		require.Equal(t, event.Message, got.Message)
	case <-ctx.Done():
		t.Fatal("timed out waiting for published event")
	}
}
