package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lumenforge/agentflow/internal/types"
)

func queueKey(class types.AgentClass) string {
	return fmt.Sprintf("queue:%s", class)
}

// priorityQueueKey names the sorted set holding class's prioritized
// messages; a Redis key holds a single type, so it cannot share queueKey's
// FIFO list.
func priorityQueueKey(class types.AgentClass) string {
	return queueKey(class) + ":priority"
}

const deadLetterKey = "queue:deadletter"

// DeadLetterEnvelope wraps a message that exhausted its retries, the way
// spec.md §4.A's shared dead-letter queue records why and when.
type DeadLetterEnvelope struct {
	Message             types.AgentMessage `json:"message"`
	OriginalClass       types.AgentClass   `json:"originalClass"`
	DeadLetterTimestamp int64              `json:"deadLetterTimestamp"`
	Reason              string             `json:"reason"`
}

// Enqueue places msg on the class queue. A non-nil msg.Priority routes it
// into the sorted set scored by priority (ZADD, popped highest-first via
// ZPOPMAX); a nil priority routes it into the plain FIFO list (LPUSH,
// popped via BRPOP) — the hybrid priority/FIFO split spec.md §4.A asks for.
func (b *Broker) Enqueue(ctx context.Context, class types.AgentClass, msg types.AgentMessage) error {
	if err := b.enqLimit.AllowOrWait(ctx); err != nil {
		return types.NewError(types.ErrBrokerUnavailable, "enqueue admission: %v", err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	key := queueKey(class)

	if msg.Priority != nil {
		err = b.cmd.ZAdd(ctx, priorityQueueKey(class), redis.Z{Score: float64(*msg.Priority), Member: data}).Err()
	} else {
		err = b.cmd.LPush(ctx, key, data).Err()
	}
	if err != nil {
		return types.NewError(types.ErrBrokerUnavailable, "enqueue %s: %v", key, err)
	}
	return nil
}

// Dequeue pops the next message for class: priority messages (the sorted
// set) drain before FIFO ones, matching spec.md §4.A's ordering.
// waitTimeout bounds the blocking FIFO pop; zero means don't block.
func (b *Broker) Dequeue(ctx context.Context, class types.AgentClass, waitTimeout time.Duration) (*types.AgentMessage, error) {
	key := queueKey(class)

	if res, err := b.cmd.ZPopMax(ctx, priorityQueueKey(class), 1).Result(); err != nil {
		return nil, types.NewError(types.ErrBrokerUnavailable, "zpopmax %s: %v", key, err)
	} else if len(res) > 0 {
		return decodeMessage(res[0].Member)
	}

	if waitTimeout <= 0 {
		raw, err := b.cmd.RPop(ctx, key).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, types.NewError(types.ErrBrokerUnavailable, "rpop %s: %v", key, err)
		}
		return decodeMessage(raw)
	}

	res, err := b.cmd.BRPop(ctx, waitTimeout, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewError(types.ErrBrokerUnavailable, "brpop %s: %v", key, err)
	}
	// BRPop returns [key, value]
	return decodeMessage(res[1])
}

func decodeMessage(raw interface{}) (*types.AgentMessage, error) {
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return nil, fmt.Errorf("unexpected queue member type %T", raw)
	}
	var msg types.AgentMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal queued message: %w", err)
	}
	return &msg, nil
}

// QueueLength reports the combined depth of the priority set and the FIFO
// list for class — used by the engine's backlog watchdog.
func (b *Broker) QueueLength(ctx context.Context, class types.AgentClass) (int64, error) {
	key := queueKey(class)
	zlen, err := b.cmd.ZCard(ctx, priorityQueueKey(class)).Result()
	if err != nil {
		return 0, types.NewError(types.ErrBrokerUnavailable, "zcard %s: %v", key, err)
	}
	llen, err := b.cmd.LLen(ctx, key).Result()
	if err != nil {
		return 0, types.NewError(types.ErrBrokerUnavailable, "llen %s: %v", key, err)
	}
	return zlen + llen, nil
}

// MoveToDeadLetter appends msg, tagged with its originating class and a
// reason, to the shared dead-letter queue.
func (b *Broker) MoveToDeadLetter(ctx context.Context, originalClass types.AgentClass, msg types.AgentMessage, reason string) error {
	env := DeadLetterEnvelope{
		Message:             msg,
		OriginalClass:       originalClass,
		DeadLetterTimestamp: types.NowMillis(),
		Reason:              reason,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal dead-letter envelope: %w", err)
	}
	if err := b.cmd.LPush(ctx, deadLetterKey, data).Err(); err != nil {
		return types.NewError(types.ErrBrokerUnavailable, "dead-letter push: %v", err)
	}
	return nil
}

// DeadLetterLength reports the current backlog of undeliverable messages.
func (b *Broker) DeadLetterLength(ctx context.Context) (int64, error) {
	n, err := b.cmd.LLen(ctx, deadLetterKey).Result()
	if err != nil {
		return 0, types.NewError(types.ErrBrokerUnavailable, "dead-letter llen: %v", err)
	}
	return n, nil
}
