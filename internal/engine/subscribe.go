package engine

import (
	"context"

	"github.com/lumenforge/agentflow/internal/broker"
	"github.com/lumenforge/agentflow/internal/types"
)

// Run subscribes to the taskProgress channel and drives the completion
// pipeline from incoming events until ctx is cancelled. Parse failures are
// logged, never propagated (spec.md §4.A).
func (e *Engine) Run(ctx context.Context) {
	if e.broker == nil {
		return
	}
	sub := e.broker.Subscribe(ctx, types.ChannelTaskProgress)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			var ev types.TaskProgressEvent
			if err := broker.DecodePayload(msg.Payload, &ev); err != nil {
				e.log.Warn("engine: malformed taskProgress payload", "error", err)
				continue
			}
			e.ProcessTaskProgress(ctx, ev)
		}
	}
}
