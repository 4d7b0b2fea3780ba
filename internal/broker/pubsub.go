package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Publish JSON-encodes payload and publishes it on channel.
func (b *Broker) Publish(ctx context.Context, channel string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal publish payload on %s: %w", channel, err)
	}
	if err := b.cmd.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscription wraps a live channel subscription.
type Subscription struct {
	ps *redis.PubSub
	ch <-chan *redis.Message
}

// Subscribe opens a subscription to one or more channels. Callers range
// over Messages() and JSON-decode the raw payload themselves (the three
// logical channels carry different payload shapes).
func (b *Broker) Subscribe(ctx context.Context, channels ...string) *Subscription {
	ps := b.cmd.Subscribe(ctx, channels...)
	return &Subscription{ps: ps, ch: ps.Channel()}
}

// Messages returns the channel of raw Pub/Sub messages.
func (s *Subscription) Messages() <-chan *redis.Message {
	return s.ch
}

// Close ends the subscription.
func (s *Subscription) Close() error {
	return s.ps.Close()
}

// DecodePayload is a small helper for subscribers: JSON-decode msg.Payload
// into out, logging (by returning the error to the caller) rather than
// propagating a parse failure into the whole fan-out loop, per spec.md
// §4.A ("parse failures are logged, not propagated").
func DecodePayload(raw string, out interface{}) error {
	return json.Unmarshal([]byte(raw), out)
}
