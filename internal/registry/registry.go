// Package registry implements the Agent Registry of spec.md §4.B: a
// mutex-guarded membership table with liveness sweeping and a
// deterministic round-robin dispatcher, in the shape of the teacher's
// CancellationManager (mutex-guarded map + metrics + tracer).
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/lumenforge/agentflow/internal/broker"
	"github.com/lumenforge/agentflow/internal/types"
)

const (
	// HeartbeatTTL is how long a registration is considered fresh without a
	// renewed heartbeat before the sweep unregisters it.
	HeartbeatTTL = 90 * time.Second
	// SweepInterval is how often the liveness sweep runs.
	SweepInterval = 30 * time.Second
)

// Registry tracks every registered agent and brokers round-robin
// dispatch among them.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*types.AgentRegistration
	nextRR map[types.AgentClass]int // next round-robin index to pick, per class
	seq    uint64

	broker        *broker.Broker
	statusChanges chan types.AgentStatusEvent
	tracer        trace.Tracer
	log           *slog.Logger

	registrations  metric.Int64Counter
	unregistration metric.Int64Counter
	evictions      metric.Int64Counter
}

// New builds a Registry backed by b for pub/sub fan-out of membership
// changes.
func New(b *broker.Broker) *Registry {
	meter := otel.Meter("agentflow")
	registrations, _ := meter.Int64Counter("agentflow_registry_registrations_total")
	unregistration, _ := meter.Int64Counter("agentflow_registry_unregistrations_total")
	evictions, _ := meter.Int64Counter("agentflow_registry_evictions_total")

	return &Registry{
		agents:         make(map[string]*types.AgentRegistration),
		nextRR:         make(map[types.AgentClass]int),
		broker:         b,
		statusChanges:  make(chan types.AgentStatusEvent, 256),
		tracer:         otel.Tracer("agentflow-registry"),
		log:            slog.Default().With("component", "registry"),
		registrations:  registrations,
		unregistration: unregistration,
		evictions:      evictions,
	}
}

// Register adds or refreshes an agent's membership record.
func (r *Registry) Register(ctx context.Context, reg types.AgentRegistration) error {
	ctx, span := r.tracer.Start(ctx, "registry.register", trace.WithAttributes(
		attribute.String("agent_id", reg.AgentID),
		attribute.String("agent_class", string(reg.AgentClass)),
	))
	defer span.End()

	if !reg.AgentClass.Valid() {
		return types.NewError(types.ErrAgentUnavailable, "unknown agent class %q", reg.AgentClass)
	}

	r.mu.Lock()
	reg.Status = types.AgentActive
	reg.LastHeartbeat = types.NowMillis()
	r.seq++
	reg.Sequence = r.seq
	r.agents[reg.AgentID] = &reg
	r.mu.Unlock()

	r.registrations.Add(ctx, 1, metric.WithAttributes(attribute.String("class", string(reg.AgentClass))))

	if r.broker != nil {
		if err := r.broker.Set(ctx, reg.AgentID, reg, broker.SetOptions{TTL: broker.TTLRegistry, Prefix: broker.PrefixRegistry}); err != nil {
			r.log.Warn("registry: persist registration failed", "agent_id", reg.AgentID, "error", err)
		}
		r.publishStatus(ctx, reg.AgentID, types.AgentActive, nil)
		_ = r.broker.Publish(ctx, types.ChannelSystemEvents, types.SystemEvent{
			Type: types.EventAgentRegistered,
			Data: map[string]interface{}{"agentId": reg.AgentID, "agentClass": string(reg.AgentClass)},
		})
	}
	return nil
}

// Unregister removes an agent's membership record.
func (r *Registry) Unregister(ctx context.Context, agentID string) error {
	r.mu.Lock()
	_, exists := r.agents[agentID]
	delete(r.agents, agentID)
	r.mu.Unlock()

	if !exists {
		return types.NewError(types.ErrAgentNotFound, "agent %s not registered", agentID)
	}

	r.unregistration.Add(ctx, 1)
	if r.broker != nil {
		_ = r.broker.Del(ctx, agentID, broker.PrefixRegistry)
		r.publishStatus(ctx, agentID, types.AgentInactive, nil)
		_ = r.broker.Publish(ctx, types.ChannelSystemEvents, types.SystemEvent{
			Type: types.EventAgentUnregistered,
			Data: map[string]interface{}{"agentId": agentID},
		})
	}
	return nil
}

// UpdateStatus changes an agent's lifecycle status and refreshes its
// heartbeat.
func (r *Registry) UpdateStatus(ctx context.Context, agentID string, status types.AgentStatus, metadata map[string]interface{}) error {
	r.mu.Lock()
	reg, exists := r.agents[agentID]
	if exists {
		reg.Status = status
		reg.LastHeartbeat = types.NowMillis()
		if metadata != nil {
			reg.Metadata = metadata
		}
	}
	r.mu.Unlock()

	if !exists {
		return types.NewError(types.ErrAgentNotFound, "agent %s not registered", agentID)
	}
	if r.broker != nil {
		r.publishStatus(ctx, agentID, status, metadata)
	}
	return nil
}

func (r *Registry) publishStatus(ctx context.Context, agentID string, status types.AgentStatus, metadata map[string]interface{}) {
	err := r.broker.Publish(ctx, types.ChannelAgentStatus, types.AgentStatusEvent{
		AgentID:   agentID,
		Status:    status,
		Metadata:  metadata,
		Timestamp: types.NowMillis(),
	})
	if err != nil {
		r.log.Warn("registry: publish status failed", "agent_id", agentID, "error", err)
	}
}

// Get returns a copy of an agent's registration.
func (r *Registry) Get(agentID string) (types.AgentRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.agents[agentID]
	if !ok {
		return types.AgentRegistration{}, false
	}
	return *reg, true
}

// ListByClass returns every agent registered under class, regardless of
// status.
func (r *Registry) ListByClass(class types.AgentClass) []types.AgentRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.AgentRegistration
	for _, reg := range r.agents {
		if reg.AgentClass == class {
			out = append(out, *reg)
		}
	}
	return out
}

// ListAvailable returns agents of class currently in AgentActive status,
// ordered by registration sequence (oldest first) so callers get a stable
// base for round-robin selection.
func (r *Registry) ListAvailable(class types.AgentClass) []types.AgentRegistration {
	all := r.ListByClass(class)
	out := make([]types.AgentRegistration, 0, len(all))
	for _, reg := range all {
		if reg.Status == types.AgentActive {
			out = append(out, reg)
		}
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Sequence < out[i].Sequence {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

// DistributeTask picks the next available agent of class via deterministic
// round-robin: ties within the same sweep are broken by registration
// sequence, so repeated calls against an unchanged registry snapshot always
// pick the same agent in the same order (spec.md §4.B).
func (r *Registry) DistributeTask(class types.AgentClass) (types.AgentRegistration, error) {
	candidates := r.ListAvailable(class)
	if len(candidates) == 0 {
		return types.AgentRegistration{}, types.NewError(types.ErrNoAvailableAgents, "no available agents for class %s", class)
	}

	r.mu.Lock()
	idx := r.nextRR[class] % len(candidates)
	r.nextRR[class] = idx + 1
	r.mu.Unlock()

	return candidates[idx], nil
}

// SweepOnce unregisters every agent whose heartbeat is older than
// HeartbeatTTL, per spec.md §3 ("destroyed on unregister or when
// now−lastHeartbeat > AGENT_TIMEOUT") — a stale agent is fully removed via
// Unregister, not merely marked inactive, so it also broadcasts
// agent_unregistered like any other removal (spec.md §4.B).
func (r *Registry) SweepOnce(ctx context.Context) int {
	cutoff := types.NowMillis() - HeartbeatTTL.Milliseconds()
	var stale []string

	r.mu.RLock()
	for id, reg := range r.agents {
		if reg.LastHeartbeat < cutoff {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	evicted := 0
	for _, id := range stale {
		r.log.Warn("registry: evicting stale agent", "agent_id", id)
		if err := r.Unregister(ctx, id); err != nil {
			continue
		}
		r.evictions.Add(ctx, 1)
		evicted++
	}
	return evicted
}

// StartLivenessSweep runs SweepOnce on SweepInterval until ctx is done.
func (r *Registry) StartLivenessSweep(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.SweepOnce(ctx); n > 0 {
				r.log.Info("registry: liveness sweep evicted agents", "count", n)
			}
		}
	}
}

// StatusChanges returns the channel of in-process agentStatusChanged
// events the registry emits as it refreshes local records from the
// agentStatus channel (spec.md §4.B).
func (r *Registry) StatusChanges() <-chan types.AgentStatusEvent {
	return r.statusChanges
}

// Run subscribes to agentStatus, taskProgress and systemEvents, per
// spec.md §4.B's subscription wiring, and refreshes local membership
// records from agentStatus payloads until ctx is cancelled. Parse
// failures are logged, never propagated (spec.md §4.A).
func (r *Registry) Run(ctx context.Context) {
	if r.broker == nil {
		return
	}
	sub := r.broker.Subscribe(ctx, types.ChannelAgentStatus, types.ChannelTaskProgress, types.ChannelSystemEvents)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			if msg.Channel != types.ChannelAgentStatus {
				// taskProgress and systemEvents are observed for visibility;
				// the registry's own state is driven by agentStatus alone.
				continue
			}
			var ev types.AgentStatusEvent
			if err := broker.DecodePayload(msg.Payload, &ev); err != nil {
				r.log.Warn("registry: malformed agentStatus payload", "error", err)
				continue
			}
			r.refreshFromStatusEvent(ev)
		}
	}
}

// refreshFromStatusEvent updates a known agent's local record from a
// received agentStatus event without re-publishing it, then emits an
// in-process agentStatusChanged notification.
func (r *Registry) refreshFromStatusEvent(ev types.AgentStatusEvent) {
	r.mu.Lock()
	reg, exists := r.agents[ev.AgentID]
	if exists {
		reg.Status = ev.Status
		reg.LastHeartbeat = ev.Timestamp
		if ev.Metadata != nil {
			reg.Metadata = ev.Metadata
		}
	}
	r.mu.Unlock()

	if !exists {
		return
	}
	select {
	case r.statusChanges <- ev:
	default:
		r.log.Warn("registry: statusChanges channel full, dropping event", "agent_id", ev.AgentID)
	}
}

// Count returns the total number of tracked agents (any status).
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
