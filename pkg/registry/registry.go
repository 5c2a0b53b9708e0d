// Package registry holds the table of known backend agents and their
// advisory health state. The registry is rebuilt from configuration on every
// start; health marks are process-local and shared by reference between the
// protocol client and the orchestrator.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrAgentNotFound is returned when resolving an unknown agent id.
var ErrAgentNotFound = errors.New("agent not found")

// AgentDescriptor describes one backend agent.
type AgentDescriptor struct {
	// ID is the routing identifier (e.g. "search").
	ID string `json:"id"`
	// Label is the human-readable name.
	Label string `json:"label"`
	// Address is the agent's base URL.
	Address string `json:"address"`
	// Capabilities are declared capability tags, fed to the classifier.
	Capabilities []string `json:"capabilities,omitempty"`
	// LastHealthy is when the agent last completed a dispatch successfully.
	// Zero means it has not been dispatched to yet.
	LastHealthy time.Time `json:"lastHealthy,omitempty"`
	// Healthy is the current advisory health state.
	Healthy bool `json:"healthy"`
	// RateLimit caps dispatches per second (0 = unlimited).
	RateLimit float64 `json:"rateLimit,omitempty"`
}

// entry is the mutable registry record behind a descriptor snapshot.
type entry struct {
	desc           AgentDescriptor
	unhealthyUntil time.Time
}

// Registry maps agent ids to descriptors and tracks advisory health.
// All methods are safe for concurrent use; descriptors are returned by value
// so callers never observe concurrent mutation.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	now     func() time.Time
}

// New creates a registry from the given descriptors.
func New(descs []AgentDescriptor) *Registry {
	r := &Registry{
		entries: make(map[string]*entry, len(descs)),
		now:     time.Now,
	}
	for _, d := range descs {
		d.Healthy = true
		r.entries[d.ID] = &entry{desc: d}
	}
	return r
}

// Resolve returns a snapshot of the descriptor for an agent id.
func (r *Registry) Resolve(agentID string) (AgentDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[agentID]
	if !ok {
		return AgentDescriptor{}, ErrAgentNotFound
	}
	return r.snapshot(e), nil
}

// IsHealthy reports whether an agent is currently considered dispatchable.
// Unknown agents are unhealthy. An expired unhealthy mark counts as healthy
// again; the next dispatch attempt is the authoritative signal.
func (r *Registry) IsHealthy(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[agentID]
	if !ok {
		return false
	}
	return e.unhealthyUntil.Before(r.now())
}

// ListHealthy returns snapshots of every agent currently dispatchable,
// ordered by id for stable classifier prompts.
func (r *Registry) ListHealthy() []AgentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	out := make([]AgentDescriptor, 0, len(r.entries))
	for _, e := range r.entries {
		if e.unhealthyUntil.Before(now) {
			out = append(out, r.snapshot(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All returns snapshots of every registered agent, healthy or not,
// ordered by id. Used by the operational surface.
func (r *Registry) All() []AgentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AgentDescriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, r.snapshot(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MarkUnhealthy marks an agent down until the given deadline.
// Marking is advisory: a dispatch that succeeds anyway restores the agent.
func (r *Registry) MarkUnhealthy(agentID string, until time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[agentID]; ok {
		e.unhealthyUntil = until
	}
}

// MarkHealthy clears any unhealthy mark and records the healthy timestamp.
func (r *Registry) MarkHealthy(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[agentID]; ok {
		e.unhealthyUntil = time.Time{}
		e.desc.LastHealthy = r.now()
	}
}

// snapshot copies an entry into a descriptor with the health flag resolved.
// Caller must hold at least the read lock.
func (r *Registry) snapshot(e *entry) AgentDescriptor {
	d := e.desc
	d.Capabilities = append([]string(nil), e.desc.Capabilities...)
	d.Healthy = e.unhealthyUntil.Before(r.now())
	return d
}
