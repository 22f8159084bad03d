// Package registry tracks currently-connected nodes, indexed by id and by
// group. It never blocks writers on readers: every method
// takes and releases a short-lived lock that only copies references and
// scalar fields.
package registry

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"symphony/internal/conductor/metrics"
	"symphony/internal/wire"
	"symphony/pkg/model"
)

// ErrConflict is returned by Register when a non-reaped session already
// exists for the node id.
var ErrConflict = errors.New("registry: node id already has a live session")

// Sender is the subset of a node session the registry needs to push
// commands without importing the grpc-facing session package (keeps the
// registry->session dependency one-directional, matching the lock
// order: store snapshot -> registry snapshot -> ledger op).
type Sender interface {
	Send(*wire.Envelope) error
	Close(reason string)
}

// EventType enumerates registry-level occurrences the reconciler watches.
type EventType string

const (
	EventNodeConnected    EventType = "connected"
	EventNodeStale        EventType = "stale"
	EventNodeDisconnected EventType = "disconnected"
)

// Event is pushed on every session-state transition.
type Event struct {
	Type   EventType
	NodeID string
	Reason string
}

// handle is the registry's private bookkeeping for one node.
type handle struct {
	mu     sync.Mutex
	node   model.Node
	sender Sender
}

// Registry is the process-wide concurrent node directory.
type Registry struct {
	log *zap.Logger

	mu     sync.RWMutex
	byID   map[string]*handle
	byGroup map[string]map[string]*handle

	events chan Event
}

// New constructs an empty Registry. events should be read continuously by
// the reconciler; it is never closed and sends are non-blocking: the
// buffer holds 1024 events, and an event that finds it full is dropped
// with a warning, so a stuck consumer can miss node-loss events.
func New(log *zap.Logger) *Registry {
	return &Registry{
		log:     log,
		byID:    make(map[string]*handle),
		byGroup: make(map[string]map[string]*handle),
		events:  make(chan Event, 1024),
	}
}

// Events returns the channel of node lifecycle events.
func (r *Registry) Events() <-chan Event {
	return r.events
}

// Register admits a freshly handshaken node. It fails with ErrConflict if
// a session for the same node id is already registered and not yet
// reaped.
func (r *Registry) Register(node model.Node, sender Sender) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byID[node.NodeID]; ok {
		existing.mu.Lock()
		state := existing.node.SessionState
		existing.mu.Unlock()
		if state != model.SessionDisconnected {
			return ErrConflict
		}
		r.removeFromGroupsLocked(existing)
	}

	node.SessionState = model.SessionConnected
	h := &handle{node: node, sender: sender}
	r.byID[node.NodeID] = h
	for _, g := range node.Groups {
		if r.byGroup[g] == nil {
			r.byGroup[g] = make(map[string]*handle)
		}
		r.byGroup[g][node.NodeID] = h
	}

	r.log.Info("node registered", zap.String("node_id", node.NodeID), zap.Strings("groups", node.Groups))
	metrics.NodesConnected.Inc()
	r.emit(Event{Type: EventNodeConnected, NodeID: node.NodeID})
	return nil
}

// Deregister is idempotent and emits a node-lost event exactly once per
// transition into Disconnected.
func (r *Registry) Deregister(nodeID, reason string) {
	r.mu.Lock()
	h, ok := r.byID[nodeID]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	h.mu.Lock()
	already := h.node.SessionState == model.SessionDisconnected
	h.node.SessionState = model.SessionDisconnected
	h.mu.Unlock()

	if already {
		return
	}
	if h.sender != nil {
		h.sender.Close(reason)
	}
	r.log.Info("node deregistered", zap.String("node_id", nodeID), zap.String("reason", reason))
	metrics.NodesConnected.Dec()
	r.emit(Event{Type: EventNodeDisconnected, NodeID: nodeID, Reason: reason})
}

// MarkStale transitions a node to Stale if it's currently Connected.
func (r *Registry) MarkStale(nodeID string) {
	r.mu.RLock()
	h, ok := r.byID[nodeID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	h.mu.Lock()
	changed := h.node.SessionState == model.SessionConnected
	if changed {
		h.node.SessionState = model.SessionStale
	}
	h.mu.Unlock()
	if changed {
		r.emit(Event{Type: EventNodeStale, NodeID: nodeID})
	}
}

// UpdateHeartbeat records a fresh heartbeat and resource snapshot, and
// promotes a Stale node back to Connected.
func (r *Registry) UpdateHeartbeat(nodeID string, nowMs int64, resources model.ResourceSnapshot) {
	r.mu.RLock()
	h, ok := r.byID[nodeID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	h.mu.Lock()
	h.node.LastHeartbeatMs = nowMs
	h.node.Resources = resources
	if h.node.SessionState == model.SessionStale {
		h.node.SessionState = model.SessionConnected
	}
	h.mu.Unlock()
}

// Get returns a point-in-time copy of one node, or false if unknown.
func (r *Registry) Get(nodeID string) (model.Node, bool) {
	r.mu.RLock()
	h, ok := r.byID[nodeID]
	r.mu.RUnlock()
	if !ok {
		return model.Node{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.node, true
}

// Sender returns the session handle's command sink, or nil if the node is
// unknown.
func (r *Registry) Sender(nodeID string) Sender {
	r.mu.RLock()
	h, ok := r.byID[nodeID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return h.sender
}

// Snapshot returns a point-in-time copy of every known node.
func (r *Registry) Snapshot() []model.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Node, 0, len(r.byID))
	for _, h := range r.byID {
		h.mu.Lock()
		out = append(out, h.node)
		h.mu.Unlock()
	}
	return out
}

// NodesInGroup returns candidates with fresh heartbeats only — nodes whose
// session is exactly Connected, excluding Stale and Disconnected.
func (r *Registry) NodesInGroup(group string) []model.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.byGroup[group]
	out := make([]model.Node, 0, len(members))
	for _, h := range members {
		h.mu.Lock()
		if h.node.SessionState == model.SessionConnected {
			out = append(out, h.node)
		}
		h.mu.Unlock()
	}
	return out
}

// SweepStaleness transitions nodes whose last heartbeat predates fixed
// thresholds (3x interval -> Stale, 10x interval -> Disconnected).
// Called periodically by the conductor's main loop.
func (r *Registry) SweepStaleness(now time.Time) {
	r.mu.RLock()
	handles := make([]*handle, 0, len(r.byID))
	for _, h := range r.byID {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	nowMs := now.UnixMilli()
	for _, h := range handles {
		h.mu.Lock()
		nodeID := h.node.NodeID
		interval := h.node.HeartbeatIntervalMs
		last := h.node.LastHeartbeatMs
		state := h.node.SessionState
		h.mu.Unlock()

		if interval <= 0 || state == model.SessionDisconnected {
			continue
		}
		age := nowMs - last
		switch {
		case age >= interval*10:
			r.Deregister(nodeID, "heartbeat-timeout")
		case age >= interval*3:
			r.MarkStale(nodeID)
		}
	}
}

func (r *Registry) removeFromGroupsLocked(h *handle) {
	for _, g := range h.node.Groups {
		delete(r.byGroup[g], h.node.NodeID)
	}
}

func (r *Registry) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
		r.log.Warn("registry event dropped, consumer too slow", zap.String("node_id", ev.NodeID), zap.String("type", string(ev.Type)))
	}
}
