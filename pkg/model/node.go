package model

// SessionState is the lifecycle state of a node's session as seen by
// the conductor.
type SessionState string

const (
	SessionAwaitingHello SessionState = "AWAITING_HELLO"
	SessionConnected     SessionState = "CONNECTED"
	SessionStale         SessionState = "STALE"
	SessionDisconnected  SessionState = "DISCONNECTED"
)

// GPUInfo is the minimal GPU summary shape reported by a node: uuid,
// device, and model are the only fields anything reads.
type GPUInfo struct {
	UUID      string `json:"uuid"`
	Device    string `json:"device"`
	ModelName string `json:"model_name"`
}

// StorageMount describes one mounted filesystem a node reports.
type StorageMount struct {
	Path       string `json:"path"`
	TotalBytes uint64 `json:"total_bytes"`
	UsedBytes  uint64 `json:"used_bytes"`
}

// ResourceSnapshot is the dynamic, runtime-observed resource state a
// node carries in every heartbeat.
type ResourceSnapshot struct {
	CPUPercent     float64        `json:"cpu_percent"`
	PerCorePercent []float64      `json:"per_core_percent"`
	MemoryUsed     uint64         `json:"memory_used"`
	MemoryTotal    uint64         `json:"memory_total"`
	GPUs           []GPUInfo      `json:"gpus"`
	Mounts         []StorageMount `json:"mounts"`
}

// Node is the conductor's view of one worker process, assembled from its
// NodeHello and subsequent heartbeats.
type Node struct {
	NodeID              string   `json:"node_id"`
	Groups              []string `json:"groups"`
	CapacitiesTotal     Capacity `json:"capacities_total"`
	HeartbeatIntervalMs int64    `json:"heartbeat_interval_ms"`

	LastHeartbeatMs int64            `json:"last_heartbeat_ms"`
	SessionState    SessionState     `json:"session_state"`
	Resources       ResourceSnapshot `json:"resources"`

	CreatedAtMs int64 `json:"created_at_ms"`
}

// InGroup reports whether the node advertises the given group label.
func (n *Node) InGroup(group string) bool {
	for _, g := range n.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// Connected reports whether the node is eligible to remain a target for
// existing assignments. Stale nodes stay Connected() == true — they keep
// their current assignments — but the scheduler excludes them from new
// placements via a separate eligibility check.
func (n *Node) Connected() bool {
	return n.SessionState == SessionConnected || n.SessionState == SessionStale
}
