package model

// Kind selects which node-side backend realizes a deployment's specification.
type Kind string

const (
	KindExec   Kind = "EXEC"
	KindDocker Kind = "DOCKER"
)

// DesiredState is the user-requested lifecycle target.
type DesiredState string

const (
	DesiredRunning DesiredState = "RUNNING"
	DesiredStopped DesiredState = "STOPPED"
)

// CurrentState is the last-reported lifecycle state of a deployment.
type CurrentState string

const (
	CurrentPending  CurrentState = "PENDING"
	CurrentStarting CurrentState = "STARTING"
	CurrentRunning  CurrentState = "RUNNING"
	CurrentStopping CurrentState = "STOPPING"
	CurrentStopped  CurrentState = "STOPPED"
	CurrentFailed   CurrentState = "FAILED"
	CurrentUnknown  CurrentState = "UNKNOWN"
)

// Assignment reasons surfaced on unassigned deployments.
const (
	ReasonNoEligibleNode      = "no-eligible-node"
	ReasonInsufficientCap     = "insufficient-capacity"
	ReasonNoCapacity          = "no-capacity"
	ReasonNodeDisconnected    = "node-disconnected"
)

// RestartPolicy controls node-side restart behavior on failure. Only
// RestartOnFailure is implemented; other Type values are accepted into
// the schema but never acted on.
type RestartPolicy struct {
	Type          string `json:"type,omitempty"`
	BackoffSeconds int   `json:"backoff_seconds,omitempty"`
}

const RestartOnFailure = "on-failure"

// Specification is the opaque, per-kind blob the node supervisor decodes.
// The conductor never interprets its fields beyond passing them through.
type Specification struct {
	Image         string            `json:"image,omitempty"`
	Command       []string          `json:"command"`
	Args          []string          `json:"args,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	RestartPolicy RestartPolicy     `json:"restart_policy,omitempty"`
	StopGraceMs   int64             `json:"stop_grace_ms,omitempty"`
	ReadySignal   string            `json:"ready_signal,omitempty"`
}

// Deployment is a user-declared long-running workload.
type Deployment struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Kind             Kind           `json:"kind"`
	NodeGroup        string         `json:"node_group"`
	CapacityRequests Capacity       `json:"capacity_requests"`
	Specification    Specification  `json:"specification"`

	DesiredState DesiredState `json:"desired_state"`
	CurrentState CurrentState `json:"current_state"`

	AssignedNodeID   string `json:"assigned_node_id,omitempty"`
	AssignmentReason string `json:"assignment_reason,omitempty"`

	CreatedAtMs   int64 `json:"created_at_ms"`
	UpdatedAtMs   int64 `json:"updated_at_ms"`
	SpecRevision  int64 `json:"spec_revision"`

	Deleted bool `json:"deleted,omitempty"`

	ExitCode *int `json:"exit_code,omitempty"`
}

// Assignment is the logical deployment-to-node relation.
type Assignment struct {
	DeploymentID  string `json:"deployment_id"`
	NodeID        string `json:"node_id"`
	AssignedAtMs  int64  `json:"assigned_at_ms"`
	RevisionAcked int64  `json:"revision_acked"`
}

// Patch describes an accepted mutation to a Deployment.
type Patch struct {
	Name          *string         `json:"name,omitempty"`
	DesiredState  *DesiredState   `json:"desired_state,omitempty"`
	Specification *Specification  `json:"specification,omitempty"`
}
