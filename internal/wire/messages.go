// Package wire defines the node<->conductor message envelope and the
// grpc plumbing that carries it.
package wire

import (
	"encoding/json"
	"fmt"

	"symphony/pkg/model"
)

// Kind tags an Envelope's payload so the receiver can route it without a
// type switch over every possible concrete type.
type Kind string

const (
	KindNodeHello            Kind = "NODE_HELLO"
	KindHeartbeat            Kind = "HEARTBEAT"
	KindDeploymentStatusList Kind = "DEPLOYMENT_STATUS_LIST"
	KindLogBatch             Kind = "LOG_BATCH"
	KindDeploymentReq        Kind = "DEPLOYMENT_REQ"
	KindDeploymentCancel     Kind = "DEPLOYMENT_CANCEL"
	KindPong                 Kind = "PONG"
	KindLogSubscribe         Kind = "LOG_SUBSCRIBE"
	KindLogUnsubscribe       Kind = "LOG_UNSUBSCRIBE"
)

// Envelope is the single message type that crosses the wire in both
// directions; Kind selects how Payload is interpreted. Using one envelope
// type keeps the hand-written grpc.StreamDesc (see service.go) simple: one
// Go type, one JSON codec, no protoc step.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload and tags it with kind.
func NewEnvelope(kind Kind, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %s payload: %w", kind, err)
	}
	return &Envelope{Kind: kind, Payload: raw}, nil
}

// Decode unmarshals the envelope's payload into out. Callers switch on
// Kind first and pass a pointer to the matching concrete type.
func (e *Envelope) Decode(out any) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("wire: decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// NodeHello is the mandatory first frame on a node->conductor stream.
type NodeHello struct {
	NodeID              string          `json:"node_id"`
	Groups              []string        `json:"groups"`
	CapacitiesTotal     model.Capacity  `json:"capacities_total"`
	HeartbeatIntervalMs int64           `json:"heartbeat_interval_ms"`
	StaticResources     StaticResources `json:"static_resources"`
}

// StaticResources are host facts that don't change for the life of a session.
type StaticResources struct {
	Hostname string `json:"hostname"`
	OS       string `json:"os"`
	Arch     string `json:"arch"`
}

// DeploymentHeartbeatStatus is one deployment's current state as
// reported inside a Heartbeat.
type DeploymentHeartbeatStatus struct {
	DeploymentID  string             `json:"deployment_id"`
	CurrentState  model.CurrentState `json:"current_state"`
	ExitCode      *int               `json:"exit_code,omitempty"`
	RevisionAcked int64              `json:"revision_acked"`
}

// Heartbeat is sent by the node at its declared interval.
type Heartbeat struct {
	NodeID            string                      `json:"node_id"`
	SentAtUnixMs      int64                       `json:"sent_at_unix_ms"`
	Resources         model.ResourceSnapshot      `json:"resources"`
	DeploymentStatus  []DeploymentHeartbeatStatus `json:"deployment_status"`
}

// DeploymentStatusList is pushed immediately on any state transition,
// independent of the heartbeat cadence, to minimize reporting latency.
type DeploymentStatusList struct {
	NodeID   string                      `json:"node_id"`
	Statuses []DeploymentHeartbeatStatus `json:"statuses"`
}

// LogBatch carries newly produced log lines for one deployment.
type LogBatch struct {
	DeploymentID string           `json:"deployment_id"`
	Entries      []model.LogEntry `json:"entries"`
}

// DeploymentReqOp selects the operation a DeploymentReq asks the node to do.
type DeploymentReqOp string

const (
	OpStart  DeploymentReqOp = "START"
	OpUpdate DeploymentReqOp = "UPDATE"
	OpStop   DeploymentReqOp = "STOP"
)

// DeploymentReq is a command from the conductor to a node. It carries
// (deployment_id, spec_revision) for the idempotence rule: nodes ignore
// commands whose revision is <= their locally-acked revision, except
// STOP which always applies.
type DeploymentReq struct {
	DeploymentID  string               `json:"deployment_id"`
	Op            DeploymentReqOp      `json:"op"`
	SpecRevision  int64                `json:"spec_revision"`
	Kind          model.Kind           `json:"kind"`
	Specification model.Specification  `json:"specification"`
	StopGraceMs   int64                `json:"stop_grace_ms,omitempty"`
}

// DeploymentCancel tells a node to tear down a deployment unconditionally,
// used on deployment deletion.
type DeploymentCancel struct {
	DeploymentID string `json:"deployment_id"`
}

// Pong answers a liveness probe; currently unused by the reconciler but
// kept as a distinct message kind among the protocol's listed frame types.
type Pong struct {
	SentAtUnixMs int64 `json:"sent_at_unix_ms"`
}

// LogSubscribe asks the node to start forwarding log entries for a
// deployment, optionally backfilling the last Tail entries.
type LogSubscribe struct {
	DeploymentID string `json:"deployment_id"`
	SubscriberID string `json:"subscriber_id"`
	Tail         int    `json:"tail"`
}

// LogUnsubscribe cancels a previous LogSubscribe.
type LogUnsubscribe struct {
	DeploymentID string `json:"deployment_id"`
	SubscriberID string `json:"subscriber_id"`
}
