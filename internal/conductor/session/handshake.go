package session

import (
	"errors"
	"time"

	"symphony/internal/wire"
	"symphony/pkg/model"
)

const (
	minHeartbeatIntervalMs = 1000
	maxHeartbeatIntervalMs = 30000
	defaultHeartbeatMs     = 3000
)

// errRejected wraps the reason a handshake failed, so Connect can log it
// and return a grpc error that closes the stream without registering
// anything. Handshakes are rejected on a duplicate node_id or on
// non-positive declared capacities.
type errRejected struct {
	reason string
}

func (e *errRejected) Error() string { return "session: handshake rejected: " + e.reason }

func validateHello(hello *wire.NodeHello) error {
	if hello.NodeID == "" {
		return &errRejected{reason: "missing-node-id"}
	}
	for label, want := range hello.CapacitiesTotal {
		if want <= 0 {
			return &errRejected{reason: "non-positive-capacity:" + label}
		}
	}
	return nil
}

func clampHeartbeatInterval(declaredMs int64) int64 {
	if declaredMs <= 0 {
		return defaultHeartbeatMs
	}
	if declaredMs < minHeartbeatIntervalMs {
		return minHeartbeatIntervalMs
	}
	if declaredMs > maxHeartbeatIntervalMs {
		return maxHeartbeatIntervalMs
	}
	return declaredMs
}

func buildNode(hello *wire.NodeHello, nowMs int64) model.Node {
	return model.Node{
		NodeID:              hello.NodeID,
		Groups:              hello.Groups,
		CapacitiesTotal:     hello.CapacitiesTotal.Clone(),
		HeartbeatIntervalMs: clampHeartbeatInterval(hello.HeartbeatIntervalMs),
		LastHeartbeatMs:     nowMs,
		CreatedAtMs:         nowMs,
	}
}

var errHandshakeTimeout = errors.New("session: handshake timed out waiting for NodeHello")

// handshakeTimeout bounds how long Connect waits for the mandatory first
// frame before giving up on a node that dialed but never sent NodeHello.
const handshakeTimeout = 10 * time.Second
