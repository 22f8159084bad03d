package agent

import (
	"testing"

	"go.uber.org/zap"

	"symphony/internal/node/resources"
	"symphony/internal/node/supervisor"
	"symphony/internal/wire"
)

func newTestAgent() *Agent {
	sup := supervisor.New(nil, zap.NewNop())
	res := resources.New(nil, false)
	return New(Config{NodeID: "node-1"}, sup, res, zap.NewNop())
}

func TestHandleReq_IgnoresStaleRevision(t *testing.T) {
	a := newTestAgent()
	a.acked["dep-1"] = 5

	a.handleReq(wire.DeploymentReq{DeploymentID: "dep-1", Op: wire.OpUpdate, SpecRevision: 3})

	if got := a.acked["dep-1"]; got != 5 {
		t.Fatalf("acked revision should stay at 5 for a stale update, got %d", got)
	}
}

func TestHandleReq_AppliesNewerRevision(t *testing.T) {
	a := newTestAgent()
	a.acked["dep-1"] = 5

	a.handleReq(wire.DeploymentReq{
		DeploymentID: "dep-1",
		Op:           wire.OpStart,
		SpecRevision: 6,
	})

	if got := a.acked["dep-1"]; got != 6 {
		t.Fatalf("acked revision should advance to 6, got %d", got)
	}
}

func TestChangedStatuses_EmptyWhenNoSupervisedDeployments(t *testing.T) {
	a := newTestAgent()
	if got := a.changedStatuses(); len(got) != 0 {
		t.Fatalf("expected no changed statuses, got %d", len(got))
	}
}
