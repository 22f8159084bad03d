package reconciler

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"symphony/internal/conductor/capacity"
	"symphony/internal/conductor/registry"
	"symphony/internal/conductor/scheduler"
	"symphony/internal/conductor/store"
	"symphony/internal/wire"
	"symphony/pkg/model"
)

type fakeSender struct {
	sent []*wire.Envelope
}

func (f *fakeSender) Send(env *wire.Envelope) error {
	f.sent = append(f.sent, env)
	return nil
}
func (f *fakeSender) Close(string) {}

func newTestReconciler() (*Reconciler, store.Store, *registry.Registry, *capacity.Ledger) {
	nowMs := func() int64 { return 1000 }
	st := store.NewMemStore(nowMs)
	reg := registry.New(zap.NewNop())
	ledger := capacity.New()
	sched := scheduler.New(ledger, zap.NewNop())
	r := New(DefaultConfig(), st, reg, ledger, sched, zap.NewNop(), nowMs)
	return r, st, reg, ledger
}

func TestReconcileOne_PlacesUnassignedRunningDeployment(t *testing.T) {
	r, st, reg, ledger := newTestReconciler()
	ctx := context.Background()

	ledger.SetTotal("node-1", model.Capacity{"cpu": 4})
	sender := &fakeSender{}
	reg.Register(model.Node{NodeID: "node-1", Groups: []string{"default"}, CapacitiesTotal: model.Capacity{"cpu": 4}}, sender)

	d := &model.Deployment{ID: "d1", Name: "web", NodeGroup: "default", CapacityRequests: model.Capacity{"cpu": 1}, DesiredState: model.DesiredRunning}
	st.Create(ctx, d)

	r.reconcileOne(ctx, "d1")

	got, _ := st.Get(ctx, "d1")
	if got.AssignedNodeID != "node-1" {
		t.Fatalf("expected deployment assigned to node-1, got %q", got.AssignedNodeID)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected one command sent, got %d", len(sender.sent))
	}
	if sender.sent[0].Kind != wire.KindDeploymentReq {
		t.Fatalf("expected a DeploymentReq envelope, got %v", sender.sent[0].Kind)
	}
}

func TestReconcileOne_RecordsReasonWhenNoEligibleNode(t *testing.T) {
	r, st, _, _ := newTestReconciler()
	ctx := context.Background()

	d := &model.Deployment{ID: "d1", Name: "web", NodeGroup: "default", DesiredState: model.DesiredRunning}
	st.Create(ctx, d)

	r.reconcileOne(ctx, "d1")

	got, _ := st.Get(ctx, "d1")
	if got.AssignedNodeID != "" {
		t.Fatalf("expected no assignment, got %q", got.AssignedNodeID)
	}
	if got.AssignmentReason != model.ReasonNoEligibleNode {
		t.Fatalf("expected reason %q, got %q", model.ReasonNoEligibleNode, got.AssignmentReason)
	}
}

func TestOnNodeLost_ReleasesCapacityAndClearsAssignment(t *testing.T) {
	r, st, reg, ledger := newTestReconciler()
	ctx := context.Background()

	ledger.SetTotal("node-1", model.Capacity{"cpu": 4})
	reg.Register(model.Node{NodeID: "node-1", Groups: []string{"default"}, CapacitiesTotal: model.Capacity{"cpu": 4}}, &fakeSender{})

	d := &model.Deployment{ID: "d1", Name: "web", NodeGroup: "default", CapacityRequests: model.Capacity{"cpu": 2}, DesiredState: model.DesiredRunning}
	st.Create(ctx, d)
	r.reconcileOne(ctx, "d1")

	avail, _ := ledger.Available("node-1")
	if avail["cpu"] != 2 {
		t.Fatalf("expected 2 cpu reserved after placement, got available=%d", avail["cpu"])
	}

	r.onNodeLost(ctx, "node-1")

	avail, _ = ledger.Available("node-1")
	if avail["cpu"] != 4 {
		t.Fatalf("expected capacity released after node loss, got available=%d", avail["cpu"])
	}
	got, _ := st.Get(ctx, "d1")
	if got.AssignedNodeID != "" {
		t.Fatalf("expected assignment cleared, got %q", got.AssignedNodeID)
	}
	if got.AssignmentReason != model.ReasonNodeDisconnected {
		t.Fatalf("expected reason node-disconnected, got %q", got.AssignmentReason)
	}
}

func TestReconcileDeleted_PurgesUnassignedRecordImmediately(t *testing.T) {
	r, st, _, _ := newTestReconciler()
	ctx := context.Background()

	d := &model.Deployment{ID: "d1", Name: "web", DesiredState: model.DesiredStopped}
	st.Create(ctx, d)
	st.Delete(ctx, "d1")

	got, _ := st.Get(ctx, "d1")
	r.reconcileDeleted(ctx, got)

	if _, err := st.Get(ctx, "d1"); err != store.ErrNotFound {
		t.Fatalf("expected record purged, got err=%v", err)
	}
}

func TestSendCommand_SkipsResendWithinAckTimeout(t *testing.T) {
	r, st, reg, ledger := newTestReconciler()
	ctx := context.Background()

	ledger.SetTotal("node-1", model.Capacity{"cpu": 4})
	sender := &fakeSender{}
	reg.Register(model.Node{NodeID: "node-1", Groups: []string{"default"}, CapacitiesTotal: model.Capacity{"cpu": 4}}, sender)

	d := &model.Deployment{ID: "d1", Name: "web", NodeGroup: "default", CapacityRequests: model.Capacity{"cpu": 1}, DesiredState: model.DesiredRunning}
	st.Create(ctx, d)

	got, _ := st.Get(ctx, "d1")
	r.sendCommand(ctx, got, "node-1", wire.OpStart)
	r.sendCommand(ctx, got, "node-1", wire.OpStart)

	if len(sender.sent) != 1 {
		t.Fatalf("expected the second identical command to be suppressed, got %d sends", len(sender.sent))
	}
}
