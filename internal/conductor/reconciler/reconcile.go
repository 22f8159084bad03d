package reconciler

import (
	"context"

	"go.uber.org/zap"

	"symphony/internal/conductor/metrics"
	"symphony/internal/conductor/scheduler"
	"symphony/internal/conductor/store"
	"symphony/internal/wire"
	"symphony/pkg/model"
)

// onNodeLost handles every deployment currently believed assigned to the
// lost node: release capacity, clear the assignment, set reason
// node-disconnected, and re-enqueue so the next pass attempts replacement.
func (r *Reconciler) onNodeLost(ctx context.Context, nodeID string) {
	r.mu.Lock()
	affected := make([]string, 0)
	for id, t := range r.tracked {
		if t.assignment != nil && t.assignment.NodeID == nodeID {
			affected = append(affected, id)
		}
	}
	r.mu.Unlock()

	for _, id := range affected {
		r.unassign(ctx, id, model.ReasonNodeDisconnected)
		r.enqueue(id)
	}
}

// unassign releases a deployment's capacity reservation, clears its
// tracked assignment, and records the reason on the store record.
func (r *Reconciler) unassign(ctx context.Context, id, reason string) {
	r.mu.Lock()
	t := r.tracked[id]
	var released *model.Assignment
	if t != nil && t.assignment != nil {
		released = t.assignment
		t.assignment = nil
		t.pending = nil
	}
	r.mu.Unlock()

	if released == nil {
		return
	}
	d, err := r.store.Get(ctx, id)
	if err == nil {
		r.ledger.Release(released.NodeID, d.CapacityRequests)
	}
	if err := r.setAssignment(ctx, id, "", reason); err != nil {
		r.log.Warn("unassign: failed to persist reason", zap.String("deployment_id", id), zap.Error(err))
	}
}

// onStatusReport applies a node's observed current_state/exit_code to the
// deployment record and bumps its tracked revision_acked. revision_acked
// only ever moves forward.
func (r *Reconciler) onStatusReport(ctx context.Context, report StatusReport) {
	t := r.track(report.DeploymentID)

	r.mu.Lock()
	if t.assignment != nil && t.assignment.NodeID == report.NodeID {
		if report.RevisionAcked > t.assignment.RevisionAcked {
			t.assignment.RevisionAcked = report.RevisionAcked
		}
	}
	r.mu.Unlock()

	if err := r.setStatus(ctx, report.DeploymentID, report.CurrentState, report.ExitCode); err != nil {
		r.log.Warn("status report: failed to persist", zap.String("deployment_id", report.DeploymentID), zap.Error(err))
	}
	r.enqueue(report.DeploymentID)
}

// sweepUnassigned re-evaluates every unassigned RUNNING-desired deployment.
// This is the periodic half of the pacing rule: capacity that freed up
// silently (another deployment terminated) would otherwise never trigger
// a re-placement, since nothing about the freed deployment touches the
// blocked one's store record.
func (r *Reconciler) sweepUnassigned(ctx context.Context) {
	deployments, err := r.store.List(ctx, 0, 0)
	if err != nil {
		r.log.Warn("sweep: list failed", zap.Error(err))
		return
	}
	n := 0
	for _, d := range deployments {
		if d.Deleted || d.DesiredState != model.DesiredRunning {
			continue
		}
		if d.AssignedNodeID != "" {
			continue
		}
		r.enqueue(d.ID)
		n++
		if n >= r.cfg.MaxWorkPerTick {
			break
		}
	}
}

// recomputeDeploymentMetrics refreshes the current_state gauge from a
// fresh store scan, matching the sweep cadence rather than updating it
// on every individual transition.
func (r *Reconciler) recomputeDeploymentMetrics(ctx context.Context) {
	deployments, err := r.store.List(ctx, 0, 0)
	if err != nil {
		return
	}
	counts := make(map[model.CurrentState]int)
	for _, d := range deployments {
		if d.Deleted {
			continue
		}
		counts[d.CurrentState]++
	}
	for _, state := range []model.CurrentState{
		model.CurrentPending, model.CurrentStarting, model.CurrentRunning,
		model.CurrentStopping, model.CurrentStopped, model.CurrentFailed, model.CurrentUnknown,
	} {
		metrics.DeploymentsByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

// reconcileOne is the per-deployment decision step: the placement,
// update, stop, and delete/cancel rules applied to one deployment's
// current record.
func (r *Reconciler) reconcileOne(ctx context.Context, id string) {
	metrics.ReconcileTicks.Inc()
	d, err := r.store.Get(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return
		}
		r.log.Warn("reconcile: get failed", zap.String("deployment_id", id), zap.Error(err))
		return
	}

	if d.Deleted {
		r.reconcileDeleted(ctx, d)
		return
	}

	t := r.track(id)
	r.mu.Lock()
	assignment := t.assignment
	r.mu.Unlock()

	if assignment != nil {
		node, ok := r.registry.Get(assignment.NodeID)
		if !ok || node.SessionState == model.SessionDisconnected {
			r.unassign(ctx, id, model.ReasonNodeDisconnected)
			r.enqueue(id)
			return
		}
	}

	switch {
	case assignment == nil && d.DesiredState == model.DesiredRunning:
		r.placeAndStart(ctx, d)

	case assignment != nil && d.DesiredState == model.DesiredRunning && assignment.RevisionAcked < d.SpecRevision:
		r.sendCommand(ctx, d, assignment.NodeID, wire.OpUpdate)

	case assignment != nil && d.DesiredState == model.DesiredStopped &&
		d.CurrentState != model.CurrentStopped && d.CurrentState != model.CurrentFailed:
		r.sendCommand(ctx, d, assignment.NodeID, wire.OpStop)
	}
}

// placeAndStart handles the unassigned, desired=RUNNING case: run the
// scheduler; on success set the assignment and send START; on failure
// record assignment_reason.
func (r *Reconciler) placeAndStart(ctx context.Context, d *model.Deployment) {
	candidates := r.registry.NodesInGroup(d.NodeGroup)

	nodeID, err := r.sched.Schedule(scheduler.Input{
		Deployment:     d,
		Candidates:     candidates,
		AssignedCounts: r.assignedCounts(),
	})
	if err != nil {
		reason := model.ReasonNoCapacity
		switch err {
		case scheduler.ErrNoEligibleNode:
			reason = model.ReasonNoEligibleNode
		case scheduler.ErrNoCapacity:
			reason = model.ReasonInsufficientCap
		}
		if setErr := r.setAssignment(ctx, d.ID, "", reason); setErr != nil {
			r.log.Warn("placeAndStart: failed to record reason", zap.String("deployment_id", d.ID), zap.Error(setErr))
		}
		return
	}

	t := r.track(d.ID)
	r.mu.Lock()
	t.assignment = &model.Assignment{DeploymentID: d.ID, NodeID: nodeID, AssignedAtMs: r.nowMs()}
	r.mu.Unlock()

	if err := r.setAssignment(ctx, d.ID, nodeID, ""); err != nil {
		r.log.Warn("placeAndStart: failed to persist assignment", zap.String("deployment_id", d.ID), zap.Error(err))
	}
	r.sendCommand(ctx, d, nodeID, wire.OpStart)
}

// sendCommand issues a DeploymentReq, honoring the command-ack timeout:
// a command already in flight for this (deployment, revision, op)
// within CommandAckTimeout is not re-sent.
func (r *Reconciler) sendCommand(ctx context.Context, d *model.Deployment, nodeID string, op wire.DeploymentReqOp) {
	t := r.track(d.ID)

	r.mu.Lock()
	now := r.nowMs()
	if t.pending != nil && t.pending.op == op && t.pending.revision == d.SpecRevision &&
		now-t.pending.sentAtMs < r.cfg.CommandAckTimeout.Milliseconds() {
		r.mu.Unlock()
		return
	}
	t.pending = &pendingCommand{op: op, revision: d.SpecRevision, sentAtMs: now}
	r.mu.Unlock()

	sender := r.registry.Sender(nodeID)
	if sender == nil {
		return
	}
	env, err := wire.NewEnvelope(wire.KindDeploymentReq, wire.DeploymentReq{
		DeploymentID:  d.ID,
		Op:            op,
		SpecRevision:  d.SpecRevision,
		Kind:          d.Kind,
		Specification: d.Specification,
		StopGraceMs:   d.Specification.StopGraceMs,
	})
	if err != nil {
		r.log.Error("sendCommand: envelope encode failed", zap.Error(err))
		return
	}
	if err := sender.Send(env); err != nil {
		r.log.Warn("sendCommand: send failed", zap.String("node_id", nodeID), zap.String("deployment_id", d.ID), zap.Error(err))
		return
	}
	metrics.CommandsSent.WithLabelValues(string(op)).Inc()
}

// reconcileDeleted implements the "deleted" row: cancel any running
// assignment, wait for STOPPED/timeout, release capacity, and purge the
// tombstoned record.
func (r *Reconciler) reconcileDeleted(ctx context.Context, d *model.Deployment) {
	t := r.track(d.ID)

	r.mu.Lock()
	assignment := t.assignment
	r.mu.Unlock()

	if assignment == nil {
		if err := r.store.Purge(ctx, d.ID); err != nil {
			r.log.Warn("reconcileDeleted: purge failed", zap.String("deployment_id", d.ID), zap.Error(err))
		}
		r.mu.Lock()
		delete(r.tracked, d.ID)
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	timedOut := t.cancelSentMs != 0 && r.nowMs()-t.cancelSentMs >= r.cfg.CommandAckTimeout.Milliseconds()
	r.mu.Unlock()

	if timedOut || d.CurrentState == model.CurrentStopped || d.CurrentState == model.CurrentFailed {
		r.ledger.Release(assignment.NodeID, d.CapacityRequests)
		if err := r.store.Purge(ctx, d.ID); err != nil {
			r.log.Warn("reconcileDeleted: purge failed", zap.String("deployment_id", d.ID), zap.Error(err))
		}
		r.mu.Lock()
		delete(r.tracked, d.ID)
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	alreadyCancelled := t.cancelSentMs != 0
	if !alreadyCancelled {
		t.cancelSentMs = r.nowMs()
	}
	r.mu.Unlock()

	if !alreadyCancelled {
		if sender := r.registry.Sender(assignment.NodeID); sender != nil {
			env, err := wire.NewEnvelope(wire.KindDeploymentCancel, wire.DeploymentCancel{DeploymentID: d.ID})
			if err == nil {
				_ = sender.Send(env)
			}
		}
	}
	// Re-evaluated on the next status report or store event (the sweep
	// skips deleted records) until the node confirms STOPPED/FAILED or
	// CommandAckTimeout has passed since the cancel; the branch above then
	// fires.
}

func (r *Reconciler) setAssignment(ctx context.Context, id, nodeID, reason string) error {
	return r.store.UpdateStatus(ctx, id, "", nil, &nodeID, &reason)
}

func (r *Reconciler) setStatus(ctx context.Context, id string, current model.CurrentState, exitCode *int) error {
	return r.store.UpdateStatus(ctx, id, current, exitCode, nil, nil)
}
