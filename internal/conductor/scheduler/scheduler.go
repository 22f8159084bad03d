// Package scheduler selects a node for an unassigned deployment given its
// group and capacity requests, balancing load across eligible candidates.
// It generalizes the filter/score/bind pipeline of
// internal/master/scheduler from a single CPU+Memory bin-packing score
// to an arbitrary-label normalized-load score.
package scheduler

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"symphony/internal/conductor/capacity"
	"symphony/internal/conductor/metrics"
	"symphony/pkg/model"
)

// ErrNoEligibleNode means no candidate satisfied the group/connectivity
// clauses of eligibility, independent of capacity.
var ErrNoEligibleNode = errors.New("scheduler: no eligible node")

// ErrNoCapacity means eligible nodes existed but none had room, even after
// the retry bound.
var ErrNoCapacity = errors.New("scheduler: no capacity after retries")

const maxReserveAttempts = 3

// Scheduler assigns deployments to nodes. It holds no long-lived state of
// its own beyond the ledger it proposes reservations against; eligibility
// and scoring are computed fresh on every call.
type Scheduler struct {
	ledger *capacity.Ledger
	log    *zap.Logger
}

// New constructs a Scheduler bound to ledger, the sole authority over
// reservations.
func New(ledger *capacity.Ledger, log *zap.Logger) *Scheduler {
	return &Scheduler{ledger: ledger, log: log}
}

// Input bundles what Schedule needs beyond the ledger itself: the
// candidate set (already filtered to the deployment's node group by the
// caller, or not — filterCandidates re-checks group membership either
// way), per-node currently-assigned-deployment counts for the tie-break,
// and the node the deployment is already correctly running on, if any.
type Input struct {
	Deployment      *model.Deployment
	Candidates      []model.Node
	AssignedCounts  map[string]int
	AlreadyOnNodeID string
}

// Schedule picks and reserves capacity on one node for d. On success it
// returns the chosen node id with the reservation already committed to the
// ledger. On failure it returns ErrNoEligibleNode or ErrNoCapacity, and the
// caller (the reconciler) is responsible for recording the corresponding
// assignment_reason.
func (s *Scheduler) Schedule(in Input) (string, error) {
	available := make(map[string]model.Capacity, len(in.Candidates))
	reserved := make(map[string]model.Capacity, len(in.Candidates))
	for _, n := range in.Candidates {
		if avail, ok := s.ledger.Available(n.NodeID); ok {
			available[n.NodeID] = avail
		}
		if res, ok := s.ledger.Reserved(n.NodeID); ok {
			reserved[n.NodeID] = res
		}
	}

	candidates := filterCandidates(in.Deployment, in.Candidates, available, in.AlreadyOnNodeID)
	if len(candidates) == 0 {
		// A node that passes every check when measured against its total
		// vector is only short of free capacity, not ineligible.
		for _, n := range in.Candidates {
			if eligible(in.Deployment, n, n.CapacitiesTotal, in.AlreadyOnNodeID) {
				metrics.SchedulePlacements.WithLabelValues("no-capacity").Inc()
				return "", ErrNoCapacity
			}
		}
		metrics.SchedulePlacements.WithLabelValues("no-eligible-node").Inc()
		return "", ErrNoEligibleNode
	}

	for attempt := 0; attempt < maxReserveAttempts; attempt++ {
		chosen := pick(in.Deployment, candidates, reserved, in.AssignedCounts)

		if err := s.ledger.TryReserve(chosen.NodeID, in.Deployment.CapacityRequests); err == nil {
			s.log.Info("scheduled deployment",
				zap.String("deployment_id", in.Deployment.ID),
				zap.String("node_id", chosen.NodeID),
				zap.Int("attempt", attempt+1))
			metrics.SchedulePlacements.WithLabelValues("placed").Inc()
			return chosen.NodeID, nil
		}

		// Lost the race against a concurrent reservation: refresh this
		// node's view and retry, bounded by the candidate loop above.
		if avail, ok := s.ledger.Available(chosen.NodeID); ok {
			available[chosen.NodeID] = avail
		}
		if res, ok := s.ledger.Reserved(chosen.NodeID); ok {
			reserved[chosen.NodeID] = res
		}
		candidates = filterCandidates(in.Deployment, in.Candidates, available, in.AlreadyOnNodeID)
		if len(candidates) == 0 {
			metrics.SchedulePlacements.WithLabelValues("no-capacity").Inc()
			return "", fmt.Errorf("%w", ErrNoCapacity)
		}
	}
	metrics.SchedulePlacements.WithLabelValues("no-capacity").Inc()
	return "", ErrNoCapacity
}
