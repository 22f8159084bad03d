package scheduler

import "symphony/pkg/model"

// eligible reports whether node n can host deployment d right now,
// checking connection state, group membership, capacity, and exclusion.
func eligible(d *model.Deployment, n model.Node, available model.Capacity, excludeNodeID string) bool {
	if n.SessionState != model.SessionConnected {
		return false
	}
	if !n.InGroup(d.NodeGroup) {
		return false
	}
	if n.NodeID == excludeNodeID {
		return false
	}
	for label, want := range d.CapacityRequests {
		total, declared := n.CapacitiesTotal[label]
		if !declared {
			return false
		}
		_ = total
		if want > available[label] {
			return false
		}
	}
	return true
}

// filterCandidates returns the subset of nodes eligible for d, given each
// node's currently-available vector.
func filterCandidates(d *model.Deployment, nodes []model.Node, available map[string]model.Capacity, excludeNodeID string) []model.Node {
	out := make([]model.Node, 0, len(nodes))
	for _, n := range nodes {
		if eligible(d, n, available[n.NodeID], excludeNodeID) {
			out = append(out, n)
		}
	}
	return out
}
