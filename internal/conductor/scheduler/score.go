package scheduler

import (
	"sort"

	"symphony/pkg/model"
)

// pick applies a balanced-distribution score and its tie-break (fewer
// assigned deployments, then lexicographically smallest node id) to
// choose one node among candidates.
func pick(d *model.Deployment, candidates []model.Node, reserved map[string]model.Capacity, assignedCounts map[string]int) model.Node {
	sort.SliceStable(candidates, func(i, j int) bool {
		si := score(d, candidates[i], reserved[candidates[i].NodeID])
		sj := score(d, candidates[j], reserved[candidates[j].NodeID])
		if si != sj {
			return si < sj
		}
		ci := assignedCounts[candidates[i].NodeID]
		cj := assignedCounts[candidates[j].NodeID]
		if ci != cj {
			return ci < cj
		}
		return candidates[i].NodeID < candidates[j].NodeID
	})
	return candidates[0]
}

// score computes max over K in requests of (reserved[K]+requests[K])/total[K].
// Lower is better: it favors the node that would end up least utilized on
// its most-contended requested label.
func score(d *model.Deployment, n model.Node, reserved model.Capacity) float64 {
	best := 0.0
	for label, want := range d.CapacityRequests {
		total := n.CapacitiesTotal[label]
		if total <= 0 {
			continue
		}
		util := float64(reserved[label]+want) / float64(total)
		if util > best {
			best = util
		}
	}
	return best
}
