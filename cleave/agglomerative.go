package cleave

import "sort"

// AgglomerativeClustering visits edges from highest to lowest weight and
// joins the two clusters of each edge unless they already carry different
// seed labels.  Clusters that never absorb a seed stay 0.
func AgglomerativeClustering(p *Problem) []Label {
	order := make([]int, len(p.Edges))
	for k := range order {
		order[k] = k
	}
	sort.Slice(order, func(a, b int) bool {
		return p.Edges[order[a]].before(p.Edges[order[b]])
	})

	sets := newDisjointSets(len(p.Nodes))
	clusterLabel := make([]Label, len(p.Nodes))
	copy(clusterLabel, p.Initial)
	for _, k := range order {
		e := p.Edges[k]
		ri, rj := sets.find(e.I), sets.find(e.J)
		if ri == rj {
			continue
		}
		li, lj := clusterLabel[ri], clusterLabel[rj]
		if li != 0 && lj != 0 && li != lj {
			continue
		}
		root := sets.union(ri, rj)
		if li != 0 {
			clusterLabel[root] = li
		} else {
			clusterLabel[root] = lj
		}
	}

	labels := make([]Label, len(p.Nodes))
	for i := range labels {
		labels[i] = clusterLabel[sets.find(i)]
	}
	return labels
}
