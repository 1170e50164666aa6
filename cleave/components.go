package cleave

// disjointSets is a union-find forest over node indices.
type disjointSets struct {
	parent []int
	rank   []uint8
}

func newDisjointSets(n int) *disjointSets {
	ds := &disjointSets{parent: make([]int, n), rank: make([]uint8, n)}
	for i := range ds.parent {
		ds.parent[i] = i
	}
	return ds
}

func (ds *disjointSets) find(i int) int {
	for ds.parent[i] != i {
		ds.parent[i] = ds.parent[ds.parent[i]]
		i = ds.parent[i]
	}
	return i
}

// union joins the sets of two roots and returns the new root.
func (ds *disjointSets) union(ri, rj int) int {
	if ds.rank[ri] < ds.rank[rj] {
		ri, rj = rj, ri
	}
	ds.parent[rj] = ri
	if ds.rank[ri] == ds.rank[rj] {
		ds.rank[ri]++
	}
	return ri
}

// disconnectedLabels returns the nonzero labels whose nodes span more than one
// connected component of the subgraph restricted to that label.
func disconnectedLabels(p *Problem, labels []Label) []Label {
	sets := newDisjointSets(len(p.Nodes))
	for _, e := range p.Edges {
		if labels[e.I] != labels[e.J] {
			continue
		}
		ri, rj := sets.find(e.I), sets.find(e.J)
		if ri != rj {
			sets.union(ri, rj)
		}
	}
	roots := make(map[Label]int)
	disconnected := make(map[Label]bool)
	for i, label := range labels {
		if label == 0 {
			continue
		}
		root := sets.find(i)
		if prev, found := roots[label]; !found {
			roots[label] = root
		} else if prev != root {
			disconnected[label] = true
		}
	}
	var out []Label
	for label := range disconnected {
		out = append(out, label)
	}
	sortLabels(out)
	return out
}
