package cleave

import "container/heap"

// frontier is a max-heap of edges leaving labeled regions.
type frontier struct {
	edges []IndexedEdge
	from  []int
}

func (f *frontier) Len() int           { return len(f.edges) }
func (f *frontier) Less(i, j int) bool { return f.edges[i].before(f.edges[j]) }
func (f *frontier) Swap(i, j int) {
	f.edges[i], f.edges[j] = f.edges[j], f.edges[i]
	f.from[i], f.from[j] = f.from[j], f.from[i]
}

type frontierItem struct {
	edge IndexedEdge
	from int
}

func (f *frontier) Push(x interface{}) {
	item := x.(frontierItem)
	f.edges = append(f.edges, item.edge)
	f.from = append(f.from, item.from)
}

func (f *frontier) Pop() interface{} {
	n := len(f.edges) - 1
	item := frontierItem{edge: f.edges[n], from: f.from[n]}
	f.edges = f.edges[:n]
	f.from = f.from[:n]
	return item
}

// SeededWatershed grows every seed region outward, always taking the highest
// weight edge with exactly one labeled endpoint.  Equal weights are taken in
// order of the smaller canonical node pair.  Nodes in components without a
// seed stay 0.
func SeededWatershed(p *Problem) []Label {
	labels := make([]Label, len(p.Nodes))
	copy(labels, p.Initial)

	f := &frontier{}
	grow := func(i int) {
		for _, k := range p.Incident[i] {
			e := p.Edges[k]
			if labels[e.other(i)] == 0 {
				heap.Push(f, frontierItem{edge: e, from: i})
			}
		}
	}
	for i, label := range labels {
		if label != 0 {
			grow(i)
		}
	}
	for f.Len() > 0 {
		item := heap.Pop(f).(frontierItem)
		to := item.edge.other(item.from)
		if labels[to] != 0 {
			continue
		}
		labels[to] = labels[item.from]
		grow(to)
	}
	return labels
}

// EchoSeeds labels only the seeds.
func EchoSeeds(p *Problem) []Label {
	labels := make([]Label, len(p.Nodes))
	copy(labels, p.Initial)
	return labels
}
