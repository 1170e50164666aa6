package cleave

import (
	"fmt"
	"math"
	"sort"

	"github.com/janelia-flyem/cleaveserver/graph"
)

// IndexedEdge is an edge whose endpoints are indices into Problem.Nodes.
type IndexedEdge struct {
	Key    graph.EdgeKey
	I, J   int
	Weight float64
}

// before gives the processing order shared by all methods: higher weight first,
// then the smaller canonical node pair.
func (e IndexedEdge) before(other IndexedEdge) bool {
	if e.Weight != other.Weight {
		return e.Weight > other.Weight
	}
	return e.Key.Less(other.Key)
}

// Problem is a validated partitioning input.
type Problem struct {
	// Nodes is the sorted, deduplicated node universe.
	Nodes []graph.NodeID

	// Edges is sorted by canonical pair.
	Edges []IndexedEdge

	// Incident lists, for each node index, the indices into Edges that touch it.
	Incident [][]int

	// Initial holds the seed label of each node, or 0.
	Initial []Label

	index map[graph.NodeID]int
}

// Index returns the position of a node in Nodes.
func (p *Problem) Index(n graph.NodeID) (int, bool) {
	i, found := p.index[n]
	return i, found
}

// NewProblem validates the inputs and builds the indexed problem.
func NewProblem(edges []graph.Edge, seeds Seeds, nodes []graph.NodeID) (*Problem, error) {
	universe := make([]graph.NodeID, len(nodes))
	copy(universe, nodes)
	sort.Slice(universe, func(i, j int) bool { return universe[i] < universe[j] })
	deduped := universe[:0]
	for i, n := range universe {
		if i == 0 || n != universe[i-1] {
			deduped = append(deduped, n)
		}
	}
	p := &Problem{
		Nodes: deduped,
		index: make(map[graph.NodeID]int, len(deduped)),
	}
	for i, n := range p.Nodes {
		p.index[n] = i
	}

	for _, e := range edges {
		if math.IsNaN(e.Weight) {
			return nil, fmt.Errorf("%w: edge %s has NaN weight", ErrInvalidInput, e)
		}
		if _, found := p.index[e.A]; !found {
			return nil, fmt.Errorf("%w: edge %s references node %d outside the body", ErrInvalidInput, e, e.A)
		}
		if _, found := p.index[e.B]; !found {
			return nil, fmt.Errorf("%w: edge %s references node %d outside the body", ErrInvalidInput, e, e.B)
		}
	}
	normalized, err := graph.NormalizeEdges(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	p.Edges = make([]IndexedEdge, len(normalized))
	p.Incident = make([][]int, len(p.Nodes))
	for k, e := range normalized {
		i, j := p.index[e.A], p.index[e.B]
		p.Edges[k] = IndexedEdge{Key: e.Key(), I: i, J: j, Weight: e.Weight}
		p.Incident[i] = append(p.Incident[i], k)
		p.Incident[j] = append(p.Incident[j], k)
	}

	p.Initial = make([]Label, len(p.Nodes))
	seeded := 0
	for _, label := range seeds.Labels() {
		seedNodes := seeds[label]
		if len(seedNodes) == 0 {
			continue
		}
		seeded++
		if label == 0 {
			return nil, fmt.Errorf("%w: seed label 0 is reserved", ErrInvalidInput)
		}
		for _, n := range seedNodes {
			i, found := p.index[n]
			if !found {
				return nil, fmt.Errorf("%w: seed %d for label %d is not in the body", ErrInvalidInput, n, label)
			}
			if prev := p.Initial[i]; prev != 0 && prev != label {
				return nil, fmt.Errorf("%w: node %d is seeded with both label %d and %d", ErrInvalidInput, n, prev, label)
			}
			p.Initial[i] = label
		}
	}
	if seeded == 0 {
		return nil, fmt.Errorf("%w: no seeds", ErrInvalidInput)
	}
	return p, nil
}

// other returns the endpoint of e opposite node index i.
func (e IndexedEdge) other(i int) int {
	if e.I == i {
		return e.J
	}
	return e.I
}
