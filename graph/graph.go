/*
Package graph holds the merge-candidate graph shared by all cleave requests.

The graph is one large table of weighted supervoxel pairs covering every body.
It is guarded by a single mutex: a check-refresh-extract sequence for one body
is atomic with respect to every other access, and rows are only ever added.
*/
package graph

import (
	"fmt"
	"math"
	"sort"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// NodeID is a supervoxel id.
type NodeID uint64

// BodyID is the id of an agglomerated body in the upstream segmentation.
type BodyID uint64

// EdgeKey is an unordered node pair, always stored with A < B.
type EdgeKey struct {
	A, B NodeID
}

// MakeEdgeKey returns the canonical key for the pair.
func MakeEdgeKey(a, b NodeID) EdgeKey {
	if a > b {
		a, b = b, a
	}
	return EdgeKey{a, b}
}

// Less orders keys lexicographically by (A, B).
func (k EdgeKey) Less(other EdgeKey) bool {
	if k.A != other.A {
		return k.A < other.A
	}
	return k.B < other.B
}

// Edge is a weighted merge candidate between two supervoxels.
type Edge struct {
	A      NodeID
	B      NodeID
	Weight float64
}

// Key returns the canonical pair for the edge.
func (e Edge) Key() EdgeKey {
	return MakeEdgeKey(e.A, e.B)
}

func (e Edge) String() string {
	return fmt.Sprintf("(%d, %d, w=%g)", e.A, e.B, e.Weight)
}

// Subgraph is the induced subgraph of one body: canonical, deduplicated edges
// sorted by (A, B) plus a parallel weight vector.
type Subgraph struct {
	Edges   []Edge
	Weights []float64
}

// NumEdges returns the number of edges in the subgraph.
func (sg Subgraph) NumEdges() int {
	return len(sg.Edges)
}

func newSubgraph(edges []Edge) Subgraph {
	sortEdges(edges)
	weights := make([]float64, len(edges))
	for i, e := range edges {
		weights[i] = e.Weight
	}
	return Subgraph{Edges: edges, Weights: weights}
}

func sortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].A != edges[j].A {
			return edges[i].A < edges[j].A
		}
		return edges[i].B < edges[j].B
	})
}

// NormalizeEdges puts every edge in canonical orientation, drops self loops
// and, among duplicate pairs, keeps the last occurrence.  The result is sorted.
// An error is returned if any weight is NaN.
func NormalizeEdges(edges []Edge) ([]Edge, error) {
	out := make([]Edge, 0, len(edges))
	for i, e := range edges {
		if math.IsNaN(e.Weight) {
			return nil, fmt.Errorf("edge %d %s has NaN weight", i, e)
		}
		if e.A == e.B {
			continue
		}
		if e.A > e.B {
			e.A, e.B = e.B, e.A
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].A != out[j].A {
			return out[i].A < out[j].A
		}
		return out[i].B < out[j].B
	})
	deduped := out[:0]
	for i := 0; i < len(out); i++ {
		if i+1 < len(out) && out[i+1].A == out[i].A && out[i+1].B == out[i].B {
			continue
		}
		deduped = append(deduped, out[i])
	}
	return deduped, nil
}

// NodeSet returns the nodes as a 64-bit roaring bitmap.
func NodeSet(nodes []NodeID) *roaring64.Bitmap {
	ids := make([]uint64, len(nodes))
	for i, n := range nodes {
		ids[i] = uint64(n)
	}
	bm := roaring64.New()
	bm.AddMany(ids)
	return bm
}
