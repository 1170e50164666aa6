/*
Package cleave partitions a body's nodes into labeled groups grown from seeds.

Partitioning methods are registered by name.  Each method receives a validated
Problem and returns one label per node, with 0 meaning the node was not
reached from any seed.
*/
package cleave

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/janelia-flyem/cleaveserver/core"
	"github.com/janelia-flyem/cleaveserver/graph"
)

// DefaultMethod is used when a request names no method.
const DefaultMethod = "seeded-watershed"

var (
	// ErrUnknownMethod is returned when no method is registered under a name.
	ErrUnknownMethod = errors.New("unknown cleave method")

	// ErrInvalidInput is wrapped by every input validation failure.
	ErrInvalidInput = errors.New("invalid cleave input")
)

// Label is an output label.  0 is reserved for nodes no seed reached.
type Label uint64

// Seeds maps each output label to the nodes seeded with it.
type Seeds map[Label][]graph.NodeID

// Labels returns the seed labels in ascending order.
func (s Seeds) Labels() []Label {
	labels := make([]Label, 0, len(s))
	for label := range s {
		labels = append(labels, label)
	}
	sortLabels(labels)
	return labels
}

// Method assigns a label to every node of a problem.  The returned slice is
// parallel to p.Nodes.
type Method func(p *Problem) []Label

var (
	methodsMu sync.RWMutex
	methods   = make(map[string]Method)
)

// Register makes a method available by name.  Registering a name twice panics.
func Register(name string, m Method) {
	methodsMu.Lock()
	defer methodsMu.Unlock()
	if m == nil {
		panic("cleave: Register method is nil")
	}
	if _, dup := methods[name]; dup {
		panic("cleave: Register called twice for method " + name)
	}
	methods[name] = m
}

// Lookup returns the method registered under name.
func Lookup(name string) (Method, error) {
	methodsMu.RLock()
	defer methodsMu.RUnlock()
	m, found := methods[name]
	if !found {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, name)
	}
	return m, nil
}

// Methods returns the sorted names of all registered methods.
func Methods() []string {
	methodsMu.RLock()
	defer methodsMu.RUnlock()
	names := make([]string, 0, len(methods))
	for name := range methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register(DefaultMethod, SeededWatershed)
	Register("agglomerative-clustering", AgglomerativeClustering)
	Register("echo-seeds", EchoSeeds)
}

// Results holds a label for every node of the body plus quality diagnostics.
type Results struct {
	// NodeIDs is the sorted node universe; OutputLabels is parallel to it.
	NodeIDs      []graph.NodeID
	OutputLabels []Label

	// DisconnectedComponents lists, in ascending order, labels whose nodes
	// form more than one connected component.
	DisconnectedComponents []Label

	// ContainsUnlabeledComponents is true if any node has label 0.
	ContainsUnlabeledComponents bool
}

// Assignments groups the nodes by label, each list ascending.  Unlabeled
// nodes appear under label 0.
func (r *Results) Assignments() map[Label][]graph.NodeID {
	groups := make(map[Label][]graph.NodeID)
	for i, n := range r.NodeIDs {
		label := r.OutputLabels[i]
		groups[label] = append(groups[label], n)
	}
	return groups
}

// Unlabeled returns the nodes with label 0.
func (r *Results) Unlabeled() []graph.NodeID {
	var nodes []graph.NodeID
	for i, n := range r.NodeIDs {
		if r.OutputLabels[i] == 0 {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// Cleave partitions nodes with the named method.  Edges must lie within nodes,
// every seed must belong to nodes, and no node may be seeded with two labels.
// Seed classes with no nodes are ignored.
func Cleave(method string, edges []graph.Edge, seeds Seeds, nodes []graph.NodeID) (*Results, error) {
	if method == "" {
		method = DefaultMethod
	}
	m, err := Lookup(method)
	if err != nil {
		return nil, err
	}
	p, err := NewProblem(edges, seeds, nodes)
	if err != nil {
		return nil, err
	}
	labels := m(p)
	if len(labels) != len(p.Nodes) {
		return nil, fmt.Errorf("cleave method %q returned %d labels for %d nodes", method, len(labels), len(p.Nodes))
	}
	results := &Results{
		NodeIDs:      p.Nodes,
		OutputLabels: labels,
	}
	results.DisconnectedComponents = disconnectedLabels(p, labels)
	for _, label := range labels {
		if label == 0 {
			results.ContainsUnlabeledComponents = true
			break
		}
	}
	core.Debugf("Cleave %q over %d nodes and %d edges: %d disconnected labels, unlabeled %t\n",
		method, len(p.Nodes), len(p.Edges), len(results.DisconnectedComponents), results.ContainsUnlabeledComponents)
	return results, nil
}

func sortLabels(labels []Label) {
	sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })
}
