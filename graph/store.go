package graph

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/DmitriyVTitov/size"
	"github.com/dustin/go-humanize"
	"github.com/golang/groupcache/lru"

	"github.com/janelia-flyem/cleaveserver/core"
)

// DefaultMaxTrackedBodies bounds the number of per-body sync markers held in memory.
const DefaultMaxTrackedBodies = 100000

// BodySync records the upstream version a body's rows were last synced at.
type BodySync struct {
	MutationID uint64
	Synced     time.Time

	// Unknown is the number of body nodes still without rows after the sync.
	// Supervoxels with no merge candidates never gain rows.
	Unknown int
}

// StalePredicate decides whether a body's rows should be refreshed.  It receives
// the body's sync marker (found is false if the body was never synced), the
// current upstream mutation id, and the number of body nodes that have no rows
// at all in the table.
type StalePredicate func(marker BodySync, found bool, mutationID uint64, unknownNodes int) bool

// StaleOnMutation considers a body stale when it has never been synced or
// the upstream mutation id has changed since the last sync.
func StaleOnMutation(marker BodySync, found bool, mutationID uint64, unknownNodes int) bool {
	return !found || marker.MutationID != mutationID
}

// StaleOnMutationOrUnknown is StaleOnMutation that also forces a refresh
// when more body nodes lack rows than did right after the last sync.
func StaleOnMutationOrUnknown(marker BodySync, found bool, mutationID uint64, unknownNodes int) bool {
	return StaleOnMutation(marker, found, mutationID, unknownNodes) || unknownNodes > marker.Unknown
}

// StoreOptions configures a Store.
type StoreOptions struct {
	MaxTrackedBodies int
	Stale            StalePredicate
}

// Store is the merge-candidate table shared across requests.  Every access
// goes through one mutex.
type Store struct {
	mu      sync.Mutex
	rows    map[EdgeKey]float64
	adj     map[NodeID][]NodeID
	markers *lru.Cache
	stale   StalePredicate
}

// NewStore returns an empty store.  A nil options uses defaults.
func NewStore(opts *StoreOptions) *Store {
	maxBodies := DefaultMaxTrackedBodies
	stale := StalePredicate(StaleOnMutationOrUnknown)
	if opts != nil {
		if opts.MaxTrackedBodies > 0 {
			maxBodies = opts.MaxTrackedBodies
		}
		if opts.Stale != nil {
			stale = opts.Stale
		}
	}
	return &Store{
		rows:    make(map[EdgeKey]float64),
		adj:     make(map[NodeID][]NodeID),
		markers: lru.New(maxBodies),
		stale:   stale,
	}
}

// RefreshRequest describes what Extract may do before reading.
type RefreshRequest struct {
	// Allow permits a staleness check and delta merge.  If false, Extract is a pure read.
	Allow bool

	// MutationID is the body's current upstream version.
	MutationID uint64

	// Delta holds the rows fetched for MutationID.
	Delta []Edge

	// HaveDelta is true if Delta was obtained for MutationID, even if it is empty.
	// A stale body is marked synced only when HaveDelta is set; otherwise it is
	// read as is and its marker left untouched.  Extractor sets HaveDelta with
	// an empty delta when it has no delta source, so such bodies are marked
	// synced at the request's mutation id.
	HaveDelta bool
}

// ExtractStats describes what an extraction did.
type ExtractStats struct {
	Stale     bool
	Refreshed bool
	RowsAdded int
	TableRows int
}

// Merge inserts edges that are not already present and returns the number of
// new rows.  Existing rows are never altered.
func (s *Store) Merge(edges []Edge) (int, error) {
	if err := checkWeights(edges); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mergeLocked(edges), nil
}

func checkWeights(edges []Edge) error {
	for i, e := range edges {
		if math.IsNaN(e.Weight) {
			return fmt.Errorf("edge %d %s has NaN weight", i, e)
		}
	}
	return nil
}

func (s *Store) mergeLocked(edges []Edge) int {
	added := 0
	for _, e := range edges {
		if e.A == e.B {
			continue
		}
		k := e.Key()
		if _, found := s.rows[k]; found {
			continue
		}
		s.rows[k] = e.Weight
		s.adj[k.A] = append(s.adj[k.A], k.B)
		s.adj[k.B] = append(s.adj[k.B], k.A)
		added++
	}
	return added
}

func (s *Store) unknownLocked(nodes []NodeID) int {
	var unknown int
	for _, n := range nodes {
		if _, found := s.adj[n]; !found {
			unknown++
		}
	}
	return unknown
}

func (s *Store) isStaleLocked(body BodyID, mutationID uint64, nodes []NodeID) bool {
	var marker BodySync
	v, found := s.markers.Get(body)
	if found {
		marker = v.(BodySync)
	}
	return s.stale(marker, found, mutationID, s.unknownLocked(nodes))
}

// NeedsRefresh reports whether the body would be refreshed by an Extract with
// the given mutation id.  It is meant to be called before fetching a delta so
// the fetch happens outside the lock.
func (s *Store) NeedsRefresh(body BodyID, mutationID uint64, nodes []NodeID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isStaleLocked(body, mutationID, nodes)
}

// Extract returns every known edge with both endpoints in nodes.  If the request
// allows refresh and the body is stale, the delta is merged first.  The
// staleness check, merge and read happen under one lock acquisition.
func (s *Store) Extract(body BodyID, nodes []NodeID, req RefreshRequest) (Subgraph, ExtractStats, error) {
	var stats ExtractStats
	if req.Allow && req.HaveDelta {
		if err := checkWeights(req.Delta); err != nil {
			return Subgraph{}, stats, fmt.Errorf("refresh delta for body %d: %w", body, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Allow && s.isStaleLocked(body, req.MutationID, nodes) {
		stats.Stale = true
		if req.HaveDelta {
			stats.RowsAdded = s.mergeLocked(req.Delta)
			stats.Refreshed = true
			s.markers.Add(body, BodySync{
				MutationID: req.MutationID,
				Synced:     time.Now(),
				Unknown:    s.unknownLocked(nodes),
			})
		} else {
			core.Debugf("Body %d is stale at mutation %d but no delta was supplied\n", body, req.MutationID)
		}
	}

	inBody := NodeSet(nodes)
	var edges []Edge
	it := inBody.Iterator()
	for it.HasNext() {
		n := NodeID(it.Next())
		for _, nbr := range s.adj[n] {
			if nbr > n && inBody.Contains(uint64(nbr)) {
				edges = append(edges, Edge{A: n, B: nbr, Weight: s.rows[EdgeKey{n, nbr}]})
			}
		}
	}
	stats.TableRows = len(s.rows)
	return newSubgraph(edges), stats, nil
}

// Synced returns the sync marker for a body, if any.
func (s *Store) Synced(body BodyID) (BodySync, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, found := s.markers.Get(body)
	if !found {
		return BodySync{}, false
	}
	return v.(BodySync), true
}

// NumRows returns the number of rows in the table.
func (s *Store) NumRows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// NumNodes returns the number of distinct nodes with at least one row.
func (s *Store) NumNodes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.adj)
}

// Rows calls fn for every row while holding the lock.  Iteration stops at the
// first error, which is returned.
func (s *Store) Rows(fn func(Edge) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, w := range s.rows {
		if err := fn(Edge{A: k.A, B: k.B, Weight: w}); err != nil {
			return err
		}
	}
	return nil
}

// StoreStats summarizes the table for the stats endpoint.
type StoreStats struct {
	Rows          int    `json:"rows"`
	Nodes         int    `json:"nodes"`
	TrackedBodies int    `json:"tracked-bodies"`
	MemoryBytes   int    `json:"memory-bytes"`
	Memory        string `json:"memory"`
}

// Stats returns a summary of the table.  Memory is an approximation and walks
// the whole table, so this should not be called per request.
func (s *Store) Stats() StoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	mem := size.Of(s.rows) + size.Of(s.adj)
	return StoreStats{
		Rows:          len(s.rows),
		Nodes:         len(s.adj),
		TrackedBodies: s.markers.Len(),
		MemoryBytes:   mem,
		Memory:        humanize.Bytes(uint64(mem)),
	}
}
