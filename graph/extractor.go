package graph

import (
	"context"
	"fmt"

	"github.com/janelia-flyem/cleaveserver/core"
)

// DeltaSource fetches the authoritative rows among a body's nodes from upstream.
type DeltaSource interface {
	FetchDelta(ctx context.Context, req ExtractRequest) ([]Edge, error)
}

// DeltaFunc adapts a function to a DeltaSource.
type DeltaFunc func(ctx context.Context, req ExtractRequest) ([]Edge, error)

// FetchDelta calls f.
func (f DeltaFunc) FetchDelta(ctx context.Context, req ExtractRequest) ([]Edge, error) {
	return f(ctx, req)
}

// ExtractRequest is a single body extraction.
type ExtractRequest struct {
	Body         BodyID
	Nodes        []NodeID
	MutationID   uint64
	AllowRefresh bool

	// Server, UUID and Instance address the upstream store for the delta source.
	Server   string
	UUID     string
	Instance string
	User     string
}

// Extractor applies the refresh policy around a Store.
type Extractor struct {
	Store *Store

	// PriorityUUID names the version whose requests never refresh.  Empty
	// means every request may refresh.
	PriorityUUID string

	// Delta is optional.  Without it, stale bodies are read from the table as is
	// and marked synced at the request's mutation id.
	Delta DeltaSource
}

// AllowRefresh returns false only for requests against the priority version.
func (x *Extractor) AllowRefresh(uuid string) bool {
	return !core.UUIDsMatch(uuid, x.PriorityUUID)
}

// Extract returns the body's induced subgraph, refreshing the table first if
// the request allows it and the body looks stale.  The delta is fetched
// before taking the store lock.  A failed fetch is returned as an error
// rather than serving a possibly incomplete subgraph.
func (x *Extractor) Extract(ctx context.Context, req ExtractRequest) (Subgraph, ExtractStats, error) {
	refresh := RefreshRequest{
		Allow:      req.AllowRefresh,
		MutationID: req.MutationID,
	}
	if req.AllowRefresh && x.Store.NeedsRefresh(req.Body, req.MutationID, req.Nodes) {
		if x.Delta == nil {
			refresh.HaveDelta = true
		} else {
			timedLog := core.NewTimeLog()
			delta, err := x.Delta.FetchDelta(ctx, req)
			if err != nil {
				return Subgraph{}, ExtractStats{}, fmt.Errorf("refresh of body %d failed: %w", req.Body, err)
			}
			timedLog.Debugf("Fetched %d delta rows for body %d", len(delta), req.Body)
			refresh.Delta = delta
			refresh.HaveDelta = true
		}
	}
	return x.Store.Extract(req.Body, req.Nodes, refresh)
}
