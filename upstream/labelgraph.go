package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/janelia-flyem/cleaveserver/graph"
)

// labelVertex and labelEdge follow the labelgraph exchange format.
type labelVertex struct {
	Id     uint64
	Weight float64
}

type labelEdge struct {
	Id1    uint64
	Id2    uint64
	Weight float64
}

type labelGraph struct {
	Vertices []labelVertex
	Edges    []labelEdge
}

// FetchSubgraph returns the edges stored in a labelgraph instance among the
// given supervoxels.  inst.Name must name the labelgraph instance.
func (c *Client) FetchSubgraph(ctx context.Context, inst Instance, nodes []graph.NodeID) ([]graph.Edge, error) {
	req := labelGraph{
		Vertices: make([]labelVertex, len(nodes)),
		Edges:    []labelEdge{},
	}
	for i, n := range nodes {
		req.Vertices[i].Id = uint64(n)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	data, err := c.do(ctx, inst, http.MethodGet, "/subgraph", payload)
	if err != nil {
		return nil, err
	}
	var resp labelGraph
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("bad subgraph response from %s: %w", inst, err)
	}
	edges := make([]graph.Edge, 0, len(resp.Edges))
	for _, e := range resp.Edges {
		edges = append(edges, graph.Edge{A: graph.NodeID(e.Id1), B: graph.NodeID(e.Id2), Weight: e.Weight})
	}
	return graph.NormalizeEdges(edges)
}

// DeltaSource returns a refresh source reading the configured labelgraph
// instance at the requested server and version, or nil if no labelgraph
// instance is configured.
func (c *Client) DeltaSource() graph.DeltaSource {
	if c.labelGraph == "" {
		return nil
	}
	return graph.DeltaFunc(func(ctx context.Context, req graph.ExtractRequest) ([]graph.Edge, error) {
		inst := Instance{Server: req.Server, UUID: req.UUID, Name: c.labelGraph, User: req.User}
		return c.FetchSubgraph(ctx, inst, req.Nodes)
	})
}
