// Package dvidtest provides an in-process fake of the DVID endpoints used by
// the cleave server.
package dvidtest

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/janelia-flyem/cleaveserver/graph"
)

type body struct {
	mutid       uint64
	supervoxels []uint64
}

// Server is a fake DVID server holding bodies and labelgraph edges.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	bodies    map[uint64]body
	edges     []graph.Edge
	failures  map[string]int
	delays    map[string]time.Duration
	counts    map[string]int
	lastQuery url.Values
}

// NewServer starts a fake DVID server.  Close it when done.
func NewServer() *Server {
	s := &Server{
		bodies:   make(map[uint64]body),
		failures: make(map[string]int),
		delays:   make(map[string]time.Duration),
		counts:   make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// HostPort returns the host and port the server listens on.
func (s *Server) HostPort() (string, int) {
	u, _ := url.Parse(s.URL)
	host, port, _ := net.SplitHostPort(u.Host)
	p, _ := strconv.Atoi(port)
	return host, p
}

// SetBody sets the supervoxels and mutation id of a body.
func (s *Server) SetBody(id uint64, mutid uint64, supervoxels ...uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bodies[id] = body{mutid: mutid, supervoxels: supervoxels}
}

// AddEdges adds edges to the labelgraph.
func (s *Server) AddEdges(edges ...graph.Edge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges = append(s.edges, edges...)
}

// SetFailure makes an endpoint ("lastmod", "supervoxels", "subgraph") respond
// with the given status.  A zero status clears the failure.
func (s *Server) SetFailure(endpoint string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.failures, endpoint)
	} else {
		s.failures[endpoint] = status
	}
}

// SetDelay makes an endpoint wait before responding.  A zero delay clears it.
func (s *Server) SetDelay(endpoint string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d == 0 {
		delete(s.delays, endpoint)
	} else {
		s.delays[endpoint] = d
	}
}

// Count returns the number of requests received for an endpoint.
func (s *Server) Count(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[endpoint]
}

// LastQuery returns the query parameters of the most recent request.
func (s *Server) LastQuery() url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastQuery
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	// /api/node/<uuid>/<instance>/<endpoint>[/<body>]
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 5 || parts[0] != "api" || parts[1] != "node" {
		http.Error(w, "bad path "+r.URL.Path, http.StatusBadRequest)
		return
	}
	endpoint := parts[4]

	s.mu.Lock()
	delay := s.delays[endpoint]
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[endpoint]++
	s.lastQuery = r.URL.Query()
	if status, found := s.failures[endpoint]; found {
		http.Error(w, fmt.Sprintf("fake failure on %s", endpoint), status)
		return
	}

	switch endpoint {
	case "lastmod", "supervoxels":
		if len(parts) != 6 {
			http.Error(w, "missing body", http.StatusBadRequest)
			return
		}
		id, err := strconv.ParseUint(parts[5], 10, 64)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b, found := s.bodies[id]
		if !found {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-type", "application/json")
		if endpoint == "lastmod" {
			fmt.Fprintf(w, `{"mutation id": %d, "last mod user": "fake", "last mod app": "dvidtest", "last mod time": ""}`, b.mutid)
		} else {
			json.NewEncoder(w).Encode(b.supervoxels)
		}
	case "subgraph":
		s.handleSubgraph(w, r)
	default:
		http.Error(w, "unknown endpoint "+endpoint, http.StatusBadRequest)
	}
}

type vertex struct {
	Id     uint64
	Weight float64
}

type edge struct {
	Id1    uint64
	Id2    uint64
	Weight float64
}

type subgraph struct {
	Vertices []vertex
	Edges    []edge
}

func (s *Server) handleSubgraph(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req subgraph
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	inReq := make(map[uint64]bool, len(req.Vertices))
	for _, v := range req.Vertices {
		inReq[v.Id] = true
	}
	resp := subgraph{Vertices: req.Vertices, Edges: []edge{}}
	for _, e := range s.edges {
		if len(inReq) == 0 || (inReq[uint64(e.A)] && inReq[uint64(e.B)]) {
			resp.Edges = append(resp.Edges, edge{Id1: uint64(e.A), Id2: uint64(e.B), Weight: e.Weight})
		}
	}
	w.Header().Set("Content-type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
