package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/janelia-flyem/cleaveserver/graph"
	"github.com/janelia-flyem/cleaveserver/storage"
	"github.com/janelia-flyem/cleaveserver/upstream"
	"github.com/janelia-flyem/cleaveserver/upstream/dvidtest"
)

type recordedActivity struct {
	sync.Mutex
	entries []storage.Activity
}

func (r *recordedActivity) Log(a storage.Activity) {
	r.Lock()
	r.entries = append(r.entries, a)
	r.Unlock()
}

func (r *recordedActivity) Close() error { return nil }

func (r *recordedActivity) last() storage.Activity {
	r.Lock()
	defer r.Unlock()
	return r.entries[len(r.entries)-1]
}

var chainEdges = []graph.Edge{
	{A: 1, B: 2, Weight: 0.4},
	{A: 2, B: 3, Weight: 0.4},
	{A: 3, B: 4, Weight: 0.8},
	{A: 4, B: 5, Weight: 0.4},
}

type coordinatorFixture struct {
	dvid     *dvidtest.Server
	store    *graph.Store
	client   *upstream.Client
	activity *recordedActivity
	coord    *Coordinator
}

func newCoordinatorFixture(t *testing.T, labelgraph, primary string, edges ...graph.Edge) *coordinatorFixture {
	f := &coordinatorFixture{
		dvid:     dvidtest.NewServer(),
		store:    graph.NewStore(nil),
		activity: &recordedActivity{},
	}
	if len(edges) != 0 {
		if _, err := f.store.Merge(edges); err != nil {
			t.Fatalf("Couldn't merge edges: %v\n", err)
		}
	}
	f.client = upstream.NewClient(upstream.Options{LabelGraph: labelgraph})
	f.coord = &Coordinator{
		Extractor: &graph.Extractor{Store: f.store, PriorityUUID: primary, Delta: f.client.DeltaSource()},
		Bodies:    f.client,
		Activity:  f.activity,
	}
	return f
}

func (f *coordinatorFixture) request(body uint64, uuid, seeds string, extra string) []byte {
	host, port := f.dvid.HostPort()
	req := fmt.Sprintf(`{"body-id": %d, "seeds": %s, "user": "tester", "server": %q, "port": %d, "uuid": %q, "segmentation-instance": "segmentation"%s}`,
		body, seeds, host, port, uuid, extra)
	return []byte(req)
}

func decodeResponse(t *testing.T, resp *Response) map[string]interface{} {
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Couldn't marshal response: %v\n", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Couldn't decode response %s: %v\n", data, err)
	}
	return out
}

func expectAssignments(t *testing.T, resp *Response, expected map[string][]uint64) {
	if !reflect.DeepEqual(resp.Assignments, expected) {
		t.Fatalf("Expected assignments %v, got %v\n", expected, resp.Assignments)
	}
}

func expectError(t *testing.T, resp *Response, substr string) {
	for _, msg := range resp.Errors {
		if strings.Contains(msg, substr) {
			return
		}
	}
	t.Fatalf("Expected error containing %q, got %v\n", substr, resp.Errors)
}

func TestCleaveChain(t *testing.T) {
	f := newCoordinatorFixture(t, "", "", chainEdges...)
	defer f.dvid.Close()
	f.dvid.SetBody(100, 7, 1, 2, 3, 4, 5)

	resp, status := f.coord.Handle(context.Background(), f.request(100, "abc", `{"1": [1], "2": [5]}`, `, "comment": "kept"`))
	if status != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %v\n", status, resp.Errors)
	}
	expectAssignments(t, resp, map[string][]uint64{"1": {1, 2, 3, 4}, "2": {5}})
	if len(resp.Warnings) != 0 || len(resp.Errors) != 0 {
		t.Errorf("Expected no warnings or errors, got %v / %v\n", resp.Warnings, resp.Errors)
	}

	out := decodeResponse(t, resp)
	if out["comment"] != "kept" {
		t.Errorf("Unknown request field not echoed: %v\n", out)
	}
	if out["user"] != "tester" || out["segmentation-instance"] != "segmentation" {
		t.Errorf("Request fields not echoed: %v\n", out)
	}
	if ts, ok := out["request-timestamp"].(string); !ok || len(ts) != len(timestampFormat) {
		t.Errorf("Bad request-timestamp: %v\n", out["request-timestamp"])
	}
	if _, found := out["errors"]; found {
		t.Errorf("Expected no errors field on success: %v\n", out)
	}

	marker, found := f.store.Synced(100)
	if !found || marker.MutationID != 7 {
		t.Errorf("Expected body 100 synced at mutation 7, got %v (found %t)\n", marker, found)
	}

	a := f.activity.last()
	if a.Status != http.StatusOK || a.Body != 100 || a.User != "tester" || a.NumSeeds != 2 || a.NumNodes != 5 || a.NumEdges != 4 {
		t.Errorf("Unexpected activity record: %+v\n", a)
	}
}

func TestCleaveSeedValidation(t *testing.T) {
	f := newCoordinatorFixture(t, "", "", chainEdges...)
	defer f.dvid.Close()
	f.dvid.SetBody(100, 1, 1, 2, 3, 4, 5)

	tests := []struct {
		name   string
		seeds  string
		status int
		errmsg string
	}{
		{"no seeds", `{}`, http.StatusPreconditionFailed, "Request contained no seeds!"},
		{"empty classes", `{"1": [], "2": []}`, http.StatusPreconditionFailed, "Request contained no seeds!"},
		{"overlap", `{"1": [1, 2], "2": [2, 5]}`, http.StatusPreconditionFailed,
			"Request contained seeds assigned to more than one label: [2]"},
		{"outside body", `{"1": [1], "2": [99, 98]}`, http.StatusPreconditionFailed,
			"Request contained seeds that do not belong to body: [98, 99]"},
		{"bad label", `{"a": [1]}`, http.StatusBadRequest, "Malformed cleave request"},
		{"zero label", `{"0": [1]}`, http.StatusBadRequest, "not a positive integer"},
	}
	for _, tc := range tests {
		resp, status := f.coord.Handle(context.Background(), f.request(100, "abc", tc.seeds, ""))
		if status != tc.status {
			t.Errorf("%s: expected status %d, got %d (%v)\n", tc.name, tc.status, status, resp.Errors)
			continue
		}
		expectError(t, resp, tc.errmsg)
		if len(resp.Assignments) != 0 {
			t.Errorf("%s: expected empty assignments, got %v\n", tc.name, resp.Assignments)
		}
	}

	// Seed validation happens before the body is fetched for empty and
	// overlapping seeds.
	if n := f.dvid.Count("supervoxels"); n != 1 {
		t.Errorf("Expected 1 supervoxel fetch for the outside body case, got %d\n", n)
	}
}

func TestCleaveMalformed(t *testing.T) {
	f := newCoordinatorFixture(t, "", "", chainEdges...)
	defer f.dvid.Close()
	f.dvid.SetBody(100, 1, 1, 2, 3, 4, 5)
	host, port := f.dvid.HostPort()

	bad := [][]byte{
		nil,
		[]byte("not json"),
		[]byte(`[1, 2, 3]`),
		[]byte(`{"seeds": {"1": [1]}}`),
		f.request(100, "abc", `{"1": [1], "2": [5]}`, `, "method": "no-such-method"`),
		f.request(100, "abc", `{"1": [-1]}`, ""),
		f.request(100, "", `{"1": [1]}`, ""),
		[]byte(fmt.Sprintf(`{"body-id": 100, "seeds": {"1": [1], "2": [5]}, "server": %q, "port": %d, "uuid": "abc", "segmentation-instance": "segmentation"}`, host, port)),
		[]byte(fmt.Sprintf(`{"body-id": 100, "seeds": {"1": [1], "2": [5]}, "user": "tester", "server": %q, "uuid": "abc", "segmentation-instance": "segmentation"}`, host)),
	}
	for i, raw := range bad {
		resp, status := f.coord.Handle(context.Background(), raw)
		if status != http.StatusBadRequest {
			t.Errorf("Request %d: expected status 400, got %d\n", i, status)
		}
		if len(resp.Errors) == 0 {
			t.Errorf("Request %d: expected an error message\n", i)
		}
		out := decodeResponse(t, resp)
		if _, found := out["assignments"]; !found {
			t.Errorf("Request %d: expected assignments field even on failure: %v\n", i, out)
		}
	}
	if n := f.dvid.Count("supervoxels"); n != 0 {
		t.Errorf("Malformed requests reached DVID %d times\n", n)
	}
}

func TestCleaveUpstreamErrors(t *testing.T) {
	f := newCoordinatorFixture(t, "", "", chainEdges...)
	defer f.dvid.Close()
	f.dvid.SetBody(100, 1, 1, 2, 3, 4, 5)

	resp, status := f.coord.Handle(context.Background(), f.request(200, "abc", `{"1": [1]}`, ""))
	if status != http.StatusBadRequest {
		t.Fatalf("Expected 400 for missing body, got %d: %v\n", status, resp.Errors)
	}
	expectError(t, resp, "Body 200 not found")

	f.dvid.SetFailure("supervoxels", http.StatusInternalServerError)
	resp, status = f.coord.Handle(context.Background(), f.request(100, "abc", `{"1": [1], "2": [5]}`, ""))
	if status != http.StatusInternalServerError {
		t.Fatalf("Expected 500 on upstream failure, got %d: %v\n", status, resp.Errors)
	}
	if a := f.activity.last(); a.Status != http.StatusInternalServerError || a.Error == "" {
		t.Errorf("Expected failed activity record, got %+v\n", a)
	}
}

func TestCleaveIncomplete(t *testing.T) {
	f := newCoordinatorFixture(t, "", "", chainEdges...)
	defer f.dvid.Close()
	f.dvid.SetBody(100, 1, 1, 2, 3, 4, 5, 6)

	resp, status := f.coord.Handle(context.Background(), f.request(100, "abc", `{"1": [1], "2": [5]}`, ""))
	if status != http.StatusPreconditionFailed {
		t.Fatalf("Expected 412 for incomplete cleave, got %d\n", status)
	}
	expectError(t, resp, "Cleave result is not complete.")
	expectAssignments(t, resp, map[string][]uint64{"0": {6}, "1": {1, 2, 3, 4}, "2": {5}})
}

func TestCleaveDisconnectedWarning(t *testing.T) {
	triangles := []graph.Edge{
		{A: 1, B: 2, Weight: 0.5}, {A: 2, B: 3, Weight: 0.5}, {A: 1, B: 3, Weight: 0.5},
		{A: 4, B: 5, Weight: 0.5}, {A: 5, B: 6, Weight: 0.5}, {A: 4, B: 6, Weight: 0.5},
	}
	f := newCoordinatorFixture(t, "", "", triangles...)
	defer f.dvid.Close()
	f.dvid.SetBody(100, 1, 1, 2, 3, 4, 5, 6)

	resp, status := f.coord.Handle(context.Background(), f.request(100, "abc", `{"1": [1, 4]}`, ""))
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %v\n", status, resp.Errors)
	}
	expectAssignments(t, resp, map[string][]uint64{"1": {1, 2, 3, 4, 5, 6}})
	expected := []string{"Cleave result contains non-contiguous objects for seeds: [1]"}
	if !reflect.DeepEqual(resp.Warnings, expected) {
		t.Errorf("Expected warnings %v, got %v\n", expected, resp.Warnings)
	}
}

func TestCleaveRefreshPolicy(t *testing.T) {
	f := newCoordinatorFixture(t, "graph", "primary01")
	defer f.dvid.Close()
	f.dvid.SetBody(100, 3, 1, 2, 3, 4, 5)
	f.dvid.AddEdges(chainEdges...)

	// The priority version never refreshes, so the empty table leaves everything
	// but the seeds unlabeled.
	resp, status := f.coord.Handle(context.Background(), f.request(100, "primary01", `{"1": [1], "2": [5]}`, ""))
	if status != http.StatusPreconditionFailed {
		t.Fatalf("Expected 412 from empty table on priority version, got %d: %v\n", status, resp.Errors)
	}
	if n := f.dvid.Count("subgraph"); n != 0 {
		t.Fatalf("Priority version fetched %d subgraphs\n", n)
	}

	// Other versions refresh the stale body from the labelgraph.
	resp, status = f.coord.Handle(context.Background(), f.request(100, "other", `{"1": [1], "2": [5]}`, ""))
	if status != http.StatusOK {
		t.Fatalf("Expected 200 after refresh, got %d: %v\n", status, resp.Errors)
	}
	expectAssignments(t, resp, map[string][]uint64{"1": {1, 2, 3, 4}, "2": {5}})
	if n := f.dvid.Count("subgraph"); n != 1 {
		t.Fatalf("Expected 1 subgraph fetch, got %d\n", n)
	}
	if q := f.dvid.LastQuery(); q.Get("u") != "tester" {
		t.Errorf("Expected user passed upstream, got query %v\n", q)
	}

	// Same mutation id is not stale.
	if _, status = f.coord.Handle(context.Background(), f.request(100, "other", `{"1": [1], "2": [5]}`, "")); status != http.StatusOK {
		t.Fatalf("Expected 200, got %d\n", status)
	}
	if n := f.dvid.Count("subgraph"); n != 1 {
		t.Errorf("Expected no further subgraph fetch, got %d total\n", n)
	}

	// A failed refresh is a server error, not a partial answer.
	f.dvid.SetBody(100, 4, 1, 2, 3, 4, 5)
	f.dvid.SetFailure("subgraph", http.StatusServiceUnavailable)
	resp, status = f.coord.Handle(context.Background(), f.request(100, "other", `{"1": [1], "2": [5]}`, ""))
	if status != http.StatusInternalServerError {
		t.Fatalf("Expected 500 on failed refresh, got %d\n", status)
	}
	expectError(t, resp, "Unable to extract graph")
}

func TestCleaveConcurrent(t *testing.T) {
	f := newCoordinatorFixture(t, "graph", "")
	defer f.dvid.Close()
	f.dvid.AddEdges(chainEdges...)
	for body := uint64(1); body <= 8; body++ {
		f.dvid.SetBody(body, body, 1, 2, 3, 4, 5)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := uint64(i%8 + 1)
			resp, status := f.coord.Handle(context.Background(), f.request(body, "v1", `{"1": [1], "2": [5]}`, ""))
			if status != http.StatusOK {
				errs <- fmt.Errorf("body %d: status %d: %v", body, status, resp.Errors)
				return
			}
			if !reflect.DeepEqual(resp.Assignments["1"], []uint64{1, 2, 3, 4}) {
				errs <- fmt.Errorf("body %d: bad assignments %v", body, resp.Assignments)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if f.store.NumRows() != len(chainEdges) {
		t.Errorf("Expected %d rows after concurrent refreshes, got %d\n", len(chainEdges), f.store.NumRows())
	}
}
