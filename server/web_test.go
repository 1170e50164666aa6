package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/janelia-flyem/cleaveserver/graph"
	"github.com/janelia-flyem/cleaveserver/storage"
	"github.com/janelia-flyem/cleaveserver/upstream/dvidtest"
)

func cleavePayload(dvid *dvidtest.Server, body uint64, seeds string) *bytes.Buffer {
	host, port := dvid.HostPort()
	return bytes.NewBufferString(fmt.Sprintf(`{"body-id": %d, "seeds": %s, "user": "tester", "server": %q, "port": "%d", "uuid": "abc", "segmentation-instance": "segmentation", "note": 17}`,
		body, seeds, host, port))
}

func newChainService(t *testing.T, cfg *Config) (*Service, *dvidtest.Server) {
	store := graph.NewStore(nil)
	if _, err := store.Merge(chainEdges); err != nil {
		t.Fatalf("Couldn't merge edges: %v\n", err)
	}
	dvid := dvidtest.NewServer()
	dvid.SetBody(100, 1, 1, 2, 3, 4, 5)
	return NewTestService(t, cfg, store), dvid
}

func TestComputeCleaveRoute(t *testing.T) {
	s, dvid := newChainService(t, nil)
	defer dvid.Close()

	r := TestHTTP(t, s, "POST", "/compute-cleave", cleavePayload(dvid, 100, `{"2": [5], "1": [1]}`))
	var resp struct {
		Note        json.Number         `json:"note"`
		Port        string              `json:"port"`
		Timestamp   string              `json:"request-timestamp"`
		Seeds       map[string][]uint64 `json:"seeds"`
		Assignments map[string][]uint64 `json:"assignments"`
		Warnings    []string            `json:"warnings"`
	}
	if err := json.Unmarshal(r, &resp); err != nil {
		t.Fatalf("Couldn't decode cleave response %s: %v\n", r, err)
	}
	if resp.Note.String() != "17" {
		t.Errorf("Expected unknown field echoed, got %s\n", r)
	}
	expected := map[string][]uint64{"1": {1, 2, 3, 4}, "2": {5}}
	if !reflect.DeepEqual(resp.Assignments, expected) {
		t.Errorf("Expected assignments %v, got %v\n", expected, resp.Assignments)
	}
	if !reflect.DeepEqual(resp.Seeds, map[string][]uint64{"1": {1}, "2": {5}}) {
		t.Errorf("Bad seeds echo: %v\n", resp.Seeds)
	}
	if resp.Warnings == nil || len(resp.Warnings) != 0 {
		t.Errorf("Expected empty warnings list, got %s\n", r)
	}

	w := TestHTTPResponse(t, s, "POST", "/compute-cleave", cleavePayload(dvid, 100, `{"1": [1], "2": [1]}`))
	if w.Code != http.StatusPreconditionFailed {
		t.Fatalf("Expected 412 for overlapping seeds, got %d\n", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Request contained seeds assigned to more than one label: [1]") {
		t.Errorf("Bad overlapping seeds response: %s\n", w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON error response, got content type %q\n", ct)
	}

	TestBadHTTP(t, s, "POST", "/compute-cleave", bytes.NewBufferString("{"))
	TestBadHTTP(t, s, "GET", "/compute-cleave", nil)
	TestBadHTTP(t, s, "GET", "/no/such/route", nil)
}

func TestInfoAndStatsRoutes(t *testing.T) {
	s, dvid := newChainService(t, nil)
	defer dvid.Close()

	r := TestHTTP(t, s, "GET", "/api/server/info", nil)
	var info map[string]interface{}
	if err := json.Unmarshal(r, &info); err != nil {
		t.Fatalf("Couldn't decode server info %s: %v\n", r, err)
	}
	if info["Version"] != Version.String() || info["DefaultMethod"] != "seeded-watershed" {
		t.Errorf("Bad server info: %s\n", r)
	}

	r = TestHTTP(t, s, "GET", "/api/graph/stats", nil)
	var stats struct {
		Graph graph.StoreStats `json:"graph"`
	}
	if err := json.Unmarshal(r, &stats); err != nil {
		t.Fatalf("Couldn't decode graph stats %s: %v\n", r, err)
	}
	if stats.Graph.Rows != 4 || stats.Graph.Nodes != 5 {
		t.Errorf("Bad graph stats: %s\n", r)
	}
}

func TestGraphBodyRoute(t *testing.T) {
	s, dvid := newChainService(t, nil)
	defer dvid.Close()

	host, port := dvid.HostPort()
	server := fmt.Sprintf("%s:%d", host, port)
	r := TestHTTP(t, s, "GET", "/api/graph/body/abc/100?instance=segmentation&server="+server, nil)
	var resp struct {
		MutationID uint64 `json:"mutation id"`
		Vertices   []bodyGraphVertex
		Edges      []bodyGraphEdge
	}
	if err := json.Unmarshal(r, &resp); err != nil {
		t.Fatalf("Couldn't decode body graph %s: %v\n", r, err)
	}
	if resp.MutationID != 1 || len(resp.Vertices) != 5 || len(resp.Edges) != 4 {
		t.Errorf("Bad body graph: %s\n", r)
	}
	if _, found := s.Store.Synced(100); found {
		t.Errorf("Body graph route should not mark the body as synced\n")
	}

	w := TestHTTPResponse(t, s, "GET", "/api/graph/body/abc/999?instance=segmentation&server="+server, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown body, got %d\n", w.Code)
	}
	TestBadHTTP(t, s, "GET", "/api/graph/body/abc/xyz?instance=segmentation&server="+server, nil)
	TestBadHTTP(t, s, "GET", "/api/graph/body/abc/100", nil)
}

func TestSnapshotRoute(t *testing.T) {
	s, dvid := newChainService(t, nil)
	defer dvid.Close()

	w := TestHTTPResponse(t, s, "POST", "/api/graph/snapshot", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 without snapshot directory, got %d\n", w.Code)
	}

	snap, err := storage.OpenSnapshot(filepath.Join(t.TempDir(), "snapshot"), 2)
	if err != nil {
		t.Fatalf("Couldn't open snapshot: %v\n", err)
	}
	defer snap.Close()
	s.Snapshot = snap

	r := TestHTTP(t, s, "POST", "/api/graph/snapshot", nil)
	var info storage.SnapshotInfo
	if err := json.Unmarshal(r, &info); err != nil {
		t.Fatalf("Couldn't decode snapshot info %s: %v\n", r, err)
	}
	if info.Rows != 4 || info.Blocks != 2 || info.Source != "api" {
		t.Errorf("Bad snapshot info: %s\n", r)
	}

	restored := graph.NewStore(nil)
	if _, err := snap.Load(restored); err != nil {
		t.Fatalf("Couldn't load snapshot: %v\n", err)
	}
	if restored.NumRows() != 4 {
		t.Errorf("Expected 4 restored rows, got %d\n", restored.NumRows())
	}
}

func TestLogRoutes(t *testing.T) {
	s, dvid := newChainService(t, nil)
	defer dvid.Close()

	w := TestHTTPResponse(t, s, "GET", "/", nil)
	if w.Code != http.StatusFound || w.Header().Get("Location") != "/log?page=0" {
		t.Errorf("Expected redirect to log page, got %d %q\n", w.Code, w.Header().Get("Location"))
	}
	TestBadHTTP(t, s, "GET", "/log?page=-1", nil)

	dir := t.TempDir()
	logfile := filepath.Join(dir, "cleave.log")
	for _, name := range []string{"cleave.log", "cleave-2021-01-01T00-00-00.000.log", "cleave-2021-02-01T00-00-00.000.log"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0644); err != nil {
			t.Fatalf("Couldn't write log file: %v\n", err)
		}
	}
	pages := logPages(logfile)
	expected := []string{
		logfile,
		filepath.Join(dir, "cleave-2021-02-01T00-00-00.000.log"),
		filepath.Join(dir, "cleave-2021-01-01T00-00-00.000.log"),
	}
	if !reflect.DeepEqual(pages, expected) {
		t.Errorf("Expected log pages %v, got %v\n", expected, pages)
	}
}

func TestAuthorization(t *testing.T) {
	dir := t.TempDir()
	authFile := filepath.Join(dir, "auth.json")
	if err := os.WriteFile(authFile, []byte(`{"alice": "readwrite", "bob": "read"}`), 0644); err != nil {
		t.Fatalf("Couldn't write auth file: %v\n", err)
	}
	cfg := DefaultConfig()
	cfg.Auth = authConfig{AuthFile: authFile, SecretKey: "not-so-secret"}
	s, dvid := newChainService(t, cfg)
	defer dvid.Close()

	// Reads need no token.
	TestHTTP(t, s, "GET", "/api/graph/stats", nil)

	w := TestHTTPResponse(t, s, "POST", "/compute-cleave", cleavePayload(dvid, 100, `{"1": [1], "2": [5]}`))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401 without token, got %d\n", w.Code)
	}

	post := func(user string) int {
		token, err := s.auth.generateJWT(user)
		if err != nil {
			t.Fatalf("Couldn't generate token: %v\n", err)
		}
		return postWithToken(t, s, token, cleavePayload(dvid, 100, `{"1": [1], "2": [5]}`))
	}
	if code := post("alice"); code != http.StatusOK {
		t.Errorf("Expected 200 for readwrite user, got %d\n", code)
	}
	if code := post("bob"); code != http.StatusForbidden {
		t.Errorf("Expected 403 for read-only user, got %d\n", code)
	}
	if code := post("mallory"); code != http.StatusForbidden {
		t.Errorf("Expected 403 for unknown user, got %d\n", code)
	}

	other := &authorizer{secret: []byte("other-secret")}
	token, err := other.generateJWT("alice")
	if err != nil {
		t.Fatalf("Couldn't generate token: %v\n", err)
	}
	if code := postWithToken(t, s, token, cleavePayload(dvid, 100, `{"1": [1], "2": [5]}`)); code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for token signed with another key, got %d\n", code)
	}
}

func postWithToken(t *testing.T, h http.Handler, token string, payload *bytes.Buffer) int {
	req, err := http.NewRequest("POST", "/compute-cleave", payload)
	if err != nil {
		t.Fatalf("Couldn't create request: %v\n", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w.Code
}
