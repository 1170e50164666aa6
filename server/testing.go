/*
	This file contains functions useful for testing the cleave server in other
	packages.  Unfortunately, due to the way Go handles compilation of *_test.go
	files, these functions cannot be in server_test.go since they will be
	unavailable to test files in external packages.  So these functions are
	exported and contain the "Test" keyword.
*/

package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/janelia-flyem/cleaveserver/graph"
	"github.com/janelia-flyem/cleaveserver/upstream"
)

// NewTestService returns a service over the given store with an upstream client
// that does no rate limiting.  The store may be nil for an empty one.
func NewTestService(t *testing.T, cfg *Config, store *graph.Store) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if store == nil {
		store = graph.NewStore(nil)
	}
	client := upstream.NewClient(cfg.UpstreamOptions())
	s, err := NewService(cfg, store, client, nil, nil)
	if err != nil {
		t.Fatalf("Unable to create test service: %v\n", err)
	}
	return s
}

// TestHTTPResponse returns a response from a test run of the cleave server.
// Use TestHTTP if you just want the response body bytes.
func TestHTTPResponse(t *testing.T, h http.Handler, method, urlStr string, payload io.Reader) *httptest.ResponseRecorder {
	req, err := http.NewRequest(method, urlStr, payload)
	if err != nil {
		t.Fatalf("Unsuccessful %s on %q: %v\n", method, urlStr, err)
	}
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	return resp
}

// TestHTTP returns the response body bytes for a test request, making sure any response has
// status OK.
func TestHTTP(t *testing.T, h http.Handler, method, urlStr string, payload io.Reader) []byte {
	resp := TestHTTPResponse(t, h, method, urlStr, payload)
	if resp.Code != http.StatusOK {
		t.Fatalf("Bad server response (%d) to %s on %q: %s\n", resp.Code, method, urlStr, resp.Body.String())
	}
	return resp.Body.Bytes()
}

// TestBadHTTP expects a HTTP response with an error status code.
func TestBadHTTP(t *testing.T, h http.Handler, method, urlStr string, payload io.Reader) {
	w := TestHTTPResponse(t, h, method, urlStr, payload)
	if w.Code == http.StatusOK {
		t.Fatalf("Expected bad server response to %s on %q, got %d instead.\n", method, urlStr, w.Code)
	}
}
