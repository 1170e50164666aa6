package server

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/janelia-flyem/cleaveserver/cleave"
)

const timestampFormat = "2006-01-02 15:04:05.000000"

// Response is the single record returned for every cleave request.
type Response struct {
	echo map[string]interface{}

	Timestamp   string
	Seeds       map[string][]uint64
	Assignments map[string][]uint64
	Warnings    []string
	Errors      []string
}

func newResponse(echo map[string]interface{}, received time.Time) *Response {
	return &Response{
		echo:        echo,
		Timestamp:   received.Format(timestampFormat),
		Assignments: map[string][]uint64{},
		Warnings:    []string{},
	}
}

func (r *Response) addError(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// MarshalJSON writes the echoed request fields overlaid with the computed ones.
func (r *Response) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(r.echo)+5)
	for k, v := range r.echo {
		out[k] = v
	}
	out["request-timestamp"] = r.Timestamp
	if r.Seeds != nil {
		out["seeds"] = r.Seeds
	}
	out["assignments"] = r.Assignments
	out["warnings"] = r.Warnings
	if len(r.Errors) != 0 {
		out["errors"] = r.Errors
	}
	return json.Marshal(out)
}

func sortedSeeds(seeds cleave.Seeds) map[string][]uint64 {
	out := make(map[string][]uint64, len(seeds))
	for label, nodes := range seeds {
		ids := make([]uint64, len(nodes))
		for i, n := range nodes {
			ids[i] = uint64(n)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		out[strconv.FormatUint(uint64(label), 10)] = ids
	}
	return out
}

// assembleResponse fills the response from the partition results: seeds echoed
// sorted, assignments grouped by label, and the diagnostics as warnings and
// errors.  It has no side effects beyond the response.
func assembleResponse(resp *Response, req *CleaveRequest, results *cleave.Results) {
	resp.Seeds = sortedSeeds(req.SeedLabels())
	resp.Assignments = make(map[string][]uint64)
	for label, nodes := range results.Assignments() {
		ids := make([]uint64, len(nodes))
		for i, n := range nodes {
			ids[i] = uint64(n)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		resp.Assignments[strconv.FormatUint(uint64(label), 10)] = ids
	}
	if len(results.DisconnectedComponents) != 0 {
		labels := make([]uint64, len(results.DisconnectedComponents))
		for i, label := range results.DisconnectedComponents {
			labels[i] = uint64(label)
		}
		resp.Warnings = append(resp.Warnings, fmt.Sprintf(
			"Cleave result contains non-contiguous objects for seeds: %s", formatIDs(labels)))
	}
	if results.ContainsUnlabeledComponents {
		resp.addError("Cleave result is not complete.")
	}
}

// formatIDs writes ids as a bracketed, comma-separated list.
func formatIDs(ids []uint64) string {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = strconv.FormatUint(id, 10)
	}
	return "[" + strings.Join(strs, ", ") + "]"
}
