package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/janelia-flyem/cleaveserver/cleave"
	"github.com/janelia-flyem/cleaveserver/graph"
)

// cleaveRequestSchema describes the accepted /compute-cleave body.  Fields not
// named here are allowed and echoed back unchanged.
const cleaveRequestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["body-id", "seeds", "user", "server", "port", "uuid", "segmentation-instance"],
  "properties": {
    "body-id": { "type": "integer", "minimum": 1 },
    "seeds": {
      "type": "object",
      "propertyNames": { "pattern": "^[0-9]+$" },
      "additionalProperties": {
        "type": "array",
        "items": { "type": "integer", "minimum": 0 }
      }
    },
    "user": { "type": "string" },
    "server": { "type": "string", "minLength": 1 },
    "port": { "type": ["integer", "string"] },
    "uuid": { "type": "string", "minLength": 1 },
    "segmentation-instance": { "type": "string", "minLength": 1 },
    "method": { "type": "string" }
  }
}`

var requestSchema = jsonschema.MustCompileString("cleave-request.json", cleaveRequestSchema)

// CleaveRequest is the typed form of a /compute-cleave body.
type CleaveRequest struct {
	BodyID   uint64              `json:"body-id"`
	Seeds    map[string][]uint64 `json:"seeds"`
	User     string              `json:"user"`
	Server   string              `json:"server"`
	Port     json.Number         `json:"port"`
	UUID     string              `json:"uuid"`
	Instance string              `json:"segmentation-instance"`
	Method   string              `json:"method"`

	// labels holds Seeds keyed by parsed label.
	labels cleave.Seeds
}

// ServerAddress returns host:port for the upstream server.
func (req *CleaveRequest) ServerAddress() string {
	if req.Port == "" {
		return req.Server
	}
	return req.Server + ":" + req.Port.String()
}

// SeedLabels returns the parsed seeds including empty classes.
func (req *CleaveRequest) SeedLabels() cleave.Seeds {
	return req.labels
}

// NonEmptySeeds returns the seeds with empty classes removed.
func (req *CleaveRequest) NonEmptySeeds() cleave.Seeds {
	seeds := make(cleave.Seeds, len(req.labels))
	for label, nodes := range req.labels {
		if len(nodes) != 0 {
			seeds[label] = nodes
		}
	}
	return seeds
}

// parseRequest validates a request body against the schema and decodes it.
// The returned echo holds every field of the body, including unknown ones,
// and is non-nil whenever the body was a JSON object.
func parseRequest(raw []byte) (*CleaveRequest, map[string]interface{}, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil, fmt.Errorf("Request is missing a JSON body")
	}
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, nil, fmt.Errorf("Request body is not valid JSON: %v", err)
	}
	echo, ok := doc.(map[string]interface{})
	if !ok {
		return nil, nil, fmt.Errorf("Request body must be a JSON object")
	}
	if err := requestSchema.Validate(doc); err != nil {
		return nil, echo, fmt.Errorf("Malformed cleave request: %v", err)
	}

	var req CleaveRequest
	dec = json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return nil, echo, fmt.Errorf("Malformed cleave request: %v", err)
	}
	if req.Method == "" {
		req.Method = cleave.DefaultMethod
	}
	if _, err := cleave.Lookup(req.Method); err != nil {
		return nil, echo, fmt.Errorf("Malformed cleave request: %v (known methods: %v)", err, cleave.Methods())
	}
	req.labels = make(cleave.Seeds, len(req.Seeds))
	for key, nodes := range req.Seeds {
		label, err := strconv.ParseUint(key, 10, 64)
		if err != nil || label == 0 {
			return nil, echo, fmt.Errorf("Malformed cleave request: seed label %q is not a positive integer", key)
		}
		if _, dup := req.labels[cleave.Label(label)]; dup {
			return nil, echo, fmt.Errorf("Malformed cleave request: seed label %d given more than once", label)
		}
		svs := make([]graph.NodeID, len(nodes))
		for i, n := range nodes {
			svs[i] = graph.NodeID(n)
		}
		req.labels[cleave.Label(label)] = svs
	}
	return &req, echo, nil
}

// overlappingSeeds returns the sorted nodes seeded under more than one label.
func overlappingSeeds(seeds cleave.Seeds) []uint64 {
	owner := make(map[graph.NodeID]cleave.Label)
	overlap := make(map[graph.NodeID]struct{})
	for label, nodes := range seeds {
		for _, n := range nodes {
			if prev, found := owner[n]; found && prev != label {
				overlap[n] = struct{}{}
			}
			owner[n] = label
		}
	}
	out := make([]uint64, 0, len(overlap))
	for n := range overlap {
		out = append(out, uint64(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
