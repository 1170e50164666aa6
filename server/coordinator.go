package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/janelia-flyem/cleaveserver/cleave"
	"github.com/janelia-flyem/cleaveserver/core"
	"github.com/janelia-flyem/cleaveserver/graph"
	"github.com/janelia-flyem/cleaveserver/storage"
	"github.com/janelia-flyem/cleaveserver/upstream"
)

// BodySource returns a body's current supervoxels.
type BodySource interface {
	FetchBody(ctx context.Context, inst upstream.Instance, body graph.BodyID) (*upstream.Body, error)
}

type requestState int

const (
	stateReceived requestState = iota
	stateValidated
	stateGraphExtracted
	statePartitioned
	stateAssembled
	stateResponded
)

var stateNames = [...]string{"Received", "Validated", "GraphExtracted", "Partitioned", "Assembled", "Responded"}

func (s requestState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Coordinator runs cleave requests from raw body to response.  Requests are
// independent; the only shared state is the graph store behind the extractor.
type Coordinator struct {
	Extractor *graph.Extractor
	Bodies    BodySource
	Activity  storage.ActivityLog
}

// cleaveRun is the state of one request.
type cleaveRun struct {
	id       string
	received time.Time
	state    requestState
	status   int

	req     *CleaveRequest
	resp    *Response
	rlog    *core.RequestLog
	body    *upstream.Body
	numSeed int
	sg      graph.Subgraph
	extract graph.ExtractStats
	results *cleave.Results
}

func (run *cleaveRun) advance(next requestState) {
	if run.rlog != nil {
		run.rlog.Debugf("%s -> %s", run.state, next)
	}
	run.state = next
}

// timed runs one section of the request between start and completion log lines.
func (run *cleaveRun) timed(section string, fn func() error) error {
	defer run.rlog.Timer(section)()
	return fn()
}

func (run *cleaveRun) fail(status int, format string, args ...interface{}) int {
	msg := fmt.Sprintf(format, args...)
	run.resp.Errors = append(run.resp.Errors, msg)
	if run.rlog != nil {
		run.rlog.Errorf("%s", msg)
		run.rlog.Infof("Responding with error %d (%s).", status, http.StatusText(status))
	} else {
		core.Errorf("Rejected cleave request: %s\n", msg)
	}
	return status
}

// Handle runs one cleave request and returns the response with its HTTP status.
func (c *Coordinator) Handle(ctx context.Context, raw []byte) (*Response, int) {
	run := &cleaveRun{
		id:       core.NewUUID(),
		received: time.Now(),
		state:    stateReceived,
	}
	run.status = c.execute(ctx, run, raw)
	run.advance(stateResponded)
	c.report(run)
	return run.resp, run.status
}

func (c *Coordinator) execute(ctx context.Context, run *cleaveRun, raw []byte) int {
	req, echo, err := parseRequest(raw)
	run.resp = newResponse(echo, run.received)
	if err != nil {
		return run.fail(http.StatusBadRequest, "%v", err)
	}
	run.req = req
	user := req.User
	if user == "" {
		user = "unknown"
	}
	run.rlog = core.NewRequestLog("User %s: Body %d: ", user, req.BodyID)
	if reqString, err := json.Marshal(echo); err == nil {
		run.rlog.Infof("Received cleave request: %s", reqString)
	}
	run.resp.Seeds = sortedSeeds(req.SeedLabels())

	// Validate seeds before any upstream work.
	seeds := req.NonEmptySeeds()
	for _, nodes := range seeds {
		run.numSeed += len(nodes)
	}
	if len(seeds) == 0 {
		return run.fail(http.StatusPreconditionFailed, "Request contained no seeds!")
	}
	if overlap := overlappingSeeds(seeds); len(overlap) != 0 {
		return run.fail(http.StatusPreconditionFailed,
			"Request contained seeds assigned to more than one label: %s", formatIDs(overlap))
	}

	inst := upstream.Instance{Server: req.ServerAddress(), UUID: req.UUID, Name: req.Instance, User: req.User}
	err = run.timed("Retrieving supervoxel list from DVID", func() (err error) {
		run.body, err = c.Bodies.FetchBody(ctx, inst, graph.BodyID(req.BodyID))
		return
	})
	if err != nil {
		if upstream.IsNotFound(err) {
			return run.fail(http.StatusBadRequest, "Body %d not found in %s: %v", req.BodyID, inst, err)
		}
		return run.fail(http.StatusInternalServerError, "Unable to fetch supervoxels for body %d: %v", req.BodyID, err)
	}
	inBody := graph.NodeSet(run.body.Supervoxels)
	var unexpected []uint64
	seen := make(map[graph.NodeID]struct{})
	for _, nodes := range seeds {
		for _, n := range nodes {
			if _, dup := seen[n]; dup {
				continue
			}
			seen[n] = struct{}{}
			if !inBody.Contains(uint64(n)) {
				unexpected = append(unexpected, uint64(n))
			}
		}
	}
	if len(unexpected) != 0 {
		return run.fail(http.StatusPreconditionFailed,
			"Request contained seeds that do not belong to body: %s", formatIDs(core.SortedUint64(unexpected)))
	}
	run.advance(stateValidated)

	allowRefresh := c.Extractor.AllowRefresh(req.UUID)
	err = run.timed("Extracting body graph", func() (err error) {
		run.sg, run.extract, err = c.Extractor.Extract(ctx, graph.ExtractRequest{
			Body:         graph.BodyID(req.BodyID),
			Nodes:        run.body.Supervoxels,
			MutationID:   run.body.MutationID,
			AllowRefresh: allowRefresh,
			Server:       inst.Server,
			UUID:         inst.UUID,
			Instance:     inst.Name,
			User:         inst.User,
		})
		return
	})
	if err != nil {
		return run.fail(http.StatusInternalServerError, "Unable to extract graph for body %d: %v", req.BodyID, err)
	}
	run.rlog.Infof("Extracted %d edges over %d supervoxels (refresh allowed %t, stale %t, %d rows added)",
		run.sg.NumEdges(), len(run.body.Supervoxels), allowRefresh, run.extract.Stale, run.extract.RowsAdded)
	run.advance(stateGraphExtracted)

	err = run.timed("Computing cleave", func() (err error) {
		run.results, err = cleave.Cleave(req.Method, run.sg.Edges, seeds, run.body.Supervoxels)
		return
	})
	if err != nil {
		if errors.Is(err, cleave.ErrUnknownMethod) {
			return run.fail(http.StatusBadRequest, "%v", err)
		}
		return run.fail(http.StatusInternalServerError, "Cleave failed: %v", err)
	}
	run.advance(statePartitioned)

	run.timed("Populating response", func() error {
		assembleResponse(run.resp, req, run.results)
		return nil
	})
	run.advance(stateAssembled)

	for _, warning := range run.resp.Warnings {
		run.rlog.Warningf("%s", warning)
	}
	if run.results.ContainsUnlabeledComponents {
		run.rlog.Errorf("Cleave result is not complete: %d supervoxels unlabeled", len(run.results.Unlabeled()))
		run.rlog.Infof("Responding with error %d (%s).", http.StatusPreconditionFailed, http.StatusText(http.StatusPreconditionFailed))
		return http.StatusPreconditionFailed
	}
	run.rlog.Infof("Sending cleave results")
	return http.StatusOK
}

func (c *Coordinator) report(run *cleaveRun) {
	elapsed := time.Since(run.received)
	if run.rlog != nil {
		run.rlog.Infof("Total time: %s", elapsed)
	}
	if c.Activity == nil {
		return
	}
	a := storage.Activity{
		RequestID:  run.id,
		Time:       run.received,
		Status:     run.status,
		NumSeeds:   run.numSeed,
		NumEdges:   run.sg.NumEdges(),
		Refreshed:  run.extract.Refreshed,
		RowsAdded:  run.extract.RowsAdded,
		DurationMs: float64(elapsed) / float64(time.Millisecond),
	}
	if run.req != nil {
		a.User = run.req.User
		a.Body = run.req.BodyID
		a.Server = run.req.ServerAddress()
		a.UUID = run.req.UUID
		a.Instance = run.req.Instance
		a.Method = run.req.Method
	}
	if run.body != nil {
		a.NumNodes = len(run.body.Supervoxels)
	}
	if len(run.resp.Errors) != 0 {
		a.Error = run.resp.Errors[0]
	}
	c.Activity.Log(a)
}
