/*
Package upstream is a client for the DVID segmentation store that owns body
membership and versioning.

Only the few labelmap and labelgraph endpoints the cleave server depends on
are covered: a body's supervoxels, its last mutation id, and the stored
subgraph over a set of supervoxels.
*/
package upstream

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/coocood/freecache"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/janelia-flyem/cleaveserver/core"
	"github.com/janelia-flyem/cleaveserver/graph"
)

const (
	// DefaultApp is sent as the app query parameter on every request.
	DefaultApp = "cleave-server"

	// DefaultTimeout bounds any single upstream request.
	DefaultTimeout = 60 * time.Second

	// DefaultCacheMB is the default size of the supervoxel cache.
	DefaultCacheMB = 64

	// Error bodies longer than this are truncated in HTTPError.
	maxErrorBody = 1000
)

// Instance addresses a data instance at a version of a DVID repo.
type Instance struct {
	// Server is host:port, optionally with an http:// or https:// scheme.
	Server string
	UUID   string
	Name   string

	// User is sent as the u query parameter.
	User string
}

func (inst Instance) String() string {
	return fmt.Sprintf("%s/%s/%s", inst.Server, inst.UUID, inst.Name)
}

func (inst Instance) baseURL() string {
	server := strings.TrimSuffix(inst.Server, "/")
	if !strings.HasPrefix(server, "http://") && !strings.HasPrefix(server, "https://") {
		server = "http://" + server
	}
	return fmt.Sprintf("%s/api/node/%s/%s", server, inst.UUID, inst.Name)
}

// HTTPError is returned when DVID responds with a non-200 status.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s returned status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// IsNotFound returns true if err is a 404 from DVID.
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound
}

// Options configures a Client.  Zero values select defaults.
type Options struct {
	App     string
	Timeout time.Duration

	// RequestsPerSec limits the rate of requests to DVID.  Zero means no limit.
	RequestsPerSec float64
	Burst          int

	// CacheMB sizes the supervoxel cache.  Negative disables it.
	CacheMB int

	// LabelGraph names the labelgraph instance used by FetchSubgraph.
	LabelGraph string
}

// Client talks to DVID servers.  It is safe for concurrent use.
type Client struct {
	http       *http.Client
	app        string
	limiter    *rate.Limiter
	cache      *freecache.Cache
	flight     singleflight.Group
	labelGraph string
}

// NewClient returns a client with the given options.
func NewClient(opts Options) *Client {
	c := &Client{
		http:       &http.Client{Timeout: opts.Timeout},
		app:        opts.App,
		limiter:    rate.NewLimiter(rate.Inf, 0),
		labelGraph: opts.LabelGraph,
	}
	if c.http.Timeout == 0 {
		c.http.Timeout = DefaultTimeout
	}
	if c.app == "" {
		c.app = DefaultApp
	}
	if opts.RequestsPerSec > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSec), burst)
	}
	switch {
	case opts.CacheMB == 0:
		c.cache = freecache.NewCache(DefaultCacheMB * core.Mega)
	case opts.CacheMB > 0:
		c.cache = freecache.NewCache(opts.CacheMB * core.Mega)
	}
	return c
}

// LabelGraph returns the labelgraph instance name, or empty if none is configured.
func (c *Client) LabelGraph() string {
	return c.labelGraph
}

func (c *Client) do(ctx context.Context, inst Instance, method, endpoint string, payload []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	query := url.Values{}
	if inst.User != "" {
		query.Set("u", inst.User)
	}
	query.Set("app", c.app)
	reqURL := inst.baseURL() + endpoint + "?" + query.Encode()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	timedLog := core.NewTimeLog()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", method, reqURL, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response of %s %s: %w", method, reqURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(data))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody] + "..."
		}
		return nil, &HTTPError{Method: method, URL: reqURL, StatusCode: resp.StatusCode, Body: msg}
	}
	timedLog.Debugf("%s %s: %d bytes", method, reqURL, len(data))
	return data, nil
}

type lastModResponse struct {
	MutationID *uint64 `json:"mutation id"`
}

// FetchMutationID returns the id of the last mutation applied to a body.
func (c *Client) FetchMutationID(ctx context.Context, inst Instance, body graph.BodyID) (uint64, error) {
	data, err := c.do(ctx, inst, http.MethodGet, fmt.Sprintf("/lastmod/%d", body), nil)
	if err != nil {
		return 0, err
	}
	var resp lastModResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return 0, fmt.Errorf("bad lastmod response for body %d: %w", body, err)
	}
	if resp.MutationID == nil {
		return 0, fmt.Errorf("lastmod response for body %d has no mutation id", body)
	}
	return *resp.MutationID, nil
}

// FetchSupervoxels returns the sorted supervoxels of a body.
func (c *Client) FetchSupervoxels(ctx context.Context, inst Instance, body graph.BodyID) ([]graph.NodeID, error) {
	data, err := c.do(ctx, inst, http.MethodGet, fmt.Sprintf("/supervoxels/%d", body), nil)
	if err != nil {
		return nil, err
	}
	var svs []graph.NodeID
	if err := json.Unmarshal(data, &svs); err != nil {
		return nil, fmt.Errorf("bad supervoxels response for body %d: %w", body, err)
	}
	sort.Slice(svs, func(i, j int) bool { return svs[i] < svs[j] })
	return svs, nil
}

// Body is a body's membership at one mutation.
type Body struct {
	ID          graph.BodyID
	MutationID  uint64
	Supervoxels []graph.NodeID
	Cached      bool
}

func cacheKey(inst Instance, body graph.BodyID, mutid uint64) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%d|%d", inst.Server, inst.UUID, inst.Name, body, mutid))
}

func encodeSupervoxels(svs []graph.NodeID) []byte {
	buf := make([]byte, 8*len(svs))
	for i, sv := range svs {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(sv))
	}
	return buf
}

func decodeSupervoxels(buf []byte) []graph.NodeID {
	svs := make([]graph.NodeID, len(buf)/8)
	for i := range svs {
		svs[i] = graph.NodeID(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return svs
}

// FetchBody returns a body's supervoxels along with the mutation id they are
// current for.  Supervoxel lists are cached per mutation id, so a cached
// entry is exact for its version.  Identical concurrent fetches share one
// round trip.
func (c *Client) FetchBody(ctx context.Context, inst Instance, body graph.BodyID) (*Body, error) {
	mutid, err := c.FetchMutationID(ctx, inst, body)
	if err != nil {
		return nil, err
	}
	key := cacheKey(inst, body, mutid)
	if c.cache != nil {
		buf, err := c.cache.Get(key)
		if err == nil {
			return &Body{ID: body, MutationID: mutid, Supervoxels: decodeSupervoxels(buf), Cached: true}, nil
		}
		if err != freecache.ErrNotFound {
			core.Errorf("supervoxel cache get for body %d: %v\n", body, err)
		}
	}

	// The shared fetch outlives any one caller so a disconnecting client
	// doesn't fail the others waiting on it.  The http client timeout still
	// bounds it.
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(string(key), func() (interface{}, error) {
		return c.fetchBody(fetchCtx, inst, body, mutid, key)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Body), nil
	}
}

func (c *Client) fetchBody(ctx context.Context, inst Instance, body graph.BodyID, mutid uint64, key []byte) (*Body, error) {
	var svs []graph.NodeID
	var after uint64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		svs, err = c.FetchSupervoxels(gctx, inst, body)
		return
	})
	g.Go(func() (err error) {
		after, err = c.FetchMutationID(gctx, inst, body)
		return
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(svs) == 0 {
		return nil, &HTTPError{
			Method:     http.MethodGet,
			URL:        inst.baseURL() + fmt.Sprintf("/supervoxels/%d", body),
			StatusCode: http.StatusNotFound,
			Body:       fmt.Sprintf("body %d has no supervoxels", body),
		}
	}
	b := &Body{ID: body, MutationID: after, Supervoxels: svs}
	if after != mutid {
		core.Infof("Body %d mutated from %d to %d during fetch, not caching\n", body, mutid, after)
		return b, nil
	}
	if c.cache != nil {
		if err := c.cache.Set(key, encodeSupervoxels(svs), 0); err != nil {
			core.Debugf("not caching %d supervoxels of body %d: %v\n", len(svs), body, err)
		}
	}
	return b, nil
}

// CacheStats reports supervoxel cache counters.
type CacheStats struct {
	Entries  int64   `json:"entries"`
	Hits     int64   `json:"hits"`
	Misses   int64   `json:"misses"`
	HitRate  float64 `json:"hit-rate"`
	Evicted  int64   `json:"evicted"`
	Disabled bool    `json:"disabled,omitempty"`
}

// CacheStats returns the supervoxel cache counters.
func (c *Client) CacheStats() CacheStats {
	if c.cache == nil {
		return CacheStats{Disabled: true}
	}
	return CacheStats{
		Entries: c.cache.EntryCount(),
		Hits:    c.cache.HitCount(),
		Misses:  c.cache.MissCount(),
		HitRate: c.cache.HitRate(),
		Evicted: c.cache.EvacuateCount(),
	}
}
