package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/blang/semver"
	"github.com/dustin/go-humanize"
	"github.com/rs/cors"
	"github.com/zenazn/goji/web"
	"github.com/zenazn/goji/web/middleware"
	"golang.org/x/net/netutil"

	"github.com/janelia-flyem/cleaveserver/cleave"
	"github.com/janelia-flyem/cleaveserver/core"
	"github.com/janelia-flyem/cleaveserver/graph"
	"github.com/janelia-flyem/cleaveserver/storage"
	"github.com/janelia-flyem/cleaveserver/upstream"
)

// Version is the version of the cleave server.
var Version = semver.MustParse("1.2.0")

// MaxRequestBytes bounds the size of a cleave request body.
const MaxRequestBytes = 16 * core.Mega

// Service holds everything the HTTP handlers need.
type Service struct {
	Config      *Config
	Store       *graph.Store
	Client      *upstream.Client
	Coordinator *Coordinator
	Snapshot    *storage.Snapshot // nil if snapshots are not configured

	auth       *authorizer
	started    time.Time
	mux        *web.Mux
	handler    http.Handler
	snapshotMu sync.Mutex
}

// NewService wires the request coordinator and routes.  snap may be nil.
func NewService(cfg *Config, store *graph.Store, client *upstream.Client, activity storage.ActivityLog, snap *storage.Snapshot) (*Service, error) {
	auth, err := newAuthorizer(cfg.Auth)
	if err != nil {
		return nil, err
	}
	if activity == nil {
		activity = nopActivity{}
	}
	extractor := &graph.Extractor{
		Store:        store,
		PriorityUUID: cfg.Graph.PrimaryUUID,
		Delta:        client.DeltaSource(),
	}
	s := &Service{
		Config: cfg,
		Store:  store,
		Client: client,
		Coordinator: &Coordinator{
			Extractor: extractor,
			Bodies:    client,
			Activity:  activity,
		},
		Snapshot: snap,
		auth:     auth,
		started:  time.Now(),
	}
	s.initRoutes()
	return s, nil
}

type nopActivity struct{}

func (nopActivity) Log(storage.Activity) {}
func (nopActivity) Close() error         { return nil }

func (s *Service) initRoutes() {
	s.mux = web.New()
	s.mux.Use(middleware.RequestID)
	s.mux.Use(middleware.Recoverer)
	s.mux.Use(s.auth.isAuthorized)

	s.mux.Get("/", rootHandler)
	s.mux.Get("/log", logHandler)
	s.mux.Post("/compute-cleave", s.cleaveHandler)
	s.mux.Get("/api/server/info", s.serverInfoHandler)
	s.mux.Get("/api/graph/stats", s.graphStatsHandler)
	s.mux.Get("/api/graph/body/:uuid/:body", s.graphBodyHandler)
	s.mux.Post("/api/graph/snapshot", s.snapshotHandler)
	s.mux.NotFound(notFoundHandler)

	s.handler = cors.New(cors.Options{
		AllowedOrigins:   s.Config.Server.CorsDomains,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodHead},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(s.mux)
}

// ServeHTTP handles a single request.  Used by tests and Serve.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Serve listens on the configured address until ctx is done, then gives
// in-flight requests the configured delay to finish.
func (s *Service) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.Config.Server.HTTPAddress)
	if err != nil {
		return err
	}
	listener = netutil.LimitListener(listener, s.Config.Server.MaxConnections)
	srv := &http.Server{Handler: s}

	core.Infof("Web server listening at %s (max %d connections) ...\n", s.Config.Server.HTTPAddress, s.Config.Server.MaxConnections)
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(listener)
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	core.Infof("Shutting down web server, waiting up to %s for requests to finish.\n", s.Config.ShutdownDelay())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.Config.ShutdownDelay())
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// SaveSnapshot writes the store to the snapshot directory.
func (s *Service) SaveSnapshot(source string) (storage.SnapshotInfo, error) {
	if s.Snapshot == nil {
		return storage.SnapshotInfo{}, fmt.Errorf("no snapshot directory configured")
	}
	s.snapshotMu.Lock()
	defer s.snapshotMu.Unlock()
	return s.Snapshot.Save(s.Store, source)
}

// BadRequest writes a standard error message to http.ResponseWriter with a 400 status code.
func BadRequest(w http.ResponseWriter, r *http.Request, format string, args ...interface{}) {
	writeError(w, r, http.StatusBadRequest, format, args...)
}

// ServerError writes a standard error message to http.ResponseWriter with a 500 status code.
func ServerError(w http.ResponseWriter, r *http.Request, format string, args ...interface{}) {
	writeError(w, r, http.StatusInternalServerError, format, args...)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	errorMsg := fmt.Sprintf("%s (%s).", message, r.URL.Path)
	core.Errorf("%s\n", errorMsg)
	http.Error(w, errorMsg, status)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		ServerError(w, r, "unable to encode response: %v", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func notFoundHandler(w http.ResponseWriter, r *http.Request) {
	http.Error(w, fmt.Sprintf("Could not find the URL: %s", r.URL.Path), http.StatusNotFound)
}

func rootHandler(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/log?page=0", http.StatusFound)
}

// logPages returns the current log file followed by rotated backups, newest first.
func logPages(logfile string) []string {
	ext := filepath.Ext(logfile)
	backups, _ := filepath.Glob(strings.TrimSuffix(logfile, ext) + "-*" + ext)
	sort.Sort(sort.Reverse(sort.StringSlice(backups)))
	return append([]string{logfile}, backups...)
}

func logHandler(w http.ResponseWriter, r *http.Request) {
	pageStr := r.URL.Query().Get("page")
	page := 0
	if pageStr != "" {
		var err error
		if page, err = strconv.Atoi(pageStr); err != nil || page < 0 {
			BadRequest(w, r, "bad log page %q", pageStr)
			return
		}
	}
	logfile := core.Logfile()
	if logfile == "" {
		http.Error(w, "Error 404: No log file configured; log messages are going to stdout.", http.StatusNotFound)
		return
	}
	pages := logPages(logfile)
	if page >= len(pages) {
		msg := fmt.Sprintf("Error 404: Could not find log page %d.\nOnly %d pages exist for %s", page, len(pages), logfile)
		http.Error(w, msg, http.StatusNotFound)
		return
	}
	f, err := os.Open(pages[page])
	if err != nil {
		msg := fmt.Sprintf("Error 404: Could not find log page %d.\nFile does not exist:\n%s", page, pages[page])
		http.Error(w, msg, http.StatusNotFound)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "text/plain")
	io.Copy(w, f)
}

func (s *Service) cleaveHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBytes+1))
	if err != nil {
		BadRequest(w, r, "unable to read request body: %v", err)
		return
	}
	if len(data) > MaxRequestBytes {
		writeError(w, r, http.StatusRequestEntityTooLarge, "request body exceeds %s", humanize.IBytes(MaxRequestBytes))
		return
	}
	resp, status := s.Coordinator.Handle(r.Context(), data)
	core.Debugf("Request %s /compute-cleave responded %d\n", middleware.GetReqID(c), status)
	writeJSON(w, r, status, resp)
}

func (s *Service) serverInfoHandler(w http.ResponseWriter, r *http.Request) {
	info := map[string]interface{}{
		"Version":        Version.String(),
		"Host":           s.Config.Host(),
		"Note":           s.Config.Server.Note,
		"Config":         s.Config.Location(),
		"Started":        s.started.Format(time.RFC3339),
		"Uptime":         humanize.Time(s.started),
		"MergeTable":     s.Config.Graph.MergeTable,
		"PrimaryUUID":    s.Config.Graph.PrimaryUUID,
		"LabelGraph":     s.Client.LabelGraph(),
		"Methods":        cleave.Methods(),
		"DefaultMethod":  cleave.DefaultMethod,
		"Snapshot":       s.Config.Graph.Snapshot,
		"Logfile":        core.Logfile(),
		"MaxConnections": s.Config.Server.MaxConnections,
	}
	writeJSON(w, r, http.StatusOK, info)
}

func (s *Service) graphStatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"graph":            s.Store.Stats(),
		"supervoxel-cache": s.Client.CacheStats(),
	}
	if s.Snapshot != nil {
		if info, found, err := s.Snapshot.Info(); err != nil {
			stats["snapshot-error"] = err.Error()
		} else if found {
			stats["snapshot"] = info
		}
	}
	writeJSON(w, r, http.StatusOK, stats)
}

type bodyGraphEdge struct {
	Id1    uint64
	Id2    uint64
	Weight float64
}

type bodyGraphVertex struct {
	Id uint64
}

// graphBodyHandler returns the stored subgraph of a body without refreshing.
// The server and segmentation instance are given as query parameters.
func (s *Service) graphBodyHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	body, err := strconv.ParseUint(c.URLParams["body"], 10, 64)
	if err != nil || body == 0 {
		BadRequest(w, r, "bad body id %q", c.URLParams["body"])
		return
	}
	query := r.URL.Query()
	inst := upstream.Instance{
		Server: query.Get("server"),
		UUID:   c.URLParams["uuid"],
		Name:   query.Get("instance"),
		User:   query.Get("u"),
	}
	if inst.Server == "" || inst.Name == "" {
		BadRequest(w, r, "server and instance query parameters are required")
		return
	}
	b, err := s.Client.FetchBody(r.Context(), inst, graph.BodyID(body))
	if err != nil {
		if upstream.IsNotFound(err) {
			writeError(w, r, http.StatusNotFound, "body %d not found: %v", body, err)
		} else {
			ServerError(w, r, "unable to fetch body %d: %v", body, err)
		}
		return
	}
	sg, _, err := s.Store.Extract(graph.BodyID(body), b.Supervoxels, graph.RefreshRequest{})
	if err != nil {
		ServerError(w, r, "unable to extract body %d: %v", body, err)
		return
	}
	resp := struct {
		MutationID uint64 `json:"mutation id"`
		Vertices   []bodyGraphVertex
		Edges      []bodyGraphEdge
	}{
		MutationID: b.MutationID,
		Vertices:   make([]bodyGraphVertex, len(b.Supervoxels)),
		Edges:      make([]bodyGraphEdge, len(sg.Edges)),
	}
	for i, sv := range b.Supervoxels {
		resp.Vertices[i].Id = uint64(sv)
	}
	for i, e := range sg.Edges {
		resp.Edges[i] = bodyGraphEdge{Id1: uint64(e.A), Id2: uint64(e.B), Weight: e.Weight}
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func (s *Service) snapshotHandler(w http.ResponseWriter, r *http.Request) {
	if s.Snapshot == nil {
		BadRequest(w, r, "no snapshot directory configured")
		return
	}
	info, err := s.SaveSnapshot("api")
	if err != nil {
		ServerError(w, r, "snapshot failed: %v", err)
		return
	}
	writeJSON(w, r, http.StatusOK, info)
}
