// Command cleave-server serves /compute-cleave requests over a merge-score
// table, refreshing bodies from DVID as they change.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"

	"github.com/janelia-flyem/cleaveserver/core"
	"github.com/janelia-flyem/cleaveserver/graph"
	"github.com/janelia-flyem/cleaveserver/server"
	"github.com/janelia-flyem/cleaveserver/storage"
	"github.com/janelia-flyem/cleaveserver/upstream"
)

var (
	// Display usage if true.
	showHelp = flag.Bool("help", false, "")

	// Run in verbose mode if true.
	runVerbose = flag.Bool("verbose", false, "")

	// Path to the TOML configuration.  Leave unset for defaults.
	configFile = flag.String("config", "", "")

	// Overrides of the TOML settings.
	port        = flag.Int("port", 0, "")
	mergeTable  = flag.String("merge-table", "", "")
	primaryUUID = flag.String("primary-uuid", "", "")
	labelGraph  = flag.String("labelgraph", "", "")

	// Profile CPU usage using standard gotest system.
	cpuprofile = flag.String("cpuprofile", "", "")

	// Number of logical CPUs to use.
	useCPU = flag.Int("numcpu", 0, "")
)

const helpMessage = `
cleave-server partitions DVID bodies into seeded pieces using a merge-score table

Usage: cleave-server [options]

      -config       =string   TOML configuration file.
      -port         =number   Port for HTTP communication (default address %s).
      -merge-table  =string   Merge table path or bucket URL (.csv, .arrow, optionally .gz/.zst).
      -primary-uuid =string   DVID version whose requests never refresh the table.
      -labelgraph   =string   DVID labelgraph instance used to refresh stale bodies.
      -cpuprofile   =string   Write CPU profile to this file.
      -numcpu       =number   Number of logical CPUs to use.
      -verbose      (flag)    Run in verbose mode.
  -h, -help         (flag)    Show help message
`

func main() {
	flag.BoolVar(showHelp, "h", false, "Show help message")
	flag.Usage = func() {
		fmt.Printf(helpMessage, server.DefaultWebAddress)
	}
	flag.Parse()

	if *showHelp {
		flag.Usage()
		os.Exit(0)
	}
	if *runVerbose {
		core.Verbose = true
		core.SetLogMode(core.DebugMode)
	}
	if *useCPU != 0 {
		runtime.GOMAXPROCS(*useCPU)
	}
	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	if err := serve(); err != nil {
		core.Criticalf("%v\n", err)
		core.Shutdown()
		os.Exit(1)
	}
	core.Shutdown()
}

func loadConfig() (*server.Config, error) {
	var cfg *server.Config
	if *configFile == "" {
		cfg = server.DefaultConfig()
	} else {
		var err error
		if cfg, err = server.LoadConfig(*configFile); err != nil {
			return nil, err
		}
	}
	if *port != 0 {
		cfg.Server.HTTPAddress = fmt.Sprintf(":%d", *port)
	}
	if *mergeTable != "" {
		cfg.Graph.MergeTable = *mergeTable
	}
	if *primaryUUID != "" {
		cfg.Graph.PrimaryUUID = *primaryUUID
	}
	if *labelGraph != "" {
		cfg.Upstream.LabelGraph = *labelGraph
	}
	return cfg, nil
}

// initStore fills the store from the snapshot if one exists, otherwise from
// the merge table, saving a first snapshot of it.
func initStore(ctx context.Context, cfg *server.Config, store *graph.Store, snap *storage.Snapshot) error {
	if snap != nil {
		info, err := snap.Load(store)
		if err == nil {
			core.Infof("Restored %d rows (generation %d, saved %s) from %s\n", info.Rows, info.Generation, info.Saved, snap)
			return nil
		}
		if !errors.Is(err, storage.ErrNoSnapshot) {
			return err
		}
	}
	if cfg.Graph.MergeTable == "" {
		core.Warningf("No merge table given; starting with an empty table\n")
		return nil
	}
	edges, err := graph.LoadMergeTable(ctx, cfg.Graph.MergeTable)
	if err != nil {
		return err
	}
	if _, err := store.Merge(edges); err != nil {
		return fmt.Errorf("bad merge table %s: %v", cfg.Graph.MergeTable, err)
	}
	if snap != nil {
		if _, err := snap.Save(store, cfg.Graph.MergeTable); err != nil {
			core.Errorf("Unable to save initial snapshot: %v\n", err)
		}
	}
	return nil
}

func serve() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Logging.SetLogger()
	core.Infof("Starting cleave server %s on %s\n", server.Version, cfg.Host())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stale := graph.StaleOnMutationOrUnknown
	if cfg.Graph.IgnoreUnknown {
		stale = graph.StaleOnMutation
	}
	store := graph.NewStore(&graph.StoreOptions{
		MaxTrackedBodies: cfg.Graph.MaxTrackedBodies,
		Stale:            stale,
	})

	var snap *storage.Snapshot
	if cfg.Graph.Snapshot != "" {
		if snap, err = storage.OpenSnapshot(cfg.Graph.Snapshot, cfg.Graph.SnapshotBlock); err != nil {
			return err
		}
		defer snap.Close()
	}
	if err := initStore(ctx, cfg, store, snap); err != nil {
		return err
	}
	stats := store.Stats()
	core.Infof("Merge table holds %d rows over %d supervoxels (%s)\n", stats.Rows, stats.Nodes, stats.Memory)

	activity, err := storage.OpenActivityLog(cfg.Kafka, cfg.Activity.Logfile, cfg.Host())
	if err != nil {
		return err
	}
	defer activity.Close()

	client := upstream.NewClient(cfg.UpstreamOptions())
	svc, err := server.NewService(cfg, store, client, activity, snap)
	if err != nil {
		return err
	}
	if err := svc.Serve(ctx); err != nil {
		return err
	}
	if snap != nil {
		if _, err := svc.SaveSnapshot("shutdown"); err != nil {
			core.Errorf("Unable to save snapshot on shutdown: %v\n", err)
		}
	}
	core.Infof("Cleave server stopped.\n")
	return nil
}
