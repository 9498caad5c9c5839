// SPDX-License-Identifier: MIT

// camerad is the per-camera daemon: it runs the recording engine, the time
// sync monitor, the peer registry and the upload worker, and serves the node
// and coordinator APIs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fieldrig/fieldrig/internal/api"
	"github.com/fieldrig/fieldrig/internal/buildinfo"
	"github.com/fieldrig/fieldrig/internal/camera"
	"github.com/fieldrig/fieldrig/internal/config"
	"github.com/fieldrig/fieldrig/internal/coordinator"
	"github.com/fieldrig/fieldrig/internal/daemon"
	"github.com/fieldrig/fieldrig/internal/fsutil"
	"github.com/fieldrig/fieldrig/internal/health"
	"github.com/fieldrig/fieldrig/internal/log"
	"github.com/fieldrig/fieldrig/internal/nodeclient"
	"github.com/fieldrig/fieldrig/internal/offload"
	"github.com/fieldrig/fieldrig/internal/recorder"
	"github.com/fieldrig/fieldrig/internal/registry"
	"github.com/fieldrig/fieldrig/internal/rigerr"
	"github.com/fieldrig/fieldrig/internal/state"
	"github.com/fieldrig/fieldrig/internal/storage"
	"github.com/fieldrig/fieldrig/internal/telemetry"
	"github.com/fieldrig/fieldrig/internal/timesync"
)

func main() {
	configPath := flag.String("config", "", "path to config file (YAML)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("camerad %s (commit %s, built %s)\n", buildinfo.Version, buildinfo.Commit, buildinfo.Date)
		os.Exit(0)
	}

	cfg, err := config.LoadNode(*configPath)
	if err != nil {
		log.Configure(log.Config{Service: "camerad"})
		log.WithComponent("camerad").Fatal().Err(err).Msg("load configuration")
	}
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "camerad"})
	logger := log.WithComponent("camerad")
	logger.Info().
		Str("version", buildinfo.Version).
		Str("node_id", cfg.Identity.NodeID).
		Str("position", string(cfg.Identity.Position)).
		Bool("master", cfg.Identity.IsMaster()).
		Str("listen", cfg.Server.Listen).
		Msg("camerad starting")

	if err := run(cfg); err != nil {
		logger.Fatal().Err(err).Msg("camerad failed")
	}
}

func run(cfg config.Node) error {
	ctx := context.Background()

	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "camerad",
		ServiceVersion: buildinfo.Version,
		Protocol:       cfg.Telemetry.Protocol,
		Endpoint:       cfg.Telemetry.Endpoint,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	if err := fsutil.EnsureDir(cfg.Recording.Root); err != nil {
		return fmt.Errorf("recordings root: %w", err)
	}

	driver, err := camera.New(cfg.Driver)
	if err != nil {
		return fmt.Errorf("camera driver: %w", err)
	}

	store := state.NewStore(cfg.Identity, cfg.Recording)
	store.SetCameraDetected(driver.Detect(ctx))
	sampler := state.NewSampler(store, cfg.Recording.Root, 10*time.Second)

	catalog, err := storage.OpenCatalog(cfg.Storage.CatalogPath)
	if err != nil {
		return fmt.Errorf("recording catalog: %w", err)
	}

	reg, err := registry.New(cfg.Identity.NodeID, cfg.Cluster.PeerTimeout, cfg.Cluster.Peers)
	if err != nil {
		return fmt.Errorf("peer registry: %w", err)
	}

	client := nodeclient.New(nodeclient.WithAnnounce(cfg.Identity))

	// Slaves resolve the master's endpoint through the registry on every
	// exchange, by its master flag, so late discovery and a non-center
	// master both work.
	isMaster := cfg.Identity.IsMaster()
	var query timesync.QueryFunc
	if !isMaster {
		query = func(ctx context.Context) (timesync.Exchange, error) {
			master, ok := reg.Master()
			if !ok {
				return timesync.Exchange{}, rigerr.New(rigerr.ReasonPeerUnreachable, "timesync", "no master peer known")
			}
			return client.Time(ctx, master.Endpoint)
		}
	}
	monitor := timesync.NewMonitor(cfg.Sync, isMaster, query, store)

	layout := storage.Layout{Root: cfg.Recording.Root, Ext: cfg.Recording.Container}

	var worker *offload.Worker
	if cfg.Offload.Enabled {
		ingestClient, err := offload.NewClient(cfg.Offload.IngestURL)
		if err != nil {
			return fmt.Errorf("ingest client: %w", err)
		}
		worker = offload.NewWorker(offload.Options{
			NodeID:             cfg.Identity.NodeID,
			Config:             cfg.Offload,
			Catalog:            catalog,
			Client:             ingestClient,
			DeleteAfterConfirm: cfg.Recording.DeleteAfterConfirm,
		})
	}

	expectedCameras := func() []string {
		out := []string{cfg.Identity.NodeID}
		for _, p := range reg.List() {
			out = append(out, p.NodeID)
		}
		return out
	}

	engineOpts := recorder.Options{
		Identity:        cfg.Identity,
		Recording:       cfg.Recording,
		Driver:          driver,
		Store:           store,
		Layout:          layout,
		Catalog:         catalog,
		Sync:            monitor,
		Temps:           sampler.Temperatures(),
		ExpectedCameras: expectedCameras,
	}
	if worker != nil {
		engineOpts.OnLocal = worker.OnLocal
	}
	engine, err := recorder.New(engineOpts)
	if err != nil {
		return fmt.Errorf("recording engine: %w", err)
	}

	local := &api.Local{Engine: engine, Store: store, Sync: monitor, Layout: layout, Catalog: catalog}

	coord := coordinator.New(coordinator.Options{
		NodeID:            cfg.Identity.NodeID,
		Cluster:           cfg.Cluster,
		TestDuration:      cfg.Recording.TestDuration,
		MinFreeBytes:      cfg.Recording.MinFreeBytes,
		TemperatureLimitC: cfg.Recording.TemperatureLimitC,
		Registry:          reg,
		Local:             local,
		Remote:            func(endpoint string) coordinator.NodeControl { return client.Bind(endpoint) },
	})

	hm := health.NewManager(buildinfo.Version)
	hm.Register(health.DirWritable("recordings_root", cfg.Recording.Root))
	hm.Register(health.CheckFunc{CheckName: "camera", Fn: func(ctx context.Context) health.CheckResult {
		if !driver.Detect(ctx) {
			return health.CheckResult{Status: health.StatusUnhealthy, Error: "no camera detected"}
		}
		return health.CheckResult{Status: health.StatusHealthy, Message: driver.Kind()}
	}})
	hm.Register(health.CheckFunc{CheckName: "time_sync", Fn: func(context.Context) health.CheckResult {
		snap := store.Snapshot()
		if snap.SyncStatus == string(timesync.StatusFail) {
			return health.CheckResult{Status: health.StatusDegraded, Message: "sync failed or stale"}
		}
		return health.CheckResult{Status: health.StatusHealthy, Message: snap.SyncStatus}
	}})

	server := api.NewServer(api.Options{
		Identity:    cfg.Identity,
		Offload:     cfg.Offload,
		Local:       local,
		Coordinator: coord,
		Registry:    reg,
		Catalog:     catalog,
		Worker:      worker,
		Health:      hm,
	})

	d := daemon.New("camerad", cfg.Server, server.Router(cfg.Server.RatePerMinute))
	if cfg.Server.MetricsListen != "" {
		d.ServeMetrics(promhttp.Handler())
	}

	d.Go("state.sampler", func(ctx context.Context) error {
		sampler.Run(ctx)
		return nil
	})
	d.Go("timesync.monitor", func(ctx context.Context) error {
		monitor.Run(ctx)
		return nil
	})
	prober := registry.NewProber(reg, client.Probe, cfg.Cluster.PeerTimeout, cfg.Cluster.StatusTimeout)
	d.Go("registry.prober", func(ctx context.Context) error {
		prober.Run(ctx)
		return nil
	})
	if cfg.Cluster.Discovery {
		disco := registry.NewDiscovery(reg, cfg.Identity, cfg.Cluster.DiscoveryAddr, cfg.Cluster.DiscoveryInterval)
		d.Go("registry.discovery", disco.Run)
	}
	if worker != nil {
		d.Go("offload.worker", worker.Run)
		watcher, err := offload.NewWatcher(cfg.Recording.Root, worker)
		if err != nil {
			return fmt.Errorf("spool watcher: %w", err)
		}
		d.Go("offload.watcher", watcher.Run)
	}

	// LIFO: the engine finalizes any live recording first, then the catalog
	// closes, then traces flush.
	d.OnShutdown("telemetry", provider.Shutdown)
	d.OnShutdown("catalog", func(context.Context) error { return catalog.Close() })
	d.OnShutdown("recorder", engine.Shutdown)

	return d.Run(ctx)
}
