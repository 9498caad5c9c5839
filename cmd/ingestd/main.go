// SPDX-License-Identifier: MIT

// ingestd is the rig's landing server: it accepts chunked uploads from the
// camera nodes, assembles and verifies recordings, and publishes complete
// sessions atomically.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fieldrig/fieldrig/internal/buildinfo"
	"github.com/fieldrig/fieldrig/internal/cache"
	"github.com/fieldrig/fieldrig/internal/config"
	"github.com/fieldrig/fieldrig/internal/daemon"
	"github.com/fieldrig/fieldrig/internal/health"
	"github.com/fieldrig/fieldrig/internal/ingest"
	"github.com/fieldrig/fieldrig/internal/log"
	"github.com/fieldrig/fieldrig/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to config file (YAML)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ingestd %s (commit %s, built %s)\n", buildinfo.Version, buildinfo.Commit, buildinfo.Date)
		os.Exit(0)
	}

	cfg, err := config.LoadIngest(*configPath)
	if err != nil {
		log.Configure(log.Config{Service: "ingestd"})
		log.WithComponent("ingestd").Fatal().Err(err).Msg("load configuration")
	}
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "ingestd"})
	logger := log.WithComponent("ingestd")
	logger.Info().
		Str("version", buildinfo.Version).
		Str("listen", cfg.Server.Listen).
		Str("sessions_root", cfg.SessionsRoot).
		Msg("ingestd starting")

	if err := run(cfg); err != nil {
		logger.Fatal().Err(err).Msg("ingestd failed")
	}
}

func run(cfg config.Ingest) error {
	ctx := context.Background()

	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "ingestd",
		ServiceVersion: buildinfo.Version,
		Protocol:       cfg.Telemetry.Protocol,
		Endpoint:       cfg.Telemetry.Endpoint,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	store, err := ingest.OpenStore(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("upload state store: %w", err)
	}

	// Redis is the dashboard's status cache; without it the in-memory cache
	// serves the same reads per process.
	var statusCache cache.Cache
	if cfg.RedisAddr != "" {
		statusCache, err = cache.NewRedis(ctx, cache.RedisConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err != nil {
			return fmt.Errorf("redis cache: %w", err)
		}
	} else {
		statusCache = cache.NewMemory(cfg.StatusTTL)
	}

	mgr, err := ingest.NewManager(cfg, store, statusCache)
	if err != nil {
		return fmt.Errorf("ingest manager: %w", err)
	}

	hm := health.NewManager(buildinfo.Version)
	hm.Register(health.DirWritable("sessions_root", cfg.SessionsRoot))
	hm.Register(health.CheckFunc{CheckName: "state_store", Fn: func(context.Context) health.CheckResult {
		if _, err := store.ActiveUploadCount(); err != nil {
			return health.CheckResult{Status: health.StatusUnhealthy, Error: err.Error()}
		}
		return health.CheckResult{Status: health.StatusHealthy}
	}})

	server := ingest.NewServer(mgr, hm)

	d := daemon.New("ingestd", cfg.Server, server.Router(cfg.Server.RatePerMinute))
	if cfg.Server.MetricsListen != "" {
		d.ServeMetrics(promhttp.Handler())
	}

	janitor := ingest.NewJanitor(mgr)
	d.Go("ingest.janitor", func(ctx context.Context) error {
		janitor.Run(ctx)
		return nil
	})

	// LIFO: badger closes before the cache disconnects and traces flush.
	d.OnShutdown("telemetry", provider.Shutdown)
	d.OnShutdown("cache", func(context.Context) error { return statusCache.Close() })
	d.OnShutdown("state_store", func(context.Context) error { return store.Close() })

	return d.Run(ctx)
}
