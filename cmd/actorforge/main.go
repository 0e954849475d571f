// Package main provides the actorforge entry point: a threat-actor
// aggregation pipeline that merges MITRE ATT&CK, Malpedia and Feedly views
// into canonical actor records.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/lvonguyen/actorforge/internal/cache"
	"github.com/lvonguyen/actorforge/internal/config"
	"github.com/lvonguyen/actorforge/internal/observability"
	"github.com/lvonguyen/actorforge/internal/pipeline"
	"github.com/lvonguyen/actorforge/internal/ratelimit"
	"github.com/lvonguyen/actorforge/internal/sources"
	"github.com/lvonguyen/actorforge/internal/store"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	mode := flag.String("mode", "", "Override run mode (once, scheduled)")
	forceRefresh := flag.Bool("force-refresh", false, "Bypass the response cache for this invocation")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("actorforge %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	if err := run(*configPath, *mode, *forceRefresh); err != nil {
		fmt.Fprintf(os.Stderr, "actorforge: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, modeOverride string, forceRefresh bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if modeOverride != "" {
		cfg.Mode = modeOverride
	}
	if forceRefresh {
		cfg.Pipeline.ForceRefresh = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	tel, err := observability.New(observability.Config{
		ServiceName:    "actorforge",
		ServiceVersion: Version,
		LogLevel:       cfg.Logging.Level,
		LogFormat:      cfg.Logging.Format,
	})
	if err != nil {
		return fmt.Errorf("telemetry init: %w", err)
	}
	logger := tel.Logger()
	defer tel.Shutdown(context.Background())

	logger.Info("starting actorforge",
		zap.String("version", Version),
		zap.String("commit", GitCommit),
		zap.String("built", BuildTime),
		zap.String("mode", cfg.Mode),
		zap.String("backend", cfg.Data.Backend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// One Badger handle backs both the response cache and, under the default
	// backend, the record store.
	var db *badger.DB
	var responseCache sources.ResponseCache
	if cfg.Data.Dir != "" {
		db, err = badger.Open(badger.DefaultOptions(cfg.Data.Dir).WithLogger(nil))
		if err != nil {
			return fmt.Errorf("opening data dir %q: %w", cfg.Data.Dir, err)
		}
		defer db.Close()
		responseCache = cache.New(db, cfg.Cache.TTL, cfg.Cache.NegativeTTL, logger)
	} else {
		logger.Warn("no data dir configured, running without a response cache")
	}

	st, err := store.Open(cfg, db, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	opts := sources.Options{
		Cache:        responseCache,
		Logger:       logger,
		ProxyURL:     cfg.Proxy.URL,
		ForceRefresh: cfg.Pipeline.ForceRefresh,
	}
	mitre, err := sources.NewMITREClient(cfg.Sources.MITRE, opts)
	if err != nil {
		return fmt.Errorf("mitre client: %w", err)
	}
	malpedia, err := sources.NewMalpediaClient(cfg.Sources.Malpedia, opts)
	if err != nil {
		return fmt.Errorf("malpedia client: %w", err)
	}
	feedly, err := sources.NewFeedlyClient(cfg.Sources.Feedly, ratelimit.NewPacer(cfg.Sources.Feedly.MinInterval), opts)
	if err != nil {
		return fmt.Errorf("feedly client: %w", err)
	}

	orchestrator := pipeline.New(pipeline.Deps{
		Config:         cfg,
		Store:          st,
		Seeder:         mitre,
		Bulk:           malpedia,
		Enricher:       feedly,
		Metrics:        tel.Metrics(),
		MetricsHandler: tel.MetricsHandler(),
		Version:        Version,
		Logger:         logger,
	})

	if cfg.Mode == config.ModeScheduled {
		tel.StartSystemMetricsCollector(ctx)
	}

	if err := orchestrator.Run(ctx); err != nil {
		logger.Error("pipeline failed", zap.Error(err))
		return err
	}

	logger.Info("done")
	return nil
}
