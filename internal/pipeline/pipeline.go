// Package pipeline drives one synchronization pass over the three sources:
// seed identities from the authoritative bulk set, join the alias catalogue,
// enrich each identity through the rate-limited per-entity source, reconcile
// and persist. It owns the run lifecycle and the run summary; merge decisions
// and store writes belong to the reconcile engine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lvonguyen/actorforge/internal/actor"
	"github.com/lvonguyen/actorforge/internal/config"
	"github.com/lvonguyen/actorforge/internal/identity"
	"github.com/lvonguyen/actorforge/internal/observability"
	"github.com/lvonguyen/actorforge/internal/ratelimit"
	"github.com/lvonguyen/actorforge/internal/reconcile"
	"github.com/lvonguyen/actorforge/internal/sources"
	"github.com/lvonguyen/actorforge/internal/store"
)

// Seeder is the authoritative bulk source. It mints every canonical identity
// and carries the technique catalogue.
type Seeder interface {
	sources.BulkFetcher
	sources.TTPProvider
}

// Enricher is the per-entity source consulted once per identity and pass.
type Enricher interface {
	sources.EntityFetcher
	InCache(id actor.ID) bool
}

var (
	_ Seeder              = (*sources.MITREClient)(nil)
	_ sources.BulkFetcher = (*sources.MalpediaClient)(nil)
	_ Enricher            = (*sources.FeedlyClient)(nil)
)

// Deps carries the orchestrator's collaborators.
type Deps struct {
	Config   *config.Config
	Store    store.Store
	Seeder   Seeder
	Bulk     sources.BulkFetcher
	Enricher Enricher

	// Metrics and MetricsHandler are optional; without them the pipeline
	// runs unmetered and the /metrics route is not mounted.
	Metrics        *observability.Metrics
	MetricsHandler http.Handler

	Version string
	Logger  *zap.Logger
}

// Orchestrator runs synchronization passes. A mutex serializes passes so a
// slow pass and the next scheduled one never overlap.
type Orchestrator struct {
	cfg      *config.Config
	store    store.Store
	seeder   Seeder
	bulk     sources.BulkFetcher
	enricher Enricher
	resolver *identity.Resolver
	engine   *reconcile.Engine

	metrics        *observability.Metrics
	metricsHandler http.Handler
	version        string
	logger         *zap.Logger

	syncMu  sync.Mutex
	running atomic.Bool
}

// New creates an orchestrator.
func New(deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:            deps.Config,
		store:          deps.Store,
		seeder:         deps.Seeder,
		bulk:           deps.Bulk,
		enricher:       deps.Enricher,
		resolver:       identity.NewResolver(logger),
		engine:         reconcile.NewEngine(deps.Store, logger),
		metrics:        deps.Metrics,
		metricsHandler: deps.MetricsHandler,
		version:        deps.Version,
		logger:         logger.Named("pipeline"),
	}
}

// Run dispatches on the configured mode: a single pass that exits on
// completion, or a scheduled loop with the ops HTTP listener that runs until
// the context ends.
func (o *Orchestrator) Run(ctx context.Context) error {
	switch o.cfg.Mode {
	case config.ModeOnce:
		_, err := o.RunOnce(ctx)
		return err
	case config.ModeScheduled:
		return o.runScheduled(ctx)
	default:
		return fmt.Errorf("unknown mode %q", o.cfg.Mode)
	}
}

// RunOnce executes one full synchronization pass and returns its summary.
// Only a failure of the authoritative seed step (or of the store) aborts the
// pass; per-entity failures are counted and the pass continues.
func (o *Orchestrator) RunOnce(ctx context.Context) (actor.RunSummary, error) {
	o.syncMu.Lock()
	defer o.syncMu.Unlock()
	return o.runPass(ctx)
}

func (o *Orchestrator) runPass(ctx context.Context) (actor.RunSummary, error) {
	o.running.Store(true)
	defer o.running.Store(false)

	started := time.Now()
	summary := actor.RunSummary{
		RunID:     uuid.NewString(),
		Mode:      o.cfg.Mode,
		StartedAt: started.UTC(),
	}

	// ctx carries operator cancellation. The run deadline, when set, bounds
	// the bulk fetches and stops new per-entity work; the entity in flight
	// when it fires still finishes under its own timeout.
	deadline := ctx
	if o.cfg.Pipeline.RunDeadline > 0 {
		var cancel context.CancelFunc
		deadline, cancel = context.WithTimeout(ctx, o.cfg.Pipeline.RunDeadline)
		defer cancel()
	}

	o.logger.Info("run started",
		zap.String("run_id", summary.RunID),
		zap.String("mode", summary.Mode),
	)

	// Step 1: authoritative seed. Without it no identity can be resolved,
	// so failure aborts the pass before any write.
	seedStart := time.Now()
	seedFrags, err := o.seeder.FetchAll(deadline)
	o.observeSource(o.seeder.Name(), seedStart, err)
	if err != nil {
		return summary, fmt.Errorf("identity seed fetch failed: %w", err)
	}
	summary.ActorsSeen = o.resolver.Seed(seedFrags)

	ttps := o.seeder.TTPs()
	summary.TTPsSeen = len(ttps)
	if len(ttps) > 0 {
		if err := o.store.UpsertTTPs(ctx, ttps); err != nil {
			return summary, fmt.Errorf("technique catalogue upsert failed: %w", err)
		}
	}

	byID := make(map[actor.ID][]actor.Fragment, len(seedFrags))
	for _, frag := range seedFrags {
		if frag.SourceKey == "" || frag.Name == "" {
			continue
		}
		id := actor.ID(frag.SourceKey)
		byID[id] = append(byID[id], frag)
	}

	// Step 2: alias catalogue. A failure here degrades the pass rather than
	// aborting it; actors simply miss this source's fields until next run.
	bulkStart := time.Now()
	bulkFrags, err := o.bulk.FetchAll(deadline)
	o.observeSource(o.bulk.Name(), bulkStart, err)
	if err != nil {
		o.logger.Warn("alias catalogue fetch failed, continuing without it",
			zap.String("source", o.bulk.Name()),
			zap.Error(err),
		)
	} else {
		for _, frag := range bulkFrags {
			id, rerr := o.resolver.Resolve(frag)
			if rerr != nil {
				continue // recorded by the resolver, surfaced in the summary
			}
			byID[id] = append(byID[id], frag)
		}
	}

	// Steps 3 and 4: per-identity enrichment and reconciliation, in sorted
	// order so cap and cache behavior are deterministic across passes.
	ids := make([]actor.ID, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	attempted := 0
	for i, id := range ids {
		if deadline.Err() != nil {
			msg := "run deadline reached, stopping early"
			if ctx.Err() != nil {
				msg = "run canceled, stopping early"
			}
			o.logger.Warn(msg,
				zap.Int("processed", i),
				zap.Int("remaining", len(ids)-i),
			)
			break
		}

		frags := byID[id]
		hint := entityHint(frags)
		cached := !o.cfg.Pipeline.ForceRefresh && o.enricher.InCache(id)

		switch {
		case hint.MalpediaUUID == "":
			summary.SkippedNoKey++
		case !cached && o.cfg.Pipeline.EntityCap > 0 && attempted >= o.cfg.Pipeline.EntityCap:
			summary.SkippedCap++
		default:
			if !cached {
				attempted++
			}
			frag, err := o.enrichOne(ctx, id, hint)
			switch {
			case err == nil:
				if cached {
					summary.CacheHits++
				} else {
					summary.Enriched++
				}
				frags = append(frags, *frag)
			case sources.IsNotFound(err):
				if cached {
					// Negative entry honored; the absence was already
					// recorded on a previous pass.
					summary.CacheHits++
					o.logger.Debug("entity known absent", zap.String("actor", string(id)))
				} else {
					summary.Failed++
					o.logger.Info("entity absent at enrichment source", zap.String("actor", string(id)))
				}
			default:
				summary.Failed++
				if sources.IsThrottled(err) {
					summary.RateLimited = true
				}
				o.logger.Warn("enrichment failed",
					zap.String("actor", string(id)),
					zap.Error(err),
				)
			}
		}

		_, outcome, err := o.engine.Apply(ctx, id, frags)
		if err != nil {
			return summary, fmt.Errorf("reconcile %s: %w", id, err)
		}
		switch outcome {
		case reconcile.OutcomeCreated:
			summary.Created++
		case reconcile.OutcomeUpdated:
			summary.Updated++
		default:
			summary.Unchanged++
		}
	}

	summary.Unmatched = o.resolver.Unmatched()
	summary.Duration = time.Since(started)

	// The summary is recorded on a fresh context so a spent run deadline
	// cannot lose the accounting for the pass it bounded.
	recCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.store.RecordRun(recCtx, summary); err != nil {
		o.logger.Warn("failed to record run summary", zap.Error(err))
	}
	if o.metrics != nil {
		o.metrics.ObserveRun(summary)
	}

	o.logger.Info("run complete",
		zap.String("run_id", summary.RunID),
		zap.Int("actors_seen", summary.ActorsSeen),
		zap.Int("enriched", summary.Enriched),
		zap.Int("cache_hits", summary.CacheHits),
		zap.Int("skipped_cap", summary.SkippedCap),
		zap.Int("skipped_no_key", summary.SkippedNoKey),
		zap.Int("failed", summary.Failed),
		zap.Int("unmatched", len(summary.Unmatched)),
		zap.Int("created", summary.Created),
		zap.Int("updated", summary.Updated),
		zap.Int("unchanged", summary.Unchanged),
		zap.Int("ttps_seen", summary.TTPsSeen),
		zap.Bool("rate_limited", summary.RateLimited),
		zap.Duration("duration", summary.Duration),
	)
	return summary, nil
}

// enrichOne fetches one entity under the per-entity timeout, retrying
// transient failures within the configured backoff budget.
func (o *Orchestrator) enrichOne(ctx context.Context, id actor.ID, hint sources.EntityHint) (*actor.Fragment, error) {
	entityCtx := ctx
	if o.cfg.Pipeline.PerEntityTimeout > 0 {
		var cancel context.CancelFunc
		entityCtx, cancel = context.WithTimeout(ctx, o.cfg.Pipeline.PerEntityTimeout)
		defer cancel()
	}

	feedlyCfg := o.cfg.Sources.Feedly
	retry := ratelimit.NewRetry(ratelimit.RetryPolicy{
		MaxAttempts: feedlyCfg.MaxAttempts,
		Base:        feedlyCfg.BackoffBase,
		MaxDelay:    feedlyCfg.BackoffMax,
		Retryable:   sources.IsTransient,
	})

	var frag *actor.Fragment
	start := time.Now()
	err := retry.Do(entityCtx, func(c context.Context) error {
		fetched, ferr := o.enricher.FetchEntity(c, id, hint)
		if ferr != nil {
			return ferr
		}
		frag = fetched
		return nil
	})
	o.observeSource(o.enricher.Name(), start, err)
	if err != nil {
		return nil, fmt.Errorf("after %d attempts: %w", retry.Attempts(), err)
	}
	return frag, nil
}

// runScheduled runs an immediate pass, then repeats it under the cron
// expression while serving the ops listener, until the context ends.
func (o *Orchestrator) runScheduled(ctx context.Context) error {
	if _, err := o.RunOnce(ctx); err != nil {
		o.logger.Error("initial pass failed", zap.Error(err))
	}

	sched := cron.New()
	if _, err := sched.AddFunc(o.cfg.Schedule, func() {
		if _, err := o.RunOnce(ctx); err != nil {
			o.logger.Error("scheduled pass failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", o.cfg.Schedule, err)
	}
	sched.Start()
	o.logger.Info("scheduler started", zap.String("schedule", o.cfg.Schedule))

	go o.probeSourceHealth(ctx)

	server := &http.Server{
		Addr:         o.cfg.Server.Listen,
		Handler:      o.Routes(),
		ReadTimeout:  o.cfg.Server.ReadTimeout,
		WriteTimeout: o.cfg.Server.WriteTimeout,
	}
	serverErr := make(chan error, 1)
	go func() {
		o.logger.Info("ops server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		sched.Stop()
		return fmt.Errorf("ops server failed: %w", err)
	}

	o.logger.Info("shutting down")
	stopped := sched.Stop()
	select {
	case <-stopped.Done():
	case <-time.After(o.cfg.Server.ShutdownTimeout):
		o.logger.Warn("shutdown grace expired with a pass in flight")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), o.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops server shutdown: %w", err)
	}
	return nil
}

// probeSourceHealth periodically checks the sources that support a
// connectivity probe and publishes the result. The per-entity source is
// deliberately absent from the probe set: probing it would spend rate budget.
func (o *Orchestrator) probeSourceHealth(ctx context.Context) {
	probe := func() {
		for _, src := range []sources.BulkFetcher{o.seeder, o.bulk} {
			checker, ok := src.(sources.HealthChecker)
			if !ok {
				continue
			}
			checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			err := checker.HealthCheck(checkCtx)
			cancel()

			status := 1.0
			if err != nil {
				status = 0
				o.logger.Warn("source health check failed",
					zap.String("source", src.Name()),
					zap.Error(err),
				)
			}
			if o.metrics != nil {
				o.metrics.HealthStatus.WithLabelValues(src.Name()).Set(status)
			}
		}
	}

	probe()
	ticker := time.NewTicker(15 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}

// observeSource records one source fetch outcome.
func (o *Orchestrator) observeSource(source string, start time.Time, err error) {
	if o.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	o.metrics.SourceRequests.WithLabelValues(source, status).Inc()
	o.metrics.SourceDuration.WithLabelValues(source).Observe(time.Since(start).Seconds())
}

// entityHint assembles the join keys the per-entity source needs from the
// fragments already gathered for one identity.
func entityHint(fragments []actor.Fragment) sources.EntityHint {
	var hint sources.EntityHint
	for _, frag := range fragments {
		if hint.Name == "" && frag.Name != "" {
			hint.Name = frag.Name
		}
		if hint.MalpediaUUID == "" && frag.MalpediaUUID != "" {
			hint.MalpediaUUID = frag.MalpediaUUID
		}
		hint.Aliases = append(hint.Aliases, frag.Aliases...)
	}
	return hint
}
