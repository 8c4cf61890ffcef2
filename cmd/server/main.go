package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/gyaneshwarpardhi/tenantmeter/internal/api"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/auth"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/authz"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/billing"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/config"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/ledger"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/metrics"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/outbox"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/queue"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/service"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/storage"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/store"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "Path to YAML config")
	addr := flag.String("addr", "", "HTTP listen address (overrides server.addr)")
	flag.Parse()

	level := new(slog.LevelVar)
	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(bootLogger)

	// ── Load config ──────────────────────────────────────────────────────────
	loader, err := config.NewLoader(*cfgPath, bootLogger)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	cfg := loader.Config()
	if err := config.Validate(cfg); err != nil {
		slog.Error("config validation failed", "err", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	logger := newLogger(cfg.Log, level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, loader, cfg, level, logger); err != nil {
		slog.Error("server stopped with error", "err", err)
		os.Exit(1)
	}
	slog.Info("goodbye")
}

func run(ctx context.Context, loader *config.Loader, cfg *config.Config, level *slog.LevelVar, logger *slog.Logger) error {
	// ── Storage ──────────────────────────────────────────────────────────────
	db, err := storage.Open(ctx, cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	rec := metrics.New(prometheus.DefaultRegisterer)

	// ── Billing policy (hot-reloadable) ──────────────────────────────────────
	pol, err := billing.NewPolicy(cfg.Billing)
	if err != nil {
		return err
	}
	policy := billing.NewPolicyHolder(pol)
	cal, err := billing.NewCalendar(cfg.Billing.Period)
	if err != nil {
		return err
	}

	loader.OnChange(func(newCfg *config.Config) {
		p, err := billing.NewPolicy(newCfg.Billing)
		if err != nil {
			logger.Warn("hot-reload skipped: billing policy invalid", "err", err)
			return
		}
		policy.Swap(p)
		level.Set(parseLevel(newCfg.Log.Level))
		logger.Info("billing policy hot-reloaded",
			"size_categories", len(p.Categories), "priced_metrics", len(p.Prices))
	})
	stopWatch, err := loader.Watch()
	if err != nil {
		logger.Warn("config watcher unavailable (hot-reload disabled)", "err", err)
	} else {
		defer stopWatch()
	}

	// ── Change queue ─────────────────────────────────────────────────────────
	q, err := newQueue(ctx, cfg.Queue)
	if err != nil {
		return err
	}
	defer q.Close()

	// ── Pipeline ─────────────────────────────────────────────────────────────
	led := ledger.New(db, ledger.Options{
		Grace:            cfg.Billing.Grace(),
		AppliedRetention: cfg.Billing.AppliedRetention(),
	})
	relayOpts := outbox.Options{
		BatchSize:    cfg.Outbox.BatchSize,
		PollInterval: cfg.Outbox.PollInterval(),
		Retention:    cfg.Outbox.Retention(),
	}
	if cfg.Queue.Driver != "redis" {
		// The memory queue loses in-flight events on exit.
		relayOpts.ReplayWindow = cfg.Billing.AppliedRetention()
	}
	relay := outbox.New(db, q, relayOpts, rec, logger)
	if _, err := relay.Recover(ctx); err != nil {
		// Rows left pending are retried by the relay loop.
		logger.Warn("startup replay incomplete", "err", err)
	}

	agg := billing.NewAggregator(led, policy, cal,
		billing.WithDedupCache(cfg.Aggregator.DedupCacheSize, cfg.Aggregator.DedupCacheTTL()),
		billing.WithRecorder(rec),
		billing.WithLogger(logger),
	)
	dispatcher := billing.NewDispatcher(q, agg, billing.DispatcherOptions{
		Workers:       cfg.Aggregator.Workers,
		LaneDepth:     cfg.Aggregator.WorkerQueueDepth,
		BackoffBase:   cfg.Aggregator.BackoffBase(),
		BackoffMax:    cfg.Aggregator.BackoffMax(),
		DepthInterval: 5 * time.Second,
	}, rec, logger)
	finalizer, err := billing.NewFinalizer(led, cfg.Billing.FinalizeSchedule, rec, logger)
	if err != nil {
		return err
	}

	svc := service.New(service.Deps{
		Gate:     authz.NewGate(logger, rec),
		Store:    store.New(db, policy),
		Ledger:   led,
		Policy:   policy,
		Calendar: cal,
		Grace:    cfg.Billing.Grace(),
		Notifier: relay,
		Recorder: rec,
		Logger:   logger,
	})

	// ── HTTP server ──────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: api.New(api.Deps{
			Service:         svc,
			Verifier:        auth.NewVerifier([]byte(cfg.Auth.HMACSecret), cfg.Auth.Issuer, cfg.Auth.Audience),
			Billing:         dispatcher,
			DB:              db,
			Gatherer:        prometheus.DefaultGatherer,
			AdminToken:      cfg.Auth.AdminToken,
			MaxPayloadBytes: cfg.Server.MaxPayloadBytes,
			Logger:          logger,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout(),
		WriteTimeout: cfg.Server.WriteTimeout(),
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return finalizer.Run(gctx) })
	g.Go(func() error {
		logger.Info("server starting", "addr", cfg.Server.Addr, "queue", cfg.Queue.Driver, "period", cfg.Billing.Period)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// ── Graceful shutdown ────────────────────────────────────────────────────
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down…")
		shutCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	return g.Wait()
}

func newQueue(ctx context.Context, conf config.QueueConf) (queue.Queue, error) {
	if conf.Driver == "redis" {
		client, err := queue.DialRedis(ctx, conf.RedisURL)
		if err != nil {
			return nil, err
		}
		return queue.NewRedis(client, conf.RedisPrefix, conf.VisibilityTimeout(), conf.PollInterval()), nil
	}
	return queue.NewMemory(conf.VisibilityTimeout()), nil
}

func newLogger(conf config.LogConf, level *slog.LevelVar) *slog.Logger {
	level.Set(parseLevel(conf.Level))
	opts := &slog.HandlerOptions{Level: level}
	if conf.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
