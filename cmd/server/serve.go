package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"addrhist/internal/address"
	"addrhist/internal/address/cache"
	"addrhist/internal/address/events"
	addressmetrics "addrhist/internal/address/metrics"
	"addrhist/internal/address/models"
	"addrhist/internal/address/service"
	"addrhist/internal/address/store"
	"addrhist/internal/platform/config"
	"addrhist/internal/platform/httpserver"
	"addrhist/internal/platform/metrics"
	"addrhist/internal/platform/postgres"
	"addrhist/internal/platform/redis"
	"addrhist/internal/platform/tracing"
)

// serve builds the dependency graph from cfg and runs the HTTP server until
// ctx is cancelled.
func serve(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	policy, err := models.ParseBaselinePolicy(cfg.Address.BaselinePolicy)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	httpMetrics := metrics.New(reg)
	addrMetrics := addressmetrics.New(reg)

	checks := healthChecks{}
	var cleanups []func()
	defer func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}()

	tp, err := tracing.New("addrhist", cfg.Tracing, tracing.WithVersion(getVersion()))
	if err != nil {
		return err
	}
	if tp != nil {
		cleanups = append(cleanups, func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				log.WarnContext(shutdownCtx, "failed to flush spans", "error", err)
			}
		})
		log.InfoContext(ctx, "tracing enabled", "exporter", cfg.Tracing.Exporter, "sample_ratio", cfg.Tracing.SampleRatio)
	}

	var (
		st service.Store
		tx service.TxRunner
	)
	if cfg.Postgres.URL != "" {
		db, err := postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return err
		}
		cleanups = append(cleanups, func() { _ = db.Close() })
		if err := store.Migrate(ctx, db); err != nil {
			return err
		}
		st, tx = store.NewPostgres(db), store.NewPostgresTx(db)
		checks["postgres"] = db.PingContext
		log.InfoContext(ctx, "using postgres store")
	} else {
		mem := store.NewInMemory()
		st, tx = mem, service.NewShardedTx(mem)
		log.WarnContext(ctx, "DATABASE_URL not set, using in-memory store")
	}

	var backend cache.Backend = cache.NewMemory()
	rdb, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if rdb != nil {
		cleanups = append(cleanups, func() { _ = rdb.Close() })
		backend = cache.NewRedis(rdb.Client)
		checks["redis"] = rdb.Health
	}
	historyCache := cache.New(backend,
		cache.WithTTL(cfg.Address.CacheTTL),
		cache.WithLogger(log),
		cache.WithMetrics(addrMetrics),
	)

	opts := []service.Option{
		service.WithLogger(log),
		service.WithMetrics(addrMetrics),
		service.WithCache(historyCache),
		service.WithBaselinePolicy(policy),
	}
	if tp != nil {
		opts = append(opts, service.WithTracer(tp.Tracer("addrhist/internal/address/service")))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher, err := events.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic, events.WithLogger(log))
		if err != nil {
			return err
		}
		cleanups = append(cleanups, publisher.Close)
		if err := publisher.EnsureTopic(ctx, cfg.Kafka.Partitions, cfg.Kafka.ReplicationFactor); err != nil {
			log.WarnContext(ctx, "could not ensure event topic", "topic", publisher.Topic(), "error", err)
		}
		opts = append(opts, service.WithPublisher(publisher))
		checks["kafka"] = publisher.Ping
	}

	svc := address.NewService(st, tx, opts...)
	h := address.NewHandler(svc, log, httpMetrics)

	router := chi.NewRouter()
	h.Register(router)
	router.Get("/health", checks.handler(log))
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := httpserver.New(cfg.Server.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.InfoContext(gctx, "starting addrhist",
			"addr", cfg.Server.Addr,
			"environment", cfg.Environment,
			"baseline_policy", policy,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		log.InfoContext(shutdownCtx, "shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})
	return g.Wait()
}
