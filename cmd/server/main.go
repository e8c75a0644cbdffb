// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in the internal service
// packages.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"keygate/internal/license/handler"
	"keygate/internal/license/metrics"
	"keygate/internal/license/service"
	licstore "keygate/internal/license/store"
	"keygate/internal/license/store/ledger"
	"keygate/internal/license/store/registry"
	"keygate/internal/platform/config"
	"keygate/internal/platform/httpserver"
	"keygate/internal/platform/logger"
	"keygate/internal/platform/middleware"
	"keygate/internal/platform/postgres"
	platformredis "keygate/internal/platform/redis"
	"keygate/internal/usage"
	"keygate/internal/usage/kafka"
	"keygate/internal/usage/publisher"
	usagememory "keygate/internal/usage/store/memory"
	usagepostgres "keygate/internal/usage/store/postgres"
)

func main() {
	log := logger.New()

	cfg, err := config.Load()
	if err != nil {
		log.Error("configuration error", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	var (
		registryStore licstore.Registry
		ledgerStore   licstore.Ledger
		usageStore    usage.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("database unavailable", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := postgres.EnsureSchema(ctx, db); err != nil {
			log.Error("schema bootstrap failed", "error", err)
			os.Exit(1)
		}

		pgRegistry := registry.NewPostgres(db)
		registryStore = pgRegistry
		ledgerStore = ledger.NewPostgres(db)
		usageStore = usagepostgres.NewStore(db)

		if cfg.RedisURL != "" {
			cache, err := platformredis.New(ctx, cfg.RedisURL)
			if err != nil {
				log.Error("redis unavailable", "error", err)
				os.Exit(1)
			}
			defer cache.Close()
			registryStore = registry.NewCached(pgRegistry, cache.Client, cfg.RegistryCacheTTL, m)
			log.Info("registry cache enabled", "ttl", cfg.RegistryCacheTTL)
		}
	} else {
		log.Warn("KEYGATE_DATABASE_URL unset, using in-memory stores")
		registryStore = registry.NewInMemory()
		ledgerStore = ledger.NewInMemory()
		usageStore = usagememory.NewInMemoryStore()
	}

	pubOpts := []publisher.Option{
		publisher.WithAsyncBuffer(cfg.UsageBuffer),
		publisher.WithLogger(log),
		publisher.WithOnDrop(m.RecordUsageDropped),
	}
	if len(cfg.KafkaBrokers) > 0 {
		sink, err := kafka.NewSink(cfg.KafkaBrokers, cfg.KafkaTopic, log)
		if err != nil {
			log.Error("kafka unavailable", "error", err)
			os.Exit(1)
		}
		defer sink.Close()
		pubOpts = append(pubOpts, publisher.WithSink(sink))
		log.Info("usage event mirror enabled", "topic", cfg.KafkaTopic)
	}
	pub := publisher.NewPublisher(usageStore, pubOpts...)
	defer pub.Close()

	svc := service.New(registryStore, ledgerStore,
		service.WithEmitter(pub),
		service.WithLogger(log),
		service.WithMetrics(m),
	)

	router := chi.NewRouter()
	router.Use(middleware.Recovery(log))
	router.Use(middleware.RequestID)
	router.Use(middleware.RequestTime)
	router.Use(middleware.Logger(log))
	router.Use(middleware.CORS)
	router.Use(middleware.Latency(m))
	router.Handle("/metrics", promhttp.Handler())
	handler.New(svc, log, cfg.AdminToken).Register(router)

	srv := httpserver.New(cfg.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting keygate", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}
