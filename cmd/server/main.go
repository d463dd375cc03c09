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

	"idlink/internal/contact/handler"
	contactmetrics "idlink/internal/contact/metrics"
	"idlink/internal/contact/service"
	"idlink/internal/contact/store"
	"idlink/internal/platform/config"
	"idlink/internal/platform/httpserver"
	"idlink/internal/platform/kafka/producer"
	"idlink/internal/platform/logger"
	platformmetrics "idlink/internal/platform/metrics"
	"idlink/internal/platform/postgres"
	"idlink/internal/platform/redis"
	ratelimit "idlink/internal/ratelimit/middleware"
	"idlink/pkg/platform/audit"
	auditmemory "idlink/pkg/platform/audit/store/memory"
	auditpg "idlink/pkg/platform/audit/store/postgres"
	"idlink/pkg/platform/audit/worker"
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in internal services packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Contact store: Postgres when configured, in-memory for local runs.
	var (
		contactStore store.TxRunner
		healthCheck  func(context.Context) error
		auditStore   audit.Store
		outboxSource worker.Source
	)
	if cfg.Postgres.URL != "" {
		db, err := postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			log.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := postgres.Migrate(ctx, db); err != nil {
			log.Error("schema migration failed", "error", err)
			os.Exit(1)
		}
		contactStore = store.NewPostgres(db)
		healthCheck = db.PingContext
		outbox := auditpg.New(db)
		auditStore = outbox
		outboxSource = outbox
	} else {
		log.Warn("IDLINK_POSTGRES_URL not set, using in-memory store")
		contactStore = store.NewInMemory()
		auditStore = auditmemory.New()
	}

	redisClient, err := redis.New(cfg.Redis)
	if err != nil {
		log.Error("redis unavailable", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	kafkaProducer, err := producer.New(cfg.Kafka.Brokers, cfg.Kafka.AuditTopic, log)
	if err != nil {
		log.Error("kafka unavailable", "error", err)
		os.Exit(1)
	}
	defer kafkaProducer.Close()
	if kafkaProducer != nil {
		if err := kafkaProducer.EnsureTopic(ctx, 3, 1); err != nil {
			log.Error("audit topic setup failed", "error", err)
			os.Exit(1)
		}
	}

	resolver := service.New(contactStore, auditStore, contactmetrics.New(), log)

	var limiter func(http.Handler) http.Handler
	if redisClient != nil {
		counter := ratelimit.NewRedisCounter(redisClient.Client)
		limiter = ratelimit.NewLimiter(counter, log, cfg.Resolver.RateLimit, cfg.Resolver.RateWindow).Handler
	}

	router := chi.NewRouter()
	router.Get("/healthz", healthz(healthCheck))
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())
	handler.New(resolver, log, platformmetrics.New(), limiter).Register(router)

	srv := httpserver.New(cfg.Server.Addr, router)

	group, groupCtx := errgroup.WithContext(ctx)

	if outboxSource != nil && kafkaProducer != nil {
		group.Go(func() error {
			err := worker.New(outboxSource, kafkaProducer, log).Run(groupCtx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	group.Go(func() error {
		log.Info("starting idlink", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

// healthz reports liveness, plus store reachability when a check is wired.
func healthz(check func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(r.Context()); err != nil {
				http.Error(w, "store unreachable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}
