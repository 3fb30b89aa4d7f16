package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	api "catalog-task-pipeline/internal/api"
	"catalog-task-pipeline/internal/catalog"
	"catalog-task-pipeline/internal/config"
	"catalog-task-pipeline/internal/push"
	"catalog-task-pipeline/internal/ratelimit"
	"catalog-task-pipeline/internal/store"
	"catalog-task-pipeline/internal/telemetry"
)

func main() {
	cfg := config.Load()
	log := cfg.Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	var pool *pgxpool.Pool
	if cfg.TaskStoreDriver == "postgres" || cfg.CatalogDriver == "postgres" {
		p, err := store.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			log.WithError(err).Fatal("connect postgres")
		}
		defer p.Close()
		if err := store.RunMigrations(ctx, p); err != nil {
			log.WithError(err).Fatal("migrations")
		}
		pool = p
	}

	backend, closeBackend, err := openTaskBackend(ctx, cfg, pool)
	if err != nil {
		log.WithError(err).Fatal("open task store")
	}
	defer closeBackend()
	tasks := store.New(backend, store.WithRetention(cfg.TaskRetention))

	var repo catalog.Repository = catalog.NewMemoryRepository()
	if cfg.CatalogDriver == "postgres" {
		repo = catalog.NewPostgresRepository(pool)
	}

	images, err := catalog.NewImageIngestor(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("init image ingestor")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	redisUp := rdb.Ping(ctx).Err() == nil
	if !redisUp {
		log.WithField("addr", cfg.RedisAddr).Warn("redis unreachable, rate limiting and push relay disabled")
	}

	var pushOpts []push.Option
	if cfg.PushRelay == "redis" && redisUp {
		pushOpts = append(pushOpts, push.WithRelay(push.NewRedisRelay(rdb, cfg.PushRedisChannel, log)))
	}
	broadcaster := push.NewBroadcaster(log, pushOpts...)
	if err := broadcaster.Start(ctx); err != nil {
		log.WithError(err).Fatal("start push relay")
	}

	var limiter *ratelimit.TokenBucket
	if redisUp {
		limiter = ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	server := api.New(cfg, api.Deps{
		Store:   tasks,
		Catalog: repo,
		Images:  images,
		Push:    broadcaster,
		Limiter: limiter,
		Log:     log,
	})
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
				log.WithError(err).Warn("metrics server stopped")
			}
		}()
	}

	log.WithFields(logrus.Fields{
		"port":         cfg.HTTPPort,
		"task_store":   cfg.TaskStoreDriver,
		"catalog":      cfg.CatalogDriver,
		"push_relay":   cfg.PushRelay,
		"rate_limited": limiter != nil,
	}).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func openTaskBackend(ctx context.Context, cfg config.Config, pool *pgxpool.Pool) (store.Backend, func(), error) {
	switch cfg.TaskStoreDriver {
	case "postgres":
		return store.NewPostgresBackend(pool), func() {}, nil
	case "sqlite":
		b, err := store.OpenSQLite(ctx, cfg.SQLiteDSN)
		if err != nil {
			return nil, nil, err
		}
		return b, func() { _ = b.Close() }, nil
	default:
		b, err := store.NewFileBackend(cfg.TaskStorePath)
		if err != nil {
			return nil, nil, err
		}
		return b, func() {}, nil
	}
}
