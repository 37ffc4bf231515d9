package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cryptofolio/syncd/internal/config"
	"github.com/cryptofolio/syncd/internal/creds"
	"github.com/cryptofolio/syncd/internal/dispatch"
	"github.com/cryptofolio/syncd/internal/exchange"
	"github.com/cryptofolio/syncd/internal/retention"
	"github.com/cryptofolio/syncd/internal/scheduler"
	"github.com/cryptofolio/syncd/internal/server"
	"github.com/cryptofolio/syncd/internal/storage"
	"github.com/cryptofolio/syncd/internal/syncer"
	"github.com/cryptofolio/syncd/internal/worker"
	"github.com/cryptofolio/syncd/libs/health"
	"github.com/cryptofolio/syncd/libs/kafka"
	"github.com/cryptofolio/syncd/libs/logging"
	"github.com/cryptofolio/syncd/libs/metrics"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("SYNC_CONFIG_FILE"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	logger.Info("starting sync engine", "env", cfg.App.Env)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics.Register(registry)
	healthMgr := health.NewManager(false)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := connectDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	store := storage.New(pool, logger)

	key, err := base64.StdEncoding.DecodeString(cfg.Creds.EncryptionKey)
	if err != nil {
		return fmt.Errorf("decode encryption key: %w", err)
	}
	cipher, err := creds.NewCipher(key)
	if err != nil {
		return fmt.Errorf("build credential cipher: %w", err)
	}

	gate := syncer.NewCooldownGate(store, cfg.Sync.CooldownWindow)
	syncMetrics := syncer.NewMetrics(registry)
	reconciler := syncer.NewReconciler(store, exchange.NewSDKFactory(), cipher, logger, syncMetrics)
	maintainer := retention.NewMaintainer(store, logger, retention.NewMetrics(registry))
	runner := syncer.NewRunner(store, reconciler, gate, maintainer, logger, syncMetrics)

	dispatchMetrics := dispatch.NewMetrics(registry)

	var (
		dispatcher      dispatch.Dispatcher
		schedDispatcher dispatch.Dispatcher
		consumer        *kafka.Consumer
		producer        *kafka.SyncProducer
		redisClient     *redis.Client
	)

	if cfg.Kafka.Enabled() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		pingErr := redisClient.Ping(pingCtx).Err()
		cancel()
		if pingErr != nil {
			logger.Warn("redis unreachable, falling back to direct dispatch", "error", pingErr)
			_ = redisClient.Close()
			redisClient = nil
		}
	}

	if redisClient != nil {
		producer, err = kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, kafka.NewProducerMetrics(registry))
		if err != nil {
			logger.Warn("kafka unreachable, falling back to direct dispatch", "error", err)
			_ = redisClient.Close()
			redisClient = nil
		}
	}

	if producer != nil && redisClient != nil {
		jobRegistry := dispatch.NewJobRegistry(redisClient)
		queued := dispatch.NewQueueDispatcher(jobRegistry, producer, cfg.Kafka.JobsTopic, store, gate, logger, dispatchMetrics)
		dispatcher = queued
		schedDispatcher = queued

		consumer, err = kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger)
		if err != nil {
			return fmt.Errorf("create kafka consumer: %w", err)
		}
		consumer.WithDLQ(producer, cfg.Kafka.DLQTopic)

		w := worker.New(runner, jobRegistry, producer, cfg.Kafka.JobsTopic, cfg.Kafka.DLQTopic,
			cfg.Sync.WorkerConcurrency, logger, worker.NewMetrics(registry))
		go func() {
			if err := consumer.Consume(ctx, []string{cfg.Kafka.JobsTopic}, w); err != nil && ctx.Err() == nil {
				logger.Error("consumer stopped", "error", err)
			}
		}()
		logger.Info("queued dispatch enabled",
			"topic", cfg.Kafka.JobsTopic, "group", cfg.Kafka.ConsumerGroup, "concurrency", cfg.Sync.WorkerConcurrency)
	} else {
		dispatcher = dispatch.NewDirectDispatcher(runner, store, gate, logger, dispatchMetrics)
		logger.Info("direct dispatch enabled")
	}

	// In direct mode the scheduler bypasses the dispatcher so the sweep
	// runs users sequentially instead of spawning detached goroutines.
	sched := scheduler.New(store, schedDispatcher, runner, maintainer, cfg.Sync.ScheduleInterval,
		logger, scheduler.NewMetrics(registry))
	go sched.Start(ctx)

	srv := server.New(dispatcher, logger)
	router := srv.Router(healthMgr, metrics.Handler(registry))
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}
	go func() {
		logger.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	healthMgr.SetReady(true)
	<-ctx.Done()
	healthMgr.SetReady(false)
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			logger.Error("consumer close failed", "error", err)
		}
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.Error("producer close failed", "error", err)
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error("redis close failed", "error", err)
		}
	}

	logger.Info("sync engine stopped")
	return nil
}

func connectDB(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DB.URL)
	if err != nil {
		return nil, fmt.Errorf("parse db url: %w", err)
	}
	poolCfg.MaxConns = cfg.DB.MaxConns
	poolCfg.MinConns = cfg.DB.MinConns
	poolCfg.MaxConnLifetime = cfg.DB.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create db pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}
