package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	redisv9 "github.com/redis/go-redis/v9"

	"candle_sync/internal/app/di"
	"candle_sync/internal/feature/candles/adapters"
	"candle_sync/internal/feature/candles/usecase"
	"candle_sync/internal/platform/config"
	"candle_sync/internal/platform/db"
	"candle_sync/internal/platform/logger"
	"candle_sync/internal/platform/metrics"
	infraredis "candle_sync/internal/platform/redis"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config (defaults to $CANDLE_SYNC_CONFIG or config.yaml)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("candle sync stopped", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadWithEnv(configPath)
	if err != nil {
		return err
	}
	log, err := logger.New(os.Stdout, cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	pipelines, err := cfg.BuildPipelines()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// db
	gdb, err := db.OpenDB(cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(gdb); err != nil {
			log.Error("failed to close DB", "error", err)
		}
	}()
	if err := di.EnsureTables(ctx, gdb, pipelines); err != nil {
		return err
	}
	if err := di.RegisterStreams(ctx, gdb, pipelines); err != nil {
		return err
	}

	// Redis（参照APIのキャッシュ無効化用。未設定なら使わない）
	var rdb *redisv9.Client
	if cfg.Redis.Enabled() {
		if tmp, err := infraredis.NewRedisClient(ctx, cfg.Redis); err != nil {
			log.Warn("Redis unavailable. Running without cache invalidation.", "error", err)
		} else {
			rdb = tmp
			defer func() {
				if err := rdb.Close(); err != nil {
					log.Error("failed to close Redis client", "error", err)
				}
			}()
		}
	}

	recorder := metrics.New()
	opts := []usecase.SyncOption{
		usecase.WithGapRecorder(adapters.NewGapRepository(gdb)),
		usecase.WithMetrics(recorder),
		usecase.WithStoreRetry(cfg.Sync.StoreRetries, cfg.Sync.StoreRetryInterval),
	}
	if pub := di.NewPublisher(cfg.Kafka, pipelines); pub != nil {
		opts = append(opts, usecase.WithPublisher(pub))
		defer func() {
			if err := pub.Close(); err != nil {
				log.Error("failed to close Kafka writer", "error", err)
			}
		}()
	}

	store := di.NewCandleStore(gdb, rdb, cfg.Redis.TTL, pipelines)
	uc := usecase.NewSyncUsecase(di.NewMarket(cfg.Exchange), store, log, opts...)

	metricsSrv := &http.Server{
		Addr:              cfg.Sync.MetricsAddr,
		Handler:           recorder.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	log.Info("starting pipelines", "count", len(pipelines), "metrics_addr", cfg.Sync.MetricsAddr)
	err = uc.RunAll(ctx, pipelines)
	log.Info("all pipelines stopped")
	return err
}
