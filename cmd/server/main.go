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
	"candle_sync/internal/app/router"
	"candle_sync/internal/feature/candles/adapters"
	"candle_sync/internal/feature/candles/transport/handler"
	"candle_sync/internal/feature/candles/usecase"
	streamadapters "candle_sync/internal/feature/streams/adapters"
	streamhandler "candle_sync/internal/feature/streams/transport/handler"
	streamusecase "candle_sync/internal/feature/streams/usecase"
	"candle_sync/internal/platform/config"
	"candle_sync/internal/platform/db"
	platformhandler "candle_sync/internal/platform/http/handler"
	"candle_sync/internal/platform/logger"
	"candle_sync/internal/platform/metrics"
	infraredis "candle_sync/internal/platform/redis"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config (defaults to $CANDLE_SYNC_CONFIG or config.yaml)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("server stopped", "error", err)
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
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	deps := map[string]platformhandler.Pinger{"db": sqlDB}

	// Redis
	var rdb *redisv9.Client
	if cfg.Redis.Enabled() {
		if tmp, err := infraredis.NewRedisClient(ctx, cfg.Redis); err != nil {
			log.Warn("Redis unavailable. Running without cache.", "error", err)
		} else {
			rdb = tmp
			defer func() {
				if err := rdb.Close(); err != nil {
					log.Error("failed to close Redis client", "error", err)
				}
			}()
		}
	}

	// パイプライン設定はキャッシュTTLを足の確定時刻に合わせるためだけに使う
	pipelines, err := cfg.BuildPipelines()
	if err != nil {
		log.Warn("no valid pipelines configured; cache TTL uses the fixed default", "error", err)
		pipelines = nil
	}

	store := di.NewCandleStore(gdb, rdb, cfg.Redis.TTL, pipelines)
	candlesUC := usecase.NewCandlesUsecase(store, adapters.NewGapRepository(gdb))
	candlesH := handler.NewCandlesHandler(candlesUC, log)
	streamsH := streamhandler.NewStreamHandler(streamusecase.NewStreamUsecase(streamadapters.NewStreamRepository(gdb)))

	// JWT_SECRETチェック
	if cfg.Server.JWTSecret == "" {
		log.Warn("JWT_SECRET is not set. Protected routes will return 500.")
	}

	r := router.NewRouter(candlesH, streamsH, platformhandler.Ready(deps, 2*time.Second), metrics.New().Handler(), cfg.Server.JWTSecret)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("query API listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
