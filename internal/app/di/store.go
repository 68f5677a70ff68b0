package di

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"candle_sync/internal/feature/candles/adapters"
	"candle_sync/internal/feature/candles/usecase"
	streamadapters "candle_sync/internal/feature/streams/adapters"
	streamentity "candle_sync/internal/feature/streams/domain/entity"
	streamusecase "candle_sync/internal/feature/streams/usecase"
	"candle_sync/internal/platform/cache"
)

// CandleStore は書き込みと参照の両方を提供するローソク足ストアです。
type CandleStore = cache.CandleStore

// NewCandleStore creates the candle store and wraps it with the Redis cache when rdb is available.
// Pipelines register their timeframe so cached reads expire at the next candle close.
func NewCandleStore(db *gorm.DB, rdb *redis.Client, ttl time.Duration, pipelines []usecase.Pipeline) CandleStore {
	repo := adapters.NewCandleRepository(db)
	if rdb == nil {
		return repo
	}
	cached := cache.NewCachingCandleRepository(rdb, ttl, repo, "candles")
	for _, p := range pipelines {
		cached.WithTimeframe(p.Table, p.Timeframe)
	}
	return cached
}

// EnsureTables creates the candle table of every pipeline, the gap table and the stream registry.
func EnsureTables(ctx context.Context, db *gorm.DB, pipelines []usecase.Pipeline) error {
	repo := adapters.NewCandleRepository(db)
	for _, p := range pipelines {
		if err := repo.EnsureTable(ctx, p.Table); err != nil {
			return err
		}
		slog.Info("candle table ready", "table", p.Table)
	}
	if err := adapters.NewGapRepository(db).EnsureTable(ctx); err != nil {
		return err
	}
	return streamadapters.NewStreamRepository(db).EnsureTable(ctx)
}

// RegisterStreams records the configured pipelines in the stream registry.
func RegisterStreams(ctx context.Context, db *gorm.DB, pipelines []usecase.Pipeline) error {
	streams := make([]streamentity.Stream, 0, len(pipelines))
	for _, p := range pipelines {
		streams = append(streams, streamentity.Stream{Table: p.Table, Symbol: p.Symbol, Timeframe: p.Timeframe.String()})
	}
	return streamusecase.NewStreamUsecase(streamadapters.NewStreamRepository(db)).Register(ctx, streams)
}

// NewPublisher creates a Kafka publisher for the given pipelines, or nil when Kafka is not configured.
func NewPublisher(cfg adapters.KafkaConfig, pipelines []usecase.Pipeline) *adapters.KafkaPublisher {
	if !cfg.Enabled() {
		return nil
	}
	p := adapters.NewKafkaPublisher(adapters.NewKafkaWriter(cfg), cfg.WriteTimeout)
	for _, pl := range pipelines {
		p.Register(pl.Table, pl.Symbol, pl.Timeframe)
	}
	return p
}
