package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"candle_sync/internal/feature/candles/domain"
	"candle_sync/internal/feature/candles/domain/entity"
)

// CandleStore はローソク足の永続化レイヤーを抽象化します。
type CandleStore interface {
	// ExistingTimestamps は table に保存済みのタイムスタンプ（エポックミリ秒）を返します。
	// window が nil の場合はテーブル全体を対象にします。
	ExistingTimestamps(ctx context.Context, table string, window *entity.SyncWindow) (map[int64]struct{}, error)
	// InsertNew は未保存のローソク足だけを1つのトランザクションで挿入し、実際に挿入したものを返します。
	// 失敗時はバッチ全体がロールバックされます。
	InsertNew(ctx context.Context, table string, candles []entity.Candle) ([]entity.Candle, error)
}

// GapRecorder は検出した欠損区間を記録します。
type GapRecorder interface {
	RecordGap(ctx context.Context, rec entity.GapRecord) error
}

// CandlePublisher は新たに保存されたローソク足を下流へ通知します。
type CandlePublisher interface {
	PublishCandles(ctx context.Context, table string, candles []entity.Candle) error
}

// Metrics は同期処理の計測値を記録します。
type Metrics interface {
	RecordInserted(table string, n int)
	RecordDuplicates(table string, n int)
	RecordStoreError(table string)
	RecordGap(table string, reason string, missing int)
	RecordLastCandle(table string, t time.Time)
}

// Pipeline は1つの銘柄・時間足・テーブルの組み合わせの同期設定です。
type Pipeline struct {
	Symbol     string
	Timeframe  entity.Timeframe
	Table      string
	Periods    int
	FetchLimit int
	Scheduler  SchedulerConfig
}

// SyncOption は SyncUsecase の任意の依存関係を設定します。
type SyncOption func(*SyncUsecase)

// WithGapRecorder は欠損区間の記録先を設定します。
func WithGapRecorder(g GapRecorder) SyncOption { return func(su *SyncUsecase) { su.gaps = g } }

// WithPublisher は新規ローソク足の通知先を設定します。
func WithPublisher(p CandlePublisher) SyncOption { return func(su *SyncUsecase) { su.publisher = p } }

// WithMetrics は計測値の記録先を設定します。
func WithMetrics(m Metrics) SyncOption { return func(su *SyncUsecase) { su.metrics = m } }

// WithStoreRetry はストアエラー時の再試行回数と初期待機時間を設定します。
func WithStoreRetry(retries uint64, initial time.Duration) SyncOption {
	return func(su *SyncUsecase) {
		su.storeRetries = retries
		su.storeRetryInitial = initial
	}
}

// WithSchedulerOptions はパイプラインごとに生成するスケジューラへオプションを渡します。
func WithSchedulerOptions(opts ...SchedulerOption) SyncOption {
	return func(su *SyncUsecase) { su.schedulerOpts = append(su.schedulerOpts, opts...) }
}

// SyncUsecase はバックフィルと定期取得を組み合わせ、ストアへの重複のない書き込みを行います。
type SyncUsecase struct {
	market     MarketDataClient
	store      CandleStore
	backfiller *BackfillUsecase
	gaps       GapRecorder
	publisher  CandlePublisher
	metrics    Metrics
	logger     *slog.Logger

	storeRetries      uint64
	storeRetryInitial time.Duration
	schedulerOpts     []SchedulerOption
}

// NewSyncUsecase は新しい SyncUsecase を作成します。
func NewSyncUsecase(market MarketDataClient, store CandleStore, logger *slog.Logger, opts ...SyncOption) *SyncUsecase {
	if logger == nil {
		logger = slog.Default()
	}
	su := &SyncUsecase{
		market:            market,
		store:             store,
		backfiller:        NewBackfillUsecase(market, logger),
		metrics:           noopMetrics{},
		logger:            logger,
		storeRetries:      3,
		storeRetryInitial: time.Second,
	}
	for _, opt := range opts {
		opt(su)
	}
	return su
}

// DedupAndInsert は未保存のローソク足だけを挿入し、挿入件数を返します。
// 同じ入力で2回呼び出した場合、2回目は 0 を返します。
func (su *SyncUsecase) DedupAndInsert(ctx context.Context, table string, candles []entity.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}

	inserted, err := su.store.InsertNew(ctx, table, candles)
	if err != nil {
		su.metrics.RecordStoreError(table)
		return 0, err
	}

	su.metrics.RecordInserted(table, len(inserted))
	su.metrics.RecordDuplicates(table, len(candles)-len(inserted))
	if len(inserted) == 0 {
		su.logger.Debug("no new candles to insert", "table", table, "received", len(candles))
		return 0, nil
	}

	latest := inserted[0].Time
	for _, c := range inserted[1:] {
		if c.Time.After(latest) {
			latest = c.Time
		}
	}
	su.metrics.RecordLastCandle(table, latest)

	if su.publisher != nil {
		// 通知の失敗は挿入結果に影響しない
		if err := su.publisher.PublishCandles(ctx, table, inserted); err != nil {
			su.logger.Warn("failed to publish candles", "table", table, "count", len(inserted), "error", err)
		}
	}

	su.logger.Info("candles inserted", "table", table, "received", len(candles), "inserted", len(inserted), "latest", latest)
	return len(inserted), nil
}

// insertWithRetry は StoreError を指数バックオフで再試行します。
// 重複排除によって再試行は冪等です。
func (su *SyncUsecase) insertWithRetry(ctx context.Context, table string, candles []entity.Candle) (int, error) {
	var n int
	var attempts uint64
	op := func() error {
		var err error
		n, err = su.DedupAndInsert(ctx, table, candles)
		if err == nil {
			return nil
		}
		var storeErr *domain.StoreError
		if !errors.As(err, &storeErr) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		attempts++
		if attempts > su.storeRetries {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = su.storeRetryInitial
	b.MaxElapsedTime = 0
	b.Reset()
	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		su.logger.Warn("candle insert failed, retrying", "table", table, "error", err, "retry_in", d)
	})
	return n, err
}

// Run はバックフィルを1回実行した後、スケジューラに制御を渡します。
// ctx がキャンセルされるか ConfigError が発生するまで戻りません。
func (su *SyncUsecase) Run(ctx context.Context, p Pipeline) error {
	if err := p.validate(); err != nil {
		return err
	}
	log := su.logger.With("symbol", p.Symbol, "timeframe", p.Timeframe, "table", p.Table)

	candles, err := su.backfiller.Backfill(ctx, BackfillRequest{
		Symbol:     p.Symbol,
		Timeframe:  p.Timeframe,
		Periods:    p.Periods,
		FetchLimit: p.FetchLimit,
	})
	switch {
	case err != nil && (domain.IsConfigError(err) || ctx.Err() != nil):
		return err
	case err != nil:
		// 過去データなしでも定期取得は開始する
		log.Error("backfill failed, continuing with live sync", "error", err)
	default:
		log.Info("backfill received", "count", len(candles))
		for _, g := range DetectGaps(candles, p.Timeframe) {
			log.Warn("gap in exchange history", "from", g.From, "to", g.To, "missing", g.Missing)
			su.recordGap(ctx, p, g, entity.GapReasonExchange)
		}
		n, err := su.insertWithRetry(ctx, p.Table, candles)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("failed to store backfill", "error", err)
		} else {
			log.Info("backfill stored", "inserted", n, "skipped", len(candles)-n)
		}
		if len(candles) > 0 {
			su.auditCoverage(ctx, p, entity.SyncWindow{
				Start: candles[0].Time,
				End:   candles[len(candles)-1].Time.Add(p.Timeframe.Duration()),
			}, log)
		}
	}

	opts := append([]SchedulerOption{}, su.schedulerOpts...)
	opts = append(opts, WithSkipHandler(func(ctx context.Context, expected time.Time, reason entity.GapReason, _ error) {
		su.recordGap(ctx, p, entity.Gap{From: expected, To: expected, Missing: 1}, reason)
	}))
	scheduler := NewCandleScheduler(su.market, p.Scheduler, su.logger, opts...)

	return scheduler.Run(ctx, p.Symbol, p.Timeframe, func(ctx context.Context, c entity.Candle) error {
		_, err := su.insertWithRetry(ctx, p.Table, []entity.Candle{c})
		return err
	})
}

// RunAll は各パイプラインを独立したゴルーチンで実行します。
// 1つのパイプラインが ConfigError で終了しても、他のパイプラインは継続します。
func (su *SyncUsecase) RunAll(ctx context.Context, pipelines []Pipeline) error {
	var g errgroup.Group
	for _, p := range pipelines {
		p := p
		g.Go(func() error {
			err := su.Run(ctx, p)
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				su.logger.Error("pipeline terminated", "symbol", p.Symbol, "timeframe", p.Timeframe, "table", p.Table, "error", err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// Audit は window 内で保存されていない区間を、保存済みタイムスタンプから求めます。
func (su *SyncUsecase) Audit(ctx context.Context, table string, tf entity.Timeframe, window entity.SyncWindow) ([]entity.Gap, error) {
	existing, err := su.store.ExistingTimestamps(ctx, table, &window)
	if err != nil {
		return nil, err
	}
	quantum := tf.Duration()
	if quantum <= 0 {
		return nil, &domain.ConfigError{Field: "timeframe", Value: string(tf), Reason: "unsupported timeframe"}
	}

	slot := tf.Truncate(window.Start)
	if slot.Before(window.Start) {
		slot = slot.Add(quantum)
	}

	var gaps []entity.Gap
	var cur *entity.Gap
	for ; !slot.Add(quantum).After(window.End); slot = slot.Add(quantum) {
		if _, ok := existing[slot.UnixMilli()]; ok {
			cur = nil
			continue
		}
		if cur == nil {
			gaps = append(gaps, entity.Gap{From: slot, To: slot})
			cur = &gaps[len(gaps)-1]
		}
		cur.To = slot
		cur.Missing++
	}
	return gaps, nil
}

func (su *SyncUsecase) auditCoverage(ctx context.Context, p Pipeline, window entity.SyncWindow, log *slog.Logger) {
	gaps, err := su.Audit(ctx, p.Table, p.Timeframe, window)
	if err != nil {
		log.Warn("coverage audit failed", "error", err)
		return
	}
	missing := 0
	for _, g := range gaps {
		missing += g.Missing
	}
	log.Info("coverage audit", "window_start", window.Start, "window_end", window.End, "gaps", len(gaps), "missing", missing)
}

func (su *SyncUsecase) recordGap(ctx context.Context, p Pipeline, g entity.Gap, reason entity.GapReason) {
	su.metrics.RecordGap(p.Table, string(reason), g.Missing)
	if su.gaps == nil {
		return
	}
	rec := entity.GapRecord{
		Table:     p.Table,
		Symbol:    p.Symbol,
		Timeframe: p.Timeframe,
		Gap:       g,
		Reason:    reason,
	}
	if err := su.gaps.RecordGap(context.WithoutCancel(ctx), rec); err != nil {
		su.logger.Warn("failed to record gap", "table", p.Table, "from", g.From, "to", g.To, "error", err)
	}
}

func (p Pipeline) validate() error {
	if p.Table == "" {
		return &domain.ConfigError{Field: "table", Value: p.Table, Reason: "must not be empty"}
	}
	return BackfillRequest{
		Symbol:     p.Symbol,
		Timeframe:  p.Timeframe,
		Periods:    p.Periods,
		FetchLimit: p.FetchLimit,
	}.validate()
}

type noopMetrics struct{}

func (noopMetrics) RecordInserted(string, int)         {}
func (noopMetrics) RecordDuplicates(string, int)       {}
func (noopMetrics) RecordStoreError(string)            {}
func (noopMetrics) RecordGap(string, string, int)      {}
func (noopMetrics) RecordLastCandle(string, time.Time) {}
