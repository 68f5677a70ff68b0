package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"candle_sync/internal/feature/candles/domain"
	"candle_sync/internal/feature/candles/domain/entity"
)

const (
	// DefaultPeriods は初回バックフィルで取得するローソク足の本数です。
	DefaultPeriods = 1000
	// DefaultFetchLimit は1回のリクエストで取得する最大件数です。
	DefaultFetchLimit = 1000
)

// MarketDataClient は取引所のマーケットデータAPIを抽象化します。
// Following Go convention: interfaces are defined by the consumer (usecase), not the provider (adapters).
type MarketDataClient interface {
	// ServerTime は取引所のサーバー時刻を返します。
	ServerTime(ctx context.Context, symbol string) (time.Time, error)
	// FetchOHLCV は since 以降のローソク足を最大 limit 件、昇順で返します。
	FetchOHLCV(ctx context.Context, symbol string, tf entity.Timeframe, since time.Time, limit int) ([]entity.Candle, error)
}

// BackfillRequest はバックフィル対象と取得範囲を指定します。
type BackfillRequest struct {
	Symbol     string
	Timeframe  entity.Timeframe
	Periods    int // 取得する期間（本数）
	FetchLimit int // 1ページあたりの最大件数
}

// BackfillUsecase は過去データの一括取得を行います。
type BackfillUsecase struct {
	market MarketDataClient
	logger *slog.Logger
}

// NewBackfillUsecase は新しい BackfillUsecase を作成します。
func NewBackfillUsecase(market MarketDataClient, logger *slog.Logger) *BackfillUsecase {
	if logger == nil {
		logger = slog.Default()
	}
	return &BackfillUsecase{market: market, logger: logger}
}

// Backfill はサーバー時刻を基準に [now - periods*timeframe, now] の確定済みローソク足を取得し、
// 昇順で返します。該当データがない場合は空のスライスを返し、エラーにはしません。
func (bu *BackfillUsecase) Backfill(ctx context.Context, req BackfillRequest) ([]entity.Candle, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	now, err := bu.market.ServerTime(ctx, req.Symbol)
	if err != nil {
		return nil, asFetchError("server_time", req.Symbol, err)
	}

	window := entity.NewSyncWindow(now, req.Periods, req.Timeframe)
	quantum := req.Timeframe.Duration()

	// 取引所のページ上限に合わせて since を進めながら取得する
	maxPages := req.Periods/req.FetchLimit + 2
	since := window.Start
	var raw []entity.Candle
	for page := 0; page < maxPages; page++ {
		batch, err := bu.market.FetchOHLCV(ctx, req.Symbol, req.Timeframe, since, req.FetchLimit)
		if err != nil {
			return nil, asFetchError("ohlcv", req.Symbol, err)
		}
		raw = append(raw, batch...)

		if len(batch) < req.FetchLimit {
			break
		}
		next := batch[len(batch)-1].Time.Add(quantum)
		if !next.Before(window.End) || !next.After(since) {
			break
		}
		since = next
	}

	out := filterClosed(raw, window, req.Timeframe)
	bu.logger.Debug("backfill fetched",
		"symbol", req.Symbol,
		"timeframe", req.Timeframe,
		"window_start", window.Start,
		"window_end", window.End,
		"received", len(raw),
		"kept", len(out),
	)
	return out, nil
}

func (r BackfillRequest) validate() error {
	if r.Symbol == "" {
		return &domain.ConfigError{Field: "symbol", Value: r.Symbol, Reason: "must not be empty"}
	}
	if !r.Timeframe.IsValid() {
		return &domain.ConfigError{Field: "timeframe", Value: string(r.Timeframe), Reason: "unsupported timeframe"}
	}
	if r.Periods <= 0 {
		return &domain.ConfigError{Field: "periods", Value: strconv.Itoa(r.Periods), Reason: "must be positive"}
	}
	if r.FetchLimit <= 0 {
		return &domain.ConfigError{Field: "fetch_limit", Value: strconv.Itoa(r.FetchLimit), Reason: "must be positive"}
	}
	return nil
}

// filterClosed keeps candles inside the window whose interval has fully closed by window.End,
// normalizes their timestamps and returns them ascending without duplicates.
func filterClosed(candles []entity.Candle, window entity.SyncWindow, tf entity.Timeframe) []entity.Candle {
	quantum := tf.Duration()
	out := make([]entity.Candle, 0, len(candles))
	for _, c := range candles {
		c.Time = entity.Normalize(c.Time)
		if c.Time.Before(window.Start) || c.Time.After(window.End) {
			continue
		}
		// still-open candle: its close lies after the server time
		if c.Time.Add(quantum).After(window.End) {
			continue
		}
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })

	dedup := out[:0]
	for i, c := range out {
		if i > 0 && c.Key() == dedup[len(dedup)-1].Key() {
			continue
		}
		dedup = append(dedup, c)
	}
	return dedup
}

// DetectGaps は昇順のローソク足列から、連続していない区間を検出します。
// 戻り値が空であれば、すべての隣接ペアが timeframe 1本分の間隔です。
func DetectGaps(candles []entity.Candle, tf entity.Timeframe) []entity.Gap {
	quantum := tf.Duration()
	if quantum <= 0 || len(candles) < 2 {
		return nil
	}

	var gaps []entity.Gap
	for i := 1; i < len(candles); i++ {
		prev, next := candles[i-1].Time, candles[i].Time
		diff := next.Sub(prev)
		if diff <= quantum {
			continue
		}
		gaps = append(gaps, entity.Gap{
			From:    prev.Add(quantum),
			To:      next.Add(-quantum),
			Missing: int(diff/quantum) - 1,
		})
	}
	return gaps
}

// asFetchError は上流エラーを FetchError に包みます。ConfigError と context のエラーはそのまま返します。
func asFetchError(op, symbol string, err error) error {
	if domain.IsConfigError(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var fe *domain.FetchError
	if errors.As(err, &fe) {
		return err
	}
	return &domain.FetchError{Op: op, Symbol: symbol, Err: err}
}
