// Package usecase はローソク足データの取得・同期・参照のビジネスロジックを実装します。
package usecase

import (
	"context"
	"errors"
	"time"

	"candle_sync/internal/feature/candles/domain/entity"
)

const (
	// DefaultOutputSize はデフォルトのローソク足返却件数です。
	DefaultOutputSize = 200
	// MaxOutputSize はローソク足の最大返却件数です。
	MaxOutputSize = 5000
)

// ErrInvalidRange は from が to より後の場合に返されます。
var ErrInvalidRange = errors.New("from must not be after to")

// CandleRepository はローソク足データの読み取りレイヤーを抽象化します。
// Goの慣例に従い、インターフェースは利用者（usecase）側で定義します。
type CandleRepository interface {
	// Find は [from, to] のローソク足を新しい順に最大 limit 件返します。from がゼロ値なら下限なし。
	Find(ctx context.Context, table string, from, to time.Time, limit int) ([]entity.Candle, error)
}

// GapRepository は記録済みの欠損区間を参照します。
type GapRepository interface {
	ListGaps(ctx context.Context, table string, limit int) ([]entity.GapRecord, error)
}

// candlesUsecase はローソク足データ参照のユースケースを定義します。
type candlesUsecase struct {
	candle CandleRepository
	gaps   GapRepository
	now    func() time.Time
}

// NewCandlesUsecase はcandlesUsecaseの新しいインスタンスを生成します。
func NewCandlesUsecase(candle CandleRepository, gaps GapRepository) *candlesUsecase {
	return &candlesUsecase{candle: candle, gaps: gaps, now: time.Now}
}

// GetCandles は指定テーブルのローソク足データを取得します。
func (cu *candlesUsecase) GetCandles(ctx context.Context, table string, from, to time.Time, outputsize int) ([]entity.Candle, error) {
	if to.IsZero() {
		to = cu.now()
	}
	if !from.IsZero() && from.After(to) {
		return nil, ErrInvalidRange
	}
	if outputsize <= 0 || outputsize > MaxOutputSize {
		outputsize = DefaultOutputSize
	}

	cs, err := cu.candle.Find(ctx, table, from.UTC(), to.UTC(), outputsize)
	if err != nil {
		return nil, err
	}

	return cs, nil
}

// ListGaps は指定テーブルの欠損区間を新しい順に返します。
func (cu *candlesUsecase) ListGaps(ctx context.Context, table string, limit int) ([]entity.GapRecord, error) {
	if limit <= 0 || limit > MaxOutputSize {
		limit = DefaultOutputSize
	}
	return cu.gaps.ListGaps(ctx, table, limit)
}
