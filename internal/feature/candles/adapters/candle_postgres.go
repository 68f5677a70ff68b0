package adapters

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"candle_sync/internal/feature/candles/domain"
	"candle_sync/internal/feature/candles/domain/entity"
	"candle_sync/internal/feature/candles/usecase"
)

const (
	// lookupChunk は重複確認の IN 句1回あたりのタイムスタンプ数です。
	lookupChunk = 500
	// insertBatch は1回の INSERT 文で挿入する行数です。
	insertBatch = 200
)

var tableNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

type candlePostgres struct {
	db *gorm.DB
}

var (
	_ usecase.CandleStore      = (*candlePostgres)(nil)
	_ usecase.CandleRepository = (*candlePostgres)(nil)
)

// NewCandleRepository はテーブル単位でローソク足を保存するリポジトリを作成します。
func NewCandleRepository(db *gorm.DB) *candlePostgres {
	return &candlePostgres{db: db}
}

// CandleModel はローソク足テーブルの1行です。テーブル名はパイプラインごとに指定されます。
type CandleModel struct {
	Timestamp time.Time       `gorm:"column:timestamp;primaryKey;autoIncrement:false"`
	Open      decimal.Decimal `gorm:"column:open_price;type:numeric(36,18);not null"`
	High      decimal.Decimal `gorm:"column:high_price;type:numeric(36,18);not null"`
	Low       decimal.Decimal `gorm:"column:low_price;type:numeric(36,18);not null"`
	Close     decimal.Decimal `gorm:"column:close_price;type:numeric(36,18);not null"`
	Volume    decimal.Decimal `gorm:"column:volume;type:numeric(36,18);not null"`
}

func toModel(e entity.Candle) CandleModel {
	return CandleModel{
		Timestamp: entity.Normalize(e.Time),
		Open:      e.Open,
		High:      e.High,
		Low:       e.Low,
		Close:     e.Close,
		Volume:    e.Volume,
	}
}

func toEntity(m CandleModel) entity.Candle {
	return entity.Candle{
		Time:   entity.Normalize(m.Timestamp),
		Open:   m.Open,
		High:   m.High,
		Low:    m.Low,
		Close:  m.Close,
		Volume: m.Volume,
	}
}

// ValidateTableName は table がSQL識別子として安全に使えることを確認します。
func ValidateTableName(table string) error {
	if !tableNamePattern.MatchString(table) {
		return &domain.ConfigError{Field: "table", Value: table, Reason: "must match " + tableNamePattern.String()}
	}
	return nil
}

var tsColumn = clause.Column{Name: "timestamp"}

// EnsureTable は table が存在しなければ作成します。
func (r *candlePostgres) EnsureTable(ctx context.Context, table string) error {
	if err := ValidateTableName(table); err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Table(table).AutoMigrate(&CandleModel{}); err != nil {
		return storeError("migrate", table, err)
	}
	return nil
}

// ExistingTimestamps は保存済みのタイムスタンプをエポックミリ秒で返します。window が nil なら全件を対象にします。
func (r *candlePostgres) ExistingTimestamps(ctx context.Context, table string, window *entity.SyncWindow) (map[int64]struct{}, error) {
	if err := ValidateTableName(table); err != nil {
		return nil, err
	}

	q := r.db.WithContext(ctx).Table(table)
	if window != nil {
		q = q.Where(clause.Gte{Column: tsColumn, Value: window.Start.UTC()}).
			Where(clause.Lt{Column: tsColumn, Value: window.End.UTC()})
	}
	var ts []time.Time
	if err := q.Pluck("timestamp", &ts).Error; err != nil {
		return nil, storeError("select", table, err)
	}

	out := make(map[int64]struct{}, len(ts))
	for _, t := range ts {
		out[t.UnixMilli()] = struct{}{}
	}
	return out, nil
}

// InsertNew は未保存のローソク足だけを1つのトランザクションで挿入し、挿入したものを返します。
// 重複確認はバッチ内のタイムスタンプに限定した IN 句で行い、同時書き込みとの競合は
// ON CONFLICT DO NOTHING で吸収します。エラー時はバッチ全体がロールバックされます。
func (r *candlePostgres) InsertNew(ctx context.Context, table string, candles []entity.Candle) ([]entity.Candle, error) {
	if err := ValidateTableName(table); err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, nil
	}

	var inserted []entity.Candle
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing := make(map[int64]struct{}, len(candles))
		for start := 0; start < len(candles); start += lookupChunk {
			end := min(start+lookupChunk, len(candles))
			keys := make([]any, 0, end-start)
			for _, c := range candles[start:end] {
				keys = append(keys, entity.Normalize(c.Time))
			}
			var found []time.Time
			if err := tx.Table(table).Where(clause.IN{Column: tsColumn, Values: keys}).Pluck("timestamp", &found).Error; err != nil {
				return err
			}
			for _, t := range found {
				existing[t.UnixMilli()] = struct{}{}
			}
		}

		models := make([]CandleModel, 0, len(candles))
		for _, c := range candles {
			if _, ok := existing[c.Key()]; ok {
				continue
			}
			existing[c.Key()] = struct{}{}
			models = append(models, toModel(c))
			inserted = append(inserted, toEntity(toModel(c)))
		}
		if len(models) == 0 {
			return nil
		}

		return tx.Table(table).
			Clauses(clause.OnConflict{Columns: []clause.Column{tsColumn}, DoNothing: true}).
			CreateInBatches(&models, insertBatch).Error
	})
	if err != nil {
		return nil, storeError("insert", table, err)
	}
	return inserted, nil
}

// Find は [from, to] のローソク足を新しい順に最大 limit 件返します。from がゼロ値なら下限を設けません。
func (r *candlePostgres) Find(ctx context.Context, table string, from, to time.Time, limit int) ([]entity.Candle, error) {
	if err := ValidateTableName(table); err != nil {
		return nil, err
	}

	var rows []CandleModel
	q := r.db.WithContext(ctx).Table(table).
		Where(clause.Lte{Column: tsColumn, Value: to.UTC()}).
		Order(clause.OrderByColumn{Column: tsColumn, Desc: true})
	if !from.IsZero() {
		q = q.Where(clause.Gte{Column: tsColumn, Value: from.UTC()})
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, storeError("find", table, err)
	}

	out := make([]entity.Candle, 0, len(rows))
	for _, m := range rows {
		out = append(out, toEntity(m))
	}
	return out, nil
}

// storeError は DB エラーを StoreError に変換します。Postgres の場合は SQLSTATE を保持します。
func storeError(op, table string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	se := &domain.StoreError{Op: op, Table: table, Err: err}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		se.Code = pgErr.Code
	}
	return se
}
