package adapters

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"candle_sync/internal/feature/candles/domain/entity"
	"candle_sync/internal/feature/candles/usecase"
)

// GapTable は欠損記録を保存するテーブル名です。
const GapTable = "candle_gaps"

type gapPostgres struct {
	db  *gorm.DB
	now func() time.Time
}

var (
	_ usecase.GapRecorder   = (*gapPostgres)(nil)
	_ usecase.GapRepository = (*gapPostgres)(nil)
)

// NewGapRepository は candle_gaps テーブルを使う欠損記録リポジトリを作成します。
func NewGapRepository(db *gorm.DB) *gapPostgres {
	return &gapPostgres{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// GapModel は candle_gaps テーブルの1行です。
type GapModel struct {
	ID        uint      `gorm:"primaryKey"`
	Target    string    `gorm:"column:table_name;size:63;not null;index:idx_candle_gaps_table_from,priority:1"`
	Symbol    string    `gorm:"size:32;not null"`
	Timeframe string    `gorm:"size:8;not null"`
	GapFrom   time.Time `gorm:"column:gap_from;not null;index:idx_candle_gaps_table_from,priority:2"`
	GapTo     time.Time `gorm:"column:gap_to;not null"`
	Missing   int       `gorm:"not null"`
	Reason    string    `gorm:"size:32;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

// EnsureTable は candle_gaps テーブルを作成します。
func (r *gapPostgres) EnsureTable(ctx context.Context) error {
	if err := r.db.WithContext(ctx).Table(GapTable).AutoMigrate(&GapModel{}); err != nil {
		return storeError("migrate", GapTable, err)
	}
	return nil
}

// RecordGap は欠損区間を1件保存します。
func (r *gapPostgres) RecordGap(ctx context.Context, rec entity.GapRecord) error {
	if err := ValidateTableName(rec.Table); err != nil {
		return err
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = r.now()
	}

	m := GapModel{
		Target:    rec.Table,
		Symbol:    rec.Symbol,
		Timeframe: rec.Timeframe.String(),
		GapFrom:   entity.Normalize(rec.Gap.From),
		GapTo:     entity.Normalize(rec.Gap.To),
		Missing:   rec.Gap.Missing,
		Reason:    string(rec.Reason),
		CreatedAt: created.UTC(),
	}
	if err := r.db.WithContext(ctx).Table(GapTable).Create(&m).Error; err != nil {
		return storeError("record_gap", GapTable, err)
	}
	return nil
}

// ListGaps は table の欠損記録を新しい順に最大 limit 件返します。
func (r *gapPostgres) ListGaps(ctx context.Context, table string, limit int) ([]entity.GapRecord, error) {
	if err := ValidateTableName(table); err != nil {
		return nil, err
	}

	var rows []GapModel
	q := r.db.WithContext(ctx).Table(GapTable).
		Where("table_name = ?", table).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "gap_from"}, Desc: true}).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "id"}, Desc: true})
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, storeError("list_gaps", GapTable, err)
	}

	out := make([]entity.GapRecord, 0, len(rows))
	for _, m := range rows {
		out = append(out, entity.GapRecord{
			Table:     m.Target,
			Symbol:    m.Symbol,
			Timeframe: entity.Timeframe(m.Timeframe),
			Gap: entity.Gap{
				From:    entity.Normalize(m.GapFrom),
				To:      entity.Normalize(m.GapTo),
				Missing: m.Missing,
			},
			Reason:    entity.GapReason(m.Reason),
			CreatedAt: m.CreatedAt.UTC(),
		})
	}
	return out, nil
}
