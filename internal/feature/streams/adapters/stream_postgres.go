// Package adapters はstreamsフィーチャーのリポジトリ実装を提供します。
package adapters

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"candle_sync/internal/feature/streams/domain/entity"
	"candle_sync/internal/feature/streams/usecase"
)

// StreamTable はストリーム登録テーブルの名前です。
const StreamTable = "candle_streams"

// streamPostgres はStreamRepositoryインターフェースのgorm実装です。
type streamPostgres struct {
	db *gorm.DB
}

var _ usecase.StreamRepository = (*streamPostgres)(nil)

// NewStreamRepository は指定されたDB接続でstreamPostgresリポジトリの新しいインスタンスを生成します。
func NewStreamRepository(db *gorm.DB) *streamPostgres {
	return &streamPostgres{db: db}
}

// EnsureTable は candle_streams テーブルを作成します。
func (r *streamPostgres) EnsureTable(ctx context.Context) error {
	if err := r.db.WithContext(ctx).Table(StreamTable).AutoMigrate(&entity.Stream{}); err != nil {
		return fmt.Errorf("migrate %s: %w", StreamTable, err)
	}
	return nil
}

// ReplaceActive は streams を有効として登録し、それ以外を無効にします。
func (r *streamPostgres) ReplaceActive(ctx context.Context, streams []entity.Stream) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Table(StreamTable).Where("is_active = ?", true).Update("is_active", false).Error; err != nil {
			return err
		}
		if len(streams) == 0 {
			return nil
		}
		rows := make([]entity.Stream, len(streams))
		for i, s := range streams {
			s.ID = 0
			s.IsActive = true
			s.SortKey = i
			rows[i] = s
		}
		return tx.Table(StreamTable).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "table_name"}},
			DoUpdates: clause.AssignmentColumns([]string{"symbol", "timeframe", "is_active", "sort_key", "updated_at"}),
		}).Create(&rows).Error
	})
}

// ListActive はsort_key順にすべての有効なストリームを返します。
func (r *streamPostgres) ListActive(ctx context.Context) ([]entity.Stream, error) {
	var streams []entity.Stream
	if err := r.db.WithContext(ctx).
		Table(StreamTable).
		Where("is_active = ?", true).
		Order("sort_key ASC").
		Find(&streams).Error; err != nil {
		return nil, err
	}
	return streams, nil
}
