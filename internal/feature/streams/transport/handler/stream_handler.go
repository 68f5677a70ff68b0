// Package handler はstreamsフィーチャーのHTTPハンドラーを提供します。
package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"candle_sync/internal/feature/streams/domain/entity"
	"candle_sync/internal/feature/streams/transport/http/dto"
)

// StreamUsecase はストリーム情報に関するユースケースのインターフェースです。
// Following Go convention: interfaces are defined by the consumer (handler), not the provider (usecase).
type StreamUsecase interface {
	ListActiveStreams(ctx context.Context) ([]entity.Stream, error)
}

// StreamHandler はストリーム情報に関するHTTPリクエストを処理します。
type StreamHandler struct {
	uc StreamUsecase
}

// NewStreamHandler は新しい StreamHandler を作成します。
func NewStreamHandler(uc StreamUsecase) *StreamHandler {
	return &StreamHandler{uc: uc}
}

// List は同期中のストリーム一覧を返すAPIです。
// クライアントはここで得たテーブル名で /candles/:table を参照します。
func (h *StreamHandler) List(c *gin.Context) {
	streams, err := h.uc.ListActiveStreams(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]dto.StreamItem, 0, len(streams))
	for _, s := range streams {
		out = append(out, dto.StreamItem{Table: s.Table, Symbol: s.Symbol, Timeframe: s.Timeframe})
	}
	c.JSON(http.StatusOK, out)
}
