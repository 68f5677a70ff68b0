// Package handler はcandlesフィーチャーのHTTPハンドラーを提供します。
package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"candle_sync/internal/feature/candles/domain"
	"candle_sync/internal/feature/candles/domain/entity"
	"candle_sync/internal/feature/candles/transport/http/dto"
	"candle_sync/internal/feature/candles/usecase"
)

// CandlesUsecase はローソク足データ参照のユースケースインターフェースを定義します。
// Goの慣例に従い、インターフェースは利用者（handler）側で定義します。
type CandlesUsecase interface {
	GetCandles(ctx context.Context, table string, from, to time.Time, outputsize int) ([]entity.Candle, error)
	ListGaps(ctx context.Context, table string, limit int) ([]entity.GapRecord, error)
}

// CandlesHandler はローソク足データのHTTPリクエストを処理します。
type CandlesHandler struct {
	uc     CandlesUsecase
	logger *slog.Logger
}

// NewCandlesHandler は指定されたusecaseでCandlesHandlerの新しいインスタンスを生成します。
func NewCandlesHandler(uc CandlesUsecase, logger *slog.Logger) *CandlesHandler {
	return &CandlesHandler{uc: uc, logger: logger}
}

// GetCandlesHandler はテーブル名と期間を受け取り、ローソク足データを新しい順にJSONで返します。
//
// エンドポイント例:
// GET /candles/btcusdt_1h?from=2024-01-01T00:00:00Z&to=1704891600000&limit=200
func (h *CandlesHandler) GetCandlesHandler(c *gin.Context) {
	table := c.Param("table")

	from, err := parseTime(c.Query("from"))
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "invalid from: " + err.Error()})
		return
	}
	to, err := parseTime(c.Query("to"))
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "invalid to: " + err.Error()})
		return
	}
	// 不正な値は0としてusecaseに渡し、デフォルト件数に置き換える
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(usecase.DefaultOutputSize)))

	candles, err := h.uc.GetCandles(c.Request.Context(), table, from, to, limit)
	if err != nil {
		h.writeError(c, table, err)
		return
	}

	out := make([]dto.CandleResponse, 0, len(candles))
	for _, x := range candles {
		out = append(out, dto.CandleResponse{
			Time:     x.Time.UTC().Format(time.RFC3339),
			OpenTime: x.Key(),
			Open:     x.Open,
			High:     x.High,
			Low:      x.Low,
			Close:    x.Close,
			Volume:   x.Volume,
		})
	}

	c.JSON(http.StatusOK, out)
}

// ListGapsHandler はテーブルの欠損記録を新しい順に返します。
//
// エンドポイント例:
// GET /gaps/btcusdt_1h?limit=50
func (h *CandlesHandler) ListGapsHandler(c *gin.Context) {
	table := c.Param("table")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(usecase.DefaultOutputSize)))

	gaps, err := h.uc.ListGaps(c.Request.Context(), table, limit)
	if err != nil {
		h.writeError(c, table, err)
		return
	}

	out := make([]dto.GapResponse, 0, len(gaps))
	for _, g := range gaps {
		out = append(out, dto.GapResponse{
			Symbol:    g.Symbol,
			Timeframe: g.Timeframe.String(),
			From:      g.Gap.From.UTC().Format(time.RFC3339),
			To:        g.Gap.To.UTC().Format(time.RFC3339),
			Missing:   g.Gap.Missing,
			Reason:    string(g.Reason),
			CreatedAt: g.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	c.JSON(http.StatusOK, out)
}

func (h *CandlesHandler) writeError(c *gin.Context, table string, err error) {
	var storeErr *domain.StoreError
	switch {
	case domain.IsConfigError(err), errors.Is(err, usecase.ErrInvalidRange):
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
	case errors.As(err, &storeErr):
		h.logger.Error("candle query failed", "table", table, "error", err)
		c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{Error: "storage unavailable"})
	default:
		h.logger.Error("candle query failed", "table", table, "error", err)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "internal server error"})
	}
}

// parseTime は RFC3339 またはエポックミリ秒の時刻を受け付けます。空文字はゼロ値を返します。
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return entity.FromEpochMillis(ms), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC3339 or epoch milliseconds, got %q", s)
	}
	return t.UTC(), nil
}
