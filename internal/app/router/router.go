// Package router は参照APIのルーティングを定義します。
package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"candle_sync/internal/feature/candles/transport/handler"
	streamhandler "candle_sync/internal/feature/streams/transport/handler"
	platformhandler "candle_sync/internal/platform/http/handler"
	jwtmw "candle_sync/internal/platform/jwt"
)

// NewRouter は参照APIのルーターを作成します。metrics が nil の場合 /metrics は登録しません。
func NewRouter(candles *handler.CandlesHandler, streams *streamhandler.StreamHandler, ready gin.HandlerFunc, metrics http.Handler, jwtSecret string) *gin.Engine {
	r := gin.Default()

	// 認証不要
	// 導通確認用
	r.GET("/healthz", platformhandler.Health)
	r.HEAD("/healthz", platformhandler.Health)
	if ready != nil {
		r.GET("/readyz", ready)
	}
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}

	// 認証必須のルート
	// → リクエストヘッダーに JWT が必要になる
	auth := r.Group("/")
	auth.Use(jwtmw.AuthRequired(jwtSecret))
	{
		auth.GET("/candles/:table", candles.GetCandlesHandler)
		auth.GET("/gaps/:table", candles.ListGapsHandler)
		auth.GET("/streams", streams.List)
	}

	return r
}
