// Package handler はプラットフォームレベルのエンドポイント用HTTPハンドラーを提供します。
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Health は /healthz の生存確認です。依存先には触れません。
func Health(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	if c.Request.Method == http.MethodHead {
		c.Status(http.StatusOK)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Pinger はDBなどの依存先への疎通確認を表します（*sql.DB が実装します）。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Ready は /readyz エンドポイント用のハンドラーを返します。
// 依存先に到達できない場合は503を返します。
func Ready(deps map[string]Pinger, timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")

		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		status := http.StatusOK
		checks := gin.H{}
		for name, p := range deps {
			if err := p.PingContext(ctx); err != nil {
				status = http.StatusServiceUnavailable
				checks[name] = err.Error()
				continue
			}
			checks[name] = "ok"
		}
		c.JSON(status, gin.H{"checks": checks})
	}
}
