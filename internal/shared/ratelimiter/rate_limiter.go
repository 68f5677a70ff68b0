package ratelimiter

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterInterface は、API呼び出しなどの操作の頻度を制限するインターフェースです。
type RateLimiterInterface interface {
	Wait(ctx context.Context) error
}

// RateLimiterは、API呼び出しなどの操作の頻度を制限します。
// 1つのインスタンスを複数のパイプラインで共有できます。
type RateLimiter struct {
	limiter  *rate.Limiter
	limit    int           // interval あたりの上限
	interval time.Duration // どの単位でリセットするか
}

// NewRateLimiterは新しいRateLimiterのインスタンスを生成します。
// limit 回の呼び出しを interval ごとに許可し、バーストも limit まで許容します。
func NewRateLimiter(limit int, interval time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &RateLimiter{
		limiter:  rate.NewLimiter(rate.Every(interval/time.Duration(limit)), limit),
		limit:    limit,
		interval: interval,
	}
}

// Waitはレートリミットの上限に達しているかを確認し、必要であれば待機します。
// 待機中に ctx がキャンセルされた場合はそのエラーを返します。
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if r := rl.limiter.Reserve(); r.OK() {
		delay := r.Delay()
		if delay == 0 {
			return nil
		}
		// 予約を取り消して、キャンセル可能な Wait に任せる
		r.Cancel()
		slog.Debug("rate limit reached, waiting", "limit", rl.limit, "interval", rl.interval, "delay", delay)
	}
	return rl.limiter.Wait(ctx)
}
