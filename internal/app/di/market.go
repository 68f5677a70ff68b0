// Package di provides dependency injection factories for creating application components.
package di

import (
	"time"

	"candle_sync/internal/platform/externalapi/binance"
	infrahttp "candle_sync/internal/platform/http"
	"candle_sync/internal/shared/ratelimiter"
)

// NewMarket creates a fully configured BinanceMarket with HTTP client and a rate limiter
// shared by every pipeline using the returned client.
func NewMarket(cfg binance.Config) *binance.BinanceMarket {
	httpClient := infrahttp.NewHTTPClient(infrahttp.ClientConfig{Timeout: cfg.Timeout, MaxConnsPerHost: cfg.RateLimit})
	limiter := ratelimiter.NewRateLimiter(cfg.RateLimit, time.Second)
	return binance.NewBinanceMarket(cfg, httpClient, limiter)
}
