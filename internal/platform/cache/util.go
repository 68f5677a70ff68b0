package cache

import (
	"time"

	"candle_sync/internal/feature/candles/domain/entity"
)

// minTTL keeps entries cached right at a boundary from expiring immediately.
const minTTL = time.Second

// TimeUntilNextClose は now から次のローソク足確定（次の境界）までの期間を返します。
func TimeUntilNextClose(now time.Time, tf entity.Timeframe) time.Duration {
	if !tf.IsValid() {
		return minTTL
	}
	return max(tf.NextBoundary(now).Sub(now), minTTL)
}
