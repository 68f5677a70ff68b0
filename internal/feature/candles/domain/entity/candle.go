// Package entity defines the domain models for the candles feature.
package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle represents OHLCV (Open, High, Low, Close, Volume) candlestick data
// for one closed interval of a trading instrument.
type Candle struct {
	Time   time.Time       // Open time of the interval, UTC, millisecond resolution
	Open   decimal.Decimal // Opening price
	High   decimal.Decimal // Highest price during this period
	Low    decimal.Decimal // Lowest price during this period
	Close  decimal.Decimal // Closing price
	Volume decimal.Decimal // Traded base volume
}

// FromEpochMillis converts an exchange epoch-millisecond timestamp into the
// canonical UTC instant used throughout the pipeline.
func FromEpochMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Normalize truncates t to millisecond resolution in UTC.
func Normalize(t time.Time) time.Time {
	return FromEpochMillis(t.UnixMilli())
}

// Key returns the storage key of the candle (epoch milliseconds of its open time).
func (c Candle) Key() int64 {
	return c.Time.UnixMilli()
}
