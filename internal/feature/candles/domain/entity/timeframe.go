package entity

import (
	"errors"
	"fmt"
	"time"
)

// Timeframe is the fixed duration one candle spans, in exchange notation ("1m", "1h", "1d", ...).
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF3m  Timeframe = "3m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF2h  Timeframe = "2h"
	TF4h  Timeframe = "4h"
	TF6h  Timeframe = "6h"
	TF8h  Timeframe = "8h"
	TF12h Timeframe = "12h"
	TF1d  Timeframe = "1d"
	TF1w  Timeframe = "1w"
)

var timeframeDurations = map[Timeframe]time.Duration{
	TF1m:  time.Minute,
	TF3m:  3 * time.Minute,
	TF5m:  5 * time.Minute,
	TF15m: 15 * time.Minute,
	TF30m: 30 * time.Minute,
	TF1h:  time.Hour,
	TF2h:  2 * time.Hour,
	TF4h:  4 * time.Hour,
	TF6h:  6 * time.Hour,
	TF8h:  8 * time.Hour,
	TF12h: 12 * time.Hour,
	TF1d:  24 * time.Hour,
	TF1w:  7 * 24 * time.Hour,
}

// weekAnchor is the first Monday 00:00 UTC after the Unix epoch (a Thursday).
// Weekly candles open on Mondays.
var weekAnchor = time.Date(1970, 1, 5, 0, 0, 0, 0, time.UTC).UnixMilli()

// ErrUnknownTimeframe is returned by ParseTimeframe for unsupported values.
var ErrUnknownTimeframe = errors.New("unknown timeframe")

// ParseTimeframe validates s and returns it as a Timeframe.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if !tf.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTimeframe, s)
	}
	return tf, nil
}

// IsValid reports whether tf is a supported timeframe.
func (tf Timeframe) IsValid() bool {
	_, ok := timeframeDurations[tf]
	return ok
}

// Duration returns the length of one interval. It returns 0 for unknown timeframes.
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

// Milliseconds returns the interval quantum in milliseconds.
func (tf Timeframe) Milliseconds() int64 {
	return tf.Duration().Milliseconds()
}

func (tf Timeframe) String() string {
	return string(tf)
}

// Truncate returns the largest interval boundary <= t.
// Boundaries are multiples of the quantum counted from the Unix epoch (from Monday
// 1970-01-05 for 1w), so the result never depends on the local time zone.
func (tf Timeframe) Truncate(t time.Time) time.Time {
	q := tf.Milliseconds()
	if q <= 0 {
		return Normalize(t)
	}
	ms := t.UnixMilli()
	return FromEpochMillis(ms - floorMod(ms-tf.anchor(), q))
}

func (tf Timeframe) anchor() int64 {
	if tf == TF1w {
		return weekAnchor
	}
	return 0
}

// NextBoundary returns the smallest interval boundary strictly after t.
func (tf Timeframe) NextBoundary(t time.Time) time.Time {
	return tf.Truncate(t).Add(tf.Duration())
}

func floorMod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

// SyncWindow is the half-open backfill interval [Start, End).
type SyncWindow struct {
	Start time.Time
	End   time.Time
}

// NewSyncWindow returns the window ending at end and spanning periods intervals of tf.
func NewSyncWindow(end time.Time, periods int, tf Timeframe) SyncWindow {
	end = Normalize(end)
	return SyncWindow{
		Start: end.Add(-time.Duration(periods) * tf.Duration()),
		End:   end,
	}
}

// Contains reports whether t lies within [Start, End).
func (w SyncWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Slots returns the number of whole intervals of tf covered by the window.
func (w SyncWindow) Slots(tf Timeframe) int {
	d := tf.Duration()
	if d <= 0 {
		return 0
	}
	return int(w.End.Sub(w.Start) / d)
}
