package entity

import "time"

// Gap is a run of consecutive interval slots for which no candle was received.
// From is the open time of the first missing candle, To the open time of the last one.
type Gap struct {
	From    time.Time
	To      time.Time
	Missing int
}

// GapReason explains why a gap was recorded.
type GapReason string

const (
	// GapReasonExchange means the exchange response skipped one or more intervals.
	GapReasonExchange GapReason = "exchange_missing"
	// GapReasonUnpublished means the candle was still absent after the close margin and all retries.
	GapReasonUnpublished GapReason = "not_published"
	// GapReasonFetchFailed means the fetch kept failing until the retry budget ran out.
	GapReasonFetchFailed GapReason = "fetch_failed"
)

// GapRecord is a persisted gap for one stored table.
type GapRecord struct {
	Table     string
	Symbol    string
	Timeframe Timeframe
	Gap       Gap
	Reason    GapReason
	CreatedAt time.Time
}
