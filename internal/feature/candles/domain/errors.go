// Package domain defines domain-level errors for the candles feature.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// FetchError indicates that the market data source could not be reached or refused the request
// (network, auth, rate-limit). It is retryable with backoff.
type FetchError struct {
	Op     string // "server_time" or "ohlcv"
	Symbol string
	Status int // HTTP status when known, 0 otherwise
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s %s: http %d: %v", e.Op, e.Symbol, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s %s: %v", e.Op, e.Symbol, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// DataGapError indicates that the candle expected after the close margin was not published.
type DataGapError struct {
	Symbol    string
	Timeframe string
	Expected  time.Time // open time of the missing candle
}

func (e *DataGapError) Error() string {
	return fmt.Sprintf("candle %s %s at %s not available", e.Symbol, e.Timeframe, e.Expected.Format(time.RFC3339))
}

// StoreError indicates a transaction or connection failure in the candle store.
// The whole batch has been rolled back, so retrying it is safe.
type StoreError struct {
	Op    string
	Table string
	Code  string // SQLSTATE when the driver reports one
	Err   error
}

func (e *StoreError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("store %s %s (sqlstate %s): %v", e.Op, e.Table, e.Code, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Table, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ConfigError indicates an invalid symbol, timeframe, table name or other setting.
// It is fatal for the affected pipeline and never retried.
type ConfigError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// IsRetryable reports whether err is a transient error that may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return false
	}
	var fetchErr *FetchError
	var gapErr *DataGapError
	var storeErr *StoreError
	return errors.As(err, &fetchErr) || errors.As(err, &gapErr) || errors.As(err, &storeErr)
}

// IsConfigError reports whether err is, or wraps, a ConfigError.
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}
