// Package dto defines data transfer objects for the Binance REST API responses.
package dto

import "encoding/json"

// ServerTimeResponse represents the JSON response from GET /api/v3/time.
type ServerTimeResponse struct {
	ServerTime int64 `json:"serverTime"`
}

// ErrorResponse is the body Binance returns with 4xx/5xx statuses.
type ErrorResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Kline is one row of GET /api/v3/klines:
//
//	[0] open time (ms) [1] open [2] high [3] low [4] close [5] volume [6] close time (ms) ...
type Kline []json.RawMessage
