// Package dto defines data transfer objects for the streams HTTP API.
package dto

// StreamItem represents a stream in the API response.
type StreamItem struct {
	Table     string `json:"table"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
}
