// Package dto はcandlesフィーチャーのHTTPレスポンスDTOを定義します。
package dto

import "github.com/shopspring/decimal"

// CandleResponse はロウソク足データのレスポンスDTOです。価格は精度を保つため文字列で返します。
type CandleResponse struct {
	Time     string          `json:"time"`      // 始値時刻（RFC3339, UTC）
	OpenTime int64           `json:"open_time"` // 始値時刻（エポックミリ秒）
	Open     decimal.Decimal `json:"open"`      // 始値
	High     decimal.Decimal `json:"high"`      // 高値
	Low      decimal.Decimal `json:"low"`       // 安値
	Close    decimal.Decimal `json:"close"`     // 終値
	Volume   decimal.Decimal `json:"volume"`    // 出来高
}

// GapResponse は記録済みの欠損区間です。
type GapResponse struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	From      string `json:"from"`
	To        string `json:"to"`
	Missing   int    `json:"missing"`
	Reason    string `json:"reason"`
	CreatedAt string `json:"created_at"`
}

// ErrorResponse はエラー時のレスポンスです。
type ErrorResponse struct {
	Error string `json:"error"`
}
