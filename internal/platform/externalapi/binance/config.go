// Package binance はBinance現物マーケットデータAPIのクライアントを提供します。
package binance

import (
	"os"
	"time"
)

// DefaultBaseURL はBinance現物APIのベースURLです。
const DefaultBaseURL = "https://api.binance.com"

// Config はBinance APIクライアントの設定を保持します。
type Config struct {
	// APIKey は X-MBX-APIKEY ヘッダーに設定されます（任意）。
	APIKey string `yaml:"api_key"`
	// SecretKey は署名付きエンドポイント用です。マーケットデータ取得では使用しません。
	SecretKey string        `yaml:"secret_key"`
	BaseURL   string        `yaml:"base_url" default:"https://api.binance.com" validate:"url"`
	Timeout   time.Duration `yaml:"timeout" default:"10s"`
	// RateLimit は1秒あたりのリクエスト上限です（全パイプライン共有）。
	RateLimit int `yaml:"rate_limit" default:"10" validate:"gt=0"`
}

// ApplyEnv は EXCHANGE_* 環境変数が設定されている項目を上書きします。
func (c *Config) ApplyEnv() {
	if v := os.Getenv("EXCHANGE_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("EXCHANGE_SECRET_KEY"); v != "" {
		c.SecretKey = v
	}
	if v := os.Getenv("EXCHANGE_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
}
