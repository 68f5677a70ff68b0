// Package http は外部API呼び出し用のHTTPクライアントを提供します。
package http

import (
	"net"
	"net/http"
	"time"
)

// UserAgent は取引所へのリクエストに付与する User-Agent です。
const UserAgent = "candle_sync/1.0"

// ClientConfig はHTTPクライアントの接続設定です。
type ClientConfig struct {
	// Timeout はリクエスト全体のタイムアウトです。
	Timeout time.Duration
	// MaxConnsPerHost は取引所ホストへの同時接続数の上限です（0 は無制限）。
	MaxConnsPerHost int
}

// NewHTTPClient は単一の取引所ホストに繰り返しアクセスする用途のHTTPクライアントを作成します。
//
// 全パイプラインが同じホストを叩くため、アイドル接続はホスト単位で保持します。
// http.DefaultClient にはタイムアウトがないため使用しないこと。
func NewHTTPClient(cfg ClientConfig) *http.Client {
	idle := cfg.MaxConnsPerHost
	if idle <= 0 {
		idle = 16
	}
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          idle,
		MaxIdleConnsPerHost:   idle,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
	}
	return &http.Client{Timeout: cfg.Timeout, Transport: &headerTransport{next: t}}
}

// headerTransport は全リクエストに共通ヘッダーを付与します。
type headerTransport struct {
	next http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" && req.Header.Get("Accept") != "" {
		return t.next.RoundTrip(req)
	}
	// RoundTripper は受け取ったリクエストを変更してはならない
	r := req.Clone(req.Context())
	if r.Header.Get("User-Agent") == "" {
		r.Header.Set("User-Agent", UserAgent)
	}
	if r.Header.Get("Accept") == "" {
		r.Header.Set("Accept", "application/json")
	}
	return t.next.RoundTrip(r)
}
