package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"candle_sync/internal/feature/candles/domain"
	"candle_sync/internal/feature/candles/domain/entity"
	"candle_sync/internal/feature/candles/usecase"
	"candle_sync/internal/platform/externalapi/binance/dto"
	"candle_sync/internal/shared/ratelimiter"
)

const (
	timePath   = "/api/v3/time"
	klinesPath = "/api/v3/klines"
	// MaxLimit は klines エンドポイントの1リクエストあたりの上限です。
	MaxLimit = 1000

	codeInvalidInterval = -1120
	codeInvalidSymbol   = -1121
)

var (
	// ErrUnauthorized は APIキーが拒否された場合（401/403）に FetchError に包まれて返されます。
	ErrUnauthorized = errors.New("binance: unauthorized")
	// ErrRateLimited はレート制限（429/418）に達した場合に FetchError に包まれて返されます。
	ErrRateLimited = errors.New("binance: rate limited")
)

// BinanceMarket はBinance REST APIからローソク足を取得する MarketDataClient 実装です。
type BinanceMarket struct {
	cfg     Config
	client  *http.Client
	limiter ratelimiter.RateLimiterInterface
}

// BinanceMarketがMarketDataClientを実装していることをコンパイル時に検証します。
var _ usecase.MarketDataClient = (*BinanceMarket)(nil)

// NewBinanceMarket は新しい BinanceMarket を生成します。limiter が nil の場合は待機しません。
func NewBinanceMarket(cfg Config, client *http.Client, limiter ratelimiter.RateLimiterInterface) *BinanceMarket {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	return &BinanceMarket{cfg: cfg, client: client, limiter: limiter}
}

// ServerTime は取引所のサーバー時刻を返します。
func (b *BinanceMarket) ServerTime(ctx context.Context, symbol string) (time.Time, error) {
	var body dto.ServerTimeResponse
	if err := b.get(ctx, "server_time", symbol, timePath, nil, &body); err != nil {
		return time.Time{}, err
	}
	if body.ServerTime <= 0 {
		return time.Time{}, &domain.FetchError{Op: "server_time", Symbol: symbol, Err: errors.New("missing serverTime")}
	}
	return entity.FromEpochMillis(body.ServerTime), nil
}

// FetchOHLCV は since 以降に始まるローソク足を最大 limit 件、昇順で返します。
// 最後の1本は未確定の場合があります。
func (b *BinanceMarket) FetchOHLCV(ctx context.Context, symbol string, tf entity.Timeframe, since time.Time, limit int) ([]entity.Candle, error) {
	if !tf.IsValid() {
		return nil, &domain.ConfigError{Field: "timeframe", Value: string(tf), Reason: "unsupported timeframe"}
	}
	if limit <= 0 || limit > MaxLimit {
		limit = MaxLimit
	}

	q := url.Values{}
	// クエリパラメータを追加
	q.Set("symbol", symbol)
	q.Set("interval", tf.String())
	q.Set("limit", strconv.Itoa(limit))
	if !since.IsZero() {
		q.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	}

	var rows []dto.Kline
	if err := b.get(ctx, "ohlcv", symbol, klinesPath, q, &rows); err != nil {
		return nil, err
	}

	candles, err := parseKlines(rows)
	if err != nil {
		return nil, &domain.FetchError{Op: "ohlcv", Symbol: symbol, Err: err}
	}
	return candles, nil
}

// get はレートリミットを待ってから GET リクエストを送り、JSONレスポンスを out にデコードします。
func (b *BinanceMarket) get(ctx context.Context, op, symbol, path string, q url.Values, out any) error {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	u := b.cfg.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	// リクエストオブジェクトを作成
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &domain.FetchError{Op: op, Symbol: symbol, Err: err}
	}
	if b.cfg.APIKey != "" {
		req.Header.Set("X-MBX-APIKEY", b.cfg.APIKey)
	}

	// リクエストを実行
	res, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &domain.FetchError{Op: op, Symbol: symbol, Err: err}
	}
	defer func() {
		if err := res.Body.Close(); err != nil {
			slog.Warn("failed to close response body", "error", err)
		}
	}()

	if res.StatusCode >= 400 {
		return statusError(op, symbol, q, res)
	}

	// JSONレスポンスをDTOにデコード
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return &domain.FetchError{Op: op, Symbol: symbol, Status: res.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// statusError は HTTP エラーをドメインエラーに変換します。
func statusError(op, symbol string, q url.Values, res *http.Response) error {
	var apiErr dto.ErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	_ = json.Unmarshal(raw, &apiErr)

	switch res.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &domain.FetchError{Op: op, Symbol: symbol, Status: res.StatusCode, Err: ErrUnauthorized}
	case http.StatusTooManyRequests, http.StatusTeapot:
		err := ErrRateLimited
		if ra := res.Header.Get("Retry-After"); ra != "" {
			err = fmt.Errorf("%w (retry after %ss)", ErrRateLimited, ra)
		}
		return &domain.FetchError{Op: op, Symbol: symbol, Status: res.StatusCode, Err: err}
	case http.StatusBadRequest:
		switch apiErr.Code {
		case codeInvalidSymbol:
			return &domain.ConfigError{Field: "symbol", Value: symbol, Reason: apiErr.Msg}
		case codeInvalidInterval:
			return &domain.ConfigError{Field: "timeframe", Value: q.Get("interval"), Reason: apiErr.Msg}
		}
	}

	msg := apiErr.Msg
	if msg == "" {
		msg = http.StatusText(res.StatusCode)
	}
	return &domain.FetchError{Op: op, Symbol: symbol, Status: res.StatusCode, Err: fmt.Errorf("binance: %s", msg)}
}

// parseKlines は Binance の配列形式をドメインエンティティに変換します。
func parseKlines(rows []dto.Kline) ([]entity.Candle, error) {
	candles := make([]entity.Candle, 0, len(rows))
	for i, r := range rows {
		if len(r) < 6 {
			return nil, fmt.Errorf("kline[%d] has %d fields, want at least 6", i, len(r))
		}

		// 始値時刻をパース
		var openTime int64
		if err := json.Unmarshal(r[0], &openTime); err != nil {
			return nil, fmt.Errorf("kline[%d] open time: %w", i, err)
		}

		var prices [5]decimal.Decimal
		for j := range prices {
			var s string
			if err := json.Unmarshal(r[j+1], &s); err != nil {
				return nil, fmt.Errorf("kline[%d] field %d: %w", i, j+1, err)
			}
			d, err := decimal.NewFromString(s)
			if err != nil {
				return nil, fmt.Errorf("kline[%d] field %d %q: %w", i, j+1, s, err)
			}
			prices[j] = d
		}

		// ドメインエンティティに変換
		candles = append(candles, entity.Candle{
			Time:   entity.FromEpochMillis(openTime),
			Open:   prices[0],
			High:   prices[1],
			Low:    prices[2],
			Close:  prices[3],
			Volume: prices[4],
		})
	}
	return candles, nil
}
