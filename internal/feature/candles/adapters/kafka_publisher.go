package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"candle_sync/internal/feature/candles/domain/entity"
	"candle_sync/internal/feature/candles/usecase"
)

// KafkaConfig はローソク足の配信先設定です。Brokers が空の場合、配信は無効になります。
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic" default:"candles"`
	WriteTimeout time.Duration `yaml:"write_timeout" default:"5s"`
}

// Enabled reports whether at least one broker is configured.
func (c KafkaConfig) Enabled() bool { return len(c.Brokers) > 0 }

// MessageWriter は kafka.Writer のうち配信に必要なメソッドだけを表します。
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// CandleMessage は配信されるメッセージ本文です。
type CandleMessage struct {
	Table     string          `json:"table"`
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe"`
	OpenTime  int64           `json:"open_time"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

type streamInfo struct {
	symbol string
	tf     entity.Timeframe
}

// KafkaPublisher は新しく保存されたローソク足を Kafka に配信します。
// メッセージキーはシンボルなので、同じシンボルのローソク足は同じパーティションに順序通り届きます。
type KafkaPublisher struct {
	writer  MessageWriter
	timeout time.Duration

	mu      sync.RWMutex
	streams map[string]streamInfo
}

var _ usecase.CandlePublisher = (*KafkaPublisher)(nil)

// NewKafkaWriter は設定から kafka.Writer を生成します。
func NewKafkaWriter(cfg KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Zstd,
	}
}

// NewKafkaPublisher は writer を使う KafkaPublisher を作成します。
func NewKafkaPublisher(writer MessageWriter, timeout time.Duration) *KafkaPublisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &KafkaPublisher{writer: writer, timeout: timeout, streams: make(map[string]streamInfo)}
}

// Register はテーブルに対応するシンボルと時間足を登録します。
// 未登録のテーブルはテーブル名をキーとして配信します。
func (p *KafkaPublisher) Register(table, symbol string, tf entity.Timeframe) *KafkaPublisher {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streams[table] = streamInfo{symbol: symbol, tf: tf}
	return p
}

// PublishCandles は candles を1回の書き込みでまとめて配信します。
func (p *KafkaPublisher) PublishCandles(ctx context.Context, table string, candles []entity.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	p.mu.RLock()
	info, ok := p.streams[table]
	p.mu.RUnlock()
	if !ok {
		info = streamInfo{symbol: table}
	}

	msgs := make([]kafka.Message, 0, len(candles))
	for _, c := range candles {
		body, err := json.Marshal(CandleMessage{
			Table:     table,
			Symbol:    info.symbol,
			Timeframe: info.tf.String(),
			OpenTime:  c.Key(),
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
		})
		if err != nil {
			return fmt.Errorf("marshal candle: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(info.symbol),
			Value: body,
			Time:  c.Time,
		})
	}

	writeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.writer.WriteMessages(writeCtx, msgs...); err != nil {
		return fmt.Errorf("kafka write failed: %w", err)
	}
	return nil
}

// Close は writer を閉じ、未送信のメッセージをフラッシュします。
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
