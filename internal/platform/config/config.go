// Package config はYAML設定ファイルと環境変数から実行時設定を読み込みます。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"candle_sync/internal/feature/candles/adapters"
	"candle_sync/internal/feature/candles/domain"
	"candle_sync/internal/feature/candles/domain/entity"
	"candle_sync/internal/feature/candles/usecase"
	"candle_sync/internal/platform/db"
	"candle_sync/internal/platform/externalapi/binance"
	"candle_sync/internal/platform/logger"
	"candle_sync/internal/platform/redis"
)

// EnvKeyConfigPath は設定ファイルのパスを指定する環境変数です。
const EnvKeyConfigPath = "CANDLE_SYNC_CONFIG"

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{2,20}$`)

var validate = validator.New()

// Config はアプリケーション全体の設定です。
type Config struct {
	Log       logger.Config        `yaml:"log"`
	Exchange  binance.Config       `yaml:"exchange"`
	Database  db.Config            `yaml:"database"`
	Redis     redis.Config         `yaml:"redis"`
	Kafka     adapters.KafkaConfig `yaml:"kafka"`
	Server    ServerConfig         `yaml:"server"`
	Sync      SyncConfig           `yaml:"sync"`
	Pipelines []PipelineConfig     `yaml:"pipelines" validate:"dive"`
}

// ServerConfig は参照APIサーバーの設定です。
type ServerConfig struct {
	Addr            string        `yaml:"addr" default:":8080"`
	JWTSecret       string        `yaml:"jwt_secret"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"10s"`
}

// SyncConfig はスケジューラと保存処理の共通設定です。
type SyncConfig struct {
	CloseMargin          time.Duration `yaml:"close_margin" default:"60s"`
	MaxFetchRetries      uint64        `yaml:"max_fetch_retries" default:"5"`
	MaxGapRetries        uint64        `yaml:"max_gap_retries" default:"5"`
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval" default:"2s"`
	RetryMaxInterval     time.Duration `yaml:"retry_max_interval" default:"1m"`
	DeliverTimeout       time.Duration `yaml:"deliver_timeout" default:"30s"`
	StoreRetries         uint64        `yaml:"store_retries" default:"3"`
	StoreRetryInterval   time.Duration `yaml:"store_retry_interval" default:"1s"`
	MetricsAddr          string        `yaml:"metrics_addr" default:":9090"`
}

// PipelineConfig は1つの同期パイプラインの設定です。Table が空の場合は "<symbol>_<timeframe>" になります。
// CloseMargin が0の場合は sync.close_margin を使用します。
type PipelineConfig struct {
	Symbol      string        `yaml:"symbol" validate:"required"`
	Timeframe   string        `yaml:"timeframe" validate:"required"`
	Table       string        `yaml:"table"`
	Periods     int           `yaml:"periods" default:"1000" validate:"gt=0"`
	FetchLimit  int           `yaml:"fetch_limit" default:"1000" validate:"gt=0,lte=1000"`
	CloseMargin time.Duration `yaml:"close_margin" validate:"gte=0"`
}

// Load は path のYAMLを読み込み、デフォルト値を補完して検証します。
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse はYAMLの内容から設定を構築します。
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.applyDefaults(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

// LoadWithEnv は .env を読み込んだ後に設定ファイルを読み込み、秘密情報を環境変数で上書きします。
func LoadWithEnv(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if path == "" {
		path = os.Getenv(EnvKeyConfigPath)
	}
	if path == "" {
		path = "config.yaml"
	}

	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	c.ApplyEnv()
	return c, nil
}

// ApplyEnv は環境変数が設定されている項目を上書きします。
func (c *Config) ApplyEnv() {
	override := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	c.Exchange.ApplyEnv()
	c.Database.ApplyEnv()
	override(&c.Redis.Addr, "REDIS_ADDR")
	override(&c.Redis.Password, "REDIS_PASSWORD")
	override(&c.Server.JWTSecret, "JWT_SECRET")
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
}

func (c *Config) applyDefaults() error {
	if err := defaults.Set(c); err != nil {
		return fmt.Errorf("apply defaults: %w", err)
	}
	for i := range c.Pipelines {
		if err := defaults.Set(&c.Pipelines[i]); err != nil {
			return fmt.Errorf("apply defaults to pipeline %d: %w", i, err)
		}
	}
	return nil
}

// Validate は構造体タグに基づいて設定を検証します。
func (c *Config) Validate() error {
	return validate.Struct(c)
}

// SchedulerConfig は usecase 層のスケジューラ設定に変換します。
func (s SyncConfig) SchedulerConfig() usecase.SchedulerConfig {
	return usecase.SchedulerConfig{
		CloseMargin:          s.CloseMargin,
		MaxFetchRetries:      s.MaxFetchRetries,
		MaxGapRetries:        s.MaxGapRetries,
		RetryInitialInterval: s.RetryInitialInterval,
		RetryMaxInterval:     s.RetryMaxInterval,
		DeliverTimeout:       s.DeliverTimeout,
	}
}

// BuildPipelines は設定を検証済みのパイプラインに変換します。
// 銘柄・時間足・テーブル名が不正な場合や、close_margin が時間足以上の場合は ConfigError を返します。
func (c *Config) BuildPipelines() ([]usecase.Pipeline, error) {
	if len(c.Pipelines) == 0 {
		return nil, &domain.ConfigError{Field: "pipelines", Reason: "at least one pipeline is required"}
	}

	seen := make(map[string]struct{}, len(c.Pipelines))
	out := make([]usecase.Pipeline, 0, len(c.Pipelines))
	for _, pc := range c.Pipelines {
		symbol := strings.ToUpper(strings.TrimSpace(pc.Symbol))
		if !symbolPattern.MatchString(symbol) {
			return nil, &domain.ConfigError{Field: "symbol", Value: pc.Symbol, Reason: "must match " + symbolPattern.String()}
		}
		tf, err := entity.ParseTimeframe(pc.Timeframe)
		if err != nil {
			return nil, &domain.ConfigError{Field: "timeframe", Value: pc.Timeframe, Reason: err.Error()}
		}
		table := pc.Table
		if table == "" {
			table = strings.ToLower(symbol) + "_" + tf.String()
		}
		if err := adapters.ValidateTableName(table); err != nil {
			return nil, err
		}
		// 同じテーブルへの書き込みは1パイプラインに限る
		if _, dup := seen[table]; dup {
			return nil, &domain.ConfigError{Field: "table", Value: table, Reason: "used by more than one pipeline"}
		}
		seen[table] = struct{}{}

		sc := c.Sync.SchedulerConfig()
		if pc.CloseMargin > 0 {
			sc.CloseMargin = pc.CloseMargin
		}
		// 確定後の待機が次の境界を越えると、その間のローソク足を取りこぼす
		if sc.CloseMargin >= tf.Duration() {
			return nil, &domain.ConfigError{
				Field:  "close_margin",
				Value:  sc.CloseMargin.String(),
				Reason: "must be shorter than the " + tf.String() + " interval of " + table,
			}
		}

		out = append(out, usecase.Pipeline{
			Symbol:     symbol,
			Timeframe:  tf,
			Table:      table,
			Periods:    pc.Periods,
			FetchLimit: pc.FetchLimit,
			Scheduler:  sc,
		})
	}
	return out, nil
}
