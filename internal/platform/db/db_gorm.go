// Package db はデータベース接続（PostgreSQL / SQLite）を提供します。
package db

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// retryInterval は接続失敗時の再試行間隔です。
var retryInterval = 3 * time.Second

// Config はデータベース接続設定を保持します。
type Config struct {
	Driver         string        `yaml:"driver" default:"postgres" validate:"oneof=postgres sqlite"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	Name           string        `yaml:"name"`
	Host           string        `yaml:"host" default:"localhost"`
	Port           string        `yaml:"port" default:"5432"`
	SSLMode        string        `yaml:"sslmode" default:"disable"`
	InstanceName   string        `yaml:"instance_connection_name"` // Cloud SQL（Unixソケット）
	Path           string        `yaml:"path"`                     // SQLite のファイルパス
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"60s"`
}

// ApplyEnv は設定されている環境変数で接続設定を上書きします。
func (c *Config) ApplyEnv() {
	for key, dst := range map[string]*string{
		"DB_USER":                  &c.User,
		"DB_PASSWORD":              &c.Password,
		"DB_NAME":                  &c.Name,
		"DB_HOST":                  &c.Host,
		"DB_PORT":                  &c.Port,
		"DB_SSLMODE":               &c.SSLMode,
		"INSTANCE_CONNECTION_NAME": &c.InstanceName,
	} {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
}

// BuildDSN は設定から PostgreSQL のDSN文字列を生成します。
// InstanceName が設定されている場合は Cloud SQL の Unix ソケットを優先します。
func BuildDSN(cfg Config) string {
	host, port := cfg.Host, cfg.Port
	if cfg.InstanceName != "" {
		host, port = "/cloudsql/"+cfg.InstanceName, ""
	}
	sslmode := cfg.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}

	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s", host, cfg.User, cfg.Password, cfg.Name)
	if port != "" {
		dsn += " port=" + port
	}
	return dsn + " sslmode=" + sslmode + " TimeZone=UTC"
}

// ConnectWithRetry は opener が成功するか timeout を超えるまで接続を再試行します。
func ConnectWithRetry(dsn string, timeout time.Duration, opener func(string) (*gorm.DB, error)) (*gorm.DB, error) {
	deadline := time.Now().Add(timeout)
	for {
		db, err := opener(dsn)
		if err == nil {
			return db, nil
		}
		if time.Now().Add(retryInterval).After(deadline) {
			return nil, fmt.Errorf("db connect failed after %s: %w", timeout, err)
		}
		slog.Warn("DB connect failed, retrying", "error", err, "retry_in", retryInterval)
		time.Sleep(retryInterval)
	}
}

// OpenDB は設定に応じたドライバでデータベースに接続します。
func OpenDB(cfg Config) (*gorm.DB, error) {
	gcfg := &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	switch cfg.Driver {
	case DriverSQLite:
		path := cfg.Path
		if path == "" {
			path = "candles.db"
		}
		return gorm.Open(sqlite.Open(path), gcfg)
	case DriverPostgres, "":
		timeout := cfg.ConnectTimeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		db, err := ConnectWithRetry(BuildDSN(cfg), timeout, func(dsn string) (*gorm.DB, error) {
			return gorm.Open(postgres.Open(dsn), gcfg)
		})
		if err != nil {
			return nil, err
		}
		slog.Info("DB connection successful", "host", cfg.Host, "name", cfg.Name)
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported db driver %q", cfg.Driver)
	}
}

// Close は gorm が保持する接続プールを閉じます。
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	return sqlDB.Close()
}
