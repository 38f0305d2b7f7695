// Package config は環境変数からサービスの設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config は通知サービスの設定。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string `env:"PORT" envDefault:"8086"`
	// JWTSecret はJWT署名検証用の共有シークレット。
	JWTSecret string `env:"JWT_SECRET" envDefault:"dev-secret-key"`
	// EventStoreURL はEvent StoreサービスのベースURL。空の場合はイベントを送信しない。
	EventStoreURL string `env:"EVENTSTORE_URL"`
	// EventStoreToken はEvent Storeへのリクエストに付与するBearerトークン。
	EventStoreToken string `env:"EVENTSTORE_TOKEN"`
	// AllowedOrigins はCORSで許可するオリジンの一覧（カンマ区切り）。
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	// PollingWindow は「通知をポーリング中のコーチ」とみなす期間。
	PollingWindow time.Duration `env:"NOTIFICATIONS_POLLING_WINDOW" envDefault:"60s"`
	// Database はデータベース接続の設定。
	Database Database `envPrefix:"DATABASE_"`
}

// Database はdefaultデータベースの接続設定。
type Database struct {
	// Engine はdefaultデータベースのエンジン（sqlite, postgres, mysql）。
	Engine string `env:"ENGINE" envDefault:"sqlite"`
	// DataDir はSQLiteファイルを配置するディレクトリ。
	DataDir string `env:"DATA_DIR" envDefault:"/data"`
	// Host はサーバー型データベースのホスト名。
	Host string `env:"HOST" envDefault:"localhost"`
	// Port はサーバー型データベースのポート番号。0の場合はエンジンの既定値を使う。
	Port int `env:"PORT"`
	// Name はデータベース名。
	Name string `env:"NAME" envDefault:"learnnotify"`
	// User は接続ユーザー名。
	User string `env:"USER"`
	// Password は接続パスワード。
	Password string `env:"PASSWORD"`
	// SSLMode はPostgreSQLのsslmode。
	SSLMode string `env:"SSLMODE" envDefault:"disable"`
	// MaxOpenConns は最大接続数。
	MaxOpenConns int `env:"MAX_OPEN_CONNS" envDefault:"10"`
	// MaxIdleConns はアイドル接続の最大数。
	MaxIdleConns int `env:"MAX_IDLE_CONNS" envDefault:"5"`
	// ConnMaxLifetime は接続の最大寿命。
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME" envDefault:"3m"`
}

// ParseEnv は環境変数を任意の構造体に読み込む。
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("環境変数の解析に失敗: %w", err)
	}
	return nil
}

// Load は環境変数から通知サービスの設定を読み込む。
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDotEnv は.envファイルの内容を環境変数に読み込む。
// 既に設定されている環境変数は上書きしない。ファイルが存在しない場合は何もしない。
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%s の読み込みに失敗: %w", path, err)
	}
	return nil
}
