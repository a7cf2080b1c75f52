// Package config は環境変数からサービスの設定を読み込む。
//
// カレントディレクトリに .env があれば先に読み込み、
// 既に設定されている環境変数は上書きしない。
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ストアの種類。
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

// プッシュ配信プロバイダの種類。
const (
	ProviderFCM      = "fcm"
	ProviderRelay    = "relay"
	ProviderAMQP     = "amqp"
	ProviderTelegram = "telegram"
	ProviderLog      = "log"
)

// Config はサービス全体の設定。
type Config struct {
	Port string `env:"PORT" envDefault:"4000"`

	StoreDriver   string `env:"STORE_DRIVER" envDefault:"sqlite"`
	SQLitePath    string `env:"SQLITE_PATH" envDefault:"ordernotify.db"`
	DatabaseURL   string `env:"DATABASE_URL"`
	MongoURI      string `env:"MONGO_URI"`
	MongoDatabase string `env:"MONGO_DATABASE" envDefault:"test"`
	// Mongoのコレクション名。既存アプリのデータに合わせる。
	MongoProfilesCollection string `env:"MONGO_PROFILES_COLLECTION" envDefault:"restuarentusers"`
	MongoOrdersCollection   string `env:"MONGO_ORDERS_COLLECTION" envDefault:"orders"`
	MongoArchiveCollection  string `env:"MONGO_ARCHIVE_COLLECTION" envDefault:"acceptedorders"`
	MongoStatusCollection   string `env:"MONGO_STATUS_COLLECTION" envDefault:"orderstatuses"`
	MongoJournalCollection  string `env:"MONGO_JOURNAL_COLLECTION" envDefault:"acceptjournal"`

	PushProvider            string `env:"PUSH_PROVIDER" envDefault:"fcm"`
	FirebaseCredentialsFile string `env:"FIREBASE_CREDENTIALS_FILE"`
	PushRelayURL            string `env:"PUSH_RELAY_URL"`
	PushRelayAPIKey         string `env:"PUSH_RELAY_API_KEY"`
	AMQPURL                 string `env:"AMQP_URL"`
	AMQPExchange            string `env:"AMQP_EXCHANGE" envDefault:"notifications"`
	AMQPRoutingKey          string `env:"AMQP_ROUTING_KEY" envDefault:"push.order"`
	TelegramToken           string `env:"TELEGRAM_TOKEN"`

	DispatchTimeout    time.Duration `env:"DISPATCH_TIMEOUT" envDefault:"10s"`
	FeedPollInterval   time.Duration `env:"FEED_POLL_INTERVAL" envDefault:"500ms"`
	EventRetention     time.Duration `env:"EVENT_RETENTION" envDefault:"24h"`
	ResubscribeBackoff time.Duration `env:"RESUBSCRIBE_BACKOFF" envDefault:"1s"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	JWTSecret          string        `env:"JWT_SECRET"`
	JWTTTL             time.Duration `env:"JWT_TTL" envDefault:"24h"`
	RequireAuth        bool          `env:"REQUIRE_AUTH" envDefault:"false"`
	CORSAllowedOrigins []string      `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
}

// Load は .env と環境変数から設定を読み込んで検証する。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf(".envの読み込みに失敗: %w", err)
	}
	return Parse()
}

// Parse は環境変数のみから設定を読み込んで検証する。
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("環境変数の解析に失敗: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate はストアとプロバイダごとの必須項目を検証する。
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreDriver {
	case DriverSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("STORE_DRIVER=sqlite には SQLITE_PATH が必要です"))
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("STORE_DRIVER=postgres には DATABASE_URL が必要です"))
		}
	case DriverMongo:
		if c.MongoURI == "" {
			errs = append(errs, errors.New("STORE_DRIVER=mongo には MONGO_URI が必要です"))
		}
	default:
		errs = append(errs, fmt.Errorf("不明な STORE_DRIVER: %q", c.StoreDriver))
	}

	switch c.PushProvider {
	case ProviderFCM, ProviderLog:
		// FCMの認証情報が無い場合は起動時にログ出力へ切り替える
	case ProviderRelay:
		if c.PushRelayURL == "" {
			errs = append(errs, errors.New("PUSH_PROVIDER=relay には PUSH_RELAY_URL が必要です"))
		}
	case ProviderAMQP:
		if c.AMQPURL == "" {
			errs = append(errs, errors.New("PUSH_PROVIDER=amqp には AMQP_URL が必要です"))
		}
	case ProviderTelegram:
		if c.TelegramToken == "" {
			errs = append(errs, errors.New("PUSH_PROVIDER=telegram には TELEGRAM_TOKEN が必要です"))
		}
	default:
		errs = append(errs, fmt.Errorf("不明な PUSH_PROVIDER: %q", c.PushProvider))
	}

	if c.RequireAuth && c.JWTSecret == "" {
		errs = append(errs, errors.New("REQUIRE_AUTH=true には JWT_SECRET が必要です"))
	}

	for name, d := range map[string]time.Duration{
		"DISPATCH_TIMEOUT":    c.DispatchTimeout,
		"FEED_POLL_INTERVAL":  c.FeedPollInterval,
		"EVENT_RETENTION":     c.EventRetention,
		"RESUBSCRIBE_BACKOFF": c.ResubscribeBackoff,
		"SHUTDOWN_TIMEOUT":    c.ShutdownTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s は正の値である必要があります: %s", name, d))
		}
	}

	return errors.Join(errs...)
}
