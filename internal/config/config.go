// README: Config loader; every setting comes from the environment with a default where one makes sense.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/shopspring/decimal"

	"farmdrop/internal/modules/ledger"
)

type HTTPConfig struct {
	Addr            string        `env:"FARMDROP_HTTP_ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"FARMDROP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// DBConfig selects the Postgres stores; an empty DSN runs on in-memory stores.
type DBConfig struct {
	DSN string `env:"FARMDROP_DB_DSN"`
}

// RedisConfig selects distributed locks; an empty address uses in-process locks.
type RedisConfig struct {
	Addr     string        `env:"FARMDROP_REDIS_ADDR"`
	LockTTL  time.Duration `env:"FARMDROP_LOCK_TTL" envDefault:"15s"`
	LockWait time.Duration `env:"FARMDROP_LOCK_WAIT" envDefault:"3s"`
}

// KafkaConfig selects the event publisher; no brokers means events are only logged.
type KafkaConfig struct {
	Brokers      []string `env:"FARMDROP_KAFKA_BROKERS" envSeparator:","`
	PayoutTopic  string   `env:"FARMDROP_KAFKA_PAYOUT_TOPIC" envDefault:"payout-pending"`
	RefundTopic  string   `env:"FARMDROP_KAFKA_REFUND_TOPIC" envDefault:"refund-requested"`
	CreateTopics bool     `env:"FARMDROP_KAFKA_CREATE_TOPICS" envDefault:"false"`
}

type FirebaseConfig struct {
	ProjectID       string `env:"FARMDROP_FIREBASE_PROJECT_ID"`
	CredentialsFile string `env:"FARMDROP_FIREBASE_CREDENTIALS_FILE"`
}

// LedgerConfig overrides the marketplace rates.
type LedgerConfig struct {
	FarmerShare     decimal.Decimal `env:"FARMDROP_FARMER_SHARE" envDefault:"0.88"`
	LeadFarmerShare decimal.Decimal `env:"FARMDROP_LEAD_FARMER_SHARE" envDefault:"0.02"`
	PlatformFee     decimal.Decimal `env:"FARMDROP_PLATFORM_FEE" envDefault:"0.10"`
	DeliveryFee     decimal.Decimal `env:"FARMDROP_DELIVERY_FEE" envDefault:"7.50"`
	Currency        string          `env:"FARMDROP_CURRENCY" envDefault:"USD"`
}

func (l LedgerConfig) Rates() ledger.Rates {
	return ledger.Rates{
		FarmerShare:     l.FarmerShare,
		LeadFarmerShare: l.LeadFarmerShare,
		PlatformFee:     l.PlatformFee,
		DeliveryFee:     l.DeliveryFee,
		Currency:        l.Currency,
	}
}

type LogConfig struct {
	Level  string `env:"FARMDROP_LOG_LEVEL" envDefault:"info"`
	Format string `env:"FARMDROP_LOG_FORMAT" envDefault:"json"`
}

type Config struct {
	Env      string `env:"FARMDROP_ENV" envDefault:"development"`
	HTTP     HTTPConfig
	DB       DBConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Firebase FirebaseConfig
	Ledger   LedgerConfig
	Log      LogConfig
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Ledger.Rates().Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
