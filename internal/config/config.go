package config

import (
	"time"

	"github.com/Netflix/go-env"
	"github.com/estatemeter/prepay-core/pkg/logger"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

var config *Config

// Config holds every environment-sourced setting of the billing core. Only
// this struct may be used to read configuration; no direct env access
// elsewhere.
type Config struct {
	AppEnv  string `env:"APP_ENV" default:"dev"`
	AppName string `env:"APP_NAME" default:"prepay_core"`
	AppPort string `env:"HTTP_LISTEN_ADDR" default:":8080"`

	PostgresReadHost     string `env:"POSTGRES_READ_HOST"`
	PostgresReadPort     string `env:"POSTGRES_READ_PORT"`
	PostgresReadUser     string `env:"POSTGRES_READ_USER"`
	PostgresReadPassword string `env:"POSTGRES_READ_PASSWORD"`
	PostgresReadDatabase string `env:"POSTGRES_READ_DBNAME"`

	PostgresWriteHost     string `env:"POSTGRES_WRITE_HOST"`
	PostgresWritePort     string `env:"POSTGRES_WRITE_PORT"`
	PostgresWriteUser     string `env:"POSTGRES_WRITE_USER"`
	PostgresWritePassword string `env:"POSTGRES_WRITE_PASSWORD"`
	PostgresWriteDatabase string `env:"POSTGRES_WRITE_DBNAME"`

	RedisAddr               string `env:"REDIS_ADDR"`
	RedisUsername           string `env:"REDIS_USER"`
	RedisPassword           string `env:"REDIS_PASS"`
	RedisDatabase           int    `env:"REDIS_DATABASE"`
	RedisUniversalKeyPrefix string `env:"REDIS_UNIVERSAL_KEY_PREFIX"`

	PromNamespace string `env:"PROM_NAMESPACE" default:"prepay"`

	// Payment gateway (PayFast-compatible).
	MerchantID    string `env:"PAYFAST_MERCHANT_ID"`
	MerchantKey   string `env:"PAYFAST_MERCHANT_KEY"`
	Passphrase    string `env:"PAYFAST_PASSPHRASE"`
	SandboxMode   bool   `env:"PAYFAST_SANDBOX" default:"true"`
	ProcessURL    string `env:"PAYFAST_PROCESS_URL" default:"https://sandbox.payfast.co.za/eng/process"`
	ValidateURL   string `env:"PAYFAST_VALIDATE_URL" default:"https://sandbox.payfast.co.za/eng/query/validate"`
	NotifyBaseURL string `env:"NOTIFY_BASE_URL"`

	// LoRa network server that queues relay downlinks.
	DeviceServerURL    string `env:"DEVICE_SERVER_URL"`
	DeviceServerAPIKey string `env:"DEVICE_SERVER_API_KEY"`

	// Billing policy.
	AlertCooldownHours   int     `env:"ALERT_COOLDOWN_HOURS" default:"24"`
	LowBalanceDefault    float64 `env:"LOW_BALANCE_DEFAULT" default:"50.00"`
	CreditLimit          float64 `env:"CREDIT_LIMIT" default:"0"`
	TopUpMin             float64 `env:"TOPUP_MIN" default:"10"`
	TopUpMax             float64 `env:"TOPUP_MAX" default:"50000"`
	TopUpExpiryHours     int     `env:"TOPUP_EXPIRY_HOURS" default:"1"`
	ReconcileWindowHours int     `env:"RECONCILE_WINDOW_HOURS" default:"48"`
	ZeroBalanceSweepAt   string  `env:"ZERO_BALANCE_SWEEP_AT" default:"06:00"`
	ReconnectMinimum     float64 `env:"ELECTRICITY_MINIMUM_ACTIVATION" default:"20.00"`
	TimeZone             string  `env:"TIME_ZONE" default:"Africa/Johannesburg"`

	QueueReadingsName      string        `env:"QUEUE_READINGS_NAME" default:"billing:readings"`
	QueueWalletEventsName  string        `env:"QUEUE_WALLET_EVENTS_NAME" default:"billing:wallet-events"`
	QueueNotificationsName string        `env:"QUEUE_NOTIFICATIONS_NAME" default:"billing:notifications"`
	QueueConsumerGroup     string        `env:"QUEUE_CONSUMER_GROUP" default:"billing-core"`
	QueueConsumerName      string        `env:"QUEUE_CONSUMER_NAME" default:"billing-consumer"`
	QueueMaxRetries        int           `env:"QUEUE_MAX_RETRIES" default:"3"`
	QueueVisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT" default:"30s"`
	QueuePollInterval      time.Duration `env:"QUEUE_POLL_INTERVAL" default:"1s"`
	QueueBatchSize         int64         `env:"QUEUE_BATCH_SIZE" default:"10"`
	QueueMaxLen            int64         `env:"QUEUE_MAX_LEN" default:"100000"`
	QueueEnableDLQ         bool          `env:"QUEUE_ENABLE_DLQ" default:"true"`
}

func Load(path string) error {
	logger.Info("loading configs..", "path", path)
	c := &Config{}
	var err error
	if path != "" {
		err = godotenv.Load(path)
		if err != nil {
			return errors.Wrap(err, "failed to load configuration file "+path)
		}
	}

	if _, err = env.UnmarshalFromEnviron(c); err != nil {
		return errors.Wrap(err, "failed to map env variables to Config")
	}

	config = c
	return nil
}

func Get() *Config {
	if config == nil {
		logger.Panic("config is not initialized")
	}
	return config
}

// Set replaces the global config; test setup only.
func Set(c *Config) {
	config = c
}

func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		logger.Warn("invalid TIME_ZONE, falling back to UTC", "tz", c.TimeZone)
		return time.UTC
	}
	return loc
}
