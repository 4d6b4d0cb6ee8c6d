package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverMySQL  = "mysql"
)

// Notification sinks.
const (
	SinkLog     = "log"
	SinkWebhook = "webhook"
	SinkRedis   = "redis"
	SinkKafka   = "kafka"
)

// Config holds all runtime configuration for the exchange.
type Config struct {
	Port     int
	LogLevel string

	StoreDriver     string
	MySQLDSN        string
	LockWaitTimeout time.Duration
	TxMaxAttempts   int

	CommissionRate decimal.Decimal
	FeeAccountID   int64

	NotifySinks      []string
	WebhookURL       string
	WebhookTimeout   time.Duration
	RedisAddr        string
	KafkaBrokers     []string
	KafkaTopic       string
	RelayInterval    time.Duration
	RelayBatchSize   int
	RelayMaxAttempts int

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// LoadDotEnv seeds the environment from path. Variables already set win,
// and a missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from environment variables, applies defaults,
// and validates values. It returns an error for any invalid value.
func Load() (*Config, error) {
	port, err := getInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}

	logLevel := getStr("LOG_LEVEL", "info")
	if !isValidLogLevel(logLevel) {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", logLevel)
	}

	driver := getStr("STORE_DRIVER", DriverMemory)
	if driver != DriverMemory && driver != DriverMySQL {
		return nil, fmt.Errorf("invalid STORE_DRIVER: %q, must be one of: memory, mysql", driver)
	}
	dsn := getStr("MYSQL_DSN", "")
	if driver == DriverMySQL && dsn == "" {
		return nil, errors.New("MYSQL_DSN is required when STORE_DRIVER=mysql")
	}

	lockWait, err := getDuration("LOCK_WAIT_TIMEOUT", 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid LOCK_WAIT_TIMEOUT: %w", err)
	}

	txMaxAttempts, err := getPositiveInt("TX_MAX_ATTEMPTS", 5)
	if err != nil {
		return nil, fmt.Errorf("invalid TX_MAX_ATTEMPTS: %w", err)
	}

	rate, err := decimal.NewFromString(getStr("COMMISSION_RATE", "0.015"))
	if err != nil {
		return nil, fmt.Errorf("invalid COMMISSION_RATE: %w", err)
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("invalid COMMISSION_RATE: %s, must be in [0, 1)", rate)
	}

	feeAccountID, err := strconv.ParseInt(getStr("FEE_ACCOUNT_ID", "0"), 10, 64)
	if err != nil || feeAccountID < 0 {
		return nil, fmt.Errorf("invalid FEE_ACCOUNT_ID: %q", os.Getenv("FEE_ACCOUNT_ID"))
	}

	sinks := getList("NOTIFY_SINKS", []string{SinkLog})
	webhookURL := getStr("WEBHOOK_URL", "")
	redisAddr := getStr("REDIS_ADDR", "")
	kafkaBrokers := getList("KAFKA_BROKERS", nil)
	for _, s := range sinks {
		switch s {
		case SinkLog:
		case SinkWebhook:
			if webhookURL == "" {
				return nil, errors.New("WEBHOOK_URL is required for the webhook sink")
			}
		case SinkRedis:
			if redisAddr == "" {
				return nil, errors.New("REDIS_ADDR is required for the redis sink")
			}
		case SinkKafka:
			if len(kafkaBrokers) == 0 {
				return nil, errors.New("KAFKA_BROKERS is required for the kafka sink")
			}
		default:
			return nil, fmt.Errorf("invalid NOTIFY_SINKS entry: %q, must be one of: log, webhook, redis, kafka", s)
		}
	}

	webhookTimeout, err := getDuration("WEBHOOK_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid WEBHOOK_TIMEOUT: %w", err)
	}

	relayInterval, err := getDuration("RELAY_INTERVAL", 1*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid RELAY_INTERVAL: %w", err)
	}

	relayBatch, err := getPositiveInt("RELAY_BATCH_SIZE", 100)
	if err != nil {
		return nil, fmt.Errorf("invalid RELAY_BATCH_SIZE: %w", err)
	}

	relayMaxAttempts, err := getPositiveInt("RELAY_MAX_ATTEMPTS", 10)
	if err != nil {
		return nil, fmt.Errorf("invalid RELAY_MAX_ATTEMPTS: %w", err)
	}

	readTimeout, err := getDuration("READ_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid READ_TIMEOUT: %w", err)
	}

	writeTimeout, err := getDuration("WRITE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid WRITE_TIMEOUT: %w", err)
	}

	idleTimeout, err := getDuration("IDLE_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid IDLE_TIMEOUT: %w", err)
	}

	shutdownTimeout, err := getDuration("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	return &Config{
		Port:             port,
		LogLevel:         logLevel,
		StoreDriver:      driver,
		MySQLDSN:         dsn,
		LockWaitTimeout:  lockWait,
		TxMaxAttempts:    txMaxAttempts,
		CommissionRate:   rate,
		FeeAccountID:     feeAccountID,
		NotifySinks:      sinks,
		WebhookURL:       webhookURL,
		WebhookTimeout:   webhookTimeout,
		RedisAddr:        redisAddr,
		KafkaBrokers:     kafkaBrokers,
		KafkaTopic:       getStr("KAFKA_TOPIC", "trades.matched"),
		RelayInterval:    relayInterval,
		RelayBatchSize:   relayBatch,
		RelayMaxAttempts: relayMaxAttempts,
		ReadTimeout:      readTimeout,
		WriteTimeout:     writeTimeout,
		IdleTimeout:      idleTimeout,
		ShutdownTimeout:  shutdownTimeout,
	}, nil
}

func getStr(key, defaultVal string) string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func getPositiveInt(key string, defaultVal int) (int, error) {
	n, err := getInt(key, defaultVal)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, fmt.Errorf("%d must be >= 1", n)
	}
	return n, nil
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}

// getList splits a comma-separated value, dropping blanks.
func getList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
