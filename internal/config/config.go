package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Brokers []string
	Topics  Topics
	Groups  Groups
	Keys    Keys

	Signature   SignatureConfig
	Semaphore   SemaphoreConfig
	Idempotency IdempotencyConfig
	Deduction   DeductionConfig
}

// Topics names the bus topics the services publish and consume.
type Topics struct {
	StockDeduct string
	OrderStatus string
}

// Groups names the consumer groups, one per downstream domain.
type Groups struct {
	Fulfillment string
	Reconciler  string
}

// SignatureConfig bounds the gateway replay window.
type SignatureConfig struct {
	SkewWindow time.Duration
}

// SemaphoreConfig bounds concurrent quota consumption per subscription key.
type SemaphoreConfig struct {
	MaxConcurrent int
	PermitTTL     time.Duration
}

// IdempotencyConfig controls consumption-token lifetime.
type IdempotencyConfig struct {
	TokenTTL time.Duration
}

// DeductionConfig controls the transactional-send reconciliation window.
type DeductionConfig struct {
	ResolutionWindow time.Duration
}

// Keys builds cache key names from a single prefix so both services agree
// on the namespace without sharing global constants.
type Keys struct {
	Prefix string
}

func (k Keys) Nonce(accessKey, nonce string) string {
	return fmt.Sprintf("%s:sig:nonce:%s:%s", k.Prefix, accessKey, nonce)
}

func (k Keys) Semaphore(accountID, apiDigestID string) string {
	return fmt.Sprintf("%s:quota:sem:%s:%s", k.Prefix, accountID, apiDigestID)
}

func (k Keys) DeductToken(orderSn string) string {
	return fmt.Sprintf("%s:token:%s:deduct", k.Prefix, orderSn)
}

func (k Keys) ReverseToken(orderSn string) string {
	return fmt.Sprintf("%s:token:%s:reverse", k.Prefix, orderSn)
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "quotagate"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "quotagate"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),

		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		Brokers: splitList(getenv("BROKER_ADDRS", "localhost:9092")),
		Topics: Topics{
			StockDeduct: getenv("TOPIC_STOCK_DEDUCT", "quota.stock-deduct"),
			OrderStatus: getenv("TOPIC_ORDER_STATUS", "quota.order-status"),
		},
		Groups: Groups{
			Fulfillment: getenv("GROUP_FULFILLMENT", "fulfillment"),
			Reconciler:  getenv("GROUP_RECONCILER", "reconciler"),
		},
		Keys: Keys{
			Prefix: getenv("CACHE_KEY_PREFIX", "quotagate"),
		},

		Signature: SignatureConfig{
			SkewWindow: getenvDuration("SIGNATURE_SKEW_WINDOW", 300*time.Second),
		},
		Semaphore: SemaphoreConfig{
			MaxConcurrent: getenvInt("SEMAPHORE_MAX_CONCURRENT", 32),
			PermitTTL:     getenvDuration("SEMAPHORE_PERMIT_TTL", 30*time.Second),
		},
		Idempotency: IdempotencyConfig{
			TokenTTL: getenvDuration("IDEMPOTENCY_TOKEN_TTL", 24*time.Hour),
		},
		Deduction: DeductionConfig{
			ResolutionWindow: getenvDuration("DEDUCTION_RESOLUTION_WINDOW", time.Minute),
		},
	}
}

func getenv(key, def string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
