package config

import (
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

	HTTPAddr string
	// TrustedProxies are the CIDRs or IPs allowed to set forwarding headers.
	// Empty trusts none and the TCP peer is the client.
	TrustedProxies []string

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
	DBConnMaxIdleTime int

	Redis RedisConfig

	Gateway   GatewayConfig
	Reconcile ReconcileConfig
	Telemetry TelemetryConfig
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int

	RefundThrottleRate  float64
	RefundThrottleBurst int
}

type GatewayConfig struct {
	Timeout time.Duration
	// ConfigSecret encrypts stored gateway credentials.
	ConfigSecret string
	MaxRetries   uint
	RetryBackoff time.Duration
}

// TelemetryConfig follows the OTEL_* environment conventions.
type TelemetryConfig struct {
	LogLevel      string
	LogFormat     string
	SlowQuery     time.Duration
	OtelEnabled   bool
	OtelEndpoint  string
	OtelProtocol  string
	SamplingRatio float64
}

type ReconcileConfig struct {
	Interval         time.Duration
	StaleAfter       time.Duration
	BatchSize        int
	LockTTL          time.Duration
	ReceiptRetention time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:           getenv("APP_SERVICE", "payflow"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		TrustedProxies:    getenvList("HTTP_TRUSTED_PROXIES"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "payflow"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		Redis: RedisConfig{
			Enabled:             getenvBool("REDIS_ENABLED", false),
			Addr:                strings.TrimSpace(getenv("REDIS_ADDR", "localhost:6379")),
			Password:            strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:                  getenvInt("REDIS_DB", 0),
			RefundThrottleRate:  getenvFloat("REFUND_THROTTLE_RATE", 0.2),
			RefundThrottleBurst: getenvInt("REFUND_THROTTLE_BURST", 3),
		},
		Gateway: GatewayConfig{
			Timeout:      getenvDuration("GATEWAY_TIMEOUT", 15*time.Second),
			ConfigSecret: strings.TrimSpace(getenv("GATEWAY_CONFIG_SECRET", "")),
			MaxRetries:   uint(getenvInt("GATEWAY_MAX_RETRIES", 3)),
			RetryBackoff: getenvDuration("GATEWAY_RETRY_BACKOFF", 200*time.Millisecond),
		},
		Reconcile: ReconcileConfig{
			Interval:         getenvDuration("RECONCILE_INTERVAL", time.Minute),
			StaleAfter:       getenvDuration("RECONCILE_STALE_AFTER", 5*time.Minute),
			BatchSize:        getenvInt("RECONCILE_BATCH_SIZE", 100),
			LockTTL:          getenvDuration("RECONCILE_LOCK_TTL", 2*time.Minute),
			ReceiptRetention: getenvDuration("WEBHOOK_RECEIPT_RETENTION", 90*24*time.Hour),
		},
		Telemetry: TelemetryConfig{
			LogLevel:      strings.ToLower(getenv("LOG_LEVEL", "info")),
			LogFormat:     strings.ToLower(getenv("LOG_FORMAT", "json")),
			SlowQuery:     getenvDuration("DATABASE_SLOW_QUERY", 200*time.Millisecond),
			OtelEnabled:   getenvBool("OTEL_ENABLED", true),
			OtelEndpoint:  strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")),
			OtelProtocol:  strings.ToLower(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")),
			SamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		},
	}
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
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

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
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
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
