package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/promoflow/promoflow/internal/scheduler"
	pkgconfig "github.com/promoflow/promoflow/pkg/config"
	"github.com/promoflow/promoflow/pkg/database"
	"github.com/promoflow/promoflow/pkg/httpclient"
	"github.com/promoflow/promoflow/pkg/tracing"
)

// Scheduler backends.
const (
	SchedulerBackendHTTP  = "http"
	SchedulerBackendCloud = "cloud"
)

// Config holds all configuration for promoflow.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// HTTP server
	HTTPPort           int      `env:"PROMOFLOW_HTTP_PORT" envDefault:"8080"`
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// PostgreSQL
	PostgresHost string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort int    `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser string `env:"POSTGRES_USER" envDefault:"promoflow"`
	PostgresPass string `env:"POSTGRES_PASSWORD" envDefault:"promoflow"`
	PostgresDB   string `env:"POSTGRES_DB" envDefault:"promoflow"`
	PostgresSSL  string `env:"POSTGRES_SSL_MODE" envDefault:"disable"`

	DBMaxConns        int32         `env:"DB_MAX_CONNS" envDefault:"10"`
	DBMinConns        int32         `env:"DB_MIN_CONNS" envDefault:"2"`
	DBMaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" envDefault:"1h"`
	DBMaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"15m"`
	LogSlowQueryMS    int           `env:"LOG_SLOW_QUERY_MS" envDefault:"200"`

	// Kafka
	KafkaEnabled bool     `env:"KAFKA_ENABLED" envDefault:"false"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`

	// Redis backs event idempotency. An empty host keeps it in memory.
	RedisHost        string        `env:"REDIS_HOST" envDefault:""`
	RedisPort        int           `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword    string        `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB          int           `env:"REDIS_DB" envDefault:"0"`
	RedisEventTTL    time.Duration `env:"REDIS_EVENT_TTL" envDefault:"24h"`
	RedisDialTimeout time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`

	// Promotions
	CallbackBaseURL      string `env:"CALLBACK_BASE_URL" envDefault:"http://localhost:8080"`
	PromotionCatalogPath string `env:"PROMOTION_CATALOG_PATH" envDefault:""`

	// Scheduler
	SchedulerBackend        string `env:"SCHEDULER_BACKEND" envDefault:"http"`
	SchedulerURL            string `env:"SCHEDULER_URL" envDefault:"http://localhost:8090"`
	SchedulerTimeZone       string `env:"SCHEDULER_TIME_ZONE" envDefault:"America/New_York"`
	SchedulerTimeoutSeconds int    `env:"SCHEDULER_TIMEOUT_SECONDS" envDefault:"10"`
	StoreTimeoutSeconds     int    `env:"STORE_TIMEOUT_SECONDS" envDefault:"5"`

	GCPProjectID       string `env:"GCP_PROJECT_ID" envDefault:""`
	GCPLocationID      string `env:"GCP_LOCATION_ID" envDefault:""`
	GCPCredentialsFile string `env:"GCP_CREDENTIALS_FILE" envDefault:""`

	// Circuit breaker around the REST scheduler
	CBMaxRequests  uint32        `env:"CB_MAX_REQUESTS" envDefault:"1"`
	CBInterval     time.Duration `env:"CB_INTERVAL" envDefault:"60s"`
	CBTimeout      time.Duration `env:"CB_TIMEOUT" envDefault:"30s"`
	CBFailureRatio float64       `env:"CB_FAILURE_RATIO" envDefault:"0.5"`
	CBMinRequests  uint32        `env:"CB_MIN_REQUESTS" envDefault:"5"`

	// Reconciliation
	ReconcileOnStartup           bool `env:"RECONCILE_ON_STARTUP" envDefault:"false"`
	ReconcilePendingGraceSeconds int  `env:"RECONCILE_PENDING_GRACE_SECONDS" envDefault:"300"`

	// OpenTelemetry
	OTELEnabled    bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTELEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
	OTELSampleRate float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load promoflow config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.PostgresHost == "" {
		return fmt.Errorf("POSTGRES_HOST is required")
	}
	if c.PostgresUser == "" {
		return fmt.Errorf("POSTGRES_USER is required")
	}
	if c.KafkaEnabled && len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required when KAFKA_ENABLED is set")
	}
	if u, err := url.Parse(c.CallbackBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("CALLBACK_BASE_URL must be an absolute URL: %q", c.CallbackBaseURL)
	}
	if _, err := time.LoadLocation(c.SchedulerTimeZone); err != nil {
		return fmt.Errorf("invalid SCHEDULER_TIME_ZONE %q: %w", c.SchedulerTimeZone, err)
	}

	switch c.SchedulerBackend {
	case SchedulerBackendHTTP:
		if c.SchedulerURL == "" {
			return fmt.Errorf("SCHEDULER_URL is required for the http scheduler backend")
		}
	case SchedulerBackendCloud:
		if c.GCPProjectID == "" || c.GCPLocationID == "" {
			return fmt.Errorf("GCP_PROJECT_ID and GCP_LOCATION_ID are required for the cloud scheduler backend")
		}
	default:
		return fmt.Errorf("unknown SCHEDULER_BACKEND %q (want %s or %s)", c.SchedulerBackend, SchedulerBackendHTTP, SchedulerBackendCloud)
	}

	if c.SchedulerTimeoutSeconds <= 0 || c.StoreTimeoutSeconds <= 0 {
		return fmt.Errorf("SCHEDULER_TIMEOUT_SECONDS and STORE_TIMEOUT_SECONDS must be positive")
	}
	if c.ReconcilePendingGraceSeconds < 0 {
		return fmt.Errorf("RECONCILE_PENDING_GRACE_SECONDS must not be negative")
	}
	if c.CBFailureRatio <= 0 || c.CBFailureRatio > 1 {
		return fmt.Errorf("CB_FAILURE_RATIO must be in (0, 1], got %v", c.CBFailureRatio)
	}
	if c.OTELSampleRate < 0 || c.OTELSampleRate > 1 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be between 0.0 and 1.0, got %v", c.OTELSampleRate)
	}
	return nil
}

// Postgres returns the pool configuration.
func (c *Config) Postgres() database.PostgresConfig {
	return database.PostgresConfig{
		Host:            c.PostgresHost,
		Port:            c.PostgresPort,
		User:            c.PostgresUser,
		Password:        c.PostgresPass,
		DBName:          c.PostgresDB,
		SSLMode:         c.PostgresSSL,
		MaxConns:        c.DBMaxConns,
		MinConns:        c.DBMinConns,
		MaxConnLifetime: c.DBMaxConnLifetime,
		MaxConnIdleTime: c.DBMaxConnIdleTime,
	}
}

// RedisEnabled reports whether a Redis host is configured.
func (c *Config) RedisEnabled() bool {
	return strings.TrimSpace(c.RedisHost) != ""
}

// Redis returns the Redis client configuration.
func (c *Config) Redis() database.RedisConfig {
	return database.RedisConfig{
		Host:        c.RedisHost,
		Port:        c.RedisPort,
		Password:    c.RedisPassword,
		DB:          c.RedisDB,
		DialTimeout: c.RedisDialTimeout,
	}
}

// CircuitBreaker returns the breaker configuration for the named client.
func (c *Config) CircuitBreaker(name string) httpclient.CircuitBreakerConfig {
	return httpclient.CircuitBreakerConfig{
		Name:         name,
		MaxRequests:  c.CBMaxRequests,
		Interval:     c.CBInterval,
		Timeout:      c.CBTimeout,
		FailureRatio: c.CBFailureRatio,
		MinRequests:  c.CBMinRequests,
	}
}

// Tracing returns the OpenTelemetry configuration.
func (c *Config) Tracing(serviceName, version string) tracing.Config {
	return tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    c.Environment,
		OTLPEndpoint:   c.OTELEndpoint,
		SampleRate:     c.OTELSampleRate,
		Enabled:        c.OTELEnabled,
	}
}

// TimeZone returns the scheduler time zone, defaulting to the scheduler
// package default.
func (c *Config) TimeZone() string {
	if c.SchedulerTimeZone == "" {
		return scheduler.DefaultTimeZone
	}
	return c.SchedulerTimeZone
}

// SchedulerTimeout bounds each scheduler call.
func (c *Config) SchedulerTimeout() time.Duration {
	return time.Duration(c.SchedulerTimeoutSeconds) * time.Second
}

// StoreTimeout bounds each store call.
func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutSeconds) * time.Second
}

// PendingGrace is how long a marker may stay before reconciliation treats
// its operation as abandoned.
func (c *Config) PendingGrace() time.Duration {
	return time.Duration(c.ReconcilePendingGraceSeconds) * time.Second
}

// SlowQueryThreshold is the duration above which queries are logged.
func (c *Config) SlowQueryThreshold() time.Duration {
	return time.Duration(c.LogSlowQueryMS) * time.Millisecond
}
