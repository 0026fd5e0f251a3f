package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the engine.
type Config struct {
	App        AppConfig
	Postgres   PostgresConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	Logger     LoggerConfig
	Auth       AuthConfig
	Resilience ResilienceConfig
	SLA        SLAConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// PostgresConfig holds DB connection values. An empty DSN selects the
// in-memory store.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Enabled      bool
	Addr         string
	Password     string
	DB           int
	IntentStream string
	SweepLockKey string
}

// KafkaConfig configures the notification intent topic.
type KafkaConfig struct {
	Brokers      []string
	IntentsTopic string
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
	// Format is "json" or "console".
	Format string
	// Fields are attached to every entry.
	Fields map[string]string
}

// AuthConfig defines bearer token parameters.
type AuthConfig struct {
	JWTSecret             string
	AccessTokenTTLMinutes int
}

// ResilienceConfig tunes the retry and cache behavior of the store.
type ResilienceConfig struct {
	ReadAttempts     int
	WriteAttempts    int
	BaseDelay        time.Duration
	Multiplier       float64
	MaxDelay         time.Duration
	Jitter           float64
	CacheTTL         time.Duration
	CacheCapacity    int
	OperationTimeout time.Duration
}

// SLAConfig drives the monitor.
type SLAConfig struct {
	IntervalSeconds int
	WarningMargin   time.Duration
	AutoStart       bool
	PolicyFile      string
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "ticket-engine"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10)),
			MinConns:       int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2)),
			RunMigrations:  getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true),
			ConnMaxIdleSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30)),
			ConnMaxLifeSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300)),
		},
		Redis: RedisConfig{
			Enabled:      getEnvAsBool("REDIS_ENABLED", false),
			Addr:         getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password:     os.Getenv("REDIS_PASSWORD"),
			DB:           redisDB,
			IntentStream: getEnv("REDIS_INTENT_STREAM", "ticket-engine:intents"),
			SweepLockKey: getEnv("REDIS_SWEEP_LOCK_KEY", "ticket-engine:sla-sweep"),
		},
		Kafka: KafkaConfig{
			Brokers:      splitList(os.Getenv("KAFKA_BROKERS")),
			IntentsTopic: getEnv("KAFKA_TOPIC_INTENTS", "ticket-engine.intents"),
		},
		Logger: LoggerConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Auth: AuthConfig{
			JWTSecret:             getEnv("AUTH_JWT_SECRET", "dev-secret"),
			AccessTokenTTLMinutes: getEnvAsInt("AUTH_ACCESS_TOKEN_TTL_MINUTES", 60),
		},
		Resilience: ResilienceConfig{
			ReadAttempts:     getEnvAsInt("STORE_READ_ATTEMPTS", 3),
			WriteAttempts:    getEnvAsInt("STORE_WRITE_ATTEMPTS", 2),
			BaseDelay:        getEnvAsDuration("STORE_BASE_DELAY", 50*time.Millisecond),
			Multiplier:       getEnvAsFloat("STORE_MULTIPLIER", 2),
			MaxDelay:         getEnvAsDuration("STORE_MAX_DELAY", 2*time.Second),
			Jitter:           getEnvAsFloat("STORE_JITTER", 0.2),
			CacheTTL:         getEnvAsDuration("STORE_CACHE_TTL", 5*time.Minute),
			CacheCapacity:    getEnvAsInt("STORE_CACHE_CAPACITY", 1024),
			OperationTimeout: getEnvAsDuration("OPERATION_TIMEOUT", 5*time.Second),
		},
		SLA: SLAConfig{
			IntervalSeconds: getEnvAsInt("SLA_INTERVAL_SECONDS", 60),
			WarningMargin:   getEnvAsDuration("SLA_WARNING_MARGIN", 30*time.Minute),
			AutoStart:       getEnvAsBool("SLA_AUTOSTART", false),
			PolicyFile:      os.Getenv("SLA_POLICY_FILE"),
		},
	}

	cfg.Logger.Fields = map[string]string{"service": cfg.App.Name, "env": cfg.App.Env}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	r := c.Resilience
	if r.ReadAttempts < 1 {
		errs = append(errs, errors.New("STORE_READ_ATTEMPTS must be at least 1"))
	}
	if r.WriteAttempts < 1 {
		errs = append(errs, errors.New("STORE_WRITE_ATTEMPTS must be at least 1"))
	}
	if r.Multiplier < 1 {
		errs = append(errs, errors.New("STORE_MULTIPLIER must be at least 1"))
	}
	if r.Jitter < 0 {
		errs = append(errs, errors.New("STORE_JITTER must not be negative"))
	}
	if r.CacheCapacity < 1 {
		errs = append(errs, errors.New("STORE_CACHE_CAPACITY must be at least 1"))
	}
	if c.SLA.IntervalSeconds < 1 {
		errs = append(errs, errors.New("SLA_INTERVAL_SECONDS must be at least 1"))
	}
	if f := c.Logger.Format; f != "" && f != "json" && f != "console" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or console, got %q", f))
	}
	if c.SLA.WarningMargin < 0 {
		errs = append(errs, errors.New("SLA_WARNING_MARGIN must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// Interval returns the sweep interval.
func (s SLAConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsFloat(key string, fallback float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
