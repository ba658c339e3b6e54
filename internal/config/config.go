package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	SinkLog   = "log"
	SinkKafka = "kafka"
	SinkRedis = "redis"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBSchema    string `mapstructure:"DB_SCHEMA"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	// DBLockTimeout bounds how long a transition waits for a row lock.
	DBLockTimeout time.Duration `mapstructure:"DB_LOCK_TIMEOUT"`

	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`

	EditWindow         time.Duration `mapstructure:"EDIT_WINDOW"`
	ClockSkewTolerance time.Duration `mapstructure:"CLOCK_SKEW_TOLERANCE"`

	EventSink          string        `mapstructure:"EVENT_SINK"`
	KafkaBrokers       []string      `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic         string        `mapstructure:"KAFKA_TOPIC"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	RedisStream        string        `mapstructure:"REDIS_STREAM"`
	RedisStreamMaxLen  int64         `mapstructure:"REDIS_STREAM_MAXLEN"`
	OutboxPollInterval time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
	OutboxBatchSize    int           `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxMaxRetries   int           `mapstructure:"OUTBOX_MAX_RETRIES"`
	OutboxRetention    time.Duration `mapstructure:"OUTBOX_RETENTION"`
	OutboxRelayEnabled bool          `mapstructure:"OUTBOX_RELAY_ENABLED"`
}

var envKeys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"DATABASE_URL", "DB_SCHEMA", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_LOCK_TIMEOUT",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "CORS_ORIGINS",
	"EDIT_WINDOW", "CLOCK_SKEW_TOLERANCE",
	"EVENT_SINK", "KAFKA_BROKERS", "KAFKA_TOPIC", "REDIS_URL", "REDIS_STREAM", "REDIS_STREAM_MAXLEN",
	"OUTBOX_POLL_INTERVAL", "OUTBOX_BATCH_SIZE", "OUTBOX_MAX_RETRIES", "OUTBOX_RETENTION", "OUTBOX_RELAY_ENABLED",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_LOCK_TIMEOUT", "5s")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("EDIT_WINDOW", "24h")
	v.SetDefault("CLOCK_SKEW_TOLERANCE", "5m")
	v.SetDefault("EVENT_SINK", SinkLog)
	v.SetDefault("KAFKA_TOPIC", "equipemed.admission-events")
	v.SetDefault("REDIS_STREAM", "equipemed:admission-events")
	v.SetDefault("OUTBOX_POLL_INTERVAL", "2s")
	v.SetDefault("OUTBOX_BATCH_SIZE", 100)
	v.SetDefault("OUTBOX_MAX_RETRIES", 5)
	v.SetDefault("OUTBOX_RETENTION", "168h")
	v.SetDefault("OUTBOX_RELAY_ENABLED", true)

	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers, v.GetString("KAFKA_BROKERS"))
	cfg.EventSink = strings.ToLower(strings.TrimSpace(cfg.EventSink))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

// splitList accepts either a decoded slice or a comma separated string and
// drops empty items.
func splitList(decoded []string, raw string) []string {
	items := decoded
	if len(items) <= 1 && raw != "" {
		items = strings.Split(raw, ",")
	}
	out := make([]string, 0, len(items))
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// a real token verifier must be configured.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}
	if c.IsProduction() && c.AuthSigningKey != "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is for development only; use AUTH_JWKS_URL in production")
	}
	if c.EditWindow <= 0 {
		return fmt.Errorf("EDIT_WINDOW must be positive, got %s", c.EditWindow)
	}
	if c.ClockSkewTolerance < 0 {
		return fmt.Errorf("CLOCK_SKEW_TOLERANCE must not be negative, got %s", c.ClockSkewTolerance)
	}
	if c.DBLockTimeout < 0 {
		return fmt.Errorf("DB_LOCK_TIMEOUT must not be negative, got %s", c.DBLockTimeout)
	}

	switch c.EventSink {
	case SinkLog:
	case SinkKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required when EVENT_SINK=kafka")
		}
		if c.KafkaTopic == "" {
			return fmt.Errorf("KAFKA_TOPIC is required when EVENT_SINK=kafka")
		}
	case SinkRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when EVENT_SINK=redis")
		}
		if c.RedisStream == "" {
			return fmt.Errorf("REDIS_STREAM is required when EVENT_SINK=redis")
		}
	default:
		return fmt.Errorf("EVENT_SINK must be \"log\", \"kafka\" or \"redis\", got %q", c.EventSink)
	}

	if c.OutboxBatchSize <= 0 {
		return fmt.Errorf("OUTBOX_BATCH_SIZE must be positive, got %d", c.OutboxBatchSize)
	}
	if c.OutboxMaxRetries <= 0 {
		return fmt.Errorf("OUTBOX_MAX_RETRIES must be positive, got %d", c.OutboxMaxRetries)
	}
	return nil
}
