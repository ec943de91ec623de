package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"ohlc-engine/internal/store/postgres"
)

// Backfill source names accepted in APP_BACKFILL.
const (
	BackfillSQLite   = "sqlite"
	BackfillRedis    = "redis"
	BackfillPostgres = "postgres"
	BackfillNone     = "none"
)

// Config holds all process configuration loaded from the environment.
type Config struct {
	App      AppConfig       `envPrefix:"APP_"`
	Feed     FeedConfig      `envPrefix:"FEED_"`
	Redis    RedisConfig     `envPrefix:"REDIS_"`
	SQLite   SQLiteConfig    `envPrefix:"SQLITE_"`
	Postgres postgres.Config `envPrefix:"POSTGRES_"`
}

// AppConfig is the process-level configuration.
type AppConfig struct {
	Name         string `env:"NAME" envDefault:"candled"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	HTTPAddr     string `env:"HTTP_ADDR" envDefault:":8080"`
	Symbol       string `env:"SYMBOL" envDefault:"EURUSD"`
	PipelinePath string `env:"PIPELINE"`
	Backfill     string `env:"BACKFILL" envDefault:"sqlite"`
	StatsSpec    string `env:"STATS_SPEC" envDefault:"@every 15s"`
	TickBuffer   int    `env:"TICK_BUFFER" envDefault:"4096"`
}

// FeedConfig configures the live WebSocket tick feed.
type FeedConfig struct {
	URL               string        `env:"URL" envDefault:"ws://localhost:9001/ws"`
	TOTPSecret        string        `env:"TOTP_SECRET"`
	ReconnectDelay    time.Duration `env:"RECONNECT_DELAY" envDefault:"2s"`
	MaxReconnectDelay time.Duration `env:"MAX_RECONNECT_DELAY" envDefault:"30s"`
}

// RedisConfig configures the candle publisher and the tick stream.
type RedisConfig struct {
	Enabled       bool          `env:"ENABLED" envDefault:"true"`
	Addr          string        `env:"ADDR" envDefault:"localhost:6379"`
	Password      string        `env:"PASSWORD"`
	DB            int           `env:"DB" envDefault:"0"`
	BufferSize    int           `env:"BUFFER_SIZE" envDefault:"10000"`
	MaxFailures   int           `env:"CB_MAX_FAILURES" envDefault:"5"`
	ResetTimeout  time.Duration `env:"CB_RESET_TIMEOUT" envDefault:"10s"`
	TickStreamLen int64         `env:"TICK_STREAM_LEN" envDefault:"500000"`
}

// SQLiteConfig configures the local tick/candle database.
type SQLiteConfig struct {
	Path          string `env:"PATH" envDefault:"data/candles.db"`
	RecordTicks   bool   `env:"RECORD_TICKS" envDefault:"true"`
	RecordCandles bool   `env:"RECORD_CANDLES" envDefault:"false"`
}

// Load reads configuration from the environment and an optional .env file.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field constraints env tags cannot express.
func (c *Config) Validate() error {
	switch c.App.Backfill {
	case BackfillSQLite:
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite backfill needs SQLITE_PATH")
		}
	case BackfillRedis:
		if !c.Redis.Enabled {
			return fmt.Errorf("redis backfill needs REDIS_ENABLED=true")
		}
	case BackfillPostgres:
		if c.Postgres.Host == "" {
			return fmt.Errorf("postgres backfill needs POSTGRES_HOST")
		}
	case BackfillNone:
	default:
		return fmt.Errorf("unknown backfill source %q", c.App.Backfill)
	}
	if c.App.Symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if c.App.TickBuffer <= 0 {
		return fmt.Errorf("tick buffer must be greater than 0, got %d", c.App.TickBuffer)
	}
	return nil
}
