// Package config loads server settings. Precedence from lowest to highest:
// built-in defaults, environment variables (and a .env file), a YAML config
// file, then command line flags.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

type Config struct {
	Addr            string        `koanf:"addr"`
	Store           string        `koanf:"store"`
	DatabaseURL     string        `koanf:"database_url"`
	RedisAddr       string        `koanf:"redis_addr"`
	RedisPassword   string        `koanf:"redis_password"`
	RedisDB         int           `koanf:"redis_db"`
	LogFormat       string        `koanf:"log_format"`
	LogLevel        string        `koanf:"log_level"`
	RateLimit       float64       `koanf:"rate_limit"`
	RateBurst       int           `koanf:"rate_burst"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	SkipGrace       time.Duration `koanf:"skip_grace"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
	CleanupAge      time.Duration `koanf:"cleanup_age"`
	TerminalTTL     time.Duration `koanf:"terminal_ttl"`
	CommandTimeout  time.Duration `koanf:"command_timeout"`
	AllowedOrigins  []string      `koanf:"allowed_origins"`
}

func Default() Config {
	return Config{
		Addr:            ":8080",
		Store:           StoreMemory,
		LogFormat:       "json",
		LogLevel:        "info",
		RateLimit:       10,
		RateBurst:       20,
		IdleTimeout:     5 * time.Minute,
		SkipGrace:       60 * time.Second,
		CleanupInterval: time.Hour,
		CleanupAge:      24 * time.Hour,
		TerminalTTL:     24 * time.Hour,
		CommandTimeout:  10 * time.Second,
		AllowedOrigins:  []string{"*"},
	}
}

func envString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return f
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// RegisterFlags adds one flag per setting. Flag defaults come from the
// environment so an unset flag still honours RUMMI_* variables.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()

	addr := d.Addr
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}

	fs.String("addr", envString("RUMMI_ADDR", addr), "listen address")
	fs.String("store", envString("RUMMI_STORE", d.Store), "session store: memory, postgres or redis")
	fs.String("database-url", envString("DATABASE_URL", ""), "PostgreSQL connection string")
	fs.String("redis-addr", envString("REDIS_ADDR", ""), "Redis host:port")
	fs.String("redis-password", envString("REDIS_PASSWORD", ""), "Redis password")
	fs.Int("redis-db", envInt("REDIS_DB", 0), "Redis database number")
	fs.String("log-format", envString("RUMMI_LOG_FORMAT", d.LogFormat), "log format: json or text")
	fs.String("log-level", envString("RUMMI_LOG_LEVEL", d.LogLevel), "log level: debug, info, warn or error")
	fs.Float64("rate-limit", envFloat("RUMMI_RATE_LIMIT", d.RateLimit), "messages per second allowed per connection")
	fs.Int("rate-burst", envInt("RUMMI_RATE_BURST", d.RateBurst), "message burst allowed per connection")
	fs.Duration("idle-timeout", envDuration("RUMMI_IDLE_TIMEOUT", d.IdleTimeout), "close connections silent for this long")
	fs.Duration("skip-grace", envDuration("RUMMI_SKIP_GRACE", d.SkipGrace), "how long a player must be offline before their turn can be skipped")
	fs.Duration("cleanup-interval", envDuration("RUMMI_CLEANUP_INTERVAL", d.CleanupInterval), "how often finished games are swept")
	fs.Duration("cleanup-age", envDuration("RUMMI_CLEANUP_AGE", d.CleanupAge), "minimum idle time before a finished game is swept")
	fs.Duration("terminal-ttl", envDuration("RUMMI_TERMINAL_TTL", d.TerminalTTL), "expiry of finished games in Redis")
	fs.Duration("command-timeout", envDuration("RUMMI_COMMAND_TIMEOUT", d.CommandTimeout), "deadline for a single command, store access included")
	fs.StringSlice("allowed-origins", envList("RUMMI_ALLOWED_ORIGINS", d.AllowedOrigins), "websocket origin patterns")
}

// Load reads the optional YAML file at path and then the flags in fs.
func Load(fs *pflag.FlagSet, path string) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, oops.Code("CONFIG_INVALID").With("path", path).Wrap(err)
		}
	}

	flags := posflag.ProviderWithFlag(fs, ".", k, func(f *pflag.Flag) (string, any) {
		return strings.ReplaceAll(f.Name, "-", "_"), posflag.FlagVal(fs, f)
	})
	if err := k.Load(flags, nil); err != nil {
		return Config{}, oops.Code("CONFIG_INVALID").Wrap(err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, oops.Code("CONFIG_INVALID").Wrap(err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	invalid := oops.Code("CONFIG_INVALID")

	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return invalid.Errorf("database_url is required for the postgres store")
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			return invalid.Errorf("redis_addr is required for the redis store")
		}
	default:
		return invalid.Errorf("unknown store %q", c.Store)
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return invalid.Errorf("log_format must be json or text, got %q", c.LogFormat)
	}
	if c.RateLimit <= 0 || c.RateBurst < 1 {
		return invalid.Errorf("rate_limit and rate_burst must be positive")
	}
	if c.IdleTimeout <= 0 || c.CleanupInterval <= 0 || c.CleanupAge <= 0 {
		return invalid.Errorf("idle_timeout, cleanup_interval and cleanup_age must be positive")
	}
	if c.CommandTimeout <= 0 {
		return invalid.Errorf("command_timeout must be positive")
	}
	if c.SkipGrace < 0 {
		return invalid.Errorf("skip_grace cannot be negative")
	}
	return nil
}
