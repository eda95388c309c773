package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "TICKETING_"

// Config is the resolved runtime configuration: defaults, then the YAML
// file, then TICKETING_* environment variables.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
	LogLevel string `yaml:"log_level"`

	MySQL MySQLConfig `yaml:"mysql"`
	Redis RedisConfig `yaml:"redis"`

	Sweeper     SweeperConfig     `yaml:"sweeper"`
	Cache       CacheConfig       `yaml:"cache"`
	Reservation ReservationConfig `yaml:"reservation"`
}

type MySQLConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	LockWait        time.Duration `yaml:"lock_wait"`
	TxTimeout       time.Duration `yaml:"tx_timeout"`
	Migrate         bool          `yaml:"migrate"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	PoolSize int    `yaml:"pool_size"`
	// Enabled turns on the summary cache and idempotency keys.
	Enabled bool `yaml:"enabled"`
}

type SweeperConfig struct {
	Workers   int           `yaml:"workers"`
	BatchSize int           `yaml:"batch_size"`
	Interval  time.Duration `yaml:"interval"`
}

type CacheConfig struct {
	TTL          time.Duration `yaml:"ttl"`
	WarmInterval time.Duration `yaml:"warm_interval"`
}

type ReservationConfig struct {
	TTL         time.Duration `yaml:"ttl"`
	MaxAttempts int           `yaml:"max_attempts"`
}

func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		GRPCAddr: ":50051",
		LogLevel: "info",
		MySQL: MySQLConfig{
			DSN:             "root:root@tcp(localhost:3306)/ticketing?parseTime=true",
			MaxOpenConns:    50,
			MaxIdleConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
			LockWait:        2 * time.Second,
			TxTimeout:       5 * time.Second,
			Migrate:         true,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 100,
			Enabled:  true,
		},
		Sweeper: SweeperConfig{
			Workers:   4,
			BatchSize: 100,
			Interval:  5 * time.Second,
		},
		Cache: CacheConfig{
			TTL:          time.Minute,
			WarmInterval: 2 * time.Second,
		},
		Reservation: ReservationConfig{
			TTL:         10 * time.Minute,
			MaxAttempts: 5,
		},
	}
}

// Load resolves the configuration. A missing file or .env is not an error.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	var errs []error
	cfg.HTTPAddr = envString("HTTP_ADDR", cfg.HTTPAddr)
	cfg.GRPCAddr = envString("GRPC_ADDR", cfg.GRPCAddr)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.MySQL.DSN = envString("MYSQL_DSN", cfg.MySQL.DSN)
	cfg.MySQL.MaxOpenConns = envInt("MYSQL_MAX_OPEN_CONNS", cfg.MySQL.MaxOpenConns, &errs)
	cfg.MySQL.LockWait = envDuration("MYSQL_LOCK_WAIT", cfg.MySQL.LockWait, &errs)
	cfg.MySQL.TxTimeout = envDuration("MYSQL_TX_TIMEOUT", cfg.MySQL.TxTimeout, &errs)
	cfg.MySQL.Migrate = envBool("MYSQL_MIGRATE", cfg.MySQL.Migrate, &errs)
	cfg.Redis.Addr = envString("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Enabled = envBool("REDIS_ENABLED", cfg.Redis.Enabled, &errs)
	cfg.Sweeper.Workers = envInt("SWEEPER_WORKERS", cfg.Sweeper.Workers, &errs)
	cfg.Sweeper.BatchSize = envInt("SWEEPER_BATCH_SIZE", cfg.Sweeper.BatchSize, &errs)
	cfg.Sweeper.Interval = envDuration("SWEEPER_INTERVAL", cfg.Sweeper.Interval, &errs)
	cfg.Cache.TTL = envDuration("CACHE_TTL", cfg.Cache.TTL, &errs)
	cfg.Cache.WarmInterval = envDuration("CACHE_WARM_INTERVAL", cfg.Cache.WarmInterval, &errs)
	cfg.Reservation.TTL = envDuration("RESERVATION_TTL", cfg.Reservation.TTL, &errs)
	cfg.Reservation.MaxAttempts = envInt("RESERVATION_MAX_ATTEMPTS", cfg.Reservation.MaxAttempts, &errs)
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch {
	case c.MySQL.DSN == "":
		return errors.New("mysql dsn is required")
	case c.MySQL.LockWait < time.Second:
		return errors.New("mysql lock_wait must be at least 1s")
	case c.MySQL.TxTimeout <= 0:
		return errors.New("mysql tx_timeout must be positive")
	case c.Redis.Enabled && c.Redis.Addr == "":
		return errors.New("redis addr is required when redis is enabled")
	case c.Sweeper.Workers <= 0 || c.Sweeper.BatchSize <= 0 || c.Sweeper.Interval <= 0:
		return errors.New("sweeper workers, batch_size and interval must be positive")
	case c.Reservation.TTL <= 0:
		return errors.New("reservation ttl must be positive")
	case c.Reservation.MaxAttempts <= 0:
		return errors.New("reservation max_attempts must be positive")
	}
	return nil
}

func envString(name, fallback string) string {
	if value := os.Getenv(envPrefix + name); value != "" {
		return value
	}
	return fallback
}

func envInt(name string, fallback int, errs *[]error) int {
	raw := os.Getenv(envPrefix + name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
		return fallback
	}
	return v
}

func envBool(name string, fallback bool, errs *[]error) bool {
	raw := os.Getenv(envPrefix + name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
		return fallback
	}
	return v
}

func envDuration(name string, fallback time.Duration, errs *[]error) time.Duration {
	raw := os.Getenv(envPrefix + name)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
		return fallback
	}
	return v
}
