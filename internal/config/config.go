// Package config loads the relay configuration from a file and POOLRELAY_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/0xRichardL/pool-relay/internal/diff"
	"github.com/0xRichardL/pool-relay/internal/domain"
	"github.com/0xRichardL/pool-relay/internal/matrix"
	"github.com/0xRichardL/pool-relay/internal/notifier"
	"github.com/0xRichardL/pool-relay/internal/pool"
	"github.com/0xRichardL/pool-relay/internal/scheduler"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "POOLRELAY"

	BackendBadger = "badger"
	BackendRedis  = "redis"
)

// Errors
var (
	ErrNoHomeserver        = errors.New("matrix.homeserver is required")
	ErrNoMatrixCredentials = errors.New("matrix.user and matrix.password are required")
	ErrNoAccounts          = errors.New("at least one account is required")
	ErrNoRooms             = errors.New("account has no rooms and matrix.rooms is empty")
	ErrInvalidAccount      = errors.New("account needs an id and a token")
	ErrDuplicateAccount    = errors.New("duplicate account id")
	ErrInvalidFraction     = errors.New("thresholds.drop_fraction must be between 0 and 1")
	ErrInvalidInterval     = errors.New("poll.interval must be positive")
	ErrUnknownBackend      = errors.New("checkpoint.backend must be badger or redis")
	ErrNoKafkaBrokers      = errors.New("kafka.brokers is required when kafka is enabled")
)

// Config holds the application configuration.
type Config struct {
	DataDir    string           `mapstructure:"data_dir"`
	Log        LogConfig        `mapstructure:"log"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Pool       PoolConfig       `mapstructure:"pool"`
	Poll       PollConfig       `mapstructure:"poll"`
	Thresholds ThresholdsConfig `mapstructure:"thresholds"`
	Matrix     MatrixConfig     `mapstructure:"matrix"`
	Delivery   DeliveryConfig   `mapstructure:"delivery"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Accounts   []domain.Account `mapstructure:"accounts"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// HTTPConfig serves /health and /status. An empty Addr disables the server.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type PoolConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Coin     string        `mapstructure:"coin"`
	AuthMode string        `mapstructure:"auth_mode"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Proxy    string        `mapstructure:"proxy"`
}

type PollConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	Jitter       time.Duration `mapstructure:"jitter"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	GracePeriod  time.Duration `mapstructure:"grace_period"`
}

type ThresholdsConfig struct {
	FreshnessWindow   time.Duration `mapstructure:"freshness_window"`
	DropFraction      float64       `mapstructure:"drop_fraction"`
	DropConfirmations int           `mapstructure:"drop_confirmations"`
}

type MatrixConfig struct {
	Homeserver  string   `mapstructure:"homeserver"`
	User        string   `mapstructure:"user"`
	Password    string   `mapstructure:"password"`
	DisplayName string   `mapstructure:"display_name"`
	DeviceName  string   `mapstructure:"device_name"`
	Rooms       []string `mapstructure:"rooms"`
}

type DeliveryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

type QueueConfig struct {
	Capacity int `mapstructure:"capacity"`
	// BacklogPath holds events left undelivered at shutdown.
	BacklogPath string `mapstructure:"backlog_path"`
}

type CheckpointConfig struct {
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
	// Accounts merges the accounts set in Redis into the configured accounts.
	Accounts bool `mapstructure:"accounts"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// DefaultDir is ~/.pool-relay, or .pool-relay when there is no home directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".pool-relay"
	}
	return filepath.Join(home, ".pool-relay")
}

// DefaultPath is the config file read when no path is given.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.toml")
}

// Load reads path, or DefaultPath when path is empty. A missing default file
// is not an error: environment variables and defaults still apply.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if _, err := os.Stat(path); err == nil || explicit {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.resolvePaths()
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDir())

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("http.addr", "")

	v.SetDefault("pool.base_url", pool.DefaultBaseURL)
	v.SetDefault("pool.coin", pool.DefaultCoin)
	v.SetDefault("pool.auth_mode", pool.AuthModeHeader)
	v.SetDefault("pool.timeout", pool.DefaultTimeout)
	v.SetDefault("pool.proxy", "")

	v.SetDefault("poll.interval", scheduler.DefaultInterval)
	v.SetDefault("poll.jitter", 5*time.Second)
	v.SetDefault("poll.fetch_timeout", scheduler.DefaultFetchTimeout)
	v.SetDefault("poll.grace_period", scheduler.DefaultGracePeriod)

	v.SetDefault("thresholds.freshness_window", diff.DefaultFreshnessWindow)
	v.SetDefault("thresholds.drop_fraction", diff.DefaultDropFraction)
	v.SetDefault("thresholds.drop_confirmations", diff.DefaultDropConfirmations)

	v.SetDefault("matrix.homeserver", "")
	v.SetDefault("matrix.user", "")
	v.SetDefault("matrix.password", "")
	v.SetDefault("matrix.display_name", matrix.DefaultDisplayName)
	v.SetDefault("matrix.device_name", matrix.DefaultDeviceName)
	v.SetDefault("matrix.rooms", []string{})

	v.SetDefault("delivery.max_attempts", notifier.DefaultMaxAttempts)
	v.SetDefault("delivery.base_delay", notifier.DefaultBaseDelay)
	v.SetDefault("delivery.max_delay", notifier.DefaultMaxDelay)

	v.SetDefault("queue.capacity", 1024)
	v.SetDefault("queue.backlog_path", "")

	v.SetDefault("checkpoint.backend", BackendBadger)
	v.SetDefault("checkpoint.dir", "")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "pool-relay")
	v.SetDefault("redis.accounts", false)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "pool-relay.events")
}

// resolvePaths places unset file locations under DataDir.
func (c *Config) resolvePaths() {
	if c.DataDir == "" {
		c.DataDir = DefaultDir()
	}
	if c.Checkpoint.Dir == "" {
		c.Checkpoint.Dir = filepath.Join(c.DataDir, "checkpoints")
	}
	if c.Queue.BacklogPath == "" {
		c.Queue.BacklogPath = filepath.Join(c.DataDir, "backlog.jsonl")
	}
	c.Checkpoint.Backend = strings.ToLower(strings.TrimSpace(c.Checkpoint.Backend))
}

// Validate validates the configuration. Accounts may come from Redis at
// startup, so an empty account list passes when redis.accounts is set.
func (c *Config) Validate() error {
	if c.Matrix.Homeserver == "" {
		return ErrNoHomeserver
	}
	if c.Matrix.User == "" || c.Matrix.Password == "" {
		return ErrNoMatrixCredentials
	}
	if c.Poll.Interval <= 0 {
		return ErrInvalidInterval
	}
	if c.Thresholds.DropFraction <= 0 || c.Thresholds.DropFraction >= 1 {
		return ErrInvalidFraction
	}
	switch c.Checkpoint.Backend {
	case BackendBadger, BackendRedis:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Checkpoint.Backend)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return ErrNoKafkaBrokers
	}
	if len(c.Accounts) == 0 && !c.Redis.Accounts {
		return ErrNoAccounts
	}
	return ValidateAccounts(c.Accounts, c.Matrix.Rooms)
}

// ValidateAccounts checks ids, tokens and room targets.
func ValidateAccounts(accounts []domain.Account, defaultRooms []string) error {
	seen := make(map[string]struct{}, len(accounts))
	for _, acc := range accounts {
		if acc.ID == "" || acc.Token == "" {
			return fmt.Errorf("%w: %q", ErrInvalidAccount, acc.ID)
		}
		if _, dup := seen[acc.ID]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateAccount, acc.ID)
		}
		seen[acc.ID] = struct{}{}
		if len(acc.Rooms) == 0 && len(defaultRooms) == 0 {
			return fmt.Errorf("%w: %q", ErrNoRooms, acc.ID)
		}
	}
	return nil
}
