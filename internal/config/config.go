package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Redis      RedisConfig      `yaml:"redis"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Sweep      SweepConfig      `yaml:"sweep"`
	Battle     BattleConfig     `yaml:"battle"`
	Moderation ModerationConfig `yaml:"moderation"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	// AllowedOrigins is matched against the websocket Origin header. Empty allows all.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level string `yaml:"level"`
}

// SlogLevel maps the configured level name to a slog.Level
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	KeyPrefix    string        `yaml:"key_prefix"`
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxConnections  int           `yaml:"max_connections"`
	MinConnections  int           `yaml:"min_connections"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
}

// ConnectionString returns the PostgreSQL connection string
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslMode,
	)
}

// KafkaConfig holds Kafka configuration for gift ingestion and result publishing
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	GiftTopic     string        `yaml:"gift_topic"`
	ResultTopic   string        `yaml:"result_topic"`
	GroupID       string        `yaml:"group_id"`
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	BatchTimeout  time.Duration `yaml:"batch_timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// SweepConfig holds the battle timer sweeper configuration
type SweepConfig struct {
	Interval    time.Duration `yaml:"interval"`
	BatchSize   int           `yaml:"batch_size"`
	Concurrency int           `yaml:"concurrency"`
	Enabled     bool          `yaml:"enabled"`
}

// BattleConfig holds battle rules
type BattleConfig struct {
	DefaultDuration   time.Duration `yaml:"default_duration"`
	MinDuration       time.Duration `yaml:"min_duration"`
	MaxDuration       time.Duration `yaml:"max_duration"`
	ChallengeTTL      time.Duration `yaml:"challenge_ttl"`
	FinishedRetention time.Duration `yaml:"finished_retention"`
	MaxUpdateRetries  int           `yaml:"max_update_retries"`
	MaxGiftValue      int64         `yaml:"max_gift_value"`
	DefaultLimit      int           `yaml:"default_limit"`
	MaxLimit          int           `yaml:"max_limit"`
}

// ModerationConfig holds ban gate configuration
type ModerationConfig struct {
	BanCacheTTL          time.Duration `yaml:"ban_cache_ttl"`
	SocketStrikesEnabled bool          `yaml:"socket_strikes_enabled"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations the battle engine cannot run with
func (c *Config) Validate() error {
	b := c.Battle
	if b.MinDuration > b.MaxDuration {
		return fmt.Errorf("battle.min_duration %s exceeds battle.max_duration %s", b.MinDuration, b.MaxDuration)
	}
	if b.DefaultDuration < b.MinDuration || b.DefaultDuration > b.MaxDuration {
		return fmt.Errorf("battle.default_duration %s outside [%s, %s]", b.DefaultDuration, b.MinDuration, b.MaxDuration)
	}
	if b.DefaultLimit > b.MaxLimit {
		return fmt.Errorf("battle.default_limit %d exceeds battle.max_limit %d", b.DefaultLimit, b.MaxLimit)
	}
	return nil
}

// applyDefaults sets default values for missing configuration
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 100
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 10
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "pk"
	}

	// PostgreSQL defaults
	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.MaxConnections == 0 {
		c.Postgres.MaxConnections = 50
	}
	if c.Postgres.MinConnections == 0 {
		c.Postgres.MinConnections = 5
	}
	if c.Postgres.MaxConnLifetime == 0 {
		c.Postgres.MaxConnLifetime = 1 * time.Hour
	}
	if c.Postgres.MaxConnIdleTime == 0 {
		c.Postgres.MaxConnIdleTime = 30 * time.Minute
	}

	// Kafka defaults
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.GiftTopic == "" {
		c.Kafka.GiftTopic = "pk-gifts"
	}
	if c.Kafka.ResultTopic == "" {
		c.Kafka.ResultTopic = "pk-results"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "pk-battle-gifts"
	}
	if c.Kafka.BatchSize == 0 {
		c.Kafka.BatchSize = 100
	}
	if c.Kafka.BatchTimeout == 0 {
		c.Kafka.BatchTimeout = 1 * time.Second
	}
	if c.Kafka.RetryAttempts == 0 {
		c.Kafka.RetryAttempts = 3
	}
	if c.Kafka.RetryDelay == 0 {
		c.Kafka.RetryDelay = 1 * time.Second
	}

	// Sweep defaults
	if c.Sweep.Interval == 0 {
		c.Sweep.Interval = 1 * time.Second
	}
	if c.Sweep.BatchSize == 0 {
		c.Sweep.BatchSize = 100
	}
	if c.Sweep.Concurrency == 0 {
		c.Sweep.Concurrency = 8
	}

	// Battle defaults
	if c.Battle.DefaultDuration == 0 {
		c.Battle.DefaultDuration = 300 * time.Second
	}
	if c.Battle.MinDuration == 0 {
		c.Battle.MinDuration = 60 * time.Second
	}
	if c.Battle.MaxDuration == 0 {
		c.Battle.MaxDuration = 900 * time.Second
	}
	if c.Battle.ChallengeTTL == 0 {
		c.Battle.ChallengeTTL = 60 * time.Second
	}
	if c.Battle.FinishedRetention == 0 {
		c.Battle.FinishedRetention = 24 * time.Hour
	}
	if c.Battle.MaxUpdateRetries == 0 {
		c.Battle.MaxUpdateRetries = 16
	}
	if c.Battle.MaxGiftValue == 0 {
		c.Battle.MaxGiftValue = 1_000_000
	}
	if c.Battle.DefaultLimit == 0 {
		c.Battle.DefaultLimit = 50
	}
	if c.Battle.MaxLimit == 0 {
		c.Battle.MaxLimit = 500
	}

	if c.Moderation.BanCacheTTL == 0 {
		c.Moderation.BanCacheTTL = 30 * time.Second
	}
}

// DefaultConfig returns a configuration with all defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Sweep.Enabled = true
	cfg.Moderation.SocketStrikesEnabled = true
	return cfg
}
