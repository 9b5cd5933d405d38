package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dbpulse/ingest/internal/models"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Backend    BackendConfig    `yaml:"backend"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Auth       AuthConfig       `yaml:"auth"`
	Retention  RetentionConfig  `yaml:"retention"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type BackendConfig struct {
	Mode models.BackendMode `yaml:"mode"`

	// Pooled backend
	PoolMinConns int `yaml:"pool_min_conns"`
	PoolMaxConns int `yaml:"pool_max_conns"`

	// AsyncQueue backend
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	EnqueueETA   time.Duration `yaml:"enqueue_eta"`
}

type EncryptionConfig struct {
	Mode models.EncryptionMode `yaml:"mode"`

	// Local mode: symmetric key handed to pgcrypto inside the database.
	LocalKey string `yaml:"local_key"`

	// KMS mode
	KMSKeyID        string `yaml:"kms_key_id"`
	KMSRegion       string `yaml:"kms_region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
}

type RetentionConfig struct {
	MaxRunAge       time.Duration `yaml:"max_run_age"`
	CleanupSchedule string        `yaml:"cleanup_schedule"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {

		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {

	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}

	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}

	if c.Backend.Mode == "" {
		c.Backend.Mode = models.BackendDirect
	}
	if c.Backend.PoolMinConns == 0 {
		c.Backend.PoolMinConns = 2
	}
	if c.Backend.PoolMaxConns == 0 {
		c.Backend.PoolMaxConns = 10
	}
	if c.Backend.MaxRetries == 0 {
		c.Backend.MaxRetries = 3
	}
	if c.Backend.RetryBackoff == 0 {
		c.Backend.RetryBackoff = 30 * time.Second
	}
	if c.Backend.EnqueueETA == 0 {
		c.Backend.EnqueueETA = 30 * time.Second
	}

	if c.Encryption.Mode == "" {
		c.Encryption.Mode = models.EncryptionModeLocal
	}
	if c.Encryption.KMSRegion == "" {
		c.Encryption.KMSRegion = "us-east-1"
	}

	if c.Auth.JWTSecret == "" {
		c.Auth.JWTSecret = "change-me-in-production"

		fmt.Println("WARNING: Using default JWT secret. Set auth.jwt_secret in production!")
	}
	if c.Auth.TokenExpiry == 0 {
		c.Auth.TokenExpiry = 24 * time.Hour
	}

	if c.Retention.MaxRunAge == 0 {
		c.Retention.MaxRunAge = 365 * 24 * time.Hour
	}
	if c.Retention.CleanupSchedule == "" {
		c.Retention.CleanupSchedule = "0 3 * * *"
	}
}

func (c *Config) validate() error {
	switch c.Backend.Mode {
	case models.BackendDirect, models.BackendPooled, models.BackendAsyncQueue, models.BackendDisabled:
	default:
		return fmt.Errorf("unknown backend mode %q", c.Backend.Mode)
	}

	switch c.Encryption.Mode {
	case models.EncryptionModeLocal:
		if c.Encryption.LocalKey == "" {
			return fmt.Errorf("encryption.local_key is required in local mode")
		}
	case models.EncryptionModeKMS:
		if c.Encryption.KMSKeyID == "" {
			return fmt.Errorf("encryption.kms_key_id is required in kms mode")
		}
	default:
		return fmt.Errorf("unknown encryption mode %q", c.Encryption.Mode)
	}

	if c.Backend.PoolMinConns > c.Backend.PoolMaxConns {
		return fmt.Errorf("backend.pool_min_conns exceeds pool_max_conns")
	}

	return nil
}
