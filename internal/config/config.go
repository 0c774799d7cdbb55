// Package config loads service configuration from environment variables and
// an optional config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Service  ServiceConfig  `mapstructure:"service"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Identity IdentityConfig `mapstructure:"identity"`
	Photos   PhotosConfig   `mapstructure:"photos"`
	Engine   EngineConfig   `mapstructure:"engine"`
}

// ServiceConfig identifies the service in logs and events.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	User        string        `mapstructure:"user"`
	Password    string        `mapstructure:"password"`
	Database    string        `mapstructure:"database"`
	SSLMode     string        `mapstructure:"sslmode"`
	MaxConns    int32         `mapstructure:"max_conns"`
	MinConns    int32         `mapstructure:"min_conns"`
	MaxConnTime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	Migrate     bool          `mapstructure:"migrate"`
}

// DSN builds the Postgres connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// NATSConfig holds event publishing settings. When disabled the publisher is
// a no-op.
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// IdentityConfig points at the identity collaborator.
type IdentityConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// PhotosConfig points at the photo storage collaborator.
type PhotosConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Bucket  string `mapstructure:"bucket"`
}

// EngineConfig holds lifecycle policy knobs.
type EngineConfig struct {
	// EditWindow is how long after creation the author may still edit.
	EditWindow time.Duration `mapstructure:"edit_window"`
	// AutoSubmit creates corrective actions directly in submitted state.
	AutoSubmit bool `mapstructure:"auto_submit"`
	// ReviewProgressThreshold gates in_progress -> pending_review.
	ReviewProgressThreshold int `mapstructure:"review_progress_threshold"`
	// DefaultDueDays is applied when an action is created without a due date.
	DefaultDueDays int `mapstructure:"default_due_days"`
}

// Load reads configuration from PATROL_* environment variables and an
// optional config.yaml in the working directory or /etc/patrol-engine.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("service.name", "be-patrol-engine")
	v.SetDefault("service.version", "dev")
	v.SetDefault("service.environment", "development")
	v.SetDefault("service.log_level", "info")

	v.SetDefault("server.port", 8086)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "patrol")
	v.SetDefault("database.password", "patrol")
	v.SetDefault("database.database", "patrol_engine")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("database.max_conn_idle_time", 30*time.Minute)
	v.SetDefault("database.migrate", true)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")

	v.SetDefault("identity.base_url", "http://localhost:8081")
	v.SetDefault("identity.timeout", 5*time.Second)

	v.SetDefault("photos.base_url", "https://qshe-patrol-photos.r2.dev")
	v.SetDefault("photos.bucket", "qshe-patrol-photos")

	v.SetDefault("engine.edit_window", 60*time.Minute)
	v.SetDefault("engine.auto_submit", false)
	v.SetDefault("engine.review_progress_threshold", 100)
	v.SetDefault("engine.default_due_days", 7)

	v.SetEnvPrefix("PATROL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/patrol-engine")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Engine.ReviewProgressThreshold < 0 || cfg.Engine.ReviewProgressThreshold > 100 {
		return nil, fmt.Errorf("engine.review_progress_threshold must be in [0,100], got %d",
			cfg.Engine.ReviewProgressThreshold)
	}

	return &cfg, nil
}
