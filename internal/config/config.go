// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all chainfs configuration.
type Config struct {
	Logging LogConfig
	Client  ClientConfig
	Gateway GatewayConfig
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `envconfig:"CHAINFS_LOG_LEVEL" default:"info"`
	Format string `envconfig:"CHAINFS_LOG_FORMAT" default:"json"`
}

// ClientConfig configures a session against a gateway.
type ClientConfig struct {
	ServerURL string        `envconfig:"CHAINFS_SERVER" default:"http://localhost:8080"`
	Owner     string        `envconfig:"CHAINFS_OWNER"`
	Account   string        `envconfig:"CHAINFS_ACCOUNT"`
	Key       string        `envconfig:"CHAINFS_KEY"`
	Timeout   time.Duration `envconfig:"CHAINFS_TIMEOUT" default:"60s"`
	Warm      bool          `envconfig:"CHAINFS_WARM" default:"false"`
}

// GatewayConfig configures the gateway server.
type GatewayConfig struct {
	ListenAddr    string   `envconfig:"CHAINFS_LISTEN_ADDR" default:":8080"`
	MetricsAddr   string   `envconfig:"CHAINFS_METRICS_ADDR" default:":9090"`
	Backend       string   `envconfig:"CHAINFS_BACKEND" default:"memory"`
	JWTSecret     string   `envconfig:"CHAINFS_JWT_SECRET"`
	Admins        []string `envconfig:"CHAINFS_ADMINS"`
	TotalSpace    int64    `envconfig:"CHAINFS_TOTAL_SPACE" default:"1099511627776"`
	MaxUploadSize int64    `envconfig:"CHAINFS_MAX_UPLOAD_SIZE" default:"104857600"`

	DatabaseURL string `envconfig:"CHAINFS_DATABASE_URL"`
	S3Endpoint  string `envconfig:"CHAINFS_S3_ENDPOINT" default:"http://localhost:9000"`
	S3Bucket    string `envconfig:"CHAINFS_S3_BUCKET" default:"chainfs"`
	S3AccessKey string `envconfig:"CHAINFS_S3_ACCESS_KEY" default:"minioadmin"`
	S3SecretKey string `envconfig:"CHAINFS_S3_SECRET_KEY" default:"minioadmin"`
	S3Region    string `envconfig:"CHAINFS_S3_REGION" default:"us-east-1"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the gateway settings that have no usable default.
func (g GatewayConfig) Validate() error {
	if g.JWTSecret == "" {
		return fmt.Errorf("CHAINFS_JWT_SECRET is required")
	}
	switch g.Backend {
	case "memory":
	case "objectstore":
		if g.DatabaseURL == "" {
			return fmt.Errorf("CHAINFS_DATABASE_URL is required for the objectstore backend")
		}
	default:
		return fmt.Errorf("unknown backend type: %s", g.Backend)
	}
	return nil
}

// Validate checks that a session has a tree to browse.
func (c ClientConfig) Validate() error {
	if c.Owner == "" && c.Account == "" {
		return fmt.Errorf("CHAINFS_OWNER or CHAINFS_ACCOUNT is required")
	}
	return nil
}
