// Package config loads application configuration from an optional YAML
// file with environment-variable overrides for anything secret or
// deployment-specific.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the service.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	SES      SESConfig      `yaml:"ses"`
	Sending  SendingConfig  `yaml:"sending"`
	Database DatabaseConfig `yaml:"database"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
	// PublicURL is the externally reachable base URL, embedded in the
	// tracking-pixel src of every outbound message.
	PublicURL string `yaml:"public_url"`
}

// GetHost returns the listen host, with container detection.
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// AuthConfig holds API authentication configuration.
type AuthConfig struct {
	APIKey string `yaml:"api_key"`
}

// SESConfig holds AWS SES configuration for outbound submission.
type SESConfig struct {
	Region         string `yaml:"region"`
	FromEmail      string `yaml:"from_email"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the per-submission timeout as a duration.
func (c SESConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SendingConfig holds rate limiting and queue sizing.
type SendingConfig struct {
	MaxPerSecond    int `yaml:"max_per_second"`
	SendQueueSize   int `yaml:"send_queue_size"`
	ResultQueueSize int `yaml:"result_queue_size"`
}

// DatabaseConfig holds the embedded store location.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// Load reads and parses the configuration file. A missing file is not an
// error; every field has a default or an environment override.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// fall through to defaults
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "ap-northeast-2"
	}
	if cfg.SES.TimeoutSeconds == 0 {
		cfg.SES.TimeoutSeconds = 30
	}
	if cfg.Sending.MaxPerSecond == 0 {
		cfg.Sending.MaxPerSecond = 24
	}
	if cfg.Sending.SendQueueSize == 0 {
		cfg.Sending.SendQueueSize = 10_000
	}
	if cfg.Sending.ResultQueueSize == 0 {
		cfg.Sending.ResultQueueSize = 1_000
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "bulkmail.db"
	}

	return &cfg, nil
}

// LoadFromEnv loads the configuration file and applies environment
// variable overrides. A .env file is honored when present.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if url := os.Getenv("SERVER_URL"); url != "" {
		cfg.Server.PublicURL = url
	}
	if key := os.Getenv("API_KEY"); key != "" {
		cfg.Auth.APIKey = key
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.SES.Region = region
	}
	if from := os.Getenv("AWS_SES_FROM_EMAIL"); from != "" {
		cfg.SES.FromEmail = from
	}
	if accessKey := os.Getenv("AWS_SES_ACCESS_KEY"); accessKey != "" {
		cfg.SES.AccessKey = accessKey
	}
	if secretKey := os.Getenv("AWS_SES_SECRET_KEY"); secretKey != "" {
		cfg.SES.SecretKey = secretKey
	}
	if v := os.Getenv("MAX_SEND_PER_SECOND"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Sending.MaxPerSecond = n
		}
	}
	if v := os.Getenv("SEND_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Sending.SendQueueSize = n
		}
	}
	if v := os.Getenv("RESULT_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Sending.ResultQueueSize = n
		}
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	return cfg, nil
}
