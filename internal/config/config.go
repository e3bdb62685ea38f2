package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/masurp/travelgram-tracking/internal/blobstore"
)

type Config struct {
	Server    ServerConfig       `yaml:"server"`
	Blob      blobstore.S3Config `yaml:"blob"`
	Redis     RedisConfig        `yaml:"redis"`
	Tracking  TrackingConfig     `yaml:"tracking"`
	RateLimit RateLimitConfig    `yaml:"rate_limit"`
	Export    ExportConfig       `yaml:"export"`
}

type ServerConfig struct {
	HTTPPort int `yaml:"http_port"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type TrackingConfig struct {
	// Namespace is the key prefix for all event objects in the blob store.
	Namespace string `yaml:"namespace"`
	// RetentionDays is the default cleanup window.
	RetentionDays int `yaml:"retention_days"`
	// AdminKey gates the cleanup and delete-all endpoints.
	AdminKey string `yaml:"admin_key"`
	// ForwardURL, when set, receives a best-effort copy of each batch.
	ForwardURL string `yaml:"forward_url"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
}

type ExportConfig struct {
	// PauseBetweenFilesMs throttles the export worker between store objects.
	PauseBetweenFilesMs int64 `yaml:"pause_between_files_ms"`
}

// PauseBetweenFiles returns the worker pause as a duration.
func (c ExportConfig) PauseBetweenFiles() time.Duration {
	return time.Duration(c.PauseBetweenFilesMs) * time.Millisecond
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 8080
	}
	if c.Tracking.Namespace == "" {
		c.Tracking.Namespace = "tracking"
	}
	if c.Tracking.RetentionDays == 0 {
		c.Tracking.RetentionDays = 30
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 50
	}
	if c.Export.PauseBetweenFilesMs == 0 {
		c.Export.PauseBetweenFilesMs = 25
	}
}
