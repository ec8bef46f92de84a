package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// BackendConfig holds the KYC backend endpoints.
type BackendConfig struct {
	APIBaseURL   string `yaml:"api_base_url"`
	DetectionURL string `yaml:"detection_url"`
}

// PollingConfig bounds the result polling loop.
type PollingConfig struct {
	Attempts int           `yaml:"attempts"`
	Interval time.Duration `yaml:"interval"`
}

// PipelineConfig tunes the image pipeline.
type PipelineConfig struct {
	CropMargin int    `yaml:"crop_margin"`
	BBoxFormat string `yaml:"bbox_format"` // "corners" or "xywh"
}

// Config is the full service configuration.
type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	Backend  BackendConfig  `yaml:"backend"`
	Polling  PollingConfig  `yaml:"polling"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Redis    struct {
		Addr      string `yaml:"addr"`
		Namespace string `yaml:"namespace"`
	} `yaml:"redis"`
	Database struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database"`
	Auth struct {
		JWTSecret   string `yaml:"jwt_secret"`
		JWTAudience string `yaml:"jwt_audience"`
	} `yaml:"auth"`
	LogLevel string `yaml:"log_level"`
}

// Load reads the YAML config at path and applies environment overrides.
// A missing file is not an error; defaults plus environment apply.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Addr = getEnv("SERVER_ADDR", c.Server.Addr)
	c.Backend.APIBaseURL = getEnv("KYC_API_BASE_URL", c.Backend.APIBaseURL)
	c.Backend.DetectionURL = getEnv("KYC_DETECTION_URL", c.Backend.DetectionURL)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Namespace = getEnv("REDIS_NAMESPACE", c.Redis.Namespace)
	c.Database.DSN = getEnv("DATABASE_DSN", c.Database.DSN)
	c.Auth.JWTSecret = getEnv("JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.JWTAudience = getEnv("JWT_AUDIENCE", c.Auth.JWTAudience)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	if v := os.Getenv("POLL_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Polling.Attempts = n
		}
	}
	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Polling.Interval = d
		}
	}
	if v := os.Getenv("CROP_MARGIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pipeline.CropMargin = n
		}
	}
	if v := os.Getenv("BBOX_FORMAT"); v != "" {
		c.Pipeline.BBoxFormat = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Polling.Attempts <= 0 {
		c.Polling.Attempts = 10
	}
	if c.Polling.Interval <= 0 {
		c.Polling.Interval = 2 * time.Second
	}
	if c.Pipeline.CropMargin == 0 {
		c.Pipeline.CropMargin = 10
	}
	if c.Pipeline.BBoxFormat == "" {
		c.Pipeline.BBoxFormat = "corners"
	}
	if c.Redis.Namespace == "" {
		c.Redis.Namespace = "kycflow"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
