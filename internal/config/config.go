package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the YAML file when no path is passed explicitly.
const EnvConfigPath = "ROADLENS_CONFIG"

type Config struct {
	Environment string `yaml:"environment" env:"ENVIRONMENT"`

	Log struct {
		Level      string `yaml:"level" env:"LOG_LEVEL"`
		File       string `yaml:"file" env:"LOG_FILE"`
		MaxSizeMB  int    `yaml:"max_size_mb" env:"LOG_MAX_SIZE_MB"`
		MaxBackups int    `yaml:"max_backups" env:"LOG_MAX_BACKUPS"`
		MaxAgeDays int    `yaml:"max_age_days" env:"LOG_MAX_AGE_DAYS"`
	} `yaml:"log"`

	Stream struct {
		Endpoint       string        `yaml:"endpoint" env:"STREAM_ENDPOINT"`
		PacingInterval time.Duration `yaml:"pacing_interval" env:"STREAM_PACING_INTERVAL"`
		ReplyTimeout   time.Duration `yaml:"reply_timeout" env:"STREAM_REPLY_TIMEOUT"`
		DialTimeout    time.Duration `yaml:"dial_timeout" env:"STREAM_DIAL_TIMEOUT"`
		JPEGQuality    int           `yaml:"jpeg_quality" env:"STREAM_JPEG_QUALITY"`
		Threshold      float64       `yaml:"threshold" env:"STREAM_THRESHOLD"`
	} `yaml:"stream"`

	Server struct {
		HTTPPort         string `yaml:"http_port" env:"HTTP_PORT"`
		GRPCPort         string `yaml:"grpc_port" env:"GRPC_PORT"`
		CORSOrigins      string `yaml:"cors_origins" env:"CORS_ORIGINS"`
		MaxConnections   int    `yaml:"max_connections" env:"MAX_CONNECTIONS"`
		RateLimitPerMin  int    `yaml:"rate_per_min" env:"RATE_PER_MIN"`
		MaxMessageSizeMB int    `yaml:"max_message_size_mb" env:"MAX_MESSAGE_SIZE_MB"`
	} `yaml:"server"`

	Detector struct {
		Backend string        `yaml:"backend" env:"DETECTOR_BACKEND"`
		URL     string        `yaml:"url" env:"DETECTOR_URL"`
		Timeout time.Duration `yaml:"timeout" env:"DETECTOR_TIMEOUT"`
	} `yaml:"detector"`

	Postgres struct {
		Host     string `yaml:"host" env:"DB_HOST"`
		Port     string `yaml:"port" env:"DB_PORT"`
		User     string `yaml:"user" env:"DB_USER"`
		Password string `yaml:"password" env:"DB_PASSWORD"`
		Name     string `yaml:"name" env:"DB_NAME"`
		SSLMode  string `yaml:"sslmode" env:"DB_SSLMODE"`
	} `yaml:"postgres"`

	Kafka struct {
		Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" envSeparator:","`
		Topic   string   `yaml:"topic" env:"KAFKA_TOPIC"`
	} `yaml:"kafka"`

	Minio struct {
		Endpoint  string `yaml:"endpoint" env:"MINIO_ENDPOINT"`
		AccessKey string `yaml:"access_key" env:"MINIO_ACCESS_KEY"`
		SecretKey string `yaml:"secret_key" env:"MINIO_SECRET_KEY"`
		Bucket    string `yaml:"bucket" env:"MINIO_BUCKET"`
		Region    string `yaml:"region" env:"MINIO_REGION"`
		Secure    bool   `yaml:"secure" env:"MINIO_SECURE"`
	} `yaml:"minio"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	cfg := &Config{Environment: "production"}

	cfg.Log.Level = "info"
	cfg.Log.MaxSizeMB = 100
	cfg.Log.MaxBackups = 3
	cfg.Log.MaxAgeDays = 28

	cfg.Stream.Endpoint = "ws://localhost:8000/ws"
	cfg.Stream.PacingInterval = 200 * time.Millisecond
	cfg.Stream.DialTimeout = 10 * time.Second
	cfg.Stream.JPEGQuality = 92
	cfg.Stream.Threshold = 0.5

	cfg.Server.HTTPPort = "8000"
	cfg.Server.GRPCPort = "50051"
	cfg.Server.CORSOrigins = "*"
	cfg.Server.MaxConnections = 1000
	cfg.Server.RateLimitPerMin = 1000
	cfg.Server.MaxMessageSizeMB = 50

	cfg.Detector.Backend = "http"
	cfg.Detector.URL = "http://localhost:9000/predict"
	cfg.Detector.Timeout = 5 * time.Second

	cfg.Postgres.Port = "5432"
	cfg.Postgres.User = "postgres"
	cfg.Postgres.Name = "roadlens"
	cfg.Postgres.SSLMode = "disable"

	cfg.Kafka.Topic = "road-detections"
	cfg.Minio.Bucket = "roadlens"
	cfg.Minio.Region = "us-east-1"
	return cfg
}

// LoadConfig layers .env, defaults, the YAML file at path (or $ROADLENS_CONFIG)
// and the process environment, in that order.
func LoadConfig(path string) (*Config, error) {
	// a missing .env is fine, the process environment is used as is
	_ = godotenv.Load()

	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "parse environment")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Stream.Threshold < 0 || c.Stream.Threshold > 1 {
		return errors.Errorf("stream.threshold must be within [0,1], got %v", c.Stream.Threshold)
	}
	if c.Stream.PacingInterval <= 0 {
		return errors.Errorf("stream.pacing_interval must be positive, got %v", c.Stream.PacingInterval)
	}
	if c.Stream.ReplyTimeout < 0 {
		return errors.Errorf("stream.reply_timeout must not be negative, got %v", c.Stream.ReplyTimeout)
	}
	if c.Stream.JPEGQuality < 1 || c.Stream.JPEGQuality > 100 {
		return errors.Errorf("stream.jpeg_quality must be within [1,100], got %d", c.Stream.JPEGQuality)
	}
	switch c.Detector.Backend {
	case "http", "grpc":
	default:
		return errors.Errorf("unknown detector backend %q", c.Detector.Backend)
	}
	return nil
}

// PostgresEnabled reports whether a database host has been configured.
func (c *Config) PostgresEnabled() bool {
	return c.Postgres.Host != ""
}

func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Postgres.Host, c.Postgres.Port, c.Postgres.User, c.Postgres.Password, c.Postgres.Name, c.Postgres.SSLMode)
}

// DSNForLog is DSN with the password masked.
func (c *Config) DSNForLog() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=*** dbname=%s sslmode=%s",
		c.Postgres.Host, c.Postgres.Port, c.Postgres.User, c.Postgres.Name, c.Postgres.SSLMode)
}

func (c *Config) IsDev() bool {
	return c.Environment == "dev"
}

func (c *Config) MaxMessageSize() int64 {
	return int64(c.Server.MaxMessageSizeMB) * 1024 * 1024
}
