// Package config loads environment-based settings for simdash.
package config

// File: internal/config/config.go
// Purpose: Centralized configuration parsing and derived helpers (DSN, Rabbit URL).
//
// Load order: .env files (godotenv), then an optional YAML file named by
// SIMDASH_CONFIG_FILE, then environment variables, which win.

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config stores parsed configuration for simdash.
type Config struct {
	Port           int           `yaml:"port"`
	SimServiceURL  string        `yaml:"sim_service_url"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	ElapsedTick    time.Duration `yaml:"elapsed_tick"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	SessionTTL     time.Duration `yaml:"session_ttl"`
	MySQLHost      string        `yaml:"mysql_host"`
	MySQLPort      string        `yaml:"mysql_port"`
	MySQLUser      string        `yaml:"mysql_user"`
	MySQLPassword  string        `yaml:"-"`
	MySQLDB        string        `yaml:"mysql_db"`
	RabbitHost     string        `yaml:"rabbitmq_host"`
	RabbitPort     string        `yaml:"rabbitmq_port"`
	RabbitUser     string        `yaml:"rabbitmq_user"`
	RabbitPass     string        `yaml:"-"`
	ExchangeName   string        `yaml:"exchange"`
	RedisURL       string        `yaml:"redis_url"`
	MinIOEndpoint  string        `yaml:"minio_endpoint"`
	MinIOAccessKey string        `yaml:"-"`
	MinIOSecretKey string        `yaml:"-"`
	MinIOBucket    string        `yaml:"minio_bucket"`
	MinIOUseSSL    bool          `yaml:"minio_use_ssl"`
	LogLevel       string        `yaml:"log_level"`
	LogFormat      string        `yaml:"log_format"`
}

var envPaths = []string{".env", "../.env", "../../.env"}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		Port:           8080,
		SimServiceURL:  "http://localhost:8000/api",
		PollInterval:   600 * time.Millisecond,
		ElapsedTick:    100 * time.Millisecond,
		RequestTimeout: 10 * time.Second,
		SessionTTL:     24 * time.Hour,
		MySQLHost:      "mysql",
		MySQLPort:      "3306",
		MySQLUser:      "simdash",
		MySQLPassword:  "simdashpass",
		MySQLDB:        "simdash",
		RabbitHost:     "rabbitmq",
		RabbitPort:     "5672",
		RabbitUser:     "simdash",
		RabbitPass:     "simdashpass",
		ExchangeName:   "simdash.events",
		RedisURL:       "redis://redis:6379/0",
		MinIOEndpoint:  "minio:9000",
		MinIOAccessKey: "minioadmin",
		MinIOSecretKey: "minioadmin",
		MinIOBucket:    "simulation-runs",
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// Load parses .env, the optional YAML file and environment variables and
// returns a validated Config.
func Load() (*Config, error) {
	for _, p := range envPaths {
		if err := godotenv.Load(p); err == nil {
			break
		}
	}

	cfg := Defaults()
	if path := os.Getenv("SIMDASH_CONFIG_FILE"); path != "" {
		if err := loadYAML(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var err error
	if cfg.Port, err = atoiWithDefault(os.Getenv("SIMDASH_PORT"), cfg.Port); err != nil {
		return fmt.Errorf("SIMDASH_PORT: %w", err)
	}
	if cfg.PollInterval, err = durationWithDefault(os.Getenv("SIM_POLL_INTERVAL"), cfg.PollInterval); err != nil {
		return fmt.Errorf("SIM_POLL_INTERVAL: %w", err)
	}
	if cfg.ElapsedTick, err = durationWithDefault(os.Getenv("SIM_ELAPSED_TICK"), cfg.ElapsedTick); err != nil {
		return fmt.Errorf("SIM_ELAPSED_TICK: %w", err)
	}
	if cfg.RequestTimeout, err = durationWithDefault(os.Getenv("SIM_REQUEST_TIMEOUT"), cfg.RequestTimeout); err != nil {
		return fmt.Errorf("SIM_REQUEST_TIMEOUT: %w", err)
	}
	if cfg.SessionTTL, err = durationWithDefault(os.Getenv("SESSION_TTL"), cfg.SessionTTL); err != nil {
		return fmt.Errorf("SESSION_TTL: %w", err)
	}

	cfg.SimServiceURL = getenv("SIM_SERVICE_URL", cfg.SimServiceURL)
	cfg.MySQLHost = getenv("MYSQL_HOST", cfg.MySQLHost)
	cfg.MySQLPort = getenv("MYSQL_PORT", cfg.MySQLPort)
	cfg.MySQLUser = getenv("MYSQL_USER", cfg.MySQLUser)
	cfg.MySQLPassword = getenv("MYSQL_PASSWORD", cfg.MySQLPassword)
	cfg.MySQLDB = getenv("MYSQL_DB", cfg.MySQLDB)
	cfg.RabbitHost = getenv("RABBITMQ_HOST", cfg.RabbitHost)
	cfg.RabbitPort = getenv("RABBITMQ_PORT", cfg.RabbitPort)
	cfg.RabbitUser = getenv("RABBITMQ_USER", cfg.RabbitUser)
	cfg.RabbitPass = getenv("RABBITMQ_PASS", cfg.RabbitPass)
	cfg.ExchangeName = getenv("RABBITMQ_EXCHANGE", cfg.ExchangeName)
	cfg.RedisURL = getenv("REDIS_URL", cfg.RedisURL)
	cfg.MinIOEndpoint = getenv("MINIO_ENDPOINT", cfg.MinIOEndpoint)
	cfg.MinIOAccessKey = getenv("MINIO_ACCESS_KEY", cfg.MinIOAccessKey)
	cfg.MinIOSecretKey = getenv("MINIO_SECRET_KEY", cfg.MinIOSecretKey)
	cfg.MinIOBucket = getenv("MINIO_BUCKET", cfg.MinIOBucket)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getenv("LOG_FORMAT", cfg.LogFormat)
	if raw := os.Getenv("MINIO_USE_SSL"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid MINIO_USE_SSL %q: %w", raw, err)
		}
		cfg.MinIOUseSSL = v
	}
	return nil
}

// Validate rejects settings the controller cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	u, err := url.Parse(c.SimServiceURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid SIM_SERVICE_URL: %q", c.SimServiceURL)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be > 0")
	}
	if c.ElapsedTick <= 0 {
		return fmt.Errorf("elapsed tick must be > 0")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("invalid LOG_FORMAT: %s", c.LogFormat)
	}
	return nil
}

// DSN returns a MySQL DSN string based on the config.
func (c *Config) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true&multiStatements=true", c.MySQLUser, c.MySQLPassword, c.MySQLHost, c.MySQLPort, c.MySQLDB)
}

// RabbitURL returns the AMQP URL used by the publisher.
func (c *Config) RabbitURL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%s/", c.RabbitUser, c.RabbitPass, c.RabbitHost, c.RabbitPort)
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func atoiWithDefault(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid int %q: %w", raw, err)
	}
	return v, nil
}

// durationWithDefault accepts Go durations ("600ms") or bare milliseconds ("600").
func durationWithDefault(raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	if ms, err := strconv.Atoi(raw); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	return d, nil
}
