package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// State store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreDynamoDB = "dynamodb"
)

// Config holds runtime settings. Values come from defaults, then the optional
// YAML file named by CONFIG_FILE, then environment variables.
type Config struct {
	HTTPAddr       string        `yaml:"http_addr"`
	WebhookSecret  string        `yaml:"webhook_secret"`
	RejectUnsigned bool          `yaml:"reject_unsigned"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps"`
	RateLimitBurst int           `yaml:"rate_limit_burst"`
	StateStore     string        `yaml:"state_store"`
	DatabaseURL    string        `yaml:"database_url"`
	DynamoDBTable  string        `yaml:"dynamodb_table"`
	AWSRegion      string        `yaml:"aws_region"`
	DynamoEndpoint string        `yaml:"dynamodb_endpoint"`
	JWTSecret      string        `yaml:"jwt_secret"`
	ReplayInterval time.Duration `yaml:"replay_interval"`
	ReplayBatch    int           `yaml:"replay_batch_size"`
	MaxAttempts    int           `yaml:"replay_max_attempts"`
	LogLevel       string        `yaml:"log_level"`
	LogFormat      string        `yaml:"log_format"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		HTTPAddr:       ":8080",
		MaxBodyBytes:   1 << 20,
		RateLimitRPS:   20,
		RateLimitBurst: 40,
		StateStore:     StorePostgres,
		AWSRegion:      "us-east-1",
		ReplayBatch:    50,
		MaxAttempts:    10,
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// Load reads .env (when present), the optional CONFIG_FILE and the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = getenvDefault("HTTP_ADDR", c.HTTPAddr)
	if port := os.Getenv("PORT"); port != "" && os.Getenv("HTTP_ADDR") == "" {
		c.HTTPAddr = ":" + port
	}
	c.WebhookSecret = getenvDefault("TOMRA_WEBHOOK_SECRET", c.WebhookSecret)
	c.RejectUnsigned = getenvBool("WEBHOOK_REJECT_UNSIGNED", c.RejectUnsigned)
	c.MaxBodyBytes = int64(getenvIntDefault("WEBHOOK_MAX_BODY_BYTES", int(c.MaxBodyBytes)))
	c.RateLimitRPS = getenvFloatDefault("WEBHOOK_RATE_LIMIT_RPS", c.RateLimitRPS)
	c.RateLimitBurst = getenvIntDefault("WEBHOOK_RATE_LIMIT_BURST", c.RateLimitBurst)
	c.StateStore = strings.ToLower(getenvDefault("STATE_STORE", c.StateStore))
	c.DatabaseURL = getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", c.DatabaseURL))
	c.DynamoDBTable = getenvDefault("DYNAMODB_DEVICE_STATE_TABLE", c.DynamoDBTable)
	c.AWSRegion = getenvDefault("AWS_REGION", c.AWSRegion)
	c.DynamoEndpoint = getenvDefault("DYNAMODB_ENDPOINT", c.DynamoEndpoint)
	c.JWTSecret = getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", c.JWTSecret))
	c.ReplayInterval = getenvDuration("REPLAY_INTERVAL", c.ReplayInterval)
	c.ReplayBatch = getenvIntDefault("REPLAY_BATCH_SIZE", c.ReplayBatch)
	c.MaxAttempts = getenvIntDefault("REPLAY_MAX_ATTEMPTS", c.MaxAttempts)
	c.LogLevel = getenvDefault("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getenvDefault("LOG_FORMAT", c.LogFormat)
}

// Validate reports the first missing or inconsistent setting.
func (c Config) Validate() error {
	if c.WebhookSecret == "" {
		return errors.New("TOMRA_WEBHOOK_SECRET is required")
	}
	switch c.StateStore {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres state store")
		}
	case StoreDynamoDB:
		if c.DynamoDBTable == "" {
			return errors.New("DYNAMODB_DEVICE_STATE_TABLE is required for the dynamodb state store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown STATE_STORE %q", c.StateStore)
	}
	if c.MaxBodyBytes <= 0 {
		return errors.New("WEBHOOK_MAX_BODY_BYTES must be positive")
	}
	if c.ReplayInterval < 0 {
		return errors.New("REPLAY_INTERVAL must not be negative")
	}
	if c.MaxAttempts <= 0 {
		return errors.New("REPLAY_MAX_ATTEMPTS must be positive")
	}
	return nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvFloatDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
