package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"

	TokenizerTiktoken = "tiktoken"
	TokenizerApprox   = "approx"
)

type Config struct {
	Addr     string
	LogLevel string

	StorageBackend string
	DatabaseURL    string
	SQLitePath     string
	RedisURL       string

	OpenAIAPIKey string
	// OpenAIAPIKeySecret names a Secrets Manager secret holding the key.
	// It takes precedence over OpenAIAPIKey.
	OpenAIAPIKeySecret string
	OpenAIOrganization string
	OpenAIBaseURL      string
	ProviderTimeout    time.Duration
	MaxOutputTokens    int
	Tokenizer          string

	JWTSecret string
	TokenTTL  time.Duration

	LowBalanceThreshold int64
	SNSTopicARN         string
	AWSRegion           string
	OTLPEndpoint        string

	BootstrapAdminEmail    string
	BootstrapAdminPassword string

	ShutdownTimeout time.Duration
}

// Load reads the configuration from the environment. A .env file in the
// working directory or one of its parents is loaded first; variables already
// set in the environment win.
func Load() (*Config, error) {
	loadEnvFile()

	cfg := &Config{
		Addr:                   getEnv("ADDR", ":8080"),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		StorageBackend:         getEnv("STORAGE_BACKEND", BackendMemory),
		DatabaseURL:            getEnv("DATABASE_URL", ""),
		SQLitePath:             getEnv("SQLITE_PATH", "tokengateway.db"),
		RedisURL:               getEnv("REDIS_URL", ""),
		OpenAIAPIKey:           getEnv("OPENAI_API_KEY", ""),
		OpenAIAPIKeySecret:     getEnv("OPENAI_API_KEY_SECRET", ""),
		OpenAIOrganization:     getEnv("OPENAI_ORGANIZATION", ""),
		OpenAIBaseURL:          getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		ProviderTimeout:        getDurationEnv("PROVIDER_TIMEOUT", 120*time.Second),
		MaxOutputTokens:        getIntEnv("MAX_OUTPUT_TOKENS", 0),
		Tokenizer:              getEnv("TOKENIZER", TokenizerTiktoken),
		JWTSecret:              getEnv("JWT_SECRET", ""),
		TokenTTL:               getDurationEnv("TOKEN_TTL", 24*time.Hour),
		LowBalanceThreshold:    int64(getIntEnv("LOW_BALANCE_THRESHOLD", 1000)),
		SNSTopicARN:            getEnv("SNS_TOPIC_ARN", ""),
		AWSRegion:              getEnv("AWS_REGION", ""),
		OTLPEndpoint:           getEnv("OTLP_ENDPOINT", ""),
		BootstrapAdminEmail:    getEnv("BOOTSTRAP_ADMIN_EMAIL", ""),
		BootstrapAdminPassword: getEnv("BOOTSTRAP_ADMIN_PASSWORD", ""),
		ShutdownTimeout:        getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.StorageBackend {
	case BackendMemory, BackendSQLite:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	case BackendRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend))
	}

	switch c.Tokenizer {
	case TokenizerTiktoken, TokenizerApprox:
	default:
		errs = append(errs, fmt.Errorf("unknown TOKENIZER %q", c.Tokenizer))
	}

	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.MaxOutputTokens < 0 {
		errs = append(errs, errors.New("MAX_OUTPUT_TOKENS must not be negative"))
	}
	if c.OpenAIAPIKeySecret != "" && c.AWSRegion == "" {
		errs = append(errs, errors.New("AWS_REGION is required with OPENAI_API_KEY_SECRET"))
	}
	if c.SNSTopicARN != "" && c.AWSRegion == "" {
		errs = append(errs, errors.New("AWS_REGION is required with SNS_TOPIC_ARN"))
	}
	if (c.BootstrapAdminEmail == "") != (c.BootstrapAdminPassword == "") {
		errs = append(errs, errors.New("BOOTSTRAP_ADMIN_EMAIL and BOOTSTRAP_ADMIN_PASSWORD must be set together"))
	}

	return errors.Join(errs...)
}

func loadEnvFile() {
	if err := godotenv.Load(); err == nil {
		slog.Debug("loaded .env", "path", ".env")
		return
	}

	workDir, err := os.Getwd()
	if err != nil {
		return
	}

	for dir := filepath.Dir(workDir); ; dir = filepath.Dir(dir) {
		path := filepath.Join(dir, ".env")
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				slog.Debug("loaded .env", "path", path)
			}
			return
		}
		if dir == filepath.Dir(dir) {
			return
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getDurationEnv accepts Go durations ("90s", "24h") or a bare number of
// seconds.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
