package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	ModeMock       = "mock"
	ModeProduction = "production"

	LimiterMemory = "memory"
	LimiterRedis  = "redis"
)

type Config struct {
	DBSource string
	Port     string
	Env      string

	LogLevel  string
	LogFormat string

	RealMode             string
	RealAPIBaseURL       string
	RealAPIKey           string
	RealAPISecret        string
	RealRateLimitPerMin  int
	RealMockMaxAmount    int64
	RequiredMetadataKeys []string
	RealHTTPTimeout      time.Duration

	RateLimitBackend string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
}

// Load reads configuration from the environment, after merging a local .env
// file if one is present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	rateLimit, err := getenvInt("REAL_RATE_LIMIT_PER_MINUTE", 60)
	if err != nil {
		return nil, err
	}
	if rateLimit <= 0 {
		return nil, fmt.Errorf("REAL_RATE_LIMIT_PER_MINUTE must be positive, got %d", rateLimit)
	}

	maxAmount, err := getenvInt("REAL_MOCK_MAX_AMOUNT", 1000)
	if err != nil {
		return nil, err
	}

	timeout, err := getenvDuration("REAL_HTTP_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}

	redisDB, err := getenvInt("REDIS_DB", 0)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DBSource:             dbSource,
		Port:                 getenv("SERVER_PORT", "8080"),
		Env:                  getenv("ENVIRONMENT", "development"),
		LogLevel:             getenv("LOG_LEVEL", "info"),
		LogFormat:            getenv("LOG_FORMAT", "json"),
		RealMode:             strings.ToLower(getenv("REAL_MODE", ModeMock)),
		RealAPIBaseURL:       getenv("REAL_API_BASE_URL", "https://api.real-token.example"),
		RealAPIKey:           strings.TrimSpace(os.Getenv("REAL_API_KEY")),
		RealAPISecret:        strings.TrimSpace(os.Getenv("REAL_API_SECRET")),
		RealRateLimitPerMin:  rateLimit,
		RealMockMaxAmount:    int64(maxAmount),
		RequiredMetadataKeys: parseCSV(getenv("REAL_REQUIRED_METADATA_KEYS", "challenge_id")),
		RealHTTPTimeout:      timeout,
		RateLimitBackend:     strings.ToLower(getenv("RATE_LIMIT_BACKEND", LimiterMemory)),
		RedisAddr:            getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              redisDB,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.RealMode {
	case ModeMock:
	case ModeProduction:
		if c.RealAPIKey == "" || c.RealAPISecret == "" {
			return fmt.Errorf("REAL_API_KEY and REAL_API_SECRET must be set for production mode")
		}
	default:
		return fmt.Errorf("REAL_MODE must be %q or %q, got %q", ModeMock, ModeProduction, c.RealMode)
	}

	switch c.RateLimitBackend {
	case LimiterMemory, LimiterRedis:
	default:
		return fmt.Errorf("RATE_LIMIT_BACKEND must be %q or %q, got %q", LimiterMemory, LimiterRedis, c.RateLimitBackend)
	}
	return nil
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer value for %s: %q", key, v)
	}
	return n, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration value for %s: %q", key, v)
	}
	return d, nil
}

func parseCSV(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
