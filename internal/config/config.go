package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const PROD_STRING = "prod"

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
	DriverRedis    = "redis"
)

// Config holds all application configuration loaded from environment.
type Config struct {
	IsProduction   bool
	ProdOrigins    string
	TrustedProxies []string
	HTTPAddr       string
	LogLevel       string
	JWTSecret      string
	JWTTokenTTL    time.Duration

	StoreDriver string
	DBDSN       string
	DBMaxConns  int

	ThrottleDriver string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int

	Quota Quota
}

// Quota holds the admission policy numbers. They are policy, not mechanism,
// so every one of them can be overridden from the environment.
type Quota struct {
	Limit            int
	Window           time.Duration
	CooldownWindow   time.Duration
	IPThrottleLimit  int
	IPThrottleWindow time.Duration
	PreAuthLimit     int
	LockTimeout      time.Duration
}

// Load loads configuration from .env (optional) and environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists
	err := godotenv.Load()
	if err != nil {
		log.Printf("failed to load .env file: %v", err)
	}

	cfg := &Config{}

	cfg.ProdOrigins = getEnv("PROD_ORIGINS", "")
	cfg.IsProduction = getEnv("APP_ENV", "dev") == PROD_STRING
	cfg.HTTPAddr = getEnv("HTTP_ADDR", ":8080")
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	cfg.TrustedProxies = getEnvAsList("TRUSTED_PROXIES")

	// JWT secret is required to derive the requester identity
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.JWTTokenTTL, err = getEnvAsDuration("JWT_ACCESS_TOKEN_TTL", 15*time.Minute); err != nil {
		return nil, fmt.Errorf("invalid JWT_ACCESS_TOKEN_TTL: %w", err)
	}

	cfg.StoreDriver = getEnv("STORE_DRIVER", DriverPostgres)
	switch cfg.StoreDriver {
	case DriverPostgres:
		cfg.DBDSN = os.Getenv("DB_DSN")
		if cfg.DBDSN == "" {
			return nil, fmt.Errorf("DB_DSN is required when STORE_DRIVER=%s", DriverPostgres)
		}
	case DriverMemory:
	default:
		return nil, fmt.Errorf("invalid STORE_DRIVER %q", cfg.StoreDriver)
	}
	if cfg.DBMaxConns, err = getEnvAsInt("DB_MAX_CONNS", 10); err != nil {
		return nil, fmt.Errorf("invalid DB_MAX_CONNS: %w", err)
	}

	cfg.ThrottleDriver = getEnv("THROTTLE_DRIVER", DriverMemory)
	switch cfg.ThrottleDriver {
	case DriverRedis:
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("REDIS_ADDR is required when THROTTLE_DRIVER=%s", DriverRedis)
		}
	case DriverMemory:
	default:
		return nil, fmt.Errorf("invalid THROTTLE_DRIVER %q", cfg.ThrottleDriver)
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if cfg.RedisDB, err = getEnvAsInt("REDIS_DB", 0); err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	if cfg.Quota, err = loadQuota(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadQuota() (Quota, error) {
	var q Quota
	var err error

	if q.Limit, err = getEnvAsInt("QUOTA_LIMIT", 5); err != nil {
		return q, fmt.Errorf("invalid QUOTA_LIMIT: %w", err)
	}
	if q.Window, err = getEnvAsDuration("QUOTA_WINDOW", time.Hour); err != nil {
		return q, fmt.Errorf("invalid QUOTA_WINDOW: %w", err)
	}
	if q.CooldownWindow, err = getEnvAsDuration("COOLDOWN_WINDOW", 30*time.Minute); err != nil {
		return q, fmt.Errorf("invalid COOLDOWN_WINDOW: %w", err)
	}
	if q.IPThrottleLimit, err = getEnvAsInt("IP_THROTTLE_LIMIT", 3); err != nil {
		return q, fmt.Errorf("invalid IP_THROTTLE_LIMIT: %w", err)
	}
	if q.IPThrottleWindow, err = getEnvAsDuration("IP_THROTTLE_WINDOW", time.Second); err != nil {
		return q, fmt.Errorf("invalid IP_THROTTLE_WINDOW: %w", err)
	}
	if q.PreAuthLimit, err = getEnvAsInt("PRE_AUTH_THROTTLE_LIMIT", 20); err != nil {
		return q, fmt.Errorf("invalid PRE_AUTH_THROTTLE_LIMIT: %w", err)
	}
	if q.LockTimeout, err = getEnvAsDuration("LOCK_TIMEOUT", 5*time.Second); err != nil {
		return q, fmt.Errorf("invalid LOCK_TIMEOUT: %w", err)
	}

	if q.Limit < 1 || q.IPThrottleLimit < 1 || q.PreAuthLimit < 1 {
		return q, fmt.Errorf("QUOTA_LIMIT, IP_THROTTLE_LIMIT and PRE_AUTH_THROTTLE_LIMIT must be positive")
	}
	if q.Window <= 0 || q.CooldownWindow <= 0 || q.IPThrottleWindow <= 0 || q.LockTimeout <= 0 {
		return q, fmt.Errorf("quota windows and LOCK_TIMEOUT must be positive durations")
	}
	return q, nil
}

// getEnv returns the value of the environment variable if set,
// otherwise returns the provided default value.
func getEnv(key, defaultValue string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer.
// It returns the default value if the variable is not set.
// It returns an error if the variable is set but is not a valid integer.
func getEnvAsInt(key string, defaultValue int) (int, error) {
	valStr := getEnv(key, "")
	if valStr == "" {
		return defaultValue, nil
	}

	val, err := strconv.Atoi(valStr)
	if err != nil {
		return 0, fmt.Errorf("env %s value %q is not a valid integer: %w", key, valStr, err)
	}

	return val, nil
}

// getEnvAsDuration parses values like "30m" or "1h".
func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valStr := getEnv(key, "")
	if valStr == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(valStr)
	if err != nil {
		return 0, fmt.Errorf("env %s value %q is not a valid duration: %w", key, valStr, err)
	}

	return val, nil
}

// getEnvAsList splits a comma separated variable, dropping empty items.
func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
